package taskgraph

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyrex41/descartes-sub000/internal/resilience"
)

// fakeStore writes a shell script standing in for the task store CLI. It
// logs every invocation to calls.log and fails the first `failures` calls.
func fakeStore(t *testing.T, failures int) (string, string) {
	t.Helper()
	dir := t.TempDir()
	log := filepath.Join(dir, "calls.log")
	counter := filepath.Join(dir, "count")

	script := `#!/bin/sh
echo "$*" >> "` + log + `"
n=$(cat "` + counter + `" 2>/dev/null || echo 0)
n=$((n+1))
echo $n > "` + counter + `"
if [ $n -le ` + strconv.Itoa(failures) + ` ]; then
  echo "store unavailable" >&2
  exit 1
fi
case "$1" in
  stats) echo '{"total": 2, "done": 1, "pending": 1, "in_progress": 0, "blocked": 0}' ;;
  waves) echo '{"waves": [{"number": 1, "task_ids": [1, 2]}]}' ;;
  next)  echo '{"task": {"id": 2, "title": "Second", "status": "pending", "dependencies": []}}' ;;
  set-status) echo ok ;;
  *) echo "unknown command $1" >&2; exit 2 ;;
esac
`
	path := filepath.Join(dir, "scud")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path, log
}

func testRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      2 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.1,
	}
}

func TestCLIClient_Contract(t *testing.T) {
	bin, log := fakeStore(t, 0)
	c := NewCLIClient(CLIConfig{Command: bin, Retry: testRetry()}, nil, nil, nil)
	ctx := context.Background()

	stats, err := c.Stats(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)

	waves, err := c.Waves(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, waves, 1)
	assert.Equal(t, []string{"1", "2"}, waves[0].TaskIDs)

	count, err := WaveCount(ctx, c, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	next, err := c.NextReadyTask(ctx, "demo")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "2", next.ID)
	assert.Equal(t, "Second", next.Title)

	require.NoError(t, c.Claim(ctx, "demo", "2"))
	require.NoError(t, c.MarkDone(ctx, "demo", "2"))
	require.NoError(t, c.MarkBlocked(ctx, "demo", "3"))

	calls, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"stats --tag demo --json",
		"waves --tag demo --json",
		"waves --tag demo --json",
		"next --tag demo --json",
		"set-status 2 in-progress --tag demo",
		"set-status 2 done --tag demo",
		"set-status 3 blocked --tag demo",
	}, "\n")+"\n", string(calls))
}

func TestCLIClient_RetriesTransientFailures(t *testing.T) {
	bin, _ := fakeStore(t, 2)
	c := NewCLIClient(CLIConfig{Command: bin, Retry: testRetry()}, resilience.NewBreakerRegistry(nil), nil, nil)

	stats, err := c.Stats(context.Background(), "demo")
	require.NoError(t, err, "two failures then success must be absorbed by backoff")
	assert.Equal(t, 2, stats.Total)
}

func TestCLIClient_MissingBinaryIsNotRetried(t *testing.T) {
	c := NewCLIClient(CLIConfig{
		Command: filepath.Join(t.TempDir(), "missing-scud"),
		Retry:   testRetry(),
	}, nil, nil, nil)

	start := time.Now()
	_, err := c.Stats(context.Background(), "demo")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestParseNext_Empty(t *testing.T) {
	for _, in := range []string{"", "null", "{}", `{"task": null}`} {
		task, err := parseNext([]byte(in))
		require.NoError(t, err, "input %q", in)
		assert.Nil(t, task, "input %q", in)
	}
}

func TestParseWaves_BareArray(t *testing.T) {
	waves, err := parseWaves([]byte(`[{"number": 1, "task_ids": ["a"]}, {"number": 2, "task_ids": ["b", "c"]}]`))
	require.NoError(t, err)
	require.Len(t, waves, 2)
	assert.Equal(t, []string{"b", "c"}, waves[1].TaskIDs)
}

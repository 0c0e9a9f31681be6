package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyrex41/descartes-sub000/internal/process"
	"github.com/pyrex41/descartes-sub000/internal/resilience"
)

// TestHelperProcess is re-executed by helperConfig as a fake agent CLI.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("DESCARTES_TEST_HELPER") != "1" {
		return
	}
	args := os.Args[1:]
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	switch os.Getenv("HELPER_MODE") {
	case "stdout":
		fmt.Print(os.Getenv("HELPER_STDOUT"))
	case "args":
		fmt.Print(strings.Join(args, "\n"))
	case "exit":
		fmt.Print(os.Getenv("HELPER_STDOUT"))
		fmt.Fprint(os.Stderr, "boom")
		code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT_CODE"))
		os.Exit(code)
	case "slow":
		fmt.Print("started")
		time.Sleep(30 * time.Second)
	default:
		fmt.Fprintln(os.Stderr, "unknown HELPER_MODE")
		os.Exit(2)
	}
	os.Exit(0)
}

func helperConfig(typ, mode string, env map[string]string) Config {
	e := map[string]string{"DESCARTES_TEST_HELPER": "1", "HELPER_MODE": mode}
	for k, v := range env {
		e[k] = v
	}
	return Config{
		Type:    typ,
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Env:     e,
	}
}

func TestNew_Types(t *testing.T) {
	for _, typ := range []string{"", "claude", "codex", "goose"} {
		inv, err := New(Config{Type: typ}, nil)
		require.NoError(t, err, typ)
		assert.NotNil(t, inv, typ)
	}

	_, err := New(Config{Type: "generic"}, nil)
	assert.ErrorContains(t, err, "requires a command")

	_, err = New(Config{Type: "unknown"}, nil)
	assert.ErrorContains(t, err, "unknown backend type")
}

func TestClaudeAdapter_BuildArgs(t *testing.T) {
	a := NewClaudeAdapter(Config{Model: "opus", SystemPrompt: "be terse", Args: []string{"--dangerously-skip-permissions"}}, nil)
	assert.Equal(t, []string{
		"--dangerously-skip-permissions",
		"-p", "do it", "--output-format", "json", "--session-id", "sid",
		"--model", "opus", "--append-system-prompt", "be terse",
	}, a.buildArgs("do it", "sid"))
}

func TestClaudeAdapter_InvokeParsesResult(t *testing.T) {
	cfg := helperConfig("claude", "stdout", map[string]string{
		"HELPER_STDOUT": `{"session_id":"s1","result":"done\n<promise>TASK_COMPLETE</promise>"}`,
	})
	out, err := NewClaudeAdapter(cfg, nil).Invoke(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "done\n<promise>TASK_COMPLETE</promise>", out)
}

func TestParseClaudeResponse_ContentArray(t *testing.T) {
	out, err := parseClaudeResponse([]byte(`{"result":{"content":[{"type":"text","text":"a"},{"type":"tool_use"},{"type":"text","text":"b"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "ab", out)

	_, err = parseClaudeResponse([]byte("plain text"))
	assert.Error(t, err)
}

func TestClaudeAdapter_FreshSessionPerInvoke(t *testing.T) {
	a := NewClaudeAdapter(helperConfig("claude", "args", nil), nil)

	sessionOf := func(out string) string {
		lines := strings.Split(out, "\n")
		for i, l := range lines {
			if l == "--session-id" && i+1 < len(lines) {
				return lines[i+1]
			}
		}
		return ""
	}

	first, err := a.Invoke(context.Background(), "one")
	require.NoError(t, err)
	second, err := a.Invoke(context.Background(), "two")
	require.NoError(t, err)

	assert.NotEmpty(t, sessionOf(first))
	assert.NotEqual(t, sessionOf(first), sessionOf(second))
	assert.Contains(t, first, "one")
}

func TestClaudeAdapter_NonZeroExitIsError(t *testing.T) {
	cfg := helperConfig("claude", "exit", map[string]string{"HELPER_EXIT_CODE": "1"})
	_, err := NewClaudeAdapter(cfg, nil).Invoke(context.Background(), "prompt")
	require.Error(t, err)

	var exitErr *process.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, err.Error(), "boom")
}

func TestCodexAdapter(t *testing.T) {
	assert.Equal(t, []string{"exec", "p", "--json", "--model", "o3"},
		NewCodexAdapter(Config{Model: "o3"}, nil).buildArgs("p"))

	stream := strings.Join([]string{
		`{"type":"thread.started","thread_id":"t1"}`,
		`{"type":"item.completed","item":{"type":"reasoning","text":"thinking"}}`,
		`{"type":"item.completed","item":{"type":"agent_message","text":"first"}}`,
		`{"type":"TurnCompleted","content":"second"}`,
		`not json`,
	}, "\n")
	out, err := parseCodexEvents([]byte(stream))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", out)

	_, err = parseCodexEvents([]byte("plain"))
	assert.Error(t, err)

	cfg := helperConfig("codex", "stdout", map[string]string{"HELPER_STDOUT": "no events here"})
	out, err = NewCodexAdapter(cfg, nil).Invoke(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "no events here", out, "unparseable output is returned raw")
}

func TestGooseAdapter(t *testing.T) {
	g := NewGooseAdapter(Config{Provider: "ollama", Model: "qwen", SystemPrompt: "sys"}, nil)
	assert.Equal(t, []string{"run", "--no-session", "--text", "p", "--provider", "ollama", "--model", "qwen", "--system", "sys"}, g.buildArgs("p"))

	out, ok := parseGooseResponse([]byte(`{"content":"hello"}`))
	assert.True(t, ok)
	assert.Equal(t, "hello", out)

	out, ok = parseGooseResponse([]byte("{\"content\":\"a\"}\n{\"content\":\"b\"}\n"))
	assert.True(t, ok)
	assert.Equal(t, "a\nb", out)

	_, ok = parseGooseResponse([]byte("plain text"))
	assert.False(t, ok)

	cfg := helperConfig("goose", "stdout", map[string]string{"HELPER_STDOUT": "plain <promise>TASK_COMPLETE</promise>"})
	out, err := NewGooseAdapter(cfg, nil).Invoke(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "plain <promise>TASK_COMPLETE</promise>", out)
}

func TestGenericAdapter_PromptModes(t *testing.T) {
	ctx := context.Background()

	arg, err := NewGenericAdapter(Config{Command: "sh", Args: []string{"-c", "printf '%s' \"$1\"", "sh"}}, nil)
	require.NoError(t, err)
	out, err := arg.Invoke(ctx, "via arg")
	require.NoError(t, err)
	assert.Equal(t, "via arg", out)

	placeholder, err := NewGenericAdapter(Config{Command: "echo", Args: []string{"[{{prompt}}]", "tail"}}, nil)
	require.NoError(t, err)
	out, err = placeholder.Invoke(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "[x] tail\n", out)

	stdin, err := NewGenericAdapter(Config{Command: "cat", PromptMode: PromptStdin}, nil)
	require.NoError(t, err)
	out, err = stdin.Invoke(ctx, "via stdin")
	require.NoError(t, err)
	assert.Equal(t, "via stdin", out)

	env, err := NewGenericAdapter(Config{Command: "sh", Args: []string{"-c", "printf '%s' \"$" + PromptEnvVar + "\""}, PromptMode: PromptEnv}, nil)
	require.NoError(t, err)
	out, err = env.Invoke(ctx, "via env")
	require.NoError(t, err)
	assert.Equal(t, "via env", out)

	_, err = NewGenericAdapter(Config{Command: "cat", PromptMode: "socket"}, nil)
	assert.ErrorContains(t, err, "unknown prompt mode")
}

func TestGenericAdapter_NonZeroExitReturnsOutput(t *testing.T) {
	g, err := NewGenericAdapter(Config{Command: "sh", Args: []string{"-c", "echo partial; echo oops >&2; exit 4"}}, nil)
	require.NoError(t, err)

	out, err := g.Invoke(context.Background(), "p")
	require.NoError(t, err, "exit status is left to verification")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "oops")
}

func TestGenericAdapter_MissingBinary(t *testing.T) {
	g, err := NewGenericAdapter(Config{Command: filepath.Join(t.TempDir(), "nope")}, nil)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, process.IsNotFound(err))
}

func TestInvoke_Timeout(t *testing.T) {
	cfg := helperConfig("claude", "slow", nil)
	cfg.Timeout = 300 * time.Millisecond

	start := time.Now()
	out, err := NewClaudeAdapter(cfg, nil).Invoke(context.Background(), "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentTimeout)
	assert.Equal(t, "started", out)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
}

func TestResilientInvoker_RetriesInfraErrors(t *testing.T) {
	calls := 0
	inner := InvokerFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("spawn failed")
		}
		return "ok " + prompt, nil
	})

	r := NewResilientInvoker("test", inner, resilience.NewBreakerRegistry(nil), fastRetry(), nil)
	out, err := r.Invoke(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok p", out)
	assert.Equal(t, 3, calls)
}

func TestResilientInvoker_TimeoutNotRetried(t *testing.T) {
	calls := 0
	inner := InvokerFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "partial", fmt.Errorf("claude: %w", ErrAgentTimeout)
	})

	r := NewResilientInvoker("test", inner, nil, fastRetry(), nil)
	out, err := r.Invoke(context.Background(), "p")
	assert.ErrorIs(t, err, ErrAgentTimeout)
	assert.Equal(t, "partial", out)
	assert.Equal(t, 1, calls)
}

func TestFactory_BindsWorkDir(t *testing.T) {
	dir := t.TempDir()
	f := NewFactory(Config{Type: "generic", Command: "sh", Args: []string{"-c", "pwd"}}, nil, nil, fastRetry(), nil)

	inv, err := f(dir)
	require.NoError(t, err)
	out, err := inv.Invoke(context.Background(), "ignored")
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

package tuning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyrex41/descartes-sub000/internal/backend"
	"github.com/pyrex41/descartes-sub000/internal/verdict"
)

func TestParseRefinement(t *testing.T) {
	cases := []struct {
		name, out, want string
		ok              bool
	}{
		{"simple", "analysis\nREFINEMENT: use the mock clock\n", "use the mock clock", true},
		{"multiline", "REFINEMENT:\n1. step one\n2. step two\n", "1. step one\n2. step two", true},
		{"last line wins", "I will write REFINEMENT: as asked.\nREFINEMENT: first\nmore\nREFINEMENT: second", "second", true},
		{"inline only", "final answer REFINEMENT: inline text", "inline text", true},
		{"indented", "  REFINEMENT: indented", "indented", true},
		{"absent", "no guidance here", "", false},
		{"empty", "REFINEMENT:   \n", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseRefinement(tc.out)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestApplyGuidance(t *testing.T) {
	assert.Equal(t, "spec\n\n## Additional Guidance\n\ndo X\n", ApplyGuidance("spec\n", " do X "))
	assert.Equal(t, "spec\n", ApplyGuidance("spec\n", ""))
}

func TestTailAndHead(t *testing.T) {
	s := strings.Repeat("a", 10) + "é" + strings.Repeat("b", 10)

	tail := Tail(s, 11)
	assert.True(t, strings.HasSuffix(tail, strings.Repeat("b", 10)))
	assert.Contains(t, tail, "earlier bytes omitted")
	assert.Equal(t, "short", Tail("short", 100))

	head := Head(s, 11)
	assert.True(t, strings.HasPrefix(head, strings.Repeat("a", 10)+"\n"), "cut before the split rune")
	assert.Contains(t, head, "more bytes omitted")
}

func TestBuildPrompt_BoundsExcerpts(t *testing.T) {
	f := Failure{
		Attempt:       2,
		BaseSpec:      "# Task 7: Fix",
		Prompt:        "the prompt",
		Output:        strings.Repeat("x", 10000) + "END-OF-OUTPUT",
		Verdict:       verdict.Verdict{Kind: verdict.Blocked, Reason: "disk full"},
		VerifyFailure: "exit 1: FAIL TestX",
		Diff:          "diff --git a/f b/f\n" + strings.Repeat("+y\n", 5000),
	}
	p := BuildPrompt(f, DefaultConfig())

	assert.Contains(t, p, "# Task 7: Fix")
	assert.Contains(t, p, "the prompt")
	assert.Contains(t, p, "blocked: disk full")
	assert.Contains(t, p, "END-OF-OUTPUT", "the tail of the output is kept")
	assert.Contains(t, p, "FAIL TestX")
	assert.Contains(t, p, "diff --git a/f b/f")
	assert.Contains(t, p, RefinementMarker)
	assert.Less(t, len(p), 10000)
}

func TestBuildPrompt_OmitsEmptySections(t *testing.T) {
	p := BuildPrompt(Failure{Attempt: 1, BaseSpec: "s", Prompt: "p"}, DefaultConfig())
	assert.NotContains(t, p, "# Verification Failure")
	assert.NotContains(t, p, "# Changes Made")
}

func TestEngine_Refine(t *testing.T) {
	var seen string
	tuner := backend.InvokerFunc(func(ctx context.Context, prompt string) (string, error) {
		seen = prompt
		return "the test needs a fixture\nREFINEMENT: create testdata/fixture.json first", nil
	})
	e := NewEngine(tuner, DefaultConfig(), nil)

	got, err := e.Refine(context.Background(), Failure{Attempt: 1, BaseSpec: "spec", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "create testdata/fixture.json first", got)
	assert.Contains(t, seen, "spec")
}

func TestEngine_RefineWithoutMarker(t *testing.T) {
	tuner := backend.InvokerFunc(func(ctx context.Context, prompt string) (string, error) {
		return "I am not sure", nil
	})
	got, err := NewEngine(tuner, DefaultConfig(), nil).Refine(context.Background(), Failure{Attempt: 1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEngine_RefineError(t *testing.T) {
	tuner := backend.InvokerFunc(func(ctx context.Context, prompt string) (string, error) {
		return "", errors.New("spawn failed")
	})
	_, err := NewEngine(tuner, DefaultConfig(), nil).Refine(context.Background(), Failure{Attempt: 1})
	assert.ErrorContains(t, err, "spawn failed")
}

func TestEngine_ShouldRetry(t *testing.T) {
	e := NewEngine(nil, Config{Enabled: true, MaxAttempts: 3}, nil)
	assert.True(t, e.ShouldRetry(1))
	assert.True(t, e.ShouldRetry(2))
	assert.False(t, e.ShouldRetry(3))

	disabled := NewEngine(nil, Config{Enabled: false, MaxAttempts: 3}, nil)
	assert.False(t, disabled.ShouldRetry(1))
}

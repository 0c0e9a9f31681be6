// Package tuning turns a failed attempt into refined instructions for the
// next one by asking a tuner agent what went wrong.
package tuning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pyrex41/descartes-sub000/internal/backend"
	"github.com/pyrex41/descartes-sub000/internal/verdict"
)

const (
	// RefinementMarker precedes the tuner's rewritten guidance.
	RefinementMarker = "REFINEMENT:"
	// GuidanceHeading introduces the refinement appended to the base spec.
	GuidanceHeading = "## Additional Guidance"
)

// Config bounds the tuning cycle.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// MaxAttempts counts every attempt of a task, including the first.
	MaxAttempts        int `json:"max_attempts" yaml:"max_attempts"`
	OutputExcerptChars int `json:"output_excerpt_chars" yaml:"output_excerpt_chars"`
	DiffExcerptChars   int `json:"diff_excerpt_chars" yaml:"diff_excerpt_chars"`
}

// DefaultConfig returns the defaults used by `loop start`.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		MaxAttempts:        3,
		OutputExcerptChars: 4000,
		DiffExcerptChars:   4000,
	}
}

// Failure describes one failed attempt for the tuner.
type Failure struct {
	Attempt       int
	BaseSpec      string
	Prompt        string
	Output        string
	Verdict       verdict.Verdict
	VerifyFailure string
	Diff          string
}

// Engine runs the tuner agent.
type Engine struct {
	tuner  backend.Invoker
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine. Zero excerpt sizes fall back to the defaults.
func NewEngine(tuner backend.Invoker, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.OutputExcerptChars <= 0 {
		cfg.OutputExcerptChars = def.OutputExcerptChars
	}
	if cfg.DiffExcerptChars <= 0 {
		cfg.DiffExcerptChars = def.DiffExcerptChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{tuner: tuner, cfg: cfg, logger: logger}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// ShouldRetry reports whether another attempt is allowed after attempt.
func (e *Engine) ShouldRetry(attempt int) bool {
	return e.cfg.Enabled && attempt < e.cfg.MaxAttempts
}

// Refine asks the tuner to analyze f. It returns the refinement text, or ""
// when the tuner gave none. An error means the tuner could not be invoked.
func (e *Engine) Refine(ctx context.Context, f Failure) (string, error) {
	out, err := e.tuner.Invoke(ctx, BuildPrompt(f, e.cfg))
	if err != nil {
		return "", fmt.Errorf("tuner: %w", err)
	}
	refinement, ok := ParseRefinement(out)
	if !ok {
		e.logger.Warn("tuner returned no refinement", "attempt", f.Attempt)
		return "", nil
	}
	return refinement, nil
}

// BuildPrompt assembles the tuner prompt for f.
func BuildPrompt(f Failure, cfg Config) string {
	var sb strings.Builder
	sb.WriteString("You are tuning the instructions given to a coding agent that failed a task.\n")
	sb.WriteString("Analyze why the attempt failed and rewrite the guidance so the next attempt succeeds.\n\n")

	fmt.Fprintf(&sb, "# Task Spec\n\n%s\n\n", strings.TrimSpace(f.BaseSpec))
	fmt.Fprintf(&sb, "# Prompt Used (attempt %d)\n\n%s\n\n", f.Attempt, strings.TrimSpace(f.Prompt))
	fmt.Fprintf(&sb, "# Agent Verdict\n\n%s\n\n", f.Verdict)
	fmt.Fprintf(&sb, "# Agent Output (tail)\n\n%s\n\n", Tail(f.Output, cfg.OutputExcerptChars))
	if f.VerifyFailure != "" {
		fmt.Fprintf(&sb, "# Verification Failure\n\n%s\n\n", Tail(f.VerifyFailure, cfg.OutputExcerptChars))
	}
	if strings.TrimSpace(f.Diff) != "" {
		fmt.Fprintf(&sb, "# Changes Made\n\n```diff\n%s\n```\n\n", Head(f.Diff, cfg.DiffExcerptChars))
	}

	sb.WriteString("# Response Format\n\n")
	sb.WriteString("End your response with a line starting with " + RefinementMarker + " followed by the additional\n")
	sb.WriteString("guidance for the next attempt. Everything after the marker is passed to the agent verbatim.\n")
	return sb.String()
}

// ParseRefinement returns the text after the last line starting with
// RefinementMarker, trimmed. A marker elsewhere in a line is used only when
// no line starts with it.
func ParseRefinement(output string) (string, bool) {
	idx := -1
	offset := 0
	for _, line := range strings.SplitAfter(output, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, RefinementMarker) {
			idx = offset + len(line) - len(trimmed)
		}
		offset += len(line)
	}
	if idx < 0 {
		idx = strings.LastIndex(output, RefinementMarker)
	}
	if idx < 0 {
		return "", false
	}
	text := strings.TrimSpace(output[idx+len(RefinementMarker):])
	if text == "" {
		return "", false
	}
	return text, true
}

// ApplyGuidance appends refinement to the base spec. An empty refinement
// returns the base spec unchanged.
func ApplyGuidance(baseSpec, refinement string) string {
	refinement = strings.TrimSpace(refinement)
	if refinement == "" {
		return baseSpec
	}
	return strings.TrimRight(baseSpec, "\n") + "\n\n" + GuidanceHeading + "\n\n" + refinement + "\n"
}

// Tail returns the last n bytes of s on a rune boundary, marking the cut.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return fmt.Sprintf("[... %d earlier bytes omitted ...]\n%s", start, s[start:])
}

// Head returns the first n bytes of s on a rune boundary, marking the cut.
func Head(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	end := n
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return fmt.Sprintf("%s\n[... %d more bytes omitted ...]", s[:end], len(s)-end)
}

// Package verify runs the configured verification command after every agent
// attempt. Its result, not the agent's claim, decides whether a task is done.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/process"
)

// Result is the outcome of one verification run.
type Result struct {
	Command  string        `json:"command,omitempty"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// FailureText summarizes a failed run for the tuner prompt.
func (r Result) FailureText() string {
	if r.Passed {
		return ""
	}
	if r.TimedOut {
		return fmt.Sprintf("verification command %q timed out after %s\n%s%s", r.Command, r.Duration.Round(time.Millisecond), r.Stdout, r.Stderr)
	}
	return fmt.Sprintf("verification command %q exited with code %d\n%s%s", r.Command, r.ExitCode, r.Stdout, r.Stderr)
}

// Runner executes a shell command string in a working directory.
type Runner struct {
	Command string
	WorkDir string
	// Timeout bounds one run; zero means no limit beyond ctx.
	Timeout time.Duration
	Procs   *process.Manager
}

// Run executes the command with `sh -c`. An empty command passes. A non-zero
// exit or a timeout is a failed Result, not an error; the error return is
// reserved for a shell that could not start and for cancellation of ctx.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if r == nil {
		return Result{Passed: true}, nil
	}
	return r.RunIn(ctx, r.WorkDir)
}

// RunIn is Run with an explicit working directory, used for worktrees.
func (r *Runner) RunIn(ctx context.Context, dir string) (Result, error) {
	if r == nil || r.Command == "" {
		return Result{Passed: true}, nil
	}

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := process.Command(runCtx, "sh", "-c", r.Command)
	cmd.Dir = dir

	start := time.Now()
	stdout, stderr, err := process.Run(runCtx, cmd, r.Procs)
	res := Result{
		Command:  r.Command,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
		Duration: time.Since(start),
	}

	var startErr *process.StartError
	var exitErr *process.ExitError
	switch {
	case err == nil:
		res.Passed = true
	case errors.As(err, &startErr):
		return res, fmt.Errorf("verification: %w", err)
	case ctx.Err() != nil:
		return res, fmt.Errorf("verification: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.Code
	default:
		return res, fmt.Errorf("verification: %w", err)
	}
	return res, nil
}

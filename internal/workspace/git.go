package workspace

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/pyrex41/descartes-sub000/internal/process"
)

// Git runs git commands in a directory.
type Git struct {
	Dir   string
	Procs *process.Manager
}

// Run executes git with args and returns trimmed stdout.
func (g Git) Run(ctx context.Context, args ...string) (string, error) {
	return g.RunInput(ctx, nil, args...)
}

// RunInput is Run with stdin.
func (g Git) RunInput(ctx context.Context, stdin []byte, args ...string) (string, error) {
	cmd := process.Command(ctx, "git", args...)
	cmd.Dir = g.Dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	stdout, _, err := process.Run(ctx, cmd, g.Procs)
	if err != nil {
		return string(stdout), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

// RunRaw is Run without trimming, for patches whose trailing newline matters.
func (g Git) RunRaw(ctx context.Context, args ...string) ([]byte, error) {
	cmd := process.Command(ctx, "git", args...)
	cmd.Dir = g.Dir
	stdout, _, err := process.Run(ctx, cmd, g.Procs)
	if err != nil {
		return stdout, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return stdout, nil
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pyrex41/descartes-sub000/internal/process"
)

type invocation struct {
	name  string
	args  []string
	stdin io.Reader
	env   []string
}

// execute runs one agent subprocess under cfg's working directory, extra
// environment and timeout. A timeout yields ErrAgentTimeout with whatever the
// agent printed before it was killed.
func execute(ctx context.Context, cfg Config, pm *process.Manager, inv invocation) (stdout, stderr []byte, err error) {
	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	cmd := process.Command(runCtx, inv.name, inv.args...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdin = inv.stdin
	if len(cfg.Env) > 0 || len(inv.env) > 0 {
		cmd.Env = append(os.Environ(), envList(cfg.Env)...)
		cmd.Env = append(cmd.Env, inv.env...)
	}

	stdout, stderr, err = process.Run(runCtx, cmd, pm)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return stdout, stderr, fmt.Errorf("%s after %s: %w", inv.name, cfg.Timeout, ErrAgentTimeout)
	}
	return stdout, stderr, err
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func commandOr(cfg Config, def string) string {
	if cfg.Command != "" {
		return cfg.Command
	}
	return def
}

func withLeading(cfg Config, args ...string) []string {
	out := make([]string, 0, len(cfg.Args)+len(args))
	out = append(out, cfg.Args...)
	return append(out, args...)
}

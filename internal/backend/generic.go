package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pyrex41/descartes-sub000/internal/process"
)

const promptPlaceholder = "{{prompt}}"

// GenericAdapter runs any command that reads a prompt and prints text.
// A non-zero exit is not an error: the output is returned and verification
// decides the outcome. Only a failure to start is reported as an error.
type GenericAdapter struct {
	cfg     Config
	procMgr *process.Manager
}

// NewGenericAdapter validates cfg and creates the adapter.
func NewGenericAdapter(cfg Config, procMgr *process.Manager) (*GenericAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("generic backend requires a command")
	}
	switch cfg.PromptMode {
	case "":
		cfg.PromptMode = PromptArg
	case PromptArg, PromptStdin, PromptEnv:
	default:
		return nil, fmt.Errorf("unknown prompt mode: %s", cfg.PromptMode)
	}
	return &GenericAdapter{cfg: cfg, procMgr: procMgr}, nil
}

// Invoke runs the command once with prompt.
func (g *GenericAdapter) Invoke(ctx context.Context, prompt string) (string, error) {
	inv := invocation{name: g.cfg.Command}

	switch g.cfg.PromptMode {
	case PromptStdin:
		inv.args = g.cfg.Args
		inv.stdin = strings.NewReader(prompt)
	case PromptEnv:
		inv.args = g.cfg.Args
		inv.env = []string{PromptEnvVar + "=" + prompt}
	default:
		inv.args = argsWithPrompt(g.cfg.Args, prompt)
	}

	stdout, stderr, err := execute(ctx, g.cfg, g.procMgr, inv)
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		out := string(stdout)
		if len(stderr) > 0 {
			out += "\n" + string(stderr)
		}
		return out, nil
	}
	if err != nil {
		return string(stdout), fmt.Errorf("%s command failed: %w", g.cfg.Command, err)
	}
	return string(stdout), nil
}

// argsWithPrompt substitutes the prompt for every {{prompt}} argument, or
// appends it when no argument has the placeholder.
func argsWithPrompt(args []string, prompt string) []string {
	out := make([]string, 0, len(args)+1)
	substituted := false
	for _, a := range args {
		if strings.Contains(a, promptPlaceholder) {
			a = strings.ReplaceAll(a, promptPlaceholder, prompt)
			substituted = true
		}
		out = append(out, a)
	}
	if !substituted {
		out = append(out, prompt)
	}
	return out
}

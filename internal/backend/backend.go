// Package backend invokes execution agents. Every invocation is a fresh
// subprocess with a fresh context: the agent never sees a previous attempt
// except through the prompt it is given.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/process"
)

// Invoker sends one prompt to an agent and returns its raw text output.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, prompt string) (string, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// PromptMode selects how the generic adapter delivers the prompt.
type PromptMode string

const (
	PromptArg   PromptMode = "arg"   // appended as the last argument, or substituted for {{prompt}}
	PromptStdin PromptMode = "stdin" // written to the process's stdin
	PromptEnv   PromptMode = "env"   // exported as DESCARTES_PROMPT
)

// PromptEnvVar carries the prompt in PromptEnv mode.
const PromptEnvVar = "DESCARTES_PROMPT"

// ErrAgentTimeout is returned when an invocation exceeds Config.Timeout.
// The partial output is returned alongside it.
var ErrAgentTimeout = errors.New("agent invocation timed out")

// Config defines how to run one agent provider.
type Config struct {
	Type         string            `json:"type" yaml:"type"` // "claude", "codex", "goose" or "generic"
	Command      string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args         []string          `json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir      string            `json:"-" yaml:"-"`
	Model        string            `json:"model,omitempty" yaml:"model,omitempty"`
	Provider     string            `json:"provider,omitempty" yaml:"provider,omitempty"` // goose local LLM provider
	SystemPrompt string            `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	PromptMode   PromptMode        `json:"prompt_mode,omitempty" yaml:"prompt_mode,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// New creates an Invoker for cfg.Type. Config.Command overrides the binary
// name and Config.Args are placed before the adapter's own arguments.
func New(cfg Config, pm *process.Manager) (Invoker, error) {
	switch cfg.Type {
	case "claude", "":
		return NewClaudeAdapter(cfg, pm), nil
	case "codex":
		return NewCodexAdapter(cfg, pm), nil
	case "goose":
		return NewGooseAdapter(cfg, pm), nil
	case "generic":
		return NewGenericAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

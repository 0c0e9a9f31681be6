package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pyrex41/descartes-sub000/internal/specbuilder"
)

// Agent roles the loop invokes.
const (
	RoleImplementer = "implementer"
	RoleTuner       = "tuner"
)

// Task store kinds.
const (
	StoreCLI  = "cli"
	StoreFile = "file"
)

// Duration is a time.Duration written as "90s" or "10m" in config files.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"10m\" or seconds: %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command    string            `json:"command" yaml:"command"`                             // CLI binary name (e.g., "claude", "codex", "goose")
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`               // Placed before the adapter's own arguments
	Type       string            `json:"type" yaml:"type"`                                   // Backend type: "claude", "codex", "goose", "generic"
	PromptMode string            `json:"prompt_mode,omitempty" yaml:"prompt_mode,omitempty"` // generic only: "arg", "stdin" or "env"
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// AgentConfig defines a role that uses a specific provider and model.
type AgentConfig struct {
	Provider      string   `json:"provider" yaml:"provider"`                                 // Key into Providers map
	Model         string   `json:"model,omitempty" yaml:"model,omitempty"`                   // Model override
	ModelProvider string   `json:"model_provider,omitempty" yaml:"model_provider,omitempty"` // goose LLM provider
	SystemPrompt  string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`   // Role-specific system prompt
	Timeout       Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`               // Overrides loop.agent_timeout
}

// LoopConfig holds the loop controller's settings.
type LoopConfig struct {
	Namespace       string   `json:"namespace" yaml:"namespace"`
	MaxIterations   int      `json:"max_iterations" yaml:"max_iterations"`
	TuneEnabled     bool     `json:"tune_enabled" yaml:"tune_enabled"`
	MaxTuneAttempts int      `json:"max_tune_attempts" yaml:"max_tune_attempts"`
	TuneIncludeDiff bool     `json:"tune_include_diff" yaml:"tune_include_diff"`
	VerifyCommand   string   `json:"verify_command,omitempty" yaml:"verify_command,omitempty"`
	AutoCommit      bool     `json:"auto_commit" yaml:"auto_commit"`
	Concurrency     int      `json:"concurrency" yaml:"concurrency"`
	AgentTimeout    Duration `json:"agent_timeout,omitempty" yaml:"agent_timeout,omitempty"`
	VerifyTimeout   Duration `json:"verify_timeout,omitempty" yaml:"verify_timeout,omitempty"`
}

// TaskStoreConfig selects and configures the task store.
type TaskStoreConfig struct {
	Store    string   `json:"store" yaml:"store"` // "cli" or "file"
	Command  string   `json:"command" yaml:"command"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
	TasksDir string   `json:"tasks_dir,omitempty" yaml:"tasks_dir,omitempty"` // file store; default <namespace>/tasks
}

// RetryConfig is the backoff applied to task store and agent calls.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval         Duration `json:"max_interval" yaml:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time" yaml:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor" yaml:"randomization_factor"`
}

// Config is the top-level configuration.
type Config struct {
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Agents    map[string]AgentConfig    `json:"agents" yaml:"agents"`
	Loop      LoopConfig                `json:"loop" yaml:"loop"`
	Spec      specbuilder.Config        `json:"spec" yaml:"spec"`
	TaskStore TaskStoreConfig           `json:"task_store" yaml:"task_store"`
	Retry     RetryConfig               `json:"retry" yaml:"retry"`
}

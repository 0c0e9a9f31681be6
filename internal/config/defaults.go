package config

import (
	"time"

	"github.com/pyrex41/descartes-sub000/internal/resilience"
	"github.com/pyrex41/descartes-sub000/internal/specbuilder"
	"github.com/pyrex41/descartes-sub000/internal/state"
)

// DefaultConfig returns the default configuration with built-in providers and agent roles.
func DefaultConfig() *Config {
	retry := resilience.DefaultRetryConfig()
	return &Config{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		Agents: map[string]AgentConfig{
			RoleImplementer: {
				Provider:     "claude",
				SystemPrompt: "You implement exactly one task in this repository and verify it before reporting.",
			},
			RoleTuner: {
				Provider:     "claude",
				SystemPrompt: "You diagnose failed coding-agent attempts and rewrite their instructions.",
			},
		},
		Loop: LoopConfig{
			Namespace:       state.DefaultNamespace,
			MaxIterations:   100,
			TuneEnabled:     true,
			MaxTuneAttempts: 3,
			TuneIncludeDiff: true,
			AutoCommit:      true,
			Concurrency:     1,
			AgentTimeout:    Duration(30 * time.Minute),
			VerifyTimeout:   Duration(10 * time.Minute),
		},
		Spec: specbuilder.DefaultConfig(),
		TaskStore: TaskStoreConfig{
			Store:   StoreCLI,
			Command: "scud",
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(retry.InitialInterval),
			MaxInterval:         Duration(retry.MaxInterval),
			MaxElapsedTime:      Duration(retry.MaxElapsedTime),
			Multiplier:          retry.Multiplier,
			RandomizationFactor: retry.RandomizationFactor,
		},
	}
}

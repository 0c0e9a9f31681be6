package config

import (
	"fmt"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/backend"
	"github.com/pyrex41/descartes-sub000/internal/resilience"
)

// Backend resolves an agent role into the backend config of its provider.
func (c *Config) Backend(role string) (backend.Config, error) {
	agent, ok := c.Agents[role]
	if !ok {
		return backend.Config{}, fmt.Errorf("agent %q not configured", role)
	}
	provider, ok := c.Providers[agent.Provider]
	if !ok {
		return backend.Config{}, fmt.Errorf("agent %q: provider %q not configured", role, agent.Provider)
	}

	timeout := time.Duration(agent.Timeout)
	if timeout == 0 {
		timeout = time.Duration(c.Loop.AgentTimeout)
	}
	env := make(map[string]string, len(provider.Env))
	for k, v := range provider.Env {
		env[k] = v
	}
	return backend.Config{
		Type:         provider.Type,
		Command:      provider.Command,
		Args:         append([]string(nil), provider.Args...),
		Model:        agent.Model,
		Provider:     agent.ModelProvider,
		SystemPrompt: agent.SystemPrompt,
		PromptMode:   backend.PromptMode(provider.PromptMode),
		Env:          env,
		Timeout:      timeout,
	}, nil
}

// RetryPolicy converts the retry section for the resilience package.
func (c *Config) RetryPolicy() resilience.RetryConfig {
	return resilience.RetryConfig{
		InitialInterval:     time.Duration(c.Retry.InitialInterval),
		MaxInterval:         time.Duration(c.Retry.MaxInterval),
		MaxElapsedTime:      time.Duration(c.Retry.MaxElapsedTime),
		Multiplier:          c.Retry.Multiplier,
		RandomizationFactor: c.Retry.RandomizationFactor,
	}
}

// Validate checks the settings the loop cannot run without.
func (c *Config) Validate() error {
	for _, role := range []string{RoleImplementer, RoleTuner} {
		if _, err := c.Backend(role); err != nil {
			return err
		}
	}
	if c.Loop.MaxIterations <= 0 {
		return fmt.Errorf("loop.max_iterations must be positive, got %d", c.Loop.MaxIterations)
	}
	if c.Loop.MaxTuneAttempts <= 0 {
		return fmt.Errorf("loop.max_tune_attempts must be positive, got %d", c.Loop.MaxTuneAttempts)
	}
	if c.Loop.Concurrency <= 0 {
		return fmt.Errorf("loop.concurrency must be positive, got %d", c.Loop.Concurrency)
	}
	switch c.TaskStore.Store {
	case StoreCLI, StoreFile:
	default:
		return fmt.Errorf("task_store.store must be %q or %q, got %q", StoreCLI, StoreFile, c.TaskStore.Store)
	}
	return nil
}

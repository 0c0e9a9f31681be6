package taskgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/pyrex41/descartes-sub000/internal/process"
	"github.com/pyrex41/descartes-sub000/internal/resilience"
)

// Client is the loop's contract with the task store. Every call is a
// synchronous round-trip; errors are infra failures, never task outcomes.
type Client interface {
	Stats(ctx context.Context, tag string) (Stats, error)
	Waves(ctx context.Context, tag string) ([]Wave, error)
	// NextReadyTask returns nil when nothing is ready. That does not mean
	// the graph is complete; only Stats decides that. The task may belong
	// to a later wave than the one in progress.
	NextReadyTask(ctx context.Context, tag string) (*Task, error)
	Claim(ctx context.Context, tag, id string) error
	MarkDone(ctx context.Context, tag, id string) error
	MarkBlocked(ctx context.Context, tag, id string) error
}

// WaveCount returns the number of waves for tag.
func WaveCount(ctx context.Context, c Client, tag string) (int, error) {
	waves, err := c.Waves(ctx, tag)
	if err != nil {
		return 0, err
	}
	return len(waves), nil
}

// CLIConfig configures a CLIClient.
type CLIConfig struct {
	Command string   // task store binary, default "scud"
	Args    []string // prepended to every invocation
	WorkDir string
	Retry   resilience.RetryConfig
}

// CLIClient talks to a task store through its command line interface:
//
//	stats --tag T --json
//	next --tag T --json
//	waves --tag T --json
//	set-status <id> <status> --tag T
//
// Non-zero exits, spawn failures and malformed JSON are retried with
// exponential backoff behind a circuit breaker.
type CLIClient struct {
	cfg     CLIConfig
	breaker *gobreaker.CircuitBreaker
	procs   *process.Manager
	logger  *slog.Logger
}

// NewCLIClient creates a CLIClient. breakers and procs may be nil.
func NewCLIClient(cfg CLIConfig, breakers *resilience.BreakerRegistry, procs *process.Manager, logger *slog.Logger) *CLIClient {
	if cfg.Command == "" {
		cfg.Command = "scud"
	}
	if cfg.Retry == (resilience.RetryConfig{}) {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &CLIClient{cfg: cfg, procs: procs, logger: logger}
	if breakers != nil {
		c.breaker = breakers.Get("taskstore:" + cfg.Command)
	}
	return c
}

// Stats implements Client.
func (c *CLIClient) Stats(ctx context.Context, tag string) (Stats, error) {
	return resilience.Do(ctx, c.breaker, c.cfg.Retry, func(ctx context.Context) (Stats, error) {
		out, err := c.run(ctx, "stats", "--tag", tag, "--json")
		if err != nil {
			return Stats{}, err
		}
		return ParseStats(out)
	})
}

// Waves implements Client.
func (c *CLIClient) Waves(ctx context.Context, tag string) ([]Wave, error) {
	return resilience.Do(ctx, c.breaker, c.cfg.Retry, func(ctx context.Context) ([]Wave, error) {
		out, err := c.run(ctx, "waves", "--tag", tag, "--json")
		if err != nil {
			return nil, err
		}
		return parseWaves(out)
	})
}

// NextReadyTask implements Client.
func (c *CLIClient) NextReadyTask(ctx context.Context, tag string) (*Task, error) {
	return resilience.Do(ctx, c.breaker, c.cfg.Retry, func(ctx context.Context) (*Task, error) {
		out, err := c.run(ctx, "next", "--tag", tag, "--json")
		if err != nil {
			return nil, err
		}
		return parseNext(out)
	})
}

// Claim implements Client.
func (c *CLIClient) Claim(ctx context.Context, tag, id string) error {
	return c.setStatus(ctx, tag, id, StatusInProgress)
}

// MarkDone implements Client.
func (c *CLIClient) MarkDone(ctx context.Context, tag, id string) error {
	return c.setStatus(ctx, tag, id, StatusDone)
}

// MarkBlocked implements Client.
func (c *CLIClient) MarkBlocked(ctx context.Context, tag, id string) error {
	return c.setStatus(ctx, tag, id, StatusBlocked)
}

func (c *CLIClient) setStatus(ctx context.Context, tag, id string, status Status) error {
	_, err := resilience.Do(ctx, c.breaker, c.cfg.Retry, func(ctx context.Context) (struct{}, error) {
		_, err := c.run(ctx, "set-status", id, string(status), "--tag", tag)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("set-status %s %s: %w", id, status, err)
	}
	return nil
}

func (c *CLIClient) run(ctx context.Context, args ...string) ([]byte, error) {
	full := append(append([]string(nil), c.cfg.Args...), args...)
	cmd := process.Command(ctx, c.cfg.Command, full...)
	cmd.Dir = c.cfg.WorkDir

	stdout, _, err := process.Run(ctx, cmd, c.procs)
	if err != nil {
		if process.IsNotFound(err) {
			return nil, resilience.Permanent(err)
		}
		c.logger.Debug("task store call failed", "command", c.cfg.Command, "args", full, "error", err)
		return nil, err
	}
	return stdout, nil
}

func parseWaves(out []byte) ([]Wave, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty waves output")
	}

	var waves []Wave
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &waves); err != nil {
			return nil, fmt.Errorf("parsing waves json: %w", err)
		}
		return waves, nil
	}

	var wrapped struct {
		Waves []struct {
			Number  int               `json:"number"`
			TaskIDs []json.RawMessage `json:"task_ids"`
			Tasks   []Task            `json:"tasks"`
		} `json:"waves"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing waves json: %w", err)
	}
	for _, w := range wrapped.Waves {
		wave := Wave{Number: w.Number, Tasks: w.Tasks}
		for _, raw := range w.TaskIDs {
			id, err := flexID(raw)
			if err != nil {
				return nil, fmt.Errorf("wave %d: %w", w.Number, err)
			}
			wave.TaskIDs = append(wave.TaskIDs, id)
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

func parseNext(out []byte) (*Task, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil, nil
	}

	var envelope struct {
		Task json.RawMessage `json:"task"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("parsing next json: %w", err)
	}
	if envelope.Task != nil {
		trimmed = bytes.TrimSpace(envelope.Task)
		if bytes.Equal(trimmed, []byte("null")) {
			return nil, nil
		}
	}

	var task Task
	if err := json.Unmarshal(trimmed, &task); err != nil {
		return nil, fmt.Errorf("parsing next task: %w", err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("next task has no id: %s", truncate(string(trimmed), 120))
	}
	return &task, nil
}

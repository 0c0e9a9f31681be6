package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/pyrex41/descartes-sub000/internal/process"
	"github.com/pyrex41/descartes-sub000/internal/resilience"
)

// ResilientInvoker retries infra failures of an inner Invoker with
// exponential backoff behind a per-provider circuit breaker. Timeouts and
// missing binaries are not retried.
type ResilientInvoker struct {
	name    string
	inner   Invoker
	breaker *gobreaker.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

// NewResilientInvoker wraps inner. breakers may be nil to disable the
// circuit breaker.
func NewResilientInvoker(name string, inner Invoker, breakers *resilience.BreakerRegistry, retry resilience.RetryConfig, logger *slog.Logger) *ResilientInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ResilientInvoker{name: name, inner: inner, retry: retry, logger: logger}
	if breakers != nil {
		r.breaker = breakers.Get("agent:" + name)
	}
	return r
}

// Invoke calls the inner Invoker until it succeeds or the retry budget is
// spent. On failure the output of the last call is returned with the error.
func (r *ResilientInvoker) Invoke(ctx context.Context, prompt string) (string, error) {
	var last string
	out, err := resilience.Do(ctx, r.breaker, r.retry, func(ctx context.Context) (string, error) {
		out, err := r.inner.Invoke(ctx, prompt)
		if err == nil {
			return out, nil
		}
		last = out
		if errors.Is(err, ErrAgentTimeout) || process.IsNotFound(err) {
			return out, resilience.Permanent(err)
		}
		r.logger.Warn("agent invocation failed", "agent", r.name, "error", err)
		return out, err
	})
	if err != nil {
		return last, fmt.Errorf("agent %s: %w", r.name, err)
	}
	return out, nil
}

// Factory builds an Invoker bound to a working directory, so concurrent
// tasks can run agents inside their own worktrees.
type Factory func(workDir string) (Invoker, error)

// NewFactory returns a Factory producing resilient invokers for cfg.
func NewFactory(cfg Config, pm *process.Manager, breakers *resilience.BreakerRegistry, retry resilience.RetryConfig, logger *slog.Logger) Factory {
	name := cfg.Type
	if name == "" {
		name = "claude"
	}
	return func(workDir string) (Invoker, error) {
		c := cfg
		if workDir != "" {
			c.WorkDir = workDir
		}
		inv, err := New(c, pm)
		if err != nil {
			return nil, err
		}
		return NewResilientInvoker(name, inv, breakers, retry, logger), nil
	}
}

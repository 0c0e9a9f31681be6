package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// scriptedOp returns its scripted results in order, one per call.
type scriptedOp struct {
	mu      sync.Mutex
	results []any // string or error
	calls   int
}

func (s *scriptedOp) run(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.calls >= len(s.results) {
		return "", fmt.Errorf("unexpected call %d (only %d results scripted)", s.calls+1, len(s.results))
	}
	r := s.results[s.calls]
	s.calls++

	switch v := r.(type) {
	case string:
		return v, nil
	case error:
		return "", v
	default:
		return "", fmt.Errorf("invalid scripted result %T", v)
	}
}

func (s *scriptedOp) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      500 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
	}
}

func TestDo_TransientThenSuccess(t *testing.T) {
	op := &scriptedOp{results: []any{
		errors.New("spawn failed"),
		errors.New("malformed json"),
		"ok",
	}}

	cb := NewBreakerRegistry(nil).Get("scud")
	got, err := Do(context.Background(), cb, fastRetry(), op.run)
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want %q", got, "ok")
	}
	if op.count() != 3 {
		t.Errorf("calls = %d, want 3", op.count())
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	notFound := errors.New("executable not found")
	op := &scriptedOp{results: []any{Permanent(notFound), "never"}}

	_, err := Do(context.Background(), nil, fastRetry(), op.run)
	if !errors.Is(err, notFound) {
		t.Fatalf("err = %v, want %v", err, notFound)
	}
	if op.count() != 1 {
		t.Errorf("calls = %d, want 1", op.count())
	}
}

func TestDo_BudgetExhaustedReturnsLastError(t *testing.T) {
	results := make([]any, 200)
	for i := range results {
		results[i] = fmt.Errorf("attempt %d failed", i+1)
	}
	op := &scriptedOp{results: results}

	cfg := fastRetry()
	cfg.MaxElapsedTime = 60 * time.Millisecond

	_, err := Do(context.Background(), nil, cfg, op.run)
	if err == nil {
		t.Fatal("expected error once the retry budget is exhausted")
	}
	if op.count() < 2 {
		t.Errorf("calls = %d, expected at least one retry", op.count())
	}
}

func TestDo_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	results := make([]any, 50)
	for i := range results {
		results[i] = fmt.Errorf("persistent error %d", i+1)
	}
	op := &scriptedOp{results: results}

	cb := NewBreakerRegistry(nil).Get("claude")
	cfg := fastRetry()
	cfg.MaxElapsedTime = 2 * time.Second

	_, err := Do(context.Background(), cb, cfg, op.run)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want gobreaker.ErrOpenState", err)
	}
	if op.count() != 5 {
		t.Errorf("calls = %d, want 5 before the breaker trips", op.count())
	}
	if cb.State() != gobreaker.StateOpen {
		t.Errorf("breaker state = %v, want open", cb.State())
	}
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	results := make([]any, 1000)
	for i := range results {
		results[i] = fmt.Errorf("error %d", i+1)
	}
	op := &scriptedOp{results: results}

	cfg := fastRetry()
	cfg.InitialInterval = 50 * time.Millisecond
	cfg.MaxElapsedTime = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Do(ctx, nil, cfg, op.run)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error due to context deadline")
	}
	if elapsed > time.Second {
		t.Errorf("Do took %v, context should stop retries", elapsed)
	}
}

func TestBreakerRegistry_PerTarget(t *testing.T) {
	registry := NewBreakerRegistry(nil)

	a1 := registry.Get("claude")
	a2 := registry.Get("claude")
	b := registry.Get("scud")

	if a1 != a2 {
		t.Error("expected the same breaker for repeated lookups")
	}
	if a1 == b {
		t.Error("expected distinct breakers per target")
	}
	if b.Name() != "scud" {
		t.Errorf("breaker name = %q, want %q", b.Name(), "scud")
	}
}

func TestBreaker_CancellationNotCounted(t *testing.T) {
	cb := NewBreakerRegistry(nil).Get("tuner")

	for i := 0; i < 6; i++ {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, context.Canceled
		})
	}

	if cb.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed after cancellations", cb.State())
	}
}

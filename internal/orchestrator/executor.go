package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/backend"
	"github.com/pyrex41/descartes-sub000/internal/events"
	"github.com/pyrex41/descartes-sub000/internal/state"
	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
	"github.com/pyrex41/descartes-sub000/internal/telemetry"
	"github.com/pyrex41/descartes-sub000/internal/tuning"
	"github.com/pyrex41/descartes-sub000/internal/verdict"
	"github.com/pyrex41/descartes-sub000/internal/workspace"
)

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeBlocked
	outcomeAwaitingTune
)

// taskOutcome is what running a task decided. Task-level failures end up
// here; only infra failures are returned as errors.
type taskOutcome struct {
	kind     outcomeKind
	reason   string
	attempts int
	tune     *state.TuneState
	duration time.Duration
	// pending is a passing attempt not yet in the history; set only when
	// the environment holds successes until their changes land.
	pending *state.TaskAttempt
	// replayed means the success came from the history, not a new run.
	replayed bool
}

// taskEnv is where a task runs: the main tree, or a worktree in a batch.
type taskEnv struct {
	agent    backend.Invoker
	resetter workspace.Resetter
	dir      string
	// holdSuccess leaves recording a passing attempt to the caller.
	holdSuccess bool
}

// pauseGate decides whether a task that exhausted its attempts may pause
// the loop. Only one task per run can hold the pause.
type pauseGate func() bool

func alwaysPause() bool { return true }

// runTask runs attempts for task until one succeeds or the retry budget is
// spent. Attempts recorded in the history for this run are continued, not
// repeated.
func (l *loop) runTask(ctx context.Context, task taskgraph.Task, env taskEnv, mayPause pauseGate) (taskOutcome, error) {
	started := time.Now()
	ctx, span := l.deps.Tracer.StartTask(ctx, task.ID, l.ls.CurrentWave)
	out, err := l.runAttempts(ctx, task, env, mayPause)
	out.duration = time.Since(started)
	telemetry.End(span, err)
	return out, err
}

func (l *loop) runAttempts(ctx context.Context, task taskgraph.Task, env taskEnv, mayPause pauseGate) (taskOutcome, error) {
	spec, err := l.specs.Build(task)
	if err != nil {
		return taskOutcome{}, fmt.Errorf("building spec for task %s: %w", task.ID, err)
	}
	base := spec.Text

	attempts, err := l.priorAttempts(ctx, task.ID)
	if err != nil {
		return taskOutcome{}, err
	}
	guidance := base
	if n := len(attempts); n > 0 {
		last := attempts[n-1]
		if last.Succeeded() {
			l.logger.Info("task already passed before the loop stopped", "task", task.ID, "attempt", last.Attempt)
			return taskOutcome{kind: outcomeDone, attempts: n, replayed: true}, nil
		}
		if !l.tuner.ShouldRetry(n) {
			return l.exhausted(task, attempts, mayPause), nil
		}
		if last.Refinement != "" {
			guidance = tuning.ApplyGuidance(base, last.Refinement)
		}
		l.logger.Info("continuing task", "task", task.ID, "prior_attempts", n)
	}

	snap, err := env.resetter.Snapshot(ctx)
	if err != nil {
		return taskOutcome{}, fmt.Errorf("snapshotting workspace for task %s: %w", task.ID, err)
	}

	for {
		number := len(attempts) + 1
		a, err := l.attempt(ctx, task, env, number, composePrompt(guidance, l.ls.Options.VerifyCommand), snap)
		if err != nil {
			return taskOutcome{}, err
		}

		if a.Succeeded() {
			if env.holdSuccess {
				return taskOutcome{kind: outcomeDone, attempts: number, pending: &a}, nil
			}
			l.recordAttempt(ctx, task.ID, a)
			return taskOutcome{kind: outcomeDone, attempts: number}, nil
		}

		retry := l.tuner.ShouldRetry(number)
		if retry {
			refinement, err := l.refine(ctx, task.ID, base, a)
			if err != nil {
				return taskOutcome{}, err
			}
			a.Refinement = refinement
		}
		l.recordAttempt(ctx, task.ID, a)
		attempts = append(attempts, a)

		if err := env.resetter.Restore(ctx, snap); err != nil {
			return taskOutcome{}, fmt.Errorf("reverting task %s after attempt %d: %w", task.ID, number, err)
		}

		if retry {
			guidance = base
			if a.Refinement != "" {
				guidance = tuning.ApplyGuidance(base, a.Refinement)
			}
			continue
		}

		return l.exhausted(task, attempts, mayPause), nil
	}
}

// exhausted decides what happens to a task whose attempts all failed: it is
// blocked, or it pauses the loop for a human when tuning is on.
func (l *loop) exhausted(task taskgraph.Task, attempts []state.TaskAttempt, mayPause pauseGate) taskOutcome {
	n := len(attempts)
	switch {
	case !l.ls.Options.TuneEnabled:
		return taskOutcome{kind: outcomeBlocked, reason: failureReason(attempts[n-1]), attempts: n}
	case !mayPause():
		return taskOutcome{
			kind:     outcomeBlocked,
			reason:   fmt.Sprintf("tuning budget exhausted after %d attempts while another task awaits tuning", n),
			attempts: n,
		}
	}
	return taskOutcome{
		kind:     outcomeAwaitingTune,
		attempts: n,
		tune: &state.TuneState{
			TaskID:    task.ID,
			TaskTitle: task.Title,
			Attempts:  attempts,
			CreatedAt: l.now(),
		},
	}
}

// runTuned runs the single attempt a human chose in the tune state. A
// failure records the attempt as a new variant and pauses again.
func (l *loop) runTuned(ctx context.Context, task taskgraph.Task, env taskEnv, ts *state.TuneState) (taskOutcome, error) {
	started := time.Now()
	ctx, span := l.deps.Tracer.StartTask(ctx, task.ID, l.ls.CurrentWave)
	out, err := l.tunedAttempt(ctx, task, env, ts)
	out.duration = time.Since(started)
	telemetry.End(span, err)
	return out, err
}

func (l *loop) tunedAttempt(ctx context.Context, task taskgraph.Task, env taskEnv, ts *state.TuneState) (taskOutcome, error) {
	prompt, ok := ts.NextPrompt()
	if !ok {
		return taskOutcome{}, fmt.Errorf("tune state for task %s has no usable selection", task.ID)
	}
	if !strings.Contains(prompt, verdict.CompleteSentinel) {
		prompt = composePrompt(prompt, l.ls.Options.VerifyCommand)
	}

	snap, err := env.resetter.Snapshot(ctx)
	if err != nil {
		return taskOutcome{}, fmt.Errorf("snapshotting workspace for task %s: %w", task.ID, err)
	}

	number := ts.NextAttemptNumber()
	l.logger.Info("running tuned attempt", "task", task.ID, "attempt", number, "custom_prompt", ts.CustomPrompt != nil)
	a, err := l.attempt(ctx, task, env, number, prompt, snap)
	if err != nil {
		return taskOutcome{}, err
	}
	l.recordAttempt(ctx, task.ID, a)

	if a.Succeeded() {
		return taskOutcome{kind: outcomeDone, attempts: number}, nil
	}

	if err := env.resetter.Restore(ctx, snap); err != nil {
		return taskOutcome{}, fmt.Errorf("reverting task %s after attempt %d: %w", task.ID, number, err)
	}
	next := *ts
	next.Attempts = append(append([]state.TaskAttempt(nil), ts.Attempts...), a)
	next.ClearSelection()
	return taskOutcome{kind: outcomeAwaitingTune, attempts: number, tune: &next}, nil
}

// attempt invokes the agent once, classifies its output and verifies the
// result. The workspace is left as the agent left it.
func (l *loop) attempt(ctx context.Context, task taskgraph.Task, env taskEnv, number int, prompt string, snap workspace.Snapshot) (state.TaskAttempt, error) {
	started := time.Now()
	ctx, span := l.deps.Tracer.StartAttempt(ctx, task.ID, number)

	a := state.TaskAttempt{Attempt: number, Prompt: prompt}

	output, err := env.agent.Invoke(ctx, prompt)
	timedOut := errors.Is(err, backend.ErrAgentTimeout)
	if err != nil && !timedOut {
		err = fmt.Errorf("invoking agent for task %s attempt %d: %w", task.ID, number, err)
		telemetry.End(span, err)
		return a, err
	}
	a.Output = output
	a.Verdict = verdict.Classify(output)

	if timedOut {
		l.logger.Warn("agent timed out", "task", task.ID, "attempt", number)
		a.VerifyStderr = "agent timed out; verification skipped"
	} else {
		vctx, vspan := l.deps.Tracer.StartVerify(ctx, task.ID)
		res, verr := l.verifier.RunIn(vctx, env.dir)
		vspan.SetAttributes(telemetry.KeyVerifyPassed.Bool(res.Passed), telemetry.KeyExitCode.Int(res.ExitCode))
		telemetry.End(vspan, verr)
		if verr != nil {
			err = fmt.Errorf("verifying task %s attempt %d: %w", task.ID, number, verr)
			telemetry.End(span, err)
			return a, err
		}
		a.VerifyPassed = res.Passed
		a.VerifyStdout = res.Stdout
		a.VerifyStderr = res.Stderr
		if !res.Passed && res.TimedOut {
			a.VerifyStderr = res.FailureText()
		}
	}

	if !a.Succeeded() && l.ls.Options.TuneIncludeDiff {
		diff, derr := env.resetter.Diff(ctx, snap)
		if derr != nil {
			l.logger.Warn("failed to capture attempt diff", "task", task.ID, "attempt", number, "error", derr)
		}
		a.Diff = diff
	}
	a.Timestamp = l.now()

	span.SetAttributes(
		telemetry.KeyVerdict.String(a.Verdict.Kind.String()),
		telemetry.KeyVerifyPassed.Bool(a.VerifyPassed),
	)
	telemetry.End(span, nil)

	l.logger.Info("attempt finished", "task", task.ID, "attempt", number,
		"verdict", a.Verdict.String(), "verify_passed", a.VerifyPassed, "duration", time.Since(started).Round(time.Millisecond))
	l.deps.Bus.Publish(events.TaskAttemptEvent{
		ID:           task.ID,
		Attempt:      number,
		Verdict:      a.Verdict,
		VerifyPassed: a.VerifyPassed,
		Duration:     time.Since(started),
		Timestamp:    a.Timestamp,
	})
	return a, nil
}

// refine asks the tuner about a failed attempt. A tuner that cannot be
// invoked is fatal; a tuner without a refinement is not.
func (l *loop) refine(ctx context.Context, taskID, base string, a state.TaskAttempt) (string, error) {
	ctx, span := l.deps.Tracer.StartTune(ctx, taskID, a.Attempt)
	refinement, err := l.tuner.Refine(ctx, tuning.Failure{
		Attempt:       a.Attempt,
		BaseSpec:      base,
		Prompt:        a.Prompt,
		Output:        a.Output,
		Verdict:       a.Verdict,
		VerifyFailure: verifyFailure(a),
		Diff:          a.Diff,
	})
	telemetry.End(span, err)
	if err != nil {
		return "", fmt.Errorf("tuning task %s after attempt %d: %w", taskID, a.Attempt, err)
	}
	if refinement != "" {
		l.deps.Bus.Publish(events.TaskRefinedEvent{ID: taskID, Attempt: a.Attempt, Refinement: refinement, Timestamp: l.now()})
	}
	return refinement, nil
}

// priorAttempts returns the attempts already recorded for taskID in this
// run. Without a history every entry starts from attempt 1.
func (l *loop) priorAttempts(ctx context.Context, taskID string) ([]state.TaskAttempt, error) {
	if l.deps.History == nil {
		return nil, nil
	}
	records, err := l.deps.History.ListAttempts(ctx, l.ls.RunID, taskID)
	if err != nil {
		return nil, fmt.Errorf("reading attempt history for task %s: %w", taskID, err)
	}
	attempts := make([]state.TaskAttempt, 0, len(records))
	for _, r := range records {
		attempts = append(attempts, r.TaskAttempt)
	}
	return attempts, nil
}

func (l *loop) recordAttempt(ctx context.Context, taskID string, a state.TaskAttempt) {
	if l.deps.History == nil {
		return
	}
	if err := l.deps.History.AppendAttempt(ctx, l.ls.RunID, taskID, a); err != nil {
		l.logger.Warn("failed to record attempt in history", "task", taskID, "attempt", a.Attempt, "error", err)
	}
}

func verifyFailure(a state.TaskAttempt) string {
	if a.VerifyPassed {
		return ""
	}
	return strings.TrimSpace(a.VerifyStdout + "\n" + a.VerifyStderr)
}

// failureReason summarizes why the last attempt of a blocked task failed.
func failureReason(a state.TaskAttempt) string {
	if a.Verdict.Kind == verdict.Blocked && a.Verdict.Reason != "" {
		return a.Verdict.Reason
	}
	if a.Verdict.Kind == verdict.Blocked {
		return "agent reported the task blocked"
	}
	return fmt.Sprintf("verification failed after %d attempts", a.Attempt)
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/backend"
	"github.com/pyrex41/descartes-sub000/internal/events"
	"github.com/pyrex41/descartes-sub000/internal/persistence"
	"github.com/pyrex41/descartes-sub000/internal/specbuilder"
	"github.com/pyrex41/descartes-sub000/internal/state"
	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
	"github.com/pyrex41/descartes-sub000/internal/telemetry"
	"github.com/pyrex41/descartes-sub000/internal/tuning"
	"github.com/pyrex41/descartes-sub000/internal/verify"
	"github.com/pyrex41/descartes-sub000/internal/workspace"
)

const strandedReason = "unresolved dependency"

// loop is one run of the controller over a LoopState. Only the goroutine
// calling run mutates ls.
type loop struct {
	c        *Controller
	deps     Deps
	logger   *slog.Logger
	ls       *state.LoopState
	specs    *specbuilder.Builder
	tuner    *tuning.Engine
	verifier Verifier
	agent    backend.Invoker
}

func (c *Controller) newLoop(ctx context.Context, ls *state.LoopState) (*loop, error) {
	opts := ls.Options
	deps := c.deps
	logger := c.logger.With("run_id", ls.RunID, "tag", ls.Tag)

	if opts.TuneEnabled && deps.Tuner == nil {
		return nil, fmt.Errorf("tuning is enabled but no tuner agent is configured")
	}
	agent, err := deps.Agents(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("creating implementer agent: %w", err)
	}

	verifier := deps.Verifier
	if verifier == nil {
		verifier = &verify.Runner{
			Command: opts.VerifyCommand,
			WorkDir: opts.WorkDir,
			Timeout: opts.VerifyTimeout,
			Procs:   deps.Procs,
		}
	}
	if deps.OpenResetter == nil {
		exclude := c.namespaceRel(opts.WorkDir)
		procs := deps.Procs
		deps.OpenResetter = func(ctx context.Context, dir string) (workspace.Resetter, error) {
			if exclude == "" {
				return workspace.Open(ctx, dir, procs)
			}
			return workspace.Open(ctx, dir, procs, exclude)
		}
	}

	return &loop{
		c:      c,
		deps:   deps,
		logger: logger,
		ls:     ls,
		specs:  specbuilder.New(opts.Spec, opts.WorkDir, logger),
		tuner: tuning.NewEngine(deps.Tuner, tuning.Config{
			Enabled:     opts.TuneEnabled,
			MaxAttempts: opts.MaxTuneAttempts,
		}, logger),
		verifier: verifier,
		agent:    agent,
	}, nil
}

// run ticks until a terminal state or a fatal error. Work is done on a
// context that outlives ctx: cancellation of ctx is only observed between
// ticks, so no attempt is cut short.
func (l *loop) run(ctx context.Context) (*Result, error) {
	work := context.WithoutCancel(ctx)
	work, span := l.deps.Tracer.StartRun(work, l.ls.RunID, l.ls.Tag)

	l.ls.Status = state.StatusRunning
	if err := l.persist(); err != nil {
		telemetry.End(span, err)
		return l.result(), err
	}
	l.publishStatus()
	l.recordRun(work)

	for {
		if reason := l.cancelReason(ctx); reason != "" {
			err := l.finish(work, state.StatusCancelled, reason)
			telemetry.End(span, err)
			return l.result(), err
		}

		stop, err := l.tick(work)
		if err != nil {
			err = l.fail(work, err)
			telemetry.End(span, err)
			return l.result(), err
		}
		if stop {
			span.SetAttributes(telemetry.KeyStatus.String(string(l.ls.Status)))
			telemetry.End(span, nil)
			return l.result(), nil
		}
	}
}

// tick performs one step of the state machine. It reports whether the loop
// reached a terminal state.
func (l *loop) tick(ctx context.Context) (bool, error) {
	ls := l.ls
	tag := ls.Tag

	stats, err := l.deps.Tasks.Stats(ctx, tag)
	if err != nil {
		return false, fmt.Errorf("querying stats: %w", err)
	}
	ls.TasksTotal = stats.Total
	l.deps.Bus.Publish(events.LoopProgressEvent{
		Stats:     stats,
		Wave:      ls.CurrentWave,
		Iteration: ls.IterationCount,
		Timestamp: l.now(),
	})

	if stats.IsComplete() {
		if err := l.checkpoint(ctx); err != nil {
			return false, err
		}
		return true, l.finish(ctx, state.StatusCompleted, fmt.Sprintf("all %d tasks done", stats.Done))
	}

	if ls.IterationCount >= ls.Options.MaxIterations {
		return true, l.finish(ctx, state.StatusMaxIterationsReached, fmt.Sprintf(
			"iteration budget of %d spent: %d of %d tasks completed, %d pending, %d in progress, %d blocked",
			ls.Options.MaxIterations, ls.TasksCompleted, stats.Total, stats.Pending, stats.InProgress, stats.Blocked))
	}

	if len(ls.Batch) > 0 {
		return l.runBatch(ctx)
	}
	if ls.InFlight != nil {
		return l.runInFlight(ctx)
	}

	waves, err := l.deps.Tasks.Waves(ctx, tag)
	if err != nil {
		return false, fmt.Errorf("querying waves: %w", err)
	}
	ls.TotalWaves = len(waves)

	next, err := l.deps.Tasks.NextReadyTask(ctx, tag)
	if err != nil {
		return false, fmt.Errorf("querying next task: %w", err)
	}
	if next != nil {
		if w := waveOf(waves, next.ID); w == 0 || w <= ls.CurrentWave {
			return l.runReady(ctx, waves, *next)
		}
		l.logger.Debug("next task belongs to a later wave", "task", next.ID, "current_wave", ls.CurrentWave)
	}
	// The store picks its own order and may offer a later wave first.
	if ready := readyInWave(waves, ls.CurrentWave, nil); len(ready) > 0 {
		l.logger.Debug("running ready task of the current wave", "task", ready[0].ID, "wave", ls.CurrentWave)
		return l.runReady(ctx, waves, ready[0])
	}

	return l.exhaustWave(ctx, waves, stats)
}

// runReady claims task and runs it, or a batch starting with it.
func (l *loop) runReady(ctx context.Context, waves []taskgraph.Wave, task taskgraph.Task) (bool, error) {
	if l.concurrent() {
		return l.startBatch(ctx, waves, task)
	}
	if err := l.claim(ctx, task); err != nil {
		return false, err
	}
	l.ls.InFlight = &task
	if err := l.persist(); err != nil {
		return false, err
	}
	return l.runInFlight(ctx)
}

// readyInWave returns the pending members of wave number whose
// dependencies are all done, skipping ids in skip. Stores that do not
// report member statuses yield nothing; a dependency the waves do not
// list counts as unresolved.
func readyInWave(waves []taskgraph.Wave, number int, skip map[string]bool) []taskgraph.Task {
	status := make(map[string]taskgraph.Status)
	for _, w := range waves {
		for _, t := range w.Tasks {
			status[t.ID] = t.Status
		}
	}
	var ready []taskgraph.Task
	for _, w := range waves {
		if w.Number != number {
			continue
		}
		for _, t := range w.Tasks {
			if t.Status != taskgraph.StatusPending || skip[t.ID] {
				continue
			}
			resolved := true
			for _, dep := range t.DependsOn {
				if status[dep] != taskgraph.StatusDone {
					resolved = false
					break
				}
			}
			if resolved {
				ready = append(ready, t)
			}
		}
	}
	return ready
}

// exhaustWave blocks the current wave's stranded tasks, checkpoints it and
// moves on to the next wave.
func (l *loop) exhaustWave(ctx context.Context, waves []taskgraph.Wave, stats taskgraph.Stats) (bool, error) {
	ls := l.ls

	stranded := 0
	for _, w := range waves {
		if w.Number != ls.CurrentWave {
			continue
		}
		ids, ok := w.PendingIDs()
		if !ok {
			l.logger.Debug("task store reports no member statuses; cannot detect stranded tasks", "wave", w.Number)
		}
		for _, id := range ids {
			if !unresolvable(waves, id) {
				l.logger.Warn("task left pending: a dependency is not done yet", "task", id, "wave", w.Number)
				continue
			}
			if err := l.blockStranded(ctx, w, id); err != nil {
				return false, err
			}
			stranded++
		}
	}

	if err := l.checkpoint(ctx); err != nil {
		return false, err
	}

	if ls.CurrentWave >= len(waves) {
		return true, l.finish(ctx, state.StatusCompleted, fmt.Sprintf(
			"no ready tasks after wave %d: %d blocked, %d pending, %d in progress",
			ls.CurrentWave, stats.Blocked+stranded, stats.Pending-stranded, stats.InProgress))
	}

	ls.CurrentWave++
	l.logger.Info("advancing wave", "wave", ls.CurrentWave, "total_waves", ls.TotalWaves)
	return false, l.persist()
}

// unresolvable reports whether a dependency of id can no longer become
// done: it is blocked, deferred, or not in the graph.
func unresolvable(waves []taskgraph.Wave, id string) bool {
	var task *taskgraph.Task
	status := make(map[string]taskgraph.Status)
	for _, w := range waves {
		for i, t := range w.Tasks {
			status[t.ID] = t.Status
			if t.ID == id {
				task = &w.Tasks[i]
			}
		}
	}
	if task == nil {
		return false
	}
	for _, dep := range task.DependsOn {
		switch st, ok := status[dep]; {
		case !ok, st == taskgraph.StatusBlocked, st == taskgraph.StatusDeferred:
			return true
		}
	}
	return false
}

func (l *loop) blockStranded(ctx context.Context, w taskgraph.Wave, id string) error {
	title := id
	for _, t := range w.Tasks {
		if t.ID == id {
			title = t.Title
		}
	}
	if err := l.deps.Tasks.Claim(ctx, l.ls.Tag, id); err != nil {
		return fmt.Errorf("claiming stranded task %s: %w", id, err)
	}
	if err := l.deps.Tasks.MarkBlocked(ctx, l.ls.Tag, id); err != nil {
		return fmt.Errorf("blocking stranded task %s: %w", id, err)
	}
	l.logger.Warn("task stranded by an unresolved dependency", "task", id, "wave", w.Number)
	l.addBlocked(id, title, strandedReason, 0)
	return l.persist()
}

// runInFlight runs the task recorded in ls.InFlight: a fresh task, a task
// interrupted by a crash, or a task waiting for a tuning decision.
func (l *loop) runInFlight(ctx context.Context) (bool, error) {
	ls := l.ls
	task := *ls.InFlight
	env := taskEnv{agent: l.agent, resetter: l.deps.Workspace, dir: ls.Options.WorkDir}

	var (
		out taskOutcome
		err error
	)
	if ls.AwaitingTune == task.ID {
		ts, lerr := l.deps.State.LoadTuneState()
		switch {
		case errors.Is(lerr, state.ErrNoTuneState):
			l.logger.Warn("tune state missing for paused task; running it again", "task", task.ID)
			ls.AwaitingTune = ""
			out, err = l.runTask(ctx, task, env, alwaysPause)
		case lerr != nil:
			return false, lerr
		case !ts.HasSelection():
			return true, l.finish(ctx, state.StatusAwaitingHumanTune,
				fmt.Sprintf("task %s is waiting for a tuning decision (%d variants)", task.ID, len(ts.Attempts)))
		default:
			out, err = l.runTuned(ctx, task, env, ts)
		}
	} else {
		out, err = l.runTask(ctx, task, env, alwaysPause)
	}
	if err != nil {
		return false, err
	}

	if err := l.applyOutcome(ctx, task, out); err != nil {
		return false, err
	}
	if err := l.persist(); err != nil {
		return false, err
	}
	if out.kind == outcomeAwaitingTune {
		return true, l.finish(ctx, state.StatusAwaitingHumanTune,
			fmt.Sprintf("task %s exhausted %d attempts", task.ID, out.attempts))
	}
	return false, nil
}

// applyOutcome records a finished task in the store and in ls. It does not
// persist.
func (l *loop) applyOutcome(ctx context.Context, task taskgraph.Task, out taskOutcome) error {
	ls := l.ls
	tag := ls.Tag

	switch out.kind {
	case outcomeDone:
		if err := l.deps.Tasks.MarkDone(ctx, tag, task.ID); err != nil {
			return fmt.Errorf("marking task %s done: %w", task.ID, err)
		}
		ls.TasksCompleted++
		ls.PendingCheckpoint = append(ls.PendingCheckpoint, task.ID)
		l.logger.Info("task done", "task", task.ID, "attempts", out.attempts)
		l.deps.Bus.Publish(events.TaskCompletedEvent{ID: task.ID, Attempts: out.attempts, Duration: out.duration, Timestamp: l.now()})
	case outcomeBlocked:
		if err := l.deps.Tasks.MarkBlocked(ctx, tag, task.ID); err != nil {
			return fmt.Errorf("marking task %s blocked: %w", task.ID, err)
		}
		l.logger.Warn("task blocked", "task", task.ID, "attempts", out.attempts, "reason", out.reason)
		l.addBlocked(task.ID, task.Title, out.reason, out.attempts)
	case outcomeAwaitingTune:
		if err := l.deps.State.SaveTuneState(out.tune); err != nil {
			return err
		}
		t := task
		ls.InFlight = &t
		ls.AwaitingTune = task.ID
		ls.IterationCount++
		l.logger.Warn("task awaiting tuning decision", "task", task.ID, "attempts", out.attempts)
		l.deps.Bus.Publish(events.TaskAwaitingTuneEvent{ID: task.ID, Attempts: out.attempts, Timestamp: l.now()})
		return nil
	}

	if ls.AwaitingTune == task.ID {
		if err := l.deps.State.ClearTuneState(); err != nil {
			return err
		}
		ls.AwaitingTune = ""
	}
	if ls.InFlight != nil && ls.InFlight.ID == task.ID {
		ls.InFlight = nil
	}
	ls.IterationCount++
	return nil
}

func (l *loop) addBlocked(id, title, reason string, attempts int) {
	l.ls.BlockedTasks = append(l.ls.BlockedTasks, state.BlockedTask{
		TaskID:    id,
		Title:     title,
		Reason:    reason,
		Attempts:  attempts,
		BlockedAt: l.now(),
	})
	l.deps.Bus.Publish(events.TaskBlockedEvent{ID: id, Reason: reason, Attempts: attempts, Timestamp: l.now()})
}

func (l *loop) claim(ctx context.Context, task taskgraph.Task) error {
	if err := l.deps.Tasks.Claim(ctx, l.ls.Tag, task.ID); err != nil {
		return fmt.Errorf("claiming task %s: %w", task.ID, err)
	}
	l.logger.Info("task claimed", "task", task.ID, "title", task.Title, "wave", l.ls.CurrentWave)
	l.deps.Bus.Publish(events.TaskStartedEvent{ID: task.ID, Title: task.Title, Wave: l.ls.CurrentWave, Timestamp: l.now()})
	return nil
}

// checkpoint commits the tasks completed in the current wave since its last
// checkpoint. A wave that completed nothing gets no checkpoint.
func (l *loop) checkpoint(ctx context.Context) error {
	ls := l.ls
	if len(ls.PendingCheckpoint) == 0 {
		return nil
	}

	var hash string
	if ls.Options.AutoCommit {
		var err error
		hash, err = l.deps.Workspace.Commit(ctx, fmt.Sprintf("feat(%s): complete wave %d", ls.Tag, ls.CurrentWave))
		if err != nil {
			return fmt.Errorf("checkpointing wave %d: %w", ls.CurrentWave, err)
		}
	}

	tasks := append([]string(nil), ls.PendingCheckpoint...)
	ls.WaveCommits = append(ls.WaveCommits, state.WaveCommit{
		Wave:           ls.CurrentWave,
		Commit:         hash,
		TasksCompleted: tasks,
		Timestamp:      l.now(),
	})
	ls.PendingCheckpoint = nil
	if err := l.persist(); err != nil {
		return err
	}

	l.logger.Info("wave checkpointed", "wave", ls.CurrentWave, "commit", hash, "tasks", len(tasks))
	l.deps.Bus.Publish(events.WaveCompletedEvent{Wave: ls.CurrentWave, Commit: hash, Tasks: tasks, Timestamp: l.now()})
	return nil
}

// cancelReason reports why the loop should stop before the next tick, or "".
func (l *loop) cancelReason(ctx context.Context) string {
	switch {
	case ctx.Err() != nil:
		return "interrupted"
	case l.c.cancel.Load():
		return "cancel requested"
	case l.deps.State.CancelRequested():
		if err := l.deps.State.ClearCancel(); err != nil {
			l.logger.Warn("failed to clear cancel request", "error", err)
		}
		return "cancel requested"
	}
	return ""
}

// finish moves the loop to a terminal status and persists it.
func (l *loop) finish(ctx context.Context, status state.Status, reason string) error {
	l.ls.Status = status
	l.ls.ExitReason = reason
	if err := l.persist(); err != nil {
		return err
	}
	l.logger.Info("loop stopped", "status", status, "reason", reason,
		"iterations", l.ls.IterationCount, "tasks_completed", l.ls.TasksCompleted)
	l.publishStatus()
	l.recordRun(ctx)
	return nil
}

// fail records a fatal error. The status stays running so the loop can be
// resumed once the cause is fixed.
func (l *loop) fail(ctx context.Context, cause error) error {
	l.ls.ExitReason = cause.Error()
	if err := l.persist(); err != nil {
		l.logger.Error("failed to persist loop state", "error", err)
	}
	l.logger.Error("loop failed", "error", cause, "iterations", l.ls.IterationCount)
	l.publishStatus()
	l.recordRun(ctx)
	return cause
}

func (l *loop) persist() error {
	l.ls.LastActivityAt = l.now()
	if err := l.deps.State.SaveLoopState(l.ls); err != nil {
		return fmt.Errorf("saving loop state: %w", err)
	}
	l.c.publishState(l.ls)
	return nil
}

func (l *loop) publishStatus() {
	l.deps.Bus.Publish(events.LoopStatusEvent{
		RunID:     l.ls.RunID,
		Tag:       l.ls.Tag,
		Status:    string(l.ls.Status),
		Reason:    l.ls.ExitReason,
		Timestamp: l.now(),
	})
}

// recordRun updates the run row in the history. History is advisory: a
// failed write is logged and the loop carries on.
func (l *loop) recordRun(ctx context.Context) {
	if l.deps.History == nil {
		return
	}
	err := l.deps.History.RecordRun(ctx, persistence.Run{
		RunID:          l.ls.RunID,
		Tag:            l.ls.Tag,
		Status:         l.ls.Status,
		Iterations:     l.ls.IterationCount,
		TasksCompleted: l.ls.TasksCompleted,
		ExitReason:     l.ls.ExitReason,
		StartedAt:      l.ls.StartedAt,
		UpdatedAt:      l.now(),
	})
	if err != nil {
		l.logger.Warn("failed to record run in history", "error", err)
	}
}

func (l *loop) result() *Result {
	res := &Result{Status: l.ls.Status, State: l.ls.Clone()}
	if l.ls.Status == state.StatusAwaitingHumanTune {
		if ts, err := l.deps.State.LoadTuneState(); err == nil {
			res.TuneState = ts
		}
	}
	return res
}

func (l *loop) concurrent() bool {
	return l.ls.Options.Concurrency > 1 && l.deps.Worktrees != nil
}

func (l *loop) now() time.Time {
	return l.deps.Now().UTC()
}

// waveOf returns the number of the wave holding id, or 0 when unknown.
func waveOf(waves []taskgraph.Wave, id string) int {
	for _, w := range waves {
		if w.Contains(id) {
			return w.Number
		}
		for _, t := range w.Tasks {
			if t.ID == id {
				return w.Number
			}
		}
	}
	return 0
}

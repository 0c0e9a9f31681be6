package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pyrex41/descartes-sub000/internal/events"
	"github.com/pyrex41/descartes-sub000/internal/state"
	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
	"github.com/pyrex41/descartes-sub000/internal/workspace"
	"github.com/pyrex41/descartes-sub000/internal/worktree"
)

// batchResult is the outcome of one task of a concurrent batch.
type batchResult struct {
	task taskgraph.Task
	out  taskOutcome
}

// startBatch claims up to Concurrency ready tasks of the current wave,
// beginning with first, and runs them as one batch.
func (l *loop) startBatch(ctx context.Context, waves []taskgraph.Wave, first taskgraph.Task) (bool, error) {
	ls := l.ls
	if err := l.claim(ctx, first); err != nil {
		return false, err
	}
	batch := []taskgraph.Task{first}
	seen := map[string]bool{first.ID: true}

	for len(batch) < ls.Options.Concurrency && ls.IterationCount+len(batch) < ls.Options.MaxIterations {
		next, err := l.deps.Tasks.NextReadyTask(ctx, ls.Tag)
		if err != nil {
			return false, fmt.Errorf("querying next task: %w", err)
		}
		if next == nil || seen[next.ID] || waveOf(waves, next.ID) > ls.CurrentWave {
			ready := readyInWave(waves, ls.CurrentWave, seen)
			if len(ready) == 0 {
				break
			}
			next = &ready[0]
		}
		if err := l.claim(ctx, *next); err != nil {
			return false, err
		}
		batch = append(batch, *next)
		seen[next.ID] = true
	}

	ls.Batch = batch
	if err := l.persist(); err != nil {
		return false, err
	}
	return l.runBatch(ctx)
}

// runBatch runs the recorded batch, each task in its own worktree, then
// applies the outcomes in batch order. Only this goroutine touches the
// LoopState; workers report through their result slot.
func (l *loop) runBatch(ctx context.Context) (bool, error) {
	ls := l.ls
	batch := append([]taskgraph.Task(nil), ls.Batch...)

	if err := l.deps.Worktrees.Prune(ctx); err != nil {
		l.logger.Warn("failed to prune stale worktrees", "error", err)
	}
	base, err := l.deps.Workspace.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshotting workspace for batch: %w", err)
	}

	l.logger.Info("running batch", "tasks", len(batch), "concurrency", ls.Options.Concurrency, "wave", ls.CurrentWave)

	var paused atomic.Bool
	mayPause := func() bool { return paused.CompareAndSwap(false, true) }

	results := make([]batchResult, len(batch))
	g := new(errgroup.Group)
	g.SetLimit(ls.Options.Concurrency)
	for i, task := range batch {
		g.Go(func() error {
			out, err := l.runIsolated(ctx, task, base, mayPause)
			if err != nil {
				return err
			}
			results[i] = batchResult{task: task, out: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	awaiting := -1
	for i, r := range results {
		if err := l.applyOutcome(ctx, r.task, r.out); err != nil {
			return false, err
		}
		if r.out.kind == outcomeAwaitingTune {
			awaiting = i
		}
	}
	ls.Batch = nil
	if err := l.persist(); err != nil {
		return false, err
	}

	if awaiting >= 0 {
		r := results[awaiting]
		return true, l.finish(ctx, state.StatusAwaitingHumanTune, fmt.Sprintf("task %s exhausted %d attempts", r.task.ID, r.out.attempts))
	}
	return false, nil
}

// runIsolated runs task in a fresh worktree at base and applies its changes
// to the main tree when it succeeds. A success enters the history only
// once its changes are in the main tree, so a resumed run repeats a task
// whose changes never landed. Changes that no longer apply block the task;
// they are never merged by hand.
func (l *loop) runIsolated(ctx context.Context, task taskgraph.Task, base workspace.Snapshot, mayPause pauseGate) (taskOutcome, error) {
	wt, err := l.deps.Worktrees.Create(ctx, task.ID, base)
	if err != nil {
		return taskOutcome{}, fmt.Errorf("creating worktree for task %s: %w", task.ID, err)
	}
	keep := false
	defer func() {
		if keep {
			l.logger.Warn("keeping worktree of task whose changes were not applied", "task", task.ID, "path", wt.Path)
			return
		}
		if err := l.deps.Worktrees.Cleanup(ctx, wt); err != nil {
			l.logger.Warn("failed to remove worktree", "task", task.ID, "path", wt.Path, "error", err)
		}
	}()

	resetter, err := l.deps.OpenResetter(ctx, wt.WorkDir)
	if err != nil {
		return taskOutcome{}, fmt.Errorf("opening worktree for task %s: %w", task.ID, err)
	}
	agent, err := l.deps.Agents(wt.WorkDir)
	if err != nil {
		return taskOutcome{}, fmt.Errorf("creating agent for task %s: %w", task.ID, err)
	}

	env := taskEnv{agent: agent, resetter: resetter, dir: wt.WorkDir, holdSuccess: true}
	out, err := l.runTask(ctx, task, env, mayPause)
	if err != nil || out.kind != outcomeDone || out.replayed {
		return out, err
	}

	res, err := l.deps.Worktrees.Apply(ctx, wt)
	if err != nil {
		keep = true
		return taskOutcome{}, fmt.Errorf("applying changes of task %s: %w", task.ID, err)
	}
	l.publishMerge(task.ID, res)

	a := *out.pending
	out.pending = nil
	if !res.Applied {
		l.logger.Warn("task changes conflict with the main tree", "task", task.ID, "files", res.ConflictFiles)
		out.kind = outcomeBlocked
		out.reason = conflictReason(res)
		a.VerifyPassed = false
		a.VerifyStderr = strings.TrimSpace(a.VerifyStderr + "\n" + out.reason)
	}
	l.recordAttempt(ctx, task.ID, a)
	return out, nil
}

func (l *loop) publishMerge(taskID string, res *worktree.ApplyResult) {
	l.deps.Bus.Publish(events.TaskMergedEvent{
		ID:            taskID,
		Applied:       res.Applied,
		ConflictFiles: res.ConflictFiles,
		Timestamp:     l.now(),
	})
}

func conflictReason(res *worktree.ApplyResult) string {
	if len(res.ConflictFiles) == 0 {
		return "changes do not apply to the main tree"
	}
	return "changes conflict with the main tree: " + strings.Join(res.ConflictFiles, ", ")
}

// Package orchestrator drives a tag's task graph to completion one wave at
// a time. The Controller owns the LoopState: it is the only writer of the
// state files and every transition is persisted before the next step.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/backend"
	"github.com/pyrex41/descartes-sub000/internal/events"
	"github.com/pyrex41/descartes-sub000/internal/persistence"
	"github.com/pyrex41/descartes-sub000/internal/process"
	"github.com/pyrex41/descartes-sub000/internal/state"
	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
	"github.com/pyrex41/descartes-sub000/internal/telemetry"
	"github.com/pyrex41/descartes-sub000/internal/verify"
	"github.com/pyrex41/descartes-sub000/internal/workspace"
	"github.com/pyrex41/descartes-sub000/internal/worktree"
)

const (
	defaultMaxIterations   = 100
	defaultMaxTuneAttempts = 3
)

var (
	// ErrLoopInProgress means the namespace holds a loop that has not
	// finished. Resume it, or discard its state first.
	ErrLoopInProgress = errors.New("a loop is already in progress")
	// ErrAlreadyRunning means this Controller is executing a run.
	ErrAlreadyRunning = errors.New("controller is already running")
	// ErrTagMismatch means resume was asked for a tag the state does not hold.
	ErrTagMismatch = errors.New("loop state belongs to another tag")
	// ErrNotAwaitingTune means no task is paused for a tuning decision.
	ErrNotAwaitingTune = errors.New("no task is awaiting a tuning decision")
)

// Workspace captures, restores and checkpoints the main working tree.
type Workspace interface {
	workspace.Resetter
	workspace.Checkpointer
}

// Worktrees isolates tasks that run concurrently. *worktree.WorktreeManager
// implements it.
type Worktrees interface {
	Create(ctx context.Context, taskID string, base workspace.Snapshot) (*worktree.WorktreeInfo, error)
	Apply(ctx context.Context, info *worktree.WorktreeInfo) (*worktree.ApplyResult, error)
	Cleanup(ctx context.Context, info *worktree.WorktreeInfo) error
	Prune(ctx context.Context) error
}

// Verifier runs the verification command in dir. *verify.Runner implements it.
type Verifier interface {
	RunIn(ctx context.Context, dir string) (verify.Result, error)
}

// Deps are the Controller's collaborators. Tasks, Agents and State are
// required; the rest have working defaults.
type Deps struct {
	Tasks  taskgraph.Client
	Agents backend.Factory
	// Tuner is required when tuning is enabled.
	Tuner backend.Invoker

	// Workspace defaults to workspace.Noop: attempts are not reverted and
	// nothing is committed.
	Workspace Workspace
	// Worktrees enables concurrent batches. Without it the loop is
	// sequential whatever Options.Concurrency says.
	Worktrees Worktrees
	// OpenResetter opens the resetter for a worktree directory. Defaults to
	// workspace.Open.
	OpenResetter func(ctx context.Context, dir string) (workspace.Resetter, error)
	// Verifier defaults to a verify.Runner built from the loop options.
	Verifier Verifier

	State   *state.Store
	History persistence.Store
	Bus     *events.EventBus
	Tracer  *telemetry.Tracer
	Procs   *process.Manager
	Logger  *slog.Logger
	Now     func() time.Time
}

// Result is what every run returns, including failed ones: the terminal
// status and a snapshot of the state it ended in.
type Result struct {
	Status    state.Status
	State     *state.LoopState
	TuneState *state.TuneState
}

// ResumeOptions select the loop to resume.
type ResumeOptions struct {
	Tag string
	// MaxIterations raises the iteration budget when it is larger than the
	// recorded one.
	MaxIterations int
}

// Controller exposes start, resume, cancel and status over one namespace.
type Controller struct {
	deps   Deps
	logger *slog.Logger

	cancel atomic.Bool

	mu      sync.Mutex
	running bool
	current *state.LoopState
}

// NewController validates deps and fills in defaults.
func NewController(deps Deps) (*Controller, error) {
	if deps.Tasks == nil {
		return nil, fmt.Errorf("orchestrator: task store client is required")
	}
	if deps.Agents == nil {
		return nil, fmt.Errorf("orchestrator: agent factory is required")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("orchestrator: state store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Workspace == nil {
		deps.Workspace = workspace.Noop{}
	}
	return &Controller{deps: deps, logger: deps.Logger}, nil
}

// Start begins a fresh loop over opts.Tag and runs it until a terminal
// state. It refuses to replace a loop that has not finished.
func (c *Controller) Start(ctx context.Context, opts state.Options) (*Result, error) {
	if opts.Tag == "" {
		return nil, fmt.Errorf("tag is required")
	}
	existing, err := c.deps.State.LoadLoopState()
	switch {
	case err == nil:
		switch existing.Status {
		case state.StatusIdle, state.StatusRunning, state.StatusAwaitingHumanTune:
			return nil, fmt.Errorf("%w: tag %s is %s", ErrLoopInProgress, existing.Tag, existing.Status)
		}
	case errors.Is(err, state.ErrNoLoopState):
	default:
		return nil, err
	}

	opts = withDefaults(opts)
	if err := c.deps.State.ClearTuneState(); err != nil {
		return nil, err
	}
	if err := c.deps.State.ClearCancel(); err != nil {
		return nil, err
	}
	ls := state.NewLoopState(opts, c.deps.Now().UTC())
	c.logger.Info("starting loop", "run_id", ls.RunID, "tag", ls.Tag, "concurrency", opts.Concurrency)
	return c.run(ctx, ls)
}

// Resume continues the loop recorded in the namespace with its recorded
// options. Done tasks are never executed again; a task recorded in flight
// is re-entered first.
func (c *Controller) Resume(ctx context.Context, ro ResumeOptions) (*Result, error) {
	ls, err := c.deps.State.LoadLoopState()
	if err != nil {
		return nil, err
	}
	if ro.Tag != "" && ro.Tag != ls.Tag {
		return nil, fmt.Errorf("%w: state has %q, asked for %q", ErrTagMismatch, ls.Tag, ro.Tag)
	}
	if ro.MaxIterations > ls.Options.MaxIterations {
		ls.Options.MaxIterations = ro.MaxIterations
	}
	if err := c.deps.State.ClearCancel(); err != nil {
		return nil, err
	}
	ls.ExitReason = ""
	c.logger.Info("resuming loop", "run_id", ls.RunID, "tag", ls.Tag, "status", ls.Status, "wave", ls.CurrentWave)
	return c.run(ctx, ls)
}

// Cancel asks the running loop to stop at its next tick boundary. The
// current attempt is never interrupted.
func (c *Controller) Cancel() {
	c.cancel.Store(true)
}

// Status returns a snapshot of the loop: the live state while running,
// otherwise what is persisted.
func (c *Controller) Status() (*state.LoopState, error) {
	c.mu.Lock()
	if c.running && c.current != nil {
		s := c.current.Clone()
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()
	return c.deps.State.LoadLoopState()
}

// TuneState returns the variants of the task awaiting a tuning decision.
func (c *Controller) TuneState() (*state.TuneState, error) {
	ts, err := c.deps.State.LoadTuneState()
	if errors.Is(err, state.ErrNoTuneState) {
		return nil, ErrNotAwaitingTune
	}
	return ts, err
}

// SelectVariant chooses attempt n's prompt for the next resume.
func (c *Controller) SelectVariant(n int) (*state.TuneState, error) {
	return c.updateTune(func(ts *state.TuneState) error { return ts.Select(n) })
}

// SetCustomPrompt supplies a prompt for the next resume.
func (c *Controller) SetCustomPrompt(prompt string) (*state.TuneState, error) {
	return c.updateTune(func(ts *state.TuneState) error { return ts.SetCustomPrompt(prompt) })
}

func (c *Controller) updateTune(fn func(*state.TuneState) error) (*state.TuneState, error) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		return nil, ErrAlreadyRunning
	}
	ts, err := c.TuneState()
	if err != nil {
		return nil, err
	}
	if err := fn(ts); err != nil {
		return nil, err
	}
	if err := c.deps.State.SaveTuneState(ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func (c *Controller) run(ctx context.Context, ls *state.LoopState) (*Result, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	c.running = true
	c.current = ls.Clone()
	c.mu.Unlock()
	c.cancel.Store(false)

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	l, err := c.newLoop(ctx, ls)
	if err != nil {
		return nil, err
	}
	return l.run(ctx)
}

// publishState updates the snapshot served by Status.
func (c *Controller) publishState(ls *state.LoopState) {
	c.mu.Lock()
	c.current = ls.Clone()
	c.mu.Unlock()
}

// namespaceRel is the state directory relative to workDir, or "" when it
// lies outside it.
func (c *Controller) namespaceRel(workDir string) string {
	rel, err := filepath.Rel(workDir, c.deps.State.Dir())
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

func withDefaults(opts state.Options) state.Options {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.MaxTuneAttempts <= 0 {
		opts.MaxTuneAttempts = defaultMaxTuneAttempts
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	spec := opts.Spec
	if !spec.IncludeTask && !spec.IncludePlanSection && len(spec.AdditionalSpecs) == 0 && spec.Template == "" {
		// An empty spec config would hand the agent nothing to do.
		opts.Spec.IncludeTask = true
	}
	return opts
}

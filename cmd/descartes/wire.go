package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/backend"
	"github.com/pyrex41/descartes-sub000/internal/config"
	"github.com/pyrex41/descartes-sub000/internal/events"
	"github.com/pyrex41/descartes-sub000/internal/orchestrator"
	"github.com/pyrex41/descartes-sub000/internal/persistence"
	"github.com/pyrex41/descartes-sub000/internal/resilience"
	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
	"github.com/pyrex41/descartes-sub000/internal/workspace"
	"github.com/pyrex41/descartes-sub000/internal/worktree"
)

// runtime is a wired controller and the resources it holds.
type runtime struct {
	ctrl    *orchestrator.Controller
	bus     *events.EventBus
	history *persistence.SQLiteStore
	tasks   taskgraph.Client
}

func (r *runtime) close() {
	r.bus.Close()
	if r.history != nil {
		r.history.Close()
	}
}

// wireSpec says which optional collaborators a command needs.
type wireSpec struct {
	tune        bool
	concurrency int
	// agentTimeout is the implementer timeout recorded for the loop; zero
	// keeps the configured one.
	agentTimeout time.Duration
}

// taskClient builds the configured task store client.
func (c *cli) taskClient(breakers *resilience.BreakerRegistry) (taskgraph.Client, error) {
	ts := c.cfg.TaskStore
	switch ts.Store {
	case config.StoreCLI, "":
		return taskgraph.NewCLIClient(taskgraph.CLIConfig{
			Command: ts.Command,
			Args:    ts.Args,
			WorkDir: c.workDir,
			Retry:   c.cfg.RetryPolicy(),
		}, breakers, c.procs, c.logger), nil
	case config.StoreFile:
		dir := ts.TasksDir
		if dir == "" {
			dir = filepath.Join(c.store.Dir(), "tasks")
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(c.workDir, dir)
		}
		return taskgraph.NewFileStore(dir), nil
	}
	return nil, fmt.Errorf("unknown task store %q", ts.Store)
}

// wire builds a controller over the namespace from the loaded config.
func (c *cli) wire(ctx context.Context, ws wireSpec) (*runtime, error) {
	breakers := resilience.NewBreakerRegistry(c.logger)
	retry := c.cfg.RetryPolicy()

	tasks, err := c.taskClient(breakers)
	if err != nil {
		return nil, err
	}

	implementer, err := c.implementerConfig(ws)
	if err != nil {
		return nil, err
	}
	deps := orchestrator.Deps{
		Tasks:  tasks,
		Agents: backend.NewFactory(implementer, c.procs, breakers, retry, c.logger),
		State:  c.store,
		Tracer: c.tracer,
		Procs:  c.procs,
		Logger: c.logger,
	}

	if ws.tune {
		tunerCfg, err := c.cfg.Backend(config.RoleTuner)
		if err != nil {
			return nil, err
		}
		tuner, err := backend.NewFactory(tunerCfg, c.procs, breakers, retry, c.logger)(c.workDir)
		if err != nil {
			return nil, fmt.Errorf("creating tuner agent: %w", err)
		}
		deps.Tuner = tuner
	}

	repo, err := workspace.Open(ctx, c.workDir, c.procs, c.cfg.Loop.Namespace)
	switch {
	case err == nil:
		deps.Workspace = repo
		if ws.concurrency > 1 {
			deps.Worktrees = worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
				WorkDir:     c.workDir,
				WorktreeDir: filepath.Join(c.store.Dir(), "worktrees"),
				Procs:       c.procs,
			})
		}
	default:
		c.logger.Warn("workdir is not a usable git repository: attempts are not reverted and nothing is committed", "dir", c.workDir, "error", err)
		if ws.concurrency > 1 {
			c.logger.Warn("concurrency needs git worktrees; running tasks one at a time")
		}
	}

	history, err := persistence.NewSQLiteStore(ctx, c.store.HistoryPath())
	if err != nil {
		return nil, fmt.Errorf("opening attempt history: %w", err)
	}
	deps.History = history

	bus := events.NewEventBus()
	deps.Bus = bus

	ctrl, err := orchestrator.NewController(deps)
	if err != nil {
		history.Close()
		bus.Close()
		return nil, err
	}
	return &runtime{ctrl: ctrl, bus: bus, history: history, tasks: tasks}, nil
}

// implementerConfig resolves the implementer backend, with the loop's
// recorded timeout in place of the configured one.
func (c *cli) implementerConfig(ws wireSpec) (backend.Config, error) {
	cfg, err := c.cfg.Backend(config.RoleImplementer)
	if err != nil {
		return backend.Config{}, err
	}
	if ws.agentTimeout > 0 {
		cfg.Timeout = ws.agentTimeout
	}
	return cfg, nil
}

// openHistory opens the attempt history for read-only commands.
func (c *cli) openHistory(ctx context.Context) (*persistence.SQLiteStore, error) {
	h, err := persistence.NewSQLiteStore(ctx, c.store.HistoryPath())
	if err != nil {
		return nil, fmt.Errorf("opening attempt history: %w", err)
	}
	return h, nil
}

var errNoTag = errors.New("--tag is required")

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyrex41/descartes-sub000/internal/config"
	"github.com/pyrex41/descartes-sub000/internal/orchestrator"
	"github.com/pyrex41/descartes-sub000/internal/render"
	"github.com/pyrex41/descartes-sub000/internal/state"
	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
)

func newLoopCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Start, resume and inspect the wave loop",
	}
	cmd.AddCommand(
		newStartCmd(c),
		newResumeCmd(c),
		newStatusCmd(c),
		newCancelCmd(c),
		newHistoryCmd(c),
		newTuneCmd(c),
	)
	return cmd
}

type startFlags struct {
	tag             string
	plan            string
	specs           []string
	verify          string
	maxIterations   int
	noTune          bool
	maxTuneAttempts int
	store           string
	concurrency     int
	noCommit        bool
	force           bool
	quiet           bool
}

func newStartCmd(c *cli) *cobra.Command {
	var f startFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new loop over a tag",
		Long: `Start runs every task of the tag, one wave at a time, until all tasks are done
or blocked, the iteration budget is spent, or a task waits for a tuning
decision. It refuses to replace a loop that has not finished; resume it, or
pass --force to discard its state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runStart(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.tag, "tag", "t", "", "Task store tag to run")
	fl.StringVar(&f.plan, "plan", "", "Plan document; the section matching each task is added to its spec")
	fl.StringSliceVar(&f.specs, "spec", nil, "Additional spec file included in every task spec (repeatable)")
	fl.StringVar(&f.verify, "verify", "", "Verification command run after every attempt")
	fl.IntVarP(&f.maxIterations, "max-iterations", "n", 0, "Maximum number of tasks to run (default from config, 100)")
	fl.BoolVar(&f.noTune, "no-tune", false, "Block tasks after one failed attempt instead of tuning")
	fl.IntVar(&f.maxTuneAttempts, "max-tune-attempts", 0, "Attempts per task before pausing for a human (default from config, 3)")
	fl.StringVar(&f.store, "store", "", "Task store: cli or file (default from config)")
	fl.IntVarP(&f.concurrency, "concurrency", "j", 0, "Tasks of one wave run at once in git worktrees (default from config, 1)")
	fl.BoolVar(&f.noCommit, "no-commit", false, "Do not commit after each wave")
	fl.BoolVar(&f.force, "force", false, "Discard an unfinished loop's state before starting")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "Do not print live progress")
	return cmd
}

// startOptions applies the start flags over the loaded config.
func (c *cli) startOptions(cmd *cobra.Command, f startFlags) (state.Options, error) {
	if f.tag == "" {
		return state.Options{}, errNoTag
	}
	cfg := c.cfg
	loop := cfg.Loop
	fl := cmd.Flags()

	if fl.Changed("verify") {
		loop.VerifyCommand = f.verify
	}
	if fl.Changed("max-iterations") {
		loop.MaxIterations = f.maxIterations
	}
	if fl.Changed("no-tune") {
		loop.TuneEnabled = !f.noTune
	}
	if fl.Changed("max-tune-attempts") {
		loop.MaxTuneAttempts = f.maxTuneAttempts
	}
	if fl.Changed("concurrency") {
		loop.Concurrency = f.concurrency
	}
	if fl.Changed("no-commit") {
		loop.AutoCommit = !f.noCommit
	}
	if fl.Changed("store") {
		cfg.TaskStore.Store = f.store
	}
	cfg.Loop = loop

	spec := cfg.Spec
	if f.plan != "" {
		spec.PlanPath = f.plan
		spec.IncludePlanSection = true
	}
	spec.AdditionalSpecs = append(append([]string(nil), spec.AdditionalSpecs...), f.specs...)
	cfg.Spec = spec

	if err := cfg.Validate(); err != nil {
		return state.Options{}, err
	}
	implementer, err := cfg.Backend(config.RoleImplementer)
	if err != nil {
		return state.Options{}, err
	}
	return state.Options{
		Tag:             f.tag,
		WorkDir:         c.workDir,
		VerifyCommand:   loop.VerifyCommand,
		MaxIterations:   loop.MaxIterations,
		TuneEnabled:     loop.TuneEnabled,
		MaxTuneAttempts: loop.MaxTuneAttempts,
		TuneIncludeDiff: loop.TuneIncludeDiff,
		AutoCommit:      loop.AutoCommit,
		Concurrency:     loop.Concurrency,
		AgentTimeout:    implementer.Timeout,
		VerifyTimeout:   time.Duration(loop.VerifyTimeout),
		Spec:            spec,
	}, nil
}

func (c *cli) runStart(cmd *cobra.Command, f startFlags) error {
	ctx := cmd.Context()
	opts, err := c.startOptions(cmd, f)
	if err != nil {
		return err
	}
	if f.force {
		if err := c.store.Discard(); err != nil {
			return fmt.Errorf("discarding loop state: %w", err)
		}
	}

	rt, err := c.wire(ctx, wireSpec{tune: opts.TuneEnabled, concurrency: opts.Concurrency, agentTimeout: opts.AgentTimeout})
	if err != nil {
		return err
	}
	return c.follow(cmd.OutOrStdout(), rt, f.quiet, func() (*orchestrator.Result, error) {
		return rt.ctrl.Start(ctx, opts)
	})
}

func newResumeCmd(c *cli) *cobra.Command {
	var (
		tag           string
		maxIterations int
		quiet         bool
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the loop recorded in the namespace",
		Long: `Resume continues the recorded loop with its recorded options. Done tasks are
never run again; a task that was running when the loop stopped is re-entered
first, and a task waiting for a tuning decision runs the chosen prompt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ls, err := c.store.LoadLoopState()
			if err != nil {
				return err
			}
			rt, err := c.wire(ctx, wireSpec{
				tune:         ls.Options.TuneEnabled,
				concurrency:  ls.Options.Concurrency,
				agentTimeout: ls.Options.AgentTimeout,
			})
			if err != nil {
				return err
			}
			return c.follow(cmd.OutOrStdout(), rt, quiet, func() (*orchestrator.Result, error) {
				return rt.ctrl.Resume(ctx, orchestrator.ResumeOptions{Tag: tag, MaxIterations: maxIterations})
			})
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Refuse to resume unless the loop runs this tag")
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "Raise the iteration budget")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print live progress")
	return cmd
}

// follow runs fn while printing the bus, then prints the final report.
func (c *cli) follow(out io.Writer, rt *runtime, quiet bool, fn func() (*orchestrator.Result, error)) error {
	var wg sync.WaitGroup
	if !quiet {
		ch := rt.bus.SubscribeAll(0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			render.Follow(context.Background(), out, ch)
		}()
	}

	res, err := fn()
	rt.close()
	wg.Wait()
	if n := rt.bus.Dropped(); n > 0 && !quiet {
		c.logger.Debug("live output fell behind", "dropped_events", n)
	}

	if res != nil {
		fmt.Fprintln(out, render.Status(res.State, nil))
		if res.TuneState != nil {
			fmt.Fprintln(out, render.Tune(res.TuneState, false))
		}
	}
	if err != nil {
		return err
	}
	if res.Status != state.StatusCompleted {
		return &statusError{status: res.Status}
	}
	return nil
}

func newStatusCmd(c *cli) *cobra.Command {
	var noStore bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded loop state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ls, err := c.store.LoadLoopState()
			if errors.Is(err, state.ErrNoLoopState) {
				fmt.Fprintln(cmd.OutOrStdout(), render.StyleHelp.Render("No loop in "+c.store.Dir()+". Start one with `descartes loop start --tag <tag>`."))
				return nil
			}
			if err != nil {
				return err
			}

			var stats *taskgraph.Stats
			if !noStore {
				stats = c.storeStats(cmd.Context(), ls.Tag)
			}
			fmt.Fprintln(cmd.OutOrStdout(), render.Status(ls, stats))
			if c.store.CancelRequested() {
				fmt.Fprintln(cmd.OutOrStdout(), render.StyleHelp.Render("A cancel request is pending."))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noStore, "no-store", false, "Do not query the task store for live stats")
	return cmd
}

// storeStats queries live stats. The report is still useful without them.
func (c *cli) storeStats(ctx context.Context, tag string) *taskgraph.Stats {
	tasks, err := c.taskClient(nil)
	if err != nil {
		c.logger.Warn("task store unavailable", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	stats, err := tasks.Stats(ctx, tag)
	if err != nil {
		c.logger.Warn("failed to query task store stats", "tag", tag, "error", err)
		return nil
	}
	return &stats
}

func newCancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Ask the running loop to stop after its current attempt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ls, err := c.store.LoadLoopState()
			if err != nil {
				return err
			}
			if ls.Status != state.StatusRunning {
				return fmt.Errorf("loop for tag %s is %s, not running", ls.Tag, ls.Status)
			}
			if err := c.store.RequestCancel(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for tag %s; the loop stops after its current attempt.\n", ls.Tag)
			return nil
		},
	}
}

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		runID   string
		tag     string
		current bool
	)
	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "List recorded runs, or the attempts of one task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := c.openHistory(ctx)
			if err != nil {
				return err
			}
			defer h.Close()

			if len(args) == 0 {
				runs, err := h.ListRuns(ctx, tag)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), render.Runs(runs))
				return nil
			}

			if current {
				ls, err := c.store.LoadLoopState()
				if err != nil {
					return err
				}
				runID = ls.RunID
			}
			records, err := h.ListAttempts(ctx, runID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), render.History(records))
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Only attempts of this run")
	cmd.Flags().BoolVar(&current, "current", false, "Only attempts of the recorded loop's run")
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Only runs of this tag")
	return cmd
}

func newTuneCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Inspect and decide on a task waiting for a tuning decision",
	}

	var prompts bool
	show := &cobra.Command{
		Use:   "show",
		Short: "List the prompt variants tried for the paused task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withTune(cmd, func(ctrl *orchestrator.Controller) (*state.TuneState, error) {
				return ctrl.TuneState()
			}, prompts)
		},
	}
	show.Flags().BoolVar(&prompts, "prompts", false, "Print each variant's full prompt")

	sel := &cobra.Command{
		Use:   "select <n>",
		Short: "Use variant n's prompt for the next attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("variant must be a number: %w", err)
			}
			return c.withTune(cmd, func(ctrl *orchestrator.Controller) (*state.TuneState, error) {
				return ctrl.SelectVariant(n)
			}, false)
		},
	}

	prompt := &cobra.Command{
		Use:   "prompt <text|@file>",
		Short: "Write the prompt for the next attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readPromptArg(args[0])
			if err != nil {
				return err
			}
			return c.withTune(cmd, func(ctrl *orchestrator.Controller) (*state.TuneState, error) {
				return ctrl.SetCustomPrompt(text)
			}, false)
		},
	}

	cmd.AddCommand(show, sel, prompt)
	return cmd
}

func (c *cli) withTune(cmd *cobra.Command, fn func(*orchestrator.Controller) (*state.TuneState, error), showPrompts bool) error {
	rt, err := c.wire(cmd.Context(), wireSpec{})
	if err != nil {
		return err
	}
	defer rt.close()

	ts, err := fn(rt.ctrl)
	if errors.Is(err, orchestrator.ErrNotAwaitingTune) {
		return fmt.Errorf("%w; see `descartes loop status`", err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), render.Tune(ts, showPrompts))
	return nil
}

// readPromptArg returns arg, or the contents of the file when arg is @path.
func readPromptArg(arg string) (string, error) {
	path, ok := strings.CutPrefix(arg, "@")
	if !ok {
		return arg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading prompt file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("prompt file %s is empty", path)
	}
	return string(data), nil
}

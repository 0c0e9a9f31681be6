// Command descartes drives a tag's task graph to completion with coding
// agents, one dependency wave at a time.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pyrex41/descartes-sub000/internal/config"
	"github.com/pyrex41/descartes-sub000/internal/process"
	"github.com/pyrex41/descartes-sub000/internal/state"
	"github.com/pyrex41/descartes-sub000/internal/telemetry"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Exit codes
const (
	ExitSuccess       = 0
	ExitMaxIterations = 1
	ExitAwaitingTune  = 2
	ExitCancelled     = 3
	ExitError         = 4
	ExitAborted       = 130
)

// cli holds the global flags and what is built from them before a
// subcommand runs.
type cli struct {
	workDir    string
	configPath string
	namespace  string
	logFormat  string
	verbose    bool

	stderr io.Writer
	procs  *process.Manager

	logger *slog.Logger
	cfg    *config.Config
	store  *state.Store
	tracer *telemetry.Tracer
}

// statusError carries a loop's terminal status out of a command so main can
// turn it into an exit code. The status has already been printed.
type statusError struct {
	status state.Status
}

func (e *statusError) Error() string { return "loop stopped: " + string(e.status) }

func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.status {
		case state.StatusMaxIterationsReached:
			return ExitMaxIterations
		case state.StatusAwaitingHumanTune:
			return ExitAwaitingTune
		case state.StatusCancelled:
			return ExitCancelled
		}
	}
	return ExitError
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "descartes",
		Short: "Wave-based coding agent loop over a task graph",
		Long: `Descartes runs a tag's tasks through a coding agent, one dependency wave at a
time. Every attempt is checked by a verification command; failed attempts are
reverted and retried with guidance from a tuner agent, and a task that keeps
failing pauses the loop until a human picks the prompt to try next.

Exit codes:
  0 - all tasks done or blocked
  1 - iteration budget spent
  2 - waiting for a tuning decision
  3 - cancelled
  4 - error`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.workDir, "workdir", "C", ".", "Repository working directory")
	flags.StringVar(&c.configPath, "config", "", "Config file (default: ~/.descartes and <workdir>/.descartes)")
	flags.StringVar(&c.namespace, "namespace", "", "State directory inside the workdir (default from config, .scud)")
	flags.StringVar(&c.logFormat, "log-format", "text", "Log format: text or json")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newLoopCmd(c))
	return root
}

// setup resolves the workdir, installs the logger and loads the config.
func (c *cli) setup(ctx context.Context) error {
	logger, err := newLogger(c.stderr, c.logFormat, c.verbose)
	if err != nil {
		return err
	}
	c.logger = logger
	slog.SetDefault(logger)

	dir, err := filepath.Abs(c.workDir)
	if err != nil {
		return fmt.Errorf("resolving workdir: %w", err)
	}
	c.workDir = dir

	if c.configPath != "" {
		c.cfg, err = config.Load("", c.configPath)
	} else {
		c.cfg, err = config.LoadDefault(dir)
	}
	if err != nil {
		return err
	}
	if c.namespace != "" {
		c.cfg.Loop.Namespace = c.namespace
	}
	c.store = state.NewStore(dir, c.cfg.Loop.Namespace)

	tracer, err := telemetry.Setup(ctx, "descartes")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		tracer = telemetry.Noop()
	}
	c.tracer = tracer
	return nil
}

func (c *cli) close() {
	if c.tracer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.tracer.Shutdown(ctx); err != nil && c.logger != nil {
		c.logger.Warn("failed to flush traces", "error", err)
	}
}

func newLogger(w io.Writer, format string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
}

// watchSignals handles the second interrupt. The first one cancels ctx and
// the loop stops after the running attempt; the second kills every agent
// and verification process and exits. State on disk stays resumable.
func watchSignals(ctx context.Context, done <-chan struct{}, procs *process.Manager, stderr io.Writer) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	fmt.Fprintln(stderr, "Interrupt received, stopping after the current attempt. Interrupt again to abort it.")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-done:
	case <-sigs:
		fmt.Fprintln(stderr, "Aborting running agents.")
		if err := procs.KillAll(); err != nil {
			fmt.Fprintf(stderr, "Error killing subprocesses: %v\n", err)
		}
		os.Exit(ExitAborted)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, procs *process.Manager) int {
	c := &cli{stderr: stderr, procs: procs}
	defer c.close()

	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	var se *statusError
	if err != nil && !errors.As(err, &se) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	procs := process.NewManager()
	done := make(chan struct{})
	go watchSignals(ctx, done, procs, os.Stderr)

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, procs)
	close(done)
	stop()
	os.Exit(code)
}

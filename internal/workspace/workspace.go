// Package workspace resets and checkpoints the git working tree the agents
// write to.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pyrex41/descartes-sub000/internal/process"
)

// Snapshot identifies a working-tree state. The zero value means the tree
// matched HEAD.
type Snapshot string

// Resetter captures and restores the working tree around an attempt.
type Resetter interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Restore(ctx context.Context, snap Snapshot) error
	Diff(ctx context.Context, snap Snapshot) (string, error)
}

// Checkpointer commits the current change set. An empty hash means there
// was nothing to commit.
type Checkpointer interface {
	Commit(ctx context.Context, message string) (string, error)
}

// Repo implements Resetter and Checkpointer with the git CLI. Paths in
// Exclude (relative to Dir) are never staged, committed, or cleaned; the
// loop's namespace directory lives there.
type Repo struct {
	git     Git
	exclude []string
}

// Open checks that dir is inside a git work tree with at least one commit.
func Open(ctx context.Context, dir string, procs *process.Manager, exclude ...string) (*Repo, error) {
	r := &Repo{git: Git{Dir: dir, Procs: procs}, exclude: exclude}
	if _, err := r.git.Run(ctx, "rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, fmt.Errorf("%s is not a git work tree: %w", dir, err)
	}
	if _, err := r.git.Run(ctx, "rev-parse", "--verify", "-q", "HEAD"); err != nil {
		return nil, fmt.Errorf("%s has no commits: %w", dir, err)
	}
	return r, nil
}

// Dir returns the repository directory.
func (r *Repo) Dir() string { return r.git.Dir }

func (r *Repo) stageAll(ctx context.Context) error {
	args := []string{"add", "-A", "--", "."}
	for _, p := range r.exclude {
		args = append(args, ":(exclude)"+p)
	}
	_, err := r.git.Run(ctx, args...)
	return err
}

// Snapshot stages everything and records it as a dangling stash commit.
func (r *Repo) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := r.stageAll(ctx); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	hash, err := r.git.Run(ctx, "stash", "create", "descartes snapshot")
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	return Snapshot(hash), nil
}

// Restore discards every change since snap was taken.
func (r *Repo) Restore(ctx context.Context, snap Snapshot) error {
	if _, err := r.git.Run(ctx, "reset", "--hard", "-q", "HEAD"); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	args := []string{"clean", "-fdq"}
	for _, p := range r.exclude {
		args = append(args, "-e", p)
	}
	if _, err := r.git.Run(ctx, args...); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if snap != "" {
		if _, err := r.git.Run(ctx, "stash", "apply", "--index", "-q", string(snap)); err != nil {
			return fmt.Errorf("restore snapshot %s: %w", snap, err)
		}
	}
	return nil
}

// Diff returns the changes made since snap.
func (r *Repo) Diff(ctx context.Context, snap Snapshot) (string, error) {
	if err := r.stageAll(ctx); err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	base := string(snap)
	if base == "" {
		base = "HEAD"
	}
	out, err := r.git.RunRaw(ctx, "diff", "--cached", base)
	if err != nil {
		return "", fmt.Errorf("diff: %w", err)
	}
	return string(out), nil
}

// Commit stages everything and commits it. Nothing to commit returns "".
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	if err := r.stageAll(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	_, err := r.git.Run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return "", nil
	}
	var exitErr *process.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		return "", fmt.Errorf("commit: %w", err)
	}

	if _, err := r.git.Run(ctx, "commit", "-q", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	hash, err := r.git.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return strings.TrimSpace(hash), nil
}

// Noop is a Resetter and Checkpointer for working directories that are not
// git repositories. Restore cannot undo anything there.
type Noop struct{}

func (Noop) Snapshot(context.Context) (Snapshot, error) { return "", nil }

func (Noop) Restore(context.Context, Snapshot) error { return nil }

func (Noop) Diff(context.Context, Snapshot) (string, error) { return "", nil }

func (Noop) Commit(context.Context, string) (string, error) { return "", nil }

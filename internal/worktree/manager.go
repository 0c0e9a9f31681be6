// Package worktree gives concurrently running tasks their own git worktree
// and applies each task's changes back to the main working tree.
package worktree

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pyrex41/descartes-sub000/internal/process"
	"github.com/pyrex41/descartes-sub000/internal/workspace"
)

// WorktreeInfo holds information about a created worktree.
type WorktreeInfo struct {
	Path    string // Absolute path to the worktree root
	WorkDir string // Directory inside the worktree matching the main work dir
	TaskID  string
	Head    string // Commit the worktree was detached at
}

// ApplyResult is the outcome of applying a worktree's changes.
type ApplyResult struct {
	Applied       bool
	Empty         bool     // The task changed nothing
	ConflictFiles []string // Files the patch did not apply to
	Output        string
}

// WorktreeManagerConfig configures the worktree manager.
type WorktreeManagerConfig struct {
	WorkDir     string // Main working directory (may be below the repository root)
	WorktreeDir string // Where worktrees are created; relative paths resolve against WorkDir
	Procs       *process.Manager
}

// WorktreeManager manages git worktrees for parallel task execution.
type WorktreeManager struct {
	config  WorktreeManagerConfig
	applyMu sync.Mutex // Serializes writes to the main tree
}

// NewWorktreeManager creates a new worktree manager.
func NewWorktreeManager(cfg WorktreeManagerConfig) *WorktreeManager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(".scud", "worktrees")
	}
	if !filepath.IsAbs(cfg.WorktreeDir) {
		cfg.WorktreeDir = filepath.Join(cfg.WorkDir, cfg.WorktreeDir)
	}
	return &WorktreeManager{config: cfg}
}

func (m *WorktreeManager) git(dir string) workspace.Git {
	return workspace.Git{Dir: dir, Procs: m.config.Procs}
}

// Create adds a detached worktree for taskID at base. An empty base uses
// HEAD; a snapshot carries uncommitted work of earlier tasks along.
func (m *WorktreeManager) Create(ctx context.Context, taskID string, base workspace.Snapshot) (*WorktreeInfo, error) {
	main := m.git(m.config.WorkDir)
	prefix, err := main.Run(ctx, "rev-parse", "--show-prefix")
	if err != nil {
		return nil, fmt.Errorf("failed to locate work dir in repository: %w", err)
	}

	wtPath := filepath.Join(m.config.WorktreeDir, sanitize(taskID))
	if _, err := os.Stat(wtPath); err == nil {
		// Left over from an interrupted run.
		_ = m.remove(ctx, wtPath)
	}

	rev := string(base)
	if rev == "" {
		rev = "HEAD"
	}
	if _, err := main.Run(ctx, "worktree", "add", "--detach", "-f", wtPath, rev); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	head, err := m.git(wtPath).Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}

	return &WorktreeInfo{
		Path:    wtPath,
		WorkDir: filepath.Join(wtPath, filepath.FromSlash(prefix)),
		TaskID:  taskID,
		Head:    head,
	}, nil
}

// Apply copies the worktree's changes into the main working tree. The patch
// is checked before anything is written, so a conflict leaves the main tree
// untouched and is reported in the result rather than as an error.
func (m *WorktreeManager) Apply(ctx context.Context, info *WorktreeInfo) (*ApplyResult, error) {
	wt := m.git(info.Path)
	if _, err := wt.Run(ctx, "add", "-A"); err != nil {
		return nil, fmt.Errorf("failed to stage worktree changes: %w", err)
	}
	patch, err := wt.RunRaw(ctx, "diff", "--cached", "--binary", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to diff worktree: %w", err)
	}
	if len(strings.TrimSpace(string(patch))) == 0 {
		return &ApplyResult{Applied: true, Empty: true}, nil
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	top, err := m.git(m.config.WorkDir).Run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, fmt.Errorf("failed to locate repository root: %w", err)
	}
	main := m.git(top)

	if _, err := main.RunInput(ctx, patch, "apply", "--check", "-"); err != nil {
		var exitErr *process.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to check patch: %w", err)
		}
		return &ApplyResult{
			ConflictFiles: parseConflictFiles(exitErr.Stderr),
			Output:        exitErr.Stderr,
		}, nil
	}
	if _, err := main.RunInput(ctx, patch, "apply", "-"); err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}
	return &ApplyResult{Applied: true}, nil
}

// parseConflictFiles extracts file paths from `git apply` errors such as
// "error: patch failed: a.go:12" and "error: b.go: already exists in working directory".
func parseConflictFiles(output string) []string {
	var files []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line, ok := strings.CutPrefix(scanner.Text(), "error: ")
		if !ok {
			continue
		}
		var file string
		if rest, found := strings.CutPrefix(line, "patch failed: "); found {
			file = rest
			if i := strings.LastIndex(rest, ":"); i > 0 {
				file = rest[:i]
			}
		} else if i := strings.Index(line, ": "); i > 0 {
			file = line[:i]
		}
		if file != "" && !seen[file] {
			seen[file] = true
			files = append(files, file)
		}
	}
	return files
}

// Cleanup removes the worktree.
func (m *WorktreeManager) Cleanup(ctx context.Context, info *WorktreeInfo) error {
	return m.remove(ctx, info.Path)
}

func (m *WorktreeManager) remove(ctx context.Context, path string) error {
	var errs []error
	if _, err := m.git(m.config.WorkDir).Run(ctx, "worktree", "remove", "--force", path); err != nil {
		errs = append(errs, err)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			errs = append(errs, rmErr)
		}
	}
	if err := m.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %w", errors.Join(errs...))
	}
	return nil
}

// List returns the worktrees this manager created.
func (m *WorktreeManager) List(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := m.git(m.config.WorkDir).Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	root := realPath(m.config.WorktreeDir)

	var worktrees []WorktreeInfo
	var current WorktreeInfo
	flush := func() {
		if current.Path != "" && realPath(filepath.Dir(current.Path)) == root {
			current.TaskID = filepath.Base(current.Path)
			worktrees = append(worktrees, current)
		}
		current = WorktreeInfo{}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		}
	}
	flush()
	return worktrees, nil
}

// Prune cleans up stale worktree metadata.
func (m *WorktreeManager) Prune(ctx context.Context) error {
	if _, err := m.git(m.config.WorkDir).Run(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

func realPath(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return p
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, "task-"+id)
}

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pyrex41/descartes-sub000/internal/atomicfile"
)

// DefaultNamespace is the directory, relative to the working directory,
// holding all loop files.
const DefaultNamespace = ".scud"

const (
	loopStateFile = "loop-state.json"
	tuneStateFile = "tune-state.json"
	cancelFile    = "loop-cancel"
	historyFile   = "history.db"
)

var (
	// ErrNoLoopState means no loop was ever started in this namespace.
	ErrNoLoopState = errors.New("no loop state found")
	// ErrNoTuneState means no task is waiting for a tuning decision.
	ErrNoTuneState = errors.New("no tune state found")
	// ErrCorruptState means a state file exists but cannot be used. The
	// file is left untouched for inspection.
	ErrCorruptState = errors.New("corrupt state file")
)

// Store reads and writes the loop's files under <workDir>/<namespace>.
// It has a single writer: the loop controller that owns the namespace.
type Store struct {
	dir string
}

// NewStore creates a Store. An empty namespace uses DefaultNamespace.
func NewStore(workDir, namespace string) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if !filepath.IsAbs(namespace) {
		namespace = filepath.Join(workDir, namespace)
	}
	return &Store{dir: namespace}
}

// Dir returns the namespace directory.
func (s *Store) Dir() string { return s.dir }

// LoopStatePath returns the path of loop-state.json.
func (s *Store) LoopStatePath() string { return filepath.Join(s.dir, loopStateFile) }

// TuneStatePath returns the path of tune-state.json.
func (s *Store) TuneStatePath() string { return filepath.Join(s.dir, tuneStateFile) }

// HistoryPath returns the path of the attempt history database.
func (s *Store) HistoryPath() string { return filepath.Join(s.dir, historyFile) }

// LoadLoopState reads loop-state.json.
func (s *Store) LoadLoopState() (*LoopState, error) {
	var ls LoopState
	if err := s.load(s.LoopStatePath(), &ls); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoLoopState
		}
		return nil, err
	}
	if ls.Version != Version {
		return nil, fmt.Errorf("%w: %s has version %q, want %q", ErrCorruptState, s.LoopStatePath(), ls.Version, Version)
	}
	if ls.Tag == "" {
		return nil, fmt.Errorf("%w: %s has no tag", ErrCorruptState, s.LoopStatePath())
	}
	return &ls, nil
}

// SaveLoopState atomically replaces loop-state.json.
func (s *Store) SaveLoopState(ls *LoopState) error {
	return s.save(s.LoopStatePath(), ls)
}

// LoadTuneState reads tune-state.json.
func (s *Store) LoadTuneState() (*TuneState, error) {
	var ts TuneState
	if err := s.load(s.TuneStatePath(), &ts); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoTuneState
		}
		return nil, err
	}
	for i, a := range ts.Attempts {
		if a.Attempt != i+1 {
			return nil, fmt.Errorf("%w: %s attempt %d recorded as %d", ErrCorruptState, s.TuneStatePath(), i+1, a.Attempt)
		}
	}
	return &ts, nil
}

// SaveTuneState atomically replaces tune-state.json.
func (s *Store) SaveTuneState(ts *TuneState) error {
	return s.save(s.TuneStatePath(), ts)
}

// ClearTuneState removes tune-state.json. A missing file is not an error.
func (s *Store) ClearTuneState() error {
	if err := os.Remove(s.TuneStatePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing tune state: %w", err)
	}
	return nil
}

// RequestCancel asks a running loop in this namespace to stop at its next
// tick boundary.
func (s *Store) RequestCancel() error {
	return atomicfile.WriteFile(filepath.Join(s.dir, cancelFile), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

// CancelRequested reports whether a cancel request is pending.
func (s *Store) CancelRequested() bool {
	_, err := os.Stat(filepath.Join(s.dir, cancelFile))
	return err == nil
}

// ClearCancel removes a pending cancel request.
func (s *Store) ClearCancel() error {
	if err := os.Remove(filepath.Join(s.dir, cancelFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing cancel request: %w", err)
	}
	return nil
}

func (s *Store) load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	return nil
}

func (s *Store) save(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := atomicfile.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Discard removes the loop and tune state so a new loop can start. The
// history database and task files are kept.
func (s *Store) Discard() error {
	for _, p := range []string{s.LoopStatePath(), s.TuneStatePath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", filepath.Base(p), err)
		}
	}
	return s.ClearCancel()
}

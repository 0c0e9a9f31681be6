package taskgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pyrex41/descartes-sub000/internal/atomicfile"
)

// taskFile is the on-disk document for one tag.
type taskFile struct {
	Tag   string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Tasks []Task `json:"tasks" yaml:"tasks"`
}

// FileStore implements Client over per-tag task files in a directory,
// `<dir>/<tag>.json` or `<dir>/<tag>.yaml`. Waves and readiness are computed
// from the dependency graph on every call, so edits to the file between
// calls are picked up.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the task file used for tag. JSON wins when both exist.
func (s *FileStore) Path(tag string) string {
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		p := filepath.Join(s.dir, tag+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(s.dir, tag+".json")
}

// Stats implements Client.
func (s *FileStore) Stats(_ context.Context, tag string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load(tag)
	if err != nil {
		return Stats{}, err
	}
	return g.Stats(), nil
}

// Waves implements Client.
func (s *FileStore) Waves(_ context.Context, tag string) ([]Wave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load(tag)
	if err != nil {
		return nil, err
	}
	return g.Waves()
}

// NextReadyTask implements Client.
func (s *FileStore) NextReadyTask(_ context.Context, tag string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load(tag)
	if err != nil {
		return nil, err
	}
	return g.NextReady()
}

// Claim implements Client.
func (s *FileStore) Claim(_ context.Context, tag, id string) error {
	return s.setStatus(tag, id, StatusInProgress)
}

// MarkDone implements Client.
func (s *FileStore) MarkDone(_ context.Context, tag, id string) error {
	return s.setStatus(tag, id, StatusDone)
}

// MarkBlocked implements Client.
func (s *FileStore) MarkBlocked(_ context.Context, tag, id string) error {
	return s.setStatus(tag, id, StatusBlocked)
}

// Tasks returns every task for tag in file order.
func (s *FileStore) Tasks(tag string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load(tag)
	if err != nil {
		return nil, err
	}
	return g.Tasks(), nil
}

// Save writes tasks for tag, validating the graph first.
func (s *FileStore) Save(tag string, tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := NewGraph(tasks)
	if err != nil {
		return err
	}
	if _, err := g.Validate(); err != nil {
		return err
	}
	return s.write(tag, s.Path(tag), g)
}

func (s *FileStore) setStatus(tag, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load(tag)
	if err != nil {
		return err
	}
	if err := g.SetStatus(id, status); err != nil {
		return err
	}
	return s.write(tag, s.Path(tag), g)
}

func (s *FileStore) load(tag string) (*Graph, error) {
	path := s.Path(tag)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no task file for tag %q at %s", tag, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc taskFile
	if isYAML(path) {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i := range doc.Tasks {
		if doc.Tasks[i].Status == "" {
			doc.Tasks[i].Status = StatusPending
		}
	}
	return NewGraph(doc.Tasks)
}

func (s *FileStore) write(tag, path string, g *Graph) error {
	doc := taskFile{Tag: tag, Tasks: g.Tasks()}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding tasks for %s: %w", tag, err)
	}
	return atomicfile.WriteFile(path, data, 0o644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

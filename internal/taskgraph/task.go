// Package taskgraph is the loop's view of the external task store: task
// fields, wave membership, progress stats, and the narrow status updates the
// loop is allowed to make.
package taskgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Status is a task's lifecycle state as recorded by the task store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
)

// CanTransition reports whether the loop may move a task from one status to
// another. Repeating the current in-progress/done/blocked status is allowed
// so a resumed loop can replay its last write.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusInProgress:
		return from == StatusPending || from == StatusInProgress
	case StatusDone:
		return from == StatusInProgress || from == StatusDone
	case StatusBlocked:
		return from == StatusInProgress || from == StatusBlocked
	}
	return false
}

// Task is a unit of work owned by the task store.
type Task struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title" yaml:"title"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Status       Status   `json:"status" yaml:"status"`
	Complexity   int      `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	DependsOn    []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	TestStrategy string   `json:"test_strategy,omitempty" yaml:"test_strategy,omitempty"`
}

// UnmarshalJSON accepts numeric or string ids, both for the task itself and
// for its dependencies, since task stores differ on the representation.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	var raw struct {
		plain
		ID        json.RawMessage   `json:"id"`
		DependsOn []json.RawMessage `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Task(raw.plain)

	id, err := flexID(raw.ID)
	if err != nil {
		return fmt.Errorf("task id: %w", err)
	}
	t.ID = id

	t.DependsOn = nil
	for _, dep := range raw.DependsOn {
		depID, err := flexID(dep)
		if err != nil {
			return fmt.Errorf("task %s dependency: %w", t.ID, err)
		}
		t.DependsOn = append(t.DependsOn, depID)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	return nil
}

func flexID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("unsupported id %s", raw)
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}

// Wave is a set of tasks whose dependencies are all satisfied by earlier waves.
// Tasks is optional: stores that report member statuses fill it.
type Wave struct {
	Number  int      `json:"number" yaml:"number"`
	TaskIDs []string `json:"task_ids" yaml:"task_ids"`
	Tasks   []Task   `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// PendingIDs returns the members still pending. ok is false when the store
// did not report statuses for the wave.
func (w Wave) PendingIDs() (ids []string, ok bool) {
	if len(w.Tasks) == 0 {
		return nil, len(w.TaskIDs) == 0
	}
	for _, t := range w.Tasks {
		if t.Status == StatusPending {
			ids = append(ids, t.ID)
		}
	}
	return ids, true
}

// Contains reports whether id is a member of the wave.
func (w Wave) Contains(id string) bool {
	for _, tid := range w.TaskIDs {
		if tid == id {
			return true
		}
	}
	return false
}

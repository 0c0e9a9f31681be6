// Package state defines the durable loop records and stores them as JSON
// under the loop's namespace directory. LoopState is the single source of
// truth for resume.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pyrex41/descartes-sub000/internal/specbuilder"
	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
	"github.com/pyrex41/descartes-sub000/internal/verdict"
)

// Version is written into every LoopState. Files with another version are
// rejected as corrupt.
const Version = "1.0"

// Status is the loop controller's state.
type Status string

const (
	StatusIdle                 Status = "idle"
	StatusRunning              Status = "running"
	StatusCompleted            Status = "completed"
	StatusMaxIterationsReached Status = "max_iterations_reached"
	StatusAwaitingHumanTune    Status = "awaiting_human_tune"
	StatusCancelled            Status = "cancelled"
)

// Terminal reports whether the loop has stopped in s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusMaxIterationsReached, StatusAwaitingHumanTune, StatusCancelled:
		return true
	}
	return false
}

// Options are the effective loop options, recorded so resume runs with the
// same settings as start.
type Options struct {
	Tag             string             `json:"tag"`
	WorkDir         string             `json:"work_dir"`
	VerifyCommand   string             `json:"verify_command,omitempty"`
	MaxIterations   int                `json:"max_iterations"`
	TuneEnabled     bool               `json:"tune_enabled"`
	MaxTuneAttempts int                `json:"max_tune_attempts"`
	TuneIncludeDiff bool               `json:"tune_include_diff"`
	AutoCommit      bool               `json:"auto_commit"`
	Concurrency     int                `json:"concurrency"`
	AgentTimeout    time.Duration      `json:"agent_timeout,omitempty"`
	VerifyTimeout   time.Duration      `json:"verify_timeout,omitempty"`
	Spec            specbuilder.Config `json:"spec"`
}

// WaveCommit records the checkpoint taken when a wave was exhausted.
// Commit is empty when nothing changed or commits are disabled.
type WaveCommit struct {
	Wave           int       `json:"wave"`
	Commit         string    `json:"commit,omitempty"`
	TasksCompleted []string  `json:"tasks_completed"`
	Timestamp      time.Time `json:"timestamp"`
}

// BlockedTask is a task the loop gave up on. It does not stop the loop.
type BlockedTask struct {
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	BlockedAt time.Time `json:"blocked_at"`
}

// LoopState is the persisted state of one loop run.
type LoopState struct {
	Version        string          `json:"version"`
	RunID          string          `json:"run_id"`
	Tag            string          `json:"tag"`
	Status         Status          `json:"status"`
	CurrentWave    int             `json:"current_wave"`
	TotalWaves     int             `json:"total_waves"`
	TasksCompleted int             `json:"tasks_completed"`
	TasksTotal     int             `json:"tasks_total"`
	IterationCount int             `json:"iteration_count"`
	WaveCommits    []WaveCommit    `json:"wave_commits"`
	BlockedTasks   []BlockedTask   `json:"blocked_tasks"`
	InFlight       *taskgraph.Task `json:"in_flight,omitempty"`
	AwaitingTune   string          `json:"awaiting_tune,omitempty"`
	ExitReason     string          `json:"exit_reason,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	Options        Options         `json:"options"`

	// Batch holds the claimed tasks of a concurrent batch until it finishes.
	Batch []taskgraph.Task `json:"batch,omitempty"`
	// PendingCheckpoint lists tasks completed in the current wave since
	// its last checkpoint.
	PendingCheckpoint []string `json:"pending_checkpoint,omitempty"`
}

// NewLoopState creates the idle state for a fresh run.
func NewLoopState(opts Options, now time.Time) *LoopState {
	return &LoopState{
		Version:        Version,
		RunID:          NewRunID(now),
		Tag:            opts.Tag,
		Status:         StatusIdle,
		CurrentWave:    1,
		WaveCommits:    []WaveCommit{},
		BlockedTasks:   []BlockedTask{},
		StartedAt:      now,
		LastActivityAt: now,
		Options:        opts,
	}
}

// NewRunID returns an id of the form run-20060102-150405-1a2b3c4d.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

// Clone returns a deep copy, used for snapshots handed to callers.
func (s *LoopState) Clone() *LoopState {
	if s == nil {
		return nil
	}
	c := *s
	c.WaveCommits = make([]WaveCommit, len(s.WaveCommits))
	for i, wc := range s.WaveCommits {
		wc.TasksCompleted = append([]string(nil), wc.TasksCompleted...)
		c.WaveCommits[i] = wc
	}
	c.BlockedTasks = append([]BlockedTask{}, s.BlockedTasks...)
	if s.InFlight != nil {
		t := *s.InFlight
		t.DependsOn = append([]string(nil), s.InFlight.DependsOn...)
		c.InFlight = &t
	}
	if s.Batch != nil {
		c.Batch = make([]taskgraph.Task, len(s.Batch))
		for i, t := range s.Batch {
			t.DependsOn = append([]string(nil), t.DependsOn...)
			c.Batch[i] = t
		}
	}
	c.PendingCheckpoint = append([]string(nil), s.PendingCheckpoint...)
	c.Options.Spec.AdditionalSpecs = append([]string(nil), s.Options.Spec.AdditionalSpecs...)
	return &c
}

// IsBlocked reports whether taskID was recorded as blocked.
func (s *LoopState) IsBlocked(taskID string) bool {
	for _, b := range s.BlockedTasks {
		if b.TaskID == taskID {
			return true
		}
	}
	return false
}

// LastCommittedWave returns the highest wave with a recorded checkpoint, or 0.
func (s *LoopState) LastCommittedWave() int {
	n := 0
	for _, wc := range s.WaveCommits {
		if wc.Wave > n {
			n = wc.Wave
		}
	}
	return n
}

// TaskAttempt is one execution of a task. It is never modified after it is
// appended.
type TaskAttempt struct {
	Attempt      int             `json:"attempt"`
	Prompt       string          `json:"prompt"`
	Output       string          `json:"output"`
	Verdict      verdict.Verdict `json:"verdict"`
	VerifyPassed bool            `json:"verify_passed"`
	VerifyStdout string          `json:"verify_stdout,omitempty"`
	VerifyStderr string          `json:"verify_stderr,omitempty"`
	Diff         string          `json:"diff,omitempty"`
	Refinement   string          `json:"refinement,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Succeeded reports whether the attempt completed the task: the agent did
// not declare itself blocked and verification passed.
func (a TaskAttempt) Succeeded() bool {
	return a.VerifyPassed && a.Verdict.Kind != verdict.Blocked
}

// TuneState holds every variant tried for a task whose retry budget ran out,
// plus the human's choice for the next attempt.
type TuneState struct {
	TaskID          string        `json:"task_id"`
	TaskTitle       string        `json:"task_title"`
	Attempts        []TaskAttempt `json:"attempts"`
	SelectedVariant *int          `json:"selected_variant,omitempty"`
	CustomPrompt    *string       `json:"custom_prompt,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// HasSelection reports whether a human chose how to continue.
func (t *TuneState) HasSelection() bool {
	return t.SelectedVariant != nil || t.CustomPrompt != nil
}

// Select marks attempt n (1-indexed) as the prompt for the next attempt.
func (t *TuneState) Select(n int) error {
	if n < 1 || n > len(t.Attempts) {
		return fmt.Errorf("variant %d out of range 1..%d", n, len(t.Attempts))
	}
	t.SelectedVariant = &n
	t.CustomPrompt = nil
	return nil
}

// SetCustomPrompt replaces any selection with a prompt written by a human.
func (t *TuneState) SetCustomPrompt(prompt string) error {
	if prompt == "" {
		return fmt.Errorf("custom prompt is empty")
	}
	t.CustomPrompt = &prompt
	t.SelectedVariant = nil
	return nil
}

// ClearSelection drops the human's choice so the loop pauses again.
func (t *TuneState) ClearSelection() {
	t.SelectedVariant = nil
	t.CustomPrompt = nil
}

// NextPrompt returns the prompt chosen for the next attempt.
func (t *TuneState) NextPrompt() (string, bool) {
	switch {
	case t.CustomPrompt != nil:
		return *t.CustomPrompt, true
	case t.SelectedVariant != nil:
		n := *t.SelectedVariant
		if n < 1 || n > len(t.Attempts) {
			return "", false
		}
		return t.Attempts[n-1].Prompt, true
	}
	return "", false
}

// NextAttemptNumber is the number the next appended attempt must carry.
func (t *TuneState) NextAttemptNumber() int {
	return len(t.Attempts) + 1
}

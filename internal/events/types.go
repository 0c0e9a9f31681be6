package events

import (
	"time"

	"github.com/pyrex41/descartes-sub000/internal/taskgraph"
	"github.com/pyrex41/descartes-sub000/internal/verdict"
)

// Event is the base interface for all events.
type Event interface {
	Topic() string
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicLoop = "loop"
	TopicTask = "task"
	TopicWave = "wave"
)

// Event type constants
const (
	EventTypeLoopStatus       = "loop.status"
	EventTypeLoopProgress     = "loop.progress"
	EventTypeTaskStarted      = "task.started"
	EventTypeTaskAttempt      = "task.attempt"
	EventTypeTaskRefined      = "task.refined"
	EventTypeTaskCompleted    = "task.completed"
	EventTypeTaskBlocked      = "task.blocked"
	EventTypeTaskAwaitingTune = "task.awaiting_tune"
	EventTypeTaskMerged       = "task.merged"
	EventTypeWaveCompleted    = "wave.completed"
)

// LoopStatusEvent is published on every controller state change.
type LoopStatusEvent struct {
	RunID     string
	Tag       string
	Status    string
	Reason    string
	Timestamp time.Time
}

func (e LoopStatusEvent) Topic() string     { return TopicLoop }
func (e LoopStatusEvent) EventType() string { return EventTypeLoopStatus }
func (e LoopStatusEvent) TaskID() string    { return "" }

// LoopProgressEvent reports task store stats after each tick.
type LoopProgressEvent struct {
	Stats     taskgraph.Stats
	Wave      int
	Iteration int
	Timestamp time.Time
}

func (e LoopProgressEvent) Topic() string     { return TopicLoop }
func (e LoopProgressEvent) EventType() string { return EventTypeLoopProgress }
func (e LoopProgressEvent) TaskID() string    { return "" }

// TaskStartedEvent is published when a task is claimed.
type TaskStartedEvent struct {
	ID        string
	Title     string
	Wave      int
	Timestamp time.Time
}

func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskAttemptEvent is published after each attempt is classified and verified.
type TaskAttemptEvent struct {
	ID           string
	Attempt      int
	Verdict      verdict.Verdict
	VerifyPassed bool
	Duration     time.Duration
	Timestamp    time.Time
}

func (e TaskAttemptEvent) Topic() string     { return TopicTask }
func (e TaskAttemptEvent) EventType() string { return EventTypeTaskAttempt }
func (e TaskAttemptEvent) TaskID() string    { return e.ID }

// TaskRefinedEvent is published when the tuner produced guidance.
type TaskRefinedEvent struct {
	ID         string
	Attempt    int
	Refinement string
	Timestamp  time.Time
}

func (e TaskRefinedEvent) Topic() string     { return TopicTask }
func (e TaskRefinedEvent) EventType() string { return EventTypeTaskRefined }
func (e TaskRefinedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task is marked done.
type TaskCompletedEvent struct {
	ID        string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskBlockedEvent is published when a task is marked blocked.
type TaskBlockedEvent struct {
	ID        string
	Reason    string
	Attempts  int
	Timestamp time.Time
}

func (e TaskBlockedEvent) Topic() string     { return TopicTask }
func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) TaskID() string    { return e.ID }

// TaskAwaitingTuneEvent is published when a task exhausts its retry budget.
type TaskAwaitingTuneEvent struct {
	ID        string
	Attempts  int
	Timestamp time.Time
}

func (e TaskAwaitingTuneEvent) Topic() string     { return TopicTask }
func (e TaskAwaitingTuneEvent) EventType() string { return EventTypeTaskAwaitingTune }
func (e TaskAwaitingTuneEvent) TaskID() string    { return e.ID }

// TaskMergedEvent is published when a task's worktree changes are applied.
type TaskMergedEvent struct {
	ID            string
	Applied       bool
	ConflictFiles []string
	Timestamp     time.Time
}

func (e TaskMergedEvent) Topic() string     { return TopicTask }
func (e TaskMergedEvent) EventType() string { return EventTypeTaskMerged }
func (e TaskMergedEvent) TaskID() string    { return e.ID }

// WaveCompletedEvent is published after a wave's checkpoint.
type WaveCompletedEvent struct {
	Wave      int
	Commit    string
	Tasks     []string
	Timestamp time.Time
}

func (e WaveCompletedEvent) Topic() string     { return TopicWave }
func (e WaveCompletedEvent) EventType() string { return EventTypeWaveCompleted }
func (e WaveCompletedEvent) TaskID() string    { return "" }

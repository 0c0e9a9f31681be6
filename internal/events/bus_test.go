package events

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

// TestPublishSubscribe verifies events reach subscribers of their topic.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TaskStartedEvent{ID: "task-1", Title: "Schema", Wave: 1, Timestamp: time.Now()})

	received := receive(t, ch)
	if received.TaskID() != "task-1" {
		t.Errorf("expected task ID 'task-1', got '%s'", received.TaskID())
	}
	if received.EventType() != EventTypeTaskStarted {
		t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)
	bus.Publish(TaskCompletedEvent{ID: "task-2", Attempts: 1, Timestamp: time.Now()})

	for i, ch := range []<-chan Event{ch1, ch2} {
		if got := receive(t, ch).TaskID(); got != "task-2" {
			t.Errorf("subscriber %d: expected task ID 'task-2', got '%s'", i+1, got)
		}
	}
}

// TestNonBlockingSend verifies a full subscriber does not stall the publisher.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TaskBlockedEvent{ID: "task-3", Reason: "disk full"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("expected 1 buffered event, got %d", len(ch))
	}
	if got := bus.Dropped(); got != 9 {
		t.Errorf("expected 9 dropped deliveries, got %d", got)
	}
}

// TestTopicsAreSeparate verifies subscribers only see their topic.
func TestTopicsAreSeparate(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	waveCh := bus.Subscribe(TopicWave, 10)

	bus.Publish(TaskStartedEvent{ID: "1"})
	bus.Publish(WaveCompletedEvent{Wave: 1, Commit: "abc"})

	if got := receive(t, taskCh).EventType(); got != EventTypeTaskStarted {
		t.Errorf("task subscriber got %s", got)
	}
	if got := receive(t, waveCh).EventType(); got != EventTypeWaveCompleted {
		t.Errorf("wave subscriber got %s", got)
	}
	if len(taskCh) != 0 || len(waveCh) != 0 {
		t.Error("events leaked across topics")
	}
}

// TestSubscribeAll verifies SubscribeAll receives events from every topic.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(20)
	bus.Publish(LoopStatusEvent{Tag: "demo", Status: "running"})
	bus.Publish(TaskStartedEvent{ID: "1"})
	bus.Publish(WaveCompletedEvent{Wave: 1})

	want := []string{EventTypeLoopStatus, EventTypeTaskStarted, EventTypeWaveCompleted}
	for _, w := range want {
		if got := receive(t, all).EventType(); got != w {
			t.Errorf("expected %s, got %s", w, got)
		}
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes channels
// and that publishing afterwards is harmless.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicLoop, 10)
	all := bus.SubscribeAll(10)

	bus.Close()
	bus.Close()
	bus.Publish(LoopStatusEvent{Status: "cancelled"})

	if _, ok := <-ch; ok {
		t.Error("expected topic channel to be closed")
	}
	if _, ok := <-all; ok {
		t.Error("expected all-topics channel to be closed")
	}

	late := bus.Subscribe(TopicLoop, 1)
	if _, ok := <-late; ok {
		t.Error("expected subscription after close to be closed")
	}
}

// TestNilBus verifies a nil bus drops events.
func TestNilBus(t *testing.T) {
	var bus *EventBus
	bus.Publish(TaskStartedEvent{ID: "1"})
	bus.Close()
	if bus.Dropped() != 0 {
		t.Error("expected a nil bus to report no drops")
	}
}

package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	bus.Publish(TaskStartedEvent{ID: "task-1", AgentID: "agent-a", Attempt: 1, Timestamp: time.Now()})

	received := receive(t, ch)
	assert.Equal(t, "task-1", received.TaskID())
	assert.Equal(t, EventTypeTaskStarted, received.EventType())
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TaskCompletedEvent{ID: "task-2", Result: "ok", Duration: time.Millisecond})

	for _, ch := range []<-chan Event{ch1, ch2} {
		assert.Equal(t, "task-2", receive(t, ch).TaskID())
	}
}

func TestTopicRouting(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	resCh := bus.Subscribe(TopicResource, 10)

	bus.Publish(ResourceAcquiredEvent{ResourceID: "r1", AgentID: "a"})

	assert.Equal(t, EventTypeResourceAcquired, receive(t, resCh).EventType())
	select {
	case e := <-taskCh:
		t.Fatalf("task subscriber received %s", e.EventType())
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)
	bus.Publish(AgentSpawnedEvent{AgentID: "a"})
	bus.Publish(DeadlockDetectedEvent{Agents: []string{"a", "b"}})

	assert.Equal(t, EventTypeAgentSpawned, receive(t, all).EventType())
	assert.Equal(t, EventTypeDeadlockDetected, receive(t, all).EventType())
}

func TestNonBlockingPublishCountsDrops(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_ = bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(TaskCreatedEvent{ID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Equal(t, int64(4), bus.Dropped())
}

func TestSubscribeAllQueuedNeverDrops(t *testing.T) {
	bus := NewBus()
	lossy := bus.SubscribeAll(1)
	ch, stop := bus.SubscribeAllQueued()

	const n = 5000
	for i := 0; i < n; i++ {
		bus.Publish(MessageSentEvent{MessageID: fmt.Sprint(i)})
	}
	bus.Publish(AgentTerminatedEvent{AgentID: "a"})
	stop()
	stop()

	var got []Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, n+1)
	assert.Equal(t, "0", got[0].(MessageSentEvent).MessageID)
	assert.Equal(t, "a", got[n].(AgentTerminatedEvent).AgentID)
	assert.Positive(t, bus.Dropped(), "buffered subscriber overflowed")

	bus.Publish(TaskCreatedEvent{ID: "late"})
	assert.Len(t, lossy, 1)
}

func TestSubscribeAllQueuedClosedByBus(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.SubscribeAllQueued()
	bus.Publish(TaskCreatedEvent{ID: "t1"})
	bus.Close()

	e, ok := <-ch
	require.True(t, ok, "backlog is delivered before close")
	assert.Equal(t, "t1", e.TaskID())
	_, ok = <-ch
	assert.False(t, ok)

	late, stop := bus.SubscribeAllQueued()
	stop()
	_, ok = <-late
	assert.False(t, ok)
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 1)
	all := bus.SubscribeAll(1)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	// Subscribing and publishing after close is harmless.
	late := bus.Subscribe(TopicTask, 1)
	_, ok = <-late
	assert.False(t, ok)
	bus.Publish(TaskCreatedEvent{ID: "x"})
}

func TestTopicOf(t *testing.T) {
	assert.Equal(t, TopicTask, TopicOf(TaskCancelledEvent{}))
	assert.Equal(t, TopicWorkStealing, TopicOf(StealRequestEvent{}))
	assert.Equal(t, TopicConflict, TopicOf(ConflictResolvedEvent{}))
	assert.Equal(t, TopicMessage, TopicOf(MessageSentEvent{}))
}

func TestConflictEventTaskID(t *testing.T) {
	assert.Equal(t, "t1", ConflictReportedEvent{Kind: "task", Subject: "t1"}.TaskID())
	assert.Equal(t, "", ConflictReportedEvent{Kind: "resource", Subject: "r1"}.TaskID())
}

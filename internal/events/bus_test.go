package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Event, max int, wait time.Duration) []Event {
	var out []Event
	timeout := time.After(wait)
	for len(out) < max {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
	return out
}

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe(TypeTaskDispatched)
	bus.Publish(NewTaskDispatchedEvent("m-1", "TASK-001", "CODER", 0))
	bus.Publish(NewWaveScheduledEvent("m-1", 1, []string{"TASK-001"})) // filtered out

	got := drain(ch, 2, 100*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, TypeTaskDispatched, got[0].EventType())
	assert.Equal(t, "m-1", got[0].MissionID())
}

func TestEventBus_MissionFilter(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.SubscribeForMission("m-1")
	bus.Publish(NewTaskDispatchedEvent("m-1", "TASK-001", "CODER", 0))
	bus.Publish(NewTaskDispatchedEvent("m-2", "TASK-001", "CODER", 0))

	got := drain(ch, 2, 100*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, "m-1", got[0].MissionID())
}

func TestEventBus_RingBufferDropsOldest(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	ch := bus.Subscribe()
	for i := 0; i < 5; i++ {
		bus.Publish(NewWaveScheduledEvent("m-1", i, nil))
	}

	got := drain(ch, 5, 100*time.Millisecond)
	require.Len(t, got, 2, "buffer keeps only the newest events")
	assert.Equal(t, 3, got[0].(WaveScheduledEvent).WaveCount)
	assert.Equal(t, 4, got[1].(WaveScheduledEvent).WaveCount)
	assert.Equal(t, int64(3), bus.DroppedCount())
}

func TestEventBus_PriorityNeverDrops(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	ch := bus.SubscribePriority("", TypeMissionCompleted)
	done := make(chan struct{})
	var got []Event
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			got = append(got, <-ch)
		}
	}()

	for i := 0; i < 3; i++ {
		bus.PublishPriority(NewMissionCompletedEvent("m-1", "COMPLETED", 1, 0))
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("priority events not delivered")
	}
	assert.Len(t, got, 3)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := New(10)
	defer bus.Close()

	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel is closed")
}

func TestEventBus_CloseIsIdempotent(t *testing.T) {
	bus := New(10)
	ch := bus.Subscribe()
	bus.Close()
	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after close is a no-op.
	bus.Publish(NewWaveScheduledEvent("m-1", 1, nil))

	sub := bus.Subscribe()
	_, open = <-sub
	assert.False(t, open, "subscribing after close returns a closed channel")
}

func TestEventConstructors(t *testing.T) {
	ev := NewQualityGateDecidedEvent("m-1", "TASK-001", false, "RETRY", "tests failed")
	assert.Equal(t, TypeQualityGateDecided, ev.EventType())
	assert.Equal(t, "m-1", ev.MissionID())
	assert.Equal(t, "TASK-001", ev.TaskID)
	assert.False(t, ev.Granted)
	assert.Equal(t, "RETRY", ev.Strategy)
	assert.WithinDuration(t, time.Now(), ev.Timestamp(), time.Second)

	completed := NewMissionCompletedEvent("m-1", "COMPLETED", 3, 0)
	assert.Equal(t, TypeMissionCompleted, completed.EventType())
	assert.Equal(t, 3, completed.TasksCompleted)

	osc := NewOscillationDetectedEvent("m-1", 9)
	assert.Equal(t, TypeOscillationDetected, osc.EventType())
	assert.Equal(t, 9, osc.WaveCount)

	dep := NewDeploymentSucceededEvent("m-1", "TASK-004", "app.apps.example.com")
	assert.Equal(t, TypeDeploymentSucceeded, dep.EventType())
	assert.Equal(t, "app.apps.example.com", dep.URL)
}

func TestInMemoryMetrics(t *testing.T) {
	sink := NewInMemoryMetrics()
	sink.IncrCounter(MetricDispatchTotal, map[string]string{"agent": "CODER"})
	sink.IncrCounter(MetricDispatchTotal, map[string]string{"agent": "CODER"})
	sink.IncrCounter(MetricDispatchTotal, map[string]string{"agent": "TESTER"})
	sink.ObserveTiming(MetricTaskElapsedMS, map[string]string{"agent": "CODER"}, 250*time.Millisecond)

	assert.Equal(t, int64(2), sink.Counter(MetricDispatchTotal, map[string]string{"agent": "CODER"}))
	assert.Equal(t, int64(1), sink.Counter(MetricDispatchTotal, map[string]string{"agent": "TESTER"}))
	assert.Len(t, sink.Timings(MetricTaskElapsedMS, map[string]string{"agent": "CODER"}), 1)

	snap := sink.Snapshot()
	assert.Equal(t, int64(2), snap["dispatch_total{agent=CODER}"])
}

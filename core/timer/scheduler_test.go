package timer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/core/bus"
	"github.com/flowmata/flowmata/core/state"
)

// eventSink records published timer events
type eventSink struct {
	mu     sync.Mutex
	events []bus.TimerTriggeredEvent
	bus    *bus.MemoryBus
}

func newEventSink(t *testing.T) *eventSink {
	t.Helper()
	sink := &eventSink{bus: bus.NewMemoryBus()}
	err := sink.bus.Subscribe(context.Background(), bus.TopicTimerTriggered, bus.QueueTimerExecution,
		func(_ context.Context, payload []byte) error {
			var event bus.TimerTriggeredEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return err
			}
			sink.mu.Lock()
			sink.events = append(sink.events, event)
			sink.mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	return sink
}

func (s *eventSink) fired() []bus.TimerTriggeredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.TimerTriggeredEvent(nil), s.events...)
}

func armedRecord(id string, fireAt time.Time) state.TimerRecord {
	return state.TimerRecord{
		ID:           id,
		InstanceID:   "inst-" + id,
		DefinitionID: "def-1",
		NodeID:       "wait",
		Definition:   "PT1M",
		FireAt:       fireAt,
		State:        state.TimerArmed,
	}
}

func TestFireClaimsAndPublishesOnce(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newEventSink(t)
	s := NewScheduler(store, sink.bus, logger.New("error", "json"))
	ctx := context.Background()

	require.NoError(t, store.PutTimer(ctx, armedRecord("t1", time.Now().Add(-time.Minute))))

	require.NoError(t, s.fire(ctx, "t1"))
	// A concurrent scheduler firing the same record loses the CAS.
	require.NoError(t, s.fire(ctx, "t1"))

	events := sink.fired()
	require.Len(t, events, 1)
	assert.Equal(t, "t1", events[0].TimerID)
	assert.Equal(t, "inst-t1", events[0].InstanceID)
	assert.Equal(t, "wait", events[0].NodeID)
}

func TestCrashRecoveryFiresPastDueInOrder(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newEventSink(t)
	s := NewScheduler(store, sink.bus, logger.New("error", "json"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Now()
	require.NoError(t, store.PutTimer(ctx, armedRecord("late", now.Add(-time.Minute))))
	require.NoError(t, store.PutTimer(ctx, armedRecord("later", now.Add(-2*time.Minute))))
	require.NoError(t, store.PutTimer(ctx, armedRecord("future", now.Add(time.Hour))))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(sink.fired()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	events := sink.fired()
	assert.Equal(t, "later", events[0].TimerID)
	assert.Equal(t, "late", events[1].TimerID)

	// The future timer stays armed.
	armed, err := store.ArmedTimers(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.Equal(t, "future", armed[0].ID)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestCycleTimerRearmsWithDecrementedRemaining(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newEventSink(t)
	s := NewScheduler(store, sink.bus, logger.New("error", "json"))
	ctx := context.Background()

	rec := armedRecord("cycle", time.Now().Add(-time.Second))
	rec.Definition = "R3/PT10M"
	rec.Remaining = 2
	require.NoError(t, store.PutTimer(ctx, rec))

	require.NoError(t, s.fire(ctx, "cycle"))

	armed, err := store.ArmedTimers(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.Equal(t, 1, armed[0].Remaining)
	assert.Equal(t, "inst-cycle", armed[0].InstanceID)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), armed[0].FireAt, time.Minute)
}

func TestStartEventCycleRearmsWithFreshInstanceID(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newEventSink(t)
	s := NewScheduler(store, sink.bus, logger.New("error", "json"))
	ctx := context.Background()

	rec := armedRecord("nightly", time.Now().Add(-time.Second))
	rec.Definition = "R/P1D"
	rec.Remaining = -1
	rec.StartEvent = true
	require.NoError(t, store.PutTimer(ctx, rec))

	require.NoError(t, s.fire(ctx, "nightly"))

	armed, err := store.ArmedTimers(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.True(t, armed[0].StartEvent)
	assert.Equal(t, -1, armed[0].Remaining)
	// The next repetition launches its own instance.
	assert.NotEqual(t, rec.InstanceID, armed[0].InstanceID)
	assert.NotEmpty(t, armed[0].InstanceID)
}

func TestLastCycleRepetitionDoesNotRearm(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newEventSink(t)
	s := NewScheduler(store, sink.bus, logger.New("error", "json"))
	ctx := context.Background()

	rec := armedRecord("cycle", time.Now().Add(-time.Second))
	rec.Definition = "R1/PT10M"
	rec.Remaining = 0
	require.NoError(t, store.PutTimer(ctx, rec))

	require.NoError(t, s.fire(ctx, "cycle"))

	armed, err := store.ArmedTimers(ctx)
	require.NoError(t, err)
	assert.Empty(t, armed)
}

func TestCancelRevokesArmedTimer(t *testing.T) {
	store := state.NewMemoryStore()
	sink := newEventSink(t)
	s := NewScheduler(store, sink.bus, logger.New("error", "json"))
	ctx := context.Background()

	require.NoError(t, store.PutTimer(ctx, armedRecord("t1", time.Now().Add(time.Hour))))

	ok, err := s.Cancel(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Cancelled timers never fire.
	require.NoError(t, s.fire(ctx, "t1"))
	assert.Empty(t, sink.fired())
}

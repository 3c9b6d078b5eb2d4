package timer

import (
	"container/heap"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/core/bus"
	"github.com/flowmata/flowmata/core/state"
)

// pollInterval bounds how long the scheduler sleeps without consulting
// the store, so a missed wake-up signal only delays firing.
const pollInterval = 30 * time.Second

// entry is one armed timer in the scheduler's wake-up heap
type entry struct {
	id     string
	fireAt time.Time
}

type fireHeap []entry

func (h fireHeap) Len() int            { return len(h) }
func (h fireHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h fireHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *fireHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Scheduler fires persisted timer records. The store is authoritative:
// firing CAS-transitions the record armed -> fired, so concurrent
// schedulers fire each timer exactly once. The in-memory heap only
// decides when to wake up.
type Scheduler struct {
	store state.Store
	bus   bus.Bus
	log   *logger.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(store state.Store, eventBus bus.Bus, log *logger.Logger) *Scheduler {
	return &Scheduler{store: store, bus: eventBus, log: log}
}

// Run recovers armed timers, then fires them as they come due until
// ctx ends. Past-due timers found at startup fire immediately in fire
// time order.
func (s *Scheduler) Run(ctx context.Context) error {
	wake, err := s.store.WatchTimers(ctx)
	if err != nil {
		return err
	}

	pending := &fireHeap{}
	if err := s.reload(ctx, pending); err != nil {
		return err
	}
	s.log.Info("timer scheduler started", "armed", pending.Len())

	for {
		if err := s.fireDue(ctx, pending); err != nil {
			s.log.Error("firing due timers failed", "error", err)
		}

		sleep := pollInterval
		if pending.Len() > 0 {
			until := time.Until((*pending)[0].fireAt)
			if until < sleep {
				sleep = until
			}
			if sleep < 0 {
				sleep = 0
			}
		}

		timerC := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timerC.Stop()
			return ctx.Err()
		case <-timerC.C:
			if err := s.reload(ctx, pending); err != nil {
				s.log.Error("reloading armed timers failed", "error", err)
			}
		case _, ok := <-wake:
			timerC.Stop()
			if !ok {
				return ctx.Err()
			}
			if err := s.reload(ctx, pending); err != nil {
				s.log.Error("reloading armed timers failed", "error", err)
			}
		}
	}
}

// reload rebuilds the heap from the store's armed set
func (s *Scheduler) reload(ctx context.Context, pending *fireHeap) error {
	recs, err := s.store.ArmedTimers(ctx)
	if err != nil {
		return err
	}
	*pending = (*pending)[:0]
	for _, rec := range recs {
		heap.Push(pending, entry{id: rec.ID, fireAt: rec.FireAt})
	}
	return nil
}

// fireDue pops and fires every entry whose fire time has passed
func (s *Scheduler) fireDue(ctx context.Context, pending *fireHeap) error {
	now := time.Now().UTC()
	for pending.Len() > 0 && !(*pending)[0].fireAt.After(now) {
		e := heap.Pop(pending).(entry)
		if err := s.fire(ctx, e.id); err != nil {
			return err
		}
	}
	return nil
}

// fire claims and publishes one timer. Losing the CAS means another
// scheduler (or an earlier crash-recovered run) already fired it.
func (s *Scheduler) fire(ctx context.Context, id string) error {
	won, err := s.store.MarkTimerFired(ctx, id)
	if err != nil {
		return err
	}
	if !won {
		s.log.Debug("timer already claimed", "timer_id", id)
		return nil
	}

	rec, err := s.store.GetTimer(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	event := bus.TimerTriggeredEvent{
		TimerID:      rec.ID,
		InstanceID:   rec.InstanceID,
		DefinitionID: rec.DefinitionID,
		NodeID:       rec.NodeID,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.bus.Publish(ctx, bus.TopicTimerTriggered, event); err != nil {
		return err
	}
	s.log.Info("timer fired",
		"timer_id", rec.ID, "instance_id", rec.InstanceID, "node_id", rec.NodeID)

	return s.rearm(ctx, *rec)
}

// rearm schedules the next repetition of a cycle timer
func (s *Scheduler) rearm(ctx context.Context, rec state.TimerRecord) error {
	if rec.Remaining == 0 {
		return nil
	}
	def, err := Parse(rec.Definition)
	if err != nil || def.Kind != KindCycle {
		return err
	}

	next := rec
	next.ID = uuid.New().String()
	if rec.StartEvent {
		// Each repetition of a timer start event launches a fresh
		// instance.
		next.InstanceID = uuid.New().String()
	}
	next.FireAt = time.Now().UTC().Add(def.Interval)
	next.State = state.TimerArmed
	if next.Remaining > 0 {
		next.Remaining--
	}
	if err := s.store.PutTimer(ctx, next); err != nil {
		return err
	}
	s.log.Debug("cycle timer re-armed",
		"timer_id", next.ID, "fire_at", next.FireAt, "remaining", next.Remaining)
	return nil
}

// Cancel revokes an armed timer; false means it already fired or was
// cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	return s.store.CancelTimer(ctx, id)
}

// Package dispatch consumes bus events and drives execution: one
// handler per topic, per-instance locking, and bounded retries for
// transient store failures.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/core/bpmn"
	"github.com/flowmata/flowmata/core/bus"
	"github.com/flowmata/flowmata/core/engine"
	"github.com/flowmata/flowmata/core/instance"
	"github.com/flowmata/flowmata/core/state"
)

// lockTTL caps how long a crashed worker can hold an instance
const lockTTL = 30 * time.Second

// Dispatcher wires bus topics to the executor
type Dispatcher struct {
	manager    *instance.Manager
	executor   *engine.Executor
	store      state.Store
	bus        bus.Bus
	locks      *keyedMutex
	maxRetries int
	log        *logger.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(manager *instance.Manager, executor *engine.Executor, store state.Store, eventBus bus.Bus, maxRetries int, log *logger.Logger) *Dispatcher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Dispatcher{
		manager:    manager,
		executor:   executor,
		store:      store,
		bus:        eventBus,
		locks:      newKeyedMutex(),
		maxRetries: maxRetries,
		log:        log,
	}
}

// Register subscribes both execution topics
func (d *Dispatcher) Register(ctx context.Context) error {
	if err := d.bus.Subscribe(ctx, bus.TopicProcessStarted, bus.QueueProcessExecution, d.handleProcessStarted); err != nil {
		return err
	}
	return d.bus.Subscribe(ctx, bus.TopicTimerTriggered, bus.QueueTimerExecution, d.handleTimerTriggered)
}

// handleProcessStarted upserts the instance and runs it. Redeliveries
// are harmless: the upsert and the initial token placement are both
// idempotent, and execution picks up wherever the tokens are.
func (d *Dispatcher) handleProcessStarted(ctx context.Context, payload []byte) error {
	var event bus.ProcessStartedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		// Undecodable payloads would be redelivered forever; drop them.
		d.log.Error("dropping malformed process.started event", "error", err)
		return nil
	}
	if event.InstanceID == "" || event.DefinitionID == "" {
		d.log.Error("dropping process.started event without instance or definition id")
		return nil
	}

	return d.withInstanceLock(ctx, event.InstanceID, func(ctx context.Context) error {
		vars := make(map[string]instance.VariableInput, len(event.Variables))
		for name, tv := range event.Variables {
			vars[name] = instance.VariableInput{Type: tv.Type, Value: tv.Value}
		}

		inst, err := d.manager.UpsertInstance(ctx, event.InstanceID, event.DefinitionID, "", vars)
		if err != nil {
			return d.reject(event.InstanceID, err)
		}
		graph, err := d.manager.GraphFor(ctx, inst.DefinitionID)
		if err != nil {
			return d.reject(event.InstanceID, err)
		}
		return d.execute(ctx, inst.ID, inst.DefinitionID, graph)
	})
}

// handleTimerTriggered resumes a waiting timer token, or, for a timer
// start event, creates the instance and republishes process.started so
// execution flows through the ordinary path.
func (d *Dispatcher) handleTimerTriggered(ctx context.Context, payload []byte) error {
	var event bus.TimerTriggeredEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		d.log.Error("dropping malformed timer event", "error", err)
		return nil
	}
	if event.InstanceID == "" || event.DefinitionID == "" || event.NodeID == "" {
		d.log.Error("dropping timer event without instance, definition or node id")
		return nil
	}

	// A fired timer start event materializes the instance here and
	// republishes process.started once the lock is released, so
	// execution flows through the ordinary consumer.
	republish := false
	err := d.withInstanceLock(ctx, event.InstanceID, func(ctx context.Context) error {
		_, err := d.manager.Get(ctx, event.InstanceID)
		if err == instance.ErrNotFound {
			if _, err := d.manager.UpsertInstance(ctx, event.InstanceID, event.DefinitionID, event.NodeID, nil); err != nil {
				return d.reject(event.InstanceID, err)
			}
			republish = true
			return nil
		}
		if err != nil {
			return err
		}

		graph, err := d.manager.GraphFor(ctx, event.DefinitionID)
		if err != nil {
			return d.reject(event.InstanceID, err)
		}
		err = d.executor.ResumeTimerToken(ctx, event.InstanceID, event.DefinitionID, event.NodeID, graph)
		if errors.Is(err, engine.ErrInstanceGone) {
			return nil
		}
		return err
	})
	if err != nil || !republish {
		return err
	}
	return d.bus.Publish(ctx, bus.TopicProcessStarted, bus.ProcessStartedEvent{
		InstanceID:   event.InstanceID,
		DefinitionID: event.DefinitionID,
		Source:       "timer",
		Timestamp:    time.Now().UTC(),
	})
}

// execute runs the instance, swallowing the termination race
func (d *Dispatcher) execute(ctx context.Context, instanceID, definitionID string, graph *bpmn.Graph) error {
	err := d.executor.ExecuteProcess(ctx, instanceID, definitionID, graph)
	if errors.Is(err, engine.ErrInstanceGone) {
		d.log.Debug("instance gone during execution", "instance_id", instanceID)
		return nil
	}
	return err
}

// withInstanceLock serializes handler work per instance and retries
// transient failures with backoff. Failing to take the cross-process
// lock is itself transient: another worker is on it.
func (d *Dispatcher) withInstanceLock(ctx context.Context, instanceID string, fn func(ctx context.Context) error) error {
	d.locks.Lock(instanceID)
	defer d.locks.Unlock(instanceID)

	return retry.Do(
		func() error {
			acquired, err := d.store.AcquireLock(ctx, instanceID, lockTTL)
			if err != nil {
				return engine.Transient("acquire instance lock", err)
			}
			if !acquired {
				return engine.Transient("acquire instance lock", fmt.Errorf("instance %s locked by another worker", instanceID))
			}
			defer func() {
				if err := d.store.ReleaseLock(ctx, instanceID); err != nil {
					d.log.Warn("releasing instance lock failed", "instance_id", instanceID, "error", err)
				}
			}()
			return fn(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(d.maxRetries)),
		retry.RetryIf(engine.IsTransient),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// reject logs a permanent failure and acks the message; redelivering a
// bad definition or payload cannot succeed.
func (d *Dispatcher) reject(instanceID string, err error) error {
	if engine.IsTransient(err) {
		return err
	}
	d.log.Error("event rejected", "instance_id", instanceID, "error", err)
	return nil
}

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/core/bpmn"
	"github.com/flowmata/flowmata/core/bus"
	"github.com/flowmata/flowmata/core/engine"
	"github.com/flowmata/flowmata/core/instance"
	"github.com/flowmata/flowmata/core/state"
	"github.com/flowmata/flowmata/core/tasks"
	"github.com/flowmata/flowmata/core/timer"
)

const approvalXML = `<?xml version="1.0"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="approval">
    <startEvent id="start"/>
    <serviceTask id="work"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="work"/>
    <sequenceFlow id="f2" sourceRef="work" targetRef="end"/>
  </process>
</definitions>`

const timerStartXML = `<?xml version="1.0"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="nightly">
    <startEvent id="every-night">
      <timerEventDefinition><timeCycle>R/P1D</timeCycle></timerEventDefinition>
    </startEvent>
    <serviceTask id="work"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="every-night" targetRef="work"/>
    <sequenceFlow id="f2" sourceRef="work" targetRef="end"/>
  </process>
</definitions>`

type testRig struct {
	store    *state.MemoryStore
	bus      *bus.MemoryBus
	manager  *instance.Manager
	registry *tasks.Registry
	invoked  *int
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	log := logger.New("error", "json")
	store := state.NewMemoryStore()
	memBus := bus.NewMemoryBus()
	manager := instance.NewManager(instance.NewMemoryRepository(), store, bpmn.NewXMLParser(), log)

	invoked := 0
	registry := tasks.NewRegistry()
	require.NoError(t, registry.Register(tasks.Func{
		TaskName: "work",
		Fn: func(_ context.Context, _ tasks.Context) (*tasks.Result, error) {
			invoked++
			return nil, nil
		},
	}))

	executor := engine.NewExecutor(store, manager, registry, time.Second, log)
	dispatcher := NewDispatcher(manager, executor, store, memBus, 3, log)
	require.NoError(t, dispatcher.Register(context.Background()))

	return &testRig{store: store, bus: memBus, manager: manager, registry: registry, invoked: &invoked}
}

func (r *testRig) deploy(t *testing.T, name, xml string) *instance.Definition {
	t.Helper()
	def, err := r.manager.DeployDefinition(context.Background(), name, xml)
	require.NoError(t, err)
	return def
}

func TestProcessStartedRunsInstanceToCompletion(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	def := rig.deploy(t, "approval", approvalXML)

	err := rig.bus.Publish(ctx, bus.TopicProcessStarted, bus.ProcessStartedEvent{
		InstanceID:   "inst-1",
		DefinitionID: def.ID,
		Variables: map[string]bus.TaggedValue{
			"amount": {Type: "integer", Value: 99},
		},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	inst, err := rig.manager.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, instance.StatusCompleted, inst.Status)
	assert.Equal(t, 1, *rig.invoked)

	vars, err := rig.manager.GetInstanceVariables(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(99), vars["amount"])
}

func TestDuplicateProcessStartedDeliveryIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	def := rig.deploy(t, "approval", approvalXML)

	event := bus.ProcessStartedEvent{InstanceID: "inst-1", DefinitionID: def.ID}
	require.NoError(t, rig.bus.Publish(ctx, bus.TopicProcessStarted, event))
	require.NoError(t, rig.bus.Publish(ctx, bus.TopicProcessStarted, event))

	assert.Equal(t, 1, *rig.invoked)
	inst, err := rig.manager.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, instance.StatusCompleted, inst.Status)
}

func TestMalformedEventIsDroppedNotRedelivered(t *testing.T) {
	rig := newTestRig(t)
	// A handler error would surface through the synchronous test bus.
	require.NoError(t, rig.bus.Publish(context.Background(), bus.TopicProcessStarted, "not-an-event"))
	assert.Equal(t, 0, *rig.invoked)
}

func TestTimerTriggeredStartsInstanceForTimerStartEvent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	def := rig.deploy(t, "nightly", timerStartXML)

	err := rig.bus.Publish(ctx, bus.TopicTimerTriggered, bus.TimerTriggeredEvent{
		TimerID:      "t1",
		InstanceID:   "inst-nightly",
		DefinitionID: def.ID,
		NodeID:       "every-night",
		Timestamp:    time.Now().UTC(),
	})
	require.NoError(t, err)

	// The handler materializes the instance and republishes
	// process.started, which the synchronous bus runs inline.
	inst, err := rig.manager.Get(ctx, "inst-nightly")
	require.NoError(t, err)
	assert.Equal(t, instance.StatusCompleted, inst.Status)
	assert.Equal(t, 1, *rig.invoked)
}

func TestDeployedTimerStartEventFiresAndRunsInstance(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A past timeDate is due immediately on scheduler startup.
	const backfillXML = `<?xml version="1.0"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="backfill">
    <startEvent id="overdue">
      <timerEventDefinition><timeDate>2024-01-01T00:00:00Z</timeDate></timerEventDefinition>
    </startEvent>
    <serviceTask id="work"/>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="overdue" targetRef="work"/>
    <sequenceFlow id="f2" sourceRef="work" targetRef="end"/>
  </process>
</definitions>`
	def := rig.deploy(t, "backfill", backfillXML)

	armed, err := rig.store.ArmedTimers(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	require.Equal(t, def.ID, armed[0].DefinitionID)
	instanceID := armed[0].InstanceID

	sched := timer.NewScheduler(rig.store, rig.bus, logger.New("error", "json"))
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		inst, err := rig.manager.Get(ctx, instanceID)
		return err == nil && inst.Status == instance.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, *rig.invoked)
}

func TestTimerEventWithoutIdentityIsDropped(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.bus.Publish(ctx, bus.TopicTimerTriggered, bus.TimerTriggeredEvent{}))

	assert.Equal(t, 0, *rig.invoked)
	_, err := rig.manager.Get(ctx, "")
	assert.ErrorIs(t, err, instance.ErrNotFound)
}

func TestTimerTriggeredResumesWaitingToken(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	const waitXML = `<?xml version="1.0"?>
<definitions xmlns="http://www.omg.org/spec/BPMN/20100524/MODEL">
  <process id="delayed">
    <startEvent id="start"/>
    <intermediateCatchEvent id="pause">
      <timerEventDefinition><timeDuration>PT1H</timeDuration></timerEventDefinition>
    </intermediateCatchEvent>
    <endEvent id="end"/>
    <sequenceFlow id="f1" sourceRef="start" targetRef="pause"/>
    <sequenceFlow id="f2" sourceRef="pause" targetRef="end"/>
  </process>
</definitions>`
	def := rig.deploy(t, "delayed", waitXML)

	require.NoError(t, rig.bus.Publish(ctx, bus.TopicProcessStarted, bus.ProcessStartedEvent{
		InstanceID: "inst-1", DefinitionID: def.ID,
	}))

	// Parked on the timer node.
	tokens, err := rig.store.GetTokenPositions(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, state.TokenWaiting, tokens[0].State)

	require.NoError(t, rig.bus.Publish(ctx, bus.TopicTimerTriggered, bus.TimerTriggeredEvent{
		InstanceID: "inst-1", DefinitionID: def.ID, NodeID: "pause",
	}))

	inst, err := rig.manager.Get(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, instance.StatusCompleted, inst.Status)
}

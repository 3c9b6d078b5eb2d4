package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/core/bpmn"
	"github.com/flowmata/flowmata/core/state"
	"github.com/flowmata/flowmata/core/tasks"
	"github.com/flowmata/flowmata/core/variables"
)

func testLogger() *logger.Logger {
	return logger.New("error", "json")
}

// fakeLifecycle tracks instance status in memory and reads variables
// straight from the store.
type fakeLifecycle struct {
	mu     sync.Mutex
	store  *state.MemoryStore
	status map[string]string
	errCtx map[string]map[string]interface{}
}

func newFakeLifecycle(store *state.MemoryStore) *fakeLifecycle {
	return &fakeLifecycle{
		store:  store,
		status: map[string]string{},
		errCtx: map[string]map[string]interface{}{},
	}
}

func (f *fakeLifecycle) statusOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.status[id]; ok {
		return s
	}
	return "RUNNING"
}

func (f *fakeLifecycle) set(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = status
}

func (f *fakeLifecycle) IsRunning(_ context.Context, id string) (bool, error) {
	return f.statusOf(id) == "RUNNING", nil
}

func (f *fakeLifecycle) Complete(_ context.Context, id string) error {
	f.set(id, "COMPLETED")
	return nil
}

func (f *fakeLifecycle) SetErrorState(_ context.Context, id string, errCtx map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = "ERROR"
	f.errCtx[id] = errCtx
	return nil
}

func (f *fakeLifecycle) ScopeVariables(ctx context.Context, id, scopeID string) (map[string]interface{}, error) {
	vars, err := f.store.ListVariables(ctx, id)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	for _, v := range vars {
		if v.ScopeID == "" {
			out[v.Name] = v.Value.Native()
		}
	}
	for _, v := range vars {
		if scopeID != "" && v.ScopeID == scopeID {
			out[v.Name] = v.Value.Native()
		}
	}
	return out, nil
}

type fixture struct {
	store     *state.MemoryStore
	lifecycle *fakeLifecycle
	registry  *tasks.Registry
	executor  *Executor
}

func newFixture(t *testing.T, scriptTimeout time.Duration) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	lifecycle := newFakeLifecycle(store)
	registry := tasks.NewRegistry()
	return &fixture{
		store:     store,
		lifecycle: lifecycle,
		registry:  registry,
		executor:  NewExecutor(store, lifecycle, registry, scriptTimeout, testLogger()),
	}
}

func (f *fixture) start(t *testing.T, instanceID, nodeID string) {
	t.Helper()
	require.NoError(t, f.store.AddToken(context.Background(), state.NewToken(instanceID, nodeID)))
}

func (f *fixture) tokens(t *testing.T, instanceID string) []state.Token {
	t.Helper()
	tokens, err := f.store.GetTokenPositions(context.Background(), instanceID)
	require.NoError(t, err)
	return tokens
}

func linearGraph() *bpmn.Graph {
	return &bpmn.Graph{
		Nodes: []bpmn.Node{
			{ID: "start", Type: bpmn.NodeStart},
			{ID: "work", Type: bpmn.NodeTask, Task: bpmn.TaskService},
			{ID: "end", Type: bpmn.NodeEnd},
		},
		Flows: []bpmn.Flow{
			{ID: "f1", Source: "start", Target: "work"},
			{ID: "f2", Source: "work", Target: "end"},
		},
	}
}

func TestLinearProcessRunsToCompletion(t *testing.T) {
	f := newFixture(t, 0)
	invoked := 0
	require.NoError(t, f.registry.Register(tasks.Func{
		TaskName: "work",
		Fn: func(_ context.Context, call tasks.Context) (*tasks.Result, error) {
			invoked++
			return &tasks.Result{Variables: map[string]tasks.TaggedUpdate{
				"result": {Type: "string", Value: "done"},
			}}, nil
		},
	}))

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(context.Background(), "inst-1", "def-1", linearGraph()))

	assert.Equal(t, 1, invoked)
	assert.Equal(t, "COMPLETED", f.lifecycle.statusOf("inst-1"))
	assert.Empty(t, f.tokens(t, "inst-1"))

	v, err := f.store.GetVariable(context.Background(), "inst-1", "result", "", 0)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "done", v.String)
}

func TestTaskFailureMovesInstanceToErrorAndKeepsToken(t *testing.T) {
	f := newFixture(t, 0)
	attempts := 0
	require.NoError(t, f.registry.Register(tasks.Func{
		TaskName: "work",
		Fn: func(_ context.Context, _ tasks.Context) (*tasks.Result, error) {
			attempts++
			if attempts == 1 {
				return nil, fmt.Errorf("downstream unavailable")
			}
			return nil, nil
		},
	}))

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(context.Background(), "inst-1", "def-1", linearGraph()))

	assert.Equal(t, "ERROR", f.lifecycle.statusOf("inst-1"))
	assert.Contains(t, f.lifecycle.errCtx["inst-1"]["error"], "downstream unavailable")

	tokens := f.tokens(t, "inst-1")
	require.Len(t, tokens, 1)
	assert.Equal(t, "work", tokens[0].NodeID)

	// Recovery: back to RUNNING, re-execution retries the same node.
	f.lifecycle.set("inst-1", "RUNNING")
	require.NoError(t, f.executor.ExecuteProcess(context.Background(), "inst-1", "def-1", linearGraph()))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "COMPLETED", f.lifecycle.statusOf("inst-1"))
}

func TestTaskTimeoutMovesInstanceToError(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	require.NoError(t, f.registry.Register(tasks.Func{
		TaskName: "work",
		Fn: func(ctx context.Context, _ tasks.Context) (*tasks.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(context.Background(), "inst-1", "def-1", linearGraph()))
	assert.Equal(t, "ERROR", f.lifecycle.statusOf("inst-1"))
}

func TestUnregisteredTaskMovesInstanceToError(t *testing.T) {
	f := newFixture(t, 0)
	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(context.Background(), "inst-1", "def-1", linearGraph()))
	assert.Equal(t, "ERROR", f.lifecycle.statusOf("inst-1"))
}

func exclusiveGraph() *bpmn.Graph {
	return &bpmn.Graph{
		Nodes: []bpmn.Node{
			{ID: "start", Type: bpmn.NodeStart},
			{ID: "route", Type: bpmn.NodeGateway, Gateway: bpmn.GatewayExclusive},
			{ID: "high", Type: bpmn.NodeEnd},
			{ID: "low", Type: bpmn.NodeEnd},
		},
		Flows: []bpmn.Flow{
			{ID: "f1", Source: "start", Target: "route"},
			{ID: "f2", Source: "route", Target: "high", Condition: "${amount > 1000}"},
			{ID: "f3", Source: "route", Target: "low", Default: true},
		},
	}
}

func TestExclusiveGatewayFollowsMatchingCondition(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.store.SetVariable(ctx, "inst-1", "amount", "", mustValue(t, "integer", 5000))
	require.NoError(t, err)

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(ctx, "inst-1", "def-1", exclusiveGraph()))
	assert.Equal(t, "COMPLETED", f.lifecycle.statusOf("inst-1"))
}

func TestExclusiveGatewayFallsBackToDefault(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.store.SetVariable(ctx, "inst-1", "amount", "", mustValue(t, "integer", 10))
	require.NoError(t, err)

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(ctx, "inst-1", "def-1", exclusiveGraph()))
	assert.Equal(t, "COMPLETED", f.lifecycle.statusOf("inst-1"))
}

func TestExclusiveGatewayWithoutMatchOrDefaultErrors(t *testing.T) {
	g := exclusiveGraph()
	g.Flows[2].Default = false
	g.Flows[2].Condition = "${amount < 0}"

	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.store.SetVariable(ctx, "inst-1", "amount", "", mustValue(t, "integer", 10))
	require.NoError(t, err)

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(ctx, "inst-1", "def-1", g))
	assert.Equal(t, "ERROR", f.lifecycle.statusOf("inst-1"))

	tokens := f.tokens(t, "inst-1")
	require.Len(t, tokens, 1)
	assert.Equal(t, "route", tokens[0].NodeID)
}

func parallelUserGraph() *bpmn.Graph {
	return &bpmn.Graph{
		Nodes: []bpmn.Node{
			{ID: "start", Type: bpmn.NodeStart},
			{ID: "fork", Type: bpmn.NodeGateway, Gateway: bpmn.GatewayParallel},
			{ID: "approve", Type: bpmn.NodeTask, Task: bpmn.TaskUser},
			{ID: "review", Type: bpmn.NodeTask, Task: bpmn.TaskUser},
			{ID: "join", Type: bpmn.NodeGateway, Gateway: bpmn.GatewayParallel},
			{ID: "end", Type: bpmn.NodeEnd},
		},
		Flows: []bpmn.Flow{
			{ID: "f1", Source: "start", Target: "fork"},
			{ID: "f2", Source: "fork", Target: "approve"},
			{ID: "f3", Source: "fork", Target: "review"},
			{ID: "f4", Source: "approve", Target: "join"},
			{ID: "f5", Source: "review", Target: "join"},
			{ID: "f6", Source: "join", Target: "end"},
		},
	}
}

func TestParallelSplitAndJoin(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	g := parallelUserGraph()

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(ctx, "inst-1", "def-1", g))

	// Both branches parked on their user tasks.
	tokens := f.tokens(t, "inst-1")
	require.Len(t, tokens, 2)
	for _, tok := range tokens {
		assert.Equal(t, state.TokenWaiting, tok.State)
		require.NotNil(t, tok.InnermostSplit())
		assert.Equal(t, 2, tok.InnermostSplit().Expected)
	}

	// First completion reaches the join and waits for its sibling.
	require.NoError(t, f.executor.CompleteUserTask(ctx, "inst-1", "def-1", "approve", nil, g))
	assert.Equal(t, "RUNNING", f.lifecycle.statusOf("inst-1"))
	tokens = f.tokens(t, "inst-1")
	require.Len(t, tokens, 2)

	// Second completion merges, passes the join and finishes.
	require.NoError(t, f.executor.CompleteUserTask(ctx, "inst-1", "def-1", "review", nil, g))
	assert.Equal(t, "COMPLETED", f.lifecycle.statusOf("inst-1"))
	assert.Empty(t, f.tokens(t, "inst-1"))
}

func TestTimerNodeParksTokenAndArmsTimer(t *testing.T) {
	g := &bpmn.Graph{
		Nodes: []bpmn.Node{
			{ID: "start", Type: bpmn.NodeStart},
			{ID: "wait", Type: bpmn.NodeIntermediate, EventType: bpmn.EventTimer, TimerDefinition: "PT1H"},
			{ID: "end", Type: bpmn.NodeEnd},
		},
		Flows: []bpmn.Flow{
			{ID: "f1", Source: "start", Target: "wait"},
			{ID: "f2", Source: "wait", Target: "end"},
		},
	}

	f := newFixture(t, 0)
	ctx := context.Background()
	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(ctx, "inst-1", "def-1", g))

	tokens := f.tokens(t, "inst-1")
	require.Len(t, tokens, 1)
	assert.Equal(t, state.TokenWaiting, tokens[0].State)
	assert.Equal(t, "wait", tokens[0].NodeID)

	armed, err := f.store.ArmedTimers(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.Equal(t, "wait", armed[0].NodeID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), armed[0].FireAt, time.Minute)

	// Fired timer resumes the token; a duplicate fire is a no-op.
	require.NoError(t, f.executor.ResumeTimerToken(ctx, "inst-1", "def-1", "wait", g))
	assert.Equal(t, "COMPLETED", f.lifecycle.statusOf("inst-1"))
	require.NoError(t, f.executor.ResumeTimerToken(ctx, "inst-1", "def-1", "wait", g))
}

func boundaryGraph() *bpmn.Graph {
	return &bpmn.Graph{
		Nodes: []bpmn.Node{
			{ID: "start", Type: bpmn.NodeStart},
			{ID: "review", Type: bpmn.NodeTask, Task: bpmn.TaskUser},
			{ID: "escalate", Type: bpmn.NodeBoundary, EventType: bpmn.EventTimer, TimerDefinition: "PT1H", AttachedTo: "review"},
			{ID: "done", Type: bpmn.NodeEnd},
			{ID: "timed-out", Type: bpmn.NodeEnd},
		},
		Flows: []bpmn.Flow{
			{ID: "f1", Source: "start", Target: "review"},
			{ID: "f2", Source: "review", Target: "done"},
			{ID: "f3", Source: "escalate", Target: "timed-out"},
		},
	}
}

func TestBoundaryTimerInterruptsWaitingTask(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	g := boundaryGraph()

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(ctx, "inst-1", "def-1", g))

	tokens := f.tokens(t, "inst-1")
	require.Len(t, tokens, 1)
	assert.Equal(t, "review", tokens[0].NodeID)
	assert.Equal(t, state.TokenWaiting, tokens[0].State)

	armed, err := f.store.ArmedTimers(ctx)
	require.NoError(t, err)
	require.Len(t, armed, 1)
	assert.Equal(t, "escalate", armed[0].NodeID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), armed[0].FireAt, time.Minute)

	// The fire interrupts the task and takes the escalation path.
	require.NoError(t, f.executor.ResumeTimerToken(ctx, "inst-1", "def-1", "escalate", g))
	assert.Equal(t, "COMPLETED", f.lifecycle.statusOf("inst-1"))
	assert.Empty(t, f.tokens(t, "inst-1"))
}

func TestCompletingTaskCancelsBoundaryTimer(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	g := boundaryGraph()

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(ctx, "inst-1", "def-1", g))

	require.NoError(t, f.executor.CompleteUserTask(ctx, "inst-1", "def-1", "review", nil, g))
	assert.Equal(t, "COMPLETED", f.lifecycle.statusOf("inst-1"))

	armed, err := f.store.ArmedTimers(ctx)
	require.NoError(t, err)
	assert.Empty(t, armed)

	// A racing fire after completion is a no-op.
	require.NoError(t, f.executor.ResumeTimerToken(ctx, "inst-1", "def-1", "escalate", g))
	assert.Equal(t, "COMPLETED", f.lifecycle.statusOf("inst-1"))
}

func TestTaskReceivesNodeProperties(t *testing.T) {
	g := linearGraph()
	g.Nodes[1].Properties = map[string]string{"currency": "USD"}

	f := newFixture(t, 0)
	var seen map[string]interface{}
	require.NoError(t, f.registry.Register(tasks.Func{
		TaskName: "work",
		Fn: func(_ context.Context, call tasks.Context) (*tasks.Result, error) {
			seen = call.Properties
			return nil, nil
		},
	}))

	f.start(t, "inst-1", "start")
	require.NoError(t, f.executor.ExecuteProcess(context.Background(), "inst-1", "def-1", g))
	require.NotNil(t, seen)
	assert.Equal(t, "USD", seen["currency"])
}

func TestSuspendedInstanceDoesNotExecute(t *testing.T) {
	f := newFixture(t, 0)
	f.lifecycle.set("inst-1", "SUSPENDED")
	f.start(t, "inst-1", "start")

	require.NoError(t, f.executor.ExecuteProcess(context.Background(), "inst-1", "def-1", linearGraph()))

	tokens := f.tokens(t, "inst-1")
	require.Len(t, tokens, 1)
	assert.Equal(t, "start", tokens[0].NodeID)
}

func mustValue(t *testing.T, typeTag string, raw interface{}) variables.Value {
	t.Helper()
	value, err := variables.FromTagged("test", typeTag, raw)
	require.NoError(t, err)
	return value
}

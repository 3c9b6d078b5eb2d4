// Package engine implements token-based process execution: the
// interpreter loop that moves tokens through a parsed graph, gateway
// routing, condition evaluation and task invocation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/core/bpmn"
	"github.com/flowmata/flowmata/core/state"
	"github.com/flowmata/flowmata/core/tasks"
	"github.com/flowmata/flowmata/core/timer"
)

// Lifecycle is the slice of instance management the executor needs.
// Implemented by the instance manager.
type Lifecycle interface {
	IsRunning(ctx context.Context, instanceID string) (bool, error)
	Complete(ctx context.Context, instanceID string) error
	SetErrorState(ctx context.Context, instanceID string, errCtx map[string]interface{}) error
	ScopeVariables(ctx context.Context, instanceID, scopeID string) (map[string]interface{}, error)
}

// errHalted stops the interpreter loop after the instance moved to
// ERROR; the failing token stays in place for recovery.
var errHalted = errors.New("execution halted")

// maxSteps bounds a single ExecuteProcess call so a malformed cyclic
// graph cannot spin forever.
const maxSteps = 10000

// Executor runs process instances token by token
type Executor struct {
	store         state.Store
	lifecycle     Lifecycle
	registry      *tasks.Registry
	conditions    *ConditionEvaluator
	scriptTimeout time.Duration
	log           *logger.Logger
}

// NewExecutor creates an executor
func NewExecutor(store state.Store, lifecycle Lifecycle, registry *tasks.Registry, scriptTimeout time.Duration, log *logger.Logger) *Executor {
	return &Executor{
		store:         store,
		lifecycle:     lifecycle,
		registry:      registry,
		conditions:    NewConditionEvaluator(),
		scriptTimeout: scriptTimeout,
		log:           log,
	}
}

// ExecuteProcess runs the instance until every token is consumed or
// waiting. The instance status is re-checked before every step, so a
// concurrent suspend or terminate stops execution at the next commit
// boundary. Task failures move the instance to ERROR and stop the loop
// with the failing token left in place.
func (e *Executor) ExecuteProcess(ctx context.Context, instanceID, definitionID string, graph *bpmn.Graph) error {
	for step := 0; step < maxSteps; step++ {
		running, err := e.lifecycle.IsRunning(ctx, instanceID)
		if err != nil {
			return Transient("check instance status", err)
		}
		if !running {
			return nil
		}

		tokens, err := e.store.GetTokenPositions(ctx, instanceID)
		if err != nil {
			return Transient("load tokens", err)
		}
		if len(tokens) == 0 {
			// Everything consumed at end events.
			if err := e.lifecycle.Complete(ctx, instanceID); err != nil {
				var invalid *InvalidStateTransitionError
				if errors.As(err, &invalid) {
					return nil
				}
				return err
			}
			e.log.Info("instance completed", "instance_id", instanceID)
			return nil
		}

		var active *state.Token
		for i := range tokens {
			if tokens[i].State == state.TokenActive {
				active = &tokens[i]
				break
			}
		}
		if active == nil {
			// All tokens parked on wait states.
			return nil
		}

		err = e.step(ctx, definitionID, graph, *active, tokens)
		switch {
		case err == nil:
		case errors.Is(err, errHalted):
			return nil
		case errors.Is(err, state.ErrTokenNotFound):
			// Token set deleted underneath us: forced termination.
			return ErrInstanceGone
		default:
			return err
		}
	}
	return fmt.Errorf("instance %s exceeded %d execution steps", instanceID, maxSteps)
}

// step advances one token by one node
func (e *Executor) step(ctx context.Context, definitionID string, graph *bpmn.Graph, t state.Token, all []state.Token) error {
	node := graph.NodeByID(t.NodeID)
	if node == nil {
		return e.fail(ctx, t, &InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       fmt.Sprintf("token at unknown node %q", t.NodeID),
		})
	}

	e.log.Debug("executing node",
		"instance_id", t.InstanceID, "node_id", node.ID, "node_type", node.Type, "token_id", t.ID)

	switch node.Type {
	case bpmn.NodeStart:
		return e.moveAlong(ctx, definitionID, graph, t, node)

	case bpmn.NodeEnd:
		return Transient("consume token", e.store.CommitTokens(ctx, t.InstanceID, []string{t.ID}, nil))

	case bpmn.NodeTask:
		switch node.Task {
		case bpmn.TaskUser, bpmn.TaskReceive:
			if err := e.armBoundaryTimers(ctx, definitionID, graph, t); err != nil {
				return err
			}
			return e.park(ctx, t)
		default:
			return e.runTask(ctx, definitionID, graph, t, node)
		}

	case bpmn.NodeIntermediate:
		if node.EventType == bpmn.EventTimer {
			return e.armTimer(ctx, definitionID, t, node)
		}
		return e.moveAlong(ctx, definitionID, graph, t, node)

	case bpmn.NodeBoundary:
		// Tokens are routed past boundary events directly on interrupt;
		// one resting here is just moved along.
		return e.moveAlong(ctx, definitionID, graph, t, node)

	case bpmn.NodeGateway:
		return e.gateway(ctx, definitionID, graph, t, node, all)

	default:
		return e.fail(ctx, t, &InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type),
		})
	}
}

// moveAlong advances the token over the node's single outgoing flow
func (e *Executor) moveAlong(ctx context.Context, definitionID string, graph *bpmn.Graph, t state.Token, node *bpmn.Node) error {
	outgoing := graph.Outgoing(node.ID)
	if len(outgoing) != 1 {
		return e.fail(ctx, t, &InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       fmt.Sprintf("node %q needs exactly one outgoing flow, has %d", node.ID, len(outgoing)),
		})
	}
	next := t.Copy(outgoing[0].Target)
	if err := e.store.CommitTokens(ctx, t.InstanceID, []string{t.ID}, []state.Token{next}); err != nil {
		if errors.Is(err, state.ErrTokenNotFound) {
			return err
		}
		return Transient("move token", err)
	}
	return nil
}

// park marks a token waiting on an external completion
func (e *Executor) park(ctx context.Context, t state.Token) error {
	t.State = state.TokenWaiting
	if err := e.store.UpdateToken(ctx, t); err != nil {
		if errors.Is(err, state.ErrTokenNotFound) {
			return err
		}
		return Transient("park token", err)
	}
	e.log.Debug("token parked", "instance_id", t.InstanceID, "node_id", t.NodeID)
	return nil
}

// armTimer persists an armed timer record for the token's node and
// parks the token until the scheduler fires it.
func (e *Executor) armTimer(ctx context.Context, definitionID string, t state.Token, node *bpmn.Node) error {
	def, err := timer.Parse(node.TimerDefinition)
	if err != nil {
		return e.fail(ctx, t, &InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       fmt.Sprintf("timer node %q: %v", node.ID, err),
		})
	}

	remaining := 0
	if def.Kind == timer.KindCycle {
		remaining = def.Repetitions
		if remaining > 0 {
			remaining--
		}
	}
	rec := state.TimerRecord{
		ID:           uuid.New().String(),
		InstanceID:   t.InstanceID,
		DefinitionID: definitionID,
		NodeID:       node.ID,
		Definition:   node.TimerDefinition,
		FireAt:       def.NextFire(time.Now().UTC()),
		State:        state.TimerArmed,
		Remaining:    remaining,
	}
	if err := e.store.PutTimer(ctx, rec); err != nil {
		return Transient("arm timer", err)
	}
	e.log.Info("timer armed",
		"instance_id", t.InstanceID, "node_id", node.ID, "timer_id", rec.ID, "fire_at", rec.FireAt)
	return e.park(ctx, t)
}

// armBoundaryTimers arms a timer for every timer boundary event
// attached to the node the token is about to wait on.
func (e *Executor) armBoundaryTimers(ctx context.Context, definitionID string, graph *bpmn.Graph, t state.Token) error {
	for _, boundary := range graph.BoundaryEvents(t.NodeID) {
		if boundary.EventType != bpmn.EventTimer {
			continue
		}
		def, err := timer.Parse(boundary.TimerDefinition)
		if err != nil {
			return e.fail(ctx, t, &InvalidProcessDefinitionError{
				DefinitionID: definitionID,
				Reason:       fmt.Sprintf("boundary timer %q: %v", boundary.ID, err),
			})
		}
		rec := state.TimerRecord{
			ID:           uuid.New().String(),
			InstanceID:   t.InstanceID,
			DefinitionID: definitionID,
			NodeID:       boundary.ID,
			Definition:   boundary.TimerDefinition,
			FireAt:       def.NextFire(time.Now().UTC()),
			State:        state.TimerArmed,
		}
		if err := e.store.PutTimer(ctx, rec); err != nil {
			return Transient("arm boundary timer", err)
		}
		e.log.Info("boundary timer armed",
			"instance_id", t.InstanceID, "host_node", t.NodeID, "boundary_node", boundary.ID, "fire_at", rec.FireAt)
	}
	return nil
}

// runTask invokes the registered task for a service or script node,
// applies its variable updates and moves the token along. Failures and
// timeouts move the instance to ERROR with the token left in place.
func (e *Executor) runTask(ctx context.Context, definitionID string, graph *bpmn.Graph, t state.Token, node *bpmn.Node) error {
	name := node.TaskName
	if name == "" {
		name = node.ID
	}
	task, ok := e.registry.Get(name)
	if !ok {
		return e.fail(ctx, t, &TaskExecutionError{
			NodeID: node.ID, Task: name, Err: fmt.Errorf("task not registered"),
		})
	}

	vars, err := e.visibleVariables(ctx, t)
	if err != nil {
		return err
	}

	var props map[string]interface{}
	if len(node.Properties) > 0 {
		props = make(map[string]interface{}, len(node.Properties))
		for k, v := range node.Properties {
			props[k] = v
		}
	}
	result, err := e.invoke(ctx, task, tasks.Context{
		InstanceID: t.InstanceID,
		NodeID:     node.ID,
		Variables:  vars,
		Properties: props,
	})
	if err != nil {
		var timedOut *TaskTimeoutError
		if errors.As(err, &timedOut) {
			return e.fail(ctx, t, err)
		}
		return e.fail(ctx, t, &TaskExecutionError{NodeID: node.ID, Task: name, Err: err})
	}

	if result != nil {
		for varName, update := range result.Variables {
			if err := e.writeVariable(ctx, t, varName, update); err != nil {
				return e.fail(ctx, t, err)
			}
		}
	}
	return e.moveAlong(ctx, definitionID, graph, t, node)
}

// invoke runs the task under the configured timeout
func (e *Executor) invoke(ctx context.Context, task tasks.Task, call tasks.Context) (*tasks.Result, error) {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.scriptTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.scriptTimeout)
	}
	defer cancel()

	type outcome struct {
		result *tasks.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := task.Execute(runCtx, call)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &TaskTimeoutError{NodeID: call.NodeID, Task: task.Name()}
		}
		return nil, runCtx.Err()
	}
}

func (e *Executor) writeVariable(ctx context.Context, t state.Token, name string, update tasks.TaggedUpdate) error {
	value, err := fromTagged(name, update)
	if err != nil {
		return err
	}
	if _, err := e.store.SetVariable(ctx, t.InstanceID, name, t.ScopeID, value); err != nil {
		return Transient("write task variable", err)
	}
	return nil
}

// visibleVariables is the instance-variable snapshot a token sees:
// scope variables over root ones, with token-local data on top.
func (e *Executor) visibleVariables(ctx context.Context, t state.Token) (map[string]interface{}, error) {
	vars, err := e.lifecycle.ScopeVariables(ctx, t.InstanceID, t.ScopeID)
	if err != nil {
		return nil, Transient("load variables", err)
	}
	for k, v := range t.Data {
		vars[k] = v
	}
	return vars, nil
}

// fail moves the instance to ERROR with a failure context and halts
// the loop. The token is not consumed, so recovery re-executes it.
func (e *Executor) fail(ctx context.Context, t state.Token, cause error) error {
	e.log.Error("execution failed",
		"instance_id", t.InstanceID, "node_id", t.NodeID, "error", cause)
	errCtx := map[string]interface{}{
		"node_id": t.NodeID,
		"error":   cause.Error(),
	}
	if err := e.lifecycle.SetErrorState(ctx, t.InstanceID, errCtx); err != nil {
		return err
	}
	return errHalted
}

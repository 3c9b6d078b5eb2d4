package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmata/flowmata/core/bpmn"
	"github.com/flowmata/flowmata/core/state"
	"github.com/flowmata/flowmata/core/tasks"
)

// ResumeTimerToken moves the waiting token past a fired timer node and
// resumes execution. For a boundary timer the token waiting on the host
// task is interrupted instead. A missing waiting token is a no-op, so
// duplicate fire deliveries are harmless.
func (e *Executor) ResumeTimerToken(ctx context.Context, instanceID, definitionID, nodeID string, graph *bpmn.Graph) error {
	if node := graph.NodeByID(nodeID); node != nil && node.Type == bpmn.NodeBoundary {
		return e.interruptBoundary(ctx, instanceID, definitionID, *node, graph)
	}
	resumed, err := e.releaseWaiting(ctx, instanceID, nodeID, graph)
	if err != nil {
		return err
	}
	if !resumed {
		e.log.Debug("no waiting token at fired timer node",
			"instance_id", instanceID, "node_id", nodeID)
		return nil
	}
	return e.ExecuteProcess(ctx, instanceID, definitionID, graph)
}

// CompleteUserTask finishes a waiting user or receive task: writes the
// submitted variables, moves the token along and resumes execution.
func (e *Executor) CompleteUserTask(ctx context.Context, instanceID, definitionID, nodeID string, results map[string]tasks.TaggedUpdate, graph *bpmn.Graph) error {
	tokens, err := e.store.GetTokenPositions(ctx, instanceID)
	if err != nil {
		return Transient("load tokens", err)
	}
	waiting := findWaiting(tokens, nodeID)
	if waiting == nil {
		return state.ErrTokenNotFound
	}

	for name, update := range results {
		if err := e.writeVariable(ctx, *waiting, name, update); err != nil {
			return err
		}
	}

	if _, err := e.releaseWaiting(ctx, instanceID, nodeID, graph); err != nil {
		return err
	}
	if err := e.cancelBoundaryTimers(ctx, instanceID, nodeID, graph); err != nil {
		return err
	}
	return e.ExecuteProcess(ctx, instanceID, definitionID, graph)
}

// interruptBoundary consumes the token waiting on the boundary's host
// task and routes it along the boundary's outgoing flow. No waiting
// token means the task finished first and the fire is a no-op.
func (e *Executor) interruptBoundary(ctx context.Context, instanceID, definitionID string, boundary bpmn.Node, graph *bpmn.Graph) error {
	tokens, err := e.store.GetTokenPositions(ctx, instanceID)
	if err != nil {
		return Transient("load tokens", err)
	}
	waiting := findWaiting(tokens, boundary.AttachedTo)
	if waiting == nil {
		e.log.Debug("no waiting token at boundary host",
			"instance_id", instanceID, "host_node", boundary.AttachedTo)
		return nil
	}

	outgoing := graph.Outgoing(boundary.ID)
	if len(outgoing) != 1 {
		return e.fail(ctx, *waiting, &InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       fmt.Sprintf("boundary event %q needs exactly one outgoing flow", boundary.ID),
		})
	}
	next := waiting.Copy(outgoing[0].Target)
	if err := e.store.CommitTokens(ctx, instanceID, []string{waiting.ID}, []state.Token{next}); err != nil {
		if errors.Is(err, state.ErrTokenNotFound) {
			return ErrInstanceGone
		}
		return Transient("interrupt task", err)
	}
	e.log.Info("task interrupted by boundary timer",
		"instance_id", instanceID, "host_node", boundary.AttachedTo, "boundary_node", boundary.ID)

	if err := e.cancelBoundaryTimers(ctx, instanceID, boundary.AttachedTo, graph); err != nil {
		return err
	}
	return e.ExecuteProcess(ctx, instanceID, definitionID, graph)
}

// cancelBoundaryTimers revokes armed timers on every boundary event
// attached to the host node.
func (e *Executor) cancelBoundaryTimers(ctx context.Context, instanceID, hostID string, graph *bpmn.Graph) error {
	for _, boundary := range graph.BoundaryEvents(hostID) {
		if err := e.store.CancelNodeTimers(ctx, instanceID, boundary.ID); err != nil {
			return Transient("cancel boundary timers", err)
		}
	}
	return nil
}

// releaseWaiting moves the waiting token at nodeID over the node's
// outgoing flow. Reports false when no waiting token is there.
func (e *Executor) releaseWaiting(ctx context.Context, instanceID, nodeID string, graph *bpmn.Graph) (bool, error) {
	tokens, err := e.store.GetTokenPositions(ctx, instanceID)
	if err != nil {
		return false, Transient("load tokens", err)
	}
	waiting := findWaiting(tokens, nodeID)
	if waiting == nil {
		return false, nil
	}

	outgoing := graph.Outgoing(nodeID)
	if len(outgoing) != 1 {
		return false, e.fail(ctx, *waiting, &InvalidProcessDefinitionError{
			Reason: "wait-state node needs exactly one outgoing flow",
		})
	}
	next := waiting.Copy(outgoing[0].Target)
	if err := e.store.CommitTokens(ctx, instanceID, []string{waiting.ID}, []state.Token{next}); err != nil {
		if errors.Is(err, state.ErrTokenNotFound) {
			return false, ErrInstanceGone
		}
		return false, Transient("release waiting token", err)
	}
	return true, nil
}

func findWaiting(tokens []state.Token, nodeID string) *state.Token {
	for i := range tokens {
		if tokens[i].NodeID == nodeID && tokens[i].State == state.TokenWaiting {
			return &tokens[i]
		}
	}
	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/flowmata/flowmata/core/bpmn"
	"github.com/flowmata/flowmata/core/state"
	"github.com/flowmata/flowmata/core/tasks"
	"github.com/flowmata/flowmata/core/variables"
)

func fromTagged(name string, update tasks.TaggedUpdate) (variables.Value, error) {
	return variables.FromTagged(name, update.Type, update.Value)
}

// gateway handles one token arriving at a gateway node. Parallel and
// inclusive gateways with multiple incoming flows synchronize first:
// the arriving token waits until every sibling of its split frame is
// present, then all siblings merge and the merged token routes onward
// in the same commit.
func (e *Executor) gateway(ctx context.Context, definitionID string, graph *bpmn.Graph, t state.Token, node *bpmn.Node, all []state.Token) error {
	joins := node.Gateway != bpmn.GatewayExclusive && len(graph.Incoming(node.ID)) > 1

	if joins {
		if frame := t.InnermostSplit(); frame != nil {
			siblings := collectSiblings(all, node.ID, t.ScopeID, frame)
			if len(siblings) < frame.Expected {
				return e.park(ctx, t)
			}
			merged := mergeSiblings(siblings)
			outs, err := e.route(ctx, definitionID, graph, merged, node)
			if err != nil {
				return e.fail(ctx, t, err)
			}
			consumed := make([]string, len(siblings))
			for i, s := range siblings {
				consumed[i] = s.ID
			}
			if err := e.store.CommitTokens(ctx, t.InstanceID, consumed, outs); err != nil {
				if errors.Is(err, state.ErrTokenNotFound) {
					return err
				}
				return Transient("join tokens", err)
			}
			e.log.Debug("gateway joined",
				"instance_id", t.InstanceID, "node_id", node.ID, "merged", len(siblings))
			return nil
		}
		// A lone token with no split lineage passes straight through.
	}

	outs, err := e.route(ctx, definitionID, graph, t, node)
	if err != nil {
		return e.fail(ctx, t, err)
	}
	if err := e.store.CommitTokens(ctx, t.InstanceID, []string{t.ID}, outs); err != nil {
		if errors.Is(err, state.ErrTokenNotFound) {
			return err
		}
		return Transient("route token", err)
	}
	return nil
}

// collectSiblings returns tokens at the join node sharing the split
// frame, in arrival order.
func collectSiblings(all []state.Token, nodeID, scopeID string, frame *state.SplitFrame) []state.Token {
	var siblings []state.Token
	for _, t := range all {
		if t.NodeID != nodeID || t.ScopeID != scopeID {
			continue
		}
		f := t.InnermostSplit()
		if f == nil || f.ParentID != frame.ParentID || f.ActivationID != frame.ActivationID {
			continue
		}
		siblings = append(siblings, t)
	}
	return siblings
}

// mergeSiblings folds sibling tokens into one, popping the split frame.
// Data conflicts resolve last-writer-wins by token creation time, ties
// broken by token id.
func mergeSiblings(siblings []state.Token) state.Token {
	ordered := append([]state.Token(nil), siblings...)
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	merged := ordered[0].Copy(ordered[0].NodeID)
	merged.Splits = merged.Splits[:len(merged.Splits)-1]
	for _, s := range ordered[1:] {
		for k, v := range s.Data {
			merged.Data[k] = v
		}
	}
	return merged
}

// route computes the output tokens a gateway produces for one token
func (e *Executor) route(ctx context.Context, definitionID string, graph *bpmn.Graph, t state.Token, node *bpmn.Node) ([]state.Token, error) {
	outgoing := graph.Outgoing(node.ID)
	if len(outgoing) == 0 {
		return nil, &InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       fmt.Sprintf("gateway %q has no outgoing flows", node.ID),
		}
	}
	if len(outgoing) == 1 {
		return []state.Token{t.Copy(outgoing[0].Target)}, nil
	}

	switch node.Gateway {
	case bpmn.GatewayExclusive:
		flow, err := e.selectExclusive(ctx, t, node, outgoing)
		if err != nil {
			return nil, err
		}
		return []state.Token{t.Copy(flow.Target)}, nil

	case bpmn.GatewayParallel:
		return splitTokens(t, outgoing), nil

	case bpmn.GatewayInclusive:
		activated, err := e.selectInclusive(ctx, t, node, outgoing)
		if err != nil {
			return nil, err
		}
		if len(activated) == 1 {
			return []state.Token{t.Copy(activated[0].Target)}, nil
		}
		return splitTokens(t, activated), nil

	default:
		return nil, &InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       fmt.Sprintf("gateway %q has unknown kind %q", node.ID, node.Gateway),
		}
	}
}

// splitTokens produces one child per flow, all sharing a fresh split
// frame so the matching join can collect them. Re-entering the same
// split in a loop mints a new activation id, keeping generations apart.
func splitTokens(t state.Token, flows []bpmn.Flow) []state.Token {
	frame := state.SplitFrame{
		ParentID:     t.ID,
		ActivationID: uuid.New().String(),
		Expected:     len(flows),
	}
	for _, f := range flows {
		frame.ActivatedFlows = append(frame.ActivatedFlows, f.ID)
	}

	children := make([]state.Token, 0, len(flows))
	for _, f := range flows {
		child := t.Copy(f.Target)
		child.Splits = append(child.Splits, frame)
		children = append(children, child)
	}
	return children
}

// selectExclusive picks the first flow whose condition holds, falling
// back to the default flow.
func (e *Executor) selectExclusive(ctx context.Context, t state.Token, node *bpmn.Node, outgoing []bpmn.Flow) (*bpmn.Flow, error) {
	vars, err := e.visibleVariables(ctx, t)
	if err != nil {
		return nil, err
	}

	var fallback *bpmn.Flow
	for i := range outgoing {
		flow := &outgoing[i]
		if flow.Default {
			fallback = flow
			continue
		}
		if flow.Condition == "" {
			continue
		}
		ok, err := e.conditions.Evaluate(flow.Condition, vars)
		if err != nil {
			return nil, err
		}
		if ok {
			return flow, nil
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, &GatewayNoMatchError{GatewayID: node.ID}
}

// selectInclusive returns every flow whose condition holds; when none
// hold, the default flow alone.
func (e *Executor) selectInclusive(ctx context.Context, t state.Token, node *bpmn.Node, outgoing []bpmn.Flow) ([]bpmn.Flow, error) {
	vars, err := e.visibleVariables(ctx, t)
	if err != nil {
		return nil, err
	}

	var activated []bpmn.Flow
	var fallback *bpmn.Flow
	for i := range outgoing {
		flow := outgoing[i]
		if flow.Default {
			fallback = &outgoing[i]
			continue
		}
		if flow.Condition == "" {
			// An unconditional flow on an inclusive gateway always
			// activates.
			activated = append(activated, flow)
			continue
		}
		ok, err := e.conditions.Evaluate(flow.Condition, vars)
		if err != nil {
			return nil, err
		}
		if ok {
			activated = append(activated, flow)
		}
	}
	if len(activated) > 0 {
		return activated, nil
	}
	if fallback != nil {
		return []bpmn.Flow{*fallback}, nil
	}
	return nil, &GatewayNoMatchError{GatewayID: node.ID}
}

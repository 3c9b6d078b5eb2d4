package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmata/flowmata/common/logger"
	"github.com/flowmata/flowmata/core/bpmn"
	"github.com/flowmata/flowmata/core/engine"
	"github.com/flowmata/flowmata/core/state"
	"github.com/flowmata/flowmata/core/timer"
	"github.com/flowmata/flowmata/core/variables"
)

// VariableInput is an untrusted tagged variable from an API request or
// bus payload.
type VariableInput struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// CreateParams configures instance creation
type CreateParams struct {
	DefinitionID string
	// StartNodeID selects the start event when the definition has more
	// than one; empty means the single non-timer start event.
	StartNodeID string
	Variables   map[string]VariableInput
}

// Manager owns the instance lifecycle: creation, the status state
// machine, and variable access.
type Manager struct {
	repo   Repository
	store  state.Store
	parser bpmn.Parser
	log    *logger.Logger

	mu     sync.Mutex
	graphs map[string]*bpmn.Graph
}

// NewManager creates a lifecycle manager
func NewManager(repo Repository, store state.Store, parser bpmn.Parser, log *logger.Logger) *Manager {
	return &Manager{
		repo:   repo,
		store:  store,
		parser: parser,
		log:    log,
		graphs: map[string]*bpmn.Graph{},
	}
}

// DeployDefinition parses and stores a new definition version. The
// version is one past the latest stored version of the same name.
func (m *Manager) DeployDefinition(ctx context.Context, name, bpmnXML string) (*Definition, error) {
	graph, err := m.parser.Parse(bpmnXML)
	if err != nil {
		return nil, &engine.InvalidProcessDefinitionError{Reason: err.Error()}
	}
	if len(graph.StartEvents()) == 0 {
		return nil, &engine.InvalidProcessDefinitionError{Reason: "definition has no start event"}
	}
	for _, start := range graph.StartEvents() {
		if start.EventType != bpmn.EventTimer {
			continue
		}
		if _, err := timer.Parse(start.TimerDefinition); err != nil {
			return nil, &engine.InvalidProcessDefinitionError{
				Reason: fmt.Sprintf("timer start event %q: %v", start.ID, err),
			}
		}
	}

	version := 1
	if latest, err := m.repo.GetLatestDefinition(ctx, name); err == nil {
		version = latest.Version + 1
	} else if err != ErrNotFound {
		return nil, err
	}

	def := Definition{
		ID:      uuid.New().String(),
		Name:    name,
		Version: version,
		BPMNXML: bpmnXML,
	}
	if err := m.repo.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	if err := m.armStartTimers(ctx, def.ID, graph); err != nil {
		return nil, err
	}
	m.log.Info("definition deployed", "name", name, "version", version, "definition_id", def.ID)
	return &def, nil
}

// armStartTimers persists an armed timer for every timer start event in
// the definition, so the scheduler launches instances without an
// external trigger. Each record pre-generates the instance id the fire
// will materialize.
func (m *Manager) armStartTimers(ctx context.Context, definitionID string, graph *bpmn.Graph) error {
	for _, start := range graph.StartEvents() {
		if start.EventType != bpmn.EventTimer {
			continue
		}
		def, err := timer.Parse(start.TimerDefinition)
		if err != nil {
			return &engine.InvalidProcessDefinitionError{
				DefinitionID: definitionID,
				Reason:       fmt.Sprintf("timer start event %q: %v", start.ID, err),
			}
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
			InstanceID:   uuid.New().String(),
			DefinitionID: definitionID,
			NodeID:       start.ID,
			Definition:   start.TimerDefinition,
			FireAt:       def.NextFire(time.Now().UTC()),
			State:        state.TimerArmed,
			Remaining:    remaining,
			StartEvent:   true,
		}
		if err := m.store.PutTimer(ctx, rec); err != nil {
			return err
		}
		m.log.Info("start timer armed",
			"definition_id", definitionID, "node_id", start.ID, "timer_id", rec.ID, "fire_at", rec.FireAt)
	}
	return nil
}

// GraphFor returns the parsed graph of a definition, cached per id.
// Definition rows are immutable, so the cache never invalidates.
func (m *Manager) GraphFor(ctx context.Context, definitionID string) (*bpmn.Graph, error) {
	m.mu.Lock()
	if g, ok := m.graphs[definitionID]; ok {
		m.mu.Unlock()
		return g, nil
	}
	m.mu.Unlock()

	def, err := m.repo.GetDefinition(ctx, definitionID)
	if err != nil {
		if err == ErrNotFound {
			return nil, &engine.InvalidProcessDefinitionError{DefinitionID: definitionID, Reason: "definition not found"}
		}
		return nil, err
	}
	g, err := m.parser.Parse(def.BPMNXML)
	if err != nil {
		return nil, &engine.InvalidProcessDefinitionError{DefinitionID: definitionID, Reason: err.Error()}
	}

	m.mu.Lock()
	m.graphs[definitionID] = g
	m.mu.Unlock()
	return g, nil
}

// CreateInstance validates the definition and variables, persists the
// instance, writes version-1 variables and places the initial token.
// Validation failures leave no instance behind.
func (m *Manager) CreateInstance(ctx context.Context, params CreateParams) (*Instance, error) {
	graph, err := m.GraphFor(ctx, params.DefinitionID)
	if err != nil {
		return nil, err
	}
	start, err := selectStartEvent(graph, params.DefinitionID, params.StartNodeID)
	if err != nil {
		return nil, err
	}

	// Validate every variable before any write.
	validated := make(map[string]variables.Value, len(params.Variables))
	for name, input := range params.Variables {
		value, err := variables.FromTagged(name, input.Type, input.Value)
		if err != nil {
			return nil, err
		}
		validated[name] = value
	}

	inst := Instance{
		ID:           uuid.New().String(),
		DefinitionID: params.DefinitionID,
		Status:       StatusRunning,
		StartTime:    time.Now().UTC(),
	}
	if err := m.repo.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	for name, value := range validated {
		if _, err := m.store.SetVariable(ctx, inst.ID, name, "", value); err != nil {
			return nil, err
		}
	}

	if err := m.placeInitialToken(ctx, inst.ID, start.ID); err != nil {
		return nil, err
	}

	m.log.Info("instance created",
		"instance_id", inst.ID, "definition_id", params.DefinitionID, "start_node", start.ID)
	return &inst, nil
}

// UpsertInstance returns the existing instance or creates a RUNNING one
// with its initial token and version-1 variables. Bus handlers call
// this so redeliveries are idempotent.
func (m *Manager) UpsertInstance(ctx context.Context, instanceID, definitionID, startNodeID string, vars map[string]VariableInput) (*Instance, error) {
	if inst, err := m.repo.GetInstance(ctx, instanceID); err == nil {
		return inst, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	graph, err := m.GraphFor(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	start, err := selectStartEvent(graph, definitionID, startNodeID)
	if err != nil {
		return nil, err
	}

	validated := make(map[string]variables.Value, len(vars))
	for name, input := range vars {
		value, err := variables.FromTagged(name, input.Type, input.Value)
		if err != nil {
			return nil, err
		}
		validated[name] = value
	}

	inst := Instance{
		ID:           instanceID,
		DefinitionID: definitionID,
		Status:       StatusRunning,
		StartTime:    time.Now().UTC(),
	}
	if err := m.repo.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	for name, value := range validated {
		if _, err := m.store.SetVariable(ctx, instanceID, name, "", value); err != nil {
			return nil, err
		}
	}
	if err := m.placeInitialToken(ctx, instanceID, start.ID); err != nil {
		return nil, err
	}
	m.log.Info("instance upserted",
		"instance_id", instanceID, "definition_id", definitionID, "start_node", start.ID)
	return &inst, nil
}

// placeInitialToken adds the token at the start event unless one is
// already there (duplicate start delivery).
func (m *Manager) placeInitialToken(ctx context.Context, instanceID, startNodeID string) error {
	existing, err := m.store.GetTokenPositions(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if t.NodeID == startNodeID {
			m.log.Debug("initial token already placed", "instance_id", instanceID, "node_id", startNodeID)
			return nil
		}
	}
	return m.store.AddToken(ctx, state.NewToken(instanceID, startNodeID))
}

// selectStartEvent applies the start event rules: an explicit id must
// name a start event; otherwise there must be exactly one non-timer
// start event.
func selectStartEvent(graph *bpmn.Graph, definitionID, startNodeID string) (*bpmn.Node, error) {
	starts := graph.StartEvents()
	if startNodeID != "" {
		for i := range starts {
			if starts[i].ID == startNodeID {
				return &starts[i], nil
			}
		}
		return nil, &engine.InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       fmt.Sprintf("start event %q not found", startNodeID),
		}
	}

	var candidates []*bpmn.Node
	for i := range starts {
		if starts[i].EventType != bpmn.EventTimer {
			candidates = append(candidates, &starts[i])
		}
	}
	switch len(candidates) {
	case 0:
		return nil, &engine.InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       "no directly startable start event",
		}
	case 1:
		return candidates[0], nil
	default:
		return nil, &engine.InvalidProcessDefinitionError{
			DefinitionID: definitionID,
			Reason:       "multiple start events require an explicit start node",
		}
	}
}

// Suspend pauses a RUNNING instance, preserving its tokens
func (m *Manager) Suspend(ctx context.Context, instanceID string) error {
	return m.transition(ctx, instanceID, StatusSuspended, nil, false)
}

// Resume moves a SUSPENDED instance back to RUNNING
func (m *Manager) Resume(ctx context.Context, instanceID string) error {
	return m.transition(ctx, instanceID, StatusRunning, nil, false)
}

// SetErrorState moves a RUNNING instance to ERROR with a failure context
func (m *Manager) SetErrorState(ctx context.Context, instanceID string, errCtx map[string]interface{}) error {
	return m.transition(ctx, instanceID, StatusError, errCtx, false)
}

// Recover moves an ERROR instance back to RUNNING, clearing the error
// context; its tokens resume where they stopped.
func (m *Manager) Recover(ctx context.Context, instanceID string) error {
	return m.transition(ctx, instanceID, StatusRunning, nil, false)
}

// Complete finishes an instance and records its end time
func (m *Manager) Complete(ctx context.Context, instanceID string) error {
	return m.transition(ctx, instanceID, StatusCompleted, nil, true)
}

// Terminate force-completes an instance and deletes all of its tokens
func (m *Manager) Terminate(ctx context.Context, instanceID string) error {
	if err := m.transition(ctx, instanceID, StatusCompleted, nil, true); err != nil {
		return err
	}
	if err := m.store.DeleteTokens(ctx, instanceID); err != nil {
		return err
	}
	m.log.Info("instance terminated", "instance_id", instanceID)
	return nil
}

func (m *Manager) transition(ctx context.Context, instanceID string, to Status, errCtx map[string]interface{}, setEnd bool) error {
	inst, err := m.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := ValidateTransition(instanceID, inst.Status, to); err != nil {
		return err
	}

	from := inst.Status
	inst.Status = to
	if to == StatusError {
		inst.ErrorContext = errCtx
	} else {
		inst.ErrorContext = nil
	}
	if setEnd {
		now := time.Now().UTC()
		inst.EndTime = &now
	}
	if err := m.repo.UpdateInstance(ctx, *inst); err != nil {
		return err
	}

	m.log.Info("instance transitioned", "instance_id", instanceID, "from", from, "to", to)
	return nil
}

// Get loads an instance
func (m *Manager) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return m.repo.GetInstance(ctx, instanceID)
}

// IsRunning reports whether the instance may execute tokens right now.
// A missing instance reports false rather than an error so executors
// racing a forced termination stop quietly.
func (m *Manager) IsRunning(ctx context.Context, instanceID string) (bool, error) {
	inst, err := m.repo.GetInstance(ctx, instanceID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return inst.Status == StatusRunning, nil
}

// Status returns the current lifecycle state
func (m *Manager) Status(ctx context.Context, instanceID string) (Status, error) {
	inst, err := m.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return inst.Status, nil
}

// GetInstanceVariables returns the latest value of every variable as
// native Go values, keyed by name. Scoped variables shadow root ones of
// the same name only within their scope, so this root view reports the
// root value.
func (m *Manager) GetInstanceVariables(ctx context.Context, instanceID string) (map[string]interface{}, error) {
	vars, err := m.store.ListVariables(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	for _, v := range vars {
		if v.ScopeID == "" {
			out[v.Name] = v.Value.Native()
		}
	}
	return out, nil
}

// ScopeVariables returns a native-value snapshot visible from a scope:
// root values overlaid with the scope's own values.
func (m *Manager) ScopeVariables(ctx context.Context, instanceID, scopeID string) (map[string]interface{}, error) {
	vars, err := m.store.ListVariables(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	for _, v := range vars {
		if v.ScopeID == "" {
			out[v.Name] = v.Value.Native()
		}
	}
	if scopeID != "" {
		for _, v := range vars {
			if v.ScopeID == scopeID {
				out[v.Name] = v.Value.Native()
			}
		}
	}
	return out, nil
}

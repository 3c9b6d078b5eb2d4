package state

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flowmata/flowmata/core/variables"
)

// TokenState tracks whether a token is runnable or parked on a wait state
type TokenState string

const (
	TokenActive  TokenState = "ACTIVE"
	TokenWaiting TokenState = "WAITING"
)

// Token marks a point of execution within a process instance's graph
type Token struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	NodeID     string     `json:"node_id"`
	State      TokenState `json:"state"`

	// ScopeID is the subprocess path this token executes in; empty
	// means root scope.
	ScopeID string `json:"scope_id,omitempty"`

	// Data is a small bag of variables private to this token's path.
	Data map[string]interface{} `json:"data,omitempty"`

	// Splits is the stack of gateway splits this token is inside,
	// outermost first. A join matches siblings on the innermost frame
	// and pops it from the merged token.
	Splits []SplitFrame `json:"splits,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SplitFrame records one gateway split a token descends from
type SplitFrame struct {
	// ParentID is the id of the token the split consumed; siblings of
	// the same split share it.
	ParentID string `json:"parent_id"`

	// ActivationID distinguishes re-entries of the same split in a
	// loop; joins only match tokens of the same activation.
	ActivationID string `json:"activation_id"`

	// Expected is how many sibling tokens the split produced; the join
	// waits for all of them.
	Expected int `json:"expected"`

	// ActivatedFlows is the set of outgoing flow ids the split
	// activated (inclusive gateways).
	ActivatedFlows []string `json:"activated_flows,omitempty"`
}

// InnermostSplit returns the frame a join should match on, or nil
func (t Token) InnermostSplit() *SplitFrame {
	if len(t.Splits) == 0 {
		return nil
	}
	return &t.Splits[len(t.Splits)-1]
}

// NewToken creates an active root-scope token
func NewToken(instanceID, nodeID string) Token {
	return Token{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		State:      TokenActive,
		Data:       map[string]interface{}{},
		CreatedAt:  time.Now().UTC(),
	}
}

// Copy returns a new token at nodeID carrying this token's data and
// split lineage, with a fresh ID.
func (t Token) Copy(nodeID string) Token {
	data := make(map[string]interface{}, len(t.Data))
	for k, v := range t.Data {
		data[k] = v
	}
	return Token{
		ID:         uuid.New().String(),
		InstanceID: t.InstanceID,
		NodeID:     nodeID,
		State:      TokenActive,
		ScopeID:    t.ScopeID,
		Data:       data,
		Splits:     append([]SplitFrame(nil), t.Splits...),
		CreatedAt:  time.Now().UTC(),
	}
}

// sortTokensFIFO orders tokens oldest first, ties broken by id, so
// execution picks up tokens in arrival order.
func sortTokensFIFO(tokens []Token) {
	sort.Slice(tokens, func(i, j int) bool {
		if !tokens[i].CreatedAt.Equal(tokens[j].CreatedAt) {
			return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
		}
		return tokens[i].ID < tokens[j].ID
	})
}

// TimerRecordState tracks the firing lifecycle of a persisted timer
type TimerRecordState string

const (
	TimerArmed     TimerRecordState = "armed"
	TimerFired     TimerRecordState = "fired"
	TimerCancelled TimerRecordState = "cancelled"
)

// TimerRecord is a persisted timer event
type TimerRecord struct {
	ID           string           `json:"id"`
	InstanceID   string           `json:"instance_id"`
	DefinitionID string           `json:"definition_id"`
	NodeID       string           `json:"node_id"`

	// Definition is the raw ISO-8601 timer definition ("PT1H",
	// "R3/PT10M", or an absolute RFC 3339 date).
	Definition string `json:"definition"`

	FireAt time.Time        `json:"fire_at"`
	State  TimerRecordState `json:"state"`

	// Remaining counts repetitions left for cycle timers; -1 means
	// unbounded, 0 means no re-arm.
	Remaining int `json:"remaining"`

	// StartEvent marks a timer armed for a timer start event. Its
	// InstanceID is pre-generated for the instance the fire will
	// create, and each cycle repetition gets a fresh one.
	StartEvent bool `json:"start_event,omitempty"`
}

// VersionedVariable is a variable value with its append-only version
type VersionedVariable struct {
	Name    string          `json:"name"`
	ScopeID string          `json:"scope_id"`
	Version int             `json:"version"`
	Value   variables.Value `json:"value"`
}

// Package instance implements the process instance lifecycle: the
// status state machine, instance and definition persistence, and
// instance-scoped variable access.
package instance

import (
	"time"

	"github.com/flowmata/flowmata/core/engine"
)

// Status is a process instance lifecycle state
type Status string

const (
	// StatusCreated exists only between construction and the first
	// persisted write; rows are stored RUNNING onward.
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusError     Status = "ERROR"
	StatusCompleted Status = "COMPLETED"
)

// allowedTransitions is the lifecycle matrix. Anything absent is an
// InvalidStateTransitionError.
var allowedTransitions = map[Status][]Status{
	StatusCreated:   {StatusRunning},
	StatusRunning:   {StatusSuspended, StatusError, StatusCompleted},
	StatusSuspended: {StatusRunning},
	StatusError:     {StatusRunning, StatusCompleted},
	StatusCompleted: {},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidStateTransitionError when the
// transition is outside the matrix.
func ValidateTransition(instanceID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &engine.InvalidStateTransitionError{
			InstanceID: instanceID,
			From:       string(from),
			To:         string(to),
		}
	}
	return nil
}

// Definition is a stored process definition version
type Definition struct {
	ID        string
	Name      string
	Version   int
	BPMNXML   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Instance is a process instance row
type Instance struct {
	ID           string
	DefinitionID string
	Status       Status

	// ErrorContext captures the failure that moved the instance to
	// ERROR, for diagnosis and recovery.
	ErrorContext map[string]interface{}

	StartTime time.Time
	EndTime   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

package engine

import (
	"errors"
	"fmt"
)

// ErrInstanceGone signals that an in-flight step observed its token set
// deleted underneath it (forced termination). Callers swallow it.
var ErrInstanceGone = errors.New("process instance gone")

// InvalidProcessDefinitionError reports a missing definition, multiple
// start events without a selector, or an unknown node kind.
type InvalidProcessDefinitionError struct {
	DefinitionID string
	Reason       string
}

func (e *InvalidProcessDefinitionError) Error() string {
	if e.DefinitionID != "" {
		return fmt.Sprintf("invalid process definition %s: %s", e.DefinitionID, e.Reason)
	}
	return fmt.Sprintf("invalid process definition: %s", e.Reason)
}

// InvalidStateTransitionError reports a lifecycle transition outside the
// allowed matrix.
type InvalidStateTransitionError struct {
	InstanceID string
	From       string
	To         string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("instance %s: invalid transition %s -> %s", e.InstanceID, e.From, e.To)
}

// GatewayNoMatchError reports that no outgoing flow condition matched
// and no default flow exists.
type GatewayNoMatchError struct {
	GatewayID string
}

func (e *GatewayNoMatchError) Error() string {
	return fmt.Sprintf("gateway %s: no outgoing flow matched and no default flow defined", e.GatewayID)
}

// TaskExecutionError wraps a failure from a task invocation
type TaskExecutionError struct {
	NodeID string
	Task   string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s at node %s failed: %v", e.Task, e.NodeID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// TaskTimeoutError reports a task that exceeded process.script_timeout
type TaskTimeoutError struct {
	NodeID string
	Task   string
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s at node %s timed out", e.Task, e.NodeID)
}

// TransientError marks a state store or bus failure as retryable. The
// dispatch layer retries these with bounded backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable; nil passes through
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ProcessInstanceError is the umbrella for other instance-scoped failures
type ProcessInstanceError struct {
	InstanceID string
	Err        error
}

func (e *ProcessInstanceError) Error() string {
	return fmt.Sprintf("instance %s: %v", e.InstanceID, e.Err)
}

func (e *ProcessInstanceError) Unwrap() error { return e.Err }

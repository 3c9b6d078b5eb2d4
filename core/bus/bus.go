// Package bus implements the event bus coupling between the API side
// and the execution side. Topics are Redis streams; subscribers join a
// consumer group per queue name, so delivery is at-least-once and
// handlers must be idempotent.
package bus

import (
	"context"
	"time"
)

// Topic names
const (
	TopicProcessStarted = "process.started"
	TopicTimerTriggered = "process.timer_triggered"
)

// Queue (consumer group) names
const (
	QueueProcessExecution = "process_execution"
	QueueTimerExecution   = "timer_execution"
)

// ProcessStartedEvent asks the execution side to run an instance. The
// variables map carries tagged {type, value} pairs keyed by name.
type ProcessStartedEvent struct {
	InstanceID   string                 `json:"instance_id"`
	DefinitionID string                 `json:"definition_id"`
	Variables    map[string]TaggedValue `json:"variables,omitempty"`
	Source       string                 `json:"source,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// TaggedValue is the wire shape of a variable in bus payloads
type TaggedValue struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// TimerTriggeredEvent reports a fired timer start event
type TimerTriggeredEvent struct {
	TimerID      string    `json:"timer_id"`
	InstanceID   string    `json:"instance_id"`
	DefinitionID string    `json:"definition_id"`
	NodeID       string    `json:"node_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler processes one delivery. Returning an error leaves the message
// unacknowledged for redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Bus is the publish/subscribe contract
type Bus interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	// Subscribe joins the queue's consumer group on topic and runs
	// handler for each delivery until ctx ends.
	Subscribe(ctx context.Context, topic, queue string, handler Handler) error
	Close() error
}

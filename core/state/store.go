// Package state implements the durable state store client: token
// positions, versioned variables, timer records and advisory locks.
// The Redis-backed implementation is authoritative in production; the
// in-memory implementation backs unit tests.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/flowmata/flowmata/core/variables"
)

// ErrTokenNotFound is returned when a token operation targets a token
// that no longer exists (usually a forcibly terminated instance).
var ErrTokenNotFound = errors.New("token not found")

// Store is the state store client contract. All mutating operations
// are linearizable per key; CommitTokens additionally guarantees
// atomicity across an instance's whole token set.
type Store interface {
	// Tokens
	GetTokenPositions(ctx context.Context, instanceID string) ([]Token, error)
	AddToken(ctx context.Context, token Token) error
	RemoveToken(ctx context.Context, instanceID, tokenID string) error
	UpdateToken(ctx context.Context, token Token) error
	// CommitTokens deletes the consumed token ids and writes the
	// produced tokens in one commit. Every token step (move, split,
	// join, consume at an end event) goes through this, so a crash
	// never leaves a half-applied step. Returns ErrTokenNotFound when
	// any consumed id is already gone.
	CommitTokens(ctx context.Context, instanceID string, consumedIDs []string, produced []Token) error
	DeleteTokens(ctx context.Context, instanceID string) error
	ClearScopeTokens(ctx context.Context, instanceID, scopeID string) error

	// Variables: append-only versions per (instance, name, scope).
	// SetVariable returns the assigned version. GetVariable with
	// atVersion 0 returns the latest; otherwise the greatest version
	// <= atVersion. A scoped read falls back to the root scope when
	// the name is absent in the scope.
	SetVariable(ctx context.Context, instanceID, name, scopeID string, value variables.Value) (int, error)
	GetVariable(ctx context.Context, instanceID, name, scopeID string, atVersion int) (*variables.Value, error)
	ListVariables(ctx context.Context, instanceID string) ([]VersionedVariable, error)

	// Timers
	PutTimer(ctx context.Context, rec TimerRecord) error
	GetTimer(ctx context.Context, id string) (*TimerRecord, error)
	// DueTimers returns armed records with fire time <= now, earliest
	// first.
	DueTimers(ctx context.Context, now time.Time) ([]TimerRecord, error)
	// ArmedTimers returns every armed record, earliest first (crash
	// recovery).
	ArmedTimers(ctx context.Context) ([]TimerRecord, error)
	// MarkTimerFired CAS-transitions armed -> fired. Returns false if
	// the record was already fired or cancelled.
	MarkTimerFired(ctx context.Context, id string) (bool, error)
	// CancelTimer CAS-transitions armed -> cancelled. Returns false if
	// the record was already fired or cancelled.
	CancelTimer(ctx context.Context, id string) (bool, error)
	// CancelNodeTimers cancels all armed timers parked on a node.
	CancelNodeTimers(ctx context.Context, instanceID, nodeID string) error
	// WatchTimers delivers a signal whenever a timer is armed, so the
	// scheduler can re-evaluate its wakeup. Closed when ctx ends.
	WatchTimers(ctx context.Context) (<-chan struct{}, error)

	// Advisory lock per instance, with TTL
	AcquireLock(ctx context.Context, instanceID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, instanceID string) error
}

// Package queue implements the durable task queue and worker leasing.
//
// Tasks are records in the durable store; a worker never owns a task, it
// holds a time-bounded lease on it. Every state transition is a
// revision-checked write, so the at-most-one-valid-lease invariant holds
// across distributed workers without in-process locks.
package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Priority orders tasks across bands; within a band tasks are FIFO.
type Priority string

const (
	PriorityCritical   Priority = "CRITICAL"
	PriorityHigh       Priority = "HIGH"
	PriorityNormal     Priority = "NORMAL"
	PriorityLow        Priority = "LOW"
	PriorityBackground Priority = "BACKGROUND"
)

// rank maps a priority to its selection order; lower leases first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PriorityBackground:
		return 4
	default:
		return 5 // unknown priorities sort last rather than failing
	}
}

// State is the task lifecycle state.
type State string

const (
	StatePending    State = "PENDING"
	StateLeased     State = "LEASED"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateDeadLetter State = "DEAD_LETTER"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDeadLetter || s == StateCancelled
}

// Lease is a time-bounded exclusive claim on a task.
type Lease struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ValidAt reports whether the lease is held at the given instant.
func (l *Lease) ValidAt(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Task is a unit of work. Mutated only through Queue methods by the
// worker holding a valid lease.
type Task struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	Namespace    string          `json:"namespace"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     Priority        `json:"priority"`
	State        State           `json:"state"`
	AttemptCount int             `json:"attempt_count"`
	Lease        *Lease          `json:"lease,omitempty"`

	// IdempotencyToken deduplicates enqueues: a token seen before
	// returns the original task instead of creating a new one.
	IdempotencyToken string `json:"idempotency_token,omitempty"`

	// DedicatedTo restricts leasing to workers declaring this namespace
	// capability. Set for tasks of STRICT-isolation namespaces.
	DedicatedTo string `json:"dedicated_to,omitempty"`

	// CancelRequested marks an in-flight task for cooperative
	// cancellation; the leasing worker observes it on heartbeat.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Seq        int64           `json:"seq"` // FIFO order within a priority band
	EnqueuedAt time.Time       `json:"enqueued_at"`
	NotBefore  time.Time       `json:"not_before,omitempty"` // backoff eligibility
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("queue: task not found")

	// ErrLeaseConflict is returned when a worker mutates a task without
	// holding its valid lease. Never retried automatically.
	ErrLeaseConflict = errors.New("queue: caller does not hold a valid lease")

	// ErrLeaseExpired is returned on heartbeat after expiry; the worker
	// must re-lease.
	ErrLeaseExpired = errors.New("queue: lease expired")

	// ErrTerminalState is returned when mutating a task that already
	// reached a terminal state.
	ErrTerminalState = errors.New("queue: task is in a terminal state")
)

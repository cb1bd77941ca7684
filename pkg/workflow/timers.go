// Package workflow manages long-running workflow executions: durable
// timers that survive process restarts, execution leases with the same
// exclusivity guarantee as task leases, and progress checkpoints a new
// executor resumes from after a takeover.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const (
	timerKeyPrefix    = "timer/"
	leaseKeyPrefix    = "wflease/"
	progressKeyPrefix = "wfprogress/"
)

var (
	// ErrTimerNotFound is returned for an unknown timer id.
	ErrTimerNotFound = errors.New("workflow: timer not found")

	// ErrUnknownCallback is returned when a timer names a callback ref
	// that no handler was registered for.
	ErrUnknownCallback = errors.New("workflow: unknown callback ref")

	// ErrLeaseHeld is returned when another executor holds a valid
	// execution lease on the workflow.
	ErrLeaseHeld = errors.New("workflow: execution lease held by another executor")

	// ErrNotHolder is returned when heartbeating or releasing a lease
	// the caller does not hold.
	ErrNotHolder = errors.New("workflow: caller is not the lease holder")
)

// Timer is a durable scheduled callback. It is persisted before it is
// considered scheduled, fires at most once per pump, and the callback
// must be idempotent: a timer overdue across a restart fires again on
// recovery (at-least-once).
type Timer struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	FireAt      time.Time `json:"fire_at"`
	CallbackRef string    `json:"callback_ref"`
	Cancelled   bool      `json:"cancelled"`
	Fired       bool      `json:"fired"`
	Seq         int64     `json:"seq"` // tie-break for identical fire_at
}

// Callback handles a fired timer.
type Callback func(ctx context.Context, workflowID string) error

// Manager owns timers and execution leases for workflows.
type Manager struct {
	store  store.Store
	clock  func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	callbacks map[string]Callback
	seq       int64
}

// NewManager creates a manager over the durable store.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		clock:     time.Now,
		logger:    slog.Default().With("component", "workflow"),
		callbacks: make(map[string]Callback),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// RegisterCallback binds a durable callback ref to its handler. Refs are
// stable names; handlers are re-registered on process start before
// Recover is called.
func (m *Manager) RegisterCallback(ref string, fn Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[ref] = fn
}

// ScheduleTimer persists a timer firing after delay. The timer only
// counts as scheduled once the write succeeds.
func (m *Manager) ScheduleTimer(ctx context.Context, workflowID string, delay time.Duration, callbackRef string) (string, error) {
	m.mu.RLock()
	_, known := m.callbacks[callbackRef]
	m.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownCallback, callbackRef)
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	t := &Timer{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		FireAt:      m.clock().Add(delay),
		CallbackRef: callbackRef,
		Seq:         seq,
	}
	if _, err := store.PutJSON(ctx, m.store, timerKeyPrefix+t.ID, t, 0); err != nil {
		return "", fmt.Errorf("workflow: schedule timer: %w", err)
	}
	return t.ID, nil
}

// CancelTimer cancels a timer that has not fired. Cancelling a fired or
// already-cancelled timer is a no-op.
func (m *Manager) CancelTimer(ctx context.Context, timerID string) error {
	var t Timer
	rev, err := store.GetJSON(ctx, m.store, timerKeyPrefix+timerID, &t)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTimerNotFound
	}
	if err != nil {
		return err
	}
	if t.Fired || t.Cancelled {
		return nil
	}

	t.Cancelled = true
	if _, err := store.PutJSON(ctx, m.store, timerKeyPrefix+timerID, &t, rev); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			// Raced with the pump; re-check rather than fail cancellation.
			return m.CancelTimer(ctx, timerID)
		}
		return err
	}
	return nil
}

// Tick fires all due timers in fire_at order (ties by scheduling order)
// and returns how many fired. Callbacks run before the fired mark is
// written, so a crash in between re-fires on the next tick — callbacks
// must tolerate that.
func (m *Manager) Tick(ctx context.Context) (int, error) {
	now := m.clock()
	recs, err := m.store.Scan(ctx, timerKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("workflow: timer scan: %w", err)
	}

	type due struct {
		timer Timer
		rev   int64
	}
	var dueTimers []due
	for _, rec := range recs {
		var t Timer
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			return 0, fmt.Errorf("workflow: decode %s: %w", rec.Key, err)
		}
		if t.Fired || t.Cancelled || t.FireAt.After(now) {
			continue
		}
		dueTimers = append(dueTimers, due{timer: t, rev: rec.Rev})
	}
	sort.Slice(dueTimers, func(i, j int) bool {
		a, b := dueTimers[i].timer, dueTimers[j].timer
		if !a.FireAt.Equal(b.FireAt) {
			return a.FireAt.Before(b.FireAt)
		}
		return a.Seq < b.Seq
	})

	fired := 0
	for _, d := range dueTimers {
		m.mu.RLock()
		cb, ok := m.callbacks[d.timer.CallbackRef]
		m.mu.RUnlock()
		if !ok {
			m.logger.Error("timer names unregistered callback",
				"timer_id", d.timer.ID, "callback_ref", d.timer.CallbackRef)
			continue
		}

		if err := cb(ctx, d.timer.WorkflowID); err != nil {
			m.logger.Warn("timer callback failed; will re-fire",
				"timer_id", d.timer.ID, "error", err)
			continue
		}

		t := d.timer
		t.Fired = true
		if _, err := store.PutJSON(ctx, m.store, timerKeyPrefix+t.ID, &t, d.rev); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				continue // another pump marked it; idempotent callback makes this safe
			}
			return fired, err
		}
		fired++
	}
	return fired, nil
}

// Recover re-arms persisted timers after a process restart, immediately
// firing any that came due while the process was down.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	fired, err := m.Tick(ctx)
	if err != nil {
		return fired, err
	}
	if fired > 0 {
		m.logger.Info("fired overdue timers on recovery", "count", fired)
	}
	return fired, nil
}

// Pump ticks at the given interval until ctx is cancelled.
func (m *Manager) Pump(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil {
				m.logger.Error("timer tick failed", "error", err)
			}
		}
	}
}

// GetTimer returns a copy of the timer.
func (m *Manager) GetTimer(ctx context.Context, timerID string) (*Timer, error) {
	var t Timer
	_, err := store.GetJSON(ctx, m.store, timerKeyPrefix+timerID, &t)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTimerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

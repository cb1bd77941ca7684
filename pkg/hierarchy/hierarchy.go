// Package hierarchy tracks parent/child workflow relationships: spawning,
// waiting, cancellation and failure propagation.
//
// Child links live in the durable store, so a parent's wait is re-derived
// from persisted records after a worker restart — never from memory.
package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const (
	childKeyPrefix   = "child/"    // child/<parent>/<child> → ChildLink
	refKeyPrefix     = "childref/" // childref/<child> → parent id
	failureKeyPrefix = "wffailure/"
)

var (
	// ErrChildNotFound is returned for an unknown child id.
	ErrChildNotFound = errors.New("hierarchy: child not found")

	// ErrChildTerminal is returned when updating a child that already
	// reached a terminal state. Terminal states are set exactly once.
	ErrChildTerminal = errors.New("hierarchy: child already terminal")
)

// Status is a child workflow's lifecycle state.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ChildLink records one parent→child edge and the child's outcome.
type ChildLink struct {
	ParentID  string          `json:"parent_id"`
	ChildID   string          `json:"child_id"`
	Type      string          `json:"type"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	SpawnedAt time.Time       `json:"spawned_at"`
}

// ParentFailure records that a parent was failed by one of its children.
type ParentFailure struct {
	ParentID string    `json:"parent_id"`
	ChildID  string    `json:"child_id"`
	Message  string    `json:"message"`
	FailedAt time.Time `json:"failed_at"`
}

// Manager owns the hierarchy records.
type Manager struct {
	store  store.Store
	clock  func() time.Time
	poll   time.Duration
	logger *slog.Logger
}

// NewManager creates a manager over the durable store.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		clock:  time.Now,
		poll:   200 * time.Millisecond,
		logger: slog.Default().With("component", "hierarchy"),
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

// WithPollInterval sets how often waits re-check the store.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.poll = d }
}

// SpawnChild creates a RUNNING child link under parentID.
func (m *Manager) SpawnChild(ctx context.Context, parentID, childType string) (string, error) {
	link := &ChildLink{
		ParentID:  parentID,
		ChildID:   uuid.New().String(),
		Type:      childType,
		Status:    StatusRunning,
		SpawnedAt: m.clock(),
	}

	key := childKeyPrefix + parentID + "/" + link.ChildID
	if _, err := store.PutJSON(ctx, m.store, key, link, 0); err != nil {
		return "", fmt.Errorf("hierarchy: spawn: %w", err)
	}
	if _, err := m.store.Put(ctx, refKeyPrefix+link.ChildID, []byte(parentID), 0); err != nil {
		return "", fmt.Errorf("hierarchy: spawn ref: %w", err)
	}
	return link.ChildID, nil
}

// UpdateChildStatus records a child lifecycle event. A child that is
// already terminal rejects further updates.
func (m *Manager) UpdateChildStatus(ctx context.Context, childID string, status Status, result json.RawMessage, errMsg string) error {
	link, rev, err := m.loadByChild(ctx, childID)
	if err != nil {
		return err
	}
	if link.Status.Terminal() {
		return ErrChildTerminal
	}

	link.Status = status
	link.Result = result
	link.Error = errMsg

	key := childKeyPrefix + link.ParentID + "/" + link.ChildID
	if _, err := store.PutJSON(ctx, m.store, key, link, rev); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			// Raced with another updater; re-check terminality.
			return m.UpdateChildStatus(ctx, childID, status, result, errMsg)
		}
		return err
	}
	return nil
}

// CancelChild cancels a running child. Cancelling an already-terminal
// child is a no-op, not an error.
func (m *Manager) CancelChild(ctx context.Context, childID string) error {
	err := m.UpdateChildStatus(ctx, childID, StatusCancelled, nil, "cancelled by parent")
	if errors.Is(err, ErrChildTerminal) {
		return nil
	}
	return err
}

// GetChild returns a copy of the child link.
func (m *Manager) GetChild(ctx context.Context, childID string) (*ChildLink, error) {
	link, _, err := m.loadByChild(ctx, childID)
	return link, err
}

// Children returns all child links of a parent in spawn order.
func (m *Manager) Children(ctx context.Context, parentID string) ([]*ChildLink, error) {
	recs, err := m.store.Scan(ctx, childKeyPrefix+parentID+"/")
	if err != nil {
		return nil, err
	}
	out := make([]*ChildLink, 0, len(recs))
	for _, rec := range recs {
		var link ChildLink
		if err := json.Unmarshal(rec.Value, &link); err != nil {
			return nil, fmt.Errorf("hierarchy: decode %s: %w", rec.Key, err)
		}
		out = append(out, &link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpawnedAt.Before(out[j].SpawnedAt) })
	return out, nil
}

// WaitForChild blocks the caller's logical progress until the child
// reaches a terminal state or ctx is cancelled. The wait polls the
// persisted record, so it survives caller restarts.
func (m *Manager) WaitForChild(ctx context.Context, parentID, childID string) (*ChildLink, error) {
	for {
		link, _, err := m.loadByChild(ctx, childID)
		if err != nil {
			return nil, err
		}
		if link.ParentID != parentID {
			return nil, fmt.Errorf("hierarchy: child %s does not belong to parent %s", childID, parentID)
		}
		if link.Status.Terminal() {
			return link, nil
		}
		if err := m.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

// WaitForAllChildren blocks until every child of parentID is terminal.
func (m *Manager) WaitForAllChildren(ctx context.Context, parentID string) ([]*ChildLink, error) {
	for {
		links, err := m.Children(ctx, parentID)
		if err != nil {
			return nil, err
		}
		allDone := true
		for _, l := range links {
			if !l.Status.Terminal() {
				allDone = false
				break
			}
		}
		if allDone {
			return links, nil
		}
		if err := m.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

// PropagateFailure marks the child's parent as failed because of it.
// The first propagation wins; later ones are no-ops.
func (m *Manager) PropagateFailure(ctx context.Context, childID, message string) error {
	link, _, err := m.loadByChild(ctx, childID)
	if err != nil {
		return err
	}

	failure := &ParentFailure{
		ParentID: link.ParentID,
		ChildID:  childID,
		Message:  message,
		FailedAt: m.clock(),
	}
	if _, err := store.PutJSON(ctx, m.store, failureKeyPrefix+link.ParentID, failure, 0); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return nil // parent already failed by an earlier child
		}
		return err
	}
	m.logger.Warn("child failure propagated to parent",
		"parent_id", link.ParentID, "child_id", childID, "message", message)
	return nil
}

// FailureOf returns the recorded parent failure, or nil when the parent
// has not been failed by a child.
func (m *Manager) FailureOf(ctx context.Context, parentID string) (*ParentFailure, error) {
	var f ParentFailure
	_, err := store.GetJSON(ctx, m.store, failureKeyPrefix+parentID, &f)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (m *Manager) loadByChild(ctx context.Context, childID string) (*ChildLink, int64, error) {
	ref, err := m.store.Get(ctx, refKeyPrefix+childID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, ErrChildNotFound
	}
	if err != nil {
		return nil, 0, err
	}

	var link ChildLink
	rev, err := store.GetJSON(ctx, m.store, childKeyPrefix+string(ref.Value)+"/"+childID, &link)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, ErrChildNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return &link, rev, nil
}

func (m *Manager) sleep(ctx context.Context) error {
	timer := time.NewTimer(m.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

// Lease is an execution lease on a workflow. Exactly the same invariant
// as task leases: at most one valid lease per workflow at any instant.
type Lease struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ValidAt reports whether the lease is held at the given instant.
func (l *Lease) ValidAt(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// AcquireLease claims the execution lease for workflowID. An expired
// lease is taken over; a valid one returns ErrLeaseHeld. A takeover
// executor must assume the workflow stopped mid-step and resume from its
// recorded progress checkpoint, not restart.
func (m *Manager) AcquireLease(ctx context.Context, workflowID, holder string, duration time.Duration) (*Lease, error) {
	now := m.clock()
	key := leaseKeyPrefix + workflowID
	lease := &Lease{HolderID: holder, AcquiredAt: now, ExpiresAt: now.Add(duration)}

	var current Lease
	rev, err := store.GetJSON(ctx, m.store, key, &current)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rev = 0
	case err != nil:
		return nil, err
	default:
		if current.ValidAt(now) && current.HolderID != holder {
			return nil, ErrLeaseHeld
		}
		if current.HolderID != holder {
			m.logger.Info("workflow lease takeover",
				"workflow_id", workflowID, "previous_holder", current.HolderID, "holder", holder)
		}
	}

	if _, err := store.PutJSON(ctx, m.store, key, lease, rev); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return nil, ErrLeaseHeld // lost the acquisition race
		}
		return nil, fmt.Errorf("workflow: acquire lease: %w", err)
	}
	return lease, nil
}

// HeartbeatLease extends the holder's lease. Heartbeats on an expired or
// foreign lease fail; the caller must re-acquire.
func (m *Manager) HeartbeatLease(ctx context.Context, workflowID, holder string, extend time.Duration) error {
	key := leaseKeyPrefix + workflowID
	var current Lease
	rev, err := store.GetJSON(ctx, m.store, key, &current)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotHolder
	}
	if err != nil {
		return err
	}

	now := m.clock()
	if current.HolderID != holder || !current.ValidAt(now) {
		return ErrNotHolder
	}

	current.ExpiresAt = now.Add(extend)
	if _, err := store.PutJSON(ctx, m.store, key, &current, rev); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return ErrNotHolder
		}
		return err
	}
	return nil
}

// ReleaseLease gives up the lease. Only the current holder may release;
// releasing an expired lease is a no-op.
func (m *Manager) ReleaseLease(ctx context.Context, workflowID, holder string) error {
	key := leaseKeyPrefix + workflowID
	var current Lease
	rev, err := store.GetJSON(ctx, m.store, key, &current)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.HolderID != holder {
		if current.ValidAt(m.clock()) {
			return ErrNotHolder
		}
		return nil
	}

	if err := m.store.Delete(ctx, key, rev); err != nil && !errors.Is(err, store.ErrNotFound) {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return ErrNotHolder
		}
		return err
	}
	return nil
}

// RecordProgress durably checkpoints workflow progress. Checkpoints are
// what a takeover executor resumes from.
func (m *Manager) RecordProgress(ctx context.Context, workflowID string, checkpoint json.RawMessage) error {
	key := progressKeyPrefix + workflowID
	for {
		rec, err := m.store.Get(ctx, key)
		rev := int64(0)
		if err == nil {
			rev = rec.Rev
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := m.store.Put(ctx, key, checkpoint, rev); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrRevisionMismatch) {
			return err
		}
	}
}

// Progress returns the last recorded checkpoint, or nil when none exists.
func (m *Manager) Progress(ctx context.Context, workflowID string) (json.RawMessage, error) {
	rec, err := m.store.Get(ctx, progressKeyPrefix+workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// Package store defines the durable key-value store every Tiller component
// persists through. The store is the single source of truth: leases, quota
// counters, timers and child links all live here, and the two serialization
// points of the system (lease acquisition, quota consume) are expressed as
// compare-and-swap writes against it.
//
// Backends: in-memory (tests/dev), SQLite (single node), Redis and Postgres
// (shared deployments). All backends implement the same revision-checked
// write semantics.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrRevisionMismatch is returned when a conditional write's expected
	// revision does not match the stored revision. Callers re-read and
	// retry, or treat it as losing a race (lease acquisition does).
	ErrRevisionMismatch = errors.New("store: revision mismatch")
)

// Record is a stored entry. Rev increases by one on every successful write
// and is never reused for a key, so a holder of Rev can detect any
// intervening mutation.
type Record struct {
	Key   string
	Value []byte
	Rev   int64
}

// Store is the durable KV abstraction.
//
// Put is a conditional write: rev must equal the current revision of the
// key, or 0 to require that the key does not exist yet. On success the new
// revision is returned. On mismatch ErrRevisionMismatch is returned and
// nothing is written.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, key string, value []byte, rev int64) (int64, error)
	Delete(ctx context.Context, key string, rev int64) error

	// Scan returns all records whose key starts with prefix, in key order.
	Scan(ctx context.Context, prefix string) ([]Record, error)
}

// GetJSON reads key and unmarshals its value into v.
// Returns the record's revision for a subsequent conditional Put.
func GetJSON(ctx context.Context, s Store, key string, v any) (int64, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(rec.Value, v); err != nil {
		return 0, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return rec.Rev, nil
}

// PutJSON marshals v and writes it conditionally at rev.
func PutJSON(ctx context.Context, s Store, key string, v any, rev int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data, rev)
}

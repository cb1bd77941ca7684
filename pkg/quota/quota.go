// Package quota enforces per-namespace resource limits: workflow counts,
// concurrent executions, queue depth, storage bytes and a per-minute rate.
//
// Consumption is all-or-nothing: a request that would exceed any limit
// changes nothing. Enforcement fails closed.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const nsKeyPrefix = "namespace/"

var (
	// ErrQuotaExceeded is returned when a consume request would push any
	// counter past its namespace limit.
	ErrQuotaExceeded = errors.New("quota: exceeded")

	// ErrNamespaceNotFound is returned for an unknown namespace.
	ErrNamespaceNotFound = errors.New("quota: namespace not found")

	// ErrNamespaceExists is returned when creating a duplicate namespace.
	ErrNamespaceExists = errors.New("quota: namespace already exists")

	// ErrRateLimited is returned when the namespace's per-minute rate is
	// exhausted.
	ErrRateLimited = errors.New("quota: rate limited")
)

// Isolation selects how strongly a namespace's work is separated from
// other tenants.
type Isolation string

const (
	IsolationStrict Isolation = "STRICT" // dedicated workers only
	IsolationShared Isolation = "SHARED" // shared pool, quotas enforced
	IsolationNone   Isolation = "NONE"   // shared pool, advisory quotas
)

// Limits is the per-namespace ceiling for each tracked resource.
type Limits struct {
	MaxWorkflows            int64 `json:"max_workflows"`
	MaxConcurrentExecutions int64 `json:"max_concurrent_executions"`
	MaxQueueDepth           int64 `json:"max_queue_depth"`
	MaxStorageBytes         int64 `json:"max_storage_bytes"`
	RateLimitPerMinute      int64 `json:"rate_limit_per_minute"`
}

// Usage is the current consumption of each tracked resource.
type Usage struct {
	Workflows            int64 `json:"workflows"`
	ConcurrentExecutions int64 `json:"concurrent_executions"`
	QueueDepth           int64 `json:"queue_depth"`
	StorageBytes         int64 `json:"storage_bytes"`
}

// Request is the delta a caller wants to consume or release.
type Request struct {
	Workflows            int64
	ConcurrentExecutions int64
	QueueDepth           int64
	StorageBytes         int64
}

// Namespace is the durable record for one tenant.
type Namespace struct {
	ID        string    `json:"id"`
	Limits    Limits    `json:"limits"`
	Isolation Isolation `json:"isolation"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager enforces namespace quotas over the durable store.
type Manager struct {
	store  store.Store
	clock  func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewManager creates a quota manager.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		clock:    time.Now,
		logger:   slog.Default().With("component", "quota"),
		limiters: make(map[string]*rate.Limiter),
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

// CreateNamespace registers a new namespace with zero usage.
func (m *Manager) CreateNamespace(ctx context.Context, id string, limits Limits, isolation Isolation) (*Namespace, error) {
	ns := &Namespace{
		ID:        id,
		Limits:    limits,
		Isolation: isolation,
		CreatedAt: m.clock(),
	}
	if _, err := store.PutJSON(ctx, m.store, nsKeyPrefix+id, ns, 0); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return nil, ErrNamespaceExists
		}
		return nil, fmt.Errorf("quota: create namespace: %w", err)
	}
	m.logger.Info("namespace created", "namespace", id, "isolation", string(isolation))
	return ns, nil
}

// GetNamespace returns the namespace record.
func (m *Manager) GetNamespace(ctx context.Context, id string) (*Namespace, error) {
	ns, _, err := m.load(ctx, id)
	return ns, err
}

// UsageOf returns the current usage snapshot for a namespace.
func (m *Manager) UsageOf(ctx context.Context, id string) (Usage, error) {
	ns, _, err := m.load(ctx, id)
	if err != nil {
		return Usage{}, err
	}
	return ns.Usage, nil
}

// Consume atomically reserves the requested resources. Either every
// counter in the request fits under its limit and all are applied, or
// nothing changes and ErrQuotaExceeded is returned. Namespaces with
// Isolation NONE treat limits as advisory and never reject.
func (m *Manager) Consume(ctx context.Context, id string, req Request) error {
	for {
		ns, rev, err := m.load(ctx, id)
		if err != nil {
			return err
		}

		next := ns.Usage
		next.Workflows += req.Workflows
		next.ConcurrentExecutions += req.ConcurrentExecutions
		next.QueueDepth += req.QueueDepth
		next.StorageBytes += req.StorageBytes

		if ns.Isolation != IsolationNone {
			if over := exceeded(next, ns.Limits); over != "" {
				return fmt.Errorf("%w: %s in namespace %s", ErrQuotaExceeded, over, id)
			}
		}

		ns.Usage = next
		_, err = store.PutJSON(ctx, m.store, nsKeyPrefix+id, ns, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrRevisionMismatch) {
			return err
		}
		// Lost the write race; re-read and re-check against fresh usage.
	}
}

// Release returns previously consumed resources. Counters floor at zero
// so a stray double release cannot drive usage negative.
func (m *Manager) Release(ctx context.Context, id string, req Request) error {
	for {
		ns, rev, err := m.load(ctx, id)
		if err != nil {
			return err
		}

		ns.Usage.Workflows = floorZero(ns.Usage.Workflows - req.Workflows)
		ns.Usage.ConcurrentExecutions = floorZero(ns.Usage.ConcurrentExecutions - req.ConcurrentExecutions)
		ns.Usage.QueueDepth = floorZero(ns.Usage.QueueDepth - req.QueueDepth)
		ns.Usage.StorageBytes = floorZero(ns.Usage.StorageBytes - req.StorageBytes)

		_, err = store.PutJSON(ctx, m.store, nsKeyPrefix+id, ns, rev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrRevisionMismatch) {
			return err
		}
	}
}

// AllowRate reports whether the namespace may perform one more operation
// under its per-minute rate limit. A zero RateLimitPerMinute disables the
// check. The token bucket is process-local and advisory; durable counters
// remain the source of truth for hard limits.
func (m *Manager) AllowRate(ctx context.Context, id string) error {
	ns, _, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if ns.Limits.RateLimitPerMinute <= 0 {
		return nil
	}

	m.mu.Lock()
	lim, ok := m.limiters[id]
	if !ok {
		perMin := ns.Limits.RateLimitPerMinute
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), int(perMin))
		m.limiters[id] = lim
	}
	m.mu.Unlock()

	if !lim.Allow() {
		return fmt.Errorf("%w: namespace %s", ErrRateLimited, id)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, id string) (*Namespace, int64, error) {
	var ns Namespace
	rev, err := store.GetJSON(ctx, m.store, nsKeyPrefix+id, &ns)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, ErrNamespaceNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return &ns, rev, nil
}

func exceeded(u Usage, l Limits) string {
	switch {
	case l.MaxWorkflows > 0 && u.Workflows > l.MaxWorkflows:
		return "max_workflows"
	case l.MaxConcurrentExecutions > 0 && u.ConcurrentExecutions > l.MaxConcurrentExecutions:
		return "max_concurrent_executions"
	case l.MaxQueueDepth > 0 && u.QueueDepth > l.MaxQueueDepth:
		return "max_queue_depth"
	case l.MaxStorageBytes > 0 && u.StorageBytes > l.MaxStorageBytes:
		return "max_storage_bytes"
	}
	return ""
}

func floorZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

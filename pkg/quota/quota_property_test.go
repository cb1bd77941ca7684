package quota

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

// Under any interleaving of concurrent consumes, recorded usage never
// exceeds the namespace limit and equals the number of accepted requests.
func TestPropUsageNeverExceedsLimit(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 40

	properties := gopter.NewProperties(params)

	properties.Property("usage bounded by limit under concurrency", prop.ForAll(
		func(limit int64, callers int) bool {
			ctx := context.Background()
			m := NewManager(store.NewMemoryStore())
			if _, err := m.CreateNamespace(ctx, "ns", Limits{MaxConcurrentExecutions: limit}, IsolationStrict); err != nil {
				return false
			}

			var wg sync.WaitGroup
			var mu sync.Mutex
			accepted := 0
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := m.Consume(ctx, "ns", Request{ConcurrentExecutions: 1})
					if err == nil {
						mu.Lock()
						accepted++
						mu.Unlock()
					} else if !errors.Is(err, ErrQuotaExceeded) {
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			u, err := m.UsageOf(ctx, "ns")
			if err != nil {
				return false
			}
			if u.ConcurrentExecutions > limit {
				return false
			}
			return u.ConcurrentExecutions == int64(accepted)
		},
		gen.Int64Range(1, 8),
		gen.IntRange(2, 20),
	))

	properties.Property("release restores exactly what consume took", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			m := NewManager(store.NewMemoryStore())
			if _, err := m.CreateNamespace(ctx, "ns", Limits{MaxQueueDepth: int64(n)}, IsolationShared); err != nil {
				return false
			}

			for i := 0; i < n; i++ {
				if err := m.Consume(ctx, "ns", Request{QueueDepth: 1}); err != nil {
					return false
				}
			}
			for i := 0; i < n; i++ {
				if err := m.Release(ctx, "ns", Request{QueueDepth: 1}); err != nil {
					return false
				}
			}
			u, err := m.UsageOf(ctx, "ns")
			return err == nil && u.QueueDepth == 0
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

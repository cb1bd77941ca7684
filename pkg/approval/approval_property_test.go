package approval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

// For any vote sequence, a request that has reached a terminal status
// never changes status again, and APPROVED is only reachable when every
// required approver voted yes before any rejection.
func TestPropResolutionMonotonic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 60

	properties := gopter.NewProperties(params)

	properties.Property("terminal status never changes", prop.ForAll(
		func(approvers int, votes []bool) bool {
			ctx := context.Background()
			m := NewManager(store.NewMemoryStore())

			required := make([]string, approvers)
			for i := range required {
				required[i] = fmt.Sprintf("a%d", i)
			}
			req, err := m.CreateRequest(ctx, "wf", "subject", required, 0)
			if err != nil {
				return false
			}

			sawRejection := false
			var terminal Status
			for i, yes := range votes {
				voter := required[i%len(required)]
				var got *Request
				if yes {
					got, err = m.Approve(ctx, req.ID, voter)
				} else {
					got, err = m.Reject(ctx, req.ID, voter, "no")
					if terminal == "" {
						sawRejection = true
					}
				}
				if err != nil && !errors.Is(err, ErrRequestResolved) {
					return false
				}
				if terminal != "" && got.Status != terminal {
					return false // terminal status changed
				}
				if got.Status.Terminal() && terminal == "" {
					terminal = got.Status
				}
			}

			if terminal == StatusApproved && sawRejection {
				return false
			}
			if terminal == StatusRejected && !sawRejection {
				return false
			}
			return true
		},
		gen.IntRange(1, 4),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

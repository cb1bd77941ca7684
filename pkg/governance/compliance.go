package governance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const attestationKeyPrefix = "attestation/" // attestation/<workflow type>/<control>

// ErrComplianceBlocked is returned when a workflow type is started
// without the attestations its controls require.
var ErrComplianceBlocked = errors.New("governance: compliance blocked")

// Attestation certifies that a workflow type satisfies a named control.
type Attestation struct {
	WorkflowType string    `json:"workflow_type"`
	Control      string    `json:"control"`
	AttestedBy   string    `json:"attested_by"`
	AttestedAt   time.Time `json:"attested_at"`
}

// Compliance maps workflow types to required controls and enforces that
// no workflow runs without a full attestation set. Enforcement fails
// closed: an unmapped workflow type with enforcement on is blocked only
// when it has required controls, and store errors always block.
type Compliance struct {
	store    store.Store
	clock    func() time.Time
	required map[string][]string // workflow type → control ids
	enforce  bool
}

// NewCompliance creates a compliance engine.
func NewCompliance(s store.Store, opts ...ComplianceOption) *Compliance {
	c := &Compliance{
		store:    s,
		clock:    time.Now,
		required: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComplianceOption configures a Compliance engine.
type ComplianceOption func(*Compliance)

// WithComplianceClock overrides the clock for deterministic testing.
func WithComplianceClock(clock func() time.Time) ComplianceOption {
	return func(c *Compliance) { c.clock = clock }
}

// RequireControls maps a workflow type to the controls it must attest.
func (c *Compliance) RequireControls(workflowType string, controls ...string) {
	c.required[workflowType] = append(c.required[workflowType], controls...)
}

// SetEnforce toggles hard enforcement. When off, CheckRunnable always
// allows and callers may treat missing attestations as advisory.
func (c *Compliance) SetEnforce(on bool) { c.enforce = on }

// Attest records that a control is satisfied for a workflow type.
func (c *Compliance) Attest(ctx context.Context, workflowType, control, attestedBy string) error {
	a := &Attestation{
		WorkflowType: workflowType,
		Control:      control,
		AttestedBy:   attestedBy,
		AttestedAt:   c.clock(),
	}
	key := attestationKeyPrefix + workflowType + "/" + control
	for {
		rec, err := c.store.Get(ctx, key)
		var rev int64
		if err == nil {
			rev = rec.Rev
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := store.PutJSON(ctx, c.store, key, a, rev); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				continue
			}
			return err
		}
		return nil
	}
}

// CheckRunnable reports whether a workflow of the given type may start.
// With enforcement on, every required control must carry an attestation.
func (c *Compliance) CheckRunnable(ctx context.Context, workflowType string) error {
	if !c.enforce {
		return nil
	}
	missing, err := c.MissingControls(ctx, workflowType)
	if err != nil {
		return fmt.Errorf("%w: attestation lookup failed: %v", ErrComplianceBlocked, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: workflow type %s missing attestations for %v",
			ErrComplianceBlocked, workflowType, missing)
	}
	return nil
}

// MissingControls lists required controls without an attestation.
func (c *Compliance) MissingControls(ctx context.Context, workflowType string) ([]string, error) {
	var missing []string
	for _, control := range c.required[workflowType] {
		_, err := c.store.Get(ctx, attestationKeyPrefix+workflowType+"/"+control)
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, control)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(missing)
	return missing, nil
}

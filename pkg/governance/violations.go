package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const violationKeyPrefix = "violation/" // violation/<namespace>/<id>

// ErrHalted is returned when a critical violation's escalation handler
// demands the offending work be stopped.
var ErrHalted = errors.New("governance: halted by escalation handler")

// Severity ranks a violation.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Violation records one governance breach.
type Violation struct {
	ID         string    `json:"id"`
	Namespace  string    `json:"namespace"`
	Policy     string    `json:"policy"`
	Severity   Severity  `json:"severity"`
	Subject    string    `json:"subject"` // task or workflow id
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
	Halted     bool      `json:"halted"`
	Notes      []string  `json:"notes,omitempty"`
}

// EscalationResult is a handler's verdict on a critical violation.
type EscalationResult struct {
	Halt bool   // stop the offending workflow or task
	Note string // appended to the violation record
}

// EscalationHandler reacts to critical violations. Handlers run
// synchronously before RecordViolation returns.
type EscalationHandler func(ctx context.Context, v *Violation) EscalationResult

// Violations records breaches and routes critical ones to handlers.
type Violations struct {
	store    store.Store
	clock    func() time.Time
	handlers []EscalationHandler
}

// NewViolations creates a violation recorder.
func NewViolations(s store.Store, opts ...ViolationsOption) *Violations {
	v := &Violations{store: s, clock: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ViolationsOption configures a Violations recorder.
type ViolationsOption func(*Violations)

// WithViolationsClock overrides the clock for deterministic testing.
func WithViolationsClock(clock func() time.Time) ViolationsOption {
	return func(v *Violations) { v.clock = clock }
}

// OnCritical registers a synchronous escalation handler.
func (vs *Violations) OnCritical(h EscalationHandler) {
	vs.handlers = append(vs.handlers, h)
}

// RecordViolation persists the breach. Critical violations run every
// registered handler before returning; if any handler demands a halt the
// record is marked and ErrHalted is returned so the caller stops the
// offending work.
func (vs *Violations) RecordViolation(ctx context.Context, namespace, policy, subject, detail string, severity Severity) (*Violation, error) {
	v := &Violation{
		ID:         uuid.New().String(),
		Namespace:  namespace,
		Policy:     policy,
		Severity:   severity,
		Subject:    subject,
		Detail:     detail,
		RecordedAt: vs.clock(),
	}

	if severity == SeverityCritical {
		for _, h := range vs.handlers {
			res := h(ctx, v)
			if res.Note != "" {
				v.Notes = append(v.Notes, res.Note)
			}
			if res.Halt {
				v.Halted = true
			}
		}
	}

	key := violationKeyPrefix + namespace + "/" + v.ID
	if _, err := store.PutJSON(ctx, vs.store, key, v, 0); err != nil {
		return nil, fmt.Errorf("governance: record violation: %w", err)
	}

	if v.Halted {
		return v, fmt.Errorf("%w: %s", ErrHalted, v.Subject)
	}
	return v, nil
}

// ViolationsOf returns a namespace's violations, newest last.
func (vs *Violations) ViolationsOf(ctx context.Context, namespace string) ([]*Violation, error) {
	recs, err := vs.store.Scan(ctx, violationKeyPrefix+namespace+"/")
	if err != nil {
		return nil, err
	}
	out := make([]*Violation, 0, len(recs))
	for _, rec := range recs {
		var v Violation
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return nil, fmt.Errorf("governance: decode %s: %w", rec.Key, err)
		}
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// Package policy implements the deterministic policy decision engine.
//
// Callers submit an intent (actor, action, target, context) and receive a
// terminal Decision: ALLOW, DENY or ESCALATE. Policies are evaluated in
// registration order and the engine short-circuits on the first terminal
// verdict. The engine MUST be fail-closed: a rule that faults is treated
// as ESCALATE, never as ALLOW.
package policy

import (
	"github.com/Mindburn-Labs/tiller/pkg/canonicalize"
)

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow    Verdict = "ALLOW"
	VerdictDeny     Verdict = "DENY"
	VerdictEscalate Verdict = "ESCALATE"
)

// Terminal reports whether the verdict ends evaluation immediately.
func (v Verdict) Terminal() bool {
	return v == VerdictDeny || v == VerdictEscalate
}

// Request is the canonical structured input to a policy evaluation.
type Request struct {
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Target  string         `json:"target"`
	Context map[string]any `json:"context,omitempty"`
}

// Decision is the immutable result of an evaluation. Once produced it is
// never mutated; consumers copy it if they need to annotate.
type Decision struct {
	Verdict  Verdict        `json:"verdict"`
	Reason   string         `json:"reason"`
	Policy   string         `json:"policy,omitempty"` // name of the deciding policy
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Allow builds an ALLOW decision.
func Allow(reason string) Decision {
	return Decision{Verdict: VerdictAllow, Reason: reason}
}

// Deny builds a DENY decision.
func Deny(reason string) Decision {
	return Decision{Verdict: VerdictDeny, Reason: reason}
}

// Escalate builds an ESCALATE decision.
func Escalate(reason string) Decision {
	return Decision{Verdict: VerdictEscalate, Reason: reason}
}

// ComputeDecisionHash produces a deterministic content hash of the
// decision for receipts and audit records.
func ComputeDecisionHash(d Decision) (string, error) {
	return canonicalize.CanonicalHash(d)
}

package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/tiller/pkg/canonicalize"
)

// Policy is the closed interface every rule implements. Rules receive the
// full request and return a Decision. They must be pure: no wall-clock
// reads, no randomness, no external calls — determinism is a contract.
type Policy interface {
	Name() string
	Evaluate(ctx context.Context, req *Request) Decision
}

// Func adapts a plain function into a Policy.
type Func struct {
	PolicyName string
	Fn         func(ctx context.Context, req *Request) Decision
}

func (f Func) Name() string { return f.PolicyName }

func (f Func) Evaluate(ctx context.Context, req *Request) Decision {
	return f.Fn(ctx, req)
}

// Engine evaluates an ordered, immutable list of policies.
type Engine struct {
	policies []Policy
	listHash string // binds cache entries to this exact policy list
	cache    *decisionCache
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithCache enables a bounded LRU decision cache of the given size.
// Entries are keyed by the canonical hash of the request and are only
// valid for the policy list the engine was built with.
func WithCache(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.cache = newDecisionCache(size)
		}
	}
}

// NewEngine builds an engine over policies in the given order. The list
// is fixed for the life of the engine; build a new engine to change it.
func NewEngine(policies []Policy, opts ...Option) *Engine {
	names := make([]string, len(policies))
	for i, p := range policies {
		names[i] = p.Name()
	}
	sum := canonicalize.HashBytes([]byte(strings.Join(names, "\x00")))

	e := &Engine{
		policies: append([]Policy(nil), policies...),
		listHash: sum,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PolicyNames returns the registered policy names in evaluation order.
func (e *Engine) PolicyNames() []string {
	names := make([]string, len(e.policies))
	for i, p := range e.policies {
		names[i] = p.Name()
	}
	return names
}

// Evaluate runs the policies in order and returns the first terminal
// decision, or a synthesized ALLOW when every policy allows.
//
// A rule that panics is converted into an ESCALATE decision with reason
// "policy rule fault" — evaluation never fails open.
func (e *Engine) Evaluate(ctx context.Context, req *Request) Decision {
	cacheKey := ""
	if e.cache != nil {
		if h, err := canonicalize.CanonicalHash(req); err == nil {
			cacheKey = e.listHash + ":" + h
			if d, ok := e.cache.get(cacheKey); ok {
				return d
			}
		}
		// Non-canonicalizable requests are never cached.
	}

	decision := e.evaluateAll(ctx, req)

	if e.cache != nil && cacheKey != "" {
		e.cache.put(cacheKey, decision)
	}
	return decision
}

func (e *Engine) evaluateAll(ctx context.Context, req *Request) Decision {
	for _, p := range e.policies {
		d := e.evaluateOne(ctx, p, req)
		if d.Verdict.Terminal() {
			if d.Policy == "" {
				d.Policy = p.Name()
			}
			return d
		}
	}
	return Decision{Verdict: VerdictAllow, Reason: "all policies allowed"}
}

// evaluateOne isolates a single rule so a panic cannot fail open.
func (e *Engine) evaluateOne(ctx context.Context, p Policy, req *Request) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = Decision{
				Verdict:  VerdictEscalate,
				Reason:   "policy rule fault",
				Policy:   p.Name(),
				Metadata: map[string]any{"fault": fmt.Sprint(r)},
			}
		}
	}()
	return p.Evaluate(ctx, req)
}

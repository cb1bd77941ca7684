package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELPolicy evaluates a compiled CEL expression against the request.
// The expression sees the variables actor, action, target and context
// and must yield a bool: false denies, true allows.
//
// Expressions are compiled once at construction so evaluation stays
// deterministic and cheap; a compile error surfaces immediately instead
// of at decision time.
type CELPolicy struct {
	name string
	expr string
	prg  cel.Program
}

// NewCELPolicy compiles expr into a policy named name.
func NewCELPolicy(name, expr string) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy: %q must evaluate to bool, got %s", name, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program %q: %w", name, err)
	}

	return &CELPolicy{name: name, expr: expr, prg: prg}, nil
}

func (p *CELPolicy) Name() string { return p.name }

// Evaluate runs the expression. Evaluation errors (e.g. a missing context
// attribute) escalate rather than allow — fail-closed.
func (p *CELPolicy) Evaluate(ctx context.Context, req *Request) Decision {
	reqCtx := req.Context
	if reqCtx == nil {
		reqCtx = map[string]any{}
	}
	out, _, err := p.prg.ContextEval(ctx, map[string]any{
		"actor":   req.Actor,
		"action":  req.Action,
		"target":  req.Target,
		"context": reqCtx,
	})
	if err != nil {
		return Decision{
			Verdict:  VerdictEscalate,
			Reason:   "policy rule fault",
			Policy:   p.name,
			Metadata: map[string]any{"fault": err.Error()},
		}
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return Decision{Verdict: VerdictEscalate, Reason: "policy rule fault", Policy: p.name}
	}
	if !allowed {
		return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf("denied by rule %s", p.name), Policy: p.name}
	}
	return Allow("rule " + p.name + " allowed")
}

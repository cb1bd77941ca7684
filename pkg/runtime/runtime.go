// Package runtime assembles the admission pipeline: every intent passes
// guardrails, policy evaluation, compliance and quota before a task is
// admitted to the queue. Escalated intents park behind a human approval
// gate instead of running.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Mindburn-Labs/tiller/pkg/approval"
	"github.com/Mindburn-Labs/tiller/pkg/governance"
	"github.com/Mindburn-Labs/tiller/pkg/policy"
	"github.com/Mindburn-Labs/tiller/pkg/queue"
	"github.com/Mindburn-Labs/tiller/pkg/quota"
	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const pendingIntentKeyPrefix = "pendingintent/"

var (
	// ErrDenied is returned when policy evaluation denies the intent.
	ErrDenied = errors.New("runtime: intent denied")

	// ErrEscalated is returned when the intent parked behind a human
	// approval gate instead of running.
	ErrEscalated = errors.New("runtime: intent escalated")

	// ErrApprovalPending is returned by AdmitApproved while the approval
	// request has not been resolved yet.
	ErrApprovalPending = errors.New("runtime: approval still pending")

	// ErrAlreadyAdmitted is returned by AdmitApproved when the parked
	// intent was already claimed, here or by a racing admitter.
	ErrAlreadyAdmitted = errors.New("runtime: intent already admitted")
)

// Intent is one request to perform governed work.
type Intent struct {
	Actor      string
	Action     string
	Target     string
	Context    map[string]any
	Namespace  string
	WorkflowID string
	TaskType   string
	Payload    json.RawMessage
	Priority   queue.Priority

	// IdempotencyToken deduplicates resubmissions within the namespace.
	IdempotencyToken string

	// Approvers names the humans who must sign off if policy escalates.
	Approvers []string
}

// Admission reports how an intent was resolved.
type Admission struct {
	Decision   policy.Decision
	TaskID     string // set when the intent was admitted
	ApprovalID string // set when the intent escalated
}

// Runtime runs the admission pipeline.
type Runtime struct {
	engine     *policy.Engine
	guardrails *governance.Guardrails
	compliance *governance.Compliance
	quotas     *quota.Manager
	queue      *queue.Queue
	approvals  *approval.Manager
	store      store.Store
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Config carries the runtime's collaborators. Engine, Quotas, Queue and
// Store are required; the rest default to permissive no-ops.
type Config struct {
	Engine     *policy.Engine
	Guardrails *governance.Guardrails
	Compliance *governance.Compliance
	Quotas     *quota.Manager
	Queue      *queue.Queue
	Approvals  *approval.Manager
	Store      store.Store
	Tracer     trace.Tracer
}

// New assembles a runtime.
func New(cfg Config) (*Runtime, error) {
	if cfg.Engine == nil || cfg.Quotas == nil || cfg.Queue == nil || cfg.Store == nil {
		return nil, errors.New("runtime: engine, quotas, queue and store are required")
	}
	r := &Runtime{
		engine:     cfg.Engine,
		guardrails: cfg.Guardrails,
		compliance: cfg.Compliance,
		quotas:     cfg.Quotas,
		queue:      cfg.Queue,
		approvals:  cfg.Approvals,
		store:      cfg.Store,
		tracer:     cfg.Tracer,
		logger:     slog.Default().With("component", "runtime"),
	}
	if r.guardrails == nil {
		r.guardrails = governance.NewGuardrails()
	}
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer("tiller")
	}
	return r, nil
}

// SubmitIntent runs the full admission pipeline. On ALLOW the intent
// becomes a queued task and its id is returned in the Admission. On
// ESCALATE an approval request is created and ErrEscalated is returned.
// DENY and guardrail or quota rejections admit nothing.
func (r *Runtime) SubmitIntent(ctx context.Context, in Intent) (*Admission, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.SubmitIntent",
		trace.WithAttributes(
			attribute.String("intent.actor", in.Actor),
			attribute.String("intent.action", in.Action),
			attribute.String("intent.namespace", in.Namespace),
		))
	defer span.End()

	adm, err := r.submit(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return adm, err
}

func (r *Runtime) submit(ctx context.Context, in Intent) (*Admission, error) {
	if err := r.guardrails.CheckRate(in.Actor); err != nil {
		return nil, err
	}
	if err := r.guardrails.CheckText(in.Target); err != nil {
		return nil, err
	}
	if err := r.guardrails.CheckPayload(in.Action, in.Context); err != nil {
		return nil, err
	}
	if err := r.quotas.AllowRate(ctx, in.Namespace); err != nil {
		return nil, err
	}

	decision := r.engine.Evaluate(ctx, &policy.Request{
		Actor:   in.Actor,
		Action:  in.Action,
		Target:  in.Target,
		Context: in.Context,
	})
	adm := &Admission{Decision: decision}

	switch decision.Verdict {
	case policy.VerdictDeny:
		r.logger.Info("intent denied",
			"actor", in.Actor, "action", in.Action, "policy", decision.Policy, "reason", decision.Reason)
		return adm, fmt.Errorf("%w: %s", ErrDenied, decision.Reason)

	case policy.VerdictEscalate:
		if r.approvals == nil || len(in.Approvers) == 0 {
			// No human gate available: escalation resolves to denial.
			return adm, fmt.Errorf("%w: %s (no approvers configured)", ErrDenied, decision.Reason)
		}
		req, err := r.approvals.CreateRequest(ctx, in.WorkflowID,
			fmt.Sprintf("%s %s by %s", in.Action, in.Target, in.Actor),
			in.Approvers, 24*time.Hour)
		if err != nil {
			return adm, err
		}
		// Park the intent so AdmitApproved can replay it verbatim once
		// the humans sign off. Request ids are unique, so rev 0 holds.
		if _, err := store.PutJSON(ctx, r.store, pendingIntentKeyPrefix+req.ID, in, 0); err != nil {
			return adm, err
		}
		adm.ApprovalID = req.ID
		r.logger.Info("intent escalated",
			"actor", in.Actor, "action", in.Action, "approval_id", req.ID, "reason", decision.Reason)
		return adm, fmt.Errorf("%w: approval %s pending", ErrEscalated, req.ID)
	}

	if r.compliance != nil {
		if err := r.compliance.CheckRunnable(ctx, in.TaskType); err != nil {
			return adm, err
		}
	}

	if err := r.quotas.Consume(ctx, in.Namespace, quota.Request{QueueDepth: 1}); err != nil {
		return adm, err
	}

	taskID, err := r.admit(ctx, in)
	if err != nil {
		if relErr := r.quotas.Release(ctx, in.Namespace, quota.Request{QueueDepth: 1}); relErr != nil {
			r.logger.Error("quota release after failed enqueue", "namespace", in.Namespace, "error", relErr)
		}
		return adm, err
	}
	adm.TaskID = taskID
	return adm, nil
}

func (r *Runtime) admit(ctx context.Context, in Intent) (string, error) {
	req := queue.EnqueueRequest{
		WorkflowID:       in.WorkflowID,
		Namespace:        in.Namespace,
		Type:             in.TaskType,
		Payload:          in.Payload,
		Priority:         in.Priority,
		IdempotencyToken: in.IdempotencyToken,
	}

	ns, err := r.quotas.GetNamespace(ctx, in.Namespace)
	if err != nil {
		return "", err
	}
	if ns.Isolation == quota.IsolationStrict {
		req.DedicatedTo = in.Namespace
	}

	return r.queue.Enqueue(ctx, req)
}

// AdmitApproved resumes an escalated intent after its approval request
// resolved. Policy is not re-evaluated: the humans already ruled on this
// exact intent. Compliance and quota still run, since both may have
// changed while the request was pending. Each parked intent admits at
// most once; later calls return ErrAlreadyAdmitted.
func (r *Runtime) AdmitApproved(ctx context.Context, approvalID string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.AdmitApproved",
		trace.WithAttributes(attribute.String("approval.id", approvalID)))
	defer span.End()

	taskID, err := r.admitApproved(ctx, approvalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return taskID, err
}

func (r *Runtime) admitApproved(ctx context.Context, approvalID string) (string, error) {
	if r.approvals == nil {
		return "", errors.New("runtime: no approval gate configured")
	}

	key := pendingIntentKeyPrefix + approvalID
	var in Intent
	rev, err := store.GetJSON(ctx, r.store, key, &in)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: approval %s", ErrAlreadyAdmitted, approvalID)
	}
	if err != nil {
		return "", err
	}

	status, err := r.approvals.Outcome(ctx, approvalID)
	if err != nil {
		// Rejected or expired: the parked intent stays for the audit
		// trail, it can never admit past this check.
		return "", err
	}
	if status != approval.StatusApproved {
		return "", fmt.Errorf("%w: approval %s", ErrApprovalPending, approvalID)
	}

	// Claim the parked intent. The conditional delete serializes racing
	// admitters: exactly one proceeds.
	if err := r.store.Delete(ctx, key, rev); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrRevisionMismatch) {
			return "", fmt.Errorf("%w: approval %s", ErrAlreadyAdmitted, approvalID)
		}
		return "", err
	}

	if r.compliance != nil {
		if err := r.compliance.CheckRunnable(ctx, in.TaskType); err != nil {
			r.repark(ctx, key, in)
			return "", err
		}
	}
	if err := r.quotas.Consume(ctx, in.Namespace, quota.Request{QueueDepth: 1}); err != nil {
		r.repark(ctx, key, in)
		return "", err
	}

	taskID, err := r.admit(ctx, in)
	if err != nil {
		if relErr := r.quotas.Release(ctx, in.Namespace, quota.Request{QueueDepth: 1}); relErr != nil {
			r.logger.Error("quota release after failed enqueue", "namespace", in.Namespace, "error", relErr)
		}
		r.repark(ctx, key, in)
		return "", err
	}

	r.logger.Info("approved intent admitted",
		"approval_id", approvalID, "task_id", taskID, "namespace", in.Namespace)
	return taskID, nil
}

// repark restores a claimed intent after a downstream failure so the
// caller can retry AdmitApproved once the obstacle clears.
func (r *Runtime) repark(ctx context.Context, key string, in Intent) {
	if _, err := store.PutJSON(ctx, r.store, key, in, 0); err != nil {
		r.logger.Error("re-park approved intent", "key", key, "error", err)
	}
}

// ReleaseTask returns the queue-depth slot a task held. Call it once
// when the task reaches a terminal state.
func (r *Runtime) ReleaseTask(ctx context.Context, namespace string) error {
	return r.quotas.Release(ctx, namespace, quota.Request{QueueDepth: 1})
}

// AcquireExecutionSlot reserves one of the namespace's concurrent
// execution slots. Workers call it before invoking a handler and pair
// it with ReleaseExecutionSlot when the attempt ends.
func (r *Runtime) AcquireExecutionSlot(ctx context.Context, namespace string) error {
	return r.quotas.Consume(ctx, namespace, quota.Request{ConcurrentExecutions: 1})
}

// ReleaseExecutionSlot returns a slot taken by AcquireExecutionSlot.
func (r *Runtime) ReleaseExecutionSlot(ctx context.Context, namespace string) error {
	return r.quotas.Release(ctx, namespace, quota.Request{ConcurrentExecutions: 1})
}

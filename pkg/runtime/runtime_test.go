package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Mindburn-Labs/tiller/pkg/approval"
	"github.com/Mindburn-Labs/tiller/pkg/governance"
	"github.com/Mindburn-Labs/tiller/pkg/policy"
	"github.com/Mindburn-Labs/tiller/pkg/queue"
	"github.com/Mindburn-Labs/tiller/pkg/quota"
	"github.com/Mindburn-Labs/tiller/pkg/retry"
	"github.com/Mindburn-Labs/tiller/pkg/store"
)

// zeroBackoff makes failed tasks immediately eligible for re-lease.
func zeroBackoff() retry.Policy { return retry.Policy{} }

type harness struct {
	runtime   *Runtime
	queue     *queue.Queue
	quotas    *quota.Manager
	approvals *approval.Manager
	store     *store.MemoryStore
}

func newHarness(t *testing.T, policies []policy.Policy, limits quota.Limits, iso quota.Isolation) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.New(st)
	quotas := quota.NewManager(st)
	if _, err := quotas.CreateNamespace(context.Background(), "acme", limits, iso); err != nil {
		t.Fatal(err)
	}
	approvals := approval.NewManager(st)

	rt, err := New(Config{
		Engine:    policy.NewEngine(policies),
		Quotas:    quotas,
		Queue:     q,
		Approvals: approvals,
		Store:     st,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{runtime: rt, queue: q, quotas: quotas, approvals: approvals, store: st}
}

func allowAll() []policy.Policy {
	return []policy.Policy{policy.Func{
		PolicyName: "allow-all",
		Fn: func(ctx context.Context, req *policy.Request) policy.Decision {
			return policy.Allow("open")
		},
	}}
}

func baseIntent() Intent {
	return Intent{
		Actor:      "svc-batch",
		Action:     "resize",
		Target:     "images/2026-03",
		Namespace:  "acme",
		WorkflowID: "wf-1",
		TaskType:   "resize",
		Payload:    json.RawMessage(`{"batch":12}`),
	}
}

func TestSubmitAllowedIntentEnqueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAll(), quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared)

	adm, err := h.runtime.SubmitIntent(ctx, baseIntent())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if adm.TaskID == "" {
		t.Fatal("no task id on allowed intent")
	}

	task, err := h.queue.Get(ctx, adm.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Type != "resize" || task.Namespace != "acme" {
		t.Fatalf("task = %+v", task)
	}

	u, _ := h.quotas.UsageOf(ctx, "acme")
	if u.QueueDepth != 1 {
		t.Fatalf("queue depth usage = %d, want 1", u.QueueDepth)
	}
}

func TestSubmitDeniedIntentAdmitsNothing(t *testing.T) {
	ctx := context.Background()
	deny := []policy.Policy{policy.Func{
		PolicyName: "deny-writes",
		Fn: func(ctx context.Context, req *policy.Request) policy.Decision {
			return policy.Deny("writes are frozen")
		},
	}}
	h := newHarness(t, deny, quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared)

	adm, err := h.runtime.SubmitIntent(ctx, baseIntent())
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
	if adm.TaskID != "" {
		t.Fatal("denied intent produced a task")
	}
	u, _ := h.quotas.UsageOf(ctx, "acme")
	if u.QueueDepth != 0 {
		t.Fatalf("denied intent consumed quota: %d", u.QueueDepth)
	}
}

func TestSubmitEscalatedIntentParksBehindApproval(t *testing.T) {
	ctx := context.Background()
	escalate := []policy.Policy{policy.Func{
		PolicyName: "judgment",
		Fn: func(ctx context.Context, req *policy.Request) policy.Decision {
			return policy.Escalate("needs a human")
		},
	}}
	h := newHarness(t, escalate, quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared)

	in := baseIntent()
	in.Approvers = []string{"alice"}
	adm, err := h.runtime.SubmitIntent(ctx, in)
	if !errors.Is(err, ErrEscalated) {
		t.Fatalf("err = %v, want ErrEscalated", err)
	}
	if adm.ApprovalID == "" {
		t.Fatal("no approval id on escalated intent")
	}

	req, err := h.approvals.GetRequest(ctx, adm.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != approval.StatusPending {
		t.Fatalf("approval status = %s", req.Status)
	}
}

func escalateAll() []policy.Policy {
	return []policy.Policy{policy.Func{
		PolicyName: "judgment",
		Fn: func(ctx context.Context, req *policy.Request) policy.Decision {
			return policy.Escalate("needs a human")
		},
	}}
}

func TestAdmitApprovedEnqueuesParkedIntent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, escalateAll(), quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared)

	in := baseIntent()
	in.Approvers = []string{"alice"}
	adm, err := h.runtime.SubmitIntent(ctx, in)
	if !errors.Is(err, ErrEscalated) {
		t.Fatalf("err = %v, want ErrEscalated", err)
	}

	// Not approved yet: admission must refuse.
	if _, err := h.runtime.AdmitApproved(ctx, adm.ApprovalID); !errors.Is(err, ErrApprovalPending) {
		t.Fatalf("err = %v, want ErrApprovalPending", err)
	}

	if _, err := h.approvals.Approve(ctx, adm.ApprovalID, "alice"); err != nil {
		t.Fatal(err)
	}

	taskID, err := h.runtime.AdmitApproved(ctx, adm.ApprovalID)
	if err != nil {
		t.Fatalf("admit approved: %v", err)
	}
	task, err := h.queue.Get(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Type != "resize" || task.Namespace != "acme" || task.State != queue.StatePending {
		t.Fatalf("task = %+v", task)
	}
	u, _ := h.quotas.UsageOf(ctx, "acme")
	if u.QueueDepth != 1 {
		t.Fatalf("queue depth usage = %d, want 1", u.QueueDepth)
	}

	// The parked intent admits exactly once.
	if _, err := h.runtime.AdmitApproved(ctx, adm.ApprovalID); !errors.Is(err, ErrAlreadyAdmitted) {
		t.Fatalf("second admit err = %v, want ErrAlreadyAdmitted", err)
	}
}

func TestAdmitApprovedPreservesStrictTagging(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, escalateAll(), quota.Limits{MaxQueueDepth: 10}, quota.IsolationStrict)

	in := baseIntent()
	in.Approvers = []string{"alice"}
	adm, _ := h.runtime.SubmitIntent(ctx, in)
	if _, err := h.approvals.Approve(ctx, adm.ApprovalID, "alice"); err != nil {
		t.Fatal(err)
	}

	taskID, err := h.runtime.AdmitApproved(ctx, adm.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	task, _ := h.queue.Get(ctx, taskID)
	if task.DedicatedTo != "acme" {
		t.Fatalf("DedicatedTo = %q, want acme", task.DedicatedTo)
	}
}

func TestAdmitRejectedIntentRefuses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, escalateAll(), quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared)

	in := baseIntent()
	in.Approvers = []string{"alice"}
	adm, _ := h.runtime.SubmitIntent(ctx, in)
	if _, err := h.approvals.Reject(ctx, adm.ApprovalID, "alice", "too risky"); err != nil {
		t.Fatal(err)
	}

	if _, err := h.runtime.AdmitApproved(ctx, adm.ApprovalID); !errors.Is(err, approval.ErrApprovalRejected) {
		t.Fatalf("err = %v, want ErrApprovalRejected", err)
	}
	u, _ := h.quotas.UsageOf(ctx, "acme")
	if u.QueueDepth != 0 {
		t.Fatalf("rejected intent consumed quota: %d", u.QueueDepth)
	}
}

func TestAdmitApprovedReparksOnQuotaExhaustion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, escalateAll(), quota.Limits{MaxQueueDepth: 1}, quota.IsolationShared)

	in := baseIntent()
	in.Approvers = []string{"alice"}
	adm, _ := h.runtime.SubmitIntent(ctx, in)
	if _, err := h.approvals.Approve(ctx, adm.ApprovalID, "alice"); err != nil {
		t.Fatal(err)
	}

	// Fill the namespace so admission bounces off the depth limit.
	if err := h.quotas.Consume(ctx, "acme", quota.Request{QueueDepth: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.runtime.AdmitApproved(ctx, adm.ApprovalID); !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	// The intent re-parked, so it admits once capacity returns.
	if err := h.quotas.Release(ctx, "acme", quota.Request{QueueDepth: 1}); err != nil {
		t.Fatal(err)
	}
	taskID, err := h.runtime.AdmitApproved(ctx, adm.ApprovalID)
	if err != nil {
		t.Fatalf("admit after capacity returned: %v", err)
	}
	if taskID == "" {
		t.Fatal("no task id")
	}
}

func TestSubmitEscalatedWithoutApproversDenies(t *testing.T) {
	ctx := context.Background()
	escalate := []policy.Policy{policy.Func{
		PolicyName: "judgment",
		Fn: func(ctx context.Context, req *policy.Request) policy.Decision {
			return policy.Escalate("needs a human")
		},
	}}
	h := newHarness(t, escalate, quota.Limits{}, quota.IsolationShared)

	_, err := h.runtime.SubmitIntent(ctx, baseIntent())
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("err = %v, want ErrDenied", err)
	}
}

func TestSubmitRejectsOnQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAll(), quota.Limits{MaxQueueDepth: 1}, quota.IsolationShared)

	if _, err := h.runtime.SubmitIntent(ctx, baseIntent()); err != nil {
		t.Fatal(err)
	}
	_, err := h.runtime.SubmitIntent(ctx, baseIntent())
	if !errors.Is(err, quota.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestStrictNamespaceTagsTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAll(), quota.Limits{MaxQueueDepth: 10}, quota.IsolationStrict)

	adm, err := h.runtime.SubmitIntent(ctx, baseIntent())
	if err != nil {
		t.Fatal(err)
	}
	task, _ := h.queue.Get(ctx, adm.TaskID)
	if task.DedicatedTo != "acme" {
		t.Fatalf("DedicatedTo = %q, want acme", task.DedicatedTo)
	}
}

func TestGuardrailBlocksBeforePolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAll(), quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared)

	g := governance.NewGuardrails()
	g.EnableInjectionCheck()
	rt, err := New(Config{
		Engine:     policy.NewEngine(allowAll()),
		Guardrails: g,
		Quotas:     h.quotas,
		Queue:      h.queue,
		Store:      h.store,
	})
	if err != nil {
		t.Fatal(err)
	}

	in := baseIntent()
	in.Target = "x'; DROP TABLE tasks; --"
	_, err = rt.SubmitIntent(ctx, in)
	if !errors.Is(err, governance.ErrGuardrail) {
		t.Fatalf("err = %v, want ErrGuardrail", err)
	}
}

func TestComplianceBlocksUnattestedType(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAll(), quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared)

	c := governance.NewCompliance(h.store)
	c.RequireControls("resize", "SOC2-CC6.1")
	c.SetEnforce(true)
	rt, err := New(Config{
		Engine:     policy.NewEngine(allowAll()),
		Compliance: c,
		Quotas:     h.quotas,
		Queue:      h.queue,
		Store:      h.store,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = rt.SubmitIntent(ctx, baseIntent())
	if !errors.Is(err, governance.ErrComplianceBlocked) {
		t.Fatalf("err = %v, want ErrComplianceBlocked", err)
	}
}

func TestWorkerExecutesAndReleasesQuota(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAll(), quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared)

	adm, err := h.runtime.SubmitIntent(ctx, baseIntent())
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewWorker(WorkerConfig{
		ID:            "w1",
		Runtime:       h.runtime,
		Queue:         h.queue,
		LeaseDuration: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Register("resize", func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		return json.RawMessage(`{"resized":12}`), nil
	})

	task, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.ID != adm.TaskID {
		t.Fatalf("worker ran task %+v, want %s", task, adm.TaskID)
	}

	got, _ := h.queue.Get(ctx, adm.TaskID)
	if got.State != queue.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", got.State)
	}
	u, _ := h.quotas.UsageOf(ctx, "acme")
	if u.QueueDepth != 0 {
		t.Fatalf("queue depth not released: %d", u.QueueDepth)
	}
}

func TestWorkerFailureRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	// Zero backoff so failed tasks are immediately eligible again.
	q := queue.New(st, queue.WithMaxRetries(1), queue.WithBackoff(zeroBackoff()))
	quotas := quota.NewManager(st)
	if _, err := quotas.CreateNamespace(ctx, "acme", quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared); err != nil {
		t.Fatal(err)
	}
	rt, err := New(Config{Engine: policy.NewEngine(allowAll()), Quotas: quotas, Queue: q, Store: st})
	if err != nil {
		t.Fatal(err)
	}

	adm, err := rt.SubmitIntent(ctx, baseIntent())
	if err != nil {
		t.Fatal(err)
	}

	w, _ := NewWorker(WorkerConfig{ID: "w1", Runtime: rt, Queue: q, LeaseDuration: time.Minute})
	w.Register("resize", func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		return nil, fmt.Errorf("decoder crashed")
	})

	// First failure requeues, second exhausts retries.
	for i := 0; i < 2; i++ {
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := q.Get(ctx, adm.TaskID)
	if got.State != queue.StateDeadLetter {
		t.Fatalf("state = %s, want DEAD_LETTER", got.State)
	}
	u, _ := quotas.UsageOf(ctx, "acme")
	if u.QueueDepth != 0 {
		t.Fatalf("dead-lettered task kept quota: %d", u.QueueDepth)
	}
}

func TestWorkerRespectsExecutionSlots(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	q := queue.New(st, queue.WithClock(func() time.Time { return now }))
	quotas := quota.NewManager(st)
	limits := quota.Limits{MaxQueueDepth: 10, MaxConcurrentExecutions: 1}
	if _, err := quotas.CreateNamespace(ctx, "acme", limits, quota.IsolationShared); err != nil {
		t.Fatal(err)
	}
	rt, err := New(Config{Engine: policy.NewEngine(allowAll()), Quotas: quotas, Queue: q, Store: st})
	if err != nil {
		t.Fatal(err)
	}

	adm, err := rt.SubmitIntent(ctx, baseIntent())
	if err != nil {
		t.Fatal(err)
	}

	ran := 0
	w, _ := NewWorker(WorkerConfig{ID: "w1", Runtime: rt, Queue: q, LeaseDuration: time.Minute})
	w.Register("resize", func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		ran++
		return nil, nil
	})

	// Saturate the namespace: the worker must not invoke the handler,
	// and the attempt's lease lapses instead of burning a retry.
	if err := quotas.Consume(ctx, "acme", quota.Request{ConcurrentExecutions: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if ran != 0 {
		t.Fatalf("handler ran %d times while namespace saturated", ran)
	}
	got, _ := q.Get(ctx, adm.TaskID)
	if got.State != queue.StateLeased {
		t.Fatalf("state = %s, want LEASED", got.State)
	}

	// Capacity returns, the lease expires, and the task runs.
	if err := quotas.Release(ctx, "acme", quota.Request{ConcurrentExecutions: 1}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Fatalf("handler ran %d times, want 1", ran)
	}
	u, _ := quotas.UsageOf(ctx, "acme")
	if u.ConcurrentExecutions != 0 {
		t.Fatalf("execution slots not released: %d", u.ConcurrentExecutions)
	}
	if u.QueueDepth != 0 {
		t.Fatalf("queue depth not released: %d", u.QueueDepth)
	}
}

func TestWorkerWithoutHandlerFailsTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, allowAll(), quota.Limits{MaxQueueDepth: 10}, quota.IsolationShared)

	adm, err := h.runtime.SubmitIntent(ctx, baseIntent())
	if err != nil {
		t.Fatal(err)
	}

	w, _ := NewWorker(WorkerConfig{ID: "w1", Queue: h.queue, LeaseDuration: time.Minute})
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := h.queue.Get(ctx, adm.TaskID)
	if got.State == queue.StateCompleted {
		t.Fatal("handlerless task completed")
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempts = %d, want 1", got.AttemptCount)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/pkg/retry"
	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const (
	taskKeyPrefix  = "task/"
	idemKeyPrefix  = "taskidem/"
	seqKey         = "taskseq"
	defaultRetries = 3
)

// Queue distributes tasks to workers with lease exclusivity.
type Queue struct {
	store      store.Store
	clock      func() time.Time
	maxRetries int
	backoff    retry.Policy
	logger     *slog.Logger
}

// New creates a queue over the given durable store.
func New(s store.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:      s,
		clock:      time.Now,
		maxRetries: defaultRetries,
		backoff:    retry.DefaultPolicy,
		logger:     slog.Default().With("component", "queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) QueueOption {
	return func(q *Queue) { q.clock = clock }
}

// WithMaxRetries sets the failure budget before dead-lettering.
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) { q.maxRetries = n }
}

// WithBackoff sets the requeue backoff policy.
func WithBackoff(p retry.Policy) QueueOption {
	return func(q *Queue) { q.backoff = p }
}

// EnqueueRequest describes a task to admit. Quota checks happen before
// Enqueue is called; the queue itself only orders and leases.
type EnqueueRequest struct {
	WorkflowID       string
	Namespace        string
	Type             string
	Payload          json.RawMessage
	Priority         Priority
	IdempotencyToken string

	// DedicatedTo tags the task for STRICT-isolation namespaces; only
	// workers declaring this capability may lease it.
	DedicatedTo string
}

// Enqueue admits a task and returns its id. A request carrying an
// idempotency token already seen returns the original task id.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if req.Namespace == "" {
		return "", errors.New("queue: namespace required")
	}

	taskID := uuid.New().String()

	// Reserve the token before the task record exists. The create-only
	// write serializes racing producers: losers never materialize a task,
	// so one token maps to exactly one leasable record.
	if req.IdempotencyToken != "" {
		idemKey := idemKeyPrefix + req.Namespace + "/" + req.IdempotencyToken
		if _, err := q.store.Put(ctx, idemKey, []byte(taskID), 0); err != nil {
			if errors.Is(err, store.ErrRevisionMismatch) {
				rec, getErr := q.store.Get(ctx, idemKey)
				if getErr != nil {
					return "", getErr
				}
				return string(rec.Value), nil
			}
			return "", err
		}
	}

	seq, err := q.nextSeq(ctx)
	if err != nil {
		return "", err
	}

	task := &Task{
		ID:               taskID,
		WorkflowID:       req.WorkflowID,
		Namespace:        req.Namespace,
		Type:             req.Type,
		Payload:          req.Payload,
		Priority:         req.Priority,
		State:            StatePending,
		IdempotencyToken: req.IdempotencyToken,
		DedicatedTo:      req.DedicatedTo,
		Seq:              seq,
		EnqueuedAt:       q.clock(),
	}

	if _, err := store.PutJSON(ctx, q.store, taskKeyPrefix+task.ID, task, 0); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	q.logger.Debug("task enqueued",
		"task_id", task.ID, "namespace", task.Namespace,
		"type", task.Type, "priority", string(task.Priority))
	return task.ID, nil
}

// WorkerCaps declares what a worker is allowed to lease.
type WorkerCaps struct {
	// Namespaces lists STRICT namespaces this worker is dedicated to.
	Namespaces []string
}

func (c WorkerCaps) has(ns string) bool {
	for _, n := range c.Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// Lease atomically claims the highest-priority eligible task for
// workerID. Ties within a band break by enqueue order. Returns nil when
// nothing is eligible. Tasks whose lease expired are reclaimed here.
func (q *Queue) Lease(ctx context.Context, workerID string, duration time.Duration, caps WorkerCaps) (*Task, error) {
	now := q.clock()

	recs, err := q.store.Scan(ctx, taskKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("queue: lease scan: %w", err)
	}

	type candidate struct {
		task *Task
		rev  int64
	}
	var candidates []candidate
	for _, rec := range recs {
		var t Task
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			return nil, fmt.Errorf("queue: decode %s: %w", rec.Key, err)
		}
		if !q.eligible(&t, now, caps) {
			continue
		}
		tt := t
		candidates = append(candidates, candidate{task: &tt, rev: rec.Rev})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].task, candidates[j].task
		if a.Priority.rank() != b.Priority.rank() {
			return a.Priority.rank() < b.Priority.rank()
		}
		return a.Seq < b.Seq
	})

	for _, c := range candidates {
		t := c.task
		if t.State == StateLeased {
			// Expired lease takeover counts as a fresh attempt context;
			// the previous holder's effects are covered by idempotency.
			q.logger.Info("reclaiming expired lease",
				"task_id", t.ID, "previous_holder", t.Lease.HolderID)
		}
		t.State = StateLeased
		t.Lease = &Lease{HolderID: workerID, AcquiredAt: now, ExpiresAt: now.Add(duration)}

		_, err := store.PutJSON(ctx, q.store, taskKeyPrefix+t.ID, t, c.rev)
		if errors.Is(err, store.ErrRevisionMismatch) {
			continue // another worker won this task; try the next one
		}
		if err != nil {
			return nil, fmt.Errorf("queue: lease write: %w", err)
		}
		return t, nil
	}
	return nil, nil
}

func (q *Queue) eligible(t *Task, now time.Time, caps WorkerCaps) bool {
	if t.DedicatedTo != "" && !caps.has(t.DedicatedTo) {
		return false
	}
	switch t.State {
	case StatePending:
		return t.NotBefore.IsZero() || !now.Before(t.NotBefore)
	case StateLeased:
		return !t.Lease.ValidAt(now) // reclaimable
	default:
		return false
	}
}

// Complete marks a task COMPLETED. Only the current valid lease holder
// may complete; anyone else gets ErrLeaseConflict.
func (q *Queue) Complete(ctx context.Context, workerID, taskID string, result json.RawMessage) error {
	t, rev, err := q.load(ctx, taskID)
	if err != nil {
		return err
	}
	if err := q.checkHolder(t, workerID); err != nil {
		return err
	}

	t.State = StateCompleted
	t.Result = result
	t.Lease = nil

	if _, err := store.PutJSON(ctx, q.store, taskKeyPrefix+taskID, t, rev); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return ErrLeaseConflict
		}
		return err
	}
	q.logger.Debug("task completed", "task_id", taskID, "worker_id", workerID)
	return nil
}

// Fail records a failed attempt. The task requeues with backoff until the
// retry budget is exhausted, then moves to DEAD_LETTER. The resulting
// state is returned so callers can release quota on terminal failure.
func (q *Queue) Fail(ctx context.Context, workerID, taskID string, taskErr error) (State, error) {
	t, rev, err := q.load(ctx, taskID)
	if err != nil {
		return "", err
	}
	if err := q.checkHolder(t, workerID); err != nil {
		return "", err
	}

	t.AttemptCount++
	t.Lease = nil
	if taskErr != nil {
		t.Error = taskErr.Error()
	}

	switch {
	case t.CancelRequested:
		// The holder dropped marked work; honor the cancellation instead
		// of requeueing it for another holder.
		t.State = StateCancelled
		q.logger.Info("marked task cancelled on failure", "task_id", taskID)
	case t.AttemptCount > q.maxRetries:
		t.State = StateDeadLetter
		q.logger.Warn("task dead-lettered",
			"task_id", taskID, "attempts", t.AttemptCount, "error", t.Error)
	default:
		t.State = StatePending
		t.NotBefore = q.clock().Add(retry.Backoff(t.ID, t.AttemptCount, q.backoff))
	}

	if _, err := store.PutJSON(ctx, q.store, taskKeyPrefix+taskID, t, rev); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return "", ErrLeaseConflict
		}
		return "", err
	}
	return t.State, nil
}

// Heartbeat extends the caller's lease and returns the current task view
// so the worker can observe a pending cancellation. A heartbeat on an
// expired lease fails with ErrLeaseExpired; the worker must re-lease.
func (q *Queue) Heartbeat(ctx context.Context, workerID, taskID string, extend time.Duration) (*Task, error) {
	t, rev, err := q.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.State != StateLeased || t.Lease == nil || t.Lease.HolderID != workerID {
		return nil, ErrLeaseConflict
	}
	now := q.clock()
	if !t.Lease.ValidAt(now) {
		return nil, ErrLeaseExpired
	}

	t.Lease.ExpiresAt = now.Add(extend)
	if _, err := store.PutJSON(ctx, q.store, taskKeyPrefix+taskID, t, rev); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return nil, ErrLeaseConflict
		}
		return nil, err
	}
	return t, nil
}

// Cancel cancels a pending task outright. A leased task is only marked
// for cooperative cancellation; its worker observes the mark on
// heartbeat. Cancelling a terminal task is a no-op.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	t, rev, err := q.load(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		return nil
	}

	switch t.State {
	case StatePending:
		t.State = StateCancelled
	case StateLeased:
		t.CancelRequested = true
	}

	if _, err := store.PutJSON(ctx, q.store, taskKeyPrefix+taskID, t, rev); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			// Raced with a worker transition; cancellation stays best-effort.
			return q.Cancel(ctx, taskID)
		}
		return err
	}
	return nil
}

// Get returns a copy of the task.
func (q *Queue) Get(ctx context.Context, taskID string) (*Task, error) {
	t, _, err := q.load(ctx, taskID)
	return t, err
}

// DeadLetters returns all dead-lettered tasks for operator intervention.
func (q *Queue) DeadLetters(ctx context.Context) ([]*Task, error) {
	recs, err := q.store.Scan(ctx, taskKeyPrefix)
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, rec := range recs {
		var t Task
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			return nil, err
		}
		if t.State == StateDeadLetter {
			tt := t
			out = append(out, &tt)
		}
	}
	return out, nil
}

// Depth returns the number of non-terminal tasks in a namespace.
func (q *Queue) Depth(ctx context.Context, namespace string) (int, error) {
	recs, err := q.store.Scan(ctx, taskKeyPrefix)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		var t Task
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			return 0, err
		}
		if t.Namespace == namespace && !t.State.Terminal() {
			n++
		}
	}
	return n, nil
}

func (q *Queue) load(ctx context.Context, taskID string) (*Task, int64, error) {
	var t Task
	rev, err := store.GetJSON(ctx, q.store, taskKeyPrefix+taskID, &t)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, ErrTaskNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return &t, rev, nil
}

// checkHolder enforces that workerID currently holds a valid lease.
func (q *Queue) checkHolder(t *Task, workerID string) error {
	if t.State.Terminal() {
		return ErrTerminalState
	}
	if t.State != StateLeased || t.Lease == nil || t.Lease.HolderID != workerID {
		return ErrLeaseConflict
	}
	if !t.Lease.ValidAt(q.clock()) {
		return ErrLeaseConflict
	}
	return nil
}

// nextSeq allocates a monotonically increasing sequence number through a
// CAS loop on a counter record.
func (q *Queue) nextSeq(ctx context.Context) (int64, error) {
	for {
		rec, err := q.store.Get(ctx, seqKey)
		if errors.Is(err, store.ErrNotFound) {
			if _, putErr := q.store.Put(ctx, seqKey, []byte("1"), 0); putErr == nil {
				return 1, nil
			} else if !errors.Is(putErr, store.ErrRevisionMismatch) {
				return 0, putErr
			}
			continue
		}
		if err != nil {
			return 0, err
		}

		var current int64
		if _, err := fmt.Sscan(string(rec.Value), &current); err != nil {
			return 0, fmt.Errorf("queue: corrupt sequence counter: %w", err)
		}
		next := current + 1
		if _, err := q.store.Put(ctx, seqKey, []byte(fmt.Sprint(next)), rec.Rev); err == nil {
			return next, nil
		} else if !errors.Is(err, store.ErrRevisionMismatch) {
			return 0, err
		}
	}
}

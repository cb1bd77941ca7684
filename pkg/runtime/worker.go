package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Mindburn-Labs/tiller/pkg/queue"
)

// Handler executes one task type. A nil error completes the task; an
// error fails it and the queue decides between retry and dead letter.
type Handler func(ctx context.Context, task *queue.Task) (json.RawMessage, error)

// Worker leases tasks, dispatches them to handlers and heartbeats while
// they run.
type Worker struct {
	id        string
	runtime   *Runtime
	queue     *queue.Queue
	caps      queue.WorkerCaps
	handlers  map[string]Handler
	leaseFor  time.Duration
	pollEvery time.Duration
	tracer    trace.Tracer
	logger    *slog.Logger
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	ID            string
	Runtime       *Runtime
	Queue         *queue.Queue
	Caps          queue.WorkerCaps
	LeaseDuration time.Duration // default 30s
	PollInterval  time.Duration // default 500ms
	Tracer        trace.Tracer
}

// NewWorker creates a worker. Handlers are registered per task type.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.ID == "" || cfg.Queue == nil {
		return nil, errors.New("runtime: worker id and queue are required")
	}
	w := &Worker{
		id:        cfg.ID,
		runtime:   cfg.Runtime,
		queue:     cfg.Queue,
		caps:      cfg.Caps,
		handlers:  make(map[string]Handler),
		leaseFor:  cfg.LeaseDuration,
		pollEvery: cfg.PollInterval,
		tracer:    cfg.Tracer,
		logger:    slog.Default().With("component", "worker", "worker_id", cfg.ID),
	}
	if w.leaseFor <= 0 {
		w.leaseFor = 30 * time.Second
	}
	if w.pollEvery <= 0 {
		w.pollEvery = 500 * time.Millisecond
	}
	if w.tracer == nil {
		w.tracer = noop.NewTracerProvider().Tracer("tiller")
	}
	return w, nil
}

// Register binds a handler to a task type.
func (w *Worker) Register(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// Run leases and executes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		task, err := w.queue.Lease(ctx, w.id, w.leaseFor, w.caps)
		if err != nil {
			w.logger.Error("lease failed", "error", err)
			continue
		}
		if task == nil {
			continue
		}
		w.execute(ctx, task)
	}
}

// RunOnce leases at most one task and executes it. Returns the task, or
// nil when the queue had nothing eligible.
func (w *Worker) RunOnce(ctx context.Context) (*queue.Task, error) {
	task, err := w.queue.Lease(ctx, w.id, w.leaseFor, w.caps)
	if err != nil || task == nil {
		return nil, err
	}
	w.execute(ctx, task)
	return task, nil
}

func (w *Worker) execute(ctx context.Context, task *queue.Task) {
	ctx, span := w.tracer.Start(ctx, "worker.execute",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", task.Type),
			attribute.String("task.namespace", task.Namespace),
		))
	defer span.End()

	handler, ok := w.handlers[task.Type]
	if !ok {
		err := errors.New("no handler for task type " + task.Type)
		span.SetStatus(codes.Error, err.Error())
		w.finish(ctx, task, nil, err)
		return
	}

	// An execution slot bounds how many handlers a namespace runs at
	// once. When the namespace is saturated we back off without burning
	// an attempt: the lease lapses and the task is reclaimed later.
	if w.runtime != nil {
		if err := w.runtime.AcquireExecutionSlot(ctx, task.Namespace); err != nil {
			span.SetStatus(codes.Error, err.Error())
			w.logger.Info("execution slot unavailable",
				"task_id", task.ID, "namespace", task.Namespace, "error", err)
			return
		}
		defer func() {
			if err := w.runtime.ReleaseExecutionSlot(ctx, task.Namespace); err != nil {
				w.logger.Error("execution slot release failed", "namespace", task.Namespace, "error", err)
			}
		}()
	}

	// Heartbeat at a third of the lease so slow handlers keep the task.
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeatLoop(hbCtx, task.ID)

	result, err := handler(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	stopHB()
	w.finish(ctx, task, result, err)
}

func (w *Worker) finish(ctx context.Context, task *queue.Task, result json.RawMessage, taskErr error) {
	if taskErr == nil {
		if err := w.queue.Complete(ctx, w.id, task.ID, result); err != nil {
			w.logger.Error("complete failed", "task_id", task.ID, "error", err)
			return
		}
		w.releaseSlot(ctx, task)
		w.logger.Debug("task completed", "task_id", task.ID, "type", task.Type)
		return
	}

	state, err := w.queue.Fail(ctx, w.id, task.ID, taskErr)
	if err != nil {
		w.logger.Error("fail failed", "task_id", task.ID, "error", err)
		return
	}
	if state.Terminal() {
		w.releaseSlot(ctx, task)
	}
	w.logger.Warn("task failed",
		"task_id", task.ID, "type", task.Type, "state", string(state), "error", taskErr)
}

// releaseSlot returns the namespace's queue-depth quota once the task is
// terminal.
func (w *Worker) releaseSlot(ctx context.Context, task *queue.Task) {
	if w.runtime == nil {
		return
	}
	if err := w.runtime.ReleaseTask(ctx, task.Namespace); err != nil {
		w.logger.Error("quota release failed", "namespace", task.Namespace, "error", err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, taskID string) {
	interval := w.leaseFor / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Heartbeat(ctx, w.id, taskID, w.leaseFor); err != nil {
				if !errors.Is(err, context.Canceled) {
					w.logger.Warn("heartbeat failed", "task_id", taskID, "error", err)
				}
				return
			}
		}
	}
}

// Package activity executes side-effecting calls on behalf of workflows.
//
// Activities are the only component permitted to touch the world outside
// orchestration state. Every invocation is keyed by a caller-supplied
// idempotency token: the first successful run is recorded durably, and any
// later invocation with the same token returns the cached result without
// re-executing the side effect.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/tiller/pkg/retry"
	"github.com/Mindburn-Labs/tiller/pkg/store"
)

const recordKeyPrefix = "activity/"

var (
	// ErrRetryExhausted is returned when an activity fails past its
	// retry budget. The caller owns compensation from here.
	ErrRetryExhausted = errors.New("activity: retries exhausted")

	// ErrTokenRequired is returned for an empty idempotency token.
	ErrTokenRequired = errors.New("activity: idempotency token required")
)

// Activity is a side-effecting call.
type Activity interface {
	Name() string
	Run(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Compensable is an activity that can undo its effect (saga pattern).
type Compensable interface {
	Activity
	Compensate(ctx context.Context, args json.RawMessage) error
}

// Func adapts a function into an Activity.
type Func struct {
	ActivityName string
	RunFn        func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

func (f Func) Name() string { return f.ActivityName }

func (f Func) Run(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f.RunFn(ctx, args)
}

// InvocationRecord is the durable memory of an activity invocation.
// Records are never deleted by this core; retention is an external
// concern.
type InvocationRecord struct {
	Token       string          `json:"token"`
	Activity    string          `json:"activity"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	Succeeded   bool            `json:"succeeded"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Executor runs activities with retries and idempotency.
type Executor struct {
	store   store.Store
	clock   func() time.Time
	backoff retry.Policy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// NewExecutor creates an executor over the durable store.
func NewExecutor(s store.Store, opts ...Option) *Executor {
	e := &Executor{
		store:   s,
		clock:   time.Now,
		backoff: retry.DefaultPolicy,
		sleep:   sleepCtx,
		logger:  slog.Default().With("component", "activity"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// WithBackoff sets the retry backoff policy.
func WithBackoff(p retry.Policy) Option {
	return func(e *Executor) { e.backoff = p }
}

// withSleep overrides the inter-retry sleep; tests use a no-op.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// Execute runs act at most once per token. A cached successful result is
// returned without re-invoking the side effect. Failures retry with
// backoff up to maxRetries; exhaustion surfaces ErrRetryExhausted
// wrapping the last error.
func (e *Executor) Execute(ctx context.Context, act Activity, args json.RawMessage, token string, maxRetries int) (json.RawMessage, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	key := recordKeyPrefix + token

	var rec InvocationRecord
	rev, err := store.GetJSON(ctx, e.store, key, &rec)
	switch {
	case err == nil:
		if rec.Succeeded {
			e.logger.Debug("idempotent replay", "token", token, "activity", rec.Activity)
			return rec.Result, nil
		}
	case errors.Is(err, store.ErrNotFound):
		rev = 0
	default:
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, retry.Backoff(token, attempt, e.backoff)); err != nil {
				return nil, err
			}
		}

		result, runErr := act.Run(ctx, args)
		rec = InvocationRecord{
			Token:    token,
			Activity: act.Name(),
			Attempt:  attempt + 1,
		}
		if runErr == nil {
			rec.Result = result
			rec.Succeeded = true
			rec.CompletedAt = e.clock()

			newRev, putErr := store.PutJSON(ctx, e.store, key, &rec, rev)
			if errors.Is(putErr, store.ErrRevisionMismatch) {
				// A concurrent executor finished first; its recorded
				// result is authoritative for this token.
				var winner InvocationRecord
				if _, getErr := store.GetJSON(ctx, e.store, key, &winner); getErr == nil && winner.Succeeded {
					return winner.Result, nil
				}
				return result, nil
			}
			if putErr != nil {
				return nil, putErr
			}
			rev = newRev
			return result, nil
		}

		lastErr = runErr
		rec.Error = runErr.Error()
		if newRev, putErr := store.PutJSON(ctx, e.store, key, &rec, rev); putErr == nil {
			rev = newRev
		}
		e.logger.Warn("activity attempt failed",
			"token", token, "activity", act.Name(), "attempt", attempt+1, "error", runErr)
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrRetryExhausted, act.Name(), maxRetries+1, lastErr)
}

// Record returns the invocation record for a token, if any.
func (e *Executor) Record(ctx context.Context, token string) (*InvocationRecord, error) {
	var rec InvocationRecord
	if _, err := store.GetJSON(ctx, e.store, recordKeyPrefix+token, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

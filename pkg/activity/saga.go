package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Saga tracks a sequence of completed activities within one logical
// transaction so they can be compensated in reverse order when a later
// step fails. The executor never chains compensations on its own; the
// workflow owning the transaction decides when to roll back.
type Saga struct {
	executor  *Executor
	completed []sagaStep
}

type sagaStep struct {
	activity Activity
	args     json.RawMessage
	token    string
}

// NewSaga creates an empty saga over the executor.
func NewSaga(e *Executor) *Saga {
	return &Saga{executor: e}
}

// Execute runs the activity through the executor and records it for
// compensation on success.
func (s *Saga) Execute(ctx context.Context, act Activity, args json.RawMessage, token string, maxRetries int) (json.RawMessage, error) {
	result, err := s.executor.Execute(ctx, act, args, token, maxRetries)
	if err != nil {
		return nil, err
	}
	s.completed = append(s.completed, sagaStep{activity: act, args: args, token: token})
	return result, nil
}

// Compensate rolls back completed steps in reverse order. Steps whose
// activity does not implement Compensable are skipped. All compensation
// errors are collected; compensation continues past individual failures.
func (s *Saga) Compensate(ctx context.Context) error {
	var errs []error
	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		comp, ok := step.activity.(Compensable)
		if !ok {
			continue
		}
		if err := comp.Compensate(ctx, step.args); err != nil {
			errs = append(errs, fmt.Errorf("compensate %s (token %s): %w", step.activity.Name(), step.token, err))
		}
	}
	s.completed = nil
	return errors.Join(errs...)
}

// Completed returns the number of steps eligible for compensation.
func (s *Saga) Completed() int {
	return len(s.completed)
}

// Package retry computes deterministic exponential backoff schedules for
// task requeues and activity retries. Jitter is derived from a hash of the
// retried entity rather than a random source, so the same failure history
// always produces the same schedule and replays stay reproducible.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a backoff schedule.
type Policy struct {
	Base        time.Duration // delay for the first retry
	Max         time.Duration // cap applied before jitter
	MaxJitter   time.Duration // upper bound on added jitter
	MaxAttempts int           // attempts before the caller gives up
}

// DefaultPolicy is a conservative schedule for task requeues.
var DefaultPolicy = Policy{
	Base:        500 * time.Millisecond,
	Max:         2 * time.Minute,
	MaxJitter:   250 * time.Millisecond,
	MaxAttempts: 3,
}

// Backoff returns the delay before attempt (0-based). The delay doubles
// each attempt up to Max, plus deterministic jitter seeded by entityID.
func Backoff(entityID string, attempt int, p Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30 // cap exponent, avoid overflow
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.Base.Milliseconds() * factor
	if max := p.Max.Milliseconds(); delay > max {
		delay = max
	}

	return time.Duration(delay+jitter(entityID, attempt, p)) * time.Millisecond
}

// jitter is a PRF over the entity id and attempt index.
func jitter(entityID string, attempt int, p Policy) int64 {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", entityID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitter.Milliseconds()))
}

// Schedule is one planned attempt.
type Schedule struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	At      time.Time     `json:"at"`
}

// Plan expands a policy into the full attempt schedule starting at now.
// Attempt 0 runs immediately; later attempts follow the backoff curve.
func Plan(entityID string, p Policy, now time.Time) []Schedule {
	out := make([]Schedule, p.MaxAttempts)
	at := now
	for i := 0; i < p.MaxAttempts; i++ {
		var d time.Duration
		if i > 0 {
			d = Backoff(entityID, i, p)
		}
		at = at.Add(d)
		out[i] = Schedule{Attempt: i, Delay: d, At: at}
	}
	return out
}

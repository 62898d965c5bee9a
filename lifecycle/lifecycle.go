// Package lifecycle owns the job state machine: the legal edges, the retry
// policy, and the transitions a worker commits after an attempt.
package lifecycle

import (
	"fmt"
	"time"

	"convertd/models"
)

var edges = map[models.State][]models.State{
	models.StatePending: {models.StateRunning},
	models.StateRunning: {models.StateDone, models.StateFailed, models.StatePending},
	models.StateDone:    {models.StateExpired},
	models.StateFailed:  {models.StateExpired},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is a compare-and-set request against a job row. It applies only
// while the row still holds From and Attempt.
type Transition struct {
	From    models.State
	To      models.State
	Attempt int

	ResultRef    string
	ResultFormat models.Format
	Error        *models.JobError
	// AvailableAt is the earliest claim time when To is Pending.
	AvailableAt time.Time
}

// Policy bounds retries.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Backoff returns base * 2^attempt, capped at BackoffMax.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 0; i < attempt; i++ {
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
		d *= 2
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Succeeded is the transition for a successful attempt.
func Succeeded(job *models.Job, resultRef string, resultFormat models.Format) Transition {
	return Transition{
		From:         models.StateRunning,
		To:           models.StateDone,
		Attempt:      job.AttemptCount,
		ResultRef:    resultRef,
		ResultFormat: resultFormat,
	}
}

// Failed decides between a retry and a terminal failure for an attempt that
// ended with the given kind. A retry carries no error: only Failed rows do.
func Failed(job *models.Job, kind models.ErrorKind, msg string, p Policy, now time.Time) Transition {
	if kind.Retryable() && job.AttemptCount < p.Limit(job) {
		return Transition{
			From:        models.StateRunning,
			To:          models.StatePending,
			Attempt:     job.AttemptCount,
			AvailableAt: now.Add(p.Backoff(job.AttemptCount)),
		}
	}
	return Transition{
		From:    models.StateRunning,
		To:      models.StateFailed,
		Attempt: job.AttemptCount,
		Error:   &models.JobError{Kind: kind, Message: msg},
	}
}

// Limit is the attempt bound for job. Rows persisted without one fall back
// to the policy.
func (p Policy) Limit(job *models.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return p.MaxAttempts
}

// Released returns a job to Pending without a failure, used when a worker
// stops before its attempt finishes. A released attempt still counts, so a
// job interrupted on its last attempt fails with a timeout, as liveness
// recovery would fail it.
func Released(job *models.Job, p Policy, now time.Time) Transition {
	if job.AttemptCount >= p.Limit(job) {
		return Transition{
			From:    models.StateRunning,
			To:      models.StateFailed,
			Attempt: job.AttemptCount,
			Error: &models.JobError{
				Kind:    models.ErrorTimeout,
				Message: fmt.Sprintf("interrupted on final attempt %d", job.AttemptCount),
			},
		}
	}
	return Transition{
		From:        models.StateRunning,
		To:          models.StatePending,
		Attempt:     job.AttemptCount,
		AvailableAt: now,
	}
}

// Expired retires a finished job.
func Expired(job *models.Job) Transition {
	return Transition{
		From:    job.State,
		To:      models.StateExpired,
		Attempt: job.AttemptCount,
	}
}

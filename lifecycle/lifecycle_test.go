package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convertd/models"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]models.State{
		{models.StatePending, models.StateRunning},
		{models.StateRunning, models.StateDone},
		{models.StateRunning, models.StateFailed},
		{models.StateRunning, models.StatePending},
		{models.StateDone, models.StateExpired},
		{models.StateFailed, models.StateExpired},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	denied := [][2]models.State{
		{models.StatePending, models.StateDone},
		{models.StatePending, models.StateFailed},
		{models.StatePending, models.StateExpired},
		{models.StateDone, models.StateRunning},
		{models.StateDone, models.StatePending},
		{models.StateFailed, models.StatePending},
		{models.StateExpired, models.StatePending},
		{models.StateExpired, models.StateExpired},
		{models.StateRunning, models.StateExpired},
	}
	for _, e := range denied {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

func TestBackoffStrictlyIncreasingUntilCap(t *testing.T) {
	p := Policy{MaxAttempts: 10, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Hour}
	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(3))
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{BackoffBase: time.Second, BackoffMax: 5 * time.Second}
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 5*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(200))
	assert.Equal(t, time.Duration(0), Policy{}.Backoff(3))
}

func TestFailedRetriesRetryableKinds(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Policy{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Minute}
	job := &models.Job{AttemptCount: 1, MaxAttempts: 3}

	tr := Failed(job, models.ErrorTimeout, "deadline exceeded", p, now)
	assert.Equal(t, models.StateRunning, tr.From)
	assert.Equal(t, models.StatePending, tr.To)
	assert.Equal(t, 1, tr.Attempt)
	assert.Nil(t, tr.Error)
	assert.Equal(t, now.Add(2*time.Second), tr.AvailableAt)
}

func TestFailedTerminalWhenExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3, BackoffBase: time.Second}
	job := &models.Job{AttemptCount: 3, MaxAttempts: 3}

	tr := Failed(job, models.ErrorTimeout, "deadline exceeded", p, time.Now())
	assert.Equal(t, models.StateFailed, tr.To)
	require.NotNil(t, tr.Error)
	assert.Equal(t, models.ErrorTimeout, tr.Error.Kind)
}

func TestFailedTerminalForCorruptInput(t *testing.T) {
	p := Policy{MaxAttempts: 5, BackoffBase: time.Second}
	job := &models.Job{AttemptCount: 1, MaxAttempts: 5}

	tr := Failed(job, models.ErrorInputCorrupt, "moov atom not found", p, time.Now())
	assert.Equal(t, models.StateFailed, tr.To)
	require.NotNil(t, tr.Error)
	assert.Equal(t, models.ErrorInputCorrupt, tr.Error.Kind)
	assert.Equal(t, "moov atom not found", tr.Error.Message)
}

func TestFailedFallsBackToPolicyMax(t *testing.T) {
	p := Policy{MaxAttempts: 2, BackoffBase: time.Second}
	job := &models.Job{AttemptCount: 2}
	assert.Equal(t, models.StateFailed, Failed(job, models.ErrorProcessFailure, "exit 1", p, time.Now()).To)
}

func TestSucceededAndReleased(t *testing.T) {
	job := &models.Job{AttemptCount: 2, State: models.StateRunning}
	s := Succeeded(job, "sha256:abc", models.FormatWebM)
	assert.Equal(t, models.StateDone, s.To)
	assert.Equal(t, 2, s.Attempt)
	assert.Equal(t, "sha256:abc", s.ResultRef)

	now := time.Now()
	r := Released(&models.Job{AttemptCount: 2, MaxAttempts: 3}, Policy{}, now)
	assert.Equal(t, models.StatePending, r.To)
	assert.Equal(t, now, r.AvailableAt)
	assert.Nil(t, r.Error)

	done := &models.Job{State: models.StateDone, AttemptCount: 1}
	e := Expired(done)
	assert.Equal(t, models.StateDone, e.From)
	assert.Equal(t, models.StateExpired, e.To)
}

func TestReleasedOnFinalAttemptFails(t *testing.T) {
	last := &models.Job{State: models.StateRunning, AttemptCount: 3, MaxAttempts: 3}
	r := Released(last, Policy{MaxAttempts: 5}, time.Now())
	assert.Equal(t, models.StateFailed, r.To)
	assert.Equal(t, 3, r.Attempt)
	if assert.NotNil(t, r.Error) {
		assert.Equal(t, models.ErrorTimeout, r.Error.Kind)
	}

	legacy := &models.Job{State: models.StateRunning, AttemptCount: 2}
	assert.Equal(t, models.StateFailed, Released(legacy, Policy{MaxAttempts: 2}, time.Now()).To,
		"rows without a bound use the policy's")
	assert.Equal(t, models.StatePending, Released(legacy, Policy{MaxAttempts: 3}, time.Now()).To)
}

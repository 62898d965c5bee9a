// Package jobstore is the durable, transactional record of every job. It is
// also the queue: workers claim Pending rows directly from it.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"convertd/lifecycle"
	"convertd/models"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrStaleTransition is returned when the row no longer holds the
	// expected state and attempt.
	ErrStaleTransition = errors.New("stale transition")
	// ErrIllegalTransition is returned for an edge outside the state machine
	// or a transition whose payload breaks a row invariant.
	ErrIllegalTransition = errors.New("illegal transition")
)

// claimRetries bounds how many candidates one claim inspects after losing races.
const claimRetries = 5

// Store wraps a gorm handle.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over db.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// advance returns a stamp strictly after prev, preferring now.
func advance(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

func (s *Store) lockingSupported() bool {
	return s.db.Dialector.Name() == DriverPostgres
}

// Create persists a new Pending job and returns its id. Id, state, attempt
// count and timestamps are assigned here.
func (s *Store) Create(ctx context.Context, job *models.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.clock()
	job.State = models.StatePending
	job.AttemptCount = 0
	job.ResultRef = ""
	job.ResultFormat = ""
	job.ErrorKind = ""
	job.ErrorMessage = ""
	job.WorkerID = ""
	job.HeartbeatAt = nil
	job.FinishedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.AvailableAt.IsZero() {
		job.AvailableAt = now
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.keepRef(tx, job.SourceRef); err != nil {
			return err
		}
		return tx.Create(job).Error
	})
	if errors.Is(err, ErrBlobReclaimed) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	return job.ID, nil
}

// Get returns the job with the given id.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

// ClaimNextPending atomically moves the oldest claimable Pending job to
// Running under workerID and returns it. It returns nil, nil when nothing is
// claimable.
func (s *Store) ClaimNextPending(ctx context.Context, workerID string) (*models.Job, error) {
	var claimed *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < claimRetries; i++ {
			now := s.clock()
			// rows with their attempts spent are never run again
			q := tx.Where("state = ? AND available_at <= ? AND (max_attempts <= 0 OR attempt_count < max_attempts)",
				models.StatePending, now).
				Order("created_at ASC").Order("id ASC").
				Limit(1)
			if s.lockingSupported() {
				q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
			}

			var candidate models.Job
			err := q.Take(&candidate).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			stamp := advance(now, candidate.UpdatedAt)
			res := tx.Model(&models.Job{}).
				Where("id = ? AND state = ? AND attempt_count = ?", candidate.ID, models.StatePending, candidate.AttemptCount).
				Updates(map[string]interface{}{
					"state":         models.StateRunning,
					"attempt_count": gorm.Expr("attempt_count + 1"),
					"worker_id":     workerID,
					"heartbeat_at":  stamp,
					"updated_at":    stamp,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				// another worker won this row; look at the next one
				continue
			}

			candidate.State = models.StateRunning
			candidate.AttemptCount++
			candidate.WorkerID = workerID
			candidate.HeartbeatAt = &stamp
			candidate.UpdatedAt = stamp
			claimed = &candidate
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return claimed, nil
}

func checkPayload(tr lifecycle.Transition) error {
	switch tr.To {
	case models.StateDone:
		if tr.ResultRef == "" || tr.Error != nil {
			return fmt.Errorf("%w: done requires a result and no error", ErrIllegalTransition)
		}
	case models.StateFailed:
		if tr.Error == nil || tr.ResultRef != "" {
			return fmt.Errorf("%w: failed requires an error and no result", ErrIllegalTransition)
		}
	case models.StatePending, models.StateRunning:
		if tr.Error != nil || tr.ResultRef != "" {
			return fmt.Errorf("%w: %s carries neither result nor error", ErrIllegalTransition, tr.To)
		}
	}
	return nil
}

func transitionValues(tr lifecycle.Transition, stamp time.Time) map[string]interface{} {
	values := map[string]interface{}{
		"state":      tr.To,
		"updated_at": stamp,
	}
	switch tr.To {
	case models.StateDone:
		values["result_ref"] = tr.ResultRef
		values["result_format"] = tr.ResultFormat
		values["error_kind"] = ""
		values["error_message"] = ""
		values["finished_at"] = stamp
	case models.StateFailed:
		values["result_ref"] = ""
		values["result_format"] = ""
		values["error_kind"] = tr.Error.Kind
		values["error_message"] = tr.Error.Message
		values["finished_at"] = stamp
	case models.StatePending:
		available := tr.AvailableAt.UTC().Truncate(time.Microsecond)
		if available.IsZero() {
			available = stamp
		}
		values["available_at"] = available
		values["worker_id"] = ""
		values["heartbeat_at"] = nil
	}
	return values
}

// Update applies tr to job id as a compare-and-set on (state, attempt_count)
// and returns the updated row.
func (s *Store) Update(ctx context.Context, id string, tr lifecycle.Transition) (*models.Job, error) {
	if !lifecycle.CanTransition(tr.From, tr.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, tr.From, tr.To)
	}
	if tr.From == models.StatePending && tr.To == models.StateRunning {
		return nil, fmt.Errorf("%w: pending -> running happens only through a claim", ErrIllegalTransition)
	}
	if err := checkPayload(tr); err != nil {
		return nil, err
	}

	var updated models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Job
		err := tx.Where("id = ?", id).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if current.State != tr.From || current.AttemptCount != tr.Attempt {
			return fmt.Errorf("%w: job %s is %s/%d, expected %s/%d",
				ErrStaleTransition, id, current.State, current.AttemptCount, tr.From, tr.Attempt)
		}

		if tr.To == models.StateDone {
			if err := s.keepRef(tx, tr.ResultRef); err != nil {
				return err
			}
		}

		stamp := advance(s.clock(), current.UpdatedAt)
		res := tx.Model(&models.Job{}).
			Where("id = ? AND state = ? AND attempt_count = ?", id, tr.From, tr.Attempt).
			Updates(transitionValues(tr, stamp))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: job %s changed concurrently", ErrStaleTransition, id)
		}
		return tx.Where("id = ?", id).Take(&updated).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleTransition) || errors.Is(err, ErrBlobReclaimed) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}
	return &updated, nil
}

// Heartbeat refreshes the liveness stamp of a Running job. It returns
// ErrStaleTransition once the caller no longer owns the attempt.
func (s *Store) Heartbeat(ctx context.Context, id string, attempt int, workerID string) error {
	now := s.clock()
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ? AND attempt_count = ? AND worker_id = ?", id, models.StateRunning, attempt, workerID).
		Update("heartbeat_at", now)
	if res.Error != nil {
		return fmt.Errorf("failed to heartbeat job %s: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: job %s attempt %d is no longer owned by %s", ErrStaleTransition, id, attempt, workerID)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	States []models.State
	Limit  int
	Offset int
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]models.Job, error) {
	q := s.db.WithContext(ctx).Model(&models.Job{})
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var jobs []models.Job
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Offset(f.Offset).Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// CountByState returns the number of jobs in each state.
func (s *Store) CountByState(ctx context.Context) (map[models.State]int64, error) {
	var rows []struct {
		State models.State
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	counts := make(map[models.State]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

package jobstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"convertd/models"
)

// Recovered describes one orphaned job handled by RecoverOrphaned.
type Recovered struct {
	Job      models.Job
	Previous string // worker that held the lease
}

// RecoverOrphaned finds Running jobs whose heartbeat is older than timeout.
// Jobs with attempts left go back to Pending; the rest fail with a timeout.
// maxAttempts bounds rows persisted without their own limit.
func (s *Store) RecoverOrphaned(ctx context.Context, timeout time.Duration, maxAttempts int) ([]Recovered, error) {
	now := s.clock()
	cutoff := now.Add(-timeout)

	var orphans []models.Job
	err := s.db.WithContext(ctx).
		Where("state = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", models.StateRunning, cutoff).
		Order("created_at ASC").
		Find(&orphans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan orphaned jobs: %w", err)
	}

	var recovered []Recovered
	for _, orphan := range orphans {
		job, err := s.recoverOne(ctx, orphan, cutoff, maxAttempts)
		if err != nil {
			return recovered, err
		}
		if job != nil {
			recovered = append(recovered, Recovered{Job: *job, Previous: orphan.WorkerID})
		}
	}
	return recovered, nil
}

func (s *Store) recoverOne(ctx context.Context, orphan models.Job, cutoff time.Time, fallbackMax int) (*models.Job, error) {
	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stamp := advance(s.clock(), orphan.UpdatedAt)
		values := map[string]interface{}{
			"updated_at":   stamp,
			"worker_id":    "",
			"heartbeat_at": nil,
		}
		maxAttempts := orphan.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = fallbackMax
		}
		if maxAttempts > 0 && orphan.AttemptCount >= maxAttempts {
			values["state"] = models.StateFailed
			values["error_kind"] = models.ErrorTimeout
			values["error_message"] = fmt.Sprintf("worker lease expired after %d attempts", orphan.AttemptCount)
			values["finished_at"] = stamp
		} else {
			values["state"] = models.StatePending
			values["available_at"] = stamp
		}

		// Re-check the lease inside the update so a late heartbeat wins.
		res := tx.Model(&models.Job{}).
			Where("id = ? AND state = ? AND attempt_count = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)",
				orphan.ID, models.StateRunning, orphan.AttemptCount, cutoff).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return nil
		}
		var job models.Job
		if err := tx.Where("id = ?", orphan.ID).Take(&job).Error; err != nil {
			return err
		}
		out = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recover job %s: %w", orphan.ID, err)
	}
	return out, nil
}

// ExpireFinished moves Done and Failed jobs finished before cutoff to
// Expired and returns them as they were before expiry.
func (s *Store) ExpireFinished(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var finished []models.Job
	err := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?", []models.State{models.StateDone, models.StateFailed}, cutoff.UTC()).
		Order("finished_at ASC").
		Limit(limit).
		Find(&finished).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan finished jobs: %w", err)
	}

	var expired []models.Job
	for _, job := range finished {
		stamp := advance(s.clock(), job.UpdatedAt)
		res := s.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND state = ? AND attempt_count = ?", job.ID, job.State, job.AttemptCount).
			Updates(map[string]interface{}{
				"state":      models.StateExpired,
				"updated_at": stamp,
			})
		if res.Error != nil {
			return expired, fmt.Errorf("failed to expire job %s: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			expired = append(expired, job)
		}
	}
	return expired, nil
}

// RefInUse reports whether any job that is not Expired still references ref
// as its source or result.
func (s *Store) RefInUse(ctx context.Context, ref string) (bool, error) {
	return refInUse(s.db.WithContext(ctx), ref)
}

func refInUse(tx *gorm.DB, ref string) (bool, error) {
	var count int64
	err := tx.Model(&models.Job{}).
		Where("state <> ? AND (source_ref = ? OR result_ref = ?)", models.StateExpired, ref, ref).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check blob references: %w", err)
	}
	return count > 0, nil
}

// Purge deletes Expired rows last updated before cutoff, along with the
// tombstones of blobs reclaimed before it.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", models.StateExpired, cutoff.UTC()).
		Delete(&models.Job{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge expired jobs: %w", res.Error)
	}
	err := s.db.WithContext(ctx).
		Where("reclaimed_at IS NOT NULL AND reclaimed_at < ?", cutoff.UTC()).
		Delete(&Tombstone{}).Error
	if err != nil {
		return res.RowsAffected, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	return res.RowsAffected, nil
}

package scheduler

import (
	"context"
	"errors"
	"time"

	"convertd/blobstore"
	"convertd/events"
	"convertd/jobstore"
	"convertd/logger"
	"convertd/models"
)

// ReapStore is the part of the job store the reaper needs.
type ReapStore interface {
	RecoverOrphaned(ctx context.Context, timeout time.Duration, maxAttempts int) ([]jobstore.Recovered, error)
	ExpireFinished(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	MarkUnreferenced(ctx context.Context, ref string) (bool, error)
	ReclaimCandidates(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	Reclaim(ctx context.Context, ref string, del func(context.Context) error) (bool, error)
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// ReaperConfig tunes a Reaper.
type ReaperConfig struct {
	Interval        time.Duration
	LivenessTimeout time.Duration
	// MaxAttempts bounds recovered jobs persisted without their own limit.
	MaxAttempts int
	Retention   time.Duration
	PurgeAfter  time.Duration
	// ReclaimGrace is how long a blob stays marked before it is deleted.
	ReclaimGrace time.Duration
	BatchSize    int
}

// Reaper recovers orphaned jobs, expires finished ones, deletes blobs left
// unreferenced, and purges long-expired rows.
type Reaper struct {
	cfg    ReaperConfig
	store  ReapStore
	blobs  blobstore.Store
	events Publisher
	now    func() time.Time
}

// NewReaper creates a reaper. events may be nil.
func NewReaper(cfg ReaperConfig, store ReapStore, blobs blobstore.Store, events Publisher) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ReclaimGrace <= 0 {
		cfg.ReclaimGrace = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reaper{cfg: cfg, store: store, blobs: blobs, events: events, now: time.Now}
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	logger.Infof("Reaper started - will run every %v", r.cfg.Interval)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Reaper sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("Reaper stopped due to context cancellation")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs recovery, expiry, reclaim and purge once. Each step runs even if
// an earlier one failed.
func (r *Reaper) Sweep(ctx context.Context) error {
	return errors.Join(r.Recover(ctx), r.Expire(ctx), r.Reclaim(ctx), r.purge(ctx))
}

// Recover returns orphaned Running jobs to Pending, or fails them when their
// attempts are spent.
func (r *Reaper) Recover(ctx context.Context) error {
	recovered, err := r.store.RecoverOrphaned(ctx, r.cfg.LivenessTimeout, r.cfg.MaxAttempts)
	for _, rec := range recovered {
		logger.WithFields(logger.Fields{
			"job_id":  rec.Job.ID,
			"worker":  rec.Previous,
			"state":   rec.Job.State,
			"attempt": rec.Job.AttemptCount,
		}).Warnf("Recovered orphaned job")
		r.publish(rec.Job, models.StateRunning)
	}
	return err
}

// Expire retires finished jobs past retention and marks the blobs no live job
// still references. Reclaim deletes them once the grace period has passed.
func (r *Reaper) Expire(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.Retention)
	for {
		expired, err := r.store.ExpireFinished(ctx, cutoff, r.cfg.BatchSize)
		for _, job := range expired {
			previous := job.State
			logger.WithFields(logger.Fields{"job_id": job.ID, "state": previous}).Infof("Expired job")
			r.mark(ctx, job.SourceRef)
			r.mark(ctx, job.ResultRef)
			job.State = models.StateExpired
			r.publish(job, previous)
		}
		if err != nil {
			return err
		}
		if len(expired) < r.cfg.BatchSize {
			return nil
		}
	}
}

// mark tombstones ref unless another job still needs it. Failures are
// logged; an unmarked blob only costs space.
func (r *Reaper) mark(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	marked, err := r.store.MarkUnreferenced(ctx, ref)
	if err != nil {
		logger.Errorf("Failed to mark blob %s: %v", ref, err)
		return
	}
	if !marked {
		logger.Debugf("Blob %s still referenced, keeping it", ref)
	}
}

// Reclaim deletes blobs marked longer than ReclaimGrace ago that are still
// unreferenced.
func (r *Reaper) Reclaim(ctx context.Context) error {
	if r.blobs == nil {
		return nil
	}
	cutoff := r.now().Add(-r.cfg.ReclaimGrace)
	for {
		refs, err := r.store.ReclaimCandidates(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		var errs []error
		for _, ref := range refs {
			deleted, err := r.store.Reclaim(ctx, ref, func(ctx context.Context) error {
				return r.blobs.Delete(ctx, ref)
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if deleted {
				logger.Debugf("Deleted blob %s", ref)
			} else {
				logger.Debugf("Blob %s referenced again, keeping it", ref)
			}
		}
		// failed refs stay candidates; retry them on the next sweep
		if len(errs) > 0 || len(refs) < r.cfg.BatchSize {
			return errors.Join(errs...)
		}
	}
}

func (r *Reaper) purge(ctx context.Context) error {
	n, err := r.store.Purge(ctx, r.now().Add(-r.cfg.PurgeAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Infof("Purged %d expired jobs", n)
	}
	return nil
}

func (r *Reaper) publish(job models.Job, previous models.State) {
	if r.events == nil {
		return
	}
	r.events.Publish(events.JobEvent{Job: job, Previous: previous, At: r.now().UTC()})
}

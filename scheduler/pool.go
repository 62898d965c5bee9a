// Package scheduler runs the worker pool that drives claimed jobs through a
// converter, and the reaper that recovers and retires jobs over time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"convertd/converter"
	"convertd/events"
	"convertd/jobstore"
	"convertd/lifecycle"
	"convertd/logger"
	"convertd/models"
	"convertd/router"
)

// JobStore is the part of the job store a worker needs.
type JobStore interface {
	ClaimNextPending(ctx context.Context, workerID string) (*models.Job, error)
	Update(ctx context.Context, id string, tr lifecycle.Transition) (*models.Job, error)
	Heartbeat(ctx context.Context, id string, attempt int, workerID string) error
	MarkUnreferenced(ctx context.Context, ref string) (bool, error)
	Restore(ctx context.Context, ref string) error
}

// Adapters resolves a routed converter to something that can run it.
type Adapters interface {
	Lookup(conv router.Converter) (converter.Adapter, bool)
}

// Publisher receives every committed transition.
type Publisher interface {
	Publish(events.JobEvent)
}

// Config tunes a Pool. Zero values take the defaults below.
type Config struct {
	Workers           int
	Name              string
	Policy            lifecycle.Policy
	ConvertTimeout    time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StoreRetryBase    time.Duration
	StoreRetryMax     time.Duration
	// ShutdownGrace bounds the writes made after the pool is stopped.
	ShutdownGrace time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Name == "" {
		host, _ := os.Hostname()
		c.Name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy.MaxAttempts = 3
	}
	if c.ConvertTimeout <= 0 {
		c.ConvertTimeout = 10 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StoreRetryBase <= 0 {
		c.StoreRetryBase = 500 * time.Millisecond
	}
	if c.StoreRetryMax <= 0 {
		c.StoreRetryMax = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
}

// Pool is a fixed set of workers. The job store is the only state they share.
type Pool struct {
	cfg      Config
	store    JobStore
	adapters Adapters
	events   Publisher
	now      func() time.Time
}

// NewPool creates a pool. events may be nil.
func NewPool(cfg Config, store JobStore, adapters Adapters, events Publisher) *Pool {
	cfg.setDefaults()
	return &Pool{cfg: cfg, store: store, adapters: adapters, events: events, now: time.Now}
}

// Run starts the workers and blocks until ctx is done and every worker has
// released or finished its job.
func (p *Pool) Run(ctx context.Context) {
	logger.Infof("Starting %d workers (%s)", p.cfg.Workers, p.cfg.Name)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.work(ctx, id)
		}(fmt.Sprintf("%s/%d", p.cfg.Name, i))
	}
	wg.Wait()
	logger.Info("All workers stopped")
}

// sleep waits for d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// storePause doubles prev within the configured bounds.
func (p *Pool) storePause(prev time.Duration) time.Duration {
	if prev <= 0 {
		return p.cfg.StoreRetryBase
	}
	next := prev * 2
	if next > p.cfg.StoreRetryMax {
		return p.cfg.StoreRetryMax
	}
	return next
}

func (p *Pool) work(ctx context.Context, workerID string) {
	log := logger.WithFields(logger.Fields{"worker": workerID})
	log.Debugf("Worker started")
	var pause time.Duration
	for ctx.Err() == nil {
		job, err := p.store.ClaimNextPending(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			pause = p.storePause(pause)
			log.Errorf("Claim failed, retrying in %v: %v", pause, err)
			sleep(ctx, pause)
			continue
		}
		pause = 0
		if job == nil {
			sleep(ctx, p.cfg.PollInterval)
			continue
		}

		log.WithField("job_id", job.ID).WithField("attempt", job.AttemptCount).
			Infof("Claimed job (%s -> %s)", job.SourceFormat, job.TargetFormat)
		p.publish(job, models.StatePending)
		p.process(ctx, workerID, job)
	}
	log.Debugf("Worker stopped")
}

// process runs one claimed attempt and commits its outcome.
func (p *Pool) process(ctx context.Context, workerID string, job *models.Job) {
	log := logger.WithFields(logger.Fields{"worker": workerID, "job_id": job.ID, "attempt": job.AttemptCount})

	decision, err := router.Route(job.SourceFormat, job.TargetFormat)
	if err == nil {
		err = decision.CheckOptions(job.Options)
	}
	if err != nil {
		// the pair was valid at submission but is no longer routable
		p.commit(ctx, job, lifecycle.Failed(job, models.ErrorUnsupported, err.Error(), p.cfg.Policy, p.now()))
		return
	}
	adapter, ok := p.adapters.Lookup(decision.Converter)
	if !ok {
		msg := fmt.Sprintf("converter %s is not available", decision.Converter)
		p.commit(ctx, job, lifecycle.Failed(job, models.ErrorProcessFailure, msg, p.cfg.Policy, p.now()))
		return
	}

	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	var lost atomic.Bool
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		p.heartbeat(attemptCtx, workerID, job, func() {
			lost.Store(true)
			cancelAttempt()
		})
	}()

	out, execErr := adapter.Execute(attemptCtx, converter.Request{
		JobID:        job.ID,
		SourceRef:    job.SourceRef,
		SourceFormat: job.SourceFormat,
		TargetFormat: job.TargetFormat,
		Options:      job.Options,
		Deadline:     p.now().Add(p.cfg.ConvertTimeout),
	})
	cancelAttempt()
	<-beating

	switch {
	case lost.Load():
		// someone else owns the job now
		log.Warnf("Lease lost during conversion, dropping result")
		if execErr == nil {
			p.discard(ctx, out.Ref)
		}
	case execErr == nil:
		log.Infof("Conversion finished: %s (%d bytes)", out.Ref, out.Size)
		if !p.commit(ctx, job, lifecycle.Succeeded(job, out.Ref, out.Format)) {
			p.discard(ctx, out.Ref)
		}
	case ctx.Err() != nil:
		tr := lifecycle.Released(job, p.cfg.Policy, p.now())
		if tr.To == models.StateFailed {
			log.Warnf("Shutting down during the final attempt, failing job")
		} else {
			log.Infof("Shutting down, releasing job")
		}
		p.commit(ctx, job, tr)
	default:
		kind := converter.KindOf(execErr)
		tr := lifecycle.Failed(job, kind, converter.Message(execErr), p.cfg.Policy, p.now())
		if tr.To == models.StatePending {
			log.Warnf("Attempt failed (%s), retrying at %s: %v", kind, tr.AvailableAt.Format(time.RFC3339Nano), execErr)
		} else {
			log.Errorf("Job failed (%s): %v", kind, execErr)
		}
		p.commit(ctx, job, tr)
	}
}

// heartbeat refreshes the lease until ctx is done, calling lost once the
// store reports that the attempt belongs to someone else.
func (p *Pool) heartbeat(ctx context.Context, workerID string, job *models.Job, lost func()) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.Heartbeat(ctx, job.ID, job.AttemptCount, workerID)
			if errors.Is(err, jobstore.ErrStaleTransition) {
				lost()
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warnf("Heartbeat for job %s failed: %v", job.ID, err)
			}
		}
	}
}

// writeContext bounds a store write by ShutdownGrace once ctx is done.
func (p *Pool) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() != nil {
		return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ShutdownGrace)
	}
	return context.WithCancel(ctx)
}

// discard hands a result nobody will reference to the reaper.
func (p *Pool) discard(ctx context.Context, ref string) {
	writeCtx, cancel := p.writeContext(ctx)
	defer cancel()
	if _, err := p.store.MarkUnreferenced(writeCtx, ref); err != nil {
		logger.Warnf("Failed to mark dropped result %s: %v", ref, err)
	}
}

// commit writes tr, retrying infrastructure errors, and reports whether it
// landed as tr first asked. Once the pool is stopping it keeps trying for
// ShutdownGrace; a job still Running after that is left to liveness recovery.
func (p *Pool) commit(ctx context.Context, job *models.Job, tr lifecycle.Transition) bool {
	writeCtx, cancel := p.writeContext(ctx)
	defer cancel()
	want := tr.To

	log := logger.WithFields(logger.Fields{"job_id": job.ID, "attempt": tr.Attempt, "state": tr.To})
	var pause time.Duration
	for {
		updated, err := p.store.Update(writeCtx, job.ID, tr)
		if err == nil {
			log.Infof("Job %s -> %s", tr.From, tr.To)
			p.publish(updated, tr.From)
			return tr.To == want
		}
		if errors.Is(err, jobstore.ErrBlobReclaimed) && tr.To == models.StateDone {
			// the result matched a blob deleted meanwhile; the retry stores it again
			log.Warnf("Result blob was reclaimed before commit: %v", err)
			if err := p.store.Restore(writeCtx, tr.ResultRef); err != nil {
				log.Warnf("Failed to restore %s: %v", tr.ResultRef, err)
			}
			tr = lifecycle.Failed(job, models.ErrorStoreUnavailable, "result blob was reclaimed before commit", p.cfg.Policy, p.now())
			log = log.WithField("state", tr.To)
			continue
		}
		if errors.Is(err, jobstore.ErrStaleTransition) || errors.Is(err, jobstore.ErrNotFound) ||
			errors.Is(err, jobstore.ErrIllegalTransition) {
			log.Warnf("Transition dropped: %v", err)
			return false
		}
		if writeCtx.Err() != nil {
			log.Errorf("Giving up on transition, job left for recovery: %v", err)
			return false
		}
		pause = p.storePause(pause)
		log.Errorf("Update failed, retrying in %v: %v", pause, err)
		if !sleep(writeCtx, pause) {
			log.Errorf("Giving up on transition, job left for recovery")
			return false
		}
	}
}

func (p *Pool) publish(job *models.Job, previous models.State) {
	if p.events == nil || job == nil {
		return
	}
	p.events.Publish(events.JobEvent{Job: *job, Previous: previous, At: p.now().UTC()})
}

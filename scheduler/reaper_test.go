package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convertd/blobstore"
	"convertd/job"
	"convertd/jobstore"
	"convertd/lifecycle"
	"convertd/models"
)

// finish claims the next job and marks it Done with a fresh result blob.
func (h *harness) finish(payload string) *models.Job {
	claimed, err := h.store.ClaimNextPending(h.ctx, "w")
	require.NoError(h.t, err)
	require.NotNil(h.t, claimed)
	ref, err := h.blobs.Put(h.ctx, []byte(payload))
	require.NoError(h.t, err)
	done, err := h.store.Update(h.ctx, claimed.ID, lifecycle.Succeeded(claimed, ref, models.FormatWebM))
	require.NoError(h.t, err)
	return done
}

func TestReaperExpiresFinishedJobsAndDeletesUnsharedBlobs(t *testing.T) {
	h := newHarness(t)
	bus := &recordingBus{}
	reaper := NewReaper(ReaperConfig{Retention: time.Hour, PurgeAfter: 72 * time.Hour}, h.store, h.blobs, bus)
	reaper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	first := h.submit(3)
	done := h.finish("result one")
	require.Equal(t, first.ID, done.ID)
	// a second job still needs the shared source
	second := h.submit(3)

	require.NoError(t, reaper.Sweep(h.ctx))

	expired, err := h.store.Get(h.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, expired.State)
	assert.Equal(t, done.ResultRef, expired.ResultRef)

	_, err = h.blobs.Get(h.ctx, done.ResultRef)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	_, err = h.blobs.Get(h.ctx, second.SourceRef)
	assert.NoError(t, err, "shared source must survive")

	pending, err := h.store.Get(h.ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, pending.State)
	assert.Equal(t, []models.State{models.StateExpired}, bus.seen())
}

func TestReaperKeepsJobsInsideRetention(t *testing.T) {
	h := newHarness(t)
	reaper := NewReaper(ReaperConfig{Retention: time.Hour}, h.store, h.blobs, nil)

	h.submit(3)
	done := h.finish("fresh result")
	require.NoError(t, reaper.Expire(h.ctx))

	got, err := h.store.Get(h.ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDone, got.State)
	_, err = h.blobs.Get(h.ctx, done.ResultRef)
	assert.NoError(t, err)
}

func TestReaperPurgesLongExpiredRows(t *testing.T) {
	h := newHarness(t)
	reaper := NewReaper(ReaperConfig{Retention: time.Hour, PurgeAfter: 2 * time.Hour}, h.store, h.blobs, nil)

	h.submit(3)
	done := h.finish("old result")

	reaper.now = func() time.Time { return time.Now().Add(90 * time.Minute) }
	require.NoError(t, reaper.Sweep(h.ctx))
	got, err := h.store.Get(h.ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)

	reaper.now = func() time.Time { return time.Now().Add(5 * time.Hour) }
	require.NoError(t, reaper.Sweep(h.ctx))
	_, err = h.store.Get(h.ctx, done.ID)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

func TestReaperRecoversExhaustedJobAsTimeout(t *testing.T) {
	h := newHarness(t)
	job := h.submit(1)
	_, err := h.store.ClaimNextPending(h.ctx, "gone")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	bus := &recordingBus{}
	reaper := NewReaper(ReaperConfig{LivenessTimeout: 30 * time.Millisecond}, h.store, h.blobs, bus)
	require.NoError(t, reaper.Recover(h.ctx))

	failed, err := h.store.Get(h.ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, failed.State)
	assert.Equal(t, models.ErrorTimeout, failed.Failure().Kind)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Equal(t, []models.State{models.StateFailed}, bus.seen())
}

func TestReaperDefersBlobDeletion(t *testing.T) {
	h := newHarness(t)
	reaper := NewReaper(ReaperConfig{Retention: time.Millisecond, ReclaimGrace: time.Hour}, h.store, h.blobs, nil)

	h.submit(3)
	done := h.finish("result kept for a while")
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, reaper.Sweep(h.ctx))
	expired, err := h.store.Get(h.ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, expired.State)
	_, err = h.blobs.Get(h.ctx, done.ResultRef)
	assert.NoError(t, err, "marked blobs survive the grace period")

	reaper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, reaper.Sweep(h.ctx))
	_, err = h.blobs.Get(h.ctx, done.ResultRef)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
	_, err = h.blobs.Get(h.ctx, done.SourceRef)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

// submittingStore runs during while the reaper is deleting ref.
type submittingStore struct {
	*jobstore.Store
	ref    string
	during func()
}

func (s *submittingStore) Reclaim(ctx context.Context, ref string, del func(context.Context) error) (bool, error) {
	return s.Store.Reclaim(ctx, ref, func(ctx context.Context) error {
		if ref == s.ref {
			s.during()
		}
		return del(ctx)
	})
}

func TestReaperKeepsSourceOfConcurrentSubmission(t *testing.T) {
	h := newHarness(t)
	h.useTranscoder(writeWebM)
	service := job.NewService(h.store, h.blobs, h.reg, nil, 3)

	first := h.submit(3)
	h.finish("first result")

	type result struct {
		job *models.Job
		err error
	}
	submitted := make(chan result, 1)
	var once sync.Once
	store := &submittingStore{Store: h.store, ref: first.SourceRef}
	store.during = func() {
		once.Do(func() {
			go func() {
				j, err := service.Submit(context.Background(), job.SubmitRequest{
					Source:       sourceVideo,
					SourceFormat: "mp4",
					TargetFormat: "webm",
				})
				submitted <- result{j, err}
			}()
			// give the submission time to store its bytes before the delete
			time.Sleep(50 * time.Millisecond)
		})
	}

	reaper := NewReaper(ReaperConfig{Retention: time.Hour}, store, h.blobs, nil)
	reaper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, reaper.Sweep(h.ctx))

	var got result
	select {
	case got = <-submitted:
	case <-time.After(5 * time.Second):
		t.Fatal("submission never finished")
	}
	require.NoError(t, got.err)
	assert.Equal(t, first.SourceRef, got.job.SourceRef)

	pending, err := h.store.Get(h.ctx, got.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, pending.State)
	data, err := h.blobs.Get(h.ctx, pending.SourceRef)
	require.NoError(t, err, "source of a live job must survive the reaper")
	assert.Equal(t, sourceVideo, data)

	// the next sweep leaves it alone too
	require.NoError(t, reaper.Sweep(h.ctx))
	_, err = h.blobs.Get(h.ctx, pending.SourceRef)
	assert.NoError(t, err)
}

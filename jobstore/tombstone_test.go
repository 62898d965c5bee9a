package jobstore

import (
	"context"
	"errors"
	"time"

	"convertd/lifecycle"
	"convertd/models"
)

func (s *StoreTestSuite) TestMarkUnreferencedSkipsLiveRefs() {
	job := s.createJob()

	marked, err := s.store.MarkUnreferenced(s.ctx, job.SourceRef)
	s.Require().NoError(err)
	s.False(marked)

	marked, err = s.store.MarkUnreferenced(s.ctx, "sha256:orphan")
	s.Require().NoError(err)
	s.True(marked)
	marked, err = s.store.MarkUnreferenced(s.ctx, "sha256:orphan")
	s.Require().NoError(err)
	s.True(marked, "marking twice keeps one tombstone")

	s.clock.Advance(time.Minute)
	refs, err := s.store.ReclaimCandidates(s.ctx, s.clock.Now().Add(-30*time.Second), 10)
	s.Require().NoError(err)
	s.Equal([]string{"sha256:orphan"}, refs)

	refs, err = s.store.ReclaimCandidates(s.ctx, s.clock.Now().Add(-2*time.Minute), 10)
	s.Require().NoError(err)
	s.Empty(refs, "too recent to reclaim")
}

func (s *StoreTestSuite) TestReclaimDeletesOnlyUnreferencedBlobs() {
	ref := "sha256:shared"
	_, err := s.store.MarkUnreferenced(s.ctx, ref)
	s.Require().NoError(err)

	// a submission of the same bytes revives the ref before the reaper gets to it
	job := &models.Job{SourceRef: ref, SourceFormat: models.FormatMP4, TargetFormat: models.FormatWebM, MaxAttempts: 3}
	_, err = s.store.Create(s.ctx, job)
	s.Require().NoError(err)

	calls := 0
	del := func(context.Context) error { calls++; return nil }
	deleted, err := s.store.Reclaim(s.ctx, ref, del)
	s.Require().NoError(err)
	s.False(deleted)
	s.Zero(calls)

	other := "sha256:gone"
	_, err = s.store.MarkUnreferenced(s.ctx, other)
	s.Require().NoError(err)
	deleted, err = s.store.Reclaim(s.ctx, other, del)
	s.Require().NoError(err)
	s.True(deleted)
	s.Equal(1, calls)

	deleted, err = s.store.Reclaim(s.ctx, other, del)
	s.Require().NoError(err)
	s.False(deleted, "already reclaimed")
	s.Equal(1, calls)
}

func (s *StoreTestSuite) TestReclaimFailureKeepsTombstone() {
	ref := "sha256:sticky"
	_, err := s.store.MarkUnreferenced(s.ctx, ref)
	s.Require().NoError(err)

	_, err = s.store.Reclaim(s.ctx, ref, func(context.Context) error { return errors.New("backend down") })
	s.Require().Error(err)

	s.clock.Advance(time.Second)
	refs, err := s.store.ReclaimCandidates(s.ctx, s.clock.Now(), 10)
	s.Require().NoError(err)
	s.Equal([]string{ref}, refs)
}

func (s *StoreTestSuite) TestJobsCannotReferenceReclaimedBlobs() {
	ref := "sha256:reclaimed"
	_, err := s.store.MarkUnreferenced(s.ctx, ref)
	s.Require().NoError(err)
	_, err = s.store.Reclaim(s.ctx, ref, func(context.Context) error { return nil })
	s.Require().NoError(err)

	job := &models.Job{SourceRef: ref, SourceFormat: models.FormatMP4, TargetFormat: models.FormatWebM, MaxAttempts: 3}
	_, err = s.store.Create(s.ctx, job)
	s.ErrorIs(err, ErrBlobReclaimed)

	source := s.createJob()
	claimed := s.claim("w-1")
	s.Equal(source.ID, claimed.ID)
	_, err = s.store.Update(s.ctx, claimed.ID, lifecycle.Succeeded(claimed, ref, models.FormatWebM))
	s.ErrorIs(err, ErrBlobReclaimed)

	s.Require().NoError(s.store.Restore(s.ctx, ref))
	_, err = s.store.Create(s.ctx, &models.Job{SourceRef: ref, SourceFormat: models.FormatMP4, TargetFormat: models.FormatWebM, MaxAttempts: 3})
	s.NoError(err)
}

func (s *StoreTestSuite) TestMarkResetsReclaimedTombstone() {
	ref := "sha256:again"
	_, err := s.store.MarkUnreferenced(s.ctx, ref)
	s.Require().NoError(err)
	_, err = s.store.Reclaim(s.ctx, ref, func(context.Context) error { return nil })
	s.Require().NoError(err)

	// the blob was stored again and dropped again
	marked, err := s.store.MarkUnreferenced(s.ctx, ref)
	s.Require().NoError(err)
	s.True(marked)

	s.clock.Advance(time.Second)
	refs, err := s.store.ReclaimCandidates(s.ctx, s.clock.Now(), 10)
	s.Require().NoError(err)
	s.Equal([]string{ref}, refs)
}

func (s *StoreTestSuite) TestPurgeDropsOldReclaimedTombstones() {
	_, err := s.store.MarkUnreferenced(s.ctx, "sha256:old")
	s.Require().NoError(err)
	_, err = s.store.Reclaim(s.ctx, "sha256:old", func(context.Context) error { return nil })
	s.Require().NoError(err)
	_, err = s.store.MarkUnreferenced(s.ctx, "sha256:waiting")
	s.Require().NoError(err)

	s.clock.Advance(time.Hour)
	_, err = s.store.Purge(s.ctx, s.clock.Now())
	s.Require().NoError(err)

	var refs []string
	s.Require().NoError(s.db.Model(&Tombstone{}).Order("ref").Pluck("ref", &refs).Error)
	s.Equal([]string{"sha256:waiting"}, refs)
}

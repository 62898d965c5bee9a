package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBlobReclaimed is returned when a job would reference a blob that has
// already been deleted as unreferenced.
var ErrBlobReclaimed = errors.New("blob reclaimed")

// Tombstone marks a blob that no live job referenced when it was checked.
// Deletion happens later, through Reclaim; ReclaimedAt is set once the blob
// is gone.
type Tombstone struct {
	Ref         string     `gorm:"primaryKey;size:80"`
	MarkedAt    time.Time  `gorm:"not null;index"`
	ReclaimedAt *time.Time `gorm:"index"`
}

// TableName overrides the table name used by Tombstone to `blob_tombstones`
func (Tombstone) TableName() string {
	return "blob_tombstones"
}

func (s *Store) lockedTombstone(tx *gorm.DB) *gorm.DB {
	if s.lockingSupported() {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// keepRef clears any tombstone on ref inside a job write. On postgres it waits
// for a Reclaim holding the same row.
func (s *Store) keepRef(tx *gorm.DB, ref string) error {
	if ref == "" {
		return nil
	}
	var ts Tombstone
	err := s.lockedTombstone(tx).Where("ref = ?", ref).Take(&ts).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ts.ReclaimedAt != nil {
		return fmt.Errorf("%w: %s", ErrBlobReclaimed, ref)
	}
	return tx.Where("ref = ?", ref).Delete(&Tombstone{}).Error
}

// MarkUnreferenced tombstones ref if no live job references it. A tombstone
// left by an earlier reclaim is reset, since the caller has just stored the
// blob again. It reports whether ref is now marked.
func (s *Store) MarkUnreferenced(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	var marked bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inUse, err := refInUse(tx, ref)
		if err != nil || inUse {
			return err
		}
		now := s.clock()
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Tombstone{Ref: ref, MarkedAt: now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			res = tx.Model(&Tombstone{}).
				Where("ref = ? AND reclaimed_at IS NOT NULL", ref).
				Updates(map[string]interface{}{"marked_at": now, "reclaimed_at": nil})
			if res.Error != nil {
				return res.Error
			}
		}
		marked = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark blob %s: %w", ref, err)
	}
	return marked, nil
}

// ReclaimCandidates lists refs marked before cutoff whose blobs have not been
// deleted yet.
func (s *Store) ReclaimCandidates(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var refs []string
	err := s.db.WithContext(ctx).Model(&Tombstone{}).
		Where("reclaimed_at IS NULL AND marked_at < ?", cutoff.UTC()).
		Order("marked_at ASC").
		Limit(limit).
		Pluck("ref", &refs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reclaimable blobs: %w", err)
	}
	return refs, nil
}

// Reclaim deletes the blob behind a marked ref through del, unless a live job
// references it again. The tombstone stays locked until del returns, so a job
// written for the same ref meanwhile waits and then gets ErrBlobReclaimed
// instead of pointing at a deleted blob. It reports whether del ran.
func (s *Store) Reclaim(ctx context.Context, ref string, del func(context.Context) error) (bool, error) {
	var deleted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ts Tombstone
		err := s.lockedTombstone(tx).Where("ref = ? AND reclaimed_at IS NULL", ref).Take(&ts).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		inUse, err := refInUse(tx, ref)
		if err != nil {
			return err
		}
		if inUse {
			return tx.Where("ref = ?", ref).Delete(&Tombstone{}).Error
		}
		if err := del(ctx); err != nil {
			return err
		}
		if err := tx.Model(&Tombstone{}).Where("ref = ?", ref).Update("reclaimed_at", s.clock()).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to reclaim blob %s: %w", ref, err)
	}
	return deleted, nil
}

// Restore forgets that ref was reclaimed. Call it only after storing the blob
// again.
func (s *Store) Restore(ctx context.Context, ref string) error {
	err := s.db.WithContext(ctx).
		Where("ref = ? AND reclaimed_at IS NOT NULL", ref).
		Delete(&Tombstone{}).Error
	if err != nil {
		return fmt.Errorf("failed to restore blob %s: %w", ref, err)
	}
	return nil
}

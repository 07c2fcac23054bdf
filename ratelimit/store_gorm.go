package ratelimit

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type rateLimitRow struct {
	WindowKey   string `gorm:"primaryKey"`
	SubjectID   string `gorm:"index"`
	Kind        string
	Count       int
	WindowStart time.Time
	WindowEnd   time.Time `gorm:"index"`
	LastUpdated time.Time
	// bumped on every write; updates compare-and-swap on it
	Version int64
}

func (rateLimitRow) TableName() string {
	return "rate_limits"
}

func (r *rateLimitRow) window() *Window {
	return &Window{
		Subject:     r.SubjectID,
		Kind:        Kind(r.Kind),
		Count:       r.Count,
		WindowStart: r.WindowStart.UTC(),
		WindowEnd:   r.WindowEnd.UTC(),
		LastUpdated: r.LastUpdated.UTC(),
	}
}

// GormStore keeps windows in a SQL table. Inserts of a fresh window use
// ON CONFLICT DO NOTHING and updates are conditional on the version read, so
// a lost race on either path is reported as ErrConflict.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&rateLimitRow{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Apply(ctx context.Context, key string, fn func(cur *Window) (*Window, error)) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row rateLimitRow
		res := tx.Where("window_key = ?", key).Limit(1).Find(&row)
		if res.Error != nil {
			return res.Error
		}
		var cur *Window
		if res.RowsAffected > 0 {
			cur = row.window()
		}

		next, err := fn(cur)
		if err != nil || next == nil {
			return err
		}

		if cur == nil {
			fresh := rateLimitRow{
				WindowKey:   key,
				SubjectID:   next.Subject,
				Kind:        string(next.Kind),
				Count:       next.Count,
				WindowStart: next.WindowStart,
				WindowEnd:   next.WindowEnd,
				LastUpdated: next.LastUpdated,
				Version:     1,
			}
			ins := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
			if ins.Error != nil {
				return ins.Error
			}
			if ins.RowsAffected == 0 {
				return ErrConflict
			}
			return nil
		}

		upd := tx.Model(&rateLimitRow{}).
			Where("window_key = ? AND version = ?", key, row.Version).
			Updates(map[string]any{
				"count":        next.Count,
				"last_updated": next.LastUpdated,
				"version":      row.Version + 1,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
}

func (s *GormStore) DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	deleted := 0
	db := s.db.WithContext(ctx)
	for {
		var keys []string
		if err := db.Model(&rateLimitRow{}).
			Where("window_end < ?", cutoff).
			Limit(batchSize).
			Pluck("window_key", &keys).Error; err != nil {
			return deleted, err
		}
		if len(keys) == 0 {
			return deleted, nil
		}
		res := db.Where("window_key IN ?", keys).Delete(&rateLimitRow{})
		if res.Error != nil {
			return deleted, res.Error
		}
		deleted += int(res.RowsAffected)
		if len(keys) < batchSize {
			return deleted, nil
		}
	}
}

var _ Store = (*GormStore)(nil)
var _ Store = (*RedisStore)(nil)
var _ Store = (*MemStore)(nil)

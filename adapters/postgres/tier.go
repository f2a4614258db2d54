package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/codewandler/esrc-go/core/querybus"
)

// Tier is the durable L3 query cache tier: entries plus a tag table for
// targeted invalidation. It survives restarts and is shared across
// processes.
type Tier struct {
	db *gorm.DB
}

func NewTier(db *gorm.DB) *Tier { return &Tier{db: db} }

func (t *Tier) Name() string { return "l3" }

func (t *Tier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var rec cacheEntryRecord
	err := handle(ctx, t.db).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("cache get", err)
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(time.Now()) {
		// lazily drop the expired entry, a failure just leaves it for the
		// next reader
		_ = handle(ctx, t.db).Where("key = ?", key).Delete(&cacheEntryRecord{}).Error
		return nil, false, nil
	}
	return rec.Value, true, nil
}

func (t *Tier) Set(ctx context.Context, key string, val []byte, ttl time.Duration, tags []string) error {
	var expiresAt *time.Time
	if ttl > 0 {
		at := time.Now().Add(ttl)
		expiresAt = &at
	}
	return handle(ctx, t.db).Transaction(func(tx *gorm.DB) error {
		rec := cacheEntryRecord{Key: key, Value: val, ExpiresAt: expiresAt, UpdatedAt: time.Now()}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).Create(&rec).Error
		if err != nil {
			return storageErr("cache set", err)
		}

		if err := tx.Where("key = ?", key).Delete(&cacheTagRecord{}).Error; err != nil {
			return storageErr("cache clear tags", err)
		}
		if len(tags) == 0 {
			return nil
		}
		tagRecords := make([]cacheTagRecord, len(tags))
		for i, tag := range tags {
			tagRecords[i] = cacheTagRecord{Tag: tag, Key: key}
		}
		err = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tagRecords).Error
		if err != nil {
			return storageErr("cache set tags", err)
		}
		return nil
	})
}

func (t *Tier) Invalidate(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	return handle(ctx, t.db).Transaction(func(tx *gorm.DB) error {
		var keys []string
		err := tx.Model(&cacheTagRecord{}).
			Distinct("key").
			Where("tag IN ?", tags).
			Pluck("key", &keys).Error
		if err != nil {
			return storageErr("cache invalidate lookup", err)
		}
		if len(keys) == 0 {
			return nil
		}
		if err := tx.Where("key IN ?", keys).Delete(&cacheEntryRecord{}).Error; err != nil {
			return storageErr("cache invalidate entries", err)
		}
		if err := tx.Where("key IN ?", keys).Delete(&cacheTagRecord{}).Error; err != nil {
			return storageErr("cache invalidate tags", err)
		}
		return nil
	})
}

var _ querybus.Tier = (*Tier)(nil)

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetscan-io/fleetscan/internal/db"
)

// gormConfigRepository is the GORM implementation of ConfigRepository.
type gormConfigRepository struct {
	db *gorm.DB
}

// NewConfigRepository returns a ConfigRepository backed by the provided *gorm.DB.
func NewConfigRepository(db *gorm.DB) ConfigRepository {
	return &gormConfigRepository{db: db}
}

// Current returns the highest config version, or ErrNotFound when no config
// has been written yet.
func (r *gormConfigRepository) Current(ctx context.Context) (*db.ConfigVersion, error) {
	var cv db.ConfigVersion
	err := r.db.WithContext(ctx).Order("version DESC").First(&cv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("config: current: %w", err)
	}
	return &cv, nil
}

// Append writes a new version numbered max(version)+1. The read and the
// insert run in the same transaction, so versions only ever move forward and
// a concurrent append simply fails on the primary key and can be retried.
func (r *gormConfigRepository) Append(ctx context.Context, payload string) (*db.ConfigVersion, error) {
	var cv db.ConfigVersion
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var max struct{ V int64 }
		if err := tx.Model(&db.ConfigVersion{}).
			Select("COALESCE(MAX(version), 0) AS v").
			Scan(&max).Error; err != nil {
			return err
		}
		cv = db.ConfigVersion{
			Version:   max.V + 1,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		return tx.Create(&cv).Error
	})
	if err != nil {
		return nil, fmt.Errorf("config: append: %w", err)
	}
	return &cv, nil
}

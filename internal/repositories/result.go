package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetscan-io/fleetscan/internal/db"
)

// gormResultRepository is the GORM implementation of ResultRepository.
type gormResultRepository struct {
	db *gorm.DB
}

// NewResultRepository returns a ResultRepository backed by the provided *gorm.DB.
func NewResultRepository(db *gorm.DB) ResultRepository {
	return &gormResultRepository{db: db}
}

// CreateBatch persists all results in one transaction so a batch is never
// partially visible to readers. A unique-index hit on idx_results_batch maps
// to ErrDuplicate: two retransmissions of the same batch can both pass the
// existence check, and the loser must not surface as an internal error.
func (r *gormResultRepository) CreateBatch(ctx context.Context, results []db.Result) error {
	if len(results) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range results {
			if err := tx.Create(&results[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("results: create batch: %w", err)
	}
	return nil
}

// isUniqueViolation recognizes unique-index errors across the supported
// drivers: gorm's translated sentinel, sqlite's message, postgres' 23505.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// BatchExists reports whether a batch with this (job, sequence) was already
// persisted.
func (r *gormResultRepository) BatchExists(ctx context.Context, jobID uuid.UUID, batchSequence int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Result{}).
		Where("job_id = ? AND batch_sequence = ?", jobID, batchSequence).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("results: batch exists: %w", err)
	}
	return count > 0, nil
}

// ListByScan returns a page of the scan's results plus the total count.
// Ordering is (created_at, batch_sequence, submission_seq, id) so pages are
// stable even while new batches are still arriving.
func (r *gormResultRepository) ListByScan(ctx context.Context, scanID uuid.UUID, opts ListOptions) ([]db.Result, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Result{}).Where("scan_id = ?", scanID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("results: list count: %w", err)
	}

	var results []db.Result
	if err := q.
		Order("created_at ASC, batch_sequence ASC, submission_seq ASC, id ASC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("results: list by scan: %w", err)
	}
	return results, total, nil
}

// CountByJob returns the number of persisted results for one job.
func (r *gormResultRepository) CountByJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Result{}).
		Where("job_id = ?", jobID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("results: count by job: %w", err)
	}
	return count, nil
}

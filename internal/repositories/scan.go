package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetscan-io/fleetscan/internal/db"
)

// gormScanRepository is the GORM implementation of ScanRepository.
type gormScanRepository struct {
	db *gorm.DB
}

// NewScanRepository returns a ScanRepository backed by the provided *gorm.DB.
func NewScanRepository(db *gorm.DB) ScanRepository {
	return &gormScanRepository{db: db}
}

// CreateWithJobs persists the scan together with all of its jobs in a single
// transaction. If any insert fails (e.g. the unique (scan, agent) index
// fires), the whole scan creation rolls back — no partial materialization.
func (r *gormScanRepository) CreateWithJobs(ctx context.Context, scan *db.Scan, jobs []db.Job) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(scan).Error; err != nil {
			return err
		}
		for i := range jobs {
			jobs[i].ScanID = scan.ID
			if err := tx.Create(&jobs[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scans: create with jobs: %w", err)
	}
	return nil
}

// GetByID retrieves a scan by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormScanRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Scan, error) {
	var scan db.Scan
	err := r.db.WithContext(ctx).First(&scan, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scans: get by id: %w", err)
	}
	return &scan, nil
}

// UpdateCounters overwrites the derived counter columns of a scan. Terminal
// scans are never mutated: a late recount racing a cancel gets
// ErrStateConflict instead of resurrecting the scan.
func (r *gormScanRepository) UpdateCounters(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&db.Scan{}).
		Where("id = ? AND status NOT IN ?", id, []string{db.ScanCompleted, db.ScanFailed, db.ScanCanceled}).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("scans: update counters: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&db.Scan{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("scans: update counters recheck: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

// MarkRunning flips a queued scan to running. Already-running or terminal
// scans are left alone (nil — the caller does not care who won the race).
func (r *gormScanRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Scan{}).
		Where("id = ? AND status = ?", id, db.ScanQueued).
		Update("status", db.ScanRunning)
	if result.Error != nil {
		return fmt.Errorf("scans: mark running: %w", result.Error)
	}
	return nil
}

// Delete removes the scan, its jobs, and its results in one transaction.
func (r *gormScanRepository) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var scan db.Scan
		if err := tx.First(&scan, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&db.Result{}, "scan_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&db.Job{}, "scan_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&db.Scan{}, "id = ?", id).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("scans: delete: %w", err)
	}
	return nil
}

// ListNonTerminal returns all scans that may still need counter updates.
// Used on startup to re-derive counters from job rows.
func (r *gormScanRepository) ListNonTerminal(ctx context.Context) ([]db.Scan, error) {
	var scans []db.Scan
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []string{db.ScanQueued, db.ScanRunning}).
		Find(&scans).Error; err != nil {
		return nil, fmt.Errorf("scans: list non-terminal: %w", err)
	}
	return scans, nil
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetscan-io/fleetscan/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// GetByID retrieves a job by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// ClaimQueued atomically moves up to maxN ready jobs of one agent from
// queued to assigned. Each candidate is moved with an individual
// compare-and-swap so that a pathological duplicate agent process claiming
// concurrently can never receive the same job twice: whichever UPDATE
// matches first wins, the loser simply gets a shorter list.
//
// Ready means status=queued and not_before unset or in the past. Candidates
// are ordered by (priority DESC, created_at ASC) — per-agent FIFO under
// equal priority.
func (r *gormJobRepository) ClaimQueued(ctx context.Context, agentID uuid.UUID, maxN int, now time.Time, deadline time.Time) ([]db.Job, error) {
	if maxN <= 0 {
		return nil, nil
	}

	var claimed []db.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []db.Job
		if err := tx.
			Where("agent_id = ? AND status = ? AND (not_before IS NULL OR not_before <= ?)",
				agentID, db.JobQueued, now).
			Order("priority DESC, created_at ASC").
			Limit(maxN).
			Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			res := tx.Model(&db.Job{}).
				Where("id = ? AND status = ?", candidates[i].ID, db.JobQueued).
				Updates(map[string]any{
					"status":      db.JobAssigned,
					"assigned_at": now,
					"deadline_at": deadline,
					"not_before":  nil,
					"attempts":    gorm.Expr("attempts + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Lost the race for this job — skip it.
				continue
			}
			candidates[i].Status = db.JobAssigned
			candidates[i].AssignedAt = &now
			candidates[i].DeadlineAt = &deadline
			candidates[i].Attempts++
			claimed = append(claimed, candidates[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: claim queued: %w", err)
	}
	return claimed, nil
}

// UpdateStatusCAS transitions the job out of one of the expected states.
// The transition itself is additionally validated against the job state
// machine, so an illegal (from, to) pair fails even if callers pass a
// permissive from-set.
func (r *gormJobRepository) UpdateStatusCAS(ctx context.Context, id uuid.UUID, from []string, to string, updates map[string]any) error {
	legal := make([]string, 0, len(from))
	for _, f := range from {
		if db.JobCanTransition(f, to) {
			legal = append(legal, f)
		}
	}
	if len(legal) == 0 {
		return ErrStateConflict
	}

	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = to

	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status IN ?", id, legal).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("jobs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("jobs: update status recheck: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

// ExtendLease pushes deadline_at for an assigned or running job. A lease on
// a terminal job is never extended (ErrStateConflict).
func (r *gormJobRepository) ExtendLease(ctx context.Context, id uuid.UUID, deadline time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status IN ?", id, []string{db.JobAssigned, db.JobRunning}).
		Update("deadline_at", deadline)
	if result.Error != nil {
		return fmt.Errorf("jobs: extend lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&db.Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("jobs: extend lease recheck: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

// IncrementResultCount adds n to the job's result counter.
func (r *gormJobRepository) IncrementResultCount(ctx context.Context, id uuid.UUID, n int) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Update("result_count", gorm.Expr("result_count + ?", n))
	if result.Error != nil {
		return fmt.Errorf("jobs: increment result count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLeaseExpired returns assigned/running jobs whose deadline has passed.
func (r *gormJobRepository) ListLeaseExpired(ctx context.Context, now time.Time, limit int) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND deadline_at < ?", []string{db.JobAssigned, db.JobRunning}, now).
		Order("deadline_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list lease expired: %w", err)
	}
	return jobs, nil
}

// ListQueuedBefore returns still-queued jobs created before the cutoff.
func (r *gormJobRepository) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", db.JobQueued, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list queued before: %w", err)
	}
	return jobs, nil
}

// ListByScan returns all jobs belonging to a scan.
func (r *gormJobRepository) ListByScan(ctx context.Context, scanID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("scan_id = ?", scanID).
		Order("created_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by scan: %w", err)
	}
	return jobs, nil
}

// ListNonTerminalByAgent returns the agent's jobs still in flight. Used when
// an agent is deleted and its outstanding work must be canceled.
func (r *gormJobRepository) ListNonTerminalByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("agent_id = ? AND status IN ?", agentID,
			[]string{db.JobQueued, db.JobAssigned, db.JobRunning}).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list non-terminal by agent: %w", err)
	}
	return jobs, nil
}

// CountByScanGrouped returns job counts per status for one scan.
func (r *gormJobRepository) CountByScanGrouped(ctx context.Context, scanID uuid.UUID) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	if err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Select("status, COUNT(*) AS n").
		Where("scan_id = ?", scanID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("jobs: count by scan grouped: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}

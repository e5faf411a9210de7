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

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record. The ID is agent-chosen and must be set
// by the caller.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Tombstoned agents are excluded.
// Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByIDAny retrieves an agent by UUID including tombstoned records, so the
// heartbeat path can distinguish a deregistered agent from an unknown one.
func (r *gormAgentRepository) GetByIDAny(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).Unscoped().First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id any: %w", err)
	}
	return &agent, nil
}

// RefreshHeartbeat applies the declared attributes and advances the
// heartbeat timestamp. last_heartbeat is monotonic: when the incoming wall
// clock is older than the stored one (concurrent heartbeats arriving out of
// order), the attributes still win but the timestamp keeps its later value.
//
// The authorized column is deliberately absent from this update so a
// heartbeat refresh can never overwrite admin intent.
func (r *gormAgentRepository) RefreshHeartbeat(ctx context.Context, id uuid.UUID, attrs HeartbeatAttrs, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"hostname":            attrs.Hostname,
			"operating_system":    attrs.OperatingSystem,
			"architecture":        attrs.Architecture,
			"agent_version":       attrs.AgentVersion,
			"updater_version":     attrs.UpdaterVersion,
			"ip_addresses":        attrs.IPAddresses,
			"config_version_seen": attrs.ConfigVersionSeen,
			"offline_since":       nil,
			"last_heartbeat": gorm.Expr(
				"CASE WHEN last_heartbeat IS NULL OR last_heartbeat < ? THEN ? ELSE last_heartbeat END", at, at),
		})
	if result.Error != nil {
		return fmt.Errorf("agents: refresh heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLiveness performs a compare-and-swap on the liveness column. Used by
// both the heartbeat path (→ online) and the liveness monitor sweep
// (→ offline, → inactive); the CAS makes concurrent sweeps no-ops.
func (r *gormAgentRepository) SetLiveness(ctx context.Context, id uuid.UUID, from []string, to string, offlineSince *time.Time) error {
	updates := map[string]any{"liveness": to}
	if to == db.LivenessOffline {
		updates["offline_since"] = offlineSince
	} else {
		updates["offline_since"] = nil
	}

	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ? AND liveness IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("agents: set liveness: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Either the agent is gone or it already moved to another state.
		var count int64
		if err := r.db.WithContext(ctx).Model(&db.Agent{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("agents: set liveness recheck: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStateConflict
	}
	return nil
}

// BulkUpdate applies the given column updates to all listed agents.
func (r *gormAgentRepository) BulkUpdate(ctx context.Context, ids []uuid.UUID, updates map[string]any) (int64, error) {
	if len(ids) == 0 || len(updates) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id IN ?", ids).
		Updates(updates)
	if result.Error != nil {
		return 0, fmt.Errorf("agents: bulk update: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// SoftDelete tombstones the listed agents by setting deleted_at. The rows
// remain readable via GetByIDAny until purged.
func (r *gormAgentRepository) SoftDelete(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Delete(&db.Agent{}, "id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("agents: soft delete: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Purge removes a tombstoned agent permanently.
func (r *gormAgentRepository) Purge(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Unscoped().Delete(&db.Agent{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("agents: purge: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a filtered, paginated list of agents and the total count.
// Ordered by (last_heartbeat DESC, id) for stable scrolling; tombstoned
// agents are excluded.
func (r *gormAgentRepository) List(ctx context.Context, filter AgentFilter) ([]db.Agent, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Agent{})

	if filter.Liveness != "" {
		q = q.Where("liveness = ?", filter.Liveness)
	}
	if filter.Authorized != nil {
		q = q.Where("authorized = ?", *filter.Authorized)
	}
	if filter.HostnamePrefix != "" {
		q = q.Where("hostname LIKE ?", filter.HostnamePrefix+"%")
	}
	if filter.UpdatesOnly {
		q = q.Where("update_to_latest = ?", true)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	var agents []db.Agent
	if err := q.
		Limit(filter.Limit).
		Offset(filter.Offset).
		Order("last_heartbeat DESC, id ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// ListByLiveness returns all non-tombstoned agents in the given liveness
// state. Consumed by the liveness monitor sweep.
func (r *gormAgentRepository) ListByLiveness(ctx context.Context, liveness string) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).
		Where("liveness = ?", liveness).
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list by liveness: %w", err)
	}
	return agents, nil
}

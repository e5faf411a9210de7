package agentconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
)

// Snapshot pairs a config with the version it was read at, so callers can
// echo the version back to agents.
type Snapshot struct {
	Config  Config
	Version int64
}

// Service is the config service: versioned global config plus per-agent
// overrides stored on the agent row.
type Service struct {
	configs repositories.ConfigRepository
	agents  repositories.AgentRepository
	logger  *zap.Logger
}

// NewService creates a config service.
func NewService(configs repositories.ConfigRepository, agents repositories.AgentRepository, logger *zap.Logger) *Service {
	return &Service{
		configs: configs,
		agents:  agents,
		logger:  logger.Named("agentconfig"),
	}
}

// EnsureDefault seeds the default config as version 1 if no config exists
// yet. Called once on startup; a no-op on every later start.
func (s *Service) EnsureDefault(ctx context.Context) error {
	_, err := s.configs.Current(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("agentconfig: ensure default: %w", err)
	}

	payload, err := json.Marshal(Default())
	if err != nil {
		return fmt.Errorf("agentconfig: marshal default: %w", err)
	}
	cv, err := s.configs.Append(ctx, string(payload))
	if err != nil {
		return fmt.Errorf("agentconfig: seed default: %w", err)
	}
	s.logger.Info("seeded default scan agent config", zap.Int64("version", cv.Version))
	return nil
}

// Current returns the current global config and its version.
func (s *Service) Current(ctx context.Context) (Snapshot, error) {
	cv, err := s.configs.Current(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agentconfig: current: %w", err)
	}
	cfg, err := decodeStored(cv)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Config: cfg, Version: cv.Version}, nil
}

// CurrentVersion returns just the current global version. Used by the
// heartbeat path to compute the config_updated signal.
func (s *Service) CurrentVersion(ctx context.Context) (int64, error) {
	cv, err := s.configs.Current(ctx)
	if err != nil {
		return 0, fmt.Errorf("agentconfig: current version: %w", err)
	}
	return cv.Version, nil
}

// Update validates and stores a new global config, bumping the version.
// The raw payload must satisfy the strict schema; a validation.Error is
// returned unwrapped so the HTTP layer can render field details.
func (s *Service) Update(ctx context.Context, raw []byte) (Snapshot, error) {
	cfg, err := Parse(raw)
	if err != nil {
		return Snapshot{}, err
	}

	// Store the canonical marshaled form, not the caller's raw bytes.
	payload, err := json.Marshal(cfg)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agentconfig: marshal: %w", err)
	}
	cv, err := s.configs.Append(ctx, string(payload))
	if err != nil {
		return Snapshot{}, fmt.Errorf("agentconfig: update: %w", err)
	}
	s.logger.Info("scan agent config updated", zap.Int64("version", cv.Version))
	return Snapshot{Config: cfg, Version: cv.Version}, nil
}

// SetOverride validates and stores a per-agent config override. The patch is
// applied to the current global config first so out-of-bounds effective
// values are rejected up front. An empty raw payload clears the override.
func (s *Service) SetOverride(ctx context.Context, agentID uuid.UUID, raw []byte) error {
	if len(raw) == 0 {
		_, err := s.agents.BulkUpdate(ctx, []uuid.UUID{agentID}, map[string]any{"config_override": ""})
		return err
	}

	patch, err := ParsePatch(raw)
	if err != nil {
		return err
	}
	snap, err := s.Current(ctx)
	if err != nil {
		return err
	}
	if _, err := patch.Apply(snap.Config); err != nil {
		return err
	}

	stored, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("agentconfig: marshal override: %w", err)
	}
	n, err := s.agents.BulkUpdate(ctx, []uuid.UUID{agentID}, map[string]any{"config_override": string(stored)})
	if err != nil {
		return fmt.Errorf("agentconfig: set override: %w", err)
	}
	if n == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// Merged returns the agent's effective config: the current global config
// with the agent's override (if any) applied, plus the global version.
func (s *Service) Merged(ctx context.Context, agentID uuid.UUID) (Snapshot, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := s.Current(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return s.MergedFor(agent, snap)
}

// MergedFor applies an already-loaded agent's override to an already-loaded
// global snapshot. Used by hot paths (heartbeat, job claim) that have both
// in hand.
func (s *Service) MergedFor(agent *db.Agent, snap Snapshot) (Snapshot, error) {
	if agent.ConfigOverride == "" {
		return snap, nil
	}
	patch, err := ParsePatch([]byte(agent.ConfigOverride))
	if err != nil {
		// A stored override that no longer parses should never happen; fall
		// back to the global config rather than breaking the agent.
		s.logger.Warn("stored config override is invalid, using global config",
			zap.String("agent_id", agent.ID.String()), zap.Error(err))
		return snap, nil
	}
	merged, err := patch.Apply(snap.Config)
	if err != nil {
		s.logger.Warn("stored config override fails bounds, using global config",
			zap.String("agent_id", agent.ID.String()), zap.Error(err))
		return snap, nil
	}
	return Snapshot{Config: merged, Version: snap.Version}, nil
}

func decodeStored(cv *db.ConfigVersion) (Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(cv.Payload), &cfg); err != nil {
		return Config{}, fmt.Errorf("agentconfig: decode stored version %d: %w", cv.Version, err)
	}
	return cfg, nil
}

// Package registry implements the agent registry: the persistent store of
// agents, their declared attributes, authorization, and the liveness state
// machine, together with the background monitor that demotes stale agents.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/agentconfig"
	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/events"
	"github.com/fleetscan-io/fleetscan/internal/metrics"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
)

// JobCanceler cancels an agent's outstanding jobs. Implemented by the
// dispatcher; kept narrow so the registry does not depend on dispatch
// internals.
type JobCanceler interface {
	CancelForAgent(ctx context.Context, agentID uuid.UUID) error
}

// HeartbeatRequest carries the attributes an agent re-declares on every
// heartbeat.
type HeartbeatRequest struct {
	AgentID           uuid.UUID
	Hostname          string
	OperatingSystem   string
	Architecture      string
	AgentVersion      string
	UpdaterVersion    string
	IPAddresses       []string
	ConfigVersionSeen int64
}

// HeartbeatResponse is what the agent learns from a heartbeat.
type HeartbeatResponse struct {
	Authorized           bool
	ConfigUpdated        bool
	NextHeartbeatSeconds int
	Deregistered         bool
}

// AgentPatch is the admin bulk update payload. Nil fields are untouched.
type AgentPatch struct {
	Authorized     *bool
	UpdateToLatest *bool
}

// Service is the agent registry.
type Service struct {
	agents   repositories.AgentRepository
	configs  *agentconfig.Service
	canceler JobCanceler
	hub      *events.Hub
	logger   *zap.Logger
}

// NewService creates a registry service. The canceler is attached later via
// SetJobCanceler because the dispatcher is constructed after the registry.
func NewService(agents repositories.AgentRepository, configs *agentconfig.Service, hub *events.Hub, logger *zap.Logger) *Service {
	return &Service{
		agents:  agents,
		configs: configs,
		hub:     hub,
		logger:  logger.Named("registry"),
	}
}

// SetJobCanceler wires the dispatcher in after construction.
func (s *Service) SetJobCanceler(c JobCanceler) {
	s.canceler = c
}

// RegisterOrRefresh is the heartbeat upsert. A first contact creates the
// agent unauthorized and pending; a known agent gets its declared attributes
// re-applied and its heartbeat bumped (monotonically). A tombstoned agent
// receives Deregistered=true exactly once and is then purged.
//
// Authorization is never changed here: only admin operations may flip it.
func (s *Service) RegisterOrRefresh(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	now := time.Now().UTC()

	snap, err := s.configs.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: heartbeat: %w", err)
	}

	agent, err := s.agents.GetByIDAny(ctx, req.AgentID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("registry: heartbeat: %w", err)
		}
		return s.registerNew(ctx, req, snap, now)
	}

	if agent.DeletedAt.Valid {
		// The deregistered signal is delivered once; afterwards the row is
		// gone and any further contact looks like a brand new agent.
		if err := s.agents.Purge(ctx, agent.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("registry: purge tombstoned agent: %w", err)
		}
		s.logger.Info("delivered deregistered signal",
			zap.String("agent_id", agent.ID.String()))
		return &HeartbeatResponse{Deregistered: true}, nil
	}

	attrs := heartbeatAttrs(req)
	if err := s.agents.RefreshHeartbeat(ctx, agent.ID, attrs, now); err != nil {
		return nil, fmt.Errorf("registry: heartbeat: %w", err)
	}

	if to, changed := HeartbeatTransition(agent.Liveness, agent.Authorized); changed {
		err := s.agents.SetLiveness(ctx, agent.ID,
			[]string{db.LivenessPending, db.LivenessOffline, db.LivenessInactive}, to, nil)
		if err != nil && !errors.Is(err, repositories.ErrStateConflict) {
			return nil, fmt.Errorf("registry: heartbeat liveness: %w", err)
		}
		if err == nil {
			s.publishLiveness(agent.ID, agent.Liveness, to)
		}
	}

	merged, err := s.configs.MergedFor(agent, snap)
	if err != nil {
		return nil, fmt.Errorf("registry: heartbeat: %w", err)
	}

	metrics.HeartbeatsTotal.Inc()
	return &HeartbeatResponse{
		Authorized:           agent.Authorized,
		ConfigUpdated:        req.ConfigVersionSeen < snap.Version,
		NextHeartbeatSeconds: merged.Config.Heartbeat.IntervalInSeconds,
	}, nil
}

func (s *Service) registerNew(ctx context.Context, req HeartbeatRequest, snap agentconfig.Snapshot, now time.Time) (*HeartbeatResponse, error) {
	ips, err := json.Marshal(req.IPAddresses)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal ip addresses: %w", err)
	}
	agent := &db.Agent{
		ID:                req.AgentID,
		Hostname:          req.Hostname,
		OperatingSystem:   req.OperatingSystem,
		Architecture:      req.Architecture,
		AgentVersion:      req.AgentVersion,
		UpdaterVersion:    req.UpdaterVersion,
		IPAddresses:       string(ips),
		Authorized:        false,
		Liveness:          db.LivenessPending,
		LastHeartbeat:     &now,
		ConfigVersionSeen: req.ConfigVersionSeen,
	}
	if err := s.agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("registry: register: %w", err)
	}

	metrics.HeartbeatsTotal.Inc()
	s.hub.Publish("agents", events.Message{
		Type: events.EvtAgentLiveness,
		Payload: map[string]any{
			"agent_id": agent.ID,
			"hostname": agent.Hostname,
			"liveness": db.LivenessPending,
		},
	})
	s.logger.Info("new agent registered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("hostname", agent.Hostname))

	return &HeartbeatResponse{
		Authorized:           false,
		ConfigUpdated:        req.ConfigVersionSeen < snap.Version,
		NextHeartbeatSeconds: snap.Config.Heartbeat.IntervalInSeconds,
	}, nil
}

// Get returns one non-tombstoned agent.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	return s.agents.GetByID(ctx, id)
}

// List returns a filtered, paginated page of agents plus the total count.
func (s *Service) List(ctx context.Context, filter repositories.AgentFilter) ([]db.Agent, int64, error) {
	return s.agents.List(ctx, filter)
}

// BulkUpdate applies an admin patch to the listed agents and returns how
// many rows changed.
func (s *Service) BulkUpdate(ctx context.Context, ids []uuid.UUID, patch AgentPatch) (int64, error) {
	updates := map[string]any{}
	if patch.Authorized != nil {
		updates["authorized"] = *patch.Authorized
	}
	if patch.UpdateToLatest != nil {
		updates["update_to_latest"] = *patch.UpdateToLatest
	}
	if len(updates) == 0 {
		return 0, nil
	}

	n, err := s.agents.BulkUpdate(ctx, ids, updates)
	if err != nil {
		return 0, err
	}
	if patch.Authorized != nil {
		for _, id := range ids {
			s.hub.Publish("agents", events.Message{
				Type:    events.EvtAgentAuthorized,
				Payload: map[string]any{"agent_id": id, "authorized": *patch.Authorized},
			})
		}
		s.logger.Info("agent authorization updated",
			zap.Int("agents", len(ids)),
			zap.Bool("authorized", *patch.Authorized))
	}
	return n, nil
}

// SetConfigOverride stores a per-agent config override.
func (s *Service) SetConfigOverride(ctx context.Context, id uuid.UUID, raw []byte) error {
	return s.configs.SetOverride(ctx, id, raw)
}

// BulkDelete soft-deletes the listed agents and cancels their outstanding
// jobs. Each agent keeps its tombstone until the deregistered signal is
// delivered on its next heartbeat. Returns per-agent success.
func (s *Service) BulkDelete(ctx context.Context, ids []uuid.UUID) (deleted []uuid.UUID, failed []uuid.UUID, err error) {
	for _, id := range ids {
		n, err := s.agents.SoftDelete(ctx, []uuid.UUID{id})
		if err != nil {
			return deleted, failed, fmt.Errorf("registry: delete agent %s: %w", id, err)
		}
		if n == 0 {
			failed = append(failed, id)
			continue
		}
		if s.canceler != nil {
			if err := s.canceler.CancelForAgent(ctx, id); err != nil {
				s.logger.Error("failed to cancel jobs of deleted agent",
					zap.String("agent_id", id.String()), zap.Error(err))
			}
		}
		deleted = append(deleted, id)
		s.hub.Publish("agents", events.Message{
			Type:    events.EvtAgentDeregistered,
			Payload: map[string]any{"agent_id": id},
		})
	}
	if len(deleted) > 0 {
		s.logger.Info("agents deleted", zap.Int("count", len(deleted)))
	}
	return deleted, failed, nil
}

func (s *Service) publishLiveness(agentID uuid.UUID, from, to string) {
	s.hub.Publish("agents", events.Message{
		Type:    events.EvtAgentLiveness,
		Payload: map[string]any{"agent_id": agentID, "from": from, "liveness": to},
	})
}

func heartbeatAttrs(req HeartbeatRequest) repositories.HeartbeatAttrs {
	ips, _ := json.Marshal(req.IPAddresses)
	return repositories.HeartbeatAttrs{
		Hostname:          req.Hostname,
		OperatingSystem:   req.OperatingSystem,
		Architecture:      req.Architecture,
		AgentVersion:      req.AgentVersion,
		UpdaterVersion:    req.UpdaterVersion,
		IPAddresses:       string(ips),
		ConfigVersionSeen: req.ConfigVersionSeen,
	}
}

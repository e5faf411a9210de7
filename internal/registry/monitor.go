package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/agentconfig"
	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/metrics"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
)

// Monitor is the liveness sweep. It runs as a periodic gocron job and
// demotes agents whose heartbeats stopped: online → offline after the missed
// window, offline → inactive after 24 hours. All writes are CAS on the
// liveness column, so overlapping sweeps and concurrent heartbeats resolve
// cleanly — a heartbeat arriving mid-sweep wins.
type Monitor struct {
	agents  repositories.AgentRepository
	configs *agentconfig.Service
	service *Service
	logger  *zap.Logger
}

// NewMonitor creates a liveness monitor.
func NewMonitor(agents repositories.AgentRepository, configs *agentconfig.Service, service *Service, logger *zap.Logger) *Monitor {
	return &Monitor{
		agents:  agents,
		configs: configs,
		service: service,
		logger:  logger.Named("liveness"),
	}
}

// Sweep performs one liveness pass and refreshes the fleet gauges.
func (m *Monitor) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	snap, err := m.configs.Current(ctx)
	if err != nil {
		return fmt.Errorf("registry: liveness sweep: %w", err)
	}

	if err := m.demote(ctx, db.LivenessOnline, snap, now); err != nil {
		return err
	}
	if err := m.demote(ctx, db.LivenessOffline, snap, now); err != nil {
		return err
	}

	m.refreshGauges(ctx)
	return nil
}

// demote applies SweepTransition to every agent currently in state.
func (m *Monitor) demote(ctx context.Context, state string, snap agentconfig.Snapshot, now time.Time) error {
	agents, err := m.agents.ListByLiveness(ctx, state)
	if err != nil {
		return fmt.Errorf("registry: liveness sweep: %w", err)
	}

	for i := range agents {
		agent := &agents[i]

		merged, err := m.configs.MergedFor(agent, snap)
		if err != nil {
			m.logger.Error("failed to merge agent config",
				zap.String("agent_id", agent.ID.String()), zap.Error(err))
			continue
		}
		interval := time.Duration(merged.Config.Heartbeat.IntervalInSeconds) * time.Second
		miss := merged.Config.Heartbeat.MissUntilInactive

		to, due := SweepTransition(agent, interval, miss, now)
		if !due {
			continue
		}

		var offlineSince *time.Time
		if to == db.LivenessOffline {
			offlineSince = &now
		}
		err = m.agents.SetLiveness(ctx, agent.ID, []string{state}, to, offlineSince)
		if err != nil {
			if errors.Is(err, repositories.ErrStateConflict) || errors.Is(err, repositories.ErrNotFound) {
				// A heartbeat or another sweep moved the agent already.
				continue
			}
			m.logger.Error("failed to demote agent",
				zap.String("agent_id", agent.ID.String()), zap.Error(err))
			continue
		}

		m.service.publishLiveness(agent.ID, state, to)
		m.logger.Info("agent demoted",
			zap.String("agent_id", agent.ID.String()),
			zap.String("hostname", agent.Hostname),
			zap.String("from", state),
			zap.String("to", to))
	}
	return nil
}

func (m *Monitor) refreshGauges(ctx context.Context) {
	for _, state := range []string{db.LivenessPending, db.LivenessOnline, db.LivenessOffline, db.LivenessInactive} {
		agents, err := m.agents.ListByLiveness(ctx, state)
		if err != nil {
			continue
		}
		metrics.AgentsByLiveness.WithLabelValues(state).Set(float64(len(agents)))
	}
}

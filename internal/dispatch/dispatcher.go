// Package dispatch implements the job dispatcher: per-agent queues with
// priority, visibility leases, acknowledgement, and the background reclaimer
// that redelivers or expires jobs whose lease ran out.
package dispatch

import (
	"context"
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
	"github.com/fleetscan-io/fleetscan/internal/scan"
)

// ErrAlreadyFinalized is returned when a job that already reached a terminal
// state is acknowledged again. The first terminal ack wins; repeats have no
// side effects.
var ErrAlreadyFinalized = errors.New("dispatch: job already finalized")

// Outcome values accepted by Ack.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Dispatcher hands queued jobs to polling agents and applies their
// acknowledgements.
type Dispatcher struct {
	jobs        repositories.JobRepository
	agents      repositories.AgentRepository
	configs     *agentconfig.Service
	coordinator *scan.Coordinator
	hub         *events.Hub
	logger      *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	jobs repositories.JobRepository,
	agents repositories.AgentRepository,
	configs *agentconfig.Service,
	coordinator *scan.Coordinator,
	hub *events.Hub,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		jobs:        jobs,
		agents:      agents,
		configs:     configs,
		coordinator: coordinator,
		hub:         hub,
		logger:      logger.Named("dispatch"),
	}
}

// Claim atomically hands up to the agent's bulk_size ready jobs to the
// agent, moving them queued → assigned with a fresh lease. The visibility
// timeout is twice the agent's effective heartbeat interval.
//
// Unknown, deregistered, or unauthorized agents always receive an empty
// slice: queued work is never revealed to an agent the fleet does not
// trust.
func (d *Dispatcher) Claim(ctx context.Context, agentID uuid.UUID) ([]db.Job, error) {
	agent, err := d.agents.GetByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispatch: claim: %w", err)
	}
	if !agent.Authorized {
		return nil, nil
	}

	snap, err := d.configs.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: claim: %w", err)
	}
	merged, err := d.configs.MergedFor(agent, snap)
	if err != nil {
		return nil, fmt.Errorf("dispatch: claim: %w", err)
	}

	now := time.Now().UTC()
	visibility := 2 * time.Duration(merged.Config.Heartbeat.IntervalInSeconds) * time.Second
	deadline := now.Add(visibility)

	claimed, err := d.jobs.ClaimQueued(ctx, agentID, merged.Config.Executor.BulkSize, now, deadline)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	metrics.JobsClaimed.Add(float64(len(claimed)))
	seenScans := make(map[uuid.UUID]bool)
	for _, job := range claimed {
		d.publishJobStatus(job.ScanID, job.ID, db.JobAssigned)
		if !seenScans[job.ScanID] {
			seenScans[job.ScanID] = true
			d.coordinator.OnJobRunning(ctx, job.ScanID)
		}
	}
	d.logger.Info("jobs claimed",
		zap.String("agent_id", agentID.String()),
		zap.Int("count", len(claimed)),
		zap.Duration("visibility", visibility))
	return claimed, nil
}

// Ack applies a terminal acknowledgement for a job. The first terminal ack
// wins; a repeat on an already terminal job returns ErrAlreadyFinalized with
// no side effects. On success the owning scan's counters are recomputed.
func (d *Dispatcher) Ack(ctx context.Context, jobID uuid.UUID, outcome, summary, failureReason string) error {
	var to string
	switch outcome {
	case OutcomeCompleted:
		to = db.JobCompleted
	case OutcomeFailed:
		to = db.JobFailed
	default:
		return fmt.Errorf("dispatch: ack: unknown outcome %q", outcome)
	}

	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if db.JobTerminal(job.Status) {
		return ErrAlreadyFinalized
	}

	updates := map[string]any{"summary": summary}
	if to == db.JobFailed {
		updates["failure_reason"] = failureReason
	}
	err = d.jobs.UpdateStatusCAS(ctx, jobID, []string{db.JobAssigned, db.JobRunning}, to, updates)
	if err != nil {
		if errors.Is(err, repositories.ErrStateConflict) {
			// Lost the race against another finalizer or the reclaimer.
			return ErrAlreadyFinalized
		}
		return err
	}

	metrics.JobsFinalized.WithLabelValues(to).Inc()
	d.publishJobStatus(job.ScanID, jobID, to)
	d.coordinator.OnJobTerminal(ctx, job.ScanID, jobID)
	d.logger.Info("job finalized",
		zap.String("job_id", jobID.String()),
		zap.String("status", to))
	return nil
}

// ExtendLease pushes the lease deadline of an assigned or running job owned
// by agentID, using the same visibility window as Claim.
func (d *Dispatcher) ExtendLease(ctx context.Context, jobID, agentID uuid.UUID) error {
	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AgentID != agentID {
		return repositories.ErrNotFound
	}

	agent, err := d.agents.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	snap, err := d.configs.Current(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: extend lease: %w", err)
	}
	merged, err := d.configs.MergedFor(agent, snap)
	if err != nil {
		return fmt.Errorf("dispatch: extend lease: %w", err)
	}

	visibility := 2 * time.Duration(merged.Config.Heartbeat.IntervalInSeconds) * time.Second
	return d.jobs.ExtendLease(ctx, jobID, time.Now().UTC().Add(visibility))
}

// CancelForAgent cancels all of one agent's outstanding jobs. Called when an
// admin deletes the agent, so its scans do not hang on work that will never
// be claimed again.
func (d *Dispatcher) CancelForAgent(ctx context.Context, agentID uuid.UUID) error {
	jobs, err := d.jobs.ListNonTerminalByAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		err := d.jobs.UpdateStatusCAS(ctx, job.ID,
			[]string{db.JobQueued, db.JobAssigned, db.JobRunning}, db.JobCanceled,
			map[string]any{"failure_reason": "agent deregistered"})
		if err != nil {
			if errors.Is(err, repositories.ErrStateConflict) {
				continue
			}
			return err
		}
		metrics.JobsFinalized.WithLabelValues(db.JobCanceled).Inc()
		d.publishJobStatus(job.ScanID, job.ID, db.JobCanceled)
		d.coordinator.OnJobTerminal(ctx, job.ScanID, job.ID)
	}
	if len(jobs) > 0 {
		d.logger.Info("canceled outstanding jobs of deregistered agent",
			zap.String("agent_id", agentID.String()),
			zap.Int("count", len(jobs)))
	}
	return nil
}

func (d *Dispatcher) publishJobStatus(scanID, jobID uuid.UUID, status string) {
	d.hub.Publish("scan:"+scanID.String(), events.Message{
		Type:    events.EvtJobStatus,
		Payload: map[string]any{"scan_id": scanID, "job_id": jobID, "status": status},
	})
}

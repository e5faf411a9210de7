package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/metrics"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
)

const (
	// maxAttempts is how many deliveries a job gets before it is expired.
	maxAttempts = 3

	// unclaimedExpiry is the age at which a never-claimed job expires, so
	// agents returning from long absence receive no stale work.
	unclaimedExpiry = 24 * time.Hour

	// Backoff between redeliveries: baseBackoff doubles per attempt, capped
	// at maxBackoff.
	baseBackoff = 30 * time.Second
	maxBackoff  = 15 * time.Minute

	// sweepBatch bounds the rows handled per sweep.
	sweepBatch = 500
)

// Reclaimer is the background sweep that returns lease-expired jobs to the
// queue and expires jobs that are out of attempts or too old. It runs as a
// periodic gocron job; every write is a compare-and-swap, so overlapping
// sweeps and races with late acks resolve to exactly one winner.
type Reclaimer struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewReclaimer creates a reclaimer bound to the dispatcher's repositories.
func NewReclaimer(dispatcher *Dispatcher, logger *zap.Logger) *Reclaimer {
	return &Reclaimer{
		dispatcher: dispatcher,
		logger:     logger.Named("reclaimer"),
	}
}

// Sweep performs one reclaim pass. Errors on individual jobs are logged and
// the pass continues; the next sweep retries them.
func (r *Reclaimer) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	if err := r.reclaimExpiredLeases(ctx, now); err != nil {
		return fmt.Errorf("dispatch: reclaim leases: %w", err)
	}
	if err := r.expireStaleQueued(ctx, now); err != nil {
		return fmt.Errorf("dispatch: expire stale queued: %w", err)
	}
	return nil
}

// reclaimExpiredLeases handles assigned/running jobs whose deadline passed:
// back to queued with a backoff while attempts remain, expired otherwise.
func (r *Reclaimer) reclaimExpiredLeases(ctx context.Context, now time.Time) error {
	jobs, err := r.dispatcher.jobs.ListLeaseExpired(ctx, now, sweepBatch)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.Attempts >= maxAttempts {
			r.expireJob(ctx, job, fmt.Sprintf("lease expired after %d delivery attempts", job.Attempts))
			continue
		}

		notBefore := now.Add(backoffFor(job.Attempts))
		err := r.dispatcher.jobs.UpdateStatusCAS(ctx, job.ID,
			[]string{db.JobAssigned, db.JobRunning}, db.JobQueued,
			map[string]any{
				"assigned_at": nil,
				"deadline_at": nil,
				"not_before":  notBefore,
			})
		if err != nil {
			if errors.Is(err, repositories.ErrStateConflict) || errors.Is(err, repositories.ErrNotFound) {
				// A late ack or a concurrent sweep got there first.
				continue
			}
			r.logger.Error("failed to reclaim job",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}

		metrics.JobsReclaimed.Inc()
		r.dispatcher.publishJobStatus(job.ScanID, job.ID, db.JobQueued)
		r.logger.Info("job lease expired, requeued",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempts", job.Attempts),
			zap.Time("not_before", notBefore))
	}
	return nil
}

// expireStaleQueued expires jobs that sat unclaimed for unclaimedExpiry.
func (r *Reclaimer) expireStaleQueued(ctx context.Context, now time.Time) error {
	jobs, err := r.dispatcher.jobs.ListQueuedBefore(ctx, now.Add(-unclaimedExpiry), sweepBatch)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		r.expireJob(ctx, job, "unclaimed for 24 hours")
	}
	return nil
}

func (r *Reclaimer) expireJob(ctx context.Context, job db.Job, reason string) {
	err := r.dispatcher.jobs.UpdateStatusCAS(ctx, job.ID,
		[]string{db.JobQueued, db.JobAssigned, db.JobRunning}, db.JobExpired,
		map[string]any{"failure_reason": reason})
	if err != nil {
		if errors.Is(err, repositories.ErrStateConflict) || errors.Is(err, repositories.ErrNotFound) {
			return
		}
		r.logger.Error("failed to expire job",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}

	metrics.JobsFinalized.WithLabelValues(db.JobExpired).Inc()
	r.dispatcher.publishJobStatus(job.ScanID, job.ID, db.JobExpired)
	r.dispatcher.coordinator.OnJobTerminal(ctx, job.ScanID, job.ID)
	r.logger.Warn("job expired",
		zap.String("job_id", job.ID.String()),
		zap.String("reason", reason))
}

// backoffFor returns the redelivery delay after the given number of
// deliveries: base doubled per attempt, capped.
func backoffFor(attempts int) time.Duration {
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

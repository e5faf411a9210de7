// Package ingest implements the result ingestor: it validates submitted
// finding batches, persists them atomically, and finalizes jobs. Late
// submissions against terminal jobs are rejected explicitly, never dropped,
// with one carve-out: a canceled job keeps accepting results until its
// visibility lease runs out, so work an agent already did is not thrown away.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/dispatch"
	"github.com/fleetscan-io/fleetscan/internal/metrics"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
	"github.com/fleetscan-io/fleetscan/internal/scan"
	"github.com/fleetscan-io/fleetscan/internal/validation"
)

// ErrJobNotActive is returned when results arrive for a job that is no
// longer accepting them: completed, failed, expired, or canceled with an
// expired lease. The agent learns explicitly that the work is no longer
// wanted.
var ErrJobNotActive = errors.New("ingest: job is not accepting results")

// NVTInfo identifies the vulnerability test that produced a finding.
type NVTInfo struct {
	OID            string  `json:"oid"`
	Name           string  `json:"name,omitempty"`
	Severity       float64 `json:"severity"`
	CVSSBaseVector string  `json:"cvss_base_vector,omitempty"`
}

// SubmittedResult is one finding as sent by an agent.
type SubmittedResult struct {
	NVT         NVTInfo `json:"nvt"`
	Host        string  `json:"host"`
	Port        string  `json:"port,omitempty"`
	Threat      string  `json:"threat"`
	Description string  `json:"description,omitempty"`
	QOD         int     `json:"qod"`
}

// Batch is one result submission. BatchSequence makes retransmissions
// idempotent: the agent numbers its batches per job, and a replayed
// (job, sequence) pair is accepted without re-insertion.
type Batch struct {
	BatchSequence int64             `json:"batch_sequence"`
	Results       []SubmittedResult `json:"results"`
}

// Ingestor validates and persists result batches and finalizes jobs.
type Ingestor struct {
	jobs       repositories.JobRepository
	results    repositories.ResultRepository
	agents     repositories.AgentRepository
	dispatcher *dispatch.Dispatcher
	coord      *scan.Coordinator
	logger     *zap.Logger
}

// NewIngestor creates a result ingestor.
func NewIngestor(
	jobs repositories.JobRepository,
	results repositories.ResultRepository,
	agents repositories.AgentRepository,
	dispatcher *dispatch.Dispatcher,
	coord *scan.Coordinator,
	logger *zap.Logger,
) *Ingestor {
	return &Ingestor{
		jobs:       jobs,
		results:    results,
		agents:     agents,
		dispatcher: dispatcher,
		coord:      coord,
		logger:     logger.Named("ingest"),
	}
}

// Submit validates and persists one batch of findings for a job. The whole
// batch is rejected if any row is invalid; a valid batch is persisted in one
// transaction. The first batch moves an assigned job (and its scan) to
// running, and every accepted batch extends the job's lease.
//
// A canceled job still accepts batches while its lease deadline lies in the
// future: the agent may not have seen the cancellation yet, and the findings
// it gathered are kept. Submissions from a deleted agent report not-found
// regardless of job state.
//
// Returns the number of results accepted. A replayed (job, batch_sequence)
// pair reports acceptance without inserting anything.
func (in *Ingestor) Submit(ctx context.Context, jobID, agentID uuid.UUID, batch Batch) (int, error) {
	job, err := in.jobs.GetByID(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.AgentID != agentID {
		// Do not reveal other agents' jobs.
		return 0, repositories.ErrNotFound
	}
	if _, err := in.agents.GetByID(ctx, agentID); err != nil {
		// Tombstoned or purged owner: the job effectively no longer exists
		// for the caller.
		return 0, err
	}

	active := job.Status == db.JobAssigned || job.Status == db.JobRunning
	graced := job.Status == db.JobCanceled &&
		job.DeadlineAt != nil && job.DeadlineAt.After(time.Now().UTC())
	if !active && !graced {
		metrics.ResultBatchesRejected.Inc()
		return 0, ErrJobNotActive
	}

	if err := validateBatch(batch); err != nil {
		metrics.ResultBatchesRejected.Inc()
		return 0, err
	}

	exists, err := in.results.BatchExists(ctx, jobID, batch.BatchSequence)
	if err != nil {
		return 0, err
	}
	if exists {
		in.logger.Info("duplicate result batch accepted idempotently",
			zap.String("job_id", jobID.String()),
			zap.Int64("batch_sequence", batch.BatchSequence))
		return len(batch.Results), nil
	}

	if job.Status == db.JobAssigned {
		err := in.jobs.UpdateStatusCAS(ctx, jobID, []string{db.JobAssigned}, db.JobRunning, nil)
		if err != nil && !errors.Is(err, repositories.ErrStateConflict) {
			return 0, err
		}
		in.coord.OnJobRunning(ctx, job.ScanID)
	}

	rows := make([]db.Result, len(batch.Results))
	for i, r := range batch.Results {
		rows[i] = db.Result{
			ScanID:         job.ScanID,
			JobID:          job.ID,
			AgentID:        job.AgentID,
			AgentHostname:  job.AgentHostname,
			NVTOID:         r.NVT.OID,
			NVTName:        r.NVT.Name,
			NVTSeverity:    r.NVT.Severity,
			CVSSBaseVector: r.NVT.CVSSBaseVector,
			Host:           r.Host,
			Port:           r.Port,
			Threat:         r.Threat,
			Description:    r.Description,
			QOD:            r.QOD,
			BatchSequence:  batch.BatchSequence,
			SubmissionSeq:  i,
		}
	}
	if err := in.results.CreateBatch(ctx, rows); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			// Lost a race against a concurrent retransmission of the same
			// batch. The rows are persisted; report acceptance.
			in.logger.Info("duplicate result batch accepted idempotently",
				zap.String("job_id", jobID.String()),
				zap.Int64("batch_sequence", batch.BatchSequence))
			return len(batch.Results), nil
		}
		return 0, err
	}
	if err := in.jobs.IncrementResultCount(ctx, jobID, len(rows)); err != nil {
		in.logger.Error("failed to bump result count",
			zap.String("job_id", jobID.String()), zap.Error(err))
	}
	if active {
		if err := in.dispatcher.ExtendLease(ctx, jobID, agentID); err != nil {
			in.logger.Warn("failed to extend lease after batch",
				zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}

	metrics.ResultsIngested.Add(float64(len(rows)))
	in.logger.Info("result batch ingested",
		zap.String("job_id", jobID.String()),
		zap.Int64("batch_sequence", batch.BatchSequence),
		zap.Int("results", len(rows)))
	return len(rows), nil
}

// Finalize applies the agent's terminal verdict for a job. A completed
// outcome requires at least one previously submitted result; failed does
// not. The second finalize of a job returns dispatch.ErrAlreadyFinalized.
func (in *Ingestor) Finalize(ctx context.Context, jobID, agentID uuid.UUID, outcome, summary, failureReason string) error {
	job, err := in.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AgentID != agentID {
		return repositories.ErrNotFound
	}

	if outcome == dispatch.OutcomeCompleted {
		n, err := in.results.CountByJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("ingest: finalize: %w", err)
		}
		if n == 0 {
			verr := &validation.Error{}
			verr.Add("status", "completed requires at least one submitted result")
			return verr
		}
	}

	return in.dispatcher.Ack(ctx, jobID, outcome, summary, failureReason)
}

// validateBatch checks every row of the batch; one bad row rejects the
// whole submission.
func validateBatch(batch Batch) error {
	verr := &validation.Error{}

	if batch.BatchSequence < 0 {
		verr.Add("batch_sequence", "must not be negative")
	}
	if len(batch.Results) == 0 {
		verr.Add("results", "must not be empty")
	}
	for i, r := range batch.Results {
		prefix := "results[" + strconv.Itoa(i) + "]"
		if !scan.ValidOID(r.NVT.OID) {
			verr.Addf(prefix+".nvt.oid", "not a dotted-decimal OID: %q", r.NVT.OID)
		}
		if r.NVT.Severity < 0 || r.NVT.Severity > 10 {
			verr.Addf(prefix+".nvt.severity", "must be within [0, 10], got %g", r.NVT.Severity)
		}
		if r.Host == "" {
			verr.Add(prefix+".host", "must not be empty")
		}
		if !db.ValidThreat(r.Threat) {
			verr.Addf(prefix+".threat", "must be one of Log, Low, Medium, High, Critical; got %q", r.Threat)
		}
		if r.QOD < 0 || r.QOD > 100 {
			verr.Addf(prefix+".qod", "must be within [0, 100], got %d", r.QOD)
		}
	}
	return verr.Err()
}

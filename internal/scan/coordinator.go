// Package scan implements the scan coordinator: it validates and
// materializes scans into per-agent jobs, maintains the derived progress
// counters, and assembles aggregated results.
//
// Counters are never incremented blindly. Every terminal job event triggers
// a recount from the jobs table, so the scan row can always be re-derived —
// and is, on startup — no matter where the process stopped.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/events"
	"github.com/fleetscan-io/fleetscan/internal/metrics"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
	"github.com/fleetscan-io/fleetscan/internal/validation"
)

// Coordinator owns the scan lifecycle from creation to terminal state.
type Coordinator struct {
	scans   repositories.ScanRepository
	jobs    repositories.JobRepository
	results repositories.ResultRepository
	agents  repositories.AgentRepository
	hub     *events.Hub
	logger  *zap.Logger
}

// NewCoordinator creates a scan coordinator.
func NewCoordinator(
	scans repositories.ScanRepository,
	jobs repositories.JobRepository,
	results repositories.ResultRepository,
	agents repositories.AgentRepository,
	hub *events.Hub,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		scans:   scans,
		jobs:    jobs,
		results: results,
		agents:  agents,
		hub:     hub,
		logger:  logger.Named("scan"),
	}
}

// jobConfig is the blob handed to agents inside each job.
type jobConfig struct {
	VTs                []VTSelection     `json:"vts"`
	Targets            []Target          `json:"targets"`
	ScannerPreferences map[string]string `json:"scanner_preferences,omitempty"`
}

// Create validates the request and materializes the scan: one job per target
// agent, all inside a single transaction. Any invalid field, unknown agent,
// unauthorized agent, or tombstoned agent rejects the entire scan with no
// partial state.
func (c *Coordinator) Create(ctx context.Context, req CreateScanRequest) (*db.Scan, error) {
	agentIDs, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	// Resolve every target agent before touching the scan tables.
	verr := &validation.Error{}
	resolved := make([]*db.Agent, 0, len(agentIDs))
	for _, id := range agentIDs {
		agent, err := c.agents.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				verr.Addf("agents", "agent %s is unknown or deregistered", id)
				continue
			}
			return nil, fmt.Errorf("scan: resolve agent %s: %w", id, err)
		}
		if !agent.Authorized {
			verr.Addf("agents", "agent %s is not authorized", id)
			continue
		}
		resolved = append(resolved, agent)
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	cfg, err := json.Marshal(jobConfig{
		VTs:                req.VTs,
		Targets:            req.Targets,
		ScannerPreferences: req.ScannerPreferences,
	})
	if err != nil {
		return nil, fmt.Errorf("scan: marshal job config: %w", err)
	}
	vts, _ := json.Marshal(req.VTs)
	agentsJSON, _ := json.Marshal(req.Agents)
	targets, _ := json.Marshal(req.Targets)
	prefs, _ := json.Marshal(req.ScannerPreferences)

	scan := &db.Scan{
		Status:             db.ScanQueued,
		AgentsTotal:        len(resolved),
		StartTime:          time.Now().UTC(),
		VTs:                string(vts),
		Agents:             string(agentsJSON),
		Targets:            string(targets),
		ScannerPreferences: string(prefs),
	}

	jobs := make([]db.Job, len(resolved))
	for i, agent := range resolved {
		jobs[i] = db.Job{
			AgentID:       agent.ID,
			AgentHostname: agent.Hostname,
			Status:        db.JobQueued,
			Priority:      req.Priority,
			Config:        string(cfg),
		}
	}

	if err := c.scans.CreateWithJobs(ctx, scan, jobs); err != nil {
		return nil, err
	}

	metrics.ScansActive.Inc()
	c.hub.Publish("scans", events.Message{
		Type:    events.EvtScanStatus,
		Payload: map[string]any{"scan_id": scan.ID, "status": scan.Status, "agents_total": scan.AgentsTotal},
	})
	c.logger.Info("scan created",
		zap.String("scan_id", scan.ID.String()),
		zap.Int("agents", len(resolved)),
		zap.Int("vts", len(req.VTs)))
	return scan, nil
}

// Start accepts a start request for a queued or running scan. Dispatch is
// pull-driven, so there is nothing to kick: the jobs are already queued and
// agents will claim them on their next poll. A terminal scan cannot be
// started again.
func (c *Coordinator) Start(ctx context.Context, id uuid.UUID) error {
	scan, err := c.scans.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if db.ScanTerminal(scan.Status) {
		return repositories.ErrStateConflict
	}
	return nil
}

// AgentJobStatus is one agent's slice of a scan status rollup.
type AgentJobStatus struct {
	JobID         uuid.UUID  `json:"job_id"`
	AgentID       uuid.UUID  `json:"agent_id"`
	AgentHostname string     `json:"agent_hostname"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	ResultCount   int64      `json:"result_count"`
	FailureReason string     `json:"failure_reason,omitempty"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
}

// StatusReport is the aggregate view returned by GET /scans/{id}.
type StatusReport struct {
	ID              uuid.UUID        `json:"id"`
	Status          string           `json:"status"`
	Progress        int              `json:"progress"`
	AgentsTotal     int              `json:"agents_total"`
	AgentsRunning   int              `json:"agents_running"`
	AgentsCompleted int              `json:"agents_completed"`
	AgentsFailed    int              `json:"agents_failed"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         *time.Time       `json:"end_time,omitempty"`
	Agents          []AgentJobStatus `json:"agents"`
}

// Status returns the aggregate scan state plus a per-agent rollup.
func (c *Coordinator) Status(ctx context.Context, id uuid.UUID) (*StatusReport, error) {
	scan, err := c.scans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	jobs, err := c.jobs.ListByScan(ctx, id)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		ID:              scan.ID,
		Status:          scan.Status,
		Progress:        scan.Progress,
		AgentsTotal:     scan.AgentsTotal,
		AgentsRunning:   scan.AgentsRunning,
		AgentsCompleted: scan.AgentsCompleted,
		AgentsFailed:    scan.AgentsFailed,
		StartTime:       scan.StartTime,
		EndTime:         scan.EndTime,
		Agents:          make([]AgentJobStatus, len(jobs)),
	}
	for i, job := range jobs {
		report.Agents[i] = AgentJobStatus{
			JobID:         job.ID,
			AgentID:       job.AgentID,
			AgentHostname: job.AgentHostname,
			Status:        job.Status,
			Attempts:      job.Attempts,
			ResultCount:   job.ResultCount,
			FailureReason: job.FailureReason,
			AssignedAt:    job.AssignedAt,
		}
	}
	return report, nil
}

// ResultView is one finding as exposed to the scanner surface.
type ResultView struct {
	ID            uuid.UUID `json:"id"`
	AgentID       uuid.UUID `json:"agent_id"`
	AgentHostname string    `json:"agent_hostname"`
	NVTOID        string    `json:"nvt_oid"`
	NVTName       string    `json:"nvt_name,omitempty"`
	Severity      float64   `json:"severity"`
	Host          string    `json:"host"`
	Port          string    `json:"port,omitempty"`
	Threat        string    `json:"threat"`
	Description   string    `json:"description,omitempty"`
	QOD           int       `json:"qod"`
	CreatedAt     time.Time `json:"created_at"`
}

// ResultPage is a stable page of scan results.
type ResultPage struct {
	Results []ResultView `json:"results"`
	Total   int64        `json:"total"`
	Offset  int          `json:"offset"`
	Limit   int          `json:"limit"`
}

// Results returns a page of the scan's aggregated findings.
func (c *Coordinator) Results(ctx context.Context, id uuid.UUID, opts repositories.ListOptions) (*ResultPage, error) {
	if _, err := c.scans.GetByID(ctx, id); err != nil {
		return nil, err
	}

	rows, total, err := c.results.ListByScan(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	page := &ResultPage{
		Results: make([]ResultView, len(rows)),
		Total:   total,
		Offset:  opts.Offset,
		Limit:   opts.Limit,
	}
	for i, r := range rows {
		page.Results[i] = ResultView{
			ID:            r.ID,
			AgentID:       r.AgentID,
			AgentHostname: r.AgentHostname,
			NVTOID:        r.NVTOID,
			NVTName:       r.NVTName,
			Severity:      r.NVTSeverity,
			Host:          r.Host,
			Port:          r.Port,
			Threat:        r.Threat,
			Description:   r.Description,
			QOD:           r.QOD,
			CreatedAt:     r.CreatedAt,
		}
	}
	return page, nil
}

// Cancel stops a scan: every non-terminal job is moved to canceled and the
// scan itself becomes canceled. Canceling an already terminal scan is a
// state conflict. Results still in flight for canceled jobs are handled by
// the ingestor (accepted until the lease runs out).
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) error {
	scan, err := c.scans.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if db.ScanTerminal(scan.Status) {
		return repositories.ErrStateConflict
	}

	jobs, err := c.jobs.ListByScan(ctx, id)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if db.JobTerminal(job.Status) {
			continue
		}
		err := c.jobs.UpdateStatusCAS(ctx, job.ID,
			[]string{db.JobQueued, db.JobAssigned, db.JobRunning}, db.JobCanceled, nil)
		if err != nil && !errors.Is(err, repositories.ErrStateConflict) {
			return err
		}
	}

	now := time.Now().UTC()
	err = c.scans.UpdateCounters(ctx, id, map[string]any{
		"status":   db.ScanCanceled,
		"end_time": now,
	})
	if err != nil {
		return err
	}

	metrics.ScansActive.Dec()
	metrics.ScansTotal.WithLabelValues(db.ScanCanceled).Inc()
	c.publishScanStatus(id, db.ScanCanceled)
	c.logger.Info("scan canceled", zap.String("scan_id", id.String()))
	return nil
}

// Delete removes the scan together with its jobs and results. Running scans
// are canceled implicitly by the cascade; in-flight submissions will then
// fail with not-found, which agents treat as "stop working on this".
func (c *Coordinator) Delete(ctx context.Context, id uuid.UUID) error {
	if err := c.scans.Delete(ctx, id); err != nil {
		return err
	}
	c.logger.Info("scan deleted", zap.String("scan_id", id.String()))
	return nil
}

// OnJobTerminal recomputes the owning scan's counters after a job reached a
// terminal state. jobID is accepted for logging; the recount always works on
// the whole scan so concurrent terminal events cannot under-count.
func (c *Coordinator) OnJobTerminal(ctx context.Context, scanID, jobID uuid.UUID) {
	if err := c.recountScan(ctx, scanID); err != nil {
		if errors.Is(err, repositories.ErrStateConflict) || errors.Is(err, repositories.ErrNotFound) {
			// Scan already terminal or deleted; nothing to update.
			return
		}
		c.logger.Error("failed to recount scan after terminal job",
			zap.String("scan_id", scanID.String()),
			zap.String("job_id", jobID.String()),
			zap.Error(err))
	}
}

// OnJobRunning flips a queued scan to running when its first job starts.
func (c *Coordinator) OnJobRunning(ctx context.Context, scanID uuid.UUID) {
	if err := c.scans.MarkRunning(ctx, scanID); err != nil {
		c.logger.Error("failed to mark scan running",
			zap.String("scan_id", scanID.String()), zap.Error(err))
		return
	}
	if err := c.recountScan(ctx, scanID); err != nil &&
		!errors.Is(err, repositories.ErrStateConflict) && !errors.Is(err, repositories.ErrNotFound) {
		c.logger.Error("failed to recount scan",
			zap.String("scan_id", scanID.String()), zap.Error(err))
	}
}

// Recount re-derives the counters of every non-terminal scan from its job
// rows. Called once on startup so crashes can never leave counters stale.
// Scans that somehow have zero jobs are failed immediately.
func (c *Coordinator) Recount(ctx context.Context) error {
	scans, err := c.scans.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, scan := range scans {
		if err := c.recountScan(ctx, scan.ID); err != nil &&
			!errors.Is(err, repositories.ErrStateConflict) {
			return fmt.Errorf("scan: recount %s: %w", scan.ID, err)
		}
	}
	if len(scans) > 0 {
		c.logger.Info("recounted non-terminal scans", zap.Int("count", len(scans)))
	}
	return nil
}

// recountScan recomputes one scan's counters from the jobs table and applies
// the terminal decision: all jobs terminal ⇒ completed when at least one
// succeeded, failed otherwise.
func (c *Coordinator) recountScan(ctx context.Context, scanID uuid.UUID) error {
	counts, err := c.jobs.CountByScanGrouped(ctx, scanID)
	if err != nil {
		return err
	}

	var total, terminal, succeeded, running, failed int64
	for status, n := range counts {
		total += n
		if db.JobTerminal(status) {
			terminal += n
		}
		switch status {
		case db.JobCompleted:
			succeeded += n
		case db.JobRunning, db.JobAssigned:
			running += n
		case db.JobFailed, db.JobExpired, db.JobCanceled:
			failed += n
		}
	}

	updates := map[string]any{
		"agents_total":     total,
		"agents_running":   running,
		"agents_completed": succeeded,
		"agents_failed":    failed,
	}

	var progress int64
	if total > 0 {
		progress = 100 * terminal / total
	}
	updates["progress"] = progress

	finished := total == 0 || terminal == total
	if finished {
		status := db.ScanFailed
		if succeeded > 0 {
			status = db.ScanCompleted
		}
		updates["status"] = status
		updates["progress"] = 100
		updates["end_time"] = time.Now().UTC()
		if total == 0 {
			updates["progress"] = 0
		}

		if err := c.scans.UpdateCounters(ctx, scanID, updates); err != nil {
			return err
		}
		metrics.ScansActive.Dec()
		metrics.ScansTotal.WithLabelValues(status).Inc()
		c.publishScanStatus(scanID, status)
		c.logger.Info("scan finished",
			zap.String("scan_id", scanID.String()),
			zap.String("status", status),
			zap.Int64("succeeded", succeeded),
			zap.Int64("failed", failed))
		return nil
	}

	if err := c.scans.UpdateCounters(ctx, scanID, updates); err != nil {
		return err
	}
	c.hub.Publish("scan:"+scanID.String(), events.Message{
		Type: events.EvtScanProgress,
		Payload: map[string]any{
			"scan_id":  scanID,
			"progress": progress,
			"running":  running,
			"terminal": terminal,
			"total":    total,
		},
	})
	return nil
}

func (c *Coordinator) publishScanStatus(scanID uuid.UUID, status string) {
	msg := events.Message{
		Type:    events.EvtScanStatus,
		Payload: map[string]any{"scan_id": scanID, "status": status},
	}
	c.hub.Publish("scans", msg)
	c.hub.Publish("scan:"+scanID.String(), msg)
}

package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetscan-io/fleetscan/internal/agentconfig"
	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/dispatch"
	"github.com/fleetscan-io/fleetscan/internal/events"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
	"github.com/fleetscan-io/fleetscan/internal/scan"
	"github.com/fleetscan-io/fleetscan/internal/validation"
)

type testEnv struct {
	database *gorm.DB
	jobs     repositories.JobRepository
	results  repositories.ResultRepository
	scans    repositories.ScanRepository
	agents   repositories.AgentRepository
	ingestor *Ingestor

	agentID uuid.UUID
	scanID  uuid.UUID
	jobID   uuid.UUID
}

// newTestEnv builds the full ingest chain and leaves one claimed (assigned)
// job for the seeded agent.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	agents := repositories.NewAgentRepository(database)
	scans := repositories.NewScanRepository(database)
	jobs := repositories.NewJobRepository(database)
	results := repositories.NewResultRepository(database)
	configs := agentconfig.NewService(repositories.NewConfigRepository(database), agents, logger)
	require.NoError(t, configs.EnsureDefault(ctx))

	hub := events.NewHub()
	coordinator := scan.NewCoordinator(scans, jobs, results, agents, hub, logger)
	dispatcher := dispatch.NewDispatcher(jobs, agents, configs, coordinator, hub, logger)
	ingestor := NewIngestor(jobs, results, agents, dispatcher, coordinator, logger)

	agentID := uuid.New()
	require.NoError(t, agents.Create(ctx, &db.Agent{
		ID:          agentID,
		Hostname:    "scan-host",
		IPAddresses: "[]",
		Authorized:  true,
		Liveness:    db.LivenessOnline,
	}))

	created, err := coordinator.Create(ctx, scan.CreateScanRequest{
		VTs:     []scan.VTSelection{{OID: "1.3.6.1.4.1.25623.1.0.100151"}},
		Agents:  []string{agentID.String()},
		Targets: []scan.Target{{Hosts: []string{"192.0.2.0/24"}}},
	})
	require.NoError(t, err)

	claimed, err := dispatcher.Claim(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	return &testEnv{
		database: database,
		jobs:     jobs,
		results:  results,
		scans:    scans,
		agents:   agents,
		ingestor: ingestor,
		agentID:  agentID,
		scanID:   created.ID,
		jobID:    claimed[0].ID,
	}
}

func finding(host string) SubmittedResult {
	return SubmittedResult{
		NVT: NVTInfo{
			OID:      "1.3.6.1.4.1.25623.1.0.100151",
			Name:     "OpenSSH detection",
			Severity: 7.5,
		},
		Host:   host,
		Port:   "22/tcp",
		Threat: "High",
		QOD:    80,
	}
}

func TestSubmitPersistsBatchAndStartsJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	n, err := env.ingestor.Submit(ctx, env.jobID, env.agentID, Batch{
		BatchSequence: 0,
		Results:       []SubmittedResult{finding("192.0.2.1"), finding("192.0.2.2")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, err := env.jobs.GetByID(ctx, env.jobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobRunning, job.Status)
	assert.Equal(t, int64(2), job.ResultCount)

	rows, total, err := env.results.ListByScan(ctx, env.scanID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, rows, 2)
	assert.Equal(t, "scan-host", rows[0].AgentHostname)
	assert.Equal(t, 0, rows[0].SubmissionSeq)
	assert.Equal(t, 1, rows[1].SubmissionSeq)
}

func TestSubmitReplayedBatchIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	batch := Batch{BatchSequence: 7, Results: []SubmittedResult{finding("192.0.2.1")}}
	n, err := env.ingestor.Submit(ctx, env.jobID, env.agentID, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = env.ingestor.Submit(ctx, env.jobID, env.agentID, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, total, err := env.results.ListByScan(ctx, env.scanID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	job, err := env.jobs.GetByID(ctx, env.jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.ResultCount, "replay must not bump the counter")
}

func TestSubmitRejectsWholeBatchOnOneBadRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bad := finding("192.0.2.2")
	bad.Threat = "Apocalyptic"
	_, err := env.ingestor.Submit(ctx, env.jobID, env.agentID, Batch{
		Results: []SubmittedResult{finding("192.0.2.1"), bad},
	})

	var verr *validation.Error
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Issues, 1)
	assert.Equal(t, "results[1].threat", verr.Issues[0].Field)

	// Atomic: the valid row was not persisted either.
	_, total, err := env.results.ListByScan(ctx, env.scanID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestValidateBatchFieldPaths(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Batch)
		field  string
	}{
		{"negative sequence", func(b *Batch) { b.BatchSequence = -1 }, "batch_sequence"},
		{"empty results", func(b *Batch) { b.Results = nil }, "results"},
		{"bad oid", func(b *Batch) { b.Results[0].NVT.OID = "nope" }, "results[0].nvt.oid"},
		{"severity too high", func(b *Batch) { b.Results[0].NVT.Severity = 10.1 }, "results[0].nvt.severity"},
		{"negative severity", func(b *Batch) { b.Results[0].NVT.Severity = -0.1 }, "results[0].nvt.severity"},
		{"empty host", func(b *Batch) { b.Results[0].Host = "" }, "results[0].host"},
		{"unknown threat", func(b *Batch) { b.Results[0].Threat = "Severe" }, "results[0].threat"},
		{"qod over 100", func(b *Batch) { b.Results[0].QOD = 101 }, "results[0].qod"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := Batch{Results: []SubmittedResult{finding("192.0.2.1")}}
			tt.mutate(&batch)
			err := validateBatch(batch)

			var verr *validation.Error
			require.True(t, errors.As(err, &verr))
			fields := make([]string, len(verr.Issues))
			for i, iss := range verr.Issues {
				fields[i] = iss.Field
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestSubmitToForeignJobLooksLikeNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ingestor.Submit(context.Background(), env.jobID, uuid.New(), Batch{
		Results: []SubmittedResult{finding("192.0.2.1")},
	})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestSubmitToTerminalJobIsRejectedExplicitly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.jobs.UpdateStatusCAS(ctx, env.jobID,
		[]string{db.JobAssigned}, db.JobFailed, nil))

	_, err := env.ingestor.Submit(ctx, env.jobID, env.agentID, Batch{
		Results: []SubmittedResult{finding("192.0.2.1")},
	})
	assert.ErrorIs(t, err, ErrJobNotActive)
}

func TestCanceledJobAcceptsResultsUntilLeaseExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Cancel while the claim's lease is still live: the agent has not seen
	// the cancellation yet, so its in-flight batch is kept.
	require.NoError(t, env.jobs.UpdateStatusCAS(ctx, env.jobID,
		[]string{db.JobAssigned}, db.JobCanceled, nil))

	n, err := env.ingestor.Submit(ctx, env.jobID, env.agentID, Batch{
		BatchSequence: 0,
		Results:       []SubmittedResult{finding("192.0.2.1")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := env.jobs.GetByID(ctx, env.jobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCanceled, job.Status, "late batch must not reopen the job")
	assert.Equal(t, int64(1), job.ResultCount)

	// Once the lease deadline passes, the window closes.
	expired := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, env.database.Model(&db.Job{}).
		Where("id = ?", env.jobID).
		Update("deadline_at", expired).Error)

	_, err = env.ingestor.Submit(ctx, env.jobID, env.agentID, Batch{
		BatchSequence: 1,
		Results:       []SubmittedResult{finding("192.0.2.2")},
	})
	assert.ErrorIs(t, err, ErrJobNotActive)
}

func TestDeletedAgentSubmissionIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	n, err := env.agents.SoftDelete(ctx, []uuid.UUID{env.agentID})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = env.ingestor.Submit(ctx, env.jobID, env.agentID, Batch{
		Results: []SubmittedResult{finding("192.0.2.1")},
	})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestFinalizeCompletedRequiresResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.ingestor.Finalize(ctx, env.jobID, env.agentID, dispatch.OutcomeCompleted, "all clear", "")
	var verr *validation.Error
	require.True(t, errors.As(err, &verr))

	// After one submitted batch the same finalize succeeds.
	_, err = env.ingestor.Submit(ctx, env.jobID, env.agentID, Batch{
		Results: []SubmittedResult{finding("192.0.2.1")},
	})
	require.NoError(t, err)
	require.NoError(t, env.ingestor.Finalize(ctx, env.jobID, env.agentID, dispatch.OutcomeCompleted, "1 finding", ""))

	job, err := env.jobs.GetByID(ctx, env.jobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCompleted, job.Status)

	scanRow, err := env.scans.GetByID(ctx, env.scanID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanCompleted, scanRow.Status)
}

func TestFinalizeFailedNeedsNoResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ingestor.Finalize(ctx, env.jobID, env.agentID,
		dispatch.OutcomeFailed, "", "target unreachable"))

	job, err := env.jobs.GetByID(ctx, env.jobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, job.Status)
	assert.Equal(t, "target unreachable", job.FailureReason)

	scanRow, err := env.scans.GetByID(ctx, env.scanID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanFailed, scanRow.Status)
}

func TestDoubleFinalize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.ingestor.Finalize(ctx, env.jobID, env.agentID,
		dispatch.OutcomeFailed, "", "crash"))
	err := env.ingestor.Finalize(ctx, env.jobID, env.agentID,
		dispatch.OutcomeFailed, "", "crash again")
	assert.ErrorIs(t, err, dispatch.ErrAlreadyFinalized)

	// Late result batches for the finalized job are rejected.
	_, err = env.ingestor.Submit(ctx, env.jobID, env.agentID, Batch{
		Results: []SubmittedResult{finding("192.0.2.1")},
	})
	assert.ErrorIs(t, err, ErrJobNotActive)
}

package scan

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/events"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
	"github.com/fleetscan-io/fleetscan/internal/validation"
)

type testEnv struct {
	database    *gorm.DB
	scans       repositories.ScanRepository
	jobs        repositories.JobRepository
	results     repositories.ResultRepository
	agents      repositories.AgentRepository
	coordinator *Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	scans := repositories.NewScanRepository(database)
	jobs := repositories.NewJobRepository(database)
	results := repositories.NewResultRepository(database)
	agents := repositories.NewAgentRepository(database)
	coordinator := NewCoordinator(scans, jobs, results, agents, events.NewHub(), logger)

	return &testEnv{
		database:    database,
		scans:       scans,
		jobs:        jobs,
		results:     results,
		agents:      agents,
		coordinator: coordinator,
	}
}

func (env *testEnv) seedAgent(t *testing.T, hostname string, authorized bool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, env.agents.Create(context.Background(), &db.Agent{
		ID:          id,
		Hostname:    hostname,
		IPAddresses: "[]",
		Authorized:  authorized,
	}))
	return id
}

func (env *testEnv) request(agentIDs ...uuid.UUID) CreateScanRequest {
	agents := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		agents[i] = id.String()
	}
	return CreateScanRequest{
		VTs:     []VTSelection{{OID: "1.3.6.1.4.1.25623.1.0.100151"}},
		Agents:  agents,
		Targets: []Target{{Hosts: []string{"192.0.2.0/24"}, Ports: "1-1024"}},
	}
}

// moveJob walks a job through legal transitions into the wanted state.
func (env *testEnv) moveJob(t *testing.T, jobID uuid.UUID, to string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.jobs.UpdateStatusCAS(ctx, jobID, []string{db.JobQueued}, db.JobAssigned, nil))
	if to == db.JobAssigned {
		return
	}
	require.NoError(t, env.jobs.UpdateStatusCAS(ctx, jobID, []string{db.JobAssigned}, to, nil))
}

func TestCreateMaterializesOneJobPerAgent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.seedAgent(t, "host-a", true)
	b := env.seedAgent(t, "host-b", true)

	created, err := env.coordinator.Create(ctx, env.request(a, b))
	require.NoError(t, err)
	assert.Equal(t, db.ScanQueued, created.Status)
	assert.Equal(t, 2, created.AgentsTotal)

	jobs, err := env.jobs.ListByScan(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	hostnames := map[uuid.UUID]string{a: "host-a", b: "host-b"}
	for _, job := range jobs {
		assert.Equal(t, db.JobQueued, job.Status)
		assert.Equal(t, hostnames[job.AgentID], job.AgentHostname)

		var cfg jobConfig
		require.NoError(t, json.Unmarshal([]byte(job.Config), &cfg))
		assert.Equal(t, "1.3.6.1.4.1.25623.1.0.100151", cfg.VTs[0].OID)
		assert.Equal(t, "1-1024", cfg.Targets[0].Ports)
	}
}

func TestCreateRejectsUntrustedAgentsAtomically(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	good := env.seedAgent(t, "host-a", true)
	pending := env.seedAgent(t, "host-b", false)
	unknown := uuid.New()

	_, err := env.coordinator.Create(ctx, env.request(good, pending, unknown))
	var verr *validation.Error
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Issues, 2)

	// No partial state: nothing was written for the valid agent either.
	var scanCount int64
	require.NoError(t, env.database.Model(&db.Scan{}).Count(&scanCount).Error)
	assert.Zero(t, scanCount)
	var jobCount int64
	require.NoError(t, env.database.Model(&db.Job{}).Count(&jobCount).Error)
	assert.Zero(t, jobCount)
}

func TestStatusRollupAndProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.seedAgent(t, "host-a", true)
	b := env.seedAgent(t, "host-b", true)
	c := env.seedAgent(t, "host-c", true)
	d := env.seedAgent(t, "host-d", true)

	created, err := env.coordinator.Create(ctx, env.request(a, b, c, d))
	require.NoError(t, err)
	jobs, err := env.jobs.ListByScan(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	// One job completed, one failed, one running, one still queued.
	env.moveJob(t, jobs[0].ID, db.JobCompleted)
	env.moveJob(t, jobs[1].ID, db.JobFailed)
	env.moveJob(t, jobs[2].ID, db.JobRunning)
	env.coordinator.OnJobRunning(ctx, created.ID)
	env.coordinator.OnJobTerminal(ctx, created.ID, jobs[0].ID)
	env.coordinator.OnJobTerminal(ctx, created.ID, jobs[1].ID)

	report, err := env.coordinator.Status(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanRunning, report.Status)
	assert.Equal(t, 50, report.Progress)
	assert.Equal(t, 4, report.AgentsTotal)
	assert.Equal(t, 1, report.AgentsCompleted)
	assert.Equal(t, 1, report.AgentsFailed)
	assert.Equal(t, 1, report.AgentsRunning)
	assert.Len(t, report.Agents, 4)
}

func TestPartialFailureStillCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.seedAgent(t, "host-a", true)
	b := env.seedAgent(t, "host-b", true)
	created, err := env.coordinator.Create(ctx, env.request(a, b))
	require.NoError(t, err)
	jobs, err := env.jobs.ListByScan(ctx, created.ID)
	require.NoError(t, err)

	env.moveJob(t, jobs[0].ID, db.JobCompleted)
	env.moveJob(t, jobs[1].ID, db.JobFailed)
	env.coordinator.OnJobTerminal(ctx, created.ID, jobs[0].ID)
	env.coordinator.OnJobTerminal(ctx, created.ID, jobs[1].ID)

	scanRow, err := env.scans.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanCompleted, scanRow.Status)
	assert.Equal(t, 100, scanRow.Progress)
	assert.NotNil(t, scanRow.EndTime)
}

func TestAllJobsFailedFailsTheScan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.seedAgent(t, "host-a", true)
	created, err := env.coordinator.Create(ctx, env.request(a))
	require.NoError(t, err)
	jobs, err := env.jobs.ListByScan(ctx, created.ID)
	require.NoError(t, err)

	env.moveJob(t, jobs[0].ID, db.JobFailed)
	env.coordinator.OnJobTerminal(ctx, created.ID, jobs[0].ID)

	scanRow, err := env.scans.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanFailed, scanRow.Status)
	assert.Equal(t, 100, scanRow.Progress)
}

func TestCancelFreezesScanAndJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.seedAgent(t, "host-a", true)
	b := env.seedAgent(t, "host-b", true)
	created, err := env.coordinator.Create(ctx, env.request(a, b))
	require.NoError(t, err)
	jobs, err := env.jobs.ListByScan(ctx, created.ID)
	require.NoError(t, err)

	// One job already finished; the cancel must leave it alone.
	env.moveJob(t, jobs[0].ID, db.JobCompleted)

	require.NoError(t, env.coordinator.Cancel(ctx, created.ID))

	scanRow, err := env.scans.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanCanceled, scanRow.Status)
	assert.NotNil(t, scanRow.EndTime)

	finished, err := env.jobs.GetByID(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCompleted, finished.Status)
	canceled, err := env.jobs.GetByID(ctx, jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCanceled, canceled.Status)

	// Terminal scans cannot be canceled or started again.
	assert.ErrorIs(t, env.coordinator.Cancel(ctx, created.ID), repositories.ErrStateConflict)
	assert.ErrorIs(t, env.coordinator.Start(ctx, created.ID), repositories.ErrStateConflict)

	// And a late job recount must not resurrect the canceled scan.
	env.coordinator.OnJobTerminal(ctx, created.ID, jobs[1].ID)
	scanRow, err = env.scans.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanCanceled, scanRow.Status)
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.seedAgent(t, "host-a", true)
	created, err := env.coordinator.Create(ctx, env.request(a))
	require.NoError(t, err)
	jobs, err := env.jobs.ListByScan(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, env.results.CreateBatch(ctx, []db.Result{{
		ScanID:  created.ID,
		JobID:   jobs[0].ID,
		AgentID: a,
		NVTOID:  "1.2.3",
		Host:    "192.0.2.1",
		Threat:  "High",
	}}))

	require.NoError(t, env.coordinator.Delete(ctx, created.ID))

	_, err = env.scans.GetByID(ctx, created.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	remaining, err := env.jobs.ListByScan(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
	_, total, err := env.results.ListByScan(ctx, created.ID, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)

	assert.ErrorIs(t, env.coordinator.Delete(ctx, created.ID), repositories.ErrNotFound)
}

func TestRecountFailsZeroJobScans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	orphan := &db.Scan{
		Status:    db.ScanQueued,
		StartTime: time.Now().UTC(),
		VTs:       "[]",
		Agents:    "[]",
		Targets:   "[]",
	}
	require.NoError(t, env.scans.CreateWithJobs(ctx, orphan, nil))

	require.NoError(t, env.coordinator.Recount(ctx))

	scanRow, err := env.scans.GetByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ScanFailed, scanRow.Status)
	assert.Equal(t, 0, scanRow.Progress)
}

func TestResultsPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.seedAgent(t, "host-a", true)
	created, err := env.coordinator.Create(ctx, env.request(a))
	require.NoError(t, err)
	jobs, err := env.jobs.ListByScan(ctx, created.ID)
	require.NoError(t, err)

	rows := make([]db.Result, 5)
	for i := range rows {
		rows[i] = db.Result{
			ScanID:        created.ID,
			JobID:         jobs[0].ID,
			AgentID:       a,
			NVTOID:        "1.2.3",
			Host:          "192.0.2.1",
			Threat:        "Low",
			BatchSequence: 0,
			SubmissionSeq: i,
		}
	}
	require.NoError(t, env.results.CreateBatch(ctx, rows))

	page, err := env.coordinator.Results(ctx, created.ID, repositories.ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Len(t, page.Results, 2)
	assert.Equal(t, 2, page.Offset)

	_, err = env.coordinator.Results(ctx, uuid.New(), repositories.ListOptions{Limit: 2})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

// Package repositories defines the narrow persistence contract of the
// controller and its GORM implementations. The domain packages (registry,
// dispatch, scan, ingest, agentconfig) depend only on these interfaces, so
// the choice of SQLite vs PostgreSQL — or a future broker-backed queue —
// never leaks into domain code.
//
// All job and scan state changes go through compare-and-swap updates
// (UPDATE ... WHERE status IN (...)): a zero-row result on an existing record
// is surfaced as ErrStateConflict, which is how the state machines stay
// linearizable per row without any global lock.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetscan-io/fleetscan/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

// AgentFilter narrows List results. Zero values mean "no constraint".
type AgentFilter struct {
	Liveness       string
	Authorized     *bool
	HostnamePrefix string
	UpdatesOnly    bool
	ListOptions
}

// HeartbeatAttrs are the attributes an agent re-declares on every heartbeat.
type HeartbeatAttrs struct {
	Hostname          string
	OperatingSystem   string
	Architecture      string
	AgentVersion      string
	UpdaterVersion    string
	IPAddresses       string // JSON array
	ConfigVersionSeen int64
}

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)

	// GetByIDAny also returns tombstoned (soft-deleted) agents, so the
	// heartbeat path can tell "never seen" apart from "deregistered".
	GetByIDAny(ctx context.Context, id uuid.UUID) (*db.Agent, error)

	// RefreshHeartbeat applies the declared attributes and advances
	// last_heartbeat, clearing offline_since. The heartbeat column is
	// monotonic: an older wall clock updates attributes only. The authorized
	// column is never touched here.
	RefreshHeartbeat(ctx context.Context, id uuid.UUID, attrs HeartbeatAttrs, at time.Time) error

	// SetLiveness performs a compare-and-swap on the liveness column.
	// Returns ErrStateConflict when the agent is no longer in any of the
	// expected states, which makes concurrent sweeps idempotent.
	SetLiveness(ctx context.Context, id uuid.UUID, from []string, to string, offlineSince *time.Time) error

	// BulkUpdate applies the given column updates to all listed agents and
	// returns how many rows changed.
	BulkUpdate(ctx context.Context, ids []uuid.UUID, updates map[string]any) (int64, error)

	// SoftDelete tombstones the listed agents. Returns the number affected.
	SoftDelete(ctx context.Context, ids []uuid.UUID) (int64, error)

	// Purge removes a tombstoned agent for good, after the deregistered
	// signal has been delivered.
	Purge(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filter AgentFilter) ([]db.Agent, int64, error)
	ListByLiveness(ctx context.Context, liveness string) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// ScanRepository
// -----------------------------------------------------------------------------

type ScanRepository interface {
	// CreateWithJobs persists the scan and all of its jobs in one
	// transaction — a scan is never created partially materialized.
	CreateWithJobs(ctx context.Context, scan *db.Scan, jobs []db.Job) error

	GetByID(ctx context.Context, id uuid.UUID) (*db.Scan, error)

	// UpdateCounters overwrites the derived counter columns and, when status
	// is non-empty, the status/end_time. Terminal scans are left untouched
	// except for the canceled → canceled no-op.
	UpdateCounters(ctx context.Context, id uuid.UUID, updates map[string]any) error

	// MarkRunning flips a queued scan to running. A no-op (nil) when the
	// scan already left the queued state.
	MarkRunning(ctx context.Context, id uuid.UUID) error

	// Delete removes the scan together with its jobs and results in one
	// transaction.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListNonTerminal returns scans whose counters must be re-derived on
	// startup.
	ListNonTerminal(ctx context.Context) ([]db.Scan, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// ClaimQueued atomically moves up to maxN ready jobs of the agent from
	// queued to assigned, stamping assigned_at, deadline_at and bumping
	// attempts. Two concurrent claims never return the same job: each job is
	// moved with an individual compare-and-swap.
	ClaimQueued(ctx context.Context, agentID uuid.UUID, maxN int, now time.Time, deadline time.Time) ([]db.Job, error)

	// UpdateStatusCAS transitions the job from one of the expected states,
	// applying extra column updates alongside. ErrStateConflict when the job
	// exists but is not in an expected state.
	UpdateStatusCAS(ctx context.Context, id uuid.UUID, from []string, to string, updates map[string]any) error

	// ExtendLease pushes deadline_at for an assigned or running job.
	ExtendLease(ctx context.Context, id uuid.UUID, deadline time.Time) error

	// IncrementResultCount adds n to the job's result counter.
	IncrementResultCount(ctx context.Context, id uuid.UUID, n int) error

	// ListLeaseExpired returns assigned/running jobs whose lease deadline has
	// passed. Consumed by the dispatcher's reclaimer sweep.
	ListLeaseExpired(ctx context.Context, now time.Time, limit int) ([]db.Job, error)

	// ListQueuedBefore returns still-queued jobs created before the cutoff
	// (the 24h unclaimed-job expiry).
	ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]db.Job, error)

	ListByScan(ctx context.Context, scanID uuid.UUID) ([]db.Job, error)
	ListNonTerminalByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Job, error)

	// CountByScanGrouped returns job counts per status for one scan. This is
	// the authoritative source for all scan counters.
	CountByScanGrouped(ctx context.Context, scanID uuid.UUID) (map[string]int64, error)
}

// -----------------------------------------------------------------------------
// ResultRepository
// -----------------------------------------------------------------------------

type ResultRepository interface {
	// CreateBatch persists all results in one transaction — a batch is never
	// partially visible.
	CreateBatch(ctx context.Context, results []db.Result) error

	// BatchExists reports whether a batch with this (job, sequence) was
	// already persisted, making replayed submissions idempotent.
	BatchExists(ctx context.Context, jobID uuid.UUID, batchSequence int64) (bool, error)

	// ListByScan returns results ordered by (created_at, batch_sequence,
	// submission_seq, id) so pagination is stable across requests.
	ListByScan(ctx context.Context, scanID uuid.UUID, opts ListOptions) ([]db.Result, int64, error)

	CountByJob(ctx context.Context, jobID uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// ConfigRepository
// -----------------------------------------------------------------------------

type ConfigRepository interface {
	// Current returns the highest config version, or ErrNotFound when no
	// config has been written yet.
	Current(ctx context.Context) (*db.ConfigVersion, error)

	// Append writes a new version with number max(version)+1, inside a
	// transaction so versions only ever move forward.
	Append(ctx context.Context, payload string) (*db.ConfigVersion, error)
}

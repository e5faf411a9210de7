package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by controller-assigned entities.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM. The embed must stay exported:
// GORM skips unexported embedded fields when building statements.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent represents an endpoint-resident scan agent known to the controller.
//
// Unlike the other entities, the primary key is chosen by the agent itself on
// first contact and is immutable afterwards — the controller accepts it
// verbatim, so Agent does not embed Base.
//
// DeletedAt implements the tombstone state of the liveness machine: an admin
// delete soft-deletes the row, the still-polling agent receives a single
// "deregistered" signal on its next heartbeat, and the row is then purged.
type Agent struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	DeletedAt gorm.DeletedAt `gorm:"index"`

	Hostname        string `gorm:"not null"`
	OperatingSystem string `gorm:"not null;default:''"`
	Architecture    string `gorm:"not null;default:''"`
	AgentVersion    string `gorm:"not null;default:''"`
	UpdaterVersion  string `gorm:"not null;default:''"`

	// IPAddresses holds the agent's declared addresses as a JSON array.
	// Purely informational — the controller never connects to agents.
	IPAddresses string `gorm:"type:text;not null;default:'[]'"`

	// Authorized gates all job delivery. Only admin operations may change it;
	// heartbeat refreshes must never touch this column.
	Authorized bool `gorm:"not null;default:false"`

	// Liveness is one of the AgentLiveness constants. The tombstoned state is
	// represented by DeletedAt, not by this column.
	Liveness string `gorm:"not null;default:'pending';index"`

	// LastHeartbeat is monotonic non-decreasing per agent: a heartbeat
	// carrying an older wall clock updates attributes but not this column.
	LastHeartbeat *time.Time `gorm:"index"`

	// OfflineSince is set when the liveness monitor demotes the agent to
	// offline and cleared on the next heartbeat. Drives the 24h inactive cut.
	OfflineSince *time.Time

	// ConfigVersionSeen is the config version the agent reported applying in
	// its most recent heartbeat. Compared against the current global version
	// to compute the config_updated signal.
	ConfigVersionSeen int64 `gorm:"not null;default:0"`

	// ConfigOverride holds the per-agent config patch as JSON, or empty when
	// the agent follows the global config unchanged.
	ConfigOverride string `gorm:"type:text;not null;default:''"`

	UpdateToLatest bool `gorm:"not null;default:false"`
}

// AgentLiveness values for Agent.Liveness.
const (
	LivenessPending  = "pending"
	LivenessOnline   = "online"
	LivenessOffline  = "offline"
	LivenessInactive = "inactive"
)

// -----------------------------------------------------------------------------
// Scans
// -----------------------------------------------------------------------------

// Scan is a user-authored vulnerability assessment request fanned out to one
// job per target agent. All counter columns are derived from job rows and can
// be recomputed at any time (and are, on startup).
type Scan struct {
	Base
	Status   string `gorm:"not null;default:'queued'"`
	Progress int    `gorm:"not null;default:0"`

	AgentsTotal     int `gorm:"not null;default:0"`
	AgentsRunning   int `gorm:"not null;default:0"`
	AgentsCompleted int `gorm:"not null;default:0"`
	AgentsFailed    int `gorm:"not null;default:0"`

	StartTime time.Time `gorm:"not null"`
	EndTime   *time.Time

	// VTs, Agents, Targets and ScannerPreferences are stored exactly as
	// declared by the upstream manager (JSON) so status queries can echo the
	// original request back verbatim.
	VTs                string `gorm:"column:vts;type:text;not null"`
	Agents             string `gorm:"type:text;not null"`
	Targets            string `gorm:"type:text;not null"`
	ScannerPreferences string `gorm:"type:text;not null;default:'{}'"`
}

// ScanStatus values for Scan.Status.
const (
	ScanQueued    = "queued"
	ScanRunning   = "running"
	ScanCompleted = "completed"
	ScanFailed    = "failed"
	ScanCanceled  = "canceled"
)

// ScanTerminal reports whether a scan status is terminal. Terminal scans are
// never mutated again.
func ScanTerminal(status string) bool {
	switch status {
	case ScanCompleted, ScanFailed, ScanCanceled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is one agent's share of a scan. Exactly one row exists per
// (scan, agent) pair, enforced by a unique composite index.
//
// Status transitions are validated by JobCanTransition and applied with
// compare-and-swap updates in the repository layer, so a job can never skip
// states or leave a terminal state.
type Job struct {
	Base
	ScanID  uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_jobs_scan_agent"`
	AgentID uuid.UUID `gorm:"type:text;not null;index:idx_jobs_agent_status;uniqueIndex:idx_jobs_scan_agent"`

	// AgentHostname is snapshotted at job creation so results keep a stable
	// hostname even if the agent re-declares a different one later.
	AgentHostname string `gorm:"not null;default:''"`

	Status   string `gorm:"not null;default:'queued';index:idx_jobs_agent_status"`
	Priority int    `gorm:"not null;default:0"`

	// Attempts counts deliveries: it is bumped on every claim, not on
	// reclaim, so a redelivered job reports attempts=2 on its second claim.
	Attempts int `gorm:"not null;default:0"`

	AssignedAt *time.Time
	DeadlineAt *time.Time `gorm:"index"`

	// NotBefore delays redelivery after a lease expiry (exponential backoff).
	NotBefore *time.Time

	// ResultCount is maintained by the ingestor; finalize(completed) requires
	// at least one submitted result.
	ResultCount int64 `gorm:"not null;default:0"`

	Config        string `gorm:"type:text;not null"`
	Summary       string `gorm:"type:text;not null;default:''"`
	FailureReason string `gorm:"not null;default:''"`
}

// JobStatus values for Job.Status.
const (
	JobQueued    = "queued"
	JobAssigned  = "assigned"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobExpired   = "expired"
	JobCanceled  = "canceled"
)

// jobTransitions is the full job state machine. A transition absent from this
// table is invalid and must be rejected with a state conflict.
var jobTransitions = map[string][]string{
	JobQueued:   {JobAssigned, JobExpired, JobCanceled},
	JobAssigned: {JobRunning, JobQueued, JobCompleted, JobFailed, JobExpired, JobCanceled},
	JobRunning:  {JobQueued, JobCompleted, JobFailed, JobExpired, JobCanceled},
}

// JobCanTransition reports whether from → to is a legal job state change.
// All terminal states are frozen: nothing transitions out of them.
func JobCanTransition(from, to string) bool {
	for _, t := range jobTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// JobTerminal reports whether a job status is terminal. DeadlineAt is never
// consulted again once a job is terminal.
func JobTerminal(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobExpired, JobCanceled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Result is a single finding submitted by an agent for a job. Results are
// immutable once created and are destroyed together with their scan.
//
// (JobID, BatchSequence, SubmissionSeq) is unique: replaying an entire batch
// is detected by (JobID, BatchSequence) and accepted idempotently.
type Result struct {
	Base
	ScanID  uuid.UUID `gorm:"type:text;not null;index"`
	JobID   uuid.UUID `gorm:"type:text;not null;index;uniqueIndex:idx_results_batch"`
	AgentID uuid.UUID `gorm:"type:text;not null"`

	AgentHostname string `gorm:"not null;default:''"`

	NVTOID         string  `gorm:"column:nvt_oid;not null"`
	NVTName        string  `gorm:"not null;default:''"`
	NVTSeverity    float64 `gorm:"not null"`
	CVSSBaseVector string  `gorm:"not null;default:''"`

	Host        string `gorm:"not null"`
	Port        string `gorm:"not null;default:''"`
	Threat      string `gorm:"not null"`
	Description string `gorm:"type:text;not null;default:''"`
	QOD         int    `gorm:"not null;default:0"`

	BatchSequence int64 `gorm:"not null;default:0;uniqueIndex:idx_results_batch"`
	SubmissionSeq int   `gorm:"not null;default:0;uniqueIndex:idx_results_batch"`
}

// Threat labels accepted for results.
var Threats = []string{"Log", "Low", "Medium", "High", "Critical"}

// ValidThreat reports whether label is one of the enumerated threat levels.
func ValidThreat(label string) bool {
	for _, t := range Threats {
		if t == label {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Agent configuration
// -----------------------------------------------------------------------------

// ConfigVersion is one revision of the global scan agent configuration.
// Versions only move forward; the current config is the row with the highest
// version. Old rows are kept as history.
//
// Version is allocated as max(version)+1 inside the append transaction rather
// than by a database sequence, so the numbering is identical across SQLite
// and PostgreSQL.
type ConfigVersion struct {
	Version   int64     `gorm:"primaryKey;autoIncrement:false"`
	Payload   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

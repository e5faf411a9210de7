package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/agentconfig"
	"github.com/fleetscan-io/fleetscan/internal/dispatch"
	"github.com/fleetscan-io/fleetscan/internal/ingest"
	"github.com/fleetscan-io/fleetscan/internal/registry"
)

// AgentHandler serves the agent surface: heartbeat, config pull, job
// polling, result submission, and finalization.
type AgentHandler struct {
	registry   *registry.Service
	dispatcher *dispatch.Dispatcher
	ingestor   *ingest.Ingestor
	configs    *agentconfig.Service
	logger     *zap.Logger
}

// NewAgentHandler creates the agent surface handler.
func NewAgentHandler(
	reg *registry.Service,
	dispatcher *dispatch.Dispatcher,
	ingestor *ingest.Ingestor,
	configs *agentconfig.Service,
	logger *zap.Logger,
) *AgentHandler {
	return &AgentHandler{
		registry:   reg,
		dispatcher: dispatcher,
		ingestor:   ingestor,
		configs:    configs,
		logger:     logger,
	}
}

// heartbeatRequest is the agent heartbeat wire format.
type heartbeatRequest struct {
	AgentID           string   `json:"agent_id"`
	Hostname          string   `json:"hostname"`
	OperatingSystem   string   `json:"operating_system"`
	Architecture      string   `json:"architecture"`
	AgentVersion      string   `json:"agent_version"`
	UpdaterVersion    string   `json:"updater_version,omitempty"`
	IPAddresses       []string `json:"ip_addresses"`
	ConfigVersionSeen int64    `json:"config_version_seen"`
}

// Heartbeat handles POST /api/v1/agents/heartbeat. An unknown agent_id
// creates the record (unauthorized); a tombstoned agent receives the
// terminal deregistered signal.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agentID := agentIDFromCtx(r.Context())
	if req.AgentID != agentID.String() {
		ErrBadRequest(w, r, "body agent_id does not match X-Agent-ID header")
		return
	}
	if req.Hostname == "" {
		ErrBadRequest(w, r, "hostname is required")
		return
	}

	resp, err := h.registry.RegisterOrRefresh(r.Context(), registry.HeartbeatRequest{
		AgentID:           agentID,
		Hostname:          req.Hostname,
		OperatingSystem:   req.OperatingSystem,
		Architecture:      req.Architecture,
		AgentVersion:      req.AgentVersion,
		UpdaterVersion:    req.UpdaterVersion,
		IPAddresses:       req.IPAddresses,
		ConfigVersionSeen: req.ConfigVersionSeen,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}

	if resp.Deregistered {
		JSON(w, http.StatusOK, map[string]any{
			"status":       "deregistered",
			"deregistered": true,
		})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":                    "accepted",
		"authorized":                resp.Authorized,
		"config_updated":            resp.ConfigUpdated,
		"next_heartbeat_in_seconds": resp.NextHeartbeatSeconds,
	})
}

// Config handles GET /api/v1/agents/config: the merged effective config for
// the calling agent plus the global version.
func (h *AgentHandler) Config(w http.ResponseWriter, r *http.Request) {
	snap, err := h.configs.Merged(r.Context(), agentIDFromCtx(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"version": snap.Version,
		"config":  snap.Config,
	})
}

// jobView is one job as handed to an agent.
type jobView struct {
	JobID      string          `json:"job_id"`
	ScanID     string          `json:"scan_id"`
	JobType    string          `json:"job_type"`
	Priority   int             `json:"priority"`
	Attempts   int             `json:"attempts"`
	CreatedAt  string          `json:"created_at"`
	DeadlineAt string          `json:"deadline_at"`
	Config     json.RawMessage `json:"config"`
}

// Jobs handles GET /api/v1/agents/jobs: claims up to bulk_size ready jobs
// for the calling agent. Unauthorized agents always get an empty list.
func (h *AgentHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	claimed, err := h.dispatcher.Claim(r.Context(), agentIDFromCtx(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}

	views := make([]jobView, len(claimed))
	for i, job := range claimed {
		views[i] = jobView{
			JobID:     job.ID.String(),
			ScanID:    job.ScanID.String(),
			JobType:   "scan",
			Priority:  job.Priority,
			Attempts:  job.Attempts,
			CreatedAt: job.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Config:    json.RawMessage(job.Config),
		}
		if job.DeadlineAt != nil {
			views[i].DeadlineAt = job.DeadlineAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
	}
	JSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// Results handles POST /api/v1/agents/jobs/{id}/results: one validated,
// idempotent batch of findings. 202 on accept.
func (h *AgentHandler) Results(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, r, "invalid job id")
		return
	}

	var batch ingest.Batch
	if !decodeJSON(w, r, &batch) {
		return
	}

	accepted, err := h.ingestor.Submit(r.Context(), jobID, agentIDFromCtx(r.Context()), batch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]any{
		"status":           "accepted",
		"results_received": accepted,
	})
}

// completeRequest is the finalize wire format.
type completeRequest struct {
	Status        string `json:"status"`
	Summary       string `json:"summary,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Complete handles POST /api/v1/agents/jobs/{id}/complete: the agent's
// terminal verdict. The second call for the same job returns 409.
func (h *AgentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, r, "invalid job id")
		return
	}

	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != dispatch.OutcomeCompleted && req.Status != dispatch.OutcomeFailed {
		ErrBadRequest(w, r, `status must be "completed" or "failed"`)
		return
	}

	err = h.ingestor.Finalize(r.Context(), jobID, agentIDFromCtx(r.Context()),
		req.Status, req.Summary, req.FailureReason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": req.Status})
}

// Updates handles GET /api/v1/agents/updates: tells the calling agent
// whether the fleet wants it to self-update.
func (h *AgentHandler) Updates(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(r.Context(), agentIDFromCtx(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"update_to_latest": agent.UpdateToLatest,
		"current_version":  agent.AgentVersion,
	})
}

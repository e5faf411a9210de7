package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/agentconfig"
	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/events"
	"github.com/fleetscan-io/fleetscan/internal/registry"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
)

// defaultAgentPageSize bounds admin agent listings.
const defaultAgentPageSize = 50

// Installer describes one downloadable agent installer offered to
// operators. Populated from deployment configuration; empty by default.
type Installer struct {
	Name            string `json:"name"`
	OperatingSystem string `json:"operating_system"`
	Architecture    string `json:"architecture"`
	Version         string `json:"version"`
	URL             string `json:"url"`
}

// AdminHandler serves the privileged operator surface.
type AdminHandler struct {
	registry   *registry.Service
	configs    *agentconfig.Service
	hub        *events.Hub
	installers []Installer
	logger     *zap.Logger
}

// NewAdminHandler creates the admin surface handler.
func NewAdminHandler(
	reg *registry.Service,
	configs *agentconfig.Service,
	hub *events.Hub,
	installers []Installer,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		registry:   reg,
		configs:    configs,
		hub:        hub,
		installers: installers,
		logger:     logger,
	}
}

// agentView is one agent as shown to operators.
type agentView struct {
	ID                uuid.UUID       `json:"id"`
	Hostname          string          `json:"hostname"`
	OperatingSystem   string          `json:"operating_system"`
	Architecture      string          `json:"architecture"`
	AgentVersion      string          `json:"agent_version"`
	IPAddresses       json.RawMessage `json:"ip_addresses"`
	Authorized        bool            `json:"authorized"`
	Liveness          string          `json:"liveness"`
	LastHeartbeat     *time.Time      `json:"last_heartbeat,omitempty"`
	ConfigVersionSeen int64           `json:"config_version_seen"`
	UpdateToLatest    bool            `json:"update_to_latest"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ListAgents handles GET /api/v1/admin/agents with filtering and
// pagination (liveness, authorized, hostname_prefix, limit, offset).
func (h *AdminHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseAgentFilter(w, r)
	if !ok {
		return
	}

	agents, total, err := h.registry.List(r.Context(), filter)
	if err != nil {
		respondError(w, r, err)
		return
	}

	views := make([]agentView, len(agents))
	for i, a := range agents {
		views[i] = agentView{
			ID:                a.ID,
			Hostname:          a.Hostname,
			OperatingSystem:   a.OperatingSystem,
			Architecture:      a.Architecture,
			AgentVersion:      a.AgentVersion,
			IPAddresses:       json.RawMessage(a.IPAddresses),
			Authorized:        a.Authorized,
			Liveness:          a.Liveness,
			LastHeartbeat:     a.LastHeartbeat,
			ConfigVersionSeen: a.ConfigVersionSeen,
			UpdateToLatest:    a.UpdateToLatest,
			CreatedAt:         a.CreatedAt,
		}
	}
	JSON(w, http.StatusOK, map[string]any{
		"agents": views,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// bulkUpdateRequest is the PATCH /admin/agents body. Nil fields are left
// untouched.
type bulkUpdateRequest struct {
	AgentIDs       []string `json:"agent_ids"`
	Authorized     *bool    `json:"authorized,omitempty"`
	UpdateToLatest *bool    `json:"update_to_latest,omitempty"`
}

// BulkUpdateAgents handles PATCH /api/v1/admin/agents.
func (h *AdminHandler) BulkUpdateAgents(w http.ResponseWriter, r *http.Request) {
	var req bulkUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ids, ok := parseAgentIDs(w, r, req.AgentIDs)
	if !ok {
		return
	}

	updated, err := h.registry.BulkUpdate(r.Context(), ids, registry.AgentPatch{
		Authorized:     req.Authorized,
		UpdateToLatest: req.UpdateToLatest,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"updated": updated})
}

// bulkDeleteRequest is the POST /admin/agents/delete body.
type bulkDeleteRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// DeleteAgents handles POST /api/v1/admin/agents/delete: bulk soft-delete
// with per-agent success reporting.
func (h *AdminHandler) DeleteAgents(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ids, ok := parseAgentIDs(w, r, req.AgentIDs)
	if !ok {
		return
	}

	deleted, failed, err := h.registry.BulkDelete(r.Context(), ids)
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"deleted": uuidStrings(deleted),
		"failed":  uuidStrings(failed),
	})
}

// GetConfig handles GET /api/v1/admin/scan-agent-config.
func (h *AdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	snap, err := h.configs.Current(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"version": snap.Version,
		"config":  snap.Config,
	})
}

// PutConfig handles PUT /api/v1/admin/scan-agent-config: strict-schema
// replacement of the global config, bumping the version.
func (h *AdminHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		ErrBadRequest(w, r, "failed to read request body")
		return
	}

	snap, err := h.configs.Update(r.Context(), raw)
	if err != nil {
		respondError(w, r, err)
		return
	}
	h.hub.Publish("agents", events.Message{
		Type:    events.EvtConfigVersion,
		Payload: map[string]any{"version": snap.Version},
	})
	JSON(w, http.StatusOK, map[string]any{
		"version": snap.Version,
		"config":  snap.Config,
	})
}

// SetAgentConfigOverride handles PUT /api/v1/admin/agents/{id}/config: a
// per-agent partial override of the global config. An empty body clears the
// override.
func (h *AdminHandler) SetAgentConfigOverride(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, r, "invalid agent id")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		ErrBadRequest(w, r, "failed to read request body")
		return
	}
	if err := h.registry.SetConfigOverride(r.Context(), id, raw); err != nil {
		respondError(w, r, err)
		return
	}
	NoContent(w)
}

// Installers handles GET /api/v1/admin/installers.
func (h *AdminHandler) Installers(w http.ResponseWriter, r *http.Request) {
	installers := h.installers
	if installers == nil {
		installers = []Installer{}
	}
	JSON(w, http.StatusOK, map[string]any{"installers": installers})
}

// Events handles GET /api/v1/admin/events: upgrades to a WebSocket stream
// of controller events. The topics query parameter selects channels
// (default: agents and scans).
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	topics := []string{"agents", "scans"}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade failures already wrote their response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

func parseAgentFilter(w http.ResponseWriter, r *http.Request) (repositories.AgentFilter, bool) {
	q := r.URL.Query()
	filter := repositories.AgentFilter{
		Liveness:       q.Get("liveness"),
		HostnamePrefix: q.Get("hostname_prefix"),
		ListOptions: repositories.ListOptions{
			Limit: defaultAgentPageSize,
		},
	}

	if filter.Liveness != "" {
		switch filter.Liveness {
		case db.LivenessPending, db.LivenessOnline, db.LivenessOffline, db.LivenessInactive:
		default:
			ErrBadRequest(w, r, "unknown liveness filter "+strconv.Quote(filter.Liveness))
			return filter, false
		}
	}
	if raw := q.Get("authorized"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			ErrBadRequest(w, r, "authorized must be a boolean")
			return filter, false
		}
		filter.Authorized = &v
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			ErrBadRequest(w, r, "limit must be within [1, 500]")
			return filter, false
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ErrBadRequest(w, r, "offset must not be negative")
			return filter, false
		}
		filter.Offset = n
	}
	return filter, true
}

func parseAgentIDs(w http.ResponseWriter, r *http.Request, raw []string) ([]uuid.UUID, bool) {
	if len(raw) == 0 {
		ErrBadRequest(w, r, "agent_ids must not be empty")
		return nil, false
	}
	ids := make([]uuid.UUID, len(raw))
	for i, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			ErrBadRequest(w, r, "invalid agent id "+strconv.Quote(s))
			return nil, false
		}
		ids[i] = id
	}
	return ids, true
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

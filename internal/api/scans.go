package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetscan-io/fleetscan/internal/repositories"
	"github.com/fleetscan-io/fleetscan/internal/scan"
)

// defaultResultPageSize is used when no range parameter is given.
const defaultResultPageSize = 100

// ScanHandler serves the scanner surface consumed by the upstream manager.
type ScanHandler struct {
	coordinator *scan.Coordinator
	logger      *zap.Logger
}

// NewScanHandler creates the scanner surface handler.
func NewScanHandler(coordinator *scan.Coordinator, logger *zap.Logger) *ScanHandler {
	return &ScanHandler{coordinator: coordinator, logger: logger}
}

// Create handles POST /scans: validates and materializes a scan.
func (h *ScanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scan.CreateScanRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.coordinator.Create(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]any{
		"scan_id":         created.ID,
		"status":          created.Status,
		"agents_assigned": created.AgentsTotal,
	})
}

// actionRequest is the POST /scans/{id} body.
type actionRequest struct {
	Action string `json:"action"`
}

// Action handles POST /scans/{id} with action=start|stop.
func (h *ScanHandler) Action(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, r, "invalid scan id")
		return
	}

	var req actionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	switch req.Action {
	case "start":
		err = h.coordinator.Start(r.Context(), id)
	case "stop":
		err = h.coordinator.Cancel(r.Context(), id)
	default:
		ErrBadRequest(w, r, `action must be "start" or "stop"`)
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"scan_id": id, "action": req.Action})
}

// Status handles GET /scans/{id}/status: aggregate state plus per-agent
// rollup.
func (h *ScanHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, r, "invalid scan id")
		return
	}
	report, err := h.coordinator.Status(r.Context(), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

// Results handles GET /scans/{id}/results?range=a-b.
func (h *ScanHandler) Results(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, r, "invalid scan id")
		return
	}

	opts, ok := parseRange(w, r)
	if !ok {
		return
	}
	page, err := h.coordinator.Results(r.Context(), id, opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, page)
}

// Delete handles DELETE /scans/{id}: cascade-deletes the scan with its jobs
// and results.
func (h *ScanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, r, "invalid scan id")
		return
	}
	if err := h.coordinator.Delete(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}
	NoContent(w)
}

// Preferences handles GET /scans/preferences: the enumerated scanner
// preference catalog.
func (h *ScanHandler) Preferences(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"scanner_preferences": scan.PreferencesCatalog()})
}

// parseRange reads the "range=a-b" query parameter (inclusive, zero-based)
// into list options. Writes a 400 and returns ok=false on a malformed range.
func parseRange(w http.ResponseWriter, r *http.Request) (repositories.ListOptions, bool) {
	raw := r.URL.Query().Get("range")
	if raw == "" {
		return repositories.ListOptions{Limit: defaultResultPageSize}, true
	}

	a, b, found := strings.Cut(raw, "-")
	lo, err1 := strconv.Atoi(a)
	hi, err2 := strconv.Atoi(b)
	if !found || err1 != nil || err2 != nil || lo < 0 || hi < lo {
		ErrBadRequest(w, r, "range must be of the form a-b with 0 <= a <= b")
		return repositories.ListOptions{}, false
	}
	return repositories.ListOptions{Offset: lo, Limit: hi - lo + 1}, true
}

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetscan-io/fleetscan/internal/agentconfig"
	"github.com/fleetscan-io/fleetscan/internal/auth"
	"github.com/fleetscan-io/fleetscan/internal/dispatch"
	"github.com/fleetscan-io/fleetscan/internal/events"
	"github.com/fleetscan-io/fleetscan/internal/ingest"
	"github.com/fleetscan-io/fleetscan/internal/metrics"
	"github.com/fleetscan-io/fleetscan/internal/registry"
	"github.com/fleetscan-io/fleetscan/internal/scan"
)

// requestTimeout is the per-request deadline applied to all surfaces except
// the admin events stream (which is long-lived).
const requestTimeout = 30 * time.Second

// RouterConfig holds all dependencies needed to build the HTTP router. It
// is populated in main after all components are constructed.
type RouterConfig struct {
	Registry    *registry.Service
	Coordinator *scan.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Ingestor    *ingest.Ingestor
	Configs     *agentconfig.Service
	Hub         *events.Hub
	Database    *gorm.DB
	Logger      *zap.Logger

	// Tokens verifies agent bearer tokens on the agent surface.
	Tokens *auth.TokenManager

	// AdminKey guards the admin surface. Required.
	AdminKey auth.APIKey

	// ScannerKey guards the scanner surface. Optional: the zero value
	// leaves the surface open for deployments where the upstream manager
	// is authenticated by mutual TLS instead.
	ScannerKey auth.APIKey

	// Installers is the configured installer catalog, possibly empty.
	Installers []Installer
}

// NewRouter builds the fully configured chi router with all three surfaces,
// and returns the health handler so main can flip the started probe after
// startup completes.
func NewRouter(cfg RouterConfig) (http.Handler, *HealthHandler) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	scanHandler := NewScanHandler(cfg.Coordinator, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Registry, cfg.Dispatcher, cfg.Ingestor, cfg.Configs, cfg.Logger)
	adminHandler := NewAdminHandler(cfg.Registry, cfg.Configs, cfg.Hub, cfg.Installers, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.Database)

	// --- Health probes (unauthenticated) ---
	r.Route("/health", func(r chi.Router) {
		r.Use(RequestLogger(cfg.Logger, "health"))
		r.Get("/alive", healthHandler.Alive)
		r.Get("/ready", healthHandler.Ready)
		r.Get("/started", healthHandler.Started)
	})

	// --- Scanner surface (upstream manager) ---
	r.Group(func(r chi.Router) {
		r.Use(RequestLogger(cfg.Logger, "scanner"))
		r.Use(middleware.Timeout(requestTimeout))
		if cfg.ScannerKey.Configured() {
			r.Use(RequireAPIKey(cfg.ScannerKey))
		}

		r.Post("/scans", scanHandler.Create)
		r.Get("/scans/preferences", scanHandler.Preferences)
		r.Post("/scans/{id}", scanHandler.Action)
		r.Get("/scans/{id}/status", scanHandler.Status)
		r.Get("/scans/{id}/results", scanHandler.Results)
		r.Delete("/scans/{id}", scanHandler.Delete)
	})

	r.Route("/api/v1", func(r chi.Router) {

		// --- Agent surface (bearer token + X-Agent-ID) ---
		r.Route("/agents", func(r chi.Router) {
			r.Use(RequestLogger(cfg.Logger, "agent"))
			r.Use(middleware.Timeout(requestTimeout))
			r.Use(RequireAgentToken(cfg.Tokens))

			r.Post("/heartbeat", agentHandler.Heartbeat)
			r.Get("/config", agentHandler.Config)
			r.Get("/jobs", agentHandler.Jobs)
			r.Post("/jobs/{id}/results", agentHandler.Results)
			r.Post("/jobs/{id}/complete", agentHandler.Complete)
			r.Get("/updates", agentHandler.Updates)
		})

		// --- Admin surface (X-API-KEY) ---
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequestLogger(cfg.Logger, "admin"))
			r.Use(RequireAPIKey(cfg.AdminKey))

			// The events stream must not be subject to the request
			// timeout; everything else is.
			r.Get("/events", adminHandler.Events)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(requestTimeout))

				r.Get("/agents", adminHandler.ListAgents)
				r.Patch("/agents", adminHandler.BulkUpdateAgents)
				r.Post("/agents/delete", adminHandler.DeleteAgents)
				r.Put("/agents/{id}/config", adminHandler.SetAgentConfigOverride)

				r.Get("/scan-agent-config", adminHandler.GetConfig)
				r.Put("/scan-agent-config", adminHandler.PutConfig)

				r.Get("/installers", adminHandler.Installers)
			})
		})
	})

	// --- Prometheus (admin key) ---
	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(cfg.AdminKey))
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	return r, healthHandler
}

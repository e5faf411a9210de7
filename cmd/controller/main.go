// Command controller runs the FleetScan controller: the central server that
// brokers between the upstream vulnerability manager and the endpoint scan
// agent fleet.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetscan-io/fleetscan/internal/agentconfig"
	"github.com/fleetscan-io/fleetscan/internal/api"
	"github.com/fleetscan-io/fleetscan/internal/auth"
	"github.com/fleetscan-io/fleetscan/internal/db"
	"github.com/fleetscan-io/fleetscan/internal/dispatch"
	"github.com/fleetscan-io/fleetscan/internal/events"
	"github.com/fleetscan-io/fleetscan/internal/ingest"
	"github.com/fleetscan-io/fleetscan/internal/registry"
	"github.com/fleetscan-io/fleetscan/internal/repositories"
	"github.com/fleetscan-io/fleetscan/internal/scan"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const tokenIssuer = "fleetscan-controller"

type config struct {
	httpAddr    string
	dbDriver    string
	dbDSN       string
	adminAPIKey string
	scannerKey  string
	tokenSecret string
	tlsCert     string
	tlsKey      string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fleetscan-controller",
		Short: "FleetScan controller — coordinates host-based vulnerability scanning",
		Long: `The FleetScan controller brokers between an upstream vulnerability
manager and a fleet of endpoint scan agents behind NAT. Agents poll for
work over HTTPS; the manager creates scans and consumes aggregated
results; operators authorize agents and manage the fleet configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))
	root.AddCommand(newAgentTokenCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("FLEETSCAN_HTTP_ADDR", ":8443"), "HTTP listen address for all three surfaces")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLEETSCAN_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLEETSCAN_DB_DSN", "./fleetscan.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.adminAPIKey, "admin-api-key", envOrDefault("FLEETSCAN_ADMIN_API_KEY", ""), "API key for the admin surface (required)")
	root.PersistentFlags().StringVar(&cfg.scannerKey, "scanner-api-key", envOrDefault("FLEETSCAN_SCANNER_API_KEY", ""), "API key for the scanner surface (optional, open when unset)")
	root.PersistentFlags().StringVar(&cfg.tokenSecret, "agent-token-secret", envOrDefault("FLEETSCAN_AGENT_TOKEN_SECRET", ""), "HMAC secret for agent bearer tokens (required)")
	root.PersistentFlags().StringVar(&cfg.tlsCert, "tls-cert", envOrDefault("FLEETSCAN_TLS_CERT", ""), "TLS certificate file (TLS enabled when cert and key are set)")
	root.PersistentFlags().StringVar(&cfg.tlsKey, "tls-key", envOrDefault("FLEETSCAN_TLS_KEY", ""), "TLS private key file")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLEETSCAN_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetscan-controller %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			// db.New applies pending migrations as part of opening.
			_, err = db.New(db.Config{
				Driver:   cfg.dbDriver,
				DSN:      cfg.dbDSN,
				Logger:   logger,
				LogLevel: gormlogger.Warn,
			})
			return err
		},
	}
}

func newAgentTokenCmd(cfg *config) *cobra.Command {
	var (
		agentID string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "agent-token",
		Short: "Mint a bearer token for provisioning an agent",
		Long: `Mints an HMAC-signed bearer token for the agent surface. With --agent-id
the token is bound to that agent; without it, a fleet-wide enrollment
token is produced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := auth.NewTokenManager(cfg.tokenSecret, tokenIssuer)
			if err != nil {
				return fmt.Errorf("agent token secret is required — set --agent-token-secret or FLEETSCAN_AGENT_TOKEN_SECRET")
			}

			var bound *uuid.UUID
			if agentID != "" {
				id, err := uuid.Parse(agentID)
				if err != nil {
					return fmt.Errorf("invalid --agent-id: %w", err)
				}
				bound = &id
			}

			token, err := tokens.Mint(bound, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent-id", "", "Bind the token to one agent UUID")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token validity (default 1 year)")
	return cmd
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.adminAPIKey == "" {
		return fmt.Errorf("admin API key is required — set --admin-api-key or FLEETSCAN_ADMIN_API_KEY")
	}
	tokens, err := auth.NewTokenManager(cfg.tokenSecret, tokenIssuer)
	if err != nil {
		return fmt.Errorf("agent token secret is required — set --agent-token-secret or FLEETSCAN_AGENT_TOKEN_SECRET")
	}

	logger.Info("starting fleetscan controller",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.Bool("tls", cfg.tlsCert != "" && cfg.tlsKey != ""),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	agentRepo := repositories.NewAgentRepository(database)
	scanRepo := repositories.NewScanRepository(database)
	jobRepo := repositories.NewJobRepository(database)
	resultRepo := repositories.NewResultRepository(database)
	configRepo := repositories.NewConfigRepository(database)

	hub := events.NewHub()
	go hub.Run(ctx)

	configs := agentconfig.NewService(configRepo, agentRepo, logger)
	if err := configs.EnsureDefault(ctx); err != nil {
		return err
	}

	coordinator := scan.NewCoordinator(scanRepo, jobRepo, resultRepo, agentRepo, hub, logger)
	dispatcher := dispatch.NewDispatcher(jobRepo, agentRepo, configs, coordinator, hub, logger)
	ingestor := ingest.NewIngestor(jobRepo, resultRepo, agentRepo, dispatcher, coordinator, logger)

	reg := registry.NewService(agentRepo, configs, hub, logger)
	reg.SetJobCanceler(dispatcher)

	// Re-derive every non-terminal scan's counters before serving traffic,
	// so a crash between a job transition and its counter update cannot
	// leave stale numbers.
	if err := coordinator.Recount(ctx); err != nil {
		return err
	}

	monitor := registry.NewMonitor(agentRepo, configs, reg, logger)
	reclaimer := dispatch.NewReclaimer(dispatcher, logger)
	if err := startBackgroundJobs(ctx, monitor, reclaimer, logger); err != nil {
		return err
	}

	router, health := api.NewRouter(api.RouterConfig{
		Registry:    reg,
		Coordinator: coordinator,
		Dispatcher:  dispatcher,
		Ingestor:    ingestor,
		Configs:     configs,
		Hub:         hub,
		Database:    database,
		Logger:      logger,
		Tokens:      tokens,
		AdminKey:    auth.NewAPIKey(cfg.adminAPIKey),
		ScannerKey:  auth.NewAPIKey(cfg.scannerKey),
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.tlsCert != "" && cfg.tlsKey != "" {
			err = server.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
		} else {
			logger.Warn("TLS cert/key not configured, serving plain HTTP — use a TLS-terminating proxy in production")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	health.MarkStarted()
	logger.Info("fleetscan controller started")

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down fleetscan controller")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// startBackgroundJobs schedules the liveness monitor (60s) and the job
// reclaimer (30s) on a gocron scheduler tied to ctx.
func startBackgroundJobs(ctx context.Context, monitor *registry.Monitor, reclaimer *dispatch.Reclaimer, logger *zap.Logger) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(60*time.Second),
		gocron.NewTask(func() {
			if err := monitor.Sweep(ctx); err != nil {
				logger.Error("liveness sweep failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule liveness monitor: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() {
			if err := reclaimer.Sweep(ctx); err != nil {
				logger.Error("reclaimer sweep failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule reclaimer: %w", err)
	}

	scheduler.Start()
	go func() {
		<-ctx.Done()
		_ = scheduler.Shutdown()
	}()
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

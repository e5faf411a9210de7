// Package db owns the persistence layer of the FleetScan controller: the
// GORM models, the connection setup for SQLite and PostgreSQL, and the
// embedded schema migrations.
//
// SQLite uses the modernc pure-Go driver so the controller binary builds
// without CGO; PostgreSQL is for multi-instance deployments.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers the modernc driver as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres pool sizing. SQLite is pinned to a single connection instead,
// since it allows only one writer.
const (
	pgMaxOpenConns    = 25
	pgMaxIdleConns    = 5
	pgConnMaxLifetime = 30 * time.Minute
)

// Config selects and configures the database backend. An empty Driver means
// sqlite.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens the database, brings the schema up to date, and returns a ready
// *gorm.DB. The schema version is checked on every start, so a controller
// never serves requests against stale tables.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("db: logger is required")
	}

	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		driver   string
	)
	switch cfg.Driver {
	case "sqlite", "":
		driver = "sqlite"
		database, sqlDB, err = openSQLite(cfg.DSN, gormCfg)
	case "postgres":
		driver = "postgres"
		database, sqlDB, err = openPostgres(cfg.DSN, gormCfg)
	default:
		return nil, fmt.Errorf("db: unknown driver %q (want sqlite or postgres)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrateUp(sqlDB, driver); err != nil {
		return nil, fmt.Errorf("db: migrate: %w", err)
	}
	cfg.Logger.Info("database ready", zap.String("driver", driver))

	return database, nil
}

// openSQLite opens the DSN through database/sql with the modernc driver and
// hands the live *sql.DB to GORM. GORM's sqlite dialector would otherwise
// dial go-sqlite3, which needs CGO.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	// One writer at a time; more connections just queue on the file lock.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: attach gorm to sqlite: %w", err)
	}
	return database, sqlDB, nil
}

func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open postgres: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("db: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(pgMaxOpenConns)
	sqlDB.SetMaxIdleConns(pgMaxIdleConns)
	sqlDB.SetConnMaxLifetime(pgConnMaxLifetime)
	return database, sqlDB, nil
}

// Ping reports whether the database answers. Backs the /health/ready probe.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// migrateUp applies pending up-migrations from the embedded SQL files.
// An already current schema is not an error.
func migrateUp(sqlDB *sql.DB, driver string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, driver, drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, driver, drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetscan-io/fleetscan/internal/db"
)

// newTestDB opens a fresh in-memory SQLite database with all migrations
// applied. Each test gets its own database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

func seedAgent(t *testing.T, database *gorm.DB, agent *db.Agent) {
	t.Helper()
	require.NoError(t, NewAgentRepository(database).Create(context.Background(), agent))
}

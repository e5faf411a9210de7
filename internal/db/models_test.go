package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// TestEmbeddedBaseFieldsArePersisted guards the exported Base embed: with an
// unexported embed GORM omits id/created_at/updated_at from the INSERT and
// every create dies on the schema's NOT NULL constraints.
func TestEmbeddedBaseFieldsArePersisted(t *testing.T) {
	database, err := New(Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	scan := Scan{
		Status:    ScanQueued,
		StartTime: time.Now().UTC(),
		VTs:       "[]",
		Agents:    "[]",
		Targets:   "[]",
	}
	require.NoError(t, database.Create(&scan).Error)
	assert.NotEqual(t, uuid.UUID{}, scan.ID)
	assert.False(t, scan.CreatedAt.IsZero())
	assert.False(t, scan.UpdatedAt.IsZero())

	job := Job{
		ScanID:  scan.ID,
		AgentID: uuid.New(),
		Config:  "{}",
	}
	require.NoError(t, database.Create(&job).Error)
	assert.NotEqual(t, uuid.UUID{}, job.ID)
	assert.False(t, job.CreatedAt.IsZero())

	result := Result{
		ScanID:      scan.ID,
		JobID:       job.ID,
		AgentID:     job.AgentID,
		NVTOID:      "1.3.6.1.4.1.25623.1.0.100151",
		NVTSeverity: 7.5,
		Host:        "192.0.2.1",
		Threat:      "High",
	}
	require.NoError(t, database.Create(&result).Error)
	assert.NotEqual(t, uuid.UUID{}, result.ID)
	assert.False(t, result.CreatedAt.IsZero())

	// Round-trip: the columns really landed in the table.
	var loaded Scan
	require.NoError(t, database.First(&loaded, "id = ?", scan.ID).Error)
	assert.Equal(t, scan.ID, loaded.ID)
	assert.Equal(t, scan.CreatedAt.Unix(), loaded.CreatedAt.Unix())
}

func TestJobCanTransition(t *testing.T) {
	assert.True(t, JobCanTransition(JobQueued, JobAssigned))
	assert.True(t, JobCanTransition(JobAssigned, JobRunning))
	assert.True(t, JobCanTransition(JobRunning, JobQueued))
	assert.False(t, JobCanTransition(JobQueued, JobRunning))
	assert.False(t, JobCanTransition(JobCompleted, JobQueued))
	assert.False(t, JobCanTransition(JobCanceled, JobRunning))
}

package agentconfig

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetscan-io/fleetscan/internal/validation"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"top level", `{"heartbeat":{"interval_in_seconds":600,"miss_until_inactive":1},"retry":{"attempts":5,"delay_in_seconds":60,"max_jitter_in_seconds":30},"executor":{"bulk_size":10,"bulk_throttle_time_in_ms":1000,"scheduler_cron":[]},"surprise":true}`},
		{"nested", `{"heartbeat":{"interval_in_seconds":600,"miss_until_inactive":1,"color":"red"},"retry":{"attempts":5,"delay_in_seconds":60,"max_jitter_in_seconds":30},"executor":{"bulk_size":10,"bulk_throttle_time_in_ms":1000,"scheduler_cron":[]}}`},
		{"trailing data", `{"heartbeat":{"interval_in_seconds":600,"miss_until_inactive":1},"retry":{"attempts":5,"delay_in_seconds":60,"max_jitter_in_seconds":30},"executor":{"bulk_size":10,"bulk_throttle_time_in_ms":1000,"scheduler_cron":[]}} {"more":1}`},
		{"not json", `interval=600`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			var verr *validation.Error
			require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
		})
	}
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"interval below minimum", func(c *Config) { c.Heartbeat.IntervalInSeconds = 59 }, "heartbeat.interval_in_seconds"},
		{"negative miss", func(c *Config) { c.Heartbeat.MissUntilInactive = -1 }, "heartbeat.miss_until_inactive"},
		{"zero retry attempts", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
		{"zero retry delay", func(c *Config) { c.Retry.DelayInSeconds = 0 }, "retry.delay_in_seconds"},
		{"negative jitter", func(c *Config) { c.Retry.MaxJitterInSeconds = -5 }, "retry.max_jitter_in_seconds"},
		{"zero bulk size", func(c *Config) { c.Executor.BulkSize = 0 }, "executor.bulk_size"},
		{"negative throttle", func(c *Config) { c.Executor.BulkThrottleTimeInMs = -1 }, "executor.bulk_throttle_time_in_ms"},
		{"bad cron", func(c *Config) { c.Executor.SchedulerCron = []string{"not a cron"} }, "executor.scheduler_cron[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()

			var verr *validation.Error
			require.True(t, errors.As(err, &verr))
			require.Len(t, verr.Issues, 1)
			assert.Equal(t, tt.field, verr.Issues[0].Field)
		})
	}
}

func TestValidateCollectsAllIssues(t *testing.T) {
	cfg := Default()
	cfg.Heartbeat.IntervalInSeconds = 10
	cfg.Retry.Attempts = 0
	cfg.Executor.BulkSize = 0

	err := cfg.Validate()
	var verr *validation.Error
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Issues, 3)
}

func TestPatchApply(t *testing.T) {
	interval := 120
	bulk := 25
	patch := Patch{
		Heartbeat: &HeartbeatPatch{IntervalInSeconds: &interval},
		Executor:  &ExecutorPatch{BulkSize: &bulk},
	}

	merged, err := patch.Apply(Default())
	require.NoError(t, err)

	assert.Equal(t, 120, merged.Heartbeat.IntervalInSeconds)
	assert.Equal(t, 25, merged.Executor.BulkSize)
	// Untouched sections keep the base values.
	assert.Equal(t, Default().Heartbeat.MissUntilInactive, merged.Heartbeat.MissUntilInactive)
	assert.Equal(t, Default().Retry, merged.Retry)
}

func TestPatchApplyRejectsOutOfBoundsResult(t *testing.T) {
	interval := 30
	patch := Patch{Heartbeat: &HeartbeatPatch{IntervalInSeconds: &interval}}

	_, err := patch.Apply(Default())
	var verr *validation.Error
	require.True(t, errors.As(err, &verr))
}

func TestParsePatchStrictSchema(t *testing.T) {
	_, err := ParsePatch([]byte(`{"heartbeat":{"interval_seconds":120}}`))
	var verr *validation.Error
	require.True(t, errors.As(err, &verr))

	p, err := ParsePatch([]byte(`{"heartbeat":{"interval_in_seconds":120}}`))
	require.NoError(t, err)
	require.NotNil(t, p.Heartbeat)
	assert.Equal(t, 120, *p.Heartbeat.IntervalInSeconds)
	assert.Nil(t, p.Retry)
}

func TestCanonicalMarshalRoundTrip(t *testing.T) {
	raw, err := json.Marshal(Default())
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, Default(), parsed)
}

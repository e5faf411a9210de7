// Package agentconfig implements the versioned scan agent configuration: a
// single global config whose version only moves forward, plus per-agent
// overrides. Agents learn about new versions through the config_updated flag
// in heartbeat responses and then pull the merged snapshot.
package agentconfig

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/fleetscan-io/fleetscan/internal/validation"
)

// Config is the full scan agent configuration. The schema is strict: the
// enumerated keys below are the only ones accepted, anywhere in the tree.
type Config struct {
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Retry     RetryConfig     `json:"retry"`
	Executor  ExecutorConfig  `json:"executor"`
}

// HeartbeatConfig controls how often agents check in and how forgiving the
// liveness monitor is.
type HeartbeatConfig struct {
	IntervalInSeconds int `json:"interval_in_seconds"`
	MissUntilInactive int `json:"miss_until_inactive"`
}

// RetryConfig controls how agents retry failed controller requests.
type RetryConfig struct {
	Attempts           int `json:"attempts"`
	DelayInSeconds     int `json:"delay_in_seconds"`
	MaxJitterInSeconds int `json:"max_jitter_in_seconds"`
}

// ExecutorConfig controls job claiming and result batching on the agent.
type ExecutorConfig struct {
	BulkSize             int      `json:"bulk_size"`
	BulkThrottleTimeInMs int      `json:"bulk_throttle_time_in_ms"`
	SchedulerCron        []string `json:"scheduler_cron"`
}

// Default returns the configuration seeded as version 1 on first startup.
func Default() Config {
	return Config{
		Heartbeat: HeartbeatConfig{
			IntervalInSeconds: 600,
			MissUntilInactive: 1,
		},
		Retry: RetryConfig{
			Attempts:           5,
			DelayInSeconds:     60,
			MaxJitterInSeconds: 30,
		},
		Executor: ExecutorConfig{
			BulkSize:             10,
			BulkThrottleTimeInMs: 1000,
			SchedulerCron:        []string{"0 23 * * *"},
		},
	}
}

// Parse decodes a full configuration from JSON. Unknown keys at any level
// are rejected, and the decoded config is validated before being returned.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := decodeStrict(raw, &cfg); err != nil {
		verr := &validation.Error{}
		verr.Add("config", err.Error())
		return Config{}, verr
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the documented bounds on every option and checks each
// scheduler cron expression with the standard 5-field parser.
func (c Config) Validate() error {
	verr := &validation.Error{}

	if c.Heartbeat.IntervalInSeconds < 60 {
		verr.Addf("heartbeat.interval_in_seconds", "must be at least 60, got %d", c.Heartbeat.IntervalInSeconds)
	}
	if c.Heartbeat.MissUntilInactive < 0 {
		verr.Addf("heartbeat.miss_until_inactive", "must not be negative, got %d", c.Heartbeat.MissUntilInactive)
	}
	if c.Retry.Attempts < 1 {
		verr.Addf("retry.attempts", "must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Retry.DelayInSeconds < 1 {
		verr.Addf("retry.delay_in_seconds", "must be at least 1, got %d", c.Retry.DelayInSeconds)
	}
	if c.Retry.MaxJitterInSeconds < 0 {
		verr.Addf("retry.max_jitter_in_seconds", "must not be negative, got %d", c.Retry.MaxJitterInSeconds)
	}
	if c.Executor.BulkSize < 1 {
		verr.Addf("executor.bulk_size", "must be at least 1, got %d", c.Executor.BulkSize)
	}
	if c.Executor.BulkThrottleTimeInMs < 0 {
		verr.Addf("executor.bulk_throttle_time_in_ms", "must not be negative, got %d", c.Executor.BulkThrottleTimeInMs)
	}
	for i, expr := range c.Executor.SchedulerCron {
		if _, err := cron.ParseStandard(expr); err != nil {
			verr.Addf(fmt.Sprintf("executor.scheduler_cron[%d]", i), "invalid cron expression %q", expr)
		}
	}

	return verr.Err()
}

// Patch is a partial configuration used for per-agent overrides. Absent
// sections and fields fall through to the global config.
type Patch struct {
	Heartbeat *HeartbeatPatch `json:"heartbeat,omitempty"`
	Retry     *RetryPatch     `json:"retry,omitempty"`
	Executor  *ExecutorPatch  `json:"executor,omitempty"`
}

type HeartbeatPatch struct {
	IntervalInSeconds *int `json:"interval_in_seconds,omitempty"`
	MissUntilInactive *int `json:"miss_until_inactive,omitempty"`
}

type RetryPatch struct {
	Attempts           *int `json:"attempts,omitempty"`
	DelayInSeconds     *int `json:"delay_in_seconds,omitempty"`
	MaxJitterInSeconds *int `json:"max_jitter_in_seconds,omitempty"`
}

type ExecutorPatch struct {
	BulkSize             *int      `json:"bulk_size,omitempty"`
	BulkThrottleTimeInMs *int      `json:"bulk_throttle_time_in_ms,omitempty"`
	SchedulerCron        *[]string `json:"scheduler_cron,omitempty"`
}

// ParsePatch decodes a per-agent override. The schema is as strict as the
// full config; validity of the patched values is only decided once the patch
// is applied to a base config (Apply), since bounds concern effective values.
func ParsePatch(raw []byte) (Patch, error) {
	var p Patch
	if err := decodeStrict(raw, &p); err != nil {
		verr := &validation.Error{}
		verr.Add("config_override", err.Error())
		return Patch{}, verr
	}
	return p, nil
}

// Apply overlays the patch on base and returns the merged config. The result
// is validated so an override can never produce an out-of-bounds effective
// config.
func (p Patch) Apply(base Config) (Config, error) {
	merged := base

	if p.Heartbeat != nil {
		if p.Heartbeat.IntervalInSeconds != nil {
			merged.Heartbeat.IntervalInSeconds = *p.Heartbeat.IntervalInSeconds
		}
		if p.Heartbeat.MissUntilInactive != nil {
			merged.Heartbeat.MissUntilInactive = *p.Heartbeat.MissUntilInactive
		}
	}
	if p.Retry != nil {
		if p.Retry.Attempts != nil {
			merged.Retry.Attempts = *p.Retry.Attempts
		}
		if p.Retry.DelayInSeconds != nil {
			merged.Retry.DelayInSeconds = *p.Retry.DelayInSeconds
		}
		if p.Retry.MaxJitterInSeconds != nil {
			merged.Retry.MaxJitterInSeconds = *p.Retry.MaxJitterInSeconds
		}
	}
	if p.Executor != nil {
		if p.Executor.BulkSize != nil {
			merged.Executor.BulkSize = *p.Executor.BulkSize
		}
		if p.Executor.BulkThrottleTimeInMs != nil {
			merged.Executor.BulkThrottleTimeInMs = *p.Executor.BulkThrottleTimeInMs
		}
		if p.Executor.SchedulerCron != nil {
			merged.Executor.SchedulerCron = *p.Executor.SchedulerCron
		}
	}

	if err := merged.Validate(); err != nil {
		return Config{}, err
	}
	return merged, nil
}

// decodeStrict decodes exactly one JSON value, rejecting unknown fields at
// every nesting level and trailing garbage after the value.
func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected trailing data after JSON value")
	}
	return nil
}

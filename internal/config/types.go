package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown fields are rejected so stale keys are caught early on reload.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Platform  PlatformConfig  `json:"platform"`
	Generator GeneratorConfig `json:"generator,omitempty"`
	Quota     QuotaConfig     `json:"quota"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retry     RetryConfig     `json:"retry,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"` // default ":9187"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	// Driver is "sqlite" (default) or "memory" (tests / dry runs).
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	// BusyTimeout is a Go duration string; sqlite only.
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// CallLogRetention bounds the audit call log; default "720h" (30 days).
	CallLogRetention string `json:"call_log_retention,omitempty"`
}

type PlatformConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	// SelfID is the agent's own account id, used to skip self-mentions.
	SelfID string `json:"self_id,omitempty"`
	// CallTimeout bounds one outbound API call; default "30s".
	CallTimeout string `json:"call_timeout,omitempty"`
	// PacePerSec is a local client-side request pacing limit; default 1.
	PacePerSec int `json:"pace_per_sec,omitempty"`
}

type GeneratorConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token,omitempty"`
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "60s"
	// PromptTemplate builds the prompt for artifacts with no body yet;
	// %s receives the artifact id.
	PromptTemplate string `json:"prompt_template,omitempty"`
}

// QuotaConfig describes the shared daily call budget.
type QuotaConfig struct {
	// DailyLimit is the provider's daily call budget.
	DailyLimit int `json:"daily_limit"`
	// EmergencyRemaining is the hard floor: below this remaining count all
	// work stops regardless of percentage. Default 20.
	EmergencyRemaining int `json:"emergency_remaining,omitempty"`
	// MaxBatch is a hard ceiling on units of work per run, independent of
	// budget. Default 10.
	MaxBatch int `json:"max_batch,omitempty"`
	// CostPerPost is the call cost of one publish unit (generate + post).
	CostPerPost int `json:"cost_per_post,omitempty"`
	// CostPerCheck is the call cost of one poll/monitor unit.
	CostPerCheck int `json:"cost_per_check,omitempty"`
}

type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Berlin"

	BaseIntervalPost     string `json:"base_interval_post,omitempty"`     // default "1h"
	BaseIntervalInteract string `json:"base_interval_interact,omitempty"` // default "30m"
	BaseIntervalMonitor  string `json:"base_interval_monitor,omitempty"`  // default "2h"

	// PeakWindows are local hour ranges to avoid, "HH-HH" with the end hour
	// exclusive, e.g. ["08-10", "18-21"]. A window may wrap midnight ("22-02").
	PeakWindows []string `json:"peak_windows,omitempty"`

	// RunTimeout bounds one whole batch run; default "10m".
	RunTimeout string `json:"run_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"` // default 100
}

type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 3
	BaseDelay   string `json:"base_delay,omitempty"`   // default "2s"
	MaxDelay    string `json:"max_delay,omitempty"`    // default "5m"
	Jitter      string `json:"jitter,omitempty"`       // default "3s"
}

// decodeStrict decodes JSON bytes rejecting unknown fields.
func decodeStrict(b []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields the core cannot default its way around.
func (c *Config) Validate() error {
	if c.Quota.DailyLimit <= 0 {
		return errors.New("quota.daily_limit must be > 0")
	}
	if strings.TrimSpace(c.Platform.BaseURL) == "" {
		return errors.New("platform.base_url is required")
	}
	driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if driver == "" || driver == "sqlite" {
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	}
	if _, err := ParsePeakWindows(c.Scheduler.PeakWindows); err != nil {
		return fmt.Errorf("scheduler.peak_windows: %w", err)
	}
	if t := c.Generator.PromptTemplate; strings.TrimSpace(t) != "" && !strings.Contains(t, "%s") {
		return errors.New("generator.prompt_template must contain a %s for the artifact id")
	}
	return nil
}

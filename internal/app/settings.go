package app

import (
	"fmt"
	"strings"
	"time"

	"herald/internal/backoff"
	"herald/internal/budget"
	"herald/internal/config"
	"herald/internal/scheduler"
)

// settings is the parsed, defaulted runtime view of the config file.
type settings struct {
	loc *time.Location

	alloc  budget.Allocator
	policy backoff.Policy
	peaks  config.PeakWindows

	basePost     time.Duration
	baseInteract time.Duration
	baseMonitor  time.Duration
	runTimeout   time.Duration
	historySize  int

	callTimeout time.Duration
	genTimeout  time.Duration
	busyTimeout time.Duration
	retention   time.Duration
}

func parseSettings(cfg *config.Config) (settings, error) {
	var s settings

	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		s.loc = time.UTC
	} else {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return s, fmt.Errorf("scheduler.timezone: %w", err)
		}
		s.loc = loc
	}

	peaks, err := config.ParsePeakWindows(cfg.Scheduler.PeakWindows)
	if err != nil {
		return s, fmt.Errorf("scheduler.peak_windows: %w", err)
	}
	s.peaks = peaks

	emergency := cfg.Quota.EmergencyRemaining
	if emergency <= 0 {
		emergency = 20
	}
	maxBatch := cfg.Quota.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 10
	}
	s.alloc = budget.Allocator{EmergencyRemaining: emergency, MaxBatch: maxBatch}

	s.policy = backoff.Default()
	if cfg.Retry.MaxAttempts > 0 {
		s.policy.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if s.policy.Base, err = config.ParseDurationOrDefault("retry.base_delay", cfg.Retry.BaseDelay, s.policy.Base); err != nil {
		return s, err
	}
	if s.policy.Max, err = config.ParseDurationOrDefault("retry.max_delay", cfg.Retry.MaxDelay, s.policy.Max); err != nil {
		return s, err
	}
	if s.policy.JitterMax, err = config.ParseDurationOrDefault("retry.jitter", cfg.Retry.Jitter, s.policy.JitterMax); err != nil {
		return s, err
	}

	if s.basePost, err = config.ParseDurationOrDefault("scheduler.base_interval_post", cfg.Scheduler.BaseIntervalPost, time.Hour); err != nil {
		return s, err
	}
	if s.baseInteract, err = config.ParseDurationOrDefault("scheduler.base_interval_interact", cfg.Scheduler.BaseIntervalInteract, 30*time.Minute); err != nil {
		return s, err
	}
	if s.baseMonitor, err = config.ParseDurationOrDefault("scheduler.base_interval_monitor", cfg.Scheduler.BaseIntervalMonitor, 2*time.Hour); err != nil {
		return s, err
	}
	if s.runTimeout, err = config.ParseDurationOrDefault("scheduler.run_timeout", cfg.Scheduler.RunTimeout, 10*time.Minute); err != nil {
		return s, err
	}
	s.historySize = cfg.Scheduler.HistorySize
	if s.historySize <= 0 {
		s.historySize = 100
	}

	if s.callTimeout, err = config.ParseDurationOrDefault("platform.call_timeout", cfg.Platform.CallTimeout, 30*time.Second); err != nil {
		return s, err
	}
	if s.genTimeout, err = config.ParseDurationOrDefault("generator.timeout", cfg.Generator.Timeout, 60*time.Second); err != nil {
		return s, err
	}
	if s.busyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return s, err
	}
	if s.retention, err = config.ParseDurationOrDefault("storage.call_log_retention", cfg.Storage.CallLogRetention, 30*24*time.Hour); err != nil {
		return s, err
	}
	return s, nil
}

func (s settings) loopOptions(base time.Duration) scheduler.Options {
	return scheduler.Options{
		BaseInterval: base,
		RunTimeout:   s.runTimeout,
		Peaks:        s.peaks,
		Location:     s.loc,
		HistorySize:  s.historySize,
	}
}

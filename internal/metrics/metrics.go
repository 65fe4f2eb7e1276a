// Package metrics defines the instrumentation hooks the agent core emits.
package metrics

import "time"

// Metrics receives measurements from the instrumentor and the job loops.
type Metrics interface {
	// RecordCall records one instrumented API call by endpoint and outcome
	// ("ok", "rate_limited", "validation", "transient").
	RecordCall(endpoint, outcome string, took time.Duration)

	// SetQuotaUsage exposes today's counter against the daily limit.
	SetQuotaUsage(used, limit int)

	// RecordBatch records the batch size granted to one job run.
	RecordBatch(job string, size int)

	// RecordSkip records a skipped run by reason
	// ("peak_window", "budget", "reset_wait").
	RecordSkip(job, reason string)

	// RecordRun records the duration and result of one job run.
	RecordRun(job string, took time.Duration, err error)
}

// Noop is a no-op implementation of the Metrics interface.
type Noop struct{}

func (Noop) RecordCall(endpoint, outcome string, took time.Duration) {}
func (Noop) SetQuotaUsage(used, limit int)                           {}
func (Noop) RecordBatch(job string, size int)                        {}
func (Noop) RecordSkip(job, reason string)                           {}
func (Noop) RecordRun(job string, took time.Duration, err error)     {}

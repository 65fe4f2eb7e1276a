// Package budget decides whether work may proceed right now and how large a
// unit of work is safe, given the current usage snapshot. Everything here is
// a pure function of its inputs.
package budget

import (
	"math"
	"time"

	"herald/internal/ledger"
)

const (
	// denyPercent is the soft ceiling: at or above this share of the daily
	// limit no new work starts.
	denyPercent = 0.90
	// batchMargin keeps a 20% conservative margin when sizing batches.
	batchMargin = 0.80
)

// Decision is the allocator's answer for one prospective run.
type Decision struct {
	CanProceed  bool
	Remaining   int
	PercentUsed float64
	BatchSize   int
}

// Allocator holds the configured bounds. The zero value denies everything;
// use sensible config (EmergencyRemaining 20, MaxBatch 10) in production.
type Allocator struct {
	// EmergencyRemaining is a hard floor independent of percentage, so
	// small-limit deployments are protected even when percentUsed is low.
	EmergencyRemaining int
	// MaxBatch is the hard batch ceiling independent of budget.
	MaxBatch int
}

// Check sizes one run against the snapshot. costPerUnit is the number of
// calls one unit of work consumes (e.g. generate+post = 2).
func (a Allocator) Check(s ledger.Snapshot, costPerUnit int) Decision {
	if costPerUnit <= 0 {
		costPerUnit = 1
	}
	d := Decision{
		Remaining:   s.Remaining(),
		PercentUsed: s.PercentUsed(),
	}
	if d.PercentUsed >= denyPercent || d.Remaining <= a.EmergencyRemaining {
		return d
	}
	d.CanProceed = true

	size := int(math.Floor(float64(d.Remaining) / float64(costPerUnit) * batchMargin))
	if size < 1 {
		size = 1
	}
	if a.MaxBatch > 0 && size > a.MaxBatch {
		size = a.MaxBatch
	}
	d.BatchSize = size
	return d
}

// Interval adapts a job's polling cadence to usage pressure: light usage
// shortens the interval for more throughput, heavy usage backs off.
func (a Allocator) Interval(base time.Duration, percentUsed float64) time.Duration {
	switch {
	case percentUsed > 0.80:
		return 4 * base
	case percentUsed > 0.60:
		return 2 * base
	case percentUsed < 0.40:
		d := time.Duration(float64(base) * 0.75)
		if d < 5*time.Minute {
			d = 5 * time.Minute
		}
		if d > base {
			d = base
		}
		return d
	default:
		return base
	}
}

// Package backoff decides whether and when a failed call is retried.
// A provider-declared reset time always wins over computed backoff.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// resetBuffer pads a provider-declared reset instant so the retry lands
// just after the window actually opens.
const resetBuffer = time.Second

// Policy computes retry delays. The zero value is unusable; use Default()
// or fill every field.
type Policy struct {
	// MaxAttempts caps attempts within one pass (first try included).
	// Beyond it the work item is dropped for this cycle and picked up on
	// the next scheduled pass.
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	// JitterMax bounds the random jitter added to computed delays, to
	// avoid synchronized retry storms across job types.
	JitterMax time.Duration

	// rnd is injectable for tests; nil means the package-level locked rand.
	rnd func() float64
}

func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        2 * time.Second,
		Factor:      2.0,
		Max:         5 * time.Minute,
		JitterMax:   3 * time.Second,
	}
}

// Exhausted reports whether attempt (1-based) used up the budget for this pass.
func (p Policy) Exhausted(attempt int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = 3
	}
	return attempt >= max
}

// Delay returns how long to wait before retrying after the given attempt
// (1-based). If the failure carried a provider reset instant, the delay is
// reset-now+buffer regardless of the attempt number.
func (p Policy) Delay(attempt int, reset *time.Time, now time.Time) time.Duration {
	if reset != nil && !reset.IsZero() {
		d := reset.Sub(now) + resetBuffer
		if d < resetBuffer {
			d = resetBuffer
		}
		return d
	}

	base := p.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2.0
	}
	maxD := p.Max
	if maxD <= 0 {
		maxD = 5 * time.Minute
	}

	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * factor)
		if d > maxD {
			d = maxD
			break
		}
	}
	if p.JitterMax > 0 {
		d += time.Duration(p.rand() * float64(p.JitterMax))
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func (p Policy) rand() float64 {
	if p.rnd != nil {
		return p.rnd()
	}
	return lockedFloat64()
}

var rngMu sync.Mutex

func lockedFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rand.Float64()
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/budget"
	"herald/internal/clock"
	"herald/internal/config"
	"herald/internal/ledger"
	"herald/internal/metrics"
	logx "herald/pkg/logx"
)

// State of one job loop.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Job is one periodic unit of the agent. Run performs up to batchSize units
// of work; a non-nil error means the run itself failed systemically (the
// call path is broken), not that single items failed — item failures are
// the job's own business and never abort the batch.
type Job interface {
	Name() string
	CostPerUnit() int
	Run(ctx context.Context, batchSize int) error
}

// Options tunes one loop. Zero fields get defaults.
type Options struct {
	BaseInterval time.Duration // nominal cadence before adaptation
	RunTimeout   time.Duration // bound on one whole run; default 10m
	StartDelay   time.Duration // delay before the first run; default 5s

	// PeakRetryDelay reschedules runs that land inside a peak window.
	PeakRetryDelay time.Duration // default 30m
	// SystemicRetryDelay reschedules after a systemic run failure; fixed,
	// because usage state cannot be trusted at that point.
	SystemicRetryDelay time.Duration // default 15m

	Peaks       config.PeakWindows
	Location    *time.Location
	HistorySize int // default 100
}

func (o Options) withDefaults() Options {
	if o.BaseInterval <= 0 {
		o.BaseInterval = time.Hour
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 10 * time.Minute
	}
	if o.StartDelay <= 0 {
		o.StartDelay = 5 * time.Second
	}
	if o.PeakRetryDelay <= 0 {
		o.PeakRetryDelay = 30 * time.Minute
	}
	if o.SystemicRetryDelay <= 0 {
		o.SystemicRetryDelay = 15 * time.Minute
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 100
	}
	return o
}

// RunRecord is one entry in a loop's history ring.
type RunRecord struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Batch    int
	Skipped  string // skip reason; empty when the run executed
	Error    string
	Next     time.Duration // delay chosen for the following run
}

// Loop drives one job. Create with New, then call Run on its own goroutine;
// it returns when ctx is cancelled (the only way out).
type Loop struct {
	job Job
	led *ledger.Ledger
	log logx.Logger
	met metrics.Metrics
	clk clock.Clock

	wake chan struct{}

	mu    sync.Mutex
	opt   Options
	alloc budget.Allocator
	state State

	hmu     sync.Mutex
	history []RunRecord
}

func New(job Job, led *ledger.Ledger, alloc budget.Allocator, opt Options, log logx.Logger, met metrics.Metrics, clk clock.Clock) *Loop {
	if met == nil {
		met = metrics.Noop{}
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Loop{
		job:   job,
		led:   led,
		log:   log.With(logx.String("job", job.Name())),
		met:   met,
		clk:   clk,
		wake:  make(chan struct{}, 1),
		opt:   opt.withDefaults(),
		alloc: alloc,
	}
}

// Apply swaps allocator bounds and loop options on config reload.
func (l *Loop) Apply(alloc budget.Allocator, opt Options) {
	l.mu.Lock()
	l.alloc = alloc
	l.opt = opt.withDefaults()
	l.mu.Unlock()
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// History returns a copy of the run history, oldest first.
func (l *Loop) History() []RunRecord {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	return append([]RunRecord(nil), l.history...)
}

// Trigger requests an immediate tick. A trigger arriving while the loop is
// Running is dropped, not queued; it reports whether the tick was accepted.
func (l *Loop) Trigger() bool {
	l.mu.Lock()
	running := l.state == StateRunning
	l.mu.Unlock()
	if running {
		return false
	}
	select {
	case l.wake <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run blocks until ctx is done, executing ticks separated by adaptive
// delays. Cancelling ctx stops the pending timer; an in-flight run sees its
// context cancelled and winds down.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	delay := l.opt.StartDelay
	l.mu.Unlock()

	for {
		timer := l.clk.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.mu.Lock()
			l.state = StateStopped
			l.mu.Unlock()
			l.log.Info("loop stopped")
			return nil
		case <-timer.C():
		case <-l.wake:
			timer.Stop()
		}
		delay = l.tick(ctx)
		l.log.Debug("next run scheduled", logx.Duration("delay", delay))
	}
}

// tick performs one scheduling pass and returns the delay until the next.
func (l *Loop) tick(ctx context.Context) time.Duration {
	l.mu.Lock()
	if l.state == StateRunning {
		// Cannot happen from the loop goroutine itself; guards external
		// triggers racing a timer fire.
		l.mu.Unlock()
		return l.opt.SystemicRetryDelay
	}
	l.state = StateRunning
	opt := l.opt
	alloc := l.alloc
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.state == StateRunning {
			l.state = StateIdle
		}
		l.mu.Unlock()
	}()

	rec := RunRecord{ID: uuid.NewString(), Started: l.clk.Now()}
	now := l.clk.Now().In(opt.Location)

	// 1. Peak calendar: defer work inside configured windows, no quota spent.
	if opt.Peaks.Contains(now) {
		l.met.RecordSkip(l.job.Name(), "peak_window")
		l.log.Debug("run skipped: peak window", logx.Int("hour", now.Hour()))
		return l.finish(rec, "peak_window", opt.PeakRetryDelay)
	}

	// 2. Usage snapshot. Failure here is systemic: usage state cannot be
	// trusted, so fall back to the fixed retry delay.
	snap, err := l.led.Snapshot(ctx)
	if err != nil {
		rec.Error = err.Error()
		l.log.Error("usage snapshot failed", logx.Err(err))
		return l.finish(rec, "snapshot_error", opt.SystemicRetryDelay)
	}

	// 3. Honor a provider-declared reset: no calls before it elapses.
	if snap.ResetTime != nil && now.Before(*snap.ResetTime) {
		wait := snap.ResetTime.Sub(now) + time.Second
		l.met.RecordSkip(l.job.Name(), "reset_wait")
		l.log.Info("run skipped: waiting for rate-limit reset",
			logx.Time("reset", *snap.ResetTime))
		return l.finish(rec, "reset_wait", wait)
	}

	// 4. Budget gate.
	dec := alloc.Check(snap, l.job.CostPerUnit())
	if !dec.CanProceed {
		l.met.RecordSkip(l.job.Name(), "budget")
		l.log.Info("run skipped: budget exhausted",
			logx.Int("remaining", dec.Remaining),
			logx.Float64("percent_used", dec.PercentUsed))
		return l.finish(rec, "budget", alloc.Interval(opt.BaseInterval, dec.PercentUsed))
	}

	// 5. Do the work, bounded.
	rec.Batch = dec.BatchSize
	l.met.RecordBatch(l.job.Name(), dec.BatchSize)
	runCtx, cancel := context.WithTimeout(ctx, opt.RunTimeout)
	err = l.job.Run(runCtx, dec.BatchSize)
	cancel()
	rec.Duration = l.clk.Now().Sub(rec.Started)
	l.met.RecordRun(l.job.Name(), rec.Duration, err)

	if err != nil {
		rec.Error = err.Error()
		l.log.Warn("run failed", logx.Err(err), logx.Duration("dur", rec.Duration))
		return l.finish(rec, "", opt.SystemicRetryDelay)
	}

	// 6. Recompute usage so the next interval reflects what this run spent.
	pct := dec.PercentUsed
	if snap, err := l.led.Snapshot(ctx); err == nil {
		pct = snap.PercentUsed()
	}
	l.log.Debug("run completed",
		logx.Int("batch", dec.BatchSize),
		logx.Duration("dur", rec.Duration),
		logx.Float64("percent_used", pct))
	return l.finish(rec, "", alloc.Interval(opt.BaseInterval, pct))
}

func (l *Loop) finish(rec RunRecord, skipped string, next time.Duration) time.Duration {
	rec.Skipped = skipped
	rec.Next = next

	l.mu.Lock()
	size := l.opt.HistorySize
	l.mu.Unlock()

	l.hmu.Lock()
	l.history = append(l.history, rec)
	if len(l.history) > size {
		l.history = l.history[len(l.history)-size:]
	}
	l.hmu.Unlock()
	return next
}

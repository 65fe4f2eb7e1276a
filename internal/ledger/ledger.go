// Package ledger tracks cumulative API usage against the shared daily call
// budget. It is the single source of truth for "how much budget remains".
package ledger

import (
	"context"
	"sync"
	"time"

	"herald/internal/clock"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// Snapshot is a point-in-time view of today's usage.
type Snapshot struct {
	Date       string
	CallsMade  int
	DailyLimit int
	ResetTime  *time.Time
}

func (s Snapshot) Remaining() int {
	r := s.DailyLimit - s.CallsMade
	if r < 0 {
		return 0
	}
	return r
}

func (s Snapshot) PercentUsed() float64 {
	if s.DailyLimit <= 0 {
		return 1
	}
	return float64(s.CallsMade) / float64(s.DailyLimit)
}

// Ledger serializes all usage increments through one mutex: every RecordCall
// from any job loop funnels through here, so the counter never races.
// Today's row is cached and re-read from the store only after a restart or a
// day rollover.
type Ledger struct {
	store storage.Store
	log   logx.Logger
	clk   clock.Clock
	loc   *time.Location

	mu         sync.Mutex
	dailyLimit int
	cur        *storage.UsageRecord
}

func New(store storage.Store, log logx.Logger, clk clock.Clock, loc *time.Location, dailyLimit int) *Ledger {
	if clk == nil {
		clk = clock.System()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		store:      store,
		log:        log,
		clk:        clk,
		loc:        loc,
		dailyLimit: dailyLimit,
	}
}

// SetDailyLimit applies a config change. The current day keeps counting
// against the new limit.
func (l *Ledger) SetDailyLimit(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	l.dailyLimit = n
	if l.cur != nil {
		l.cur.DailyLimit = n
	}
	l.mu.Unlock()
}

// RecordCall appends the audit entry and increments today's counter by one.
// It is called for every instrumented attempt, success or failure; only
// budget-denied work (which never reaches the instrumentor) is free.
// Rate-limit headers on the entry stay on the audit row: routine responses
// carry a future reset instant too, and promoting it here would stall the
// scheduler after every successful call. ResetTime is written only through
// NoteReset, after an actual rate-limited outcome.
func (l *Ledger) RecordCall(ctx context.Context, e storage.CallLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.todayLocked(ctx)
	if err != nil {
		return err
	}
	rec.CallsMade++
	if err := l.store.UpsertUsage(ctx, *rec); err != nil {
		// Counter stays bumped in memory so the in-process view never
		// undercounts; the next successful write persists the max.
		l.log.Error("usage persist failed", logx.Err(err), logx.Int("calls_made", rec.CallsMade))
	}
	if err := l.store.AppendCallLog(ctx, e); err != nil {
		l.log.Warn("call log append failed", logx.Err(err), logx.String("endpoint", e.Endpoint))
	}
	return nil
}

// NoteReset records a provider-declared reset instant for the current day.
func (l *Ledger) NoteReset(ctx context.Context, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.todayLocked(ctx)
	if err != nil {
		l.log.Warn("reset note dropped", logx.Err(err))
		return
	}
	rec.ResetTime = &t
	if err := l.store.UpsertUsage(ctx, *rec); err != nil {
		l.log.Warn("reset persist failed", logx.Err(err))
	}
}

// Snapshot returns today's usage. A fresh day starts at zero.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.todayLocked(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Date:       rec.Date,
		CallsMade:  rec.CallsMade,
		DailyLimit: rec.DailyLimit,
		ResetTime:  rec.ResetTime,
	}, nil
}

// Rollover discards the cached record so the next access re-resolves the
// current day. Used by the housekeeping sweep just after midnight.
func (l *Ledger) Rollover() {
	l.mu.Lock()
	l.cur = nil
	l.mu.Unlock()
}

// todayLocked returns today's record, loading or creating it as needed.
// Caller holds l.mu.
func (l *Ledger) todayLocked(ctx context.Context) (*storage.UsageRecord, error) {
	date := storage.DayKey(l.clk.Now().In(l.loc))
	if l.cur != nil && l.cur.Date == date {
		return l.cur, nil
	}

	// Day rollover or cold start: recover the persisted row if present.
	rec, err := l.store.GetUsage(ctx, date)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &storage.UsageRecord{Date: date, DailyLimit: l.dailyLimit}
	} else if rec.DailyLimit != l.dailyLimit {
		rec.DailyLimit = l.dailyLimit
	}
	if l.cur != nil && l.cur.Date != date {
		l.log.Info("usage day rollover", logx.String("from", l.cur.Date), logx.String("to", date))
	}
	l.cur = rec
	return l.cur, nil
}

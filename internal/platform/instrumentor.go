package platform

import (
	"context"
	"net/url"
	"time"

	"herald/internal/clock"
	"herald/internal/ledger"
	"herald/internal/metrics"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// Instrumentor wraps a Client so every attempt, success or failure, is
// timed, classified, written to the call log and counted against the daily
// quota. Work the budget allocator denied never reaches the instrumentor
// and therefore consumes nothing.
type Instrumentor struct {
	client  Client
	ledger  *ledger.Ledger
	met     metrics.Metrics
	log     logx.Logger
	clk     clock.Clock
	timeout time.Duration
}

func NewInstrumentor(client Client, led *ledger.Ledger, met metrics.Metrics, log logx.Logger, clk clock.Clock, timeout time.Duration) *Instrumentor {
	if met == nil {
		met = metrics.Noop{}
	}
	if clk == nil {
		clk = clock.System()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Instrumentor{
		client:  client,
		ledger:  led,
		met:     met,
		log:     log,
		clk:     clk,
		timeout: timeout,
	}
}

// Call performs one bounded call and accounts for it. The usage increment
// happens even when the surrounding run was cancelled mid-flight, so the
// ledger stays accurate.
func (i *Instrumentor) Call(ctx context.Context, endpoint string, params url.Values) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := i.clk.Now()
	res, err := i.client.Call(callCtx, endpoint, params)
	took := i.clk.Now().Sub(start)

	entry := storage.CallLogEntry{
		At:       start,
		Service:  i.client.Name(),
		Endpoint: endpoint,
		Status:   res.StatusCode,
		TookMS:   took.Milliseconds(),
	}
	if rl := res.RateLimit; rl != nil {
		remaining, limit := rl.Remaining, rl.Limit
		entry.RateRemaining = &remaining
		entry.RateLimit = &limit
		if !rl.Reset.IsZero() {
			reset := rl.Reset
			entry.RateReset = &reset
		}
	}
	if err != nil {
		entry.Error = err.Error()
	}

	// Accounting must survive caller cancellation.
	recCtx, recCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer recCancel()
	if lerr := i.ledger.RecordCall(recCtx, entry); lerr != nil {
		i.log.Error("usage accounting failed", logx.Err(lerr), logx.String("endpoint", endpoint))
	}
	if rle, ok := IsRateLimited(err); ok && !rle.Reset.IsZero() {
		i.ledger.NoteReset(recCtx, rle.Reset)
	}

	i.met.RecordCall(endpoint, outcomeLabel(err), took)
	if snap, serr := i.ledger.Snapshot(recCtx); serr == nil {
		i.met.SetQuotaUsage(snap.CallsMade, snap.DailyLimit)
	}

	if err != nil {
		i.log.Debug("api call failed",
			logx.String("endpoint", endpoint),
			logx.Int("status", res.StatusCode),
			logx.Duration("took", took),
			logx.Err(err))
		return res, err
	}
	i.log.Trace("api call ok",
		logx.String("endpoint", endpoint),
		logx.Int("status", res.StatusCode),
		logx.Duration("took", took))
	return res, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	default:
		if _, ok := IsRateLimited(err); ok {
			return "rate_limited"
		}
		if _, ok := IsValidation(err); ok {
			return "validation"
		}
		return "transient"
	}
}

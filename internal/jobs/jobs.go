// Package jobs implements the agent's three periodic jobs: posting queued
// artifacts, replying to interactions, and monitoring external accounts.
//
// Shared failure policy: per-item failures never abort the batch. Validation
// failures park the item in the review queue. Rate-limited responses end the
// batch for this cycle (the scheduler will not run again before the
// provider's reset). Transient failures retry with backoff up to the policy
// cap, then drop the item until the next scheduled pass.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"herald/internal/backoff"
	"herald/internal/clock"
	"herald/internal/dedup"
	"herald/internal/generate"
	"herald/internal/platform"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// maxInPassWait bounds how long one item may wait for a rate-limit reset
// inside a run; longer resets end the batch and defer to the scheduler.
const maxInPassWait = time.Minute

// Caller issues one metered API call. Satisfied by *platform.Instrumentor.
type Caller interface {
	Call(ctx context.Context, endpoint string, params url.Values) (platform.Result, error)
}

// Deps bundles the collaborators every job needs.
type Deps struct {
	Store  storage.Store
	Guard  *dedup.Guard
	API    Caller
	Gen    generate.Generator
	Policy backoff.Policy
	Log    logx.Logger
	Clock  clock.Clock
}

func (d Deps) clock() clock.Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return clock.System()
}

// callWithRetry issues the call, retrying transient failures per the policy
// and waiting out short rate-limit resets. Validation errors and long
// resets are returned to the caller for routing.
func (d Deps) callWithRetry(ctx context.Context, endpoint string, params url.Values) (platform.Result, error) {
	clk := d.clock()
	for attempt := 1; ; attempt++ {
		res, err := d.API.Call(ctx, endpoint, params)
		if err == nil {
			return res, nil
		}
		if _, ok := platform.IsValidation(err); ok {
			return res, err
		}
		if rle, ok := platform.IsRateLimited(err); ok {
			now := clk.Now()
			var reset *time.Time
			if !rle.Reset.IsZero() {
				reset = &rle.Reset
			}
			delay := d.Policy.Delay(attempt, reset, now)
			if delay > maxInPassWait || d.Policy.Exhausted(attempt) {
				return res, err
			}
			if serr := sleepCtx(ctx, clk, delay); serr != nil {
				return res, err
			}
			continue
		}
		// Transient (including timeouts).
		if d.Policy.Exhausted(attempt) {
			return res, err
		}
		delay := d.Policy.Delay(attempt, nil, clk.Now())
		d.Log.Debug("retrying call",
			logx.String("endpoint", endpoint),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		if serr := sleepCtx(ctx, clk, delay); serr != nil {
			return res, err
		}
	}
}

// review parks an external id after a validation failure.
func (d Deps) review(ctx context.Context, externalID string, err error) {
	ve, _ := platform.IsValidation(err)
	entry := storage.ReviewEntry{ExternalID: externalID}
	if ve != nil {
		entry.Code = ve.Code
		entry.Message = ve.Message
	} else if err != nil {
		entry.Message = err.Error()
	}
	if entry.Code == "" {
		entry.Code = "validation"
	}
	if aerr := d.Store.AddReview(ctx, entry); aerr != nil {
		d.Log.Error("review enqueue failed", logx.Err(aerr), logx.String("external_id", externalID))
		return
	}
	d.Log.Warn("item parked for review",
		logx.String("external_id", externalID),
		logx.String("code", entry.Code),
		logx.String("message", entry.Message))
}

func sleepCtx(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := clk.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// parsePostID extracts the created object's id from a platform payload.
func parsePostID(payload []byte) string {
	var v struct {
		ID    string `json:"id"`
		IDStr string `json:"id_str"`
	}
	if json.Unmarshal(payload, &v) != nil {
		return ""
	}
	if v.ID != "" {
		return v.ID
	}
	return v.IDStr
}

// batchDone reports whether the batch should stop after this item's error:
// rate-limited ends the cycle, context expiry cuts the batch short.
func batchDone(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := platform.IsRateLimited(err); ok {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

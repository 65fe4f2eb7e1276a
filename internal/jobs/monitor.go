package jobs

import (
	"context"
	"fmt"
	"net/url"

	"herald/internal/platform"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// Monitor checks due entities (external accounts, watched threads) for new
// activity, oldest due first. The next-check timestamp advances by the
// entity's tier interval even when the check found nothing, so quiet
// entities are not re-checked immediately.
type Monitor struct {
	d    Deps
	cost int
}

func NewMonitor(d Deps, costPerUnit int) *Monitor {
	if costPerUnit <= 0 {
		costPerUnit = 1
	}
	return &Monitor{d: d, cost: costPerUnit}
}

func (j *Monitor) Name() string     { return "monitor" }
func (j *Monitor) CostPerUnit() int { return j.cost }

func (j *Monitor) Run(ctx context.Context, batchSize int) error {
	now := j.d.clock().Now()
	ents, err := j.d.Store.DueEntities(ctx, now, batchSize)
	if err != nil {
		return fmt.Errorf("load due entities: %w", err)
	}
	for _, e := range ents {
		if ctx.Err() != nil {
			return nil
		}
		if err := j.checkOne(ctx, e); batchDone(err) {
			j.d.Log.Info("monitor batch ended early", logx.Err(err))
			return nil
		}
	}
	return nil
}

func (j *Monitor) checkOne(ctx context.Context, e storage.MonitoredEntity) error {
	params := url.Values{}
	params.Set("account_id", e.ID)
	res, err := j.d.callWithRetry(ctx, "accounts/activity", params)

	switch {
	case err == nil:
		j.touch(ctx, e)
		j.d.Log.Debug("entity checked",
			logx.String("entity", e.ID),
			logx.String("tier", string(e.Tier)),
			logx.Int("payload_bytes", len(res.Payload)))
		return nil
	default:
		if _, ok := platform.IsValidation(err); ok {
			// Malformed or no-longer-resolvable identifier: park it so it
			// stops burning quota every cycle, and advance its clock too.
			j.d.review(ctx, e.ID, err)
			j.touch(ctx, e)
			return nil
		}
		if _, ok := platform.IsRateLimited(err); ok {
			return err
		}
		// Transient after retries: leave the entity due so the next pass
		// picks it up.
		j.d.Log.Warn("entity check dropped for this cycle", logx.Err(err), logx.String("entity", e.ID))
		return err
	}
}

func (j *Monitor) touch(ctx context.Context, e storage.MonitoredEntity) {
	now := j.d.clock().Now()
	next := now.Add(e.Tier.Interval())
	if err := j.d.Store.TouchEntity(ctx, e.ID, now, next); err != nil {
		j.d.Log.Error("entity touch failed", logx.Err(err), logx.String("entity", e.ID))
	}
}

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"herald/internal/platform"
	logx "herald/pkg/logx"
)

// Interactions polls mentions of the agent's own account and replies to
// each one at most once.
type Interactions struct {
	d      Deps
	cost   int
	selfID string

	// sinceID narrows the fetch window; in-memory only. It trails the
	// newest conclusively handled mention, so a failed reply keeps its
	// mention in view for the next fetch. After a restart the first fetch
	// is wider and the dedup guard filters re-seen mentions.
	mu      sync.Mutex
	sinceID string
}

type mention struct {
	ID       string `json:"id"`
	AuthorID string `json:"author_id"`
	Text     string `json:"text"`
}

func NewInteractions(d Deps, costPerUnit int, selfID string) *Interactions {
	if costPerUnit <= 0 {
		costPerUnit = 2 // reply is generate + post; the fetch amortizes
	}
	return &Interactions{d: d, cost: costPerUnit, selfID: selfID}
}

func (j *Interactions) Name() string     { return "interactions" }
func (j *Interactions) CostPerUnit() int { return j.cost }

func (j *Interactions) Run(ctx context.Context, batchSize int) error {
	params := url.Values{}
	j.mu.Lock()
	if j.sinceID != "" {
		params.Set("since_id", j.sinceID)
	}
	j.mu.Unlock()

	res, err := j.d.callWithRetry(ctx, "mentions/recent", params)
	if err != nil {
		// Nothing to do this cycle; rate-limit resets are enforced by the
		// scheduler before the next run.
		j.d.Log.Warn("mention fetch failed, cycle dropped", logx.Err(err))
		return nil
	}

	var mentions []mention
	if err := json.Unmarshal(res.Payload, &mentions); err != nil {
		return fmt.Errorf("decode mentions: %w", err)
	}
	sort.Slice(mentions, func(a, b int) bool { return idAfter(mentions[b].ID, mentions[a].ID) })

	// The watermark only moves while every mention below it is settled.
	// A transient failure pins it, so the next fetch sees the mention
	// again; replies that already landed are screened by the guard.
	advance := true
	replied := 0
	for _, m := range mentions {
		if ctx.Err() != nil {
			return nil
		}
		if replied >= batchSize {
			break
		}
		if m.AuthorID == j.selfID || strings.TrimSpace(m.Text) == "" {
			if advance {
				j.advanceSince(m.ID)
			}
			continue
		}
		acted, settled, err := j.replyOne(ctx, m)
		if settled && advance {
			j.advanceSince(m.ID)
		} else if !settled {
			advance = false
		}
		if batchDone(err) {
			j.d.Log.Info("interaction batch ended early", logx.Err(err))
			return nil
		}
		if acted {
			replied++
		}
	}
	return nil
}

// replyOne posts one reply. acted reports whether a reply actually went
// out; settled reports whether the mention is conclusively handled and may
// pass under the since-id watermark.
func (j *Interactions) replyOne(ctx context.Context, m mention) (acted, settled bool, err error) {
	done, err := j.d.Guard.Processed(ctx, m.ID)
	if err != nil {
		j.d.Log.Error("dedup check failed, skipping mention", logx.Err(err), logx.String("mention", m.ID))
		return false, false, nil
	}
	if done {
		return false, true, nil
	}

	reply, err := j.d.Gen.Generate(ctx, "Reply briefly and in character to: "+m.Text)
	if err != nil {
		j.d.Log.Warn("reply generation failed", logx.Err(err), logx.String("mention", m.ID))
		return false, false, nil
	}

	params := url.Values{}
	params.Set("in_reply_to", m.ID)
	params.Set("status", reply)
	res, err := j.d.callWithRetry(ctx, "statuses/reply", params)
	if err != nil {
		if _, ok := platform.IsValidation(err); ok {
			j.d.review(ctx, m.ID, err)
			return false, true, nil
		}
		return false, false, err
	}

	replyID := parsePostID(res.Payload)
	if err := j.d.Guard.Mark(ctx, m.ID, replyID); err != nil {
		j.d.Log.Error("marker write failed after successful reply",
			logx.Err(err), logx.String("mention", m.ID), logx.String("reply_id", replyID))
		return true, true, nil
	}
	j.d.Log.Info("replied to mention", logx.String("mention", m.ID), logx.String("reply_id", replyID))
	return true, true, nil
}

// advanceSince keeps the highest settled mention id, assuming ids sort
// chronologically (zero-padded or snowflake-style).
func (j *Interactions) advanceSince(id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if idAfter(id, j.sinceID) {
		j.sinceID = id
	}
}

// idAfter reports whether a sorts after b in chronological id order.
func idAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

package jobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"herald/internal/platform"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

// Posting drains the artifact queue: for each queued artifact it generates
// the body when missing, publishes it, and marks the artifact processed.
type Posting struct {
	d    Deps
	cost int
	// PromptTemplate receives the artifact id via %s when a body must be
	// generated on the fly.
	prompt string
}

func NewPosting(d Deps, costPerUnit int, promptTemplate string) *Posting {
	if costPerUnit <= 0 {
		costPerUnit = 2 // generate + post
	}
	// Config validation rejects templates without a %s verb, but a blank
	// or verb-less template handed in directly still gets the default
	// rather than mangled fmt output.
	if strings.TrimSpace(promptTemplate) == "" || !strings.Contains(promptTemplate, "%s") {
		promptTemplate = "Write a short post for artifact %s."
	}
	return &Posting{d: d, cost: costPerUnit, prompt: promptTemplate}
}

func (j *Posting) Name() string     { return "posting" }
func (j *Posting) CostPerUnit() int { return j.cost }

func (j *Posting) Run(ctx context.Context, batchSize int) error {
	arts, err := j.d.Store.NextArtifacts(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("load artifact queue: %w", err)
	}
	for _, a := range arts {
		if ctx.Err() != nil {
			j.d.Log.Debug("posting batch cut short", logx.Err(ctx.Err()))
			return nil
		}
		if err := j.postOne(ctx, a); batchDone(err) {
			j.d.Log.Info("posting batch ended early", logx.Err(err))
			return nil
		}
	}
	return nil
}

// postOne publishes a single artifact. The dedup guard is checked before
// the side-effecting call and the marker is written only after the platform
// confirmed the post.
func (j *Posting) postOne(ctx context.Context, a storage.Artifact) error {
	done, err := j.d.Guard.Processed(ctx, a.ID)
	if err != nil {
		j.d.Log.Error("dedup check failed, skipping artifact", logx.Err(err), logx.String("artifact", a.ID))
		return nil
	}
	if done {
		return nil
	}

	body := a.Body
	if strings.TrimSpace(body) == "" {
		body, err = j.d.Gen.Generate(ctx, fmt.Sprintf(j.prompt, a.ID))
		if err != nil {
			// Generation is a transient failure for the item: next pass
			// tries again.
			j.d.Log.Warn("generation failed", logx.Err(err), logx.String("artifact", a.ID))
			return nil
		}
	}

	params := url.Values{}
	params.Set("status", body)
	res, err := j.d.callWithRetry(ctx, "statuses/update", params)
	if err != nil {
		if _, ok := platform.IsValidation(err); ok {
			j.d.review(ctx, a.ID, err)
			return nil
		}
		if _, ok := platform.IsRateLimited(err); ok {
			return err
		}
		j.d.Log.Warn("post dropped for this cycle", logx.Err(err), logx.String("artifact", a.ID))
		return err
	}

	postID := parsePostID(res.Payload)
	if err := j.d.Guard.Mark(ctx, a.ID, postID); err != nil {
		// The post went out; a missed marker is the documented crash
		// window. Log loudly so operators can reconcile.
		j.d.Log.Error("marker write failed after successful post",
			logx.Err(err), logx.String("artifact", a.ID), logx.String("post_id", postID))
		return nil
	}
	j.d.Log.Info("artifact posted", logx.String("artifact", a.ID), logx.String("post_id", postID))
	return nil
}

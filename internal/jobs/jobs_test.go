package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"herald/internal/backoff"
	"herald/internal/dedup"
	"herald/internal/generate"
	"herald/internal/platform"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

type recordedCall struct {
	endpoint string
	params   url.Values
}

// fakeCaller records every call and delegates to handle.
type fakeCaller struct {
	mu     sync.Mutex
	calls  []recordedCall
	handle func(endpoint string, params url.Values) (platform.Result, error)
}

func (f *fakeCaller) Call(ctx context.Context, endpoint string, params url.Values) (platform.Result, error) {
	cp := url.Values{}
	for k, v := range params {
		cp[k] = append([]string(nil), v...)
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{endpoint: endpoint, params: cp})
	h := f.handle
	f.mu.Unlock()
	return h(endpoint, cp)
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okResult(id string) platform.Result {
	return platform.Result{StatusCode: 200, Payload: []byte(fmt.Sprintf(`{"id":%q}`, id))}
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 3, Base: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}
}

func newDeps(store storage.Store, api Caller, gen generate.Generator) Deps {
	return Deps{
		Store:  store,
		Guard:  dedup.New(store, logx.Nop()),
		API:    api,
		Gen:    gen,
		Policy: fastPolicy(),
		Log:    logx.Nop(),
	}
}

func echoGen(ctx context.Context, prompt string) (string, error) { return "generated text", nil }

func TestPostingPublishesAndMarks(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(endpoint string, params url.Values) (platform.Result, error) {
		if endpoint != "statuses/update" {
			return platform.Result{}, fmt.Errorf("unexpected endpoint %s", endpoint)
		}
		return okResult("post-100"), nil
	}}
	ctx := context.Background()
	if err := store.AddArtifact(ctx, storage.Artifact{ID: "art-1", Body: "hello world"}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	j := NewPosting(newDeps(store, api, generate.Func(echoGen)), 2, "")
	if err := j.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if api.callCount() != 1 {
		t.Fatalf("made %d calls, want 1", api.callCount())
	}
	if got := api.calls[0].params.Get("status"); got != "hello world" {
		t.Fatalf("status param = %q, want artifact body", got)
	}
	m, err := store.GetMarker(ctx, "art-1")
	if err != nil {
		t.Fatalf("GetMarker: %v", err)
	}
	if m == nil || m.ResultID != "post-100" {
		t.Fatalf("marker = %+v, want result id post-100", m)
	}
}

func TestPostingIdempotentAcrossRuns(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return okResult("post-1"), nil
	}}
	ctx := context.Background()
	if err := store.AddArtifact(ctx, storage.Artifact{ID: "art-1", Body: "once"}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	j := NewPosting(newDeps(store, api, generate.Func(echoGen)), 2, "")
	for i := 0; i < 3; i++ {
		if err := j.Run(ctx, 5); err != nil {
			t.Fatalf("Run #%d: %v", i+1, err)
		}
	}
	if api.callCount() != 1 {
		t.Fatalf("made %d calls across repeated runs, want exactly 1", api.callCount())
	}
}

func TestPostOneChecksGuardBeforeRetriedCall(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return okResult("post-1"), nil
	}}
	ctx := context.Background()
	art := storage.Artifact{ID: "art-1", Body: "once"}

	j := NewPosting(newDeps(store, api, generate.Func(echoGen)), 2, "")
	if err := j.postOne(ctx, art); err != nil {
		t.Fatalf("postOne: %v", err)
	}
	// A retry of the same item after an ambiguous first response must hit
	// the guard and stop before issuing a second call.
	if err := j.postOne(ctx, art); err != nil {
		t.Fatalf("retried postOne: %v", err)
	}
	if api.callCount() != 1 {
		t.Fatalf("made %d calls, want the guard to stop the second", api.callCount())
	}
	if m, _ := store.GetMarker(ctx, "art-1"); m == nil {
		t.Fatal("marker missing after first post")
	}
}

func TestPostingGeneratesMissingBody(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return okResult("post-2"), nil
	}}
	ctx := context.Background()
	if err := store.AddArtifact(ctx, storage.Artifact{ID: "art-empty"}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	var gotPrompt string
	gen := generate.Func(func(ctx context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "fresh body", nil
	})
	j := NewPosting(newDeps(store, api, gen), 2, "Post about %s.")
	if err := j.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gotPrompt != "Post about art-empty." {
		t.Fatalf("prompt = %q", gotPrompt)
	}
	if got := api.calls[0].params.Get("status"); got != "fresh body" {
		t.Fatalf("status param = %q, want generated body", got)
	}
}

func TestPostingVerblessTemplateFallsBackToDefault(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return okResult("post-3"), nil
	}}
	ctx := context.Background()
	if err := store.AddArtifact(ctx, storage.Artifact{ID: "art-x"}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	var gotPrompt string
	gen := generate.Func(func(ctx context.Context, prompt string) (string, error) {
		gotPrompt = prompt
		return "body", nil
	})
	// No %s verb for the artifact id: the default template takes over
	// instead of producing fmt noise in the prompt.
	j := NewPosting(newDeps(store, api, gen), 2, "Write something interesting.")
	if err := j.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if gotPrompt != "Write a short post for artifact art-x." {
		t.Fatalf("prompt = %q, want the default template applied", gotPrompt)
	}
	if strings.Contains(gotPrompt, "%!") {
		t.Fatalf("prompt carries fmt errors: %q", gotPrompt)
	}
}

func TestPostingGenerationFailureLeavesArtifactQueued(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		t.Error("no platform call expected when generation fails")
		return platform.Result{}, nil
	}}
	ctx := context.Background()
	if err := store.AddArtifact(ctx, storage.Artifact{ID: "art-1"}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	gen := generate.Func(func(context.Context, string) (string, error) {
		return "", errors.New("model overloaded")
	})
	j := NewPosting(newDeps(store, api, gen), 2, "")
	if err := j.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// No marker written, so the next pass retries the artifact.
	queued, err := store.NextArtifacts(ctx, 10)
	if err != nil {
		t.Fatalf("NextArtifacts: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("artifact queue = %+v, want the artifact still queued", queued)
	}
}

func TestPostingValidationParksForReview(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(endpoint string, params url.Values) (platform.Result, error) {
		if params.Get("status") == "bad payload" {
			return platform.Result{StatusCode: 400}, &platform.ValidationError{Code: "too_long", Message: "status exceeds limit"}
		}
		return okResult("post-ok"), nil
	}}
	ctx := context.Background()
	if err := store.AddArtifact(ctx, storage.Artifact{ID: "art-bad", Body: "bad payload", CreatedAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}
	if err := store.AddArtifact(ctx, storage.Artifact{ID: "art-good", Body: "fine", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	j := NewPosting(newDeps(store, api, generate.Func(echoGen)), 2, "")
	if err := j.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Validation parks the bad item; the batch carries on to the good one.
	pending, err := store.PendingReview(ctx, 10)
	if err != nil {
		t.Fatalf("PendingReview: %v", err)
	}
	if len(pending) != 1 || pending[0].ExternalID != "art-bad" || pending[0].Code != "too_long" {
		t.Fatalf("pending review = %+v", pending)
	}
	if m, _ := store.GetMarker(ctx, "art-bad"); m != nil {
		t.Fatal("validation-failed artifact must not be marked processed")
	}
	if m, _ := store.GetMarker(ctx, "art-good"); m == nil {
		t.Fatal("good artifact should have been posted and marked")
	}
}

func TestPostingRateLimitEndsBatch(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return platform.Result{StatusCode: 429}, &platform.RateLimitedError{Reset: time.Now().Add(10 * time.Minute)}
	}}
	ctx := context.Background()
	for i, id := range []string{"art-1", "art-2", "art-3"} {
		if err := store.AddArtifact(ctx, storage.Artifact{ID: id, Body: "x", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("AddArtifact: %v", err)
		}
	}

	j := NewPosting(newDeps(store, api, generate.Func(echoGen)), 2, "")
	if err := j.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// A reset far beyond the in-pass wait cap ends the batch after one call.
	if api.callCount() != 1 {
		t.Fatalf("made %d calls, want batch ended after the first rate limit", api.callCount())
	}
}

func TestInteractionsRepliesOncePerMention(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	mentionsPayload := []byte(`[
		{"id":"m1","author_id":"u1","text":"hey bot"},
		{"id":"m2","author_id":"self","text":"own post"},
		{"id":"m3","author_id":"u2","text":"  "},
		{"id":"m4","author_id":"u3","text":"question?"}
	]`)
	api := &fakeCaller{}
	api.handle = func(endpoint string, params url.Values) (platform.Result, error) {
		switch endpoint {
		case "mentions/recent":
			return platform.Result{StatusCode: 200, Payload: mentionsPayload}, nil
		case "statuses/reply":
			return okResult("reply-" + params.Get("in_reply_to")), nil
		default:
			return platform.Result{}, fmt.Errorf("unexpected endpoint %s", endpoint)
		}
	}
	ctx := context.Background()

	j := NewInteractions(newDeps(store, api, generate.Func(echoGen)), 2, "self")
	if err := j.Run(ctx, 10); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var replies []recordedCall
	for _, c := range api.calls {
		if c.endpoint == "statuses/reply" {
			replies = append(replies, c)
		}
	}
	// Self mentions and empty-text mentions are skipped without quota.
	if len(replies) != 2 {
		t.Fatalf("made %d replies, want 2: %+v", len(replies), replies)
	}
	if got := replies[0].params.Get("in_reply_to"); got != "m1" {
		t.Fatalf("first reply targets %q, want m1", got)
	}
	if m, _ := store.GetMarker(ctx, "m1"); m == nil {
		t.Fatal("replied mention m1 not marked")
	}

	// A second run over the same window replies to nothing new and narrows
	// the fetch with since_id.
	if err := j.Run(ctx, 10); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	total := 0
	for _, c := range api.calls {
		if c.endpoint == "statuses/reply" {
			total++
		}
	}
	if total != 2 {
		t.Fatalf("second run added replies, total %d, want 2", total)
	}
	var last recordedCall
	fetches := 0
	for _, c := range api.calls {
		if c.endpoint == "mentions/recent" {
			fetches++
			last = c
		}
	}
	if fetches != 2 {
		t.Fatalf("made %d fetches, want 2", fetches)
	}
	if got := last.params.Get("since_id"); got != "m4" {
		t.Fatalf("since_id = %q, want m4", got)
	}
}

func TestInteractionsFailedReplyStaysInFetchWindow(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	var failReplies bool
	api := &fakeCaller{}
	api.handle = func(endpoint string, params url.Values) (platform.Result, error) {
		switch endpoint {
		case "mentions/recent":
			return platform.Result{StatusCode: 200, Payload: []byte(`[{"id":"m1","author_id":"u1","text":"hey"}]`)}, nil
		case "statuses/reply":
			if failReplies {
				return platform.Result{}, fmt.Errorf("flaky: %w", platform.ErrTransient)
			}
			return okResult("reply-m1"), nil
		default:
			return platform.Result{}, fmt.Errorf("unexpected endpoint %s", endpoint)
		}
	}
	ctx := context.Background()

	j := NewInteractions(newDeps(store, api, generate.Func(echoGen)), 2, "self")

	// First cycle: the reply fails through all attempts. The watermark must
	// not slide past the mention or it would never be retried.
	failReplies = true
	if err := j.Run(ctx, 10); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m, _ := store.GetMarker(ctx, "m1"); m != nil {
		t.Fatal("failed reply must not be marked")
	}

	// Second cycle: the fetch still covers m1 and the reply lands.
	failReplies = false
	if err := j.Run(ctx, 10); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	var fetches []recordedCall
	for _, c := range api.calls {
		if c.endpoint == "mentions/recent" {
			fetches = append(fetches, c)
		}
	}
	if len(fetches) != 2 {
		t.Fatalf("made %d fetches, want 2", len(fetches))
	}
	if got := fetches[1].params.Get("since_id"); got != "" {
		t.Fatalf("second fetch since_id = %q, want the window left open", got)
	}
	m, err := store.GetMarker(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMarker: %v", err)
	}
	if m == nil || m.ResultID != "reply-m1" {
		t.Fatalf("marker = %+v, want the retried reply recorded", m)
	}
}

func TestInteractionsBatchSizeCapsReplies(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{}
	api.handle = func(endpoint string, params url.Values) (platform.Result, error) {
		if endpoint == "mentions/recent" {
			return platform.Result{StatusCode: 200, Payload: []byte(`[
				{"id":"m1","author_id":"u1","text":"a"},
				{"id":"m2","author_id":"u2","text":"b"},
				{"id":"m3","author_id":"u3","text":"c"}
			]`)}, nil
		}
		return okResult("r"), nil
	}

	j := NewInteractions(newDeps(store, api, generate.Func(echoGen)), 2, "self")
	if err := j.Run(context.Background(), 2); err != nil {
		t.Fatalf("Run: %v", err)
	}

	replies := 0
	for _, c := range api.calls {
		if c.endpoint == "statuses/reply" {
			replies++
		}
	}
	if replies != 2 {
		t.Fatalf("made %d replies, want the batch cap of 2", replies)
	}
}

func TestInteractionsFetchFailureDropsCycle(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return platform.Result{}, fmt.Errorf("boom: %w", platform.ErrTransient)
	}}

	j := NewInteractions(newDeps(store, api, generate.Func(echoGen)), 2, "self")
	if err := j.Run(context.Background(), 5); err != nil {
		t.Fatalf("Run should absorb a failed fetch, got %v", err)
	}
	// Retried per policy, then dropped.
	if api.callCount() != 3 {
		t.Fatalf("made %d fetch attempts, want 3", api.callCount())
	}
}

func TestMonitorAdvancesNextCheckByTier(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return platform.Result{StatusCode: 200, Payload: []byte(`{"activity":[]}`)}, nil
	}}
	ctx := context.Background()
	now := time.Now()
	if err := store.UpsertEntity(ctx, storage.MonitoredEntity{ID: "acct-low", Tier: storage.TierLow, NextCheckAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	j := NewMonitor(newDeps(store, api, generate.Func(echoGen)), 1)
	if err := j.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.callCount() != 1 {
		t.Fatalf("made %d calls, want 1", api.callCount())
	}

	// An empty result still advances the low tier by its full week.
	due, err := store.DueEntities(ctx, now.Add(6*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("DueEntities: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("entity due again before its tier interval: %+v", due)
	}
	due, err = store.DueEntities(ctx, now.Add(7*24*time.Hour+time.Minute), 10)
	if err != nil {
		t.Fatalf("DueEntities: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("entity not due after its tier interval: %+v", due)
	}
}

func TestMonitorValidationParksEntity(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return platform.Result{StatusCode: 404}, &platform.ValidationError{Code: "not_found", Message: "account deleted"}
	}}
	ctx := context.Background()
	if err := store.UpsertEntity(ctx, storage.MonitoredEntity{ID: "gone", Tier: storage.TierHigh, NextCheckAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	j := NewMonitor(newDeps(store, api, generate.Func(echoGen)), 1)
	if err := j.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pending, err := store.PendingReview(ctx, 10)
	if err != nil {
		t.Fatalf("PendingReview: %v", err)
	}
	if len(pending) != 1 || pending[0].ExternalID != "gone" {
		t.Fatalf("pending review = %+v", pending)
	}
	// Parked entities leave the due rotation entirely.
	due, err := store.DueEntities(ctx, time.Now().Add(365*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("DueEntities: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("parked entity still due: %+v", due)
	}
}

func TestMonitorRateLimitEndsBatch(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return platform.Result{StatusCode: 429}, &platform.RateLimitedError{Reset: time.Now().Add(15 * time.Minute)}
	}}
	ctx := context.Background()
	now := time.Now()
	if err := store.UpsertEntity(ctx, storage.MonitoredEntity{ID: "a", Tier: storage.TierHigh, NextCheckAt: now.Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if err := store.UpsertEntity(ctx, storage.MonitoredEntity{ID: "b", Tier: storage.TierHigh, NextCheckAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	j := NewMonitor(newDeps(store, api, generate.Func(echoGen)), 1)
	if err := j.Run(ctx, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if api.callCount() != 1 {
		t.Fatalf("made %d calls, want batch ended after the first rate limit", api.callCount())
	}
}

func TestCallWithRetryTransientThenSuccess(t *testing.T) {
	t.Parallel()
	var n int
	api := &fakeCaller{}
	api.handle = func(string, url.Values) (platform.Result, error) {
		n++
		if n < 3 {
			return platform.Result{}, fmt.Errorf("flaky: %w", platform.ErrTransient)
		}
		return okResult("done"), nil
	}
	d := newDeps(storage.NewMemory(), api, generate.Func(echoGen))

	res, err := d.callWithRetry(context.Background(), "statuses/update", url.Values{})
	if err != nil {
		t.Fatalf("callWithRetry: %v", err)
	}
	if n != 3 {
		t.Fatalf("made %d attempts, want 3", n)
	}
	if parsePostID(res.Payload) != "done" {
		t.Fatalf("unexpected payload %s", res.Payload)
	}
}

func TestCallWithRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return platform.Result{}, platform.ErrTransient
	}}
	d := newDeps(storage.NewMemory(), api, generate.Func(echoGen))

	_, err := d.callWithRetry(context.Background(), "statuses/update", url.Values{})
	if !errors.Is(err, platform.ErrTransient) {
		t.Fatalf("err = %v, want the transient error surfaced", err)
	}
	if api.callCount() != 3 {
		t.Fatalf("made %d attempts, want the policy cap of 3", api.callCount())
	}
}

func TestCallWithRetryValidationNotRetried(t *testing.T) {
	t.Parallel()
	api := &fakeCaller{handle: func(string, url.Values) (platform.Result, error) {
		return platform.Result{StatusCode: 400}, &platform.ValidationError{Code: "bad", Message: "nope"}
	}}
	d := newDeps(storage.NewMemory(), api, generate.Func(echoGen))

	_, err := d.callWithRetry(context.Background(), "statuses/update", url.Values{})
	if _, ok := platform.IsValidation(err); !ok {
		t.Fatalf("err = %v, want validation", err)
	}
	if api.callCount() != 1 {
		t.Fatalf("made %d attempts, want 1", api.callCount())
	}
}

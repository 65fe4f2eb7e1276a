package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxResponseBytes = 4 << 20

// HTTPConfig configures the HTTP client for the provider API.
type HTTPConfig struct {
	BaseURL string
	Token   string
	// PacePerSec is a local politeness limit in front of the provider's own
	// quota; it spaces requests out, it does not account for them.
	PacePerSec int
}

// HTTPClient talks to the provider over HTTP. Rate-limit headers
// (x-rate-limit-remaining / -limit / -reset, unix seconds) are parsed into
// RateLimitInfo; 429 responses become RateLimitedError, other 4xx become
// ValidationError, 5xx and transport failures are transient.
type HTTPClient struct {
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	pace := cfg.PacePerSec
	if pace <= 0 {
		pace = 1
	}
	return &HTTPClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(pace), pace),
	}
}

func (c *HTTPClient) Name() string { return "platform" }

func (c *HTTPClient) Call(ctx context.Context, endpoint string, params url.Values) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("pacing wait: %w", ErrTransient)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/"+strings.TrimLeft(endpoint, "/"),
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("call %s: %w", endpoint, ctx.Err())
		}
		return Result{}, fmt.Errorf("call %s: %v: %w", endpoint, err, ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{StatusCode: resp.StatusCode}, fmt.Errorf("read body: %v: %w", err, ErrTransient)
	}

	res := Result{
		StatusCode: resp.StatusCode,
		Payload:    body,
		RateLimit:  parseRateHeaders(resp.Header),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return res, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return res, &RateLimitedError{Reset: resetInstant(resp.Header, res.RateLimit)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		code, msg := parseAPIError(body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return res, &ValidationError{Code: code, Message: msg}
	default:
		return res, fmt.Errorf("status %d: %w", resp.StatusCode, ErrTransient)
	}
}

func parseRateHeaders(h http.Header) *RateLimitInfo {
	remaining, okR := headerInt(h, "x-rate-limit-remaining")
	limit, okL := headerInt(h, "x-rate-limit-limit")
	if !okR && !okL {
		return nil
	}
	info := &RateLimitInfo{Remaining: remaining, Limit: limit}
	if sec, ok := headerInt(h, "x-rate-limit-reset"); ok && sec > 0 {
		info.Reset = time.Unix(int64(sec), 0)
	}
	return info
}

// resetInstant picks the best available reset time for a 429:
// the rate-limit header if present, else Retry-After seconds.
func resetInstant(h http.Header, info *RateLimitInfo) time.Time {
	if info != nil && !info.Reset.IsZero() {
		return info.Reset
	}
	if sec, ok := headerInt(h, "Retry-After"); ok && sec > 0 {
		return time.Now().Add(time.Duration(sec) * time.Second)
	}
	return time.Time{}
}

func headerInt(h http.Header, key string) (int, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseAPIError(body []byte) (code, msg string) {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil {
		return e.Error.Code, e.Error.Message
	}
	return "", ""
}

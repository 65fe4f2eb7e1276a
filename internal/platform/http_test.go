package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPConfig{BaseURL: srv.URL, Token: "tok", PacePerSec: 100})
}

func TestCallSuccessParsesRateHeaders(t *testing.T) {
	t.Parallel()
	reset := time.Now().Add(15 * time.Minute).Unix()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("status"); got != "hello" {
			t.Errorf("status = %q, want hello", got)
		}
		w.Header().Set("x-rate-limit-remaining", "42")
		w.Header().Set("x-rate-limit-limit", "100")
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
		w.Write([]byte(`{"id":"123"}`))
	})

	params := url.Values{}
	params.Set("status", "hello")
	res, err := c.Call(context.Background(), "statuses/update", params)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.StatusCode != 200 || string(res.Payload) != `{"id":"123"}` {
		t.Fatalf("res = %+v", res)
	}
	if res.RateLimit == nil {
		t.Fatal("rate headers not parsed")
	}
	if res.RateLimit.Remaining != 42 || res.RateLimit.Limit != 100 {
		t.Fatalf("rate info = %+v", res.RateLimit)
	}
	if res.RateLimit.Reset.Unix() != reset {
		t.Fatalf("reset = %v, want unix %d", res.RateLimit.Reset, reset)
	}
}

func TestCall429BecomesRateLimited(t *testing.T) {
	t.Parallel()
	reset := time.Now().Add(10 * time.Minute).Unix()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-remaining", "0")
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Call(context.Background(), "statuses/update", url.Values{})
	rle, ok := IsRateLimited(err)
	if !ok {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if rle.Reset.Unix() != reset {
		t.Fatalf("Reset = %v, want unix %d", rle.Reset, reset)
	}
}

func TestCall429RetryAfterFallback(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	before := time.Now()
	_, err := c.Call(context.Background(), "statuses/update", url.Values{})
	rle, ok := IsRateLimited(err)
	if !ok {
		t.Fatalf("err = %v, want rate limited", err)
	}
	want := before.Add(120 * time.Second)
	if rle.Reset.Before(want.Add(-time.Second)) || rle.Reset.After(want.Add(5*time.Second)) {
		t.Fatalf("Reset = %v, want about %v", rle.Reset, want)
	}
}

func TestCall4xxBecomesValidation(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"too_long","message":"status exceeds 280 characters"}}`))
	})

	_, err := c.Call(context.Background(), "statuses/update", url.Values{})
	ve, ok := IsValidation(err)
	if !ok {
		t.Fatalf("err = %v, want validation", err)
	}
	if ve.Code != "too_long" || ve.Message != "status exceeds 280 characters" {
		t.Fatalf("validation = %+v", ve)
	}
}

func TestCall4xxWithoutBodyUsesStatusText(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Call(context.Background(), "accounts/activity", url.Values{})
	ve, ok := IsValidation(err)
	if !ok {
		t.Fatalf("err = %v, want validation", err)
	}
	if ve.Message != "Not Found" {
		t.Fatalf("message = %q", ve.Message)
	}
}

func TestCall5xxIsTransient(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Call(context.Background(), "statuses/update", url.Values{})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestCallTransportFailureIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on
	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, PacePerSec: 100})

	_, err := c.Call(context.Background(), "statuses/update", url.Values{})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestCallCancelledBeforePacing(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected after cancellation")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Call(ctx, "statuses/update", url.Values{}); err == nil {
		t.Fatal("expected an error for a cancelled context")
	}
}

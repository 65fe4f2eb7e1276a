// Package platform wraps the rate-limited social-platform API: an abstract
// client, an HTTP implementation, and the instrumentor that meters every
// outbound call against the usage ledger.
package platform

import (
	"context"
	"net/url"
	"time"
)

// RateLimitInfo is the provider's rate-limit metadata attached to a response.
type RateLimitInfo struct {
	Remaining int
	Limit     int
	Reset     time.Time
}

// Result is one API response. On error the struct still carries whatever
// metadata could be extracted (status code, rate-limit headers) so the
// instrumentor can account for the attempt.
type Result struct {
	StatusCode int
	Payload    []byte
	RateLimit  *RateLimitInfo
}

// Client performs one call against the provider. Implementations classify
// failures into the package's error taxonomy: *RateLimitedError,
// *ValidationError, or an error wrapping ErrTransient.
type Client interface {
	// Name identifies the service in the call log.
	Name() string
	Call(ctx context.Context, endpoint string, params url.Values) (Result, error)
}

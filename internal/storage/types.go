package storage

import (
	"time"
)

// DayKey formats t as the ledger's day key in t's location.
func DayKey(t time.Time) string { return t.Format("2006-01-02") }

// UsageRecord is one ledger row per calendar day.
// CallsMade only ever increases within a day.
type UsageRecord struct {
	Date       string // YYYY-MM-DD in the scheduler location
	CallsMade  int
	DailyLimit int
	// ResetTime is set once a rate-limit response reveals the provider's
	// reset instant for the current window.
	ResetTime *time.Time
}

// CallLogEntry is an immutable audit record, one per instrumented call.
// It feeds aggregation and debugging, never control decisions.
type CallLogEntry struct {
	At       time.Time
	Service  string
	Endpoint string
	Status   int
	TookMS   int64

	RateRemaining *int
	RateLimit     *int
	RateReset     *time.Time

	Error string
}

// Tier is a monitored entity's polling frequency class.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Interval returns the tier's re-check interval.
func (t Tier) Interval() time.Duration {
	switch t {
	case TierHigh:
		return 24 * time.Hour
	case TierMedium:
		return 3 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// priority orders tiers for due-entity batches (high first).
func (t Tier) priority() int {
	switch t {
	case TierHigh:
		return 0
	case TierMedium:
		return 1
	default:
		return 2
	}
}

// MonitoredEntity is a unit of recurring work: an external account to poll
// or a conversation thread to watch.
type MonitoredEntity struct {
	ID            string
	Tier          Tier
	LastCheckedAt time.Time // zero until first check
	NextCheckAt   time.Time
}

// ProcessedMarker proves a side effect already happened for ExternalID.
type ProcessedMarker struct {
	ExternalID  string
	ProcessedAt time.Time
	ResultID    string
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewResolved ReviewStatus = "resolved"
)

// ReviewEntry parks an entity that failed validation until a human resolves it.
type ReviewEntry struct {
	ExternalID string
	Code       string
	Message    string
	Status     ReviewStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Artifact is one queued unit of publishable content.
// Body may be empty; the posting job generates it on demand.
type Artifact struct {
	ID        string
	Body      string
	CreatedAt time.Time
}

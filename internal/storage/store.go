package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "herald/pkg/logx"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrMarkerExists is returned by PutMarker when a marker for the same
	// external id is already present.
	ErrMarkerExists = errors.New("marker exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process maps, for tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the agent core.
type Store interface {
	// Usage ledger.
	GetUsage(ctx context.Context, date string) (*UsageRecord, error) // nil, nil when absent
	UpsertUsage(ctx context.Context, rec UsageRecord) error
	AppendCallLog(ctx context.Context, e CallLogEntry) error
	PruneCallLog(ctx context.Context, before time.Time) (int64, error)

	// Monitored entities. DueEntities returns entities with
	// next_check_at <= now, oldest due first then by tier priority,
	// excluding entities parked in the review queue.
	DueEntities(ctx context.Context, now time.Time, limit int) ([]MonitoredEntity, error)
	UpsertEntity(ctx context.Context, e MonitoredEntity) error
	TouchEntity(ctx context.Context, id string, lastChecked, nextCheck time.Time) error
	RemoveEntity(ctx context.Context, id string) error

	// Processed markers. PutMarker returns ErrMarkerExists on duplicates.
	GetMarker(ctx context.Context, externalID string) (*ProcessedMarker, error)
	PutMarker(ctx context.Context, m ProcessedMarker) error

	// Review queue.
	AddReview(ctx context.Context, r ReviewEntry) error
	PendingReview(ctx context.Context, limit int) ([]ReviewEntry, error)
	ResolveReview(ctx context.Context, externalID string) error
	PruneResolvedReview(ctx context.Context, before time.Time) (int64, error)

	// Artifact queue.
	AddArtifact(ctx context.Context, a Artifact) error
	NextArtifacts(ctx context.Context, limit int) ([]Artifact, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

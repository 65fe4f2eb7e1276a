// Package dedup guards side-effecting calls with persisted processed
// markers so a post or reply happens at most once per external identifier.
//
// The ordering contract: check Processed before issuing the call, write
// Mark only after the call is confirmed successful. A crash between "call
// succeeded" and "mark written" is the one window where a duplicate can
// occur on restart; that narrow window is accepted because marking before
// the call would silently drop legitimate work on transient failure.
package dedup

import (
	"context"
	"errors"

	"herald/internal/storage"
	logx "herald/pkg/logx"
)

type Guard struct {
	store storage.Store
	log   logx.Logger
}

func New(store storage.Store, log logx.Logger) *Guard {
	return &Guard{store: store, log: log}
}

// Processed reports whether a marker exists for externalID. A store error
// is returned as-is: callers must treat "unknown" as "do not act".
func (g *Guard) Processed(ctx context.Context, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	m, err := g.store.GetMarker(ctx, externalID)
	if err != nil {
		return false, err
	}
	return m != nil, nil
}

// Mark records the completed side effect. Marking an already-marked id is
// absorbed: the first marker wins and the call is a no-op.
func (g *Guard) Mark(ctx context.Context, externalID, resultID string) error {
	err := g.store.PutMarker(ctx, storage.ProcessedMarker{
		ExternalID: externalID,
		ResultID:   resultID,
	})
	if errors.Is(err, storage.ErrMarkerExists) {
		g.log.Debug("marker already present", logx.String("external_id", externalID))
		return nil
	}
	return err
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store backed by maps.
// Intended for tests and dry runs; every method returns copies so callers
// cannot mutate internal state.
type Memory struct {
	mu        sync.RWMutex
	usage     map[string]*UsageRecord
	callLog   []CallLogEntry
	entities  map[string]*MonitoredEntity
	markers   map[string]*ProcessedMarker
	review    map[string]*ReviewEntry
	artifacts map[string]*Artifact
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		usage:     make(map[string]*UsageRecord),
		entities:  make(map[string]*MonitoredEntity),
		markers:   make(map[string]*ProcessedMarker),
		review:    make(map[string]*ReviewEntry),
		artifacts: make(map[string]*Artifact),
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) GetUsage(ctx context.Context, date string) (*UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.usage[date]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *Memory) UpsertUsage(ctx context.Context, rec UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.usage[rec.Date]; ok {
		// calls_made never decreases within a day
		if rec.CallsMade < cur.CallsMade {
			rec.CallsMade = cur.CallsMade
		}
		if rec.ResetTime == nil {
			rec.ResetTime = cur.ResetTime
		}
	}
	cp := rec
	s.usage[rec.Date] = &cp
	return nil
}

func (s *Memory) AppendCallLog(ctx context.Context, e CallLogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callLog = append(s.callLog, e)
	return nil
}

func (s *Memory) PruneCallLog(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.callLog[:0]
	var removed int64
	for _, e := range s.callLog {
		if e.At.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.callLog = kept
	return removed, nil
}

// CallLog returns a copy of the audit log (test helper).
func (s *Memory) CallLog() []CallLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CallLogEntry(nil), s.callLog...)
}

func (s *Memory) DueEntities(ctx context.Context, now time.Time, limit int) ([]MonitoredEntity, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []MonitoredEntity
	for id, e := range s.entities {
		if e.NextCheckAt.After(now) {
			continue
		}
		if r, ok := s.review[id]; ok && r.Status == ReviewPending {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextCheckAt.Equal(out[j].NextCheckAt) {
			return out[i].NextCheckAt.Before(out[j].NextCheckAt)
		}
		return out[i].Tier.priority() < out[j].Tier.priority()
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) UpsertEntity(ctx context.Context, e MonitoredEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := e
	s.entities[e.ID] = &cp
	return nil
}

func (s *Memory) TouchEntity(ctx context.Context, id string, lastChecked, nextCheck time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[id]; ok {
		e.LastCheckedAt = lastChecked
		e.NextCheckAt = nextCheck
	}
	return nil
}

func (s *Memory) RemoveEntity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
	return nil
}

func (s *Memory) GetMarker(ctx context.Context, externalID string) (*ProcessedMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[externalID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) PutMarker(ctx context.Context, m ProcessedMarker) error {
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[m.ExternalID]; ok {
		return ErrMarkerExists
	}
	cp := m
	s.markers[m.ExternalID] = &cp
	return nil
}

func (s *Memory) AddReview(ctx context.Context, r ReviewEntry) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = ReviewPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	cp.ResolvedAt = nil
	s.review[r.ExternalID] = &cp
	return nil
}

func (s *Memory) PendingReview(ctx context.Context, limit int) ([]ReviewEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ReviewEntry
	for _, r := range s.review {
		if r.Status == ReviewPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) ResolveReview(ctx context.Context, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.review[externalID]; ok {
		r.Status = ReviewResolved
		now := time.Now()
		r.ResolvedAt = &now
	}
	return nil
}

func (s *Memory) PruneResolvedReview(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, r := range s.review {
		if r.Status == ReviewResolved && r.ResolvedAt != nil && r.ResolvedAt.Before(before) {
			delete(s.review, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Memory) AddArtifact(ctx context.Context, a Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[a.ID]; !ok {
		cp := a
		s.artifacts[a.ID] = &cp
	}
	return nil
}

func (s *Memory) NextArtifacts(ctx context.Context, limit int) ([]Artifact, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Artifact
	for id, a := range s.artifacts {
		if _, done := s.markers[id]; done {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

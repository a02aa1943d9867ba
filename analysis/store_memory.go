package analysis

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Get(ctx context.Context, matchID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[matchID]
	if !ok {
		return nil, nil
	}
	out := rec // copy so callers can't mutate the stored value
	return &out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rec
	if existing, ok := s.recs[rec.MatchID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	s.recs[rec.MatchID] = stored
	return nil
}

func (s *MemoryStore) EnsurePending(ctx context.Context, matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[matchID]; ok {
		return nil
	}
	now := time.Now().UTC()
	s.recs[matchID] = Record{MatchID: matchID, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, matchID string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.recs[matchID]; ok {
		live := existing.Status.InFlight() && !existing.UpdatedAt.Before(staleBefore)
		if live || existing.Status == StatusCompleted {
			return false, nil
		}
		existing.Status = StatusFetching
		existing.UpdatedAt = now
		s.recs[matchID] = existing
		return true, nil
	}
	s.recs[matchID] = Record{MatchID: matchID, Status: StatusFetching, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

var _ Store = (*MemoryStore)(nil)

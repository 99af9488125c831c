package store

import (
	"context"
	"sort"
	"sync"

	"proof-orchestrator/internal/models"
)

// MemoryStore in-process store, for tests and single-node dry runs
type MemoryStore struct {
	mu      sync.RWMutex
	records map[models.Fingerprint]*models.TaskRecord
}

// NewMemoryStore create empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[models.Fingerprint]*models.TaskRecord)}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *models.TaskRecord) (*models.TaskRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Fingerprint]; ok {
		return existing.Clone(), false, nil
	}
	s.records[rec.Fingerprint] = rec.Clone()
	return rec.Clone(), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, fp models.Fingerprint) (*models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[fp]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, fp models.Fingerprint, expected models.TaskStatus, revision uint64, next *models.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[fp]
	if !ok {
		return models.ErrNotFound
	}
	if rec.Status != expected || rec.Revision != revision {
		return models.ErrConflict
	}
	s.records[fp] = next.Clone()
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, after models.Fingerprint, limit int) ([]*models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]models.Fingerprint, 0, len(s.records))
	for fp := range s.records {
		if fp > after {
			keys = append(keys, fp)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]*models.TaskRecord, 0, len(keys))
	for _, fp := range keys {
		out = append(out, s.records[fp].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, fp models.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[fp]; !ok {
		return false, nil
	}
	delete(s.records, fp)
	return true, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

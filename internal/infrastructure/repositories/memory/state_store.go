package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"
)

type MemoryStateStore struct {
	entries map[string][]byte
	version uint64
	mu      sync.RWMutex
}

func NewMemoryStateStore() ports.StateStore {
	return &MemoryStateStore{
		entries: make(map[string][]byte),
	}
}

func (s *MemoryStateStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStateStore) Scan(ctx context.Context, prefix string) ([]domain.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.StateEntry
	for k, v := range s.entries {
		if strings.HasPrefix(k, prefix) {
			result = append(result, domain.StateEntry{Key: k, Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (s *MemoryStateStore) Commit(ctx context.Context, baseVersion uint64, writes []domain.StateEntry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != baseVersion {
		return s.version, fmt.Errorf("%w: at %d, expected %d", domain.ErrVersionConflict, s.version, baseVersion)
	}
	for _, w := range writes {
		s.entries[w.Key] = append([]byte(nil), w.Value...)
	}
	s.version++
	return s.version, nil
}

func (s *MemoryStateStore) Version(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

func (s *MemoryStateStore) Snapshot(ctx context.Context) (*domain.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &domain.StateSnapshot{
		Version: s.version,
		Entries: make([]domain.StateEntry, 0, len(s.entries)),
	}
	for k, v := range s.entries {
		snap.Entries = append(snap.Entries, domain.StateEntry{Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })
	return snap, nil
}

func (s *MemoryStateStore) Restore(ctx context.Context, snapshot *domain.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != 0 || len(s.entries) != 0 {
		return fmt.Errorf("restore into non-empty store at version %d", s.version)
	}
	for _, e := range snapshot.Entries {
		s.entries[e.Key] = append([]byte(nil), e.Value...)
	}
	s.version = snapshot.Version
	return nil
}

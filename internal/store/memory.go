package store

import (
	"context"
	"sync"
)

// MemoryStore keeps transcripts in process memory. Used by tests and
// single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[string][]Segment
	seen     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		segments: make(map[string][]Segment),
		seen:     make(map[string]struct{}),
	}
}

func (m *MemoryStore) Append(_ context.Context, seg Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[seg.IdempotencyKey]; ok {
		return ErrDuplicate
	}
	m.seen[seg.IdempotencyKey] = struct{}{}
	m.segments[seg.SessionID] = append(m.segments[seg.SessionID], seg)
	return nil
}

func (m *MemoryStore) ReadFrom(_ context.Context, sessionID string, afterSequence int64) ([]Segment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Segment
	for _, seg := range m.segments[sessionID] {
		if seg.Sequence > afterSequence {
			out = append(out, seg)
		}
	}
	return out, nil
}

package registry

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*Record
	total     int64
	failures  int64
	bytesUp   int64
	bytesDown int64
	closing   bool
	ready     bool
}

// NewMemoryStore returns a process-local Store.
func NewMemoryStore() Store {
	return newMemoryStore()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]*Record)}
}

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) Register(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[rec.ID]; exists {
		return ErrDuplicateSession
	}
	r := rec
	m.sessions[rec.ID] = &r
	m.total++
	return nil
}

func (m *memoryStore) Unregister(_ context.Context, id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *memoryStore) AddBytes(id string, up, down int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesUp += up
	m.bytesDown += down
	if r, ok := m.sessions[id]; ok {
		r.BytesUp += up
		r.BytesDown += down
	}
}

func (m *memoryStore) RecordFailure() {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

// Active returns a snapshot ordered by start time.
func (m *memoryStore) Active() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, *r)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

func (m *memoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Active: len(m.sessions), Total: m.total, Failures: m.failures, BytesUp: m.bytesUp, BytesDown: m.bytesDown}
}

func (m *memoryStore) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *memoryStore) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryStore) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }
func (m *memoryStore) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }

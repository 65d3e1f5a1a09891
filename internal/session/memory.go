package session

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface guard.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps sessions in process memory. Records past ExpiresAt plus
// retention are swept on Create.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore returns an empty store. retention is how long an expired
// session stays readable so callers can observe the Expired transition.
func NewMemoryStore(retention time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		sessions:  make(map[string]*Session),
		retention: retention,
		now:       now,
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrExists
	}
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) sweep() {
	cutoff := m.now().Add(-m.retention)
	for id, s := range m.sessions {
		if !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, id string, from, to State) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State != from {
		return nil, ErrStateMismatch
	}
	s.State = to
	return clone(s), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// Len reports the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) Close() error { return nil }

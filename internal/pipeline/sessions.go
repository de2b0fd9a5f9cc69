package pipeline

import (
	"sync"
)

// Sessions is a set of sessions keyed by id, created on first use.
type Sessions struct {
	mu      sync.Mutex
	items   map[string]*Session
	factory func(id string) *Session
}

// NewSessions creates an empty set that builds sessions with factory.
func NewSessions(factory func(id string) *Session) *Sessions {
	return &Sessions{items: make(map[string]*Session), factory: factory}
}

// Get returns the session for id, creating it if needed.
func (m *Sessions) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.items[id]
	if !ok {
		s = m.factory(id)
		m.items[id] = s
	}
	return s
}

// Lookup returns an existing session.
func (m *Sessions) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	return s, ok
}

// Remove closes and forgets a session. It reports whether it existed.
func (m *Sessions) Remove(id string) bool {
	m.mu.Lock()
	s, ok := m.items[id]
	delete(m.items, id)
	m.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// CloseAll closes every session.
func (m *Sessions) CloseAll() {
	m.mu.Lock()
	items := m.items
	m.items = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range items {
		s.Close()
	}
}

// Len returns the number of sessions.
func (m *Sessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

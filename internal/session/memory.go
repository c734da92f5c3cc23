package session

import (
	"context"
	"sync"
	"time"

	"github.com/fruitsalade/filebrowser/internal/metrics"
)

// MemoryStore keeps sessions in process memory. Expired entries are dropped
// on access and by a janitor goroutine that runs until Close.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*UserInfo
	now      func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMemoryStore creates a memory store sweeping expired sessions every
// interval. A non-positive interval disables the janitor.
func NewMemoryStore(interval time.Duration) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*UserInfo),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if interval > 0 {
		go m.janitor(interval)
	} else {
		close(m.done)
	}
	return m
}

// Get returns a copy of the session for id.
func (m *MemoryStore) Get(_ context.Context, id string) (*UserInfo, error) {
	m.mu.RLock()
	info, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if info.Expired(m.now()) {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	cp := *info
	return &cp, nil
}

// Save stores a copy of info for id.
func (m *MemoryStore) Save(_ context.Context, id string, info *UserInfo, ttl time.Duration) error {
	cp := *info
	if ttl > 0 {
		cp.ExpiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.sessions[id] = &cp
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetMemorySessions(n)
	return nil
}

// Delete removes the session for id.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetMemorySessions(n)
	return nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupExpired removes every expired session.
func (m *MemoryStore) CleanupExpired() int {
	now := m.now()
	m.mu.Lock()
	removed := 0
	for id, info := range m.sessions {
		if info.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetMemorySessions(n)
	return removed
}

// Close stops the janitor.
func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

func (m *MemoryStore) janitor(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	perms   []string
	expires time.Time
}

// Memory is an in-process TTL cache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]map[string]memoryEntry
	Now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]map[string]memoryEntry{}, Now: time.Now}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) Get(_ context.Context, userID, locationID string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byLoc, ok := m.entries[userID]
	if !ok {
		return nil, false, nil
	}
	e, ok := byLoc[locationID]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(byLoc, locationID)
		return nil, false, nil
	}
	return append([]string(nil), e.perms...), true, nil
}

func (m *Memory) Set(_ context.Context, userID, locationID string, perms []string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]map[string]memoryEntry{}
	}
	byLoc, ok := m.entries[userID]
	if !ok {
		byLoc = map[string]memoryEntry{}
		m.entries[userID] = byLoc
	}
	byLoc[locationID] = memoryEntry{perms: append([]string(nil), perms...), expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}

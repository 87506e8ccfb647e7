// Package cache stores assembled feed payloads.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is a cached payload together with the generation it was built in.
type Entry struct {
	Payload    []byte    `json:"payload"`
	Generation uint64    `json:"generation"`
	StoredAt   time.Time `json:"storedAt"`
}

// Store holds payloads by key. Entries outlive their freshness so they can
// be served stale; callers judge freshness from Generation and StoredAt.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
	// Generation returns the current invalidation generation.
	Generation(ctx context.Context) (uint64, error)
	// Bump advances the generation, making every stored entry stale.
	Bump(ctx context.Context) (uint64, error)
}

// Memory is a process-local Store.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	retention  time.Duration
	maxEntries int
	generation atomic.Uint64
	now        func() time.Time
}

// NewMemory keeps entries for retention and at most maxEntries of them.
func NewMemory(retention time.Duration, maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Memory{
		entries:    make(map[string]Entry),
		retention:  retention,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if m.retention > 0 && m.now().Sub(e.StoredAt) > m.retention {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) evictLocked() {
	now := m.now()
	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if m.retention > 0 && now.Sub(e.StoredAt) > m.retention {
			delete(m.entries, k)
			continue
		}
		if oldestKey == "" || e.StoredAt.Before(oldest) {
			oldestKey, oldest = k, e.StoredAt
		}
	}
	if len(m.entries) >= m.maxEntries && oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func (m *Memory) Generation(ctx context.Context) (uint64, error) {
	return m.generation.Load(), nil
}

func (m *Memory) Bump(ctx context.Context) (uint64, error) {
	return m.generation.Add(1), nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

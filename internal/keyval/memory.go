package keyval

import (
	"context"
	"sync"
	"time"

	"pkt.systems/ticketd/internal/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// Memory is an in-process Store with TTL semantics matching the Redis
// implementation. Expired entries are dropped lazily on access.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

// NewMemory constructs a Memory store. A nil clk defaults to the real clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{
		clock:   clk,
		entries: make(map[string]memoryEntry),
	}
}

// SetIfAbsent writes value under key only when no live entry exists.
func (m *Memory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok && !entry.expired(now) {
		return false, nil
	}
	m.entries[key] = newMemoryEntry(value, ttl, now)
	return true, nil
}

// Set unconditionally overwrites key.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = newMemoryEntry(value, ttl, now)
	return nil
}

// Get returns the live value under key.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if entry.expired(now) {
		delete(m.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// MGet returns the live subset of keys.
func (m *Memory) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make(map[string]string, len(keys))
	for _, key := range keys {
		entry, ok := m.entries[key]
		if !ok {
			continue
		}
		if entry.expired(now) {
			delete(m.entries, key)
			continue
		}
		found[key] = entry.value
	}
	return found, nil
}

// Del removes key and reports whether a live entry existed.
func (m *Memory) Del(ctx context.Context, key string) (bool, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	delete(m.entries, key)
	return !entry.expired(now), nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

func newMemoryEntry(value string, ttl time.Duration, now time.Time) memoryEntry {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	return entry
}

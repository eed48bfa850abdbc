package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Backend. It evicts the oldest tenth of its entries
// when it reaches maxEntries.
type Memory struct {
	mu           sync.RWMutex
	entries      map[string]memoryItem
	maxEntries   int
	maxValueSize int
	closed       bool
	now          func() time.Time
}

type memoryItem struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

// MemoryOptions configures a Memory backend.
type MemoryOptions struct {
	// MaxEntries bounds the number of keys held; zero means 10000.
	MaxEntries int
	// MaxValueSize is the per-entry byte ceiling; zero means DefaultMaxValueSize.
	MaxValueSize int
}

// NewMemory creates a Memory backend.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.MaxValueSize <= 0 {
		opts.MaxValueSize = DefaultMaxValueSize
	}
	return &Memory{
		entries:      make(map[string]memoryItem),
		maxEntries:   opts.MaxEntries,
		maxValueSize: opts.MaxValueSize,
		now:          time.Now,
	}
}

// Get returns a copy of the stored value.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, false, ErrClosed
	}
	item, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if m.expired(item) {
		m.mu.Lock()
		if cur, still := m.entries[key]; still && m.expired(cur) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true, nil
}

// Set stores a copy of value.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if len(value) > m.maxValueSize {
		return fmt.Errorf("set %s (%d bytes): %w", key, len(value), ErrValueTooLarge)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.store(key, value, ttl)
	return nil
}

// Add stores value only when key is absent or expired.
func (m *Memory) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if len(value) > m.maxValueSize {
		return false, fmt.Errorf("add %s (%d bytes): %w", key, len(value), ErrValueTooLarge)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if item, ok := m.entries[key]; ok && !m.expired(item) {
		return false, nil
	}
	m.store(key, value, ttl)
	return true, nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, key)
	return nil
}

// Len returns the number of stored keys, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close drops all entries.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.closed = true
	return nil
}

// store must be called with the lock held.
func (m *Memory) store(key string, value []byte, ttl time.Duration) {
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldest()
	}

	now := m.now()
	item := memoryItem{
		value:     append([]byte(nil), value...),
		createdAt: now,
	}
	if ttl > 0 {
		item.expiresAt = now.Add(ttl)
	}
	m.entries[key] = item
}

// evictOldest must be called with the lock held.
func (m *Memory) evictOldest() {
	toEvict := max(m.maxEntries/10, 1)

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return m.entries[keys[i]].createdAt.Before(m.entries[keys[j]].createdAt)
	})

	for i := 0; i < toEvict && i < len(keys); i++ {
		delete(m.entries, keys[i])
	}
}

func (m *Memory) expired(item memoryItem) bool {
	return !item.expiresAt.IsZero() && m.now().After(item.expiresAt)
}

var _ Backend = (*Memory)(nil)

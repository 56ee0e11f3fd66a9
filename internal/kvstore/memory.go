package kvstore

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/core"
)

// MemoryKVStore implements core.KVStore as an in-process bounded LRU
// with per-entry expiry. Entries are immutable snapshots replaced
// wholesale on update; overflow evicts the least recently used entry.
type MemoryKVStore struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	closed     bool
}

type memoryEntry struct {
	key     string
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemoryKVStore creates an LRU cache holding at most maxEntries.
func NewMemoryKVStore(maxEntries int) (*MemoryKVStore, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be greater than 0, got: %d", maxEntries)
	}
	return &MemoryKVStore{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}, nil
}

// Get retrieves a value by key from the store.
func (m *MemoryKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("KV store is closed")
	}

	elem, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	entry := elem.Value.(*memoryEntry)
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		m.order.Remove(elem)
		delete(m.entries, key)
		return nil, fmt.Errorf("key not found: %s", key)
	}
	m.order.MoveToFront(elem)

	// Copy so callers cannot mutate the cached snapshot.
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores a key-value pair with an optional TTL.
func (m *MemoryKVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("KV store is closed")
	}

	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	if elem, ok := m.entries[key]; ok {
		elem.Value = &memoryEntry{key: key, value: stored, expires: expires}
		m.order.MoveToFront(elem)
		return nil
	}

	m.entries[key] = m.order.PushFront(&memoryEntry{key: key, value: stored, expires: expires})
	for len(m.entries) > m.maxEntries {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

// Delete removes a key from the store.
func (m *MemoryKVStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("KV store is closed")
	}
	if elem, ok := m.entries[key]; ok {
		m.order.Remove(elem)
		delete(m.entries, key)
	}
	return nil
}

// Exists checks if a key exists in the store.
func (m *MemoryKVStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, fmt.Errorf("KV store is closed")
	}
	elem, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		m.order.Remove(elem)
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

// BatchSet stores multiple key-value pairs with a shared TTL.
func (m *MemoryKVStore) BatchSet(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for key, value := range items {
		if err := m.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of live entries.
func (m *MemoryKVStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close releases the cache.
func (m *MemoryKVStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.entries = nil
	m.order = nil
	return nil
}

// MemoryKVStoreFactory implements the KVStoreFactory interface for the
// in-process LRU backend.
type MemoryKVStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *MemoryKVStoreFactory) Type() string {
	return "memory"
}

// Validate validates the memory-specific configuration.
func (f *MemoryKVStoreFactory) Validate(config KVStoreConfig) error {
	if config.Type != "memory" {
		return fmt.Errorf("invalid type for memory factory: %s", config.Type)
	}
	if config.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be greater than 0, got: %d", config.MaxEntries)
	}
	return nil
}

// Create creates a new memory KV store instance.
func (f *MemoryKVStoreFactory) Create(config KVStoreConfig) (core.KVStore, error) {
	return NewMemoryKVStore(config.MaxEntries)
}

// init auto-registers the memory factory on package initialization.
func init() {
	RegisterFactory(&MemoryKVStoreFactory{})
}

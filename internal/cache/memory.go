package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shopscout/shopscout/internal/product"
)

// ensure memoryStore implements Store
var _ Store = (*memoryStore)(nil)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]product.CacheEntry
	now     func() time.Time
}

// NewMemory creates an in-process Store. It is the default backend; a
// cold memory cache is indistinguishable from a cache-disabled run
// except for latency.
func NewMemory() Store {
	return &memoryStore{
		entries: make(map[string]product.CacheEntry),
		now:     time.Now,
	}
}

// newMemoryWithClock is used by tests to control expiry.
func newMemoryWithClock(now func() time.Time) *memoryStore {
	return &memoryStore{
		entries: make(map[string]product.CacheEntry),
		now:     now,
	}
}

func (m *memoryStore) Get(ctx context.Context, key string) (product.Product, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return product.Product{}, false, nil
	}
	if entry.Expired(m.now()) {
		// Lazy purge; the entry is already a miss.
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return product.Product{}, false, nil
	}
	return entry.Product, true, nil
}

func (m *memoryStore) Set(ctx context.Context, key string, p product.Product, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	m.entries[key] = product.CacheEntry{Product: p, WrittenAt: m.now(), TTL: ttl}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) GetBatch(ctx context.Context, keys []string) (map[string]product.Product, error) {
	found := make(map[string]product.Product)
	for _, key := range keys {
		p, ok, err := m.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			found[key] = p
		}
	}
	return found, nil
}

func (m *memoryStore) SetBatch(ctx context.Context, products map[string]product.Product, ttl time.Duration) error {
	for key, p := range products {
		if err := m.Set(ctx, key, p, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryStore) Invalidate(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]product.CacheEntry)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error { return nil }

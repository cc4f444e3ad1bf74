package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is a single-process Store. Counters live in a plain map so they can never
// be evicted; entries live in a ttlcache bounded by capacity. It is used when no Redis is
// configured and as the store for tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
	items    *ttlcache.Cache[string, []byte]
}

// NewMemoryStore creates a store holding at most capacity entries (0 = unbounded)
func NewMemoryStore(capacity uint64) *MemoryStore {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](capacity))
	}
	return &MemoryStore{
		counters: make(map[string]int64),
		items:    ttlcache.New(opts...),
	}
}

// Start runs the expiry loop until Stop is called
func (m *MemoryStore) Start() {
	go m.items.Start()
}

// Stop ends the expiry loop
func (m *MemoryStore) Stop() {
	m.items.Stop()
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	n, isCounter := m.counters[key]
	m.mu.Unlock()
	if isCounter {
		return []byte(strconv.FormatInt(n, 10)), true, nil
	}

	item := m.items.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	m.items.Set(key, value, ttl)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of live entries, counters excluded
func (m *MemoryStore) Len() int {
	return m.items.Len()
}

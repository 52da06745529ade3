package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	value   []byte
	expires time.Time
}

// MemoryCache - кеш в памяти процесса. Подходит для одиночного узла или
// для нескольких узлов с NATS-инвалидацией.
type MemoryCache struct {
	mu     sync.Mutex
	items  map[string]memItem
	now    func() time.Time
	hits   int64
	misses int64
}

// NewMemoryCache создаёт пустой кеш.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memItem), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if ok && !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		ok = false
	}
	if !ok {
		m.misses++
		return nil, ErrCacheMiss
	}
	m.hits++
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := memItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Stats() Stats {
	m.mu.Lock()
	s := Stats{Hits: m.hits, Misses: m.misses, Keys: int64(len(m.items))}
	m.mu.Unlock()
	s.ratio()
	return s
}

func (m *MemoryCache) Close() error {
	m.mu.Lock()
	m.items = make(map[string]memItem)
	m.mu.Unlock()
	return nil
}

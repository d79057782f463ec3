package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// MemoryCache implements Cache in process memory. Expired entries are
// dropped on read and by a periodic sweep.
type MemoryCache struct {
	mu    sync.RWMutex
	data  map[string]entry
	now   func() time.Time
	done  chan struct{}
	close sync.Once
}

type entry struct {
	value   []byte
	expires time.Time // zero never expires
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache() *MemoryCache {
	mc := &MemoryCache{
		data: make(map[string]entry),
		now:  time.Now,
		done: make(chan struct{}),
	}
	go mc.sweep(sweepInterval)
	return mc
}

// Get retrieves a value from cache
func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || e.expired(m.now()) {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores a copy of value. A non-positive ttl keeps it until deleted.
func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.data[key] = e
	m.mu.Unlock()
	return nil
}

// Delete removes a value from cache
func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Exists checks if a key exists
func (m *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	return ok && !e.expired(m.now()), nil
}

// Clear removes all keys matching a glob pattern such as "device:*"
func (m *MemoryCache) Clear(_ context.Context, pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.data {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.data, key)
		}
	}
	return nil
}

func (m *MemoryCache) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			for key, e := range m.data {
				if e.expired(now) {
					delete(m.data, key)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

// Close stops the sweep. It is safe to call more than once.
func (m *MemoryCache) Close() error {
	m.close.Do(func() { close(m.done) })
	return nil
}

package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// item is a cached value with an optional expiration
type item struct {
	value      string
	expiration int64 // unix nanoseconds, 0 means no expiry
}

func (i item) expired(now int64) bool {
	return i.expiration > 0 && now > i.expiration
}

// Memory implements the Cache interface in-process. It is the default
// backend for single-node deployments and for tests.
type Memory struct {
	config    Config
	items     map[string]item
	mu        sync.Mutex
	connected bool
	janitor   *time.Ticker
	stopCh    chan struct{}
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]item),
	}
}

// Connect initializes the cache and starts the expiry janitor
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopCh = make(chan struct{})

	go func() {
		for {
			select {
			case <-m.janitor.C:
				m.deleteExpired()
			case <-m.stopCh:
				m.janitor.Stop()
				return
			}
		}
	}()

	m.connected = true
	return nil
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopCh)
	m.items = make(map[string]item)
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Name returns the name of this cache instance
func (m *Memory) Name() string {
	if m.config.Name != "" {
		return m.config.Name
	}
	return "memory"
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value from the cache
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return "", ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok || it.expired(time.Now().UnixNano()) {
		return "", ErrNotFound
	}
	return it.value, nil
}

// Set stores a value in the cache
func (m *Memory) Set(_ context.Context, key, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.items[key] = item{value: value, expiration: deadline(expiration)}
	return nil
}

// SetNX stores a value only if the key does not exist
func (m *Memory) SetNX(_ context.Context, key, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	if it, ok := m.items[key]; ok && !it.expired(time.Now().UnixNano()) {
		return false, nil
	}

	m.items[key] = item{value: value, expiration: deadline(expiration)}
	return true, nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	delete(m.items, key)
	return nil
}

// Exists checks if a key exists in the cache
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	it, ok := m.items[key]
	return ok && !it.expired(time.Now().UnixNano()), nil
}

// Increment atomically adds amount to a counter
func (m *Memory) Increment(_ context.Context, key string, amount int64) (int64, error) {
	return m.incr(key, amount, 0, false)
}

// IncrementWindow atomically adds amount to a counter, starting the expiry
// window when this call creates the key
func (m *Memory) IncrementWindow(_ context.Context, key string, amount int64, window time.Duration) (int64, error) {
	return m.incr(key, amount, window, true)
}

func (m *Memory) incr(key string, amount int64, window time.Duration, windowed bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	now := time.Now().UnixNano()
	it, ok := m.items[key]
	if !ok || it.expired(now) {
		exp := int64(0)
		if windowed {
			exp = deadline(window)
		}
		m.items[key] = item{value: strconv.FormatInt(amount, 10), expiration: exp}
		return amount, nil
	}

	cur, err := strconv.ParseInt(it.value, 10, 64)
	if err != nil {
		return 0, err
	}

	cur += amount
	it.value = strconv.FormatInt(cur, 10)
	m.items[key] = it
	return cur, nil
}

// Expire sets an expiration time on a key
func (m *Memory) Expire(_ context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	it, ok := m.items[key]
	if !ok || it.expired(time.Now().UnixNano()) {
		return ErrNotFound
	}

	it.expiration = deadline(expiration)
	m.items[key] = it
	return nil
}

// FlushAll removes all keys from the cache
func (m *Memory) FlushAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.items = make(map[string]item)
	return nil
}

// deleteExpired removes expired items; called by the janitor
func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for key, it := range m.items {
		if it.expired(now) {
			delete(m.items, key)
		}
	}
}

func deadline(expiration time.Duration) int64 {
	if expiration <= 0 {
		return 0
	}
	return time.Now().Add(expiration).UnixNano()
}

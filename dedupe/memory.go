package dedupe

import (
	"context"
	"sync"
	"time"
)

const defaultCleanupInterval = 5 * time.Minute

type memoryEntry struct {
	expiration time.Time
}

func (e memoryEntry) isExpired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// Memory is a process local store, suitable for long running consumers and tests.
type Memory struct {
	opts      Options
	items     sync.Map // map[string]memoryEntry
	closeOnce sync.Once
	stop      chan struct{}
}

// NewMemory creates an in-memory store and starts its expiry sweeper.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		opts: newOptions(opts...),
		stop: make(chan struct{}),
	}

	go m.sweep(defaultCleanupInterval)

	return m
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.items.Range(func(key, value any) bool {
				if entry, ok := value.(memoryEntry); ok && entry.isExpired(now) {
					m.items.Delete(key)
				}
				return true
			})
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) Seen(_ context.Context, id string) (bool, error) {
	key := m.opts.key(id)
	value, ok := m.items.Load(key)
	if !ok {
		return false, nil
	}

	entry, ok := value.(memoryEntry)
	if !ok || entry.isExpired(time.Now()) {
		m.items.Delete(key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Mark(_ context.Context, id string, ttl time.Duration) error {
	m.items.Store(m.opts.key(id), memoryEntry{expiration: time.Now().Add(m.opts.ttl(ttl))})
	return nil
}

// Close stops the sweeper. Stored ids stay readable.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	return nil
}

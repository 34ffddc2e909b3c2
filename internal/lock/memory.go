package lock

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avacache/internal/keyspace"
)

// memoryBackend holds locks in process. It is only correct when a single
// process uses the resources, e.g. when the shared tier is disabled.
type memoryBackend struct {
	now func() time.Time

	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// NewMemory creates a process-local manager.
func NewMemory(codec *keyspace.Codec, opts ...Option) *Manager {
	return newManager(codec, &memoryBackend{now: time.Now, locks: make(map[string]memoryLock)}, opts...)
}

func (b *memoryBackend) name() string { return "memory" }

// live returns the unexpired lock on key, purging an expired one.
// Must be called with lock held.
func (b *memoryBackend) live(key string) (memoryLock, bool) {
	l, ok := b.locks[key]
	if !ok {
		return memoryLock{}, false
	}
	if !b.now().Before(l.expiresAt) {
		delete(b.locks, key)
		return memoryLock{}, false
	}
	return l, true
}

func (b *memoryBackend) acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, held := b.live(key); held {
		return false, nil
	}
	b.locks[key] = memoryLock{token: token, expiresAt: b.now().Add(ttl)}
	return true, nil
}

func (b *memoryBackend) release(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, held := b.live(key)
	if !held || l.token != token {
		return false, nil
	}
	delete(b.locks, key)
	return true, nil
}

func (b *memoryBackend) extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, held := b.live(key)
	if !held || l.token != token {
		return false, nil
	}
	l.expiresAt = b.now().Add(ttl)
	b.locks[key] = l
	return true, nil
}

func (b *memoryBackend) sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for key, l := range b.locks {
		if !now.Before(l.expiresAt) {
			delete(b.locks, key)
			removed++
		}
	}
	return removed
}

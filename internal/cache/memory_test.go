package cache

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(key string, expiresAt time.Time) *memoryEntry {
	return &memoryEntry{key: key, value: []byte(key), expiresAt: expiresAt}
}

func TestMemoryLayer_LRUEviction(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := newMemoryLayer(2)

	m.set(entry("a", time.Time{}))
	m.set(entry("b", time.Time{}))

	// touch a so b becomes least recently used
	_, ok := m.get("a", now)
	require.True(t, ok)

	stored, evicted := m.set(entry("c", time.Time{}))
	assert.True(t, stored)
	assert.Equal(t, 1, evicted)

	_, ok = m.get("b", now)
	assert.False(t, ok)
	_, ok = m.get("a", now)
	assert.True(t, ok)
	_, ok = m.get("c", now)
	assert.True(t, ok)
	assert.Equal(t, 2, m.len())
}

func TestMemoryLayer_PinnedEntriesSurvive(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := newMemoryLayer(2)

	pinned := entry("p", time.Time{})
	pinned.pinned = true
	m.set(pinned)
	m.set(entry("a", time.Time{}))
	m.set(entry("b", time.Time{}))

	_, ok := m.get("p", now)
	assert.True(t, ok, "pinned entry must not be evicted")
	_, ok = m.get("a", now)
	assert.False(t, ok)
	_, ok = m.get("b", now)
	assert.True(t, ok)
}

func TestMemoryLayer_AllPinnedDropsInsert(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := newMemoryLayer(1)

	pinned := entry("p", time.Time{})
	pinned.pinned = true
	m.set(pinned)

	stored, _ := m.set(entry("x", time.Time{}))
	assert.False(t, stored)
	_, ok := m.get("x", now)
	assert.False(t, ok)

	// updating the pinned key in place keeps it pinned
	stored, _ = m.set(entry("p", time.Time{}))
	assert.True(t, stored)
	stored, _ = m.set(entry("y", time.Time{}))
	assert.False(t, stored)
}

func TestMemoryLayer_LazyExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := newMemoryLayer(10)
	m.set(entry("k", now.Add(time.Second)))

	_, ok := m.get("k", now)
	assert.True(t, ok)

	_, ok = m.get("k", now.Add(time.Second))
	assert.False(t, ok)
	assert.Equal(t, 0, m.len(), "expired entry is purged on read")
}

func TestMemoryLayer_Sweep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := newMemoryLayer(10)
	m.set(entry("old1", now.Add(-time.Second)))
	m.set(entry("old2", now))
	m.set(entry("live", now.Add(time.Minute)))
	m.set(entry("forever", time.Time{}))

	assert.Equal(t, 2, m.sweep(now))
	assert.Equal(t, 2, m.len())

	keys := m.keys(now)
	sort.Strings(keys)
	assert.Equal(t, []string{"forever", "live"}, keys)
}

func TestMemoryLayer_Delete(t *testing.T) {
	t.Parallel()

	m := newMemoryLayer(10)
	m.set(entry("k", time.Time{}))

	assert.True(t, m.delete("k"))
	assert.False(t, m.delete("k"))
	assert.False(t, m.contains("k", time.Now()))
}

func TestCapTTL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ttl   time.Duration
		limit time.Duration
		want  time.Duration
	}{
		{name: "no limit", ttl: time.Minute, want: time.Minute},
		{name: "no expiry no limit", ttl: 0, want: 0},
		{name: "under limit", ttl: time.Second, limit: time.Minute, want: time.Second},
		{name: "over limit", ttl: time.Hour, limit: time.Minute, want: time.Minute},
		{name: "no expiry capped", ttl: 0, limit: time.Minute, want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, capTTL(tt.ttl, tt.limit))
		})
	}
}

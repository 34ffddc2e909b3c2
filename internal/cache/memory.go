package cache

import (
	"container/list"
	"sync"
	"time"
)

// memoryLayer is the L1 tier: a bounded LRU keyed by caller key.
// Pinned entries are never evicted.
type memoryLayer struct {
	maxEntries int

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
}

type memoryEntry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time
	pinned    bool
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func newMemoryLayer(maxEntries int) *memoryLayer {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &memoryLayer{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
	}
}

// get returns the live entry for key and marks it most recently used.
// An expired entry is purged and reported absent.
func (m *memoryLayer) get(key string, now time.Time) (*memoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false
	}

	entry := elem.Value.(*memoryEntry)
	if entry.expired(now) {
		m.removeElement(elem)
		return nil, false
	}

	m.eviction.MoveToFront(elem)
	return entry, true
}

func (m *memoryLayer) contains(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return false
	}
	if elem.Value.(*memoryEntry).expired(now) {
		m.removeElement(elem)
		return false
	}
	return true
}

// set stores entry, evicting the least recently used unpinned entry when
// full. It returns false when every entry is pinned and nothing could be
// evicted, in which case the insert is dropped. Re-setting a pinned key
// keeps it pinned.
func (m *memoryLayer) set(entry *memoryEntry) (stored bool, evicted int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[entry.key]; ok {
		entry.pinned = entry.pinned || elem.Value.(*memoryEntry).pinned
		elem.Value = entry
		m.eviction.MoveToFront(elem)
		return true, 0
	}

	for m.eviction.Len() >= m.maxEntries {
		if !m.evictOldest() {
			return false, evicted
		}
		evicted++
	}

	m.items[entry.key] = m.eviction.PushFront(entry)
	return true, evicted
}

func (m *memoryLayer) delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return false
	}
	m.removeElement(elem)
	return true
}

// sweep removes every expired entry and returns how many were removed.
func (m *memoryLayer) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for elem := m.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryEntry).expired(now) {
			m.removeElement(elem)
			removed++
		}
		elem = prev
	}
	return removed
}

// keys returns a snapshot of the live keys.
func (m *memoryLayer) keys(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.items))
	for key, elem := range m.items {
		if !elem.Value.(*memoryEntry).expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// clear drops every entry, pinned or not, and returns how many there were.
func (m *memoryLayer) clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.eviction.Len()
	m.items = make(map[string]*list.Element)
	m.eviction.Init()
	return n
}

func (m *memoryLayer) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eviction.Len()
}

// evictOldest removes the least recently used unpinned entry.
// Must be called with lock held.
func (m *memoryLayer) evictOldest() bool {
	for elem := m.eviction.Back(); elem != nil; elem = elem.Prev() {
		if !elem.Value.(*memoryEntry).pinned {
			m.removeElement(elem)
			return true
		}
	}
	return false
}

// removeElement must be called with lock held.
func (m *memoryLayer) removeElement(elem *list.Element) {
	m.eviction.Remove(elem)
	delete(m.items, elem.Value.(*memoryEntry).key)
}

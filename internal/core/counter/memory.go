package counter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore is a process-local Store. It is only shared by callers in the
// same process.
type MemoryStore struct {
	Clock func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.live(key)
	if !ok {
		return 0, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensure()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensure()
	entry, ok := m.live(key)
	if !ok {
		entry = memoryEntry{expiresAt: m.expiry(ttl)}
	}
	entry.value++
	m.entries[key] = entry
	return entry.value, nil
}

func (m *MemoryStore) Decrement(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.live(key)
	if !ok {
		return 0, nil
	}
	if entry.value > 0 {
		entry.value--
	}
	m.entries[key] = entry
	return entry.value, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []Entry{}
	for key := range m.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, ok := m.live(key)
		if !ok {
			continue
		}
		out = append(out, Entry{Key: key, Value: entry.value, ExpiresAt: entry.expiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Reset(ctx context.Context, prefix string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// live returns the entry when present and unexpired, evicting it otherwise.
// Callers hold m.mu.
func (m *MemoryStore) live(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryStore) ensure() {
	if m.entries == nil {
		m.entries = make(map[string]memoryEntry)
	}
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}

package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps encoded entries in a map. Safe for concurrent use.
// Entries are stored encoded so callers cannot mutate cached payloads through shared slices.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (m *MemoryBackend) Save(ctx context.Context, entry Entry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[entry.Key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Scan visits entries in key order against a snapshot taken under the read lock.
func (m *MemoryBackend) Scan(ctx context.Context, fn func(Entry) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	snapshot := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		keys = append(keys, k)
		snapshot[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e, err := decodeEntry(snapshot[k])
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{ItemCount: int64(len(m.data))}
	for _, v := range m.data {
		st.SizeBytes += int64(len(v))
	}
	return st, nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

// snapshot returns a copy of the raw map for persistence.
func (m *MemoryBackend) snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// restore replaces the contents with raw.
func (m *MemoryBackend) restore(raw map[string][]byte) {
	m.mu.Lock()
	m.data = raw
	m.mu.Unlock()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const (
	memcachedKeyPrefix = "airquality:"
	memcachedIndexKey  = "airquality:index"
	maxRelativeExp     = 30 * 24 * 60 * 60 // memcached treats larger values as absolute timestamps
	casAttempts        = 8
)

// memcacheClient is the subset of *memcache.Client the backend uses.
type memcacheClient interface {
	Get(key string) (*memcache.Item, error)
	GetMulti(keys []string) (map[string]*memcache.Item, error)
	Set(item *memcache.Item) error
	Add(item *memcache.Item) error
	CompareAndSwap(item *memcache.Item) error
	Delete(key string) error
	Ping() error
	Close() error
}

// MemcachedBackend stores entries in memcached. Memcached cannot enumerate keys, so a JSON key
// index is kept under its own item and updated with compare-and-swap. Entries expire after the
// retention window; the index never expires, since it is only rewritten when its key set changes.
// Scan drops index keys whose entries have expired.
type MemcachedBackend struct {
	client     memcacheClient
	expiration int32
}

// MemcachedOptions configures the memcached client.
type MemcachedOptions struct {
	// Addrs is a comma-separated list (e.g. "localhost:11211" or "host1:11211,host2:11211").
	Addrs        string
	Timeout      time.Duration
	MaxIdleConns int
	Retention    time.Duration
}

// NewMemcachedBackend creates a MemcachedBackend. Timeout and MaxIdleConns use client defaults when zero.
func NewMemcachedBackend(opts MemcachedOptions) (*MemcachedBackend, error) {
	servers := parseAddrs(opts.Addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if opts.Timeout > 0 {
		client.Timeout = opts.Timeout
	}
	if opts.MaxIdleConns > 0 {
		client.MaxIdleConns = opts.MaxIdleConns
	}
	exp := int32(opts.Retention.Seconds())
	if exp <= 0 || exp > maxRelativeExp {
		exp = maxRelativeExp
	}
	return &MemcachedBackend{client: client, expiration: exp}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (m *MemcachedBackend) Name() string { return "memcached" }

func (m *MemcachedBackend) itemKey(k string) string {
	return memcachedKeyPrefix + k
}

func (m *MemcachedBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	item, err := m.client.Get(m.itemKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, err := decodeEntry(item.Value)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (m *MemcachedBackend) Save(ctx context.Context, entry Entry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := m.client.Set(&memcache.Item{
		Key:        m.itemKey(entry.Key),
		Value:      raw,
		Expiration: m.expiration,
	}); err != nil {
		return err
	}
	return m.updateIndex(func(keys map[string]struct{}) bool {
		if _, ok := keys[entry.Key]; ok {
			return false
		}
		keys[entry.Key] = struct{}{}
		return true
	})
}

func (m *MemcachedBackend) Delete(ctx context.Context, key string) error {
	if err := m.client.Delete(m.itemKey(key)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return m.updateIndex(func(keys map[string]struct{}) bool {
		if _, ok := keys[key]; !ok {
			return false
		}
		delete(keys, key)
		return true
	})
}

func (m *MemcachedBackend) Scan(ctx context.Context, fn func(Entry) error) error {
	keys, err := m.indexKeys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.itemKey(k)
	}
	items, err := m.client.GetMulti(full)
	if err != nil {
		return err
	}
	var expired []string
	for i, k := range full {
		item, ok := items[k]
		if !ok {
			expired = append(expired, keys[i])
			continue
		}
		e, err := decodeEntry(item.Value)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if len(expired) > 0 {
		return m.pruneIndex(expired)
	}
	return nil
}

// pruneIndex removes keys from the index unless their entry reappeared since the scan.
func (m *MemcachedBackend) pruneIndex(keys []string) error {
	return m.updateIndex(func(index map[string]struct{}) bool {
		changed := false
		for _, k := range keys {
			if _, ok := index[k]; !ok {
				continue
			}
			if _, err := m.client.Get(m.itemKey(k)); err == nil {
				continue
			}
			delete(index, k)
			changed = true
		}
		return changed
	})
}

// Clear deletes indexed entries only; other tenants of the memcached pool are untouched.
func (m *MemcachedBackend) Clear(ctx context.Context) error {
	keys, err := m.indexKeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.client.Delete(m.itemKey(k)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return err
		}
	}
	if err := m.client.Delete(memcachedIndexKey); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

func (m *MemcachedBackend) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := m.Scan(ctx, func(e Entry) error {
		raw, err := encodeEntry(e)
		if err != nil {
			return err
		}
		st.ItemCount++
		st.SizeBytes += int64(len(raw))
		return nil
	})
	return st, err
}

// Ping checks if memcached is reachable. Used for health checks.
func (m *MemcachedBackend) Ping(ctx context.Context) error {
	return m.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (m *MemcachedBackend) Close() error {
	return m.client.Close()
}

func (m *MemcachedBackend) indexKeys() ([]string, error) {
	item, err := m.client.Get(memcachedIndexKey)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(item.Value, &keys); err != nil {
		return nil, fmt.Errorf("decode key index: %w", err)
	}
	return keys, nil
}

// updateIndex applies mutate to the key index with optimistic concurrency.
// mutate reports whether it changed the set; unchanged sets are not written.
func (m *MemcachedBackend) updateIndex(mutate func(map[string]struct{}) bool) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		item, err := m.client.Get(memcachedIndexKey)
		if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return err
		}
		keys := make(map[string]struct{})
		if item != nil {
			var list []string
			if err := json.Unmarshal(item.Value, &list); err != nil {
				return fmt.Errorf("decode key index: %w", err)
			}
			for _, k := range list {
				keys[k] = struct{}{}
			}
		}
		if !mutate(keys) {
			return nil
		}
		list := make([]string, 0, len(keys))
		for k := range keys {
			list = append(list, k)
		}
		sort.Strings(list)
		raw, err := json.Marshal(list)
		if err != nil {
			return err
		}

		if item == nil {
			err = m.client.Add(&memcache.Item{Key: memcachedIndexKey, Value: raw})
			if errors.Is(err, memcache.ErrNotStored) {
				continue
			}
			return err
		}
		item.Value = raw
		item.Expiration = 0
		err = m.client.CompareAndSwap(item)
		if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrNotStored) {
			continue
		}
		return err
	}
	return fmt.Errorf("update key index: gave up after %d attempts", casAttempts)
}

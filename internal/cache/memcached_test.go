package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// fakeMemcache is an in-process memcached honouring relative expirations against a fake clock.
type fakeMemcache struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	items   map[string]memcache.Item
	expires map[string]time.Time
}

func newFakeMemcache(clock clockwork.Clock) *fakeMemcache {
	return &fakeMemcache{clock: clock, items: map[string]memcache.Item{}, expires: map[string]time.Time{}}
}

func (f *fakeMemcache) liveLocked(key string) (memcache.Item, bool) {
	item, ok := f.items[key]
	if !ok {
		return memcache.Item{}, false
	}
	if exp, ok := f.expires[key]; ok && !f.clock.Now().Before(exp) {
		delete(f.items, key)
		delete(f.expires, key)
		return memcache.Item{}, false
	}
	return item, true
}

func (f *fakeMemcache) storeLocked(item *memcache.Item) {
	stored := *item
	stored.Value = append([]byte(nil), item.Value...)
	f.items[item.Key] = stored
	if item.Expiration > 0 {
		f.expires[item.Key] = f.clock.Now().Add(time.Duration(item.Expiration) * time.Second)
	} else {
		delete(f.expires, item.Key)
	}
}

func (f *fakeMemcache) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.liveLocked(key)
	if !ok {
		return nil, memcache.ErrCacheMiss
	}
	return &item, nil
}

func (f *fakeMemcache) GetMulti(keys []string) (map[string]*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*memcache.Item)
	for _, k := range keys {
		if item, ok := f.liveLocked(k); ok {
			out[k] = &item
		}
	}
	return out, nil
}

func (f *fakeMemcache) Set(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeLocked(item)
	return nil
}

func (f *fakeMemcache) Add(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.liveLocked(item.Key); ok {
		return memcache.ErrNotStored
	}
	f.storeLocked(item)
	return nil
}

func (f *fakeMemcache) CompareAndSwap(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.liveLocked(item.Key); !ok {
		return memcache.ErrNotStored
	}
	f.storeLocked(item)
	return nil
}

func (f *fakeMemcache) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.liveLocked(key); !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.items, key)
	delete(f.expires, key)
	return nil
}

func (f *fakeMemcache) Ping() error  { return nil }
func (f *fakeMemcache) Close() error { return nil }

func newFakeMemcachedBackend(clock clockwork.Clock, retention time.Duration) (*MemcachedBackend, *fakeMemcache) {
	fake := newFakeMemcache(clock)
	return &MemcachedBackend{client: fake, expiration: int32(retention.Seconds())}, fake
}

func memcachedEntry(key string, at time.Time) Entry {
	return Entry{
		Key:       key,
		Origin:    models.Location{City: key},
		Payload:   []models.StationReading{{StationName: key + "-1"}},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// TestMemcachedBackend_Clear_AfterRetentionWithRefreshedKeys verifies keys refreshed past the retention
// window stay enumerable, so Clear still removes them and Stats reports zero afterwards.
func TestMemcachedBackend_Clear_AfterRetentionWithRefreshedKeys(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b, _ := newFakeMemcachedBackend(clock, 168*time.Hour)

	for i := 0; i < 10; i++ {
		if err := b.Save(ctx, memcachedEntry("berlin", clock.Now())); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		clock.Advance(30 * time.Hour)
	}

	st, err := b.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.ItemCount != 1 {
		t.Fatalf("Stats().ItemCount = %d after %v, want 1", st.ItemCount, 300*time.Hour)
	}

	if err := b.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok, err := b.Load(ctx, "berlin"); err != nil || ok {
		t.Errorf("Load() after Clear = ok %v, err %v, want miss", ok, err)
	}
	if st, _ := b.Stats(ctx); st.ItemCount != 0 {
		t.Errorf("Stats().ItemCount after Clear = %d, want 0", st.ItemCount)
	}
}

// TestMemcachedBackend_Scan_PrunesExpiredKeys verifies entries that expired out of memcached are
// dropped from the key index on the next scan.
func TestMemcachedBackend_Scan_PrunesExpiredKeys(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	b, _ := newFakeMemcachedBackend(clock, time.Hour)

	if err := b.Save(ctx, memcachedEntry("hamburg", clock.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	clock.Advance(2 * time.Hour)
	if err := b.Save(ctx, memcachedEntry("koeln", clock.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var seen []string
	if err := b.Scan(ctx, func(e Entry) error {
		seen = append(seen, e.Key)
		return nil
	}); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(seen) != 1 || seen[0] != "koeln" {
		t.Errorf("Scan() keys = %v, want [koeln]", seen)
	}
	keys, err := b.indexKeys()
	if err != nil {
		t.Fatalf("indexKeys() error = %v", err)
	}
	if len(keys) != 1 || keys[0] != "koeln" {
		t.Errorf("index = %v, want [koeln]", keys)
	}
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// DefaultTTL is the freshness window for cached payloads.
const DefaultTTL = time.Hour

// ErrPersistence wraps every backend read or write failure.
var ErrPersistence = errors.New("cache persistence failure")

// Entry is one cached payload with its origin location and timestamps.
type Entry struct {
	Key       string                  `json:"key"`
	Origin    models.Location         `json:"origin"`
	Payload   []models.StationReading `json:"payload"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Stats summarises backend contents. SizeBytes is the encoded payload volume.
type Stats struct {
	Backend   string `json:"backend"`
	ItemCount int64  `json:"item_count"`
	SizeBytes int64  `json:"size_bytes"`
}

// Backend is the storage contract every cache implementation satisfies. Backends store and
// return entries verbatim; freshness and created_at preservation are applied by Store.
type Backend interface {
	Name() string
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, entry Entry) error
	Delete(ctx context.Context, key string) error
	// Scan calls fn for every stored entry regardless of age. A non-nil error from fn stops the scan.
	Scan(ctx context.Context, fn func(Entry) error) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Store applies TTL semantics on top of a Backend. Expired entries are never returned by Get
// but stay in the backend until the stale sweep refreshes them or Sweep removes them.
type Store struct {
	backend Backend
	ttl     time.Duration
	clock   clockwork.Clock

	// mu serializes the load-then-save sequence in Set.
	mu sync.Mutex
}

// NewStore creates a Store. ttl <= 0 uses DefaultTTL; a nil clock uses the real clock.
func NewStore(backend Backend, ttl time.Duration, clock clockwork.Clock) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{backend: backend, ttl: ttl, clock: clock}
}

// TTL returns the freshness window.
func (s *Store) TTL() time.Duration { return s.ttl }

// BackendName returns the configured backend name.
func (s *Store) BackendName() string { return s.backend.Name() }

// Get returns the entry for key when present and fresh.
// Returns (entry, true, nil) on hit, (zero, false, nil) on miss or expiry, (zero, false, err) on backend failure.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool, error) {
	start := time.Now()
	entry, ok, err := s.backend.Load(ctx, key)
	if err != nil {
		s.observe("get", "error", start)
		observability.CacheLookupsTotal.WithLabelValues(s.backend.Name(), "error").Inc()
		return Entry{}, false, s.wrap("get", err)
	}
	s.observe("get", "success", start)
	if !ok {
		observability.CacheLookupsTotal.WithLabelValues(s.backend.Name(), "miss").Inc()
		return Entry{}, false, nil
	}
	if !s.fresh(entry) {
		observability.CacheLookupsTotal.WithLabelValues(s.backend.Name(), "stale").Inc()
		return Entry{}, false, nil
	}
	observability.CacheLookupsTotal.WithLabelValues(s.backend.Name(), "hit").Inc()
	return entry, true, nil
}

// Set upserts payload under key. The first write sets created_at and updated_at to now;
// later writes refresh updated_at and keep created_at.
func (s *Store) Set(ctx context.Context, key string, origin models.Location, payload []models.StationReading) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.clock.Now().UTC()
	entry := Entry{
		Key:       key,
		Origin:    origin,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	prev, ok, err := s.backend.Load(ctx, key)
	if err != nil {
		s.observe("set", "error", start)
		return Entry{}, s.wrap("set", err)
	}
	if ok && !prev.CreatedAt.IsZero() && !prev.CreatedAt.After(now) {
		entry.CreatedAt = prev.CreatedAt
	}
	if err := s.backend.Save(ctx, entry); err != nil {
		s.observe("set", "error", start)
		return Entry{}, s.wrap("set", err)
	}
	s.observe("set", "success", start)
	return entry, nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Clear(ctx); err != nil {
		return s.wrap("clear", err)
	}
	return nil
}

// Stats reports item count and encoded size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st, err := s.backend.Stats(ctx)
	if err != nil {
		return Stats{}, s.wrap("stats", err)
	}
	st.Backend = s.backend.Name()
	return st, nil
}

// Ping checks backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases backend resources.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Stale returns entries whose updated_at is at least TTL old, oldest first.
func (s *Store) Stale(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := s.backend.Scan(ctx, func(e Entry) error {
		if !s.fresh(e) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("scan", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// LastUpdated returns the most recent updated_at across all entries.
func (s *Store) LastUpdated(ctx context.Context) (time.Time, bool, error) {
	var latest time.Time
	err := s.backend.Scan(ctx, func(e Entry) error {
		if e.UpdatedAt.After(latest) {
			latest = e.UpdatedAt
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, s.wrap("scan", err)
	}
	return latest, !latest.IsZero(), nil
}

// Sweep deletes entries whose updated_at is older than retention and returns how many were removed.
func (s *Store) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	if retention < s.ttl {
		retention = s.ttl
	}
	cutoff := s.clock.Now().Add(-retention)
	var expired []string
	err := s.backend.Scan(ctx, func(e Entry) error {
		if e.UpdatedAt.Before(cutoff) {
			expired = append(expired, e.Key)
		}
		return nil
	})
	if err != nil {
		return 0, s.wrap("sweep", err)
	}
	for i, key := range expired {
		if err := s.backend.Delete(ctx, key); err != nil {
			return i, s.wrap("sweep", err)
		}
	}
	return len(expired), nil
}

// LocationActivity is one row of the top-locations report.
type LocationActivity struct {
	Location    string    `json:"location"`
	Entries     int       `json:"entries"`
	LastUpdated time.Time `json:"last_updated"`
}

// TopLocations groups entries by normalized city, or by rounded coordinates when no city was given,
// and returns the n most active groups ordered by entry count then recency.
func (s *Store) TopLocations(ctx context.Context, n int) ([]LocationActivity, error) {
	groups := make(map[string]*LocationActivity)
	err := s.backend.Scan(ctx, func(e Entry) error {
		label := locationLabel(e.Origin)
		g, ok := groups[label]
		if !ok {
			g = &LocationActivity{Location: label}
			groups[label] = g
		}
		g.Entries++
		if e.UpdatedAt.After(g.LastUpdated) {
			g.LastUpdated = e.UpdatedAt
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("scan", err)
	}

	out := make([]LocationActivity, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entries != out[j].Entries {
			return out[i].Entries > out[j].Entries
		}
		if !out[i].LastUpdated.Equal(out[j].LastUpdated) {
			return out[i].LastUpdated.After(out[j].LastUpdated)
		}
		return out[i].Location < out[j].Location
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// FindStation returns the most recently cached reading for the named station among fresh entries.
func (s *Store) FindStation(ctx context.Context, name string) (models.StationReading, time.Time, bool, error) {
	var (
		found   models.StationReading
		foundAt time.Time
		ok      bool
	)
	want := strings.TrimSpace(name)
	err := s.backend.Scan(ctx, func(e Entry) error {
		if !s.fresh(e) || (ok && !e.UpdatedAt.After(foundAt)) {
			return nil
		}
		for _, r := range e.Payload {
			if strings.EqualFold(r.StationName, want) {
				found, foundAt, ok = r, e.UpdatedAt, true
				break
			}
		}
		return nil
	})
	if err != nil {
		return models.StationReading{}, time.Time{}, false, s.wrap("scan", err)
	}
	return found, foundAt, ok, nil
}

func (s *Store) fresh(e Entry) bool {
	return s.clock.Since(e.UpdatedAt) < s.ttl
}

func (s *Store) wrap(op string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrPersistence, s.backend.Name(), op, err)
}

func (s *Store) observe(op, result string, start time.Time) {
	observability.CacheOperationDuration.WithLabelValues(s.backend.Name(), op, result).Observe(time.Since(start).Seconds())
}

func locationLabel(loc models.Location) string {
	if c := NormalizeCity(loc.City); c != "" {
		return c
	}
	return formatCoordinate(loc.Latitude) + "," + formatCoordinate(loc.Longitude)
}

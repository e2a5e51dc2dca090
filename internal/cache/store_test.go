package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// failingBackend returns errBackend from every operation.
type failingBackend struct{ MemoryBackend }

var errBackend = errors.New("connection refused")

func (f *failingBackend) Name() string { return "failing" }
func (f *failingBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	return Entry{}, false, errBackend
}
func (f *failingBackend) Save(ctx context.Context, e Entry) error { return errBackend }
func (f *failingBackend) Scan(ctx context.Context, fn func(Entry) error) error {
	return errBackend
}

// TestStore_BackendErrorsWrapPersistence verifies backend failures surface as ErrPersistence
// while keeping the underlying cause.
func TestStore_BackendErrorsWrapPersistence(t *testing.T) {
	s := NewStore(&failingBackend{}, time.Hour, nil)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	if ok || !errors.Is(err, ErrPersistence) || !errors.Is(err, errBackend) {
		t.Errorf("Get() = (%v, %v), want ErrPersistence wrapping cause", ok, err)
	}
	if _, err := s.Set(ctx, "k", models.Location{}, nil); !errors.Is(err, ErrPersistence) {
		t.Errorf("Set() error = %v, want ErrPersistence", err)
	}
	if _, err := s.Stale(ctx); !errors.Is(err, ErrPersistence) {
		t.Errorf("Stale() error = %v, want ErrPersistence", err)
	}
}

// TestStore_DefaultTTL verifies non-positive TTLs fall back to one hour.
func TestStore_DefaultTTL(t *testing.T) {
	if got := NewStore(NewMemoryBackend(), 0, nil).TTL(); got != time.Hour {
		t.Errorf("TTL() = %v, want 1h", got)
	}
}

// TestStore_ExpiredEntriesRetained verifies Get does not delete expired entries,
// so the stale sweep can still find and refresh them.
func TestStore_ExpiredEntriesRetained(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore(NewMemoryBackend(), time.Hour, clock)
	ctx := context.Background()
	if _, err := s.Set(ctx, "k", models.Location{City: "Berlin"}, []models.StationReading{{StationName: "A"}}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	clock.Advance(2 * time.Hour)

	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("Get() ok = true for expired entry")
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.ItemCount != 1 {
		t.Errorf("ItemCount = %d, want expired entry retained", st.ItemCount)
	}
}

// TestStore_FindStation verifies lookup by station name across fresh entries, newest first.
func TestStore_FindStation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore(NewMemoryBackend(), time.Hour, clock)
	ctx := context.Background()
	v1, v2 := 5.0, 9.0
	older := []models.StationReading{{StationName: "Berlin Mitte", PM25: []models.Measurement{{Value: &v1}}}}
	newer := []models.StationReading{{StationName: "Berlin Mitte", PM25: []models.Measurement{{Value: &v2}}}}

	if _, err := s.Set(ctx, "a", models.Location{City: "Berlin"}, older); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := s.Set(ctx, "b", models.Location{Latitude: 52.5}, newer); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, at, ok, err := s.FindStation(ctx, "berlin mitte")
	if err != nil || !ok {
		t.Fatalf("FindStation() = (%v, %v), want found", ok, err)
	}
	if *got.PM25[0].Value != 9 {
		t.Errorf("FindStation() pm25 = %v, want newest reading 9", *got.PM25[0].Value)
	}
	if !at.Equal(clock.Now().UTC()) {
		t.Errorf("FindStation() at = %v, want %v", at, clock.Now())
	}

	if _, _, ok, _ := s.FindStation(ctx, "Nowhere"); ok {
		t.Error("FindStation(unknown) ok = true")
	}
}

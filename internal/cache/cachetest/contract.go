// Package cachetest holds the behavioural contract every cache.Backend must satisfy.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/air-quality-service/internal/cache"
	"github.com/kjstillabower/air-quality-service/internal/models"
)

// Factory returns an empty backend. Backends bound to shared servers must be cleared before returning;
// the suite closes each backend when the subtest ends.
type Factory func(t *testing.T) cache.Backend

var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s *cache.Store, clock clockwork.FakeClock)
	}{
		{"MissOnUnknownKey", testMissOnUnknownKey},
		{"RoundTripWithinTTL", testRoundTripWithinTTL},
		{"AbsentOnceTTLElapsed", testAbsentOnceTTLElapsed},
		{"UpsertKeepsCreatedAt", testUpsertKeepsCreatedAt},
		{"SetRevivesExpiredEntry", testSetRevivesExpiredEntry},
		{"ClearEmptiesStore", testClearEmptiesStore},
		{"StatsCountsItems", testStatsCountsItems},
		{"StaleListsOnlyExpired", testStaleListsOnlyExpired},
		{"LastUpdatedTracksNewest", testLastUpdatedTracksNewest},
		{"SweepRemovesPastRetention", testSweepRemovesPastRetention},
		{"TopLocationsGroupsByCity", testTopLocationsGroupsByCity},
		{"ConcurrentSets", testConcurrentSets},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newBackend(t)
			t.Cleanup(func() { _ = backend.Close() })
			clock := clockwork.NewFakeClockAt(epoch)
			tt.fn(t, cache.NewStore(backend, time.Hour, clock), clock)
		})
	}
}

func ptr(v float64) *float64 { return &v }

// Reading builds a deterministic StationReading fixture.
func Reading(name string, pm25 float64) models.StationReading {
	return models.StationReading{
		StationName: name,
		City:        "Berlin",
		Country:     "DE",
		Distance:    ptr(1234.5),
		Coordinates: models.Coordinates{Latitude: 52.52, Longitude: 13.405},
		PM25: []models.Measurement{{
			Value: ptr(pm25),
			Unit:  "µg/m³",
			Period: models.Period{
				Label:        "1 day",
				DatetimeFrom: models.Datetime{UTC: "2025-02-28T00:00:00Z", Local: "2025-02-28T01:00:00+01:00"},
				DatetimeTo:   models.Datetime{UTC: "2025-03-01T00:00:00Z", Local: "2025-03-01T01:00:00+01:00"},
			},
		}},
		PM10: []models.Measurement{{Value: ptr(pm25 * 2), Unit: "µg/m³"}},
	}
}

var berlin = models.Location{City: "Berlin", Latitude: 52.52, Longitude: 13.405}

func testMissOnUnknownKey(t *testing.T, s *cache.Store, _ clockwork.FakeClock) {
	_, ok, err := s.Get(context.Background(), "never-set")
	require.NoError(t, err)
	require.False(t, ok)
}

func testRoundTripWithinTTL(t *testing.T, s *cache.Store, _ clockwork.FakeClock) {
	ctx := context.Background()
	payload := []models.StationReading{Reading("Station A", 11), Reading("Station B", 7)}

	_, err := s.Set(ctx, "k1", berlin, payload)
	require.NoError(t, err)

	got, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, got.Payload)
	require.Equal(t, "k1", got.Key)
	require.Equal(t, berlin, got.Origin)
	require.True(t, got.CreatedAt.Equal(epoch), "created_at = %v", got.CreatedAt)
	require.True(t, got.UpdatedAt.Equal(epoch), "updated_at = %v", got.UpdatedAt)
}

func testAbsentOnceTTLElapsed(t *testing.T, s *cache.Store, clock clockwork.FakeClock) {
	ctx := context.Background()
	_, err := s.Set(ctx, "k1", berlin, []models.StationReading{Reading("Station A", 11)})
	require.NoError(t, err)

	clock.Advance(time.Hour - time.Second)
	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok, "entry should be fresh just before TTL")

	clock.Advance(time.Second)
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok, "entry aged exactly TTL must be absent")
}

func testUpsertKeepsCreatedAt(t *testing.T, s *cache.Store, clock clockwork.FakeClock) {
	ctx := context.Background()
	_, err := s.Set(ctx, "k1", berlin, []models.StationReading{Reading("Station A", 11)})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	replacement := []models.StationReading{Reading("Station C", 3)}
	_, err = s.Set(ctx, "k1", berlin, replacement)
	require.NoError(t, err)

	got, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, replacement, got.Payload)
	require.True(t, got.CreatedAt.Equal(epoch), "created_at = %v, want %v", got.CreatedAt, epoch)
	require.True(t, got.UpdatedAt.Equal(epoch.Add(10*time.Minute)), "updated_at = %v", got.UpdatedAt)
}

func testSetRevivesExpiredEntry(t *testing.T, s *cache.Store, clock clockwork.FakeClock) {
	ctx := context.Background()
	_, err := s.Set(ctx, "k1", berlin, []models.StationReading{Reading("Station A", 11)})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Set(ctx, "k1", berlin, []models.StationReading{Reading("Station A", 12)})
	require.NoError(t, err)
	got, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.CreatedAt.Equal(epoch))
	require.True(t, !got.UpdatedAt.Before(got.CreatedAt))
}

func testClearEmptiesStore(t *testing.T, s *cache.Store, _ clockwork.FakeClock) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Set(ctx, fmt.Sprintf("k%d", i), berlin, []models.StationReading{Reading("Station A", 1)})
		require.NoError(t, err)
	}

	require.NoError(t, s.Clear(ctx))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.ItemCount)
	_, ok, err := s.Get(ctx, "k0")
	require.NoError(t, err)
	require.False(t, ok)
}

func testStatsCountsItems(t *testing.T, s *cache.Store, _ clockwork.FakeClock) {
	ctx := context.Background()
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.ItemCount)

	_, err = s.Set(ctx, "k1", berlin, []models.StationReading{Reading("Station A", 1)})
	require.NoError(t, err)
	_, err = s.Set(ctx, "k2", berlin, []models.StationReading{Reading("Station B", 2)})
	require.NoError(t, err)
	_, err = s.Set(ctx, "k2", berlin, []models.StationReading{Reading("Station B", 3)})
	require.NoError(t, err)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.ItemCount)
	require.Positive(t, st.SizeBytes)
	require.Equal(t, s.BackendName(), st.Backend)
}

func testStaleListsOnlyExpired(t *testing.T, s *cache.Store, clock clockwork.FakeClock) {
	ctx := context.Background()
	hamburg := models.Location{City: "Hamburg", Latitude: 53.5511, Longitude: 9.9937}
	_, err := s.Set(ctx, "old", hamburg, []models.StationReading{Reading("Station A", 1)})
	require.NoError(t, err)
	clock.Advance(90 * time.Minute)
	_, err = s.Set(ctx, "new", berlin, []models.StationReading{Reading("Station B", 1)})
	require.NoError(t, err)

	stale, err := s.Stale(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "old", stale[0].Key)
	require.Equal(t, hamburg, stale[0].Origin)
}

func testLastUpdatedTracksNewest(t *testing.T, s *cache.Store, clock clockwork.FakeClock) {
	ctx := context.Background()
	_, ok, err := s.LastUpdated(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Set(ctx, "k1", berlin, []models.StationReading{Reading("Station A", 1)})
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	_, err = s.Set(ctx, "k2", berlin, []models.StationReading{Reading("Station B", 1)})
	require.NoError(t, err)

	last, ok, err := s.LastUpdated(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, last.Equal(epoch.Add(5*time.Minute)), "last = %v", last)
}

func testSweepRemovesPastRetention(t *testing.T, s *cache.Store, clock clockwork.FakeClock) {
	ctx := context.Background()
	_, err := s.Set(ctx, "ancient", berlin, []models.StationReading{Reading("Station A", 1)})
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = s.Set(ctx, "recent", berlin, []models.StationReading{Reading("Station B", 1)})
	require.NoError(t, err)

	n, err := s.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), st.ItemCount)
}

func testTopLocationsGroupsByCity(t *testing.T, s *cache.Store, clock clockwork.FakeClock) {
	ctx := context.Background()
	set := func(key string, loc models.Location) {
		_, err := s.Set(ctx, key, loc, []models.StationReading{Reading("Station A", 1)})
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	set("a", models.Location{City: "Berlin"})
	set("b", models.Location{City: " berlin "})
	set("c", models.Location{City: "Hamburg"})
	set("d", models.Location{Latitude: 48.13512, Longitude: 11.58198})

	top, err := s.TopLocations(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, "berlin", top[0].Location)
	require.Equal(t, 2, top[0].Entries)
	require.Equal(t, "48.135,11.582", top[1].Location, "ties break on most recent update")
}

func testConcurrentSets(t *testing.T, s *cache.Store, _ clockwork.FakeClock) {
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := s.Set(ctx, fmt.Sprintf("key-%d", i), berlin, []models.StationReading{Reading("Station A", float64(i))})
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := s.Set(ctx, "shared", berlin, []models.StationReading{Reading("Station S", float64(i))})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(21), st.ItemCount)
	got, ok, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Payload, 1)
	require.True(t, got.CreatedAt.Equal(epoch))
}

package history

import (
	"context"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// MemoryStore keeps the log in process memory. Used for development and tests.
type MemoryStore struct {
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	stations map[string]models.HistoricalStation
	records  []models.MeasurementRecord
	nextID   int64
}

// NewMemoryStore creates an empty MemoryStore. A nil clock uses the real clock.
func NewMemoryStore(clock clockwork.Clock, logger *zap.Logger) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:    clock,
		logger:   logger,
		stations: make(map[string]models.HistoricalStation),
	}
}

func (s *MemoryStore) Append(ctx context.Context, readings []models.StationReading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range readings {
		st, ok := s.stations[r.StationName]
		if !ok {
			st = models.HistoricalStation{
				ID:        int64(len(s.stations) + 1),
				Name:      r.StationName,
				City:      r.City,
				Latitude:  r.Coordinates.Latitude,
				Longitude: r.Coordinates.Longitude,
				CreatedAt: now,
			}
			s.stations[r.StationName] = st
		}
		for _, p := range recordsFor(r, now, s.logger) {
			s.nextID++
			s.records = append(s.records, models.MeasurementRecord{
				ID:        s.nextID,
				StationID: st.ID,
				Parameter: p.parameter,
				Value:     p.value,
				Unit:      p.unit,
				Timestamp: p.timestamp,
			})
			observability.HistoryMeasurementsTotal.Inc()
		}
	}
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, station string, days int) ([]models.MeasurementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	since := windowStart(s.clock.Now(), days)

	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[station]
	if !ok {
		return nil, ErrStationNotFound
	}
	out := []models.MeasurementRecord{}
	for _, rec := range s.records {
		if rec.StationID == st.ID && rec.Timestamp.After(since) {
			out = append(out, rec)
		}
	}
	// Newest first, ties broken by the later-appended record, matching the postgres ordering.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Stations returns the number of known stations.
func (s *MemoryStore) Stations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stations)
}

func (s *MemoryStore) Close() error { return nil }

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/air-quality-service/internal/cache"
	"github.com/kjstillabower/air-quality-service/internal/client"
	"github.com/kjstillabower/air-quality-service/internal/history"
	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// ErrNoDataForLocation is returned when neither the nearby search nor the city fallback produced
// any station with measurements.
var ErrNoDataForLocation = errors.New("no air quality data for location")

// ErrStationNotFound is returned by StationLatest when the station is neither cached nor recorded.
var ErrStationNotFound = history.ErrStationNotFound

// Source tells the caller whether a result came from the cache or a fresh upstream assembly.
type Source string

const (
	SourceCache   Source = "cache"
	SourceAPI     Source = "api"
	SourceHistory Source = "history"
)

// StationFetcher assembles readings for a station list.
type StationFetcher interface {
	Fetch(ctx context.Context, stations []models.Station) []models.StationReading
}

// Query is an air quality lookup. City, when non-blank, determines the cache key.
type Query struct {
	Latitude  float64
	Longitude float64
	City      string
}

// Result is an answered lookup.
type Result struct {
	Location models.Location
	Stations []models.StationReading
	Source   Source
	Latency  time.Duration
	CachedAt time.Time
}

// Deps are the collaborators of AirQualityService. Geo may be nil when IP resolution is not offered.
type Deps struct {
	Locator client.StationLocator
	Fetcher StationFetcher
	Cache   *cache.Store
	History history.Store
	Geo     client.GeoResolver
	Clock   clockwork.Clock
}

// AirQualityService is the application context shared by the HTTP layer and the refresh scheduler.
type AirQualityService struct {
	locator client.StationLocator
	fetcher StationFetcher
	cache   *cache.Store
	history history.Store
	geo     client.GeoResolver
	clock   clockwork.Clock
	logger  *zap.Logger

	// misses coalesces concurrent upstream assemblies per cache key.
	misses singleflight.Group
}

// New creates an AirQualityService. A nil logger disables logging.
func New(deps Deps, logger *zap.Logger) *AirQualityService {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AirQualityService{
		locator: deps.Locator,
		fetcher: deps.Fetcher,
		cache:   deps.Cache,
		history: deps.History,
		geo:     deps.Geo,
		clock:   deps.Clock,
		logger:  logger,
	}
}

type assembly struct {
	readings []models.StationReading
	cachedAt time.Time
}

// GetAirQuality answers from a fresh cache entry when present, otherwise assembles from upstream,
// caches the result and appends it to history. Cache and history failures are logged, never returned.
// With ErrNoDataForLocation the Result still carries the queried location.
func (s *AirQualityService) GetAirQuality(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)
	loc := models.Location{City: strings.TrimSpace(q.City), Latitude: q.Latitude, Longitude: q.Longitude}
	key := cache.DeriveKey(loc.Latitude, loc.Longitude, loc.City)

	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.RecordPersistenceError("cache", "get")
		logger.Warn("cache get failed, treating as miss", zap.String("key", key), zap.Error(err))
	} else if ok {
		logger.Debug("cache hit", zap.String("key", key), zap.String("location", describe(loc)))
		return Result{
			Location: loc,
			Stations: entry.Payload,
			Source:   SourceCache,
			Latency:  time.Since(start),
			CachedAt: entry.UpdatedAt,
		}, nil
	}

	logger.Debug("cache miss, fetching upstream", zap.String("key", key), zap.String("location", describe(loc)))
	a, err := s.assembleShared(ctx, key, loc)
	if errors.Is(err, ErrNoDataForLocation) {
		return Result{Location: loc, Source: SourceAPI, Latency: time.Since(start)}, err
	}
	if err != nil {
		return Result{}, err
	}
	return Result{
		Location: loc,
		Stations: a.readings,
		Source:   SourceAPI,
		Latency:  time.Since(start),
		CachedAt: a.cachedAt,
	}, nil
}

// GetAirQualityForIP resolves ip to a location and answers for it.
func (s *AirQualityService) GetAirQualityForIP(ctx context.Context, ip string) (Result, error) {
	if s.geo == nil {
		return Result{}, fmt.Errorf("%w: no resolver configured", client.ErrLocationNotResolved)
	}
	loc, err := s.geo.Resolve(ctx, ip)
	if err != nil {
		if !errors.Is(err, client.ErrLocationNotResolved) {
			err = fmt.Errorf("%w: %w", client.ErrLocationNotResolved, err)
		}
		return Result{}, err
	}
	observability.LoggerFromContext(ctx, s.logger).Debug("client location resolved",
		zap.String("city", loc.City),
		zap.Float64("lat", loc.Latitude),
		zap.Float64("lon", loc.Longitude))
	return s.GetAirQuality(ctx, Query{Latitude: loc.Latitude, Longitude: loc.Longitude, City: loc.City})
}

// Refresh re-assembles loc from upstream regardless of cache freshness and stores the result.
// Returns the number of stations stored.
func (s *AirQualityService) Refresh(ctx context.Context, loc models.Location) (int, error) {
	loc.City = strings.TrimSpace(loc.City)
	key := cache.DeriveKey(loc.Latitude, loc.Longitude, loc.City)
	a, err := s.assembleShared(ctx, key, loc)
	if err != nil {
		return 0, err
	}
	return len(a.readings), nil
}

func (s *AirQualityService) assembleShared(ctx context.Context, key string, loc models.Location) (assembly, error) {
	// The shared assembly outlives any single caller's cancellation but keeps its values.
	detached := context.WithoutCancel(ctx)
	v, err, shared := s.misses.Do(key, func() (interface{}, error) {
		return s.assemble(detached, key, loc)
	})
	if shared {
		observability.CoalescedMissesTotal.Inc()
	}
	if err != nil {
		return assembly{}, err
	}
	return v.(assembly), nil
}

func (s *AirQualityService) assemble(ctx context.Context, key string, loc models.Location) (assembly, error) {
	logger := observability.LoggerFromContext(ctx, s.logger)

	stations, err := s.locator.NearbyStations(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		logger.Warn("nearby station search failed",
			zap.String("location", describe(loc)),
			zap.String("error_category", string(client.CategorizeError(err))),
			zap.Error(err))
	}
	readings := s.fetchReadings(ctx, stations)

	if len(readings) == 0 && loc.City != "" {
		logger.Info("no nearby data, falling back to city search", zap.String("city", loc.City))
		stations, err = s.locator.StationsByCity(ctx, loc.City)
		if err != nil {
			logger.Warn("city station search failed",
				zap.String("city", loc.City),
				zap.String("error_category", string(client.CategorizeError(err))),
				zap.Error(err))
		}
		readings = s.fetchReadings(ctx, stations)
	}

	if len(readings) == 0 {
		return assembly{}, fmt.Errorf("%w: %s", ErrNoDataForLocation, describe(loc))
	}

	cachedAt := s.clock.Now().UTC()
	if entry, err := s.cache.Set(ctx, key, loc, readings); err != nil {
		observability.RecordPersistenceError("cache", "set")
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	} else {
		cachedAt = entry.UpdatedAt
	}
	if s.history != nil {
		if err := s.history.Append(ctx, readings); err != nil {
			observability.RecordPersistenceError("history", "append")
			logger.Warn("history append failed", zap.Int("stations", len(readings)), zap.Error(err))
		}
	}
	logger.Info("air quality assembled",
		zap.String("location", describe(loc)),
		zap.Int("stations", len(readings)))
	return assembly{readings: readings, cachedAt: cachedAt}, nil
}

func (s *AirQualityService) fetchReadings(ctx context.Context, stations []models.Station) []models.StationReading {
	if len(stations) == 0 {
		return nil
	}
	return s.fetcher.Fetch(ctx, stations)
}

// ClearCache removes every cache entry.
func (s *AirQualityService) ClearCache(ctx context.Context) error {
	return s.cache.Clear(ctx)
}

// CacheStats reports cache size.
func (s *AirQualityService) CacheStats(ctx context.Context) (cache.Stats, error) {
	return s.cache.Stats(ctx)
}

// TopLocations returns the n most active cached locations.
func (s *AirQualityService) TopLocations(ctx context.Context, n int) ([]cache.LocationActivity, error) {
	return s.cache.TopLocations(ctx, n)
}

// SweepCache deletes entries older than retention.
func (s *AirQualityService) SweepCache(ctx context.Context, retention time.Duration) (int, error) {
	return s.cache.Sweep(ctx, retention)
}

// StationHistory returns the recorded measurements of a station over the trailing days.
func (s *AirQualityService) StationHistory(ctx context.Context, name string, days int) ([]models.MeasurementRecord, error) {
	if s.history == nil {
		return nil, ErrStationNotFound
	}
	return s.history.Query(ctx, strings.TrimSpace(name), days)
}

// StationSnapshot is the latest known state of one station.
type StationSnapshot struct {
	Station  string                     `json:"station"`
	Source   Source                     `json:"source"`
	Reading  *models.StationReading     `json:"reading,omitempty"`
	CachedAt *time.Time                 `json:"cached_at,omitempty"`
	History  []models.MeasurementRecord `json:"history,omitempty"`
}

// StationLatest returns the freshest cached reading for the station, else its recent history.
func (s *AirQualityService) StationLatest(ctx context.Context, name string) (StationSnapshot, error) {
	name = strings.TrimSpace(name)
	reading, at, ok, err := s.cache.FindStation(ctx, name)
	if err != nil {
		observability.RecordPersistenceError("cache", "find_station")
		observability.LoggerFromContext(ctx, s.logger).Warn("cache station lookup failed", zap.String("station", name), zap.Error(err))
	} else if ok {
		return StationSnapshot{Station: reading.StationName, Source: SourceCache, Reading: &reading, CachedAt: &at}, nil
	}

	records, err := s.StationHistory(ctx, name, 7)
	if err != nil {
		return StationSnapshot{}, err
	}
	if len(records) == 0 {
		return StationSnapshot{}, fmt.Errorf("%w: %s has no recent measurements", ErrStationNotFound, name)
	}
	return StationSnapshot{Station: name, Source: SourceHistory, History: records}, nil
}

// Ping checks cache backend reachability.
func (s *AirQualityService) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// CacheBackend names the configured cache backend.
func (s *AirQualityService) CacheBackend() string {
	return s.cache.BackendName()
}

func describe(loc models.Location) string {
	if loc.City != "" {
		return loc.City
	}
	return fmt.Sprintf("%.4f,%.4f", loc.Latitude, loc.Longitude)
}

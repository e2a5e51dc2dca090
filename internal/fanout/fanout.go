package fanout

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/air-quality-service/internal/client"
	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

const (
	DefaultWorkers        = 10
	DefaultRateLimitPause = 2 * time.Second
)

// Options configures a Fetcher. Zero values use package defaults.
type Options struct {
	Workers        int
	RateLimitPause time.Duration
}

// Fetcher retrieves the PM2.5 and PM10 series of a station list with bounded concurrency.
// Spacing between upstream calls is the series fetcher's concern; the Fetcher only bounds how many are in flight.
type Fetcher struct {
	series  client.SensorSeriesFetcher
	workers int
	pause   time.Duration
	clock   clockwork.Clock
	logger  *zap.Logger
}

// New creates a Fetcher. A nil clock uses the real clock; a nil logger disables logging.
func New(series client.SensorSeriesFetcher, opts Options, clock clockwork.Clock, logger *zap.Logger) *Fetcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RateLimitPause < 0 {
		opts.RateLimitPause = 0
	} else if opts.RateLimitPause == 0 {
		opts.RateLimitPause = DefaultRateLimitPause
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Fetcher{
		series:  series,
		workers: opts.Workers,
		pause:   opts.RateLimitPause,
		clock:   clock,
		logger:  logger,
	}
}

type task struct {
	station   int
	parameter string
	sensorID  int64
}

// Fetch returns one reading per station that produced data, in input order.
// Per-sensor failures reduce to an empty series and never fail the whole call.
func (f *Fetcher) Fetch(ctx context.Context, stations []models.Station) []models.StationReading {
	logger := observability.LoggerFromContext(ctx, f.logger)

	var tasks []task
	hasSensors := make([]bool, len(stations))
	for i, st := range stations {
		if id, ok := firstSensor(st.Sensors, models.ParameterPM25); ok {
			tasks = append(tasks, task{station: i, parameter: models.ParameterPM25, sensorID: id})
			hasSensors[i] = true
		}
		if id, ok := firstSensor(st.Sensors, models.ParameterPM10); ok {
			tasks = append(tasks, task{station: i, parameter: models.ParameterPM10, sensorID: id})
			hasSensors[i] = true
		}
	}

	results := make([][]models.Measurement, len(tasks))
	var g errgroup.Group
	g.SetLimit(f.workers)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			results[i] = f.fetchSeries(ctx, logger, stations[t.station].Name, t)
			return nil
		})
	}
	_ = g.Wait()

	pm25 := make([][]models.Measurement, len(stations))
	pm10 := make([][]models.Measurement, len(stations))
	for i, t := range tasks {
		if t.parameter == models.ParameterPM25 {
			pm25[t.station] = results[i]
		} else {
			pm10[t.station] = results[i]
		}
	}

	out := make([]models.StationReading, 0, len(stations))
	for i, st := range stations {
		if !hasSensors[i] {
			observability.StationsDroppedTotal.WithLabelValues("no_sensors").Inc()
			continue
		}
		if len(pm25[i]) == 0 && len(pm10[i]) == 0 {
			observability.StationsDroppedTotal.WithLabelValues("no_data").Inc()
			logger.Warn("station has sensors but no measurements",
				zap.String("station", st.Name),
				zap.Int64("station_id", st.ID))
			continue
		}
		out = append(out, models.StationReading{
			StationName: st.Name,
			City:        st.Locality,
			Country:     st.Country,
			Distance:    st.Distance,
			Coordinates: st.Coordinates,
			PM25:        nonNil(pm25[i]),
			PM10:        nonNil(pm10[i]),
		})
	}
	return out
}

func (f *Fetcher) fetchSeries(ctx context.Context, logger *zap.Logger, station string, t task) []models.Measurement {
	series, err := f.series.SensorSeries(ctx, t.sensorID)
	if err == nil {
		if len(series) == 0 {
			observability.SensorFetchesTotal.WithLabelValues(t.parameter, "empty").Inc()
		} else {
			observability.SensorFetchesTotal.WithLabelValues(t.parameter, "success").Inc()
		}
		return series
	}

	if errors.Is(err, client.ErrRateLimited) {
		observability.SensorFetchesTotal.WithLabelValues(t.parameter, "rate_limited").Inc()
		logger.Info("sensor fetch rate limited, pausing",
			zap.String("station", station),
			zap.Int64("sensor_id", t.sensorID),
			zap.Duration("pause", f.pause))
		f.sleep(ctx, f.pause)
		return nil
	}

	observability.SensorFetchesTotal.WithLabelValues(t.parameter, "error").Inc()
	logger.Info("sensor fetch failed",
		zap.String("station", station),
		zap.String("parameter", t.parameter),
		zap.Int64("sensor_id", t.sensorID),
		zap.String("error_category", string(client.CategorizeError(err))),
		zap.Error(err))
	return nil
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-f.clock.After(d):
	}
}

func firstSensor(sensors []models.Sensor, parameter string) (int64, bool) {
	for _, s := range sensors {
		if s.Parameter == parameter {
			return s.ID, true
		}
	}
	return 0, false
}

func nonNil(m []models.Measurement) []models.Measurement {
	if m == nil {
		return []models.Measurement{}
	}
	return m
}

package history

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// DefaultUnit is recorded when the provider omits a measurement unit.
const DefaultUnit = "µg/m³"

// ErrStationNotFound is returned by Query when no station with the given name was ever appended.
var ErrStationNotFound = errors.New("station not found")

// Store is the append-only measurement log.
type Store interface {
	// Append ensures a station row exists for each reading (matched by name) and appends one
	// measurement per non-null PM2.5 and PM10 value.
	Append(ctx context.Context, readings []models.StationReading) error
	// Query returns the station's measurements from the trailing days window, newest first.
	Query(ctx context.Context, station string, days int) ([]models.MeasurementRecord, error)
	Close() error
}

// pendingRecord is a measurement awaiting a station id.
type pendingRecord struct {
	parameter string
	value     float64
	unit      string
	timestamp time.Time
}

// recordsFor flattens a reading's non-null values. Missing or unparsable period timestamps fall back
// to now and are counted.
func recordsFor(r models.StationReading, now time.Time, logger *zap.Logger) []pendingRecord {
	var out []pendingRecord
	add := func(parameter string, series []models.Measurement) {
		for _, m := range series {
			if m.Value == nil {
				continue
			}
			unit := m.Unit
			if unit == "" {
				unit = DefaultUnit
			}
			ts, ok := parseTimestamp(m)
			if !ok {
				ts = now
				observability.HistoryTimestampFallbackTotal.Inc()
				if logger != nil {
					logger.Warn("measurement timestamp missing or unparsable, using append time",
						zap.String("station", r.StationName),
						zap.String("parameter", parameter),
						zap.String("raw_timestamp", m.Timestamp()))
				}
			}
			out = append(out, pendingRecord{parameter: parameter, value: *m.Value, unit: unit, timestamp: ts})
		}
	}
	add(models.ParameterPM25, r.PM25)
	add(models.ParameterPM10, r.PM10)
	return out
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp reads the period start, preferring the local rendering over the UTC one.
func parseTimestamp(m models.Measurement) (time.Time, bool) {
	for _, raw := range []string{m.Period.DatetimeFrom.Local, m.Period.DatetimeFrom.UTC} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func windowStart(now time.Time, days int) time.Time {
	if days <= 0 {
		days = 7
	}
	return now.AddDate(0, 0, -days)
}

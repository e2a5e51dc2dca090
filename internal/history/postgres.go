package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// PostgresStore persists stations and measurements. Schema comes from database.RunMigrations.
type PostgresStore struct {
	db     *sql.DB
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewPostgresStore wraps an open pool. A nil clock uses the real clock.
func NewPostgresStore(db *sql.DB, clock clockwork.Clock, logger *zap.Logger) *PostgresStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresStore{db: db, clock: clock, logger: logger}
}

// Append writes all readings in one transaction.
func (s *PostgresStore) Append(ctx context.Context, readings []models.StationReading) error {
	if len(readings) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, r := range readings {
		stationID, err := ensureStation(ctx, tx, r, now)
		if err != nil {
			return err
		}
		for _, p := range recordsFor(r, now, s.logger) {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO measurements (station_id, parameter, value, unit, timestamp)
				VALUES ($1, $2, $3, $4, $5)
			`, stationID, p.parameter, p.value, p.unit, p.timestamp)
			if err != nil {
				return fmt.Errorf("insert measurement for %s: %w", r.StationName, err)
			}
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	observability.HistoryMeasurementsTotal.Add(float64(inserted))
	return nil
}

func ensureStation(ctx context.Context, tx *sql.Tx, r models.StationReading, now time.Time) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stations (name, city, lat, lon, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO NOTHING
	`, r.StationName, r.City, r.Coordinates.Latitude, r.Coordinates.Longitude, now)
	if err != nil {
		return 0, fmt.Errorf("insert station %s: %w", r.StationName, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM stations WHERE name = $1`, r.StationName).Scan(&id); err != nil {
		return 0, fmt.Errorf("select station %s: %w", r.StationName, err)
	}
	return id, nil
}

func (s *PostgresStore) Query(ctx context.Context, station string, days int) ([]models.MeasurementRecord, error) {
	var stationID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM stations WHERE name = $1`, station).Scan(&stationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select station: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, parameter, value, unit, timestamp
		FROM measurements
		WHERE station_id = $1 AND timestamp > $2
		ORDER BY timestamp DESC, id DESC
	`, stationID, windowStart(s.clock.Now(), days))
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	out := []models.MeasurementRecord{}
	for rows.Next() {
		var rec models.MeasurementRecord
		if err := rows.Scan(&rec.ID, &rec.StationID, &rec.Parameter, &rec.Value, &rec.Unit, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

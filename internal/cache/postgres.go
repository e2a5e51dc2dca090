package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// PostgresBackend stores entries in the air_quality_cache table. Schema comes from database.RunMigrations.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend wraps an open pool.
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) Name() string { return "postgres" }

func (p *PostgresBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	query := `
		SELECT cache_key, payload, lat, lon, city, created_at, updated_at
		FROM air_quality_cache
		WHERE cache_key = $1
	`
	e, err := scanEntry(p.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Save upserts the row. created_at is only written on insert.
func (p *PostgresBackend) Save(ctx context.Context, entry Entry) error {
	payload := entry.Payload
	if payload == nil {
		payload = []models.StationReading{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	query := `
		INSERT INTO air_quality_cache (cache_key, payload, lat, lon, city, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cache_key) DO UPDATE
		SET payload = EXCLUDED.payload,
		    lat = EXCLUDED.lat,
		    lon = EXCLUDED.lon,
		    city = EXCLUDED.city,
		    updated_at = EXCLUDED.updated_at
	`
	_, err = p.db.ExecContext(ctx, query,
		entry.Key,
		raw,
		entry.Origin.Latitude,
		entry.Origin.Longitude,
		nullString(entry.Origin.City),
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	return err
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM air_quality_cache WHERE cache_key = $1`, key)
	return err
}

func (p *PostgresBackend) Scan(ctx context.Context, fn func(Entry) error) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT cache_key, payload, lat, lon, city, created_at, updated_at
		FROM air_quality_cache
		ORDER BY cache_key
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *PostgresBackend) Clear(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM air_quality_cache`)
	return err
}

func (p *PostgresBackend) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(octet_length(payload::text)), 0)
		FROM air_quality_cache
	`).Scan(&st.ItemCount, &st.SizeBytes)
	return st, err
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close is a no-op; the pool is shared with the history store and closed by its owner.
func (p *PostgresBackend) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e    Entry
		raw  []byte
		lat  sql.NullFloat64
		lon  sql.NullFloat64
		city sql.NullString
	)
	if err := row.Scan(&e.Key, &raw, &lat, &lon, &city, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	if err := json.Unmarshal(raw, &e.Payload); err != nil {
		return Entry{}, fmt.Errorf("decode payload %s: %w", e.Key, err)
	}
	e.Origin = models.Location{City: city.String, Latitude: lat.Float64, Longitude: lon.Float64}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

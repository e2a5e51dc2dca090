package models

import "time"

// Pollutant parameter names as reported by the upstream provider.
const (
	ParameterPM25 = "pm25"
	ParameterPM10 = "pm10"
)

// Coordinates is a WGS84 position.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Datetime carries both renderings the provider returns for a period boundary.
type Datetime struct {
	UTC   string `json:"utc,omitempty"`
	Local string `json:"local,omitempty"`
}

// Period describes the aggregation window of a measurement.
type Period struct {
	Label        string   `json:"label,omitempty"`
	DatetimeFrom Datetime `json:"datetimeFrom"`
	DatetimeTo   Datetime `json:"datetimeTo"`
}

// Measurement is one aggregated sensor value. Value is nil when the provider reported no value.
type Measurement struct {
	Value  *float64 `json:"value"`
	Unit   string   `json:"unit,omitempty"`
	Period Period   `json:"period"`
}

// Timestamp returns the raw local start of the measurement period, empty when absent.
func (m Measurement) Timestamp() string {
	return m.Period.DatetimeFrom.Local
}

// StationReading is the assembled result for one station.
type StationReading struct {
	StationName string        `json:"station"`
	City        string        `json:"city,omitempty"`
	Country     string        `json:"country,omitempty"`
	Distance    *float64      `json:"distance,omitempty"`
	Coordinates Coordinates   `json:"coordinates"`
	PM25        []Measurement `json:"pm25"`
	PM10        []Measurement `json:"pm10"`
}

// Sensor is a sensor descriptor attached to an upstream station.
type Sensor struct {
	ID        int64  `json:"id"`
	Parameter string `json:"parameter"`
	Units     string `json:"units,omitempty"`
}

// Station is an upstream monitoring location with its sensors.
type Station struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Locality    string      `json:"locality,omitempty"`
	Country     string      `json:"country,omitempty"`
	Distance    *float64    `json:"distance,omitempty"`
	Coordinates Coordinates `json:"coordinates"`
	Sensors     []Sensor    `json:"sensors"`
}

// Location is a resolved place: a city name and/or a coordinate pair.
type Location struct {
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Target is a location the refresh scheduler keeps warm.
type Target struct {
	Name      string  `json:"name" yaml:"name"`
	Latitude  float64 `json:"lat" yaml:"lat"`
	Longitude float64 `json:"lon" yaml:"lon"`
}

// Location converts the target into a lookup location.
func (t Target) Location() Location {
	return Location{City: t.Name, Latitude: t.Latitude, Longitude: t.Longitude}
}

// HistoricalStation is the persisted station identity. Uniqueness is by name only.
type HistoricalStation struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	City      string    `json:"city,omitempty"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	CreatedAt time.Time `json:"created_at"`
}

// MeasurementRecord is an append-only historical row.
type MeasurementRecord struct {
	ID        int64     `json:"id"`
	StationID int64     `json:"station_id"`
	Parameter string    `json:"parameter"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/air-quality-service/internal/client"
	"github.com/kjstillabower/air-quality-service/internal/models"
)

// mockSeries returns canned series or errors per sensor id and tracks concurrency.
type mockSeries struct {
	mu       sync.Mutex
	series   map[int64][]models.Measurement
	errs     map[int64]error
	calls    []int64
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (m *mockSeries) SensorSeries(ctx context.Context, id int64) ([]models.Measurement, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.calls = append(m.calls, id)
	m.mu.Unlock()
	if err := m.errs[id]; err != nil {
		return nil, err
	}
	return m.series[id], nil
}

func value(v float64) []models.Measurement {
	return []models.Measurement{{Value: &v, Unit: "µg/m³"}}
}

func station(id int64, name string, sensors ...models.Sensor) models.Station {
	return models.Station{ID: id, Name: name, Locality: "Berlin", Country: "DE", Sensors: sensors}
}

func sensor(id int64, parameter string) models.Sensor {
	return models.Sensor{ID: id, Parameter: parameter}
}

func newObservedFetcher(series client.SensorSeriesFetcher, opts Options) (*Fetcher, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return New(series, opts, nil, zap.New(core)), logs
}

// TestFetcher_Fetch_SelectsFirstSensorPerParameter verifies only the first pm25 and pm10 sensors are fetched.
func TestFetcher_Fetch_SelectsFirstSensorPerParameter(t *testing.T) {
	m := &mockSeries{series: map[int64][]models.Measurement{1: value(10), 3: value(20)}}
	f, _ := newObservedFetcher(m, Options{})

	got := f.Fetch(context.Background(), []models.Station{
		station(100, "Mitte",
			sensor(1, "pm25"), sensor(2, "pm25"), sensor(9, "no2"), sensor(3, "pm10"), sensor(4, "pm10")),
	})

	if len(got) != 1 {
		t.Fatalf("len(Fetch()) = %d, want 1", len(got))
	}
	if len(m.calls) != 2 {
		t.Fatalf("calls = %v, want sensors 1 and 3", m.calls)
	}
	for _, id := range m.calls {
		if id != 1 && id != 3 {
			t.Errorf("unexpected sensor fetched: %d", id)
		}
	}
	r := got[0]
	if r.StationName != "Mitte" || r.City != "Berlin" || r.Country != "DE" {
		t.Errorf("reading = %+v", r)
	}
	if len(r.PM25) != 1 || *r.PM25[0].Value != 10 || len(r.PM10) != 1 || *r.PM10[0].Value != 20 {
		t.Errorf("PM25 = %+v, PM10 = %+v", r.PM25, r.PM10)
	}
}

// TestFetcher_Fetch_ErrorBecomesEmptySeries verifies a failed pm25 fetch yields an empty list, not a failure.
func TestFetcher_Fetch_ErrorBecomesEmptySeries(t *testing.T) {
	m := &mockSeries{
		series: map[int64][]models.Measurement{2: value(33)},
		errs:   map[int64]error{1: fmt.Errorf("%w: HTTP 502", client.ErrUpstreamFailure)},
	}
	f, _ := newObservedFetcher(m, Options{})

	got := f.Fetch(context.Background(), []models.Station{station(1, "A", sensor(1, "pm25"), sensor(2, "pm10"))})

	if len(got) != 1 {
		t.Fatalf("len(Fetch()) = %d, want 1", len(got))
	}
	if got[0].PM25 == nil || len(got[0].PM25) != 0 {
		t.Errorf("PM25 = %#v, want empty non-nil slice", got[0].PM25)
	}
	if len(got[0].PM10) != 1 {
		t.Errorf("PM10 = %+v, want one measurement", got[0].PM10)
	}
}

// TestFetcher_Fetch_DropRules verifies no-data stations warn and no-sensor stations drop silently.
func TestFetcher_Fetch_DropRules(t *testing.T) {
	m := &mockSeries{
		series: map[int64][]models.Measurement{10: value(5)},
		errs:   map[int64]error{20: errors.New("connection refused")},
	}
	f, logs := newObservedFetcher(m, Options{})

	got := f.Fetch(context.Background(), []models.Station{
		station(1, "First", sensor(10, "pm25")),
		station(2, "Broken", sensor(20, "pm25"), sensor(21, "pm10")),
		station(3, "OzoneOnly", sensor(30, "o3")),
		station(4, "Bare"),
	})

	if len(got) != 1 || got[0].StationName != "First" {
		t.Fatalf("Fetch() = %+v, want only First", got)
	}
	warns := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warns) != 1 {
		t.Fatalf("warnings = %d, want 1", len(warns))
	}
	if warns[0].ContextMap()["station"] != "Broken" {
		t.Errorf("warning station = %v, want Broken", warns[0].ContextMap()["station"])
	}
}

// TestFetcher_Fetch_PreservesOrder verifies output order follows input order regardless of completion order.
func TestFetcher_Fetch_PreservesOrder(t *testing.T) {
	series := make(map[int64][]models.Measurement)
	var stations []models.Station
	for i := int64(1); i <= 25; i++ {
		series[i] = value(float64(i))
		stations = append(stations, station(i, fmt.Sprintf("S%02d", i), sensor(i, "pm25")))
	}
	m := &mockSeries{series: series, delay: time.Millisecond}
	f, _ := newObservedFetcher(m, Options{Workers: 4})

	got := f.Fetch(context.Background(), stations)

	if len(got) != 25 {
		t.Fatalf("len(Fetch()) = %d, want 25", len(got))
	}
	for i, r := range got {
		if want := fmt.Sprintf("S%02d", i+1); r.StationName != want {
			t.Errorf("got[%d] = %s, want %s", i, r.StationName, want)
		}
	}
	if peak := m.peak.Load(); peak > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", peak)
	}
}

// TestFetcher_Fetch_RateLimitedPauses verifies a rate-limit signal pauses before the fetch is abandoned.
func TestFetcher_Fetch_RateLimitedPauses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := &mockSeries{errs: map[int64]error{1: client.ErrRateLimited}}
	f := New(m, Options{RateLimitPause: 2 * time.Second}, clock, nil)

	done := make(chan []models.StationReading)
	go func() {
		done <- f.Fetch(context.Background(), []models.Station{station(1, "A", sensor(1, "pm25"))})
	}()

	clock.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("Fetch() returned before the rate-limit pause elapsed")
	default:
	}
	clock.Advance(2 * time.Second)

	select {
	case got := <-done:
		if len(got) != 0 {
			t.Errorf("Fetch() = %+v, want no stations", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Fetch() did not return after pause")
	}
}

// TestFetcher_Fetch_Empty verifies an empty station list returns an empty result without calls.
func TestFetcher_Fetch_Empty(t *testing.T) {
	m := &mockSeries{}
	f := New(m, Options{}, nil, nil)

	got := f.Fetch(context.Background(), nil)
	if got == nil || len(got) != 0 {
		t.Errorf("Fetch(nil) = %#v, want empty slice", got)
	}
	if len(m.calls) != 0 {
		t.Errorf("calls = %v, want none", m.calls)
	}
}

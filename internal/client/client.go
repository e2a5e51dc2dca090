package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// StationLocator finds monitoring stations for a location.
type StationLocator interface {
	NearbyStations(ctx context.Context, lat, lon float64) ([]models.Station, error)
	StationsByCity(ctx context.Context, city string) ([]models.Station, error)
}

// SensorSeriesFetcher returns the recent measurement series of one sensor.
type SensorSeriesFetcher interface {
	SensorSeries(ctx context.Context, sensorID int64) ([]models.Measurement, error)
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = errors.New("circuit open")
)

const (
	DefaultBaseURL      = "https://api.openaq.org/v3"
	defaultRadiusMeters = 20000
	defaultSearchLimit  = 5
	defaultSensorDays   = 14
)

// Options configures OpenAQClient. Zero values use package defaults.
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration

	// MinInterval spaces consecutive upstream calls across all goroutines.
	MinInterval time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	RadiusMeters int
	SearchLimit  int
	SensorDays   int

	// BreakerFailures consecutive failures open the circuit for BreakerTimeout. 0 disables the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// OpenAQClient implements StationLocator and SensorSeriesFetcher against the OpenAQ v3 API.
type OpenAQClient struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	radius     int
	limit      int
	sensorDays int
	now        func() time.Time
}

// NewOpenAQClient validates opts and builds a client.
func NewOpenAQClient(opts Options) (*OpenAQClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	c := &OpenAQClient{
		apiKey:         opts.APIKey,
		baseURL:        baseURL,
		timeout:        timeout,
		client:         &http.Client{Timeout: timeout},
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		radius:         opts.RadiusMeters,
		limit:          opts.SearchLimit,
		sensorDays:     opts.SensorDays,
		now:            time.Now,
	}
	if c.retryAttempts <= 0 {
		c.retryAttempts = 1
	}
	if c.retryBaseDelay <= 0 {
		c.retryBaseDelay = 200 * time.Millisecond
	}
	if c.retryMaxDelay <= 0 {
		c.retryMaxDelay = 2 * time.Second
	}
	if c.radius <= 0 {
		c.radius = defaultRadiusMeters
	}
	if c.limit <= 0 {
		c.limit = defaultSearchLimit
	}
	if c.sensorDays <= 0 {
		c.sensorDays = defaultSensorDays
	}
	if opts.MinInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	if opts.BreakerFailures > 0 {
		c.breaker = newBreaker("openaq", opts.BreakerFailures, opts.BreakerTimeout)
	}
	return c, nil
}

func newBreaker(name string, failures uint32, timeout time.Duration) *gobreaker.CircuitBreaker {
	observability.CircuitBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

type apiStation struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Locality string `json:"locality"`
	Country  struct {
		Code string `json:"code"`
		Name string `json:"name"`
	} `json:"country"`
	Coordinates struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"coordinates"`
	Sensors []struct {
		ID        int64 `json:"id"`
		Parameter struct {
			Name  string `json:"name"`
			Units string `json:"units"`
		} `json:"parameter"`
	} `json:"sensors"`
	Distance *float64 `json:"distance"`
}

type apiMeasurement struct {
	Value     *float64 `json:"value"`
	Parameter struct {
		Name  string `json:"name"`
		Units string `json:"units"`
	} `json:"parameter"`
	Period struct {
		Label        string `json:"label"`
		DatetimeFrom *struct {
			UTC   string `json:"utc"`
			Local string `json:"local"`
		} `json:"datetimeFrom"`
		DatetimeTo *struct {
			UTC   string `json:"utc"`
			Local string `json:"local"`
		} `json:"datetimeTo"`
	} `json:"period"`
}

type apiResponse[T any] struct {
	Results []T `json:"results"`
}

// NearbyStations returns up to the search limit of stations within the search radius, nearest first.
func (c *OpenAQClient) NearbyStations(ctx context.Context, lat, lon float64) ([]models.Station, error) {
	params := url.Values{}
	params.Set("coordinates", strconv.FormatFloat(lat, 'f', 4, 64)+","+strconv.FormatFloat(lon, 'f', 4, 64))
	params.Set("radius", strconv.Itoa(c.radius))
	params.Set("limit", strconv.Itoa(c.limit))

	stations, err := c.locations(ctx, params)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(stations, func(i, j int) bool {
		return distanceOrMax(stations[i].Distance) < distanceOrMax(stations[j].Distance)
	})
	return stations, nil
}

// StationsByCity returns up to the search limit of stations registered for city.
func (c *OpenAQClient) StationsByCity(ctx context.Context, city string) ([]models.Station, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return nil, fmt.Errorf("%w: empty city", ErrLocationNotFound)
	}
	params := url.Values{}
	params.Set("city", city)
	params.Set("limit", strconv.Itoa(c.limit))
	return c.locations(ctx, params)
}

func (c *OpenAQClient) locations(ctx context.Context, params url.Values) ([]models.Station, error) {
	body, err := c.get(ctx, "locations", "/locations", params)
	if err != nil {
		return nil, err
	}
	var resp apiResponse[apiStation]
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse locations response: %w", err)
	}
	out := make([]models.Station, 0, len(resp.Results))
	for _, s := range resp.Results {
		out = append(out, mapStation(s))
	}
	return out, nil
}

// SensorSeries returns the daily aggregates of sensorID over the trailing sensor-day window.
func (c *OpenAQClient) SensorSeries(ctx context.Context, sensorID int64) ([]models.Measurement, error) {
	to := c.now().UTC()
	from := to.AddDate(0, 0, -c.sensorDays)
	params := url.Values{}
	params.Set("datetime_from", from.Format("2006-01-02")+"T23:59:59Z")
	params.Set("datetime_to", to.Format("2006-01-02")+"T23:59:59Z")
	params.Set("limit", strconv.Itoa(c.sensorDays))

	body, err := c.get(ctx, "sensor_series", "/sensors/"+strconv.FormatInt(sensorID, 10)+"/hours/daily", params)
	if err != nil {
		return nil, err
	}
	var resp apiResponse[apiMeasurement]
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse sensor response: %w", err)
	}
	out := make([]models.Measurement, 0, len(resp.Results))
	for _, m := range resp.Results {
		out = append(out, mapMeasurement(m))
	}
	return out, nil
}

func (c *OpenAQClient) get(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		body, err := c.callAPI(ctx, endpoint, path, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	if c.retryAttempts > 1 {
		return nil, fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return nil, lastErr
}

type callResult struct {
	status int
	body   []byte
}

func (c *OpenAQClient) callAPI(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for upstream slot: %w", err)
		}
	}

	start := time.Now()
	var (
		res callResult
		err error
	)
	if c.breaker != nil {
		var out interface{}
		out, err = c.breaker.Execute(func() (interface{}, error) {
			return c.doRequest(ctx, path, params)
		})
		if out != nil {
			res = out.(callResult)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.UpstreamCallsTotal.WithLabelValues(endpoint, "circuit_open").Inc()
			return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, ErrCircuitOpen)
		}
	} else {
		res, err = c.doRequest(ctx, path, params)
	}
	duration := time.Since(start).Seconds()

	if err != nil && res.status == 0 {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(duration)
		return nil, err
	}
	status := statusLabel(res.status)
	observability.UpstreamCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.UpstreamDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := handleStatus(res.status); err != nil {
		return nil, err
	}
	return res.body, nil
}

// doRequest performs one HTTP exchange. Transport errors and 5xx responses are returned as errors
// so the breaker counts them; other statuses are returned for the caller to classify.
func (c *OpenAQClient) doRequest(ctx context.Context, path string, params url.Values) (callResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return callResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return callResult{}, fmt.Errorf("%w: request timeout: %w", ErrUpstreamFailure, err)
		}
		return callResult{}, fmt.Errorf("%w: http request failed: %w", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return callResult{}, fmt.Errorf("%w: read response body: %v", ErrUpstreamFailure, err)
	}
	res := callResult{status: resp.StatusCode, body: body}
	if resp.StatusCode >= 500 {
		return res, fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return res, nil
}

func handleStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w", ErrLocationNotFound)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, status)
	}
}

// isRetryable reports whether another attempt may succeed. Rate limiting is not retried here;
// callers pause and move on instead.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUpstreamFailure)
}

func (c *OpenAQClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func mapStation(s apiStation) models.Station {
	st := models.Station{
		ID:       s.ID,
		Name:     s.Name,
		Locality: s.Locality,
		Country:  s.Country.Code,
		Distance: s.Distance,
		Coordinates: models.Coordinates{
			Latitude:  s.Coordinates.Latitude,
			Longitude: s.Coordinates.Longitude,
		},
	}
	if st.Country == "" {
		st.Country = s.Country.Name
	}
	for _, sensor := range s.Sensors {
		st.Sensors = append(st.Sensors, models.Sensor{
			ID:        sensor.ID,
			Parameter: sensor.Parameter.Name,
			Units:     sensor.Parameter.Units,
		})
	}
	return st
}

func mapMeasurement(m apiMeasurement) models.Measurement {
	out := models.Measurement{
		Value: m.Value,
		Unit:  m.Parameter.Units,
	}
	out.Period.Label = m.Period.Label
	if m.Period.DatetimeFrom != nil {
		out.Period.DatetimeFrom = models.Datetime{UTC: m.Period.DatetimeFrom.UTC, Local: m.Period.DatetimeFrom.Local}
	}
	if m.Period.DatetimeTo != nil {
		out.Period.DatetimeTo = models.Datetime{UTC: m.Period.DatetimeTo.UTC, Local: m.Period.DatetimeTo.Local}
	}
	return out
}

func distanceOrMax(d *float64) float64 {
	if d == nil {
		return math.MaxFloat64
	}
	return *d
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

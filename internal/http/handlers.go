package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/cache"
	"github.com/kjstillabower/air-quality-service/internal/client"
	"github.com/kjstillabower/air-quality-service/internal/lifecycle"
	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
	"github.com/kjstillabower/air-quality-service/internal/scheduler"
	"github.com/kjstillabower/air-quality-service/internal/service"
	"github.com/kjstillabower/air-quality-service/internal/traffic"
	"github.com/kjstillabower/air-quality-service/internal/validation"
)

// AirQualityService is the application surface the handlers need.
type AirQualityService interface {
	GetAirQuality(ctx context.Context, q service.Query) (service.Result, error)
	GetAirQualityForIP(ctx context.Context, ip string) (service.Result, error)
	ClearCache(ctx context.Context) error
	CacheStats(ctx context.Context) (cache.Stats, error)
	TopLocations(ctx context.Context, n int) ([]cache.LocationActivity, error)
	SweepCache(ctx context.Context, retention time.Duration) (int, error)
	StationHistory(ctx context.Context, name string, days int) ([]models.MeasurementRecord, error)
	StationLatest(ctx context.Context, name string) (service.StationSnapshot, error)
	Ping(ctx context.Context) error
	CacheBackend() string
}

// RefreshScheduler is the scheduler control surface.
type RefreshScheduler interface {
	Start()
	Stop()
	Running() bool
	Status(ctx context.Context) scheduler.Status
	ForceUpdate(ctx context.Context, loc models.Location) scheduler.ForceResult
}

// HandlerConfig holds handler tunables.
type HandlerConfig struct {
	// SweepRetention is the default age past which POST /api/cache/sweep deletes entries.
	SweepRetention time.Duration
	Version        string
	StartTime      time.Time

	// Traffic receives air-quality and rate-limit outcomes. Nil disables traffic-based health checks.
	Traffic *traffic.Tracker
	// HealthWindow is the trailing window evaluated by /health.
	HealthWindow time.Duration
	// HealthMinRequests is the request count below which traffic checks are skipped.
	HealthMinRequests int
	// DegradedErrorPct reports degraded when the server-side error rate reaches it.
	DegradedErrorPct float64
	// OverloadDeniedPct reports overloaded when the rate-limit denial rate reaches it.
	OverloadDeniedPct float64
}

const (
	defaultTopLimit = 10
	maxTopLimit     = 100
	defaultDays     = 7
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc              AirQualityService
	sched            RefreshScheduler
	cfg              HandlerConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. sched may be nil when the scheduler is not wired.
func NewHandler(svc AirQualityService, sched RefreshScheduler, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = time.Minute
	}
	if cfg.HealthMinRequests <= 0 {
		cfg.HealthMinRequests = 10
	}
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	if cfg.OverloadDeniedPct <= 0 {
		cfg.OverloadDeniedPct = 30
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	return &Handler{svc: svc, sched: sched, cfg: cfg, logger: logger}
}

// airQualityResponse is the envelope of GET /api/air-quality.
type airQualityResponse struct {
	Latitude       float64                 `json:"lat"`
	Longitude      float64                 `json:"lon"`
	City           string                  `json:"city,omitempty"`
	Stations       []models.StationReading `json:"stations"`
	Source         service.Source          `json:"source"`
	ResponseTimeMS float64                 `json:"response_time_ms"`
	CachedAt       *time.Time              `json:"cached_at,omitempty"`
	Message        string                  `json:"message,omitempty"`
}

const noDataMessage = "No air quality data available for this location"

// GetAirQuality handles GET /api/air-quality?lat&lon&city. Without coordinates the caller's IP is resolved.
func (h *Handler) GetAirQuality(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coords, hasCoords, err := validation.ParseCoordinates(q.Get("lat"), q.Get("lon"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	city, err := validation.ValidateCity(q.Get("city"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	var res service.Result
	if hasCoords {
		res, err = h.svc.GetAirQuality(r.Context(), service.Query{Latitude: coords.Latitude, Longitude: coords.Longitude, City: city})
	} else {
		res, err = h.svc.GetAirQualityForIP(r.Context(), clientIP(r))
	}
	h.recordOutcome(err)
	if errors.Is(err, service.ErrNoDataForLocation) {
		observability.LoggerFromContext(r.Context(), nil).Debug("no air quality data", zap.Error(err))
		writeJSON(w, http.StatusOK, airQualityResponse{
			Latitude:       res.Location.Latitude,
			Longitude:      res.Location.Longitude,
			City:           res.Location.City,
			Stations:       []models.StationReading{},
			Source:         res.Source,
			ResponseTimeMS: float64(res.Latency.Microseconds()) / 1000,
			Message:        noDataMessage,
		})
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	stations := res.Stations
	if stations == nil {
		stations = []models.StationReading{}
	}
	cachedAt := res.CachedAt.UTC()
	writeJSON(w, http.StatusOK, airQualityResponse{
		Latitude:       res.Location.Latitude,
		Longitude:      res.Location.Longitude,
		City:           res.Location.City,
		Stations:       stations,
		Source:         res.Source,
		ResponseTimeMS: float64(res.Latency.Microseconds()) / 1000,
		CachedAt:       &cachedAt,
	})
}

// recordOutcome feeds the traffic tracker. Outcomes the caller caused (unknown location, no
// data) count as served, not as errors.
func (h *Handler) recordOutcome(err error) {
	if h.cfg.Traffic == nil {
		return
	}
	if err == nil || !isServerError(err) {
		h.cfg.Traffic.RecordSuccess()
		return
	}
	h.cfg.Traffic.RecordError()
}

// isServerError reports whether err maps to a 5xx response.
func isServerError(err error) bool {
	return !errors.Is(err, client.ErrLocationNotResolved) &&
		!errors.Is(err, service.ErrNoDataForLocation) &&
		!errors.Is(err, service.ErrStationNotFound)
}

// clientIP returns the first X-Forwarded-For entry, else the remote address host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetCacheStats handles GET /api/cache/stats.
func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.CacheStats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ClearCache handles DELETE /api/cache.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearCache(r.Context()); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.LoggerFromContext(r.Context(), h.logger).Info("cache cleared")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message": "Cache cleared"})
}

// GetTopLocations handles GET /api/cache/top?limit=10.
func (h *Handler) GetTopLocations(w http.ResponseWriter, r *http.Request) {
	limit := defaultTopLimit
	if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxTopLimit {
			writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "limit must be an integer between 1 and "+strconv.Itoa(maxTopLimit))
			return
		}
		limit = n
	}
	top, err := h.svc.TopLocations(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if top == nil {
		top = []cache.LocationActivity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locations": top})
}

// SweepCache handles POST /api/cache/sweep?retention=168h.
func (h *Handler) SweepCache(w http.ResponseWriter, r *http.Request) {
	retention := h.cfg.SweepRetention
	if s := strings.TrimSpace(r.URL.Query().Get("retention")); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "retention must be a positive duration")
			return
		}
		retention = d
	}
	n, err := h.svc.SweepCache(r.Context(), retention)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.LoggerFromContext(r.Context(), h.logger).Info("cache sweep complete",
		zap.Int("removed", n), zap.Duration("retention", retention))
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n, "retention": retention.String()})
}

// GetStationHistory handles GET /api/stations/{name}?days=7.
func (h *Handler) GetStationHistory(w http.ResponseWriter, r *http.Request) {
	name, err := validation.ValidateStationName(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	days, err := validation.ParseDays(r.URL.Query().Get("days"), defaultDays)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	records, err := h.svc.StationHistory(r.Context(), name, days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []models.MeasurementRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"station":      name,
		"days":         days,
		"measurements": records,
	})
}

// GetStationLatest handles GET /api/stations/{name}/latest.
func (h *Handler) GetStationLatest(w http.ResponseWriter, r *http.Request) {
	name, err := validation.ValidateStationName(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	snap, err := h.svc.StationLatest(r.Context(), name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetSchedulerStatus handles GET /api/scheduler/status.
func (h *Handler) GetSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, h.sched.Status(r.Context()))
}

// StartScheduler handles POST /api/scheduler/start. Starting a running scheduler is a no-op.
func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w, r) {
		return
	}
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]interface{}{"running": h.sched.Running(), "message": "Scheduler started"})
}

// StopScheduler handles POST /api/scheduler/stop. Stopping a stopped scheduler is a no-op.
func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w, r) {
		return
	}
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{"running": h.sched.Running(), "message": "Scheduler stopped"})
}

// ForceUpdate handles POST /api/scheduler/force-update?city&lat&lon. A failed refresh is reported in
// the body with 200, matching the job result shape.
func (h *Handler) ForceUpdate(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w, r) {
		return
	}
	q := r.URL.Query()
	coords, hasCoords, err := validation.ParseCoordinates(q.Get("lat"), q.Get("lon"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	city, err := validation.ValidateCity(q.Get("city"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !hasCoords && city == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "city or lat/lon is required")
		return
	}
	loc := models.Location{City: city, Latitude: coords.Latitude, Longitude: coords.Longitude}
	writeJSON(w, http.StatusOK, h.sched.ForceUpdate(r.Context(), loc))
}

func (h *Handler) requireScheduler(w http.ResponseWriter, r *http.Request) bool {
	if h.sched == nil {
		writeError(w, r, http.StatusServiceUnavailable, "SCHEDULER_UNAVAILABLE", "refresh scheduler is not configured")
		return false
	}
	return true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	cacheErr := h.svc.Ping(r.Context())
	var counts traffic.Counts
	if h.cfg.Traffic != nil {
		counts = h.cfg.Traffic.Snapshot(h.cfg.HealthWindow)
	}
	result := computeHealthStatus(cacheErr, counts, h.cfg)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"cache": "healthy"}
	if cacheErr != nil {
		checks["cache"] = "unhealthy"
	}
	schedulerState := "disabled"
	if h.sched != nil {
		schedulerState = "stopped"
		if h.sched.Running() {
			schedulerState = "running"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":        result.status,
		"service":       "air-quality-service",
		"version":       h.cfg.Version,
		"phase":         lifecycle.CurrentPhase(),
		"cacheBackend":  h.svc.CacheBackend(),
		"scheduler":     schedulerState,
		"checks":        checks,
		"traffic":       counts,
		"uptimeSeconds": int64(time.Since(h.cfg.StartTime).Seconds()),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order: shutting-down > overloaded >
// cache unreachable > error rate > healthy. Traffic checks need HealthMinRequests in the window.
func computeHealthStatus(cacheErr error, counts traffic.Counts, cfg HandlerConfig) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	enough := counts.Requests >= cfg.HealthMinRequests
	if enough && counts.DeniedPct() >= cfg.OverloadDeniedPct {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "rate_limited"}
	}
	if cacheErr != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "cache_unreachable"}
	}
	if enough && counts.ErrorPct() >= cfg.DegradedErrorPct {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps service and client errors onto HTTP responses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context(), nil)
	switch {
	case errors.Is(err, client.ErrLocationNotResolved):
		writeError(w, r, http.StatusUnprocessableEntity, "LOCATION_NOT_RESOLVED", "Unable to determine location from request")
	case errors.Is(err, service.ErrNoDataForLocation):
		writeError(w, r, http.StatusNotFound, "NO_DATA", noDataMessage)
	case errors.Is(err, service.ErrStationNotFound):
		writeError(w, r, http.StatusNotFound, "STATION_NOT_FOUND", "Station not found")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
	case errors.Is(err, cache.ErrPersistence):
		writeError(w, r, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Cache backend unavailable")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch air quality data")
	}
	logger.Debug("request failed",
		zap.String("error_category", string(client.CategorizeError(err))),
		zap.Error(err))
}

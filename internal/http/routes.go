package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// RequestTimeout bounds /api requests. Zero disables the deadline.
	RequestTimeout time.Duration
	// Limiter throttles /api requests. Nil disables rate limiting.
	Limiter *rate.Limiter
	// Admin registers the cache and scheduler mutation routes.
	Admin bool
}

// NewRouter wires the handler into a mux router with correlation, metrics, rate limit and timeout middleware.
func NewRouter(h *Handler, logger *zap.Logger, opts RouterOptions) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(opts.Limiter, h.cfg.Traffic))
	if opts.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	api.HandleFunc("/air-quality", h.GetAirQuality).Methods(http.MethodGet)
	api.HandleFunc("/cache/stats", h.GetCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/cache/top", h.GetTopLocations).Methods(http.MethodGet)
	api.HandleFunc("/stations/{name}/latest", h.GetStationLatest).Methods(http.MethodGet)
	api.HandleFunc("/stations/{name}", h.GetStationHistory).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/status", h.GetSchedulerStatus).Methods(http.MethodGet)

	if opts.Admin {
		api.HandleFunc("/cache", h.ClearCache).Methods(http.MethodDelete)
		api.HandleFunc("/cache/sweep", h.SweepCache).Methods(http.MethodPost)
		api.HandleFunc("/scheduler/start", h.StartScheduler).Methods(http.MethodPost)
		api.HandleFunc("/scheduler/stop", h.StopScheduler).Methods(http.MethodPost)
		api.HandleFunc("/scheduler/force-update", h.ForceUpdate).Methods(http.MethodPost)
	} else {
		logger.Info("admin routes disabled")
	}
	return router
}

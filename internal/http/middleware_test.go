package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/air-quality-service/internal/observability"
	"github.com/kjstillabower/air-quality-service/internal/service"
	"github.com/kjstillabower/air-quality-service/internal/traffic"
)

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	router := newTestRouter(&mockService{result: sampleResult(service.SourceCache)}, nil)
	w := serve(t, router, http.MethodGet, "/api/air-quality?lat=1&lon=2")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var seen string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationID(r.Context())
		observability.LoggerFromContext(r.Context(), nil).Info("inside")
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	if seen != "client-provided-id" {
		t.Errorf("context correlation id = %q", seen)
	}
	entries := logs.FilterMessage("inside").All()
	if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != "client-provided-id" {
		t.Errorf("request logger missing correlation_id: %+v", entries)
	}
}

func TestMiddleware_MetricsUsesRouteTemplate(t *testing.T) {
	counter := observability.HTTPRequestsTotal.WithLabelValues("GET", "/api/stations/{name}", "5xx")
	before := testutil.ToFloat64(counter)

	router := newTestRouter(&mockService{historyErr: errors.New("boom")}, nil)
	serve(t, router, http.MethodGet, "/api/stations/Mitte")
	serve(t, router, http.MethodGet, "/api/stations/Altona")

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("httpRequestsTotal{route=/api/stations/{name},5xx} delta = %v, want 2", got)
	}
}

func TestMiddleware_InFlightTracked(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))
		close(done)
	}()
	<-entered
	if got := InFlightCount(); got < 1 {
		t.Errorf("InFlightCount() = %d during request, want >= 1", got)
	}
	close(release)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := WaitForInFlight(ctx, 5*time.Millisecond); err != nil {
		t.Errorf("WaitForInFlight() error = %v", err)
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	svc := &mockService{result: sampleResult(service.SourceCache)}
	tracker := traffic.New(nil, 0)
	h := NewHandler(svc, nil, HandlerConfig{Traffic: tracker}, nil)
	router := NewRouter(h, nil, RouterOptions{Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})
	before := testutil.ToFloat64(observability.RateLimitDeniedTotal)

	if w := serve(t, router, http.MethodGet, "/api/air-quality?lat=1&lon=2"); w.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", w.Code)
	}
	w := serve(t, router, http.MethodGet, "/api/air-quality?lat=1&lon=2")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", w.Code)
	}
	if code := errorCode(t, w); code != "RATE_LIMITED" {
		t.Errorf("error.code = %q", code)
	}
	if got := testutil.ToFloat64(observability.RateLimitDeniedTotal) - before; got != 1 {
		t.Errorf("rateLimitDeniedTotal delta = %v, want 1", got)
	}
	if c := tracker.Snapshot(time.Minute); c.Denied != 1 || c.Successes != 1 {
		t.Errorf("tracker = %+v, want 1 success and 1 denial", c)
	}
	if w := serve(t, router, http.MethodGet, "/health"); w.Code != http.StatusOK && w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want it outside the limiter", w.Code)
	}
}

func TestMiddleware_TimeoutSetsDeadline(t *testing.T) {
	var hasDeadline bool
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(50 * time.Millisecond))
	router.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	if !hasDeadline {
		t.Error("request context has no deadline")
	}
}

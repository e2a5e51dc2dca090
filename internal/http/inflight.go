package http

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/air-quality-service/internal/observability"
)

const defaultDrainInterval = 100 * time.Millisecond

// inFlight counts requests between MetricsMiddleware entry and exit so shutdown can drain them
// after the listener closes. The prometheus gauge mirrors the count for scraping.
type inFlight struct {
	n     atomic.Int64
	clock clockwork.Clock
}

func newInFlight(clock clockwork.Clock) *inFlight {
	return &inFlight{clock: clock}
}

// begin marks a request as started and returns the matching completion func.
func (f *inFlight) begin() (end func()) {
	f.n.Add(1)
	observability.HTTPRequestsInFlight.Inc()
	return func() {
		observability.HTTPRequestsInFlight.Dec()
		f.n.Add(-1)
	}
}

func (f *inFlight) count() int64 { return f.n.Load() }

// drain polls every interval until no request is in flight or ctx is done.
func (f *inFlight) drain(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultDrainInterval
	}
	if f.count() == 0 {
		return nil
	}
	ticker := f.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if f.count() == 0 {
				return nil
			}
		}
	}
}

var requestsInFlight = newInFlight(clockwork.NewRealClock())

// InFlightCount returns the number of requests currently inside the router.
func InFlightCount() int64 {
	return requestsInFlight.count()
}

// WaitForInFlight blocks until every in-flight request completes or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return requestsInFlight.drain(ctx, checkInterval)
}

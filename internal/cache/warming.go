package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// Refresher is implemented by the service layer to re-fetch and store one location.
// Used by Warmer to avoid a circular dependency on the service package.
type Refresher interface {
	Refresh(ctx context.Context, loc models.Location) (int, error)
}

// WarmResult counts the outcome of one warming pass.
type WarmResult struct {
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// Warmer refreshes a list of locations one at a time with a pause between items,
// keeping upstream request rate low.
type Warmer struct {
	refresher Refresher
	clock     clockwork.Clock
	logger    *zap.Logger
}

// NewWarmer creates a Warmer. A nil clock uses the real clock; a nil logger disables logging.
func NewWarmer(refresher Refresher, clock clockwork.Clock, logger *zap.Logger) *Warmer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{refresher: refresher, clock: clock, logger: logger}
}

// Warm refreshes every location in order. A failing location never stops the pass;
// failures are aggregated into the returned error. Returns ctx.Err() early if ctx is done.
func (w *Warmer) Warm(ctx context.Context, locations []models.Location, pause time.Duration) (WarmResult, error) {
	var (
		res  WarmResult
		errs *multierror.Error
	)
	for i, loc := range locations {
		if i > 0 && pause > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-w.clock.After(pause):
			}
		}
		n, err := w.refresher.Refresh(ctx, loc)
		if err != nil {
			res.Failed++
			errs = multierror.Append(errs, fmt.Errorf("warm %s: %w", locationLabel(loc), err))
			w.logger.Warn("location refresh failed", zap.String("location", locationLabel(loc)), zap.Error(err))
			continue
		}
		res.Refreshed++
		w.logger.Debug("location refreshed", zap.String("location", locationLabel(loc)), zap.Int("stations", n))
	}
	return res, errs.ErrorOrNil()
}

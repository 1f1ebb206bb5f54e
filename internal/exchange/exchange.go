// Package exchange defines the upstream kline source consumed by the backfill
// walker and provides the Binance REST implementation.
package exchange

import (
	"context"
	"fmt"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// MaxPageLimit is the largest page the klines endpoint will serve.
const MaxPageLimit = 1000

// KlineRequest describes one page request. Nil bounds are omitted from the
// query so the upstream applies its defaults. Both bounds are inclusive and
// in epoch milliseconds.
type KlineRequest struct {
	Symbol    string
	Interval  models.Interval
	StartTime *int64
	EndTime   *int64
	Limit     int
}

// Validate checks the request before anything is sent. An interval outside
// the supported set yields an error wrapping models.ErrUnsupportedInterval.
func (r KlineRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !r.Interval.IsValid() {
		return fmt.Errorf("%w: %q", models.ErrUnsupportedInterval, r.Interval)
	}
	if r.Limit <= 0 || r.Limit > MaxPageLimit {
		return fmt.Errorf("limit must be between 1 and %d, got %d", MaxPageLimit, r.Limit)
	}
	if r.StartTime != nil && r.EndTime != nil && *r.StartTime > *r.EndTime {
		return fmt.Errorf("start time %d is after end time %d", *r.StartTime, *r.EndTime)
	}
	return nil
}

// KlineFetcher fetches one page of klines. Implementations must be safe for
// concurrent use because every walk in a run shares one fetcher.
//
// Returned candles are validated and ordered by open time. Errors are
// *errors.ClassifiedError values: unsupported_interval and bad_request are
// permanent for the walk, transport and decode types may succeed on retry.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, req KlineRequest) ([]models.Candle, error)
}

// HealthChecker reports whether the upstream is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

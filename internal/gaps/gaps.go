// Package gaps finds missing bars in a walked candle sequence. The upstream
// legitimately omits bars during exchange outages, so gaps are reported,
// not repaired.
package gaps

import (
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// Gap is a run of missing bars between two present candles. From and To
// are the open times of the first and last missing bar.
type Gap struct {
	From    int64 `json:"from"`
	To      int64 `json:"to"`
	Missing int   `json:"missing"`
}

// Start returns the open time of the first missing bar.
func (g Gap) Start() time.Time {
	return time.UnixMilli(g.From).UTC()
}

// End returns the open time of the last missing bar.
func (g Gap) End() time.Time {
	return time.UnixMilli(g.To).UTC()
}

// Detect scans candles, which must be ordered by open time, for places where
// the next bar opens later than one interval after the current one.
// Intervals without a fixed width (1M) are never reported.
func Detect(candles []models.Candle, interval models.Interval) []Gap {
	step := interval.Duration().Milliseconds()
	if step <= 0 || len(candles) < 2 {
		return nil
	}

	var out []Gap
	for i := 0; i < len(candles)-1; i++ {
		expectedNext := candles[i].OpenTime + step
		next := candles[i+1].OpenTime
		if next > expectedNext {
			out = append(out, Gap{
				From:    expectedNext,
				To:      next - step,
				Missing: int((next - expectedNext) / step),
			})
		}
	}
	return out
}

// MissingBars sums the missing bars across gaps.
func MissingBars(gs []Gap) int {
	total := 0
	for _, g := range gs {
		total += g.Missing
	}
	return total
}

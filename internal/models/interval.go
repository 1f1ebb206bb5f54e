package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedInterval is returned for interval strings outside the set the
// upstream publishes klines for.
var ErrUnsupportedInterval = errors.New("unsupported interval")

// Interval is a kline bar width in the upstream's notation.
type Interval string

const (
	Interval1s  Interval = "1s"
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1s:  time.Second,
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval3d:  72 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
	Interval1M:  0, // calendar month, no fixed width
}

// SupportedIntervals returns every supported interval, shortest first.
func SupportedIntervals() []Interval {
	return []Interval{
		Interval1s, Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
		Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
		Interval1d, Interval3d, Interval1w, Interval1M,
	}
}

// ParseInterval validates s against the supported set. Matching is case
// sensitive because "1m" and "1M" are different bars.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(strings.TrimSpace(s))
	if !iv.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedInterval, s)
	}
	return iv, nil
}

// IsValid reports whether the interval is in the supported set.
func (i Interval) IsValid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the nominal bar width, or 0 for intervals without one (1M).
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

func (i Interval) String() string {
	return string(i)
}

// Pair is one (symbol, interval) combination, the unit of independent backfill work.
type Pair struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
}

// NewPair normalises the symbol to upper case and validates the interval.
func NewPair(symbol, interval string) (Pair, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Pair{}, &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	iv, err := ParseInterval(interval)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Symbol: symbol, Interval: iv}, nil
}

// ExpandPairs builds the cross product of symbols and intervals, symbol-major,
// preserving input order and skipping duplicates.
func ExpandPairs(symbols, intervals []string) ([]Pair, error) {
	seen := make(map[Pair]struct{}, len(symbols)*len(intervals))
	pairs := make([]Pair, 0, len(symbols)*len(intervals))
	for _, s := range symbols {
		for _, iv := range intervals {
			p, err := NewPair(s, iv)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

func (p Pair) String() string {
	return p.Symbol + "/" + string(p.Interval)
}

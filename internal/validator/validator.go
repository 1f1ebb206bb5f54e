// Package validator checks a walked candle sequence before it is persisted:
// every record individually valid, open times strictly increasing, and all
// records inside the requested bounds.
package validator

import (
	"fmt"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// Issue identifies the kind of sequence violation.
type Issue string

const (
	IssueInvalidCandle Issue = "invalid_candle"
	IssueOutOfOrder    Issue = "out_of_order"
	IssueDuplicate     Issue = "duplicate"
	IssueBeforeStart   Issue = "before_start"
	IssueAfterEnd      Issue = "after_end"
)

// SequenceError reports the first violation found.
type SequenceError struct {
	Issue    Issue
	Index    int
	OpenTime int64
	Err      error
}

func (e *SequenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sequence check failed at index %d (open %d): %s: %v", e.Index, e.OpenTime, e.Issue, e.Err)
	}
	return fmt.Sprintf("sequence check failed at index %d (open %d): %s", e.Index, e.OpenTime, e.Issue)
}

func (e *SequenceError) Unwrap() error {
	return e.Err
}

// Bounds are the inclusive open-time limits a sequence must respect. Nil
// means unbounded.
type Bounds struct {
	Start *int64
	End   *int64
}

// ValidateSequence returns nil when candles form a valid dataset.
func ValidateSequence(candles []models.Candle, bounds Bounds) error {
	for i := range candles {
		c := &candles[i]
		if err := c.Validate(); err != nil {
			return &SequenceError{Issue: IssueInvalidCandle, Index: i, OpenTime: c.OpenTime, Err: err}
		}
		if bounds.Start != nil && c.OpenTime < *bounds.Start {
			return &SequenceError{Issue: IssueBeforeStart, Index: i, OpenTime: c.OpenTime}
		}
		if bounds.End != nil && c.OpenTime > *bounds.End {
			return &SequenceError{Issue: IssueAfterEnd, Index: i, OpenTime: c.OpenTime}
		}
		if i == 0 {
			continue
		}
		switch prev := candles[i-1].OpenTime; {
		case c.OpenTime == prev:
			return &SequenceError{Issue: IssueDuplicate, Index: i, OpenTime: c.OpenTime}
		case c.OpenTime < prev:
			return &SequenceError{Issue: IssueOutOfOrder, Index: i, OpenTime: c.OpenTime}
		}
	}
	return nil
}

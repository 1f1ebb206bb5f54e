package validator

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

const hourMs int64 = 3_600_000

func candle(open int64) models.Candle {
	one := decimal.NewFromInt(1)
	return models.Candle{
		OpenTime: open, CloseTime: open + hourMs - 1,
		Open: one, High: one, Low: one, Close: one,
		Volume: one, QuoteAssetVolume: one,
	}
}

func i64(v int64) *int64 { return &v }

func TestValidateSequence(t *testing.T) {
	bad := candle(2 * hourMs)
	bad.Volume = decimal.NewFromInt(-1)

	tests := []struct {
		name    string
		candles []models.Candle
		bounds  Bounds
		issue   Issue
		index   int
	}{
		{name: "empty", candles: nil},
		{name: "ordered", candles: []models.Candle{candle(0), candle(hourMs), candle(2 * hourMs)}},
		{
			name:    "within inclusive bounds",
			candles: []models.Candle{candle(hourMs), candle(2 * hourMs)},
			bounds:  Bounds{Start: i64(hourMs), End: i64(2 * hourMs)},
		},
		{
			name:    "duplicate",
			candles: []models.Candle{candle(0), candle(hourMs), candle(hourMs)},
			issue:   IssueDuplicate,
			index:   2,
		},
		{
			name:    "out of order",
			candles: []models.Candle{candle(hourMs), candle(0)},
			issue:   IssueOutOfOrder,
			index:   1,
		},
		{
			name:    "before start",
			candles: []models.Candle{candle(0), candle(hourMs)},
			bounds:  Bounds{Start: i64(1)},
			issue:   IssueBeforeStart,
			index:   0,
		},
		{
			name:    "after end",
			candles: []models.Candle{candle(0), candle(hourMs)},
			bounds:  Bounds{End: i64(hourMs - 1)},
			issue:   IssueAfterEnd,
			index:   1,
		},
		{
			name:    "invalid candle",
			candles: []models.Candle{candle(0), candle(hourMs), bad},
			issue:   IssueInvalidCandle,
			index:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSequence(tt.candles, tt.bounds)
			if tt.issue == "" {
				assert.NoError(t, err)
				return
			}
			var seqErr *SequenceError
			require.True(t, errors.As(err, &seqErr))
			assert.Equal(t, tt.issue, seqErr.Issue)
			assert.Equal(t, tt.index, seqErr.Index)
		})
	}
}

func TestSequenceError_UnwrapsCandleError(t *testing.T) {
	bad := candle(0)
	bad.High = decimal.NewFromInt(0)

	err := ValidateSequence([]models.Candle{bad}, Bounds{})
	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "high", validationErr.Field)
	assert.Contains(t, err.Error(), "invalid_candle")
}

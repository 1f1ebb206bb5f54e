// Package models provides the value types moved through the backfill pipeline:
// candles, intervals, pairs and per-pair task state.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one fixed-duration kline bar as published by the upstream.
// Timestamps are milliseconds since the Unix epoch. Values are immutable once
// decoded and validated.
type Candle struct {
	OpenTime            int64           `json:"open_timestamp" db:"open_timestamp"`
	Open                decimal.Decimal `json:"open" db:"open"`
	High                decimal.Decimal `json:"high" db:"high"`
	Low                 decimal.Decimal `json:"low" db:"low"`
	Close               decimal.Decimal `json:"close" db:"close"`
	Volume              decimal.Decimal `json:"volume" db:"volume"`
	CloseTime           int64           `json:"close_timestamp" db:"close_timestamp"`
	QuoteAssetVolume    decimal.Decimal `json:"quote_asset_volume" db:"quote_asset_volume"`
	NumberOfTrades      int64           `json:"number_of_trades" db:"number_of_trades"`
	TakerBuyBaseVolume  decimal.Decimal `json:"taker_buy_base_asset_volume" db:"taker_buy_base_asset_volume"`
	TakerBuyQuoteVolume decimal.Decimal `json:"taker_buy_quote_asset_volume" db:"taker_buy_quote_asset_volume"`
	Unused              bool            `json:"unused_field" db:"unused_field"`
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the structural invariants of a decoded candle: ordered
// timestamps, non-negative values, low/high enclosing open and close, and
// taker volumes bounded by their totals.
func (c *Candle) Validate() error {
	if c.OpenTime < 0 {
		return &ValidationError{Field: "open_timestamp", Message: "open timestamp cannot be negative"}
	}
	if c.CloseTime <= c.OpenTime {
		return &ValidationError{
			Field:   "close_timestamp",
			Message: fmt.Sprintf("close timestamp (%d) must be after open timestamp (%d)", c.CloseTime, c.OpenTime),
		}
	}

	nonNegative := []struct {
		field string
		value decimal.Decimal
	}{
		{"open", c.Open},
		{"high", c.High},
		{"low", c.Low},
		{"close", c.Close},
		{"volume", c.Volume},
		{"quote_asset_volume", c.QuoteAssetVolume},
		{"taker_buy_base_asset_volume", c.TakerBuyBaseVolume},
		{"taker_buy_quote_asset_volume", c.TakerBuyQuoteVolume},
	}
	for _, nv := range nonNegative {
		if nv.value.IsNegative() {
			return &ValidationError{Field: nv.field, Message: fmt.Sprintf("%s must be greater than or equal to 0", nv.field)}
		}
	}

	if c.NumberOfTrades < 0 {
		return &ValidationError{Field: "number_of_trades", Message: "number of trades must be greater than or equal to 0"}
	}

	// High >= max(Open, Close)
	maxOpenClose := decimal.Max(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", c.High, maxOpenClose),
		}
	}

	// Low <= min(Open, Close)
	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	if c.TakerBuyBaseVolume.GreaterThan(c.Volume) {
		return &ValidationError{
			Field:   "taker_buy_base_asset_volume",
			Message: fmt.Sprintf("taker buy base volume (%s) exceeds volume (%s)", c.TakerBuyBaseVolume, c.Volume),
		}
	}
	if c.TakerBuyQuoteVolume.GreaterThan(c.QuoteAssetVolume) {
		return &ValidationError{
			Field:   "taker_buy_quote_asset_volume",
			Message: fmt.Sprintf("taker buy quote volume (%s) exceeds quote asset volume (%s)", c.TakerBuyQuoteVolume, c.QuoteAssetVolume),
		}
	}

	return nil
}

// OpenAt returns the open timestamp as a UTC time.
func (c *Candle) OpenAt() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// CloseAt returns the close timestamp as a UTC time.
func (c *Candle) CloseAt() time.Time {
	return time.UnixMilli(c.CloseTime).UTC()
}

// String returns a string representation of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Open: %s, O: %s, H: %s, L: %s, C: %s, V: %s, Trades: %d}",
		c.OpenAt().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume, c.NumberOfTrades)
}

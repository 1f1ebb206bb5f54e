// Package storage defines the dataset sink that receives a completed,
// ordered candle sequence for one pair and writes it to disk.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// Format selects the on-disk encoding of a dataset.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatCSV     Format = "csv"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatParquet, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want %s or %s)", s, FormatParquet, FormatCSV)
	}
}

// Columns lists the dataset columns in file order.
var Columns = []string{
	"open_timestamp",
	"open",
	"high",
	"low",
	"close",
	"volume",
	"close_timestamp",
	"quote_asset_volume",
	"number_of_trades",
	"taker_buy_base_asset_volume",
	"taker_buy_quote_asset_volume",
	"unused_field",
}

// Sink persists one pair's candles. Persist receives candles ordered by
// open time and returns the path it wrote. Implementations must be safe
// for concurrent use by distinct pairs.
type Sink interface {
	Persist(ctx context.Context, pair models.Pair, candles []models.Candle) (string, error)
}

// DatasetPath returns <root>/<SYMBOL>/<INTERVAL>/<SYMBOL>_<INTERVAL>_candles.<ext>.
func DatasetPath(root string, pair models.Pair, format Format) string {
	name := fmt.Sprintf("%s_%s_candles.%s", pair.Symbol, pair.Interval, format)
	return filepath.Join(root, pair.Symbol, string(pair.Interval), name)
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "append", "copy")
	Operation string

	// Path is the dataset file involved in the operation
	Path string

	// Query is the SQL statement involved (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, path, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Path:      path,
		Query:     query,
		Err:       err,
	}
}

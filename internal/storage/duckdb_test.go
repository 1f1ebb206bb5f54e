package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

const hourMs int64 = 3_600_000

var testPair = models.Pair{Symbol: "BTCUSDT", Interval: models.Interval1h}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestDuckDBSink(t *testing.T, format Format) *DuckDBSink {
	t.Helper()

	sink, err := NewDuckDBSink(context.Background(), DuckDBConfig{
		Root:   t.TempDir(),
		Format: format,
	}, createTestLogger())
	require.NoError(t, err, "failed to create test DuckDB sink")
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

// createTestCandles generates hourly candles starting at start.
func createTestCandles(start int64, count int) []models.Candle {
	candles := make([]models.Candle, count)
	for i := range candles {
		open := start + int64(i)*hourMs
		base := decimal.NewFromInt(50000 + int64(i)*10)
		candles[i] = models.Candle{
			OpenTime:            open,
			Open:                base,
			High:                base.Add(decimal.NewFromInt(25)),
			Low:                 base.Sub(decimal.NewFromInt(25)),
			Close:               base.Add(decimal.NewFromInt(5)),
			Volume:              decimal.RequireFromString("12.5"),
			CloseTime:           open + hourMs - 1,
			QuoteAssetVolume:    decimal.RequireFromString("625000.25"),
			NumberOfTrades:      int64(100 + i),
			TakerBuyBaseVolume:  decimal.RequireFromString("6.25"),
			TakerBuyQuoteVolume: decimal.RequireFromString("312500.125"),
			Unused:              i%2 == 1,
		}
	}
	return candles
}

func TestDatasetPath(t *testing.T) {
	got := DatasetPath("temp", testPair, FormatParquet)
	assert.Equal(t, filepath.Join("temp", "BTCUSDT", "1h", "BTCUSDT_1h_candles.parquet"), got)

	got = DatasetPath("/data", models.Pair{Symbol: "ETHUSDT", Interval: models.Interval15m}, FormatCSV)
	assert.Equal(t, filepath.Join("/data", "ETHUSDT", "15m", "ETHUSDT_15m_candles.csv"), got)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("Parquet")
	require.NoError(t, err)
	assert.Equal(t, FormatParquet, f)

	f, err = ParseFormat("csv")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("hdf5")
	assert.Error(t, err)
}

func TestDuckDBSink_PersistParquet(t *testing.T) {
	sink := createTestDuckDBSink(t, FormatParquet)
	ctx := context.Background()

	candles := createTestCandles(1577833200000, 48)
	// Hand the sink an unordered batch; the file must still be ordered.
	shuffled := append([]models.Candle{}, candles[24:]...)
	shuffled = append(shuffled, candles[:24]...)

	path, err := sink.Persist(ctx, testPair, shuffled)
	require.NoError(t, err)
	assert.Equal(t, DatasetPath(sink.root, testPair, FormatParquet), path)
	assert.FileExists(t, path)
	assert.NoFileExists(t, path+".tmp")

	rows, err := sink.db.QueryContext(ctx, "SELECT open_timestamp, open, number_of_trades, unused_field FROM read_parquet('"+escapeLiteral(path)+"')")
	require.NoError(t, err)
	defer rows.Close()

	var got []int64
	for rows.Next() {
		var ts, trades int64
		var open float64
		var unused bool
		require.NoError(t, rows.Scan(&ts, &open, &trades, &unused))
		i := len(got)
		assert.Equal(t, candles[i].OpenTime, ts)
		assert.Equal(t, candles[i].Open.InexactFloat64(), open)
		assert.Equal(t, candles[i].NumberOfTrades, trades)
		assert.Equal(t, candles[i].Unused, unused)
		got = append(got, ts)
	}
	require.NoError(t, rows.Err())
	assert.Len(t, got, 48)

	schema, err := sink.db.QueryContext(ctx, "SELECT * FROM read_parquet('"+escapeLiteral(path)+"') LIMIT 0")
	require.NoError(t, err)
	columns, err := schema.Columns()
	require.NoError(t, err)
	require.NoError(t, schema.Close())
	assert.Equal(t, Columns, columns)
}

func TestDuckDBSink_PersistCSV(t *testing.T) {
	sink := createTestDuckDBSink(t, FormatCSV)

	path, err := sink.Persist(context.Background(), testPair, createTestCandles(1577833200000, 3))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "BTCUSDT_1h_candles.csv"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Join(Columns, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1577833200000,"))
}

func TestDuckDBSink_OverwritesPreviousRun(t *testing.T) {
	sink := createTestDuckDBSink(t, FormatParquet)
	ctx := context.Background()

	_, err := sink.Persist(ctx, testPair, createTestCandles(1577833200000, 10))
	require.NoError(t, err)
	path, err := sink.Persist(ctx, testPair, createTestCandles(1577833200000, 4))
	require.NoError(t, err)

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx,
		"SELECT count(*) FROM read_parquet('"+escapeLiteral(path)+"')").Scan(&count))
	assert.Equal(t, 4, count)
}

func TestDuckDBSink_Errors(t *testing.T) {
	t.Run("empty batch", func(t *testing.T) {
		sink := createTestDuckDBSink(t, FormatParquet)
		_, err := sink.Persist(context.Background(), testPair, nil)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorTypeIO, apperrors.GetErrorType(err))
	})

	t.Run("closed sink", func(t *testing.T) {
		sink := createTestDuckDBSink(t, FormatParquet)
		require.NoError(t, sink.Close())
		require.NoError(t, sink.Close())

		_, err := sink.Persist(context.Background(), testPair, createTestCandles(0, 1))
		require.Error(t, err)
		var storageErr *StorageError
		assert.True(t, errors.As(err, &storageErr))
	})

	t.Run("unwritable root", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(root, []byte("x"), 0o644))

		sink, err := NewDuckDBSink(context.Background(), DuckDBConfig{Root: root}, createTestLogger())
		require.NoError(t, err)
		defer sink.Close()

		_, err = sink.Persist(context.Background(), testPair, createTestCandles(0, 1))
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorTypeIO, apperrors.GetErrorType(err))
		var storageErr *StorageError
		require.True(t, errors.As(err, &storageErr))
		assert.Equal(t, "mkdir", storageErr.Operation)
	})

	t.Run("bad config", func(t *testing.T) {
		_, err := NewDuckDBSink(context.Background(), DuckDBConfig{}, createTestLogger())
		assert.Error(t, err)

		_, err = NewDuckDBSink(context.Background(), DuckDBConfig{Root: t.TempDir(), Format: "xlsx"}, createTestLogger())
		assert.Error(t, err)
	})
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink("mem")
	ctx := context.Background()

	candles := createTestCandles(1577833200000, 5)
	reversed := []models.Candle{candles[4], candles[3], candles[2], candles[1], candles[0]}

	path, err := sink.Persist(ctx, testPair, reversed)
	require.NoError(t, err)
	assert.Equal(t, DatasetPath("mem", testPair, FormatParquet), path)

	stored, ok := sink.Dataset(testPair)
	require.True(t, ok)
	assert.Equal(t, candles, stored)
	assert.Equal(t, 1, sink.Writes())

	_, err = sink.Persist(ctx, testPair, nil)
	assert.Equal(t, apperrors.ErrorTypeIO, apperrors.GetErrorType(err))

	sink.FailFor = map[models.Pair]error{testPair: errors.New("disk full")}
	_, err = sink.Persist(ctx, testPair, candles)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, sink.Writes())
}

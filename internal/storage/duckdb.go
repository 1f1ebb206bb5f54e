package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb/v2"

	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

const sinkComponent = "sink"

// DuckDBConfig configures a DuckDBSink.
type DuckDBConfig struct {
	Root        string
	Format      Format
	MemoryLimit string // e.g. "1GB"; empty keeps the DuckDB default
	Threads     int    // 0 keeps the DuckDB default
}

// DuckDBSink writes datasets through an in-memory DuckDB instance: each
// batch is bulk loaded with the Appender API into a scratch table and
// exported with COPY, ordered by open_timestamp.
type DuckDBSink struct {
	db     *sql.DB
	root   string
	format Format
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewDuckDBSink opens the in-memory database that stages every export.
func NewDuckDBSink(ctx context.Context, cfg DuckDBConfig, logger *slog.Logger) (*DuckDBSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Root == "" {
		return nil, NewStorageError("open", "", "", fmt.Errorf("output root is required"))
	}
	if cfg.Format == "" {
		cfg.Format = FormatParquet
	}
	if _, err := ParseFormat(string(cfg.Format)); err != nil {
		return nil, NewStorageError("open", "", "", err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// One connection: the appender and COPY for a batch must see the same
	// in-memory catalog, and DuckDB serialises writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &DuckDBSink{
		db:     db,
		root:   cfg.Root,
		format: cfg.Format,
		logger: logger.With("component", sinkComponent),
	}

	settings := []string{"SET enable_progress_bar = false"}
	if cfg.MemoryLimit != "" {
		settings = append(settings, fmt.Sprintf("SET memory_limit = '%s'", escapeLiteral(cfg.MemoryLimit)))
	}
	if cfg.Threads > 0 {
		settings = append(settings, fmt.Sprintf("SET threads = %d", cfg.Threads))
	}
	for _, stmt := range settings {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			s.logger.Warn("failed to apply setting", "setting", stmt, "error", err)
		}
	}

	s.logger.Info("dataset sink ready", "root", cfg.Root, "format", cfg.Format)
	return s, nil
}

// Persist writes candles for pair to its dataset file, replacing any
// previous file atomically.
func (s *DuckDBSink) Persist(ctx context.Context, pair models.Pair, candles []models.Candle) (string, error) {
	path := DatasetPath(s.root, pair, s.format)
	if len(candles) == 0 {
		return "", s.wrap(NewStorageError("persist", path, "", fmt.Errorf("no candles to write")))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", s.wrap(NewStorageError("persist", path, "", fmt.Errorf("sink is closed")))
	}

	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", s.wrap(NewStorageError("mkdir", path, "", err))
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return "", s.wrap(NewStorageError("connect", path, "", fmt.Errorf("failed to get connection: %w", err)))
	}
	defer conn.Close()

	table := "batch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	create := fmt.Sprintf(`CREATE TABLE %s (
		open_timestamp BIGINT NOT NULL,
		open DOUBLE NOT NULL,
		high DOUBLE NOT NULL,
		low DOUBLE NOT NULL,
		close DOUBLE NOT NULL,
		volume DOUBLE NOT NULL,
		close_timestamp BIGINT NOT NULL,
		quote_asset_volume DOUBLE NOT NULL,
		number_of_trades BIGINT NOT NULL,
		taker_buy_base_asset_volume DOUBLE NOT NULL,
		taker_buy_quote_asset_volume DOUBLE NOT NULL,
		unused_field BOOLEAN NOT NULL
	)`, table)
	if _, err := conn.ExecContext(ctx, create); err != nil {
		return "", s.wrap(NewStorageError("create_table", path, create, err))
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+table); err != nil {
			s.logger.Warn("failed to drop scratch table", "table", table, "error", err)
		}
	}()

	if err := s.appendCandles(conn, table, candles); err != nil {
		return "", s.wrap(NewStorageError("append", path, "", err))
	}

	tmp := path + ".tmp"
	copyStmt := fmt.Sprintf("COPY (SELECT %s FROM %s ORDER BY open_timestamp) TO '%s' (%s)",
		strings.Join(Columns, ", "), table, escapeLiteral(tmp), s.copyOptions())
	if _, err := conn.ExecContext(ctx, copyStmt); err != nil {
		_ = os.Remove(tmp)
		return "", s.wrap(NewStorageError("copy", path, copyStmt, err))
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", s.wrap(NewStorageError("rename", path, "", err))
	}

	s.logger.Debug("dataset written",
		"pair", pair.String(),
		"path", path,
		"rows", len(candles),
		"duration", time.Since(start))
	return path, nil
}

// appendCandles bulk loads candles with the DuckDB Appender API.
func (s *DuckDBSink) appendCandles(conn *sql.Conn, table string, candles []models.Candle) error {
	return conn.Raw(func(dc any) error {
		driverConn, ok := dc.(driver.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a driver connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", table)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		for _, c := range candles {
			if err := appender.AppendRow(
				c.OpenTime,
				c.Open.InexactFloat64(),
				c.High.InexactFloat64(),
				c.Low.InexactFloat64(),
				c.Close.InexactFloat64(),
				c.Volume.InexactFloat64(),
				c.CloseTime,
				c.QuoteAssetVolume.InexactFloat64(),
				c.NumberOfTrades,
				c.TakerBuyBaseVolume.InexactFloat64(),
				c.TakerBuyQuoteVolume.InexactFloat64(),
				c.Unused,
			); err != nil {
				_ = appender.Close()
				return fmt.Errorf("failed to append candle %d: %w", c.OpenTime, err)
			}
		}

		// Close flushes the remaining rows.
		if err := appender.Close(); err != nil {
			return fmt.Errorf("failed to flush appender: %w", err)
		}
		return nil
	})
}

func (s *DuckDBSink) copyOptions() string {
	if s.format == FormatCSV {
		return "FORMAT CSV, HEADER"
	}
	return "FORMAT PARQUET, COMPRESSION ZSTD"
}

func (s *DuckDBSink) wrap(err *StorageError) error {
	return apperrors.New(apperrors.ErrorTypeIO, sinkComponent, err.Operation, err)
}

// Close releases the staging database.
func (s *DuckDBSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

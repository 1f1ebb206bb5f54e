package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// MemorySink keeps persisted datasets in memory. It backs dry runs and
// tests; paths follow the same layout as DuckDBSink under a virtual root.
type MemorySink struct {
	root   string
	format Format

	mu       sync.RWMutex
	datasets map[models.Pair][]models.Candle
	writes   int

	// FailFor makes Persist fail for the listed pairs.
	FailFor map[models.Pair]error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink(root string) *MemorySink {
	return &MemorySink{
		root:     root,
		format:   FormatParquet,
		datasets: make(map[models.Pair][]models.Candle),
	}
}

// Persist stores a copy of candles, ordered by open time.
func (m *MemorySink) Persist(ctx context.Context, pair models.Pair, candles []models.Candle) (string, error) {
	path := DatasetPath(m.root, pair, m.format)
	if ctx.Err() != nil {
		return "", apperrors.New(apperrors.ErrorTypeCanceled, sinkComponent, "persist", ctx.Err())
	}
	if len(candles) == 0 {
		return "", apperrors.New(apperrors.ErrorTypeIO, sinkComponent, "persist",
			NewStorageError("persist", path, "", errors.New("no candles to write")))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.FailFor[pair]; ok {
		return "", apperrors.New(apperrors.ErrorTypeIO, sinkComponent, "persist", NewStorageError("persist", path, "", err))
	}

	stored := make([]models.Candle, len(candles))
	copy(stored, candles)
	sort.Slice(stored, func(i, j int) bool { return stored[i].OpenTime < stored[j].OpenTime })

	m.datasets[pair] = stored
	m.writes++
	return path, nil
}

// Dataset returns the candles stored for pair.
func (m *MemorySink) Dataset(pair models.Pair) ([]models.Candle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.datasets[pair]
	return c, ok
}

// Writes returns how many datasets were persisted.
func (m *MemorySink) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

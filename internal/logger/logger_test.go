package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-backfill/internal/config"
)

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func decodeLines(t *testing.T, buf *bufferCloser) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLoggerManager_JSONOutput(t *testing.T) {
	buf := &bufferCloser{}
	lm := newLoggerManager(config.LoggingConfig{
		Level:         "info",
		Format:        "json",
		ContextFields: map[string]string{"service": "kline-backfill"},
	}, buf)

	lm.WithComponentContext(context.Background(), "walker").Info("walk started", "symbol", "BTCUSDT")
	lm.GetLogger().Debug("hidden")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "walk started", entries[0]["msg"])
	assert.Equal(t, "walker", entries[0]["component"])
	assert.Equal(t, "kline-backfill", entries[0]["service"])
	assert.Equal(t, "BTCUSDT", entries[0]["symbol"])

	require.NoError(t, lm.Close())
	assert.True(t, buf.closed)
}

func TestLoggerManager_ContextAttributes(t *testing.T) {
	buf := &bufferCloser{}
	lm := newLoggerManager(config.LoggingConfig{Level: "debug", Format: "json"}, buf)

	ctx, runID := NewRunContext(context.Background())
	ctx = WithPair(ctx, "BTCUSDT/1h")
	ctx = WithInterval(ctx, "1h")
	ctx = WithTaskID(ctx, "task-1")
	assert.Equal(t, runID, GetRunID(ctx))
	assert.Equal(t, "BTCUSDT/1h", GetPair(ctx))

	lm.WithContext(ctx).Warn("gap found")
	lm.WithComponentContext(ctx, "scheduler").Error("pair failed")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, runID, e["run_id"])
		assert.Equal(t, "BTCUSDT/1h", e["pair"])
		assert.Equal(t, "1h", e["interval"])
		assert.Equal(t, "task-1", e["task_id"])
	}
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, "scheduler", entries[1]["component"])

	assert.Same(t, lm.GetLogger(), lm.WithContext(context.Background()))
}

func TestComponentLogger_LogOperation(t *testing.T) {
	buf := &bufferCloser{}
	lm := newLoggerManager(config.LoggingConfig{Level: "debug", Format: "json"}, buf)
	ctx := WithPair(context.Background(), "ETHUSDT/1d")
	cl := lm.WithComponentContext(ctx, "sink")
	assert.Equal(t, "sink", cl.Component())

	require.NoError(t, cl.LogOperation(ctx, "persist", func() error { return nil }))
	err := cl.LogOperation(ctx, "persist", func() error { return errors.New("disk full") })
	require.Error(t, err)

	entries := decodeLines(t, buf)
	require.Len(t, entries, 4)
	assert.Equal(t, "DEBUG", entries[0]["level"])
	assert.Equal(t, "operation completed", entries[1]["msg"])
	assert.Contains(t, entries[1], "duration")
	assert.Equal(t, "operation failed", entries[3]["msg"])
	assert.Equal(t, "disk full", entries[3]["error"])
	assert.Equal(t, "persist", entries[3]["operation"])
	for _, e := range entries {
		assert.Equal(t, "ETHUSDT/1d", e["pair"])
		assert.Equal(t, "sink", e["component"])
	}
}

func TestFromLogger(t *testing.T) {
	buf := &bufferCloser{}
	base := slog.New(slog.NewJSONHandler(buf, nil))
	lm := FromLogger(base)
	assert.Same(t, base, lm.GetLogger())

	ctx, runID := NewRunContext(context.Background())
	lm.WithComponentContext(WithTaskID(ctx, "task-9"), "walker").WithOperation("walk").Info("page accepted")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, runID, entries[0]["run_id"])
	assert.Equal(t, "task-9", entries[0]["task_id"])
	assert.Equal(t, "walker", entries[0]["component"])
	assert.Equal(t, "walk", entries[0]["operation"])

	require.NoError(t, lm.Close())
	assert.False(t, buf.closed)
	assert.NotNil(t, FromLogger(nil).GetLogger())
}

func TestNewLoggerManager_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "backfill.log")
	lm, err := NewLoggerManager(config.LoggingConfig{
		Level:      "info",
		Format:     "text",
		Output:     "file",
		FilePath:   path,
		MaxSize:    1,
		MaxBackups: 1,
	})
	require.NoError(t, err)

	lm.GetLogger().Info("rotating file output")
	require.NoError(t, lm.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotating file output")
	assert.Contains(t, string(data), "level=INFO")

	_, err = NewLoggerManager(config.LoggingConfig{Output: "file"})
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLogLevel("debug").String())
	assert.Equal(t, "WARN", parseLogLevel("WARNING").String())
	assert.Equal(t, "ERROR", parseLogLevel("error").String())
	assert.Equal(t, "INFO", parseLogLevel("nonsense").String())
}

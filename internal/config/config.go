// Package config provides centralized configuration for the kline backfill.
// Configuration is loaded from defaults, an optional JSON file and BACKFILL_*
// environment variables, in increasing order of priority, and validated as a
// whole before any component is built from it.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/exchange"
	"github.com/johnayoung/go-kline-backfill/internal/models"
	"github.com/johnayoung/go-kline-backfill/internal/storage"
)

const envPrefix = "BACKFILL_"

// Default window: 2020-01-01T00:00:00+01:00 to 2025-01-01T00:00:00+01:00.
const (
	DefaultStartTime int64 = 1577833200000
	DefaultEndTime   int64 = 1735686000000
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	ConfigPath string `json:"-"`

	// Upstream client configuration
	Exchange ExchangeConfig `json:"exchange"`

	// Walk and fan-out configuration
	Backfill BackfillConfig `json:"backfill"`

	// Dataset sink configuration
	Storage StorageConfig `json:"storage"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// ExchangeConfig configures the Binance klines client
type ExchangeConfig struct {
	BaseURL           string  `json:"base_url" env:"BASE_URL"`                       // REST API host
	RequestsPerSecond float64 `json:"requests_per_second" env:"REQUESTS_PER_SECOND"` // 0 disables pacing
	Burst             int     `json:"burst" env:"BURST"`                             // Token bucket burst
	Timeout           string  `json:"timeout" env:"HTTP_TIMEOUT"`                    // Per-request timeout
	PageLimit         int     `json:"page_limit" env:"PAGE_LIMIT"`                   // Records requested per page
}

// BackfillConfig configures which pairs are walked and how
type BackfillConfig struct {
	Symbols          []string `json:"symbols" env:"SYMBOLS"`                       // Comma separated in env
	Intervals        []string `json:"intervals" env:"INTERVALS"`                   // Comma separated in env
	StartTime        *int64   `json:"start_time,omitempty" env:"START_TIME"`       // Epoch ms, inclusive
	EndTime          *int64   `json:"end_time,omitempty" env:"END_TIME"`           // Epoch ms, inclusive
	TargetCount      *int     `json:"target_count,omitempty" env:"TARGET_COUNT"`   // Records per pair
	Workers          int      `json:"workers" env:"WORKERS"`                       // Concurrent pairs
	MaxFetchAttempts int      `json:"max_fetch_attempts" env:"MAX_FETCH_ATTEMPTS"` // Consecutive empty/failed pages
	RetryDelay       string   `json:"retry_delay" env:"RETRY_DELAY"`               // Pause between page retries
}

// StorageConfig configures the dataset sink
type StorageConfig struct {
	OutputDir   string `json:"output_dir" env:"OUTPUT_DIR"`     // Dataset root directory
	Format      string `json:"format" env:"FORMAT"`             // parquet or csv
	MemoryLimit string `json:"memory_limit" env:"MEMORY_LIMIT"` // DuckDB memory_limit, e.g. "1GB"
	Threads     int    `json:"threads" env:"THREADS"`           // DuckDB threads, 0 keeps default
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" env:"LOG_LEVEL"`             // Log level: debug, info, warn, error
	Format        string            `json:"format" env:"LOG_FORMAT"`           // Log format: json, text
	Output        string            `json:"output" env:"LOG_OUTPUT"`           // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" env:"LOG_FILE_PATH"`     // Log file path
	MaxSize       int               `json:"max_size" env:"LOG_MAX_SIZE"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" env:"LOG_MAX_AGE"`         // Maximum log file age in days
	Compress      bool              `json:"compress" env:"LOG_COMPRESS"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields"`                    // Additional context fields
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
	getenv     func(string) string
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
		getenv:     os.Getenv,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded",
		"config_path", cm.configPath,
		"symbols", len(config.Backfill.Symbols),
		"intervals", len(config.Backfill.Intervals),
		"output_dir", config.Storage.OutputDir,
		"format", config.Storage.Format)

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	data, err := os.ReadFile(cm.configPath)
	if errors.Is(err, os.ErrNotExist) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv applies BACKFILL_* overrides. Malformed numbers are reported
// together rather than silently ignored.
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var errs []error
	str := func(key string, dst *string) {
		if val := cm.getenv(envPrefix + key); val != "" {
			*dst = val
		}
	}
	list := func(key string, dst *[]string) {
		if val := cm.getenv(envPrefix + key); val != "" {
			*dst = SplitList(val)
		}
	}
	integer := func(key string, dst *int) {
		if val := cm.getenv(envPrefix + key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	millis := func(key string, dst **int64) {
		if val := cm.getenv(envPrefix + key); val != "" {
			ms, err := ParseTimestamp(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = &ms
		}
	}

	// Exchange
	str("BASE_URL", &config.Exchange.BaseURL)
	if val := cm.getenv(envPrefix + "REQUESTS_PER_SECOND"); val != "" {
		rps, err := strconv.ParseFloat(val, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREQUESTS_PER_SECOND: %w", envPrefix, err))
		} else {
			config.Exchange.RequestsPerSecond = rps
		}
	}
	integer("BURST", &config.Exchange.Burst)
	str("HTTP_TIMEOUT", &config.Exchange.Timeout)
	integer("PAGE_LIMIT", &config.Exchange.PageLimit)

	// Backfill
	list("SYMBOLS", &config.Backfill.Symbols)
	list("INTERVALS", &config.Backfill.Intervals)
	millis("START_TIME", &config.Backfill.StartTime)
	millis("END_TIME", &config.Backfill.EndTime)
	if val := cm.getenv(envPrefix + "TARGET_COUNT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTARGET_COUNT: %w", envPrefix, err))
		} else {
			config.Backfill.TargetCount = &n
		}
	}
	integer("WORKERS", &config.Backfill.Workers)
	integer("MAX_FETCH_ATTEMPTS", &config.Backfill.MaxFetchAttempts)
	str("RETRY_DELAY", &config.Backfill.RetryDelay)

	// Storage
	str("OUTPUT_DIR", &config.Storage.OutputDir)
	str("FORMAT", &config.Storage.Format)
	str("MEMORY_LIMIT", &config.Storage.MemoryLimit)
	integer("THREADS", &config.Storage.Threads)

	// Logging
	str("LOG_LEVEL", &config.Logging.Level)
	str("LOG_FORMAT", &config.Logging.Format)
	str("LOG_OUTPUT", &config.Logging.Output)
	str("LOG_FILE_PATH", &config.Logging.FilePath)

	return errors.Join(errs...)
}

// Validate checks the configuration for consistency and required fields.
// Every problem found is reported in one joined error.
func (c *AppConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Exchange
	if c.Exchange.BaseURL == "" {
		add("exchange.base_url is required")
	}
	if c.Exchange.RequestsPerSecond < 0 {
		add("exchange.requests_per_second must not be negative")
	}
	if c.Exchange.PageLimit < 1 || c.Exchange.PageLimit > exchange.MaxPageLimit {
		add("exchange.page_limit must be between 1 and %d", exchange.MaxPageLimit)
	}
	if _, err := parsePositiveDuration(c.Exchange.Timeout); err != nil {
		add("exchange.timeout %v", err)
	}

	// Backfill
	if len(c.Backfill.Symbols) == 0 {
		add("backfill.symbols must not be empty")
	}
	if len(c.Backfill.Intervals) == 0 {
		add("backfill.intervals must not be empty")
	}
	for _, iv := range c.Backfill.Intervals {
		if _, err := models.ParseInterval(iv); err != nil {
			add("backfill.intervals: %v", err)
		}
	}
	if s, e := c.Backfill.StartTime, c.Backfill.EndTime; s != nil && e != nil && *s > *e {
		add("backfill.start_time %d is after backfill.end_time %d", *s, *e)
	}
	if c.Backfill.TargetCount != nil && *c.Backfill.TargetCount < 0 {
		add("backfill.target_count must not be negative")
	}
	if c.Backfill.Workers <= 0 {
		add("backfill.workers must be greater than 0")
	}
	if c.Backfill.MaxFetchAttempts <= 0 {
		add("backfill.max_fetch_attempts must be greater than 0")
	}
	if _, err := parsePositiveDuration(c.Backfill.RetryDelay); err != nil {
		add("backfill.retry_delay %v", err)
	}

	// Storage
	if c.Storage.OutputDir == "" {
		add("storage.output_dir is required")
	}
	if _, err := storage.ParseFormat(c.Storage.Format); err != nil {
		add("storage.format: %v", err)
	}
	if c.Storage.Threads < 0 {
		add("storage.threads must not be negative")
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		add("logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		add("logging.format must be one of: json, text")
	}
	switch c.Logging.Output {
	case "stdout", "stderr":
	case "file":
		if c.Logging.FilePath == "" {
			add("logging.file_path is required when logging.output is file")
		}
	default:
		add("logging.output must be one of: stdout, stderr, file")
	}

	return errors.Join(errs...)
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig saves the current configuration to the config file
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	start, end := DefaultStartTime, DefaultEndTime
	return &AppConfig{
		AppName: "kline-backfill",
		Version: "1.0.0",
		Exchange: ExchangeConfig{
			BaseURL:           "https://api.binance.com",
			RequestsPerSecond: 10,
			Burst:             4,
			Timeout:           "30s",
			PageLimit:         exchange.MaxPageLimit,
		},
		Backfill: BackfillConfig{
			Symbols:          []string{"BTCUSDT", "ETHUSDT", "XRPUSDT", "BNBUSDT", "SOLUSDT", "ADAUSDT"},
			Intervals:        []string{"1m", "5m", "15m", "30m", "1h", "2h"},
			StartTime:        &start,
			EndTime:          &end,
			Workers:          4,
			MaxFetchAttempts: 3,
			RetryDelay:       "1s",
		},
		Storage: StorageConfig{
			OutputDir: "temp",
			Format:    string(storage.FormatParquet),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "kline-backfill",
			},
		},
	}
}

// Pairs expands the configured symbols and intervals into walk pairs.
func (c *AppConfig) Pairs() ([]models.Pair, error) {
	return models.ExpandPairs(c.Backfill.Symbols, c.Backfill.Intervals)
}

// RetryDelay returns the parsed page retry delay.
func (c *AppConfig) RetryDelay() time.Duration {
	d, _ := parsePositiveDuration(c.Backfill.RetryDelay)
	return d
}

// HTTPTimeout returns the parsed per-request timeout.
func (c *AppConfig) HTTPTimeout() time.Duration {
	d, _ := parsePositiveDuration(c.Exchange.Timeout)
	return d
}

// String returns an indented JSON rendering of the configuration
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseTimestamp accepts epoch milliseconds, RFC 3339 or a bare UTC date
// (2006-01-02) and returns epoch milliseconds.
func ParseTimestamp(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("invalid timestamp %q: want epoch ms, RFC 3339 or YYYY-MM-DD", s)
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("is not a valid duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

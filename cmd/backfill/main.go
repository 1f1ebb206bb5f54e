// Kline Backfill CLI
// This application walks historical klines for every (symbol, interval) pair
// from the Binance REST API and writes one ordered dataset file per pair.
//
// Usage:
//
//	backfill run --symbols BTCUSDT,ETHUSDT --intervals 1h,1d --start 2020-01-01
//	backfill fetch --symbol BTCUSDT --interval 1h --limit 10
//	backfill intervals
//	backfill config --config backfill.json --symbols BTCUSDT --save
//
// For detailed help on any command, use: backfill <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/johnayoung/go-kline-backfill/internal/backfill"
	"github.com/johnayoung/go-kline-backfill/internal/collector"
	"github.com/johnayoung/go-kline-backfill/internal/config"
	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/exchange"
	"github.com/johnayoung/go-kline-backfill/internal/logger"
	"github.com/johnayoung/go-kline-backfill/internal/models"
	"github.com/johnayoung/go-kline-backfill/internal/storage"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "backfill"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// CLI holds the streams and environment a command runs against.
type CLI struct {
	stdout io.Writer
	stderr io.Writer
}

// main is the entry point for the CLI application
func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(cli.Execute(ctx, os.Args[1:]))
}

// Execute dispatches args to a command and returns the process exit code.
func (cli *CLI) Execute(ctx context.Context, args []string) int {
	command := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "run":
		return cli.handleRun(ctx, args)
	case "fetch":
		return cli.handleFetch(ctx, args)
	case "config":
		return cli.handleConfig(ctx, args)
	case "intervals":
		for _, iv := range models.SupportedIntervals() {
			fmt.Fprintf(cli.stdout, "%-4s %s\n", iv, describeInterval(iv))
		}
		return ExitSuccess
	case "version":
		fmt.Fprintf(cli.stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help":
		if len(args) > 0 {
			printCommandHelp(cli.stdout, args[0])
		} else {
			printUsage(cli.stdout)
		}
		return ExitSuccess
	default:
		fmt.Fprintf(cli.stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(cli.stderr)
		return ExitUsageError
	}
}

// handleRun walks every configured pair and writes one dataset per pair.
func (cli *CLI) handleRun(ctx context.Context, args []string) int {
	flags, err := parseRunFlags(args)
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n\n", err)
		printCommandHelp(cli.stderr, "run")
		return ExitUsageError
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "run")
		return ExitSuccess
	}

	_, cfg, err := loadConfig(ctx, flags)
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	pairs, err := cfg.Pairs()
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	lm, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: failed to setup logging: %v\n", err)
		return ExitConfigError
	}
	defer lm.Close()

	ctx, _ = logger.NewRunContext(ctx)
	log := lm.WithContext(ctx)
	classifier := apperrors.NewErrorClassifier(log)

	adapter := createExchange(cfg, log)
	if !flags.SkipHealthCheck {
		if err := checkUpstream(ctx, adapter, log.With("base_url", cfg.Exchange.BaseURL)); err != nil {
			fmt.Fprintf(cli.stderr, "Error: %v\n", err)
			return ExitConnectionErr
		}
	}

	sink, closeSink, err := createSink(ctx, cfg, flags.DryRun, log)
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: failed to initialize storage: %v\n", err)
		return ExitConfigError
	}
	defer func() {
		if err := closeSink(); err != nil {
			log.Warn("failed to close sink", "error", err)
		}
	}()

	// Walker and scheduler read run, pair and task attributes from ctx.
	walker := backfill.NewWalker(adapter, backfill.Config{
		MaxFetchAttempts: cfg.Backfill.MaxFetchAttempts,
		RetryDelay:       cfg.RetryDelay(),
		Logger:           lm.GetLogger(),
		Classifier:       classifier,
	})
	scheduler := collector.NewScheduler(walker, sink, collector.Config{
		Workers:    cfg.Backfill.Workers,
		Logger:     lm.GetLogger(),
		Classifier: classifier,
	})

	log.Info("starting backfill",
		"pairs", len(pairs),
		"output_dir", cfg.Storage.OutputDir,
		"format", cfg.Storage.Format,
		"dry_run", flags.DryRun)

	summary := scheduler.Run(ctx, pairs, collector.Bounds{
		StartTime:   cfg.Backfill.StartTime,
		EndTime:     cfg.Backfill.EndTime,
		TargetCount: cfg.Backfill.TargetCount,
		PageLimit:   cfg.Exchange.PageLimit,
	})

	if flags.JSON {
		if err := outputSummaryJSON(cli.stdout, summary); err != nil {
			log.Error("failed to write summary", "error", err)
		}
	} else {
		outputSummaryTable(cli.stdout, summary)
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ExitInterrupt
	case summary.HasFailures():
		return ExitDataError
	}
	return ExitSuccess
}

// handleConfig prints the effective configuration, or writes it to the
// --config path when --save is given.
func (cli *CLI) handleConfig(ctx context.Context, args []string) int {
	flags, save, err := parseConfigFlags(args)
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n\n", err)
		printCommandHelp(cli.stderr, "config")
		return ExitUsageError
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "config")
		return ExitSuccess
	}

	cm, cfg, err := loadConfig(ctx, flags)
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	if !save {
		fmt.Fprintln(cli.stdout, cm.GetConfig().String())
		return ExitSuccess
	}
	if err := cm.SaveConfig(ctx); err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	fmt.Fprintf(cli.stdout, "Configuration written to %s\n", cfg.ConfigPath)
	return ExitSuccess
}

// handleFetch requests a single page and prints it. It never retries.
func (cli *CLI) handleFetch(ctx context.Context, args []string) int {
	flags, err := parseFetchFlags(args)
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n\n", err)
		printCommandHelp(cli.stderr, "fetch")
		return ExitUsageError
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "fetch")
		return ExitSuccess
	}

	cfg := config.DefaultConfig()
	if flags.BaseURL != "" {
		cfg.Exchange.BaseURL = flags.BaseURL
	}
	cfg.Logging.Level = "error"

	lm, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: failed to setup logging: %v\n", err)
		return ExitConfigError
	}
	defer lm.Close()

	req, err := flags.request()
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitUsageError
	}

	candles, err := createExchange(cfg, lm.GetLogger()).FetchKlines(ctx, req)
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		switch apperrors.GetErrorType(err) {
		case apperrors.ErrorTypeUnsupportedInterval, apperrors.ErrorTypeValidation, apperrors.ErrorTypeBadRequest:
			return ExitUsageError
		case apperrors.ErrorTypeCanceled:
			return ExitInterrupt
		}
		return ExitConnectionErr
	}

	if flags.Format == "csv" {
		err = outputCSV(cli.stdout, candles)
	} else {
		err = outputJSON(cli.stdout, candles)
	}
	if err != nil {
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitDataError
	}
	return ExitSuccess
}

// loadConfig loads file and environment configuration and overlays flags.
// The returned config is the manager's own, so SaveConfig persists the
// overlaid values.
func loadConfig(ctx context.Context, flags *RunFlags) (*config.ConfigManager, *config.AppConfig, error) {
	cm := config.NewConfigManager(flags.ConfigPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg, err := cm.LoadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := flags.apply(cfg); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cm, cfg, nil
}

// checkUpstream pings the upstream before any pair is scheduled.
func checkUpstream(ctx context.Context, hc exchange.HealthChecker, log *slog.Logger) error {
	if err := hc.HealthCheck(ctx); err != nil {
		log.Error("upstream unreachable", "error", err)
		return err
	}
	log.Debug("upstream reachable")
	return nil
}

// createExchange builds the Binance adapter from configuration
func createExchange(cfg *config.AppConfig, log *slog.Logger) *exchange.BinanceAdapter {
	return exchange.NewBinanceAdapter(log,
		exchange.WithBaseURL(strings.TrimRight(cfg.Exchange.BaseURL, "/")),
		exchange.WithRateLimit(cfg.Exchange.RequestsPerSecond, cfg.Exchange.Burst),
		exchange.WithTimeout(cfg.HTTPTimeout()),
	)
}

// createSink builds the dataset sink. Dry runs keep datasets in memory.
func createSink(ctx context.Context, cfg *config.AppConfig, dryRun bool, log *slog.Logger) (storage.Sink, func() error, error) {
	format, err := storage.ParseFormat(cfg.Storage.Format)
	if err != nil {
		return nil, nil, err
	}
	if dryRun {
		return storage.NewMemorySink(cfg.Storage.OutputDir), func() error { return nil }, nil
	}

	sink, err := storage.NewDuckDBSink(ctx, storage.DuckDBConfig{
		Root:        cfg.Storage.OutputDir,
		Format:      format,
		MemoryLimit: cfg.Storage.MemoryLimit,
		Threads:     cfg.Storage.Threads,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return sink, sink.Close, nil
}

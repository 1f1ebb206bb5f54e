package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/johnayoung/go-kline-backfill/internal/config"
	"github.com/johnayoung/go-kline-backfill/internal/exchange"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// RunFlags represents flags for the run command. Empty values leave the
// loaded configuration untouched.
type RunFlags struct {
	ConfigPath      string
	Symbols         string
	Intervals       string
	Start           string
	End             string
	NoEnd           bool
	Count           string
	Workers         int
	Output          string
	Format          string
	BaseURL         string
	LogLevel        string
	LogFormat       string
	DryRun          bool
	SkipHealthCheck bool
	JSON            bool
	Help            bool
}

// FetchFlags represents flags for the fetch command
type FetchFlags struct {
	Symbol   string
	Interval string
	Start    string
	End      string
	Limit    int
	Format   string
	BaseURL  string
	Help     bool
}

// flagValue returns the value following args[i] or an error naming the flag.
func flagValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", args[i])
	}
	return args[i+1], nil
}

// parseRunFlags parses command line arguments for the run command
func parseRunFlags(args []string) (*RunFlags, error) {
	flags := &RunFlags{}

	for i := 0; i < len(args); i++ {
		var dst *string
		switch args[i] {
		case "--config", "-c":
			dst = &flags.ConfigPath
		case "--symbols", "-s":
			dst = &flags.Symbols
		case "--intervals", "-i":
			dst = &flags.Intervals
		case "--start":
			dst = &flags.Start
		case "--end":
			dst = &flags.End
		case "--count", "-n":
			dst = &flags.Count
		case "--output", "-o":
			dst = &flags.Output
		case "--format", "-f":
			dst = &flags.Format
		case "--base-url":
			dst = &flags.BaseURL
		case "--log-level":
			dst = &flags.LogLevel
		case "--log-format":
			dst = &flags.LogFormat
		case "--workers", "-w":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			workers, err := strconv.Atoi(val)
			if err != nil || workers <= 0 {
				return nil, fmt.Errorf("invalid workers value %q: must be a positive integer", val)
			}
			flags.Workers = workers
			i++
			continue
		case "--no-end":
			flags.NoEnd = true
			continue
		case "--dry-run":
			flags.DryRun = true
			continue
		case "--skip-health-check":
			flags.SkipHealthCheck = true
			continue
		case "--json":
			flags.JSON = true
			continue
		case "--help", "-h":
			flags.Help = true
			continue
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}

		val, err := flagValue(args, i)
		if err != nil {
			return nil, err
		}
		*dst = val
		i++
	}

	if flags.NoEnd && flags.End != "" {
		return nil, fmt.Errorf("--end and --no-end are mutually exclusive")
	}
	return flags, nil
}

// parseConfigFlags accepts the run flags plus --save.
func parseConfigFlags(args []string) (*RunFlags, bool, error) {
	save := false
	rest := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "--save" {
			save = true
			continue
		}
		rest = append(rest, arg)
	}

	flags, err := parseRunFlags(rest)
	if err != nil {
		return nil, false, err
	}
	if save && flags.ConfigPath == "" && !flags.Help {
		return nil, false, fmt.Errorf("--save requires --config")
	}
	return flags, save, nil
}

// apply overlays the flags on cfg.
func (f *RunFlags) apply(cfg *config.AppConfig) error {
	if f.Symbols != "" {
		cfg.Backfill.Symbols = config.SplitList(f.Symbols)
	}
	if f.Intervals != "" {
		cfg.Backfill.Intervals = config.SplitList(f.Intervals)
	}
	if f.Start != "" {
		ms, err := config.ParseTimestamp(f.Start)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		cfg.Backfill.StartTime = &ms
	}
	if f.End != "" {
		ms, err := config.ParseTimestamp(f.End)
		if err != nil {
			return fmt.Errorf("--end: %w", err)
		}
		cfg.Backfill.EndTime = &ms
	}
	if f.NoEnd {
		cfg.Backfill.EndTime = nil
	}
	if f.Count != "" {
		n, err := strconv.Atoi(f.Count)
		if err != nil {
			return fmt.Errorf("--count: %w", err)
		}
		cfg.Backfill.TargetCount = &n
	}
	if f.Workers > 0 {
		cfg.Backfill.Workers = f.Workers
	}
	if f.Output != "" {
		cfg.Storage.OutputDir = f.Output
	}
	if f.Format != "" {
		cfg.Storage.Format = strings.ToLower(f.Format)
	}
	if f.BaseURL != "" {
		cfg.Exchange.BaseURL = f.BaseURL
	}
	if f.LogLevel != "" {
		cfg.Logging.Level = strings.ToLower(f.LogLevel)
	}
	if f.LogFormat != "" {
		cfg.Logging.Format = strings.ToLower(f.LogFormat)
	}
	return nil
}

// parseFetchFlags parses command line arguments for the fetch command
func parseFetchFlags(args []string) (*FetchFlags, error) {
	flags := &FetchFlags{
		Limit:  exchange.MaxPageLimit,
		Format: "json",
	}

	for i := 0; i < len(args); i++ {
		var dst *string
		switch args[i] {
		case "--symbol", "-s":
			dst = &flags.Symbol
		case "--interval", "-i":
			dst = &flags.Interval
		case "--start":
			dst = &flags.Start
		case "--end":
			dst = &flags.End
		case "--format", "-f":
			dst = &flags.Format
		case "--base-url":
			dst = &flags.BaseURL
		case "--limit", "-l":
			val, err := flagValue(args, i)
			if err != nil {
				return nil, err
			}
			limit, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("invalid limit value: %w", err)
			}
			flags.Limit = limit
			i++
			continue
		case "--help", "-h":
			flags.Help = true
			continue
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}

		val, err := flagValue(args, i)
		if err != nil {
			return nil, err
		}
		*dst = val
		i++
	}

	if flags.Help {
		return flags, nil
	}
	if flags.Symbol == "" {
		return nil, fmt.Errorf("--symbol is required")
	}
	if flags.Interval == "" {
		return nil, fmt.Errorf("--interval is required")
	}
	if flags.Format != "json" && flags.Format != "csv" {
		return nil, fmt.Errorf("--format must be json or csv, got %q", flags.Format)
	}
	return flags, nil
}

// request converts the flags into a page request.
func (f *FetchFlags) request() (exchange.KlineRequest, error) {
	pair, err := models.NewPair(f.Symbol, f.Interval)
	if err != nil {
		return exchange.KlineRequest{}, err
	}
	req := exchange.KlineRequest{
		Symbol:   pair.Symbol,
		Interval: pair.Interval,
		Limit:    f.Limit,
	}
	if f.Start != "" {
		ms, err := config.ParseTimestamp(f.Start)
		if err != nil {
			return exchange.KlineRequest{}, fmt.Errorf("--start: %w", err)
		}
		req.StartTime = &ms
	}
	if f.End != "" {
		ms, err := config.ParseTimestamp(f.End)
		if err != nil {
			return exchange.KlineRequest{}, fmt.Errorf("--end: %w", err)
		}
		req.EndTime = &ms
	}
	return req, req.Validate()
}

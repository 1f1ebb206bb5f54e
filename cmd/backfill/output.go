package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/collector"
	"github.com/johnayoung/go-kline-backfill/internal/models"
	"github.com/johnayoung/go-kline-backfill/internal/storage"
)

// outputJSON writes one candle per line
func outputJSON(w io.Writer, candles []models.Candle) error {
	enc := json.NewEncoder(w)
	for i := range candles {
		if err := enc.Encode(&candles[i]); err != nil {
			return fmt.Errorf("failed to encode candle %d: %w", candles[i].OpenTime, err)
		}
	}
	return nil
}

// outputCSV writes candles with the dataset column header
func outputCSV(w io.Writer, candles []models.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(storage.Columns); err != nil {
		return err
	}
	for _, c := range candles {
		record := []string{
			strconv.FormatInt(c.OpenTime, 10),
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
			strconv.FormatInt(c.CloseTime, 10),
			c.QuoteAssetVolume.String(),
			strconv.FormatInt(c.NumberOfTrades, 10),
			c.TakerBuyBaseVolume.String(),
			c.TakerBuyQuoteVolume.String(),
			strconv.FormatBool(c.Unused),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// outputSummaryTable prints one row per pair followed by run totals
func outputSummaryTable(w io.Writer, summary *collector.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAIR\tSTATUS\tRECORDS\tREQUESTS\tSTOP\tMISSING\tDETAIL")
	for _, o := range summary.Outcomes {
		detail := o.Path
		if o.Err != nil {
			detail = fmt.Sprintf("%s: %v", o.ErrorType, o.Err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			o.Pair, o.Status, o.Records, o.Requests, o.StopReason, o.MissingBars, detail)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d pairs: %d succeeded, %d empty, %d failed; %d candles from %d requests in %s\n",
		len(summary.Outcomes), summary.Succeeded, summary.Empty, summary.Failed,
		summary.Metrics.CandlesStored, summary.Metrics.PagesRequested,
		summary.Duration.Round(time.Millisecond))
	if summary.RunID != "" {
		fmt.Fprintf(w, "Run ID: %s\n", summary.RunID)
	}

	if failed := summary.ByStatus(models.StatusFailed); len(failed) > 0 {
		fmt.Fprintln(w, "\nFailed pairs:")
		for _, o := range failed {
			fmt.Fprintf(w, "  %s (%s)\n", o.Pair, o.ErrorType)
		}
	}
}

type outcomeView struct {
	collector.Outcome
	Error string `json:"error,omitempty"`
}

type summaryView struct {
	RunID     string               `json:"run_id,omitempty"`
	Outcomes  []outcomeView        `json:"outcomes"`
	Succeeded int                  `json:"succeeded"`
	Empty     int                  `json:"empty"`
	Failed    int                  `json:"failed"`
	Duration  string               `json:"duration"`
	Metrics   collector.RunMetrics `json:"metrics"`
}

// outputSummaryJSON writes the run summary as a single JSON document
func outputSummaryJSON(w io.Writer, summary *collector.Summary) error {
	view := summaryView{
		RunID:     summary.RunID,
		Outcomes:  make([]outcomeView, len(summary.Outcomes)),
		Succeeded: summary.Succeeded,
		Empty:     summary.Empty,
		Failed:    summary.Failed,
		Duration:  summary.Duration.String(),
		Metrics:   summary.Metrics,
	}
	for i, o := range summary.Outcomes {
		view.Outcomes[i] = outcomeView{Outcome: o}
		if o.Err != nil {
			view.Outcomes[i].Error = o.Err.Error()
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func describeInterval(iv models.Interval) string {
	if d := iv.Duration(); d > 0 {
		return d.String()
	}
	return "calendar month"
}

// printUsage prints the main usage information
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - Kline Backfill CLI v%s

USAGE:
    %s [command] [options]

COMMANDS:
    run         Walk every symbol/interval pair and write datasets (default)
    fetch       Fetch a single page of klines and print it
    config      Print the effective configuration or save it to a file
    intervals   List supported intervals
    version     Show version information
    help        Show help for a command

EXAMPLES:
    # Backfill the default pairs and window into ./temp
    %s run

    # Backfill two pairs from 2024 onward as CSV
    %s run --symbols BTCUSDT,ETHUSDT --intervals 1h --start 2024-01-01 --no-end --format csv

    # Print the first 5 hourly candles of 2020
    %s fetch --symbol BTCUSDT --interval 1h --start 2020-01-01 --limit 5

CONFIGURATION:
    Configuration can be provided via:
    - Config file: --config <path> (JSON format)
    - Environment variables: BACKFILL_* (e.g., BACKFILL_SYMBOLS, BACKFILL_OUTPUT_DIR)
    Command line flags override both.

EXIT CODES:
    0 success, 1 usage, 2 configuration, 3 upstream unreachable,
    4 at least one pair failed, 130 interrupted

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "run":
		fmt.Fprintf(w, `%s run - Backfill klines for every symbol/interval pair

USAGE:
    %s run [options]

OPTIONS:
    --config, -c <path>       JSON configuration file
    --symbols, -s <list>      Comma-separated symbols (e.g. BTCUSDT,ETHUSDT)
    --intervals, -i <list>    Comma-separated intervals (see: %s intervals)
    --start <time>            Inclusive start: epoch ms, RFC 3339 or YYYY-MM-DD
    --end <time>              Inclusive end: epoch ms, RFC 3339 or YYYY-MM-DD
    --no-end                  Walk until the upstream runs out of data
    --count, -n <n>           Stop each pair after n records
    --workers, -w <n>         Pairs walked concurrently (default: 4)
    --output, -o <dir>        Dataset root directory (default: temp)
    --format, -f <format>     parquet or csv (default: parquet)
    --base-url <url>          Upstream REST host
    --log-level <level>       debug, info, warn or error
    --log-format <format>     text or json
    --dry-run                 Walk without writing datasets
    --skip-health-check       Do not ping the upstream before starting
    --json                    Print the summary as JSON
    --help, -h                Show this help message

NOTES:
    - Datasets are written to <output>/<SYMBOL>/<INTERVAL>/<SYMBOL>_<INTERVAL>_candles.<format>
    - A failed pair never stops the others; the exit code is 4 if any pair failed
`, AppName, AppName, AppName)

	case "config":
		fmt.Fprintf(w, `%s config - Print or save the effective configuration

USAGE:
    %s config [run options] [--save]

OPTIONS:
    Accepts every option of the run command, plus:
    --save                    Write the configuration to the --config path
    --help, -h                Show this help message

NOTES:
    - Without --save the merged configuration (defaults, file, BACKFILL_*
      environment and flags) is printed as JSON
`, AppName, AppName)

	case "fetch":
		fmt.Fprintf(w, `%s fetch - Fetch one page of klines

USAGE:
    %s fetch --symbol <symbol> --interval <interval> [options]

OPTIONS:
    --symbol, -s <symbol>     Symbol to fetch (required)
    --interval, -i <interval> Kline interval (required)
    --start <time>            Inclusive start: epoch ms, RFC 3339 or YYYY-MM-DD
    --end <time>              Inclusive end: epoch ms, RFC 3339 or YYYY-MM-DD
    --limit, -l <n>           Records to request, 1-1000 (default: 1000)
    --format, -f <format>     json (one candle per line) or csv (default: json)
    --base-url <url>          Upstream REST host
    --help, -h                Show this help message
`, AppName, AppName)

	default:
		fmt.Fprintf(w, "No help available for command: %s\n", command)
		printUsage(w)
	}
}

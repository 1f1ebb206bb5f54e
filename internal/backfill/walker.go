// Package backfill walks the cursor-paginated klines endpoint for one pair
// and assembles a gap-free, duplicate-free, time-ordered candle sequence.
//
// A walk stops when the target count is reached, when the range is
// exhausted (short page or end bound passed), when MaxFetchAttempts
// consecutive pages come back empty or failed, or immediately on a
// non-retryable error such as an unsupported interval. Only the last case
// is a failure; an exhausted retry budget yields whatever was accumulated.
package backfill

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/exchange"
	"github.com/johnayoung/go-kline-backfill/internal/logger"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

const (
	// DefaultMaxFetchAttempts bounds consecutive empty or failed pages.
	DefaultMaxFetchAttempts = 3

	// DefaultRetryDelay is the fixed pause between page retries.
	DefaultRetryDelay = time.Second

	// DefaultPageLimit is the page size requested from the upstream.
	DefaultPageLimit = exchange.MaxPageLimit

	component = "walker"
)

// StopReason records why a walk ended.
type StopReason string

const (
	StopTargetReached    StopReason = "target_reached"
	StopRangeExhausted   StopReason = "range_exhausted"
	StopShortPage        StopReason = "short_page"
	StopRetriesExhausted StopReason = "retries_exhausted"
	StopFatal            StopReason = "fatal"
	StopCanceled         StopReason = "canceled"
)

// Request describes one walk. Nil bounds are unset; both bounds are
// inclusive epoch milliseconds. A nil TargetCount walks the whole range,
// a zero TargetCount returns immediately without fetching.
type Request struct {
	Pair        models.Pair
	StartTime   *int64
	EndTime     *int64
	TargetCount *int
	PageLimit   int
}

// Result is everything a walk produced. Err is set only when Reason is
// StopFatal or StopCanceled; LastErr keeps the last page failure seen,
// if any, for reporting.
type Result struct {
	Candles  []models.Candle
	Requests int
	Retries  int
	Reason   StopReason
	Err      error
	LastErr  error
	Duration time.Duration
}

// Failed reports whether the walk ended on a non-retryable condition.
func (r Result) Failed() bool {
	return r.Reason == StopFatal || r.Reason == StopCanceled
}

// Config tunes a Walker. Zero values fall back to the package defaults.
type Config struct {
	MaxFetchAttempts int
	RetryDelay       time.Duration
	Logger           *slog.Logger
	Classifier       *apperrors.ErrorClassifier
}

// Walker runs walks against one KlineFetcher. A Walker holds no per-walk
// state, so one instance may serve many concurrent walks.
type Walker struct {
	fetcher     exchange.KlineFetcher
	maxAttempts int
	retryDelay  time.Duration
	logs        *logger.LoggerManager
	classifier  *apperrors.ErrorClassifier
}

// NewWalker creates a Walker.
func NewWalker(fetcher exchange.KlineFetcher, cfg Config) *Walker {
	if cfg.MaxFetchAttempts <= 0 {
		cfg.MaxFetchAttempts = DefaultMaxFetchAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = apperrors.NewErrorClassifier(cfg.Logger)
	}
	return &Walker{
		fetcher:     fetcher,
		maxAttempts: cfg.MaxFetchAttempts,
		retryDelay:  cfg.RetryDelay,
		logs:        logger.FromLogger(cfg.Logger),
		classifier:  cfg.Classifier,
	}
}

// stepOutcome is what one loop iteration decided.
type stepOutcome int

const (
	stepContinue stepOutcome = iota
	stepStopSuccess
	stepStopFailure
)

// walkState is owned by a single Walk call.
type walkState struct {
	cursor   *int64
	candles  []models.Candle
	failures int
	requests int
	retries  int
	reason   StopReason
	err      error
	lastErr  error
	backoff  backoff.BackOff
}

// Walk pages through the upstream for req.Pair until a stop condition holds.
func (w *Walker) Walk(ctx context.Context, req Request) Result {
	if req.PageLimit <= 0 {
		req.PageLimit = DefaultPageLimit
	}

	// Walks started outside the scheduler still log their pair.
	if logger.GetPair(ctx) == "" {
		ctx = logger.WithInterval(logger.WithPair(ctx, req.Pair.String()), string(req.Pair.Interval))
	}

	started := time.Now()
	log := w.logs.WithComponentContext(ctx, component).WithOperation("walk")
	log.Info("walk started",
		"start", optionalMillis(req.StartTime),
		"end", optionalMillis(req.EndTime),
		"target", optionalCount(req.TargetCount),
		"page_limit", req.PageLimit)

	st := &walkState{
		cursor:  req.StartTime,
		candles: []models.Candle{},
		backoff: backoff.WithContext(backoff.NewConstantBackOff(w.retryDelay), ctx),
	}

	for {
		outcome := w.step(ctx, log, req, st)
		if outcome != stepContinue {
			break
		}
	}

	result := Result{
		Candles:  st.candles,
		Requests: st.requests,
		Retries:  st.retries,
		Reason:   st.reason,
		Err:      st.err,
		LastErr:  st.lastErr,
		Duration: time.Since(started),
	}

	if result.Failed() {
		log.Error("walk failed",
			"reason", result.Reason,
			"requests", result.Requests,
			"candles", len(result.Candles),
			"error", result.Err)
	} else {
		log.Info("walk finished",
			"reason", result.Reason,
			"requests", result.Requests,
			"retries", result.Retries,
			"candles", len(result.Candles),
			"duration", result.Duration)
	}
	return result
}

// step runs one iteration of the walk loop.
func (w *Walker) step(ctx context.Context, log *slog.Logger, req Request, st *walkState) stepOutcome {
	if req.TargetCount != nil && len(st.candles) >= *req.TargetCount {
		st.reason = StopTargetReached
		return stepStopSuccess
	}
	if req.EndTime != nil && st.cursor != nil && *st.cursor > *req.EndTime {
		st.reason = StopRangeExhausted
		return stepStopSuccess
	}
	if err := ctx.Err(); err != nil {
		return st.fail(StopCanceled, err)
	}

	st.requests++
	page, err := w.fetcher.FetchKlines(ctx, exchange.KlineRequest{
		Symbol:    req.Pair.Symbol,
		Interval:  req.Pair.Interval,
		StartTime: st.cursor,
		EndTime:   req.EndTime,
		Limit:     req.PageLimit,
	})
	if err != nil {
		classified := w.classifier.Classify(err, component, "fetch_page")
		if ctx.Err() != nil || classified.Type == apperrors.ErrorTypeCanceled {
			return st.fail(StopCanceled, classified)
		}
		if !apperrors.IsRetryable(classified) {
			return st.fail(StopFatal, classified)
		}
		log.Warn("page fetch failed",
			"cursor", optionalMillis(st.cursor),
			"attempt", st.failures+1,
			"max_attempts", w.maxAttempts,
			"error_type", classified.Type,
			"error", err)
		st.lastErr = classified
		return w.retry(ctx, st)
	}

	fetched := len(page)

	// Anything before the cursor was already accepted on a previous page.
	page = dropBefore(page, st.cursor)
	if len(page) == 0 {
		log.Warn("empty page",
			"cursor", optionalMillis(st.cursor),
			"attempt", st.failures+1,
			"max_attempts", w.maxAttempts)
		return w.retry(ctx, st)
	}

	st.failures = 0
	st.backoff.Reset()

	// The time filter runs before count truncation. A page trimmed by the
	// end bound ends the walk: nothing past it can be in range.
	passedEnd := false
	if req.EndTime != nil {
		inRange := dropAfter(page, *req.EndTime)
		passedEnd = len(inRange) < len(page)
		page = inRange
		if len(page) == 0 {
			st.reason = StopRangeExhausted
			return stepStopSuccess
		}
	}
	if req.TargetCount != nil {
		if remaining := *req.TargetCount - len(st.candles); len(page) > remaining {
			page = page[:remaining]
		}
	}

	st.candles = append(st.candles, page...)
	next := page[len(page)-1].CloseTime + 1
	st.cursor = &next

	log.Debug("page accepted", "records", len(page), "total", len(st.candles), "next_cursor", next)

	switch {
	case req.TargetCount != nil && len(st.candles) >= *req.TargetCount:
		st.reason = StopTargetReached
		return stepStopSuccess
	case passedEnd:
		st.reason = StopRangeExhausted
		return stepStopSuccess
	case fetched < req.PageLimit:
		st.reason = StopShortPage
		return stepStopSuccess
	}
	return stepContinue
}

// retry counts one empty or failed page and pauses before the next attempt.
func (w *Walker) retry(ctx context.Context, st *walkState) stepOutcome {
	st.failures++
	if st.failures >= w.maxAttempts {
		st.reason = StopRetriesExhausted
		return stepStopSuccess
	}

	delay := st.backoff.NextBackOff()
	if delay == backoff.Stop {
		return st.fail(StopCanceled, ctx.Err())
	}
	st.retries++

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return stepContinue
	case <-ctx.Done():
		return st.fail(StopCanceled, ctx.Err())
	}
}

func (st *walkState) fail(reason StopReason, err error) stepOutcome {
	st.reason = reason
	st.err = err
	return stepStopFailure
}

func dropBefore(page []models.Candle, cursor *int64) []models.Candle {
	if cursor == nil {
		return page
	}
	return keep(page, func(c models.Candle) bool { return c.OpenTime >= *cursor })
}

func dropAfter(page []models.Candle, end int64) []models.Candle {
	return keep(page, func(c models.Candle) bool { return c.OpenTime <= end })
}

func keep(page []models.Candle, ok func(models.Candle) bool) []models.Candle {
	out := page[:0:0]
	for _, c := range page {
		if ok(c) {
			out = append(out, c)
		}
	}
	return out
}

func optionalMillis(v *int64) any {
	if v == nil {
		return "unset"
	}
	return *v
}

func optionalCount(v *int) any {
	if v == nil {
		return "all"
	}
	return *v
}

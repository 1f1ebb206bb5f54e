// Package collector fans backfill walks out across (symbol, interval) pairs
// on a fixed-size worker pool and joins every pair's terminal outcome into
// a deterministic summary.
//
// Pairs are isolated: a failed walk or a failed write marks only that pair
// FAILED. The scheduler never retries a pair; page retries live entirely in
// the walker.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/go-kline-backfill/internal/backfill"
	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/gaps"
	"github.com/johnayoung/go-kline-backfill/internal/logger"
	"github.com/johnayoung/go-kline-backfill/internal/models"
	"github.com/johnayoung/go-kline-backfill/internal/storage"
	"github.com/johnayoung/go-kline-backfill/internal/validator"
)

const (
	// DefaultWorkerCount is the number of pairs walked concurrently.
	DefaultWorkerCount = 4

	component = "scheduler"
)

// Walker is the part of backfill.Walker the scheduler depends on.
type Walker interface {
	Walk(ctx context.Context, req backfill.Request) backfill.Result
}

// Bounds are shared by every pair in a run.
type Bounds struct {
	StartTime   *int64
	EndTime     *int64
	TargetCount *int
	PageLimit   int
}

// Config configures the scheduler behavior
type Config struct {
	Workers    int
	Logger     *slog.Logger
	Classifier *apperrors.ErrorClassifier
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers: DefaultWorkerCount,
		Logger:  slog.Default(),
	}
}

// Scheduler runs one walk per pair and hands non-empty results to the sink.
type Scheduler struct {
	walker     Walker
	sink       storage.Sink
	workers    int
	logs       *logger.LoggerManager
	classifier *apperrors.ErrorClassifier
	metrics    *metricsCollector
}

// NewScheduler creates a Scheduler.
func NewScheduler(walker Walker, sink storage.Sink, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerCount
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Classifier == nil {
		cfg.Classifier = apperrors.NewErrorClassifier(cfg.Logger)
	}
	return &Scheduler{
		walker:     walker,
		sink:       sink,
		workers:    cfg.Workers,
		logs:       logger.FromLogger(cfg.Logger),
		classifier: cfg.Classifier,
		metrics:    newMetricsCollector(),
	}
}

// Outcome is the terminal result of one pair's task.
type Outcome struct {
	TaskID      string              `json:"task_id"`
	Pair        models.Pair         `json:"pair"`
	Status      models.TaskStatus   `json:"status"`
	Records     int                 `json:"records"`
	Path        string              `json:"path,omitempty"`
	Requests    int                 `json:"requests"`
	Retries     int                 `json:"retries"`
	StopReason  backfill.StopReason `json:"stop_reason,omitempty"`
	Gaps        []gaps.Gap          `json:"gaps,omitempty"`
	MissingBars int                 `json:"missing_bars"`
	ErrorType   apperrors.ErrorType `json:"error_type,omitempty"`
	Err         error               `json:"-"`
	Duration    time.Duration       `json:"duration"`
}

// Run walks every pair and blocks until all have reached a terminal state.
// Outcomes are returned in the order of pairs.
func (s *Scheduler) Run(ctx context.Context, pairs []models.Pair, bounds Bounds) *Summary {
	started := time.Now()
	s.metrics = newMetricsCollector()

	tasks := make([]*models.PairTask, len(pairs))
	for i, p := range pairs {
		tasks[i] = models.NewPairTask(p)
	}
	outcomes := make([]Outcome, len(tasks))

	log := s.logs.WithComponentContext(ctx, component)
	log.Info("backfill run started",
		"pairs", len(pairs),
		"workers", s.workers,
		"start", optionalMillis(bounds.StartTime),
		"end", optionalMillis(bounds.EndTime))

	// Task functions never return an error: one pair's failure must not
	// cancel its siblings.
	var eg errgroup.Group
	eg.SetLimit(s.workers)
	for i := range tasks {
		i := i
		eg.Go(func() error {
			outcomes[i] = s.runTask(ctx, tasks[i], bounds)
			return nil
		})
	}
	_ = eg.Wait()

	summary := newSummary(outcomes, time.Since(started), s.metrics.getMetrics())
	summary.RunID = logger.GetRunID(ctx)
	log.Info("backfill run finished",
		"succeeded", summary.Succeeded,
		"empty", summary.Empty,
		"failed", summary.Failed,
		"candles", summary.Metrics.CandlesStored,
		"requests", summary.Metrics.PagesRequested,
		"duration", summary.Duration)
	for errType, stats := range s.classifier.GetStats() {
		log.Debug("error stats", "type", errType, "count", stats.Count)
	}
	return summary
}

// runTask drives one pair from PENDING to a terminal state.
func (s *Scheduler) runTask(ctx context.Context, task *models.PairTask, bounds Bounds) (outcome Outcome) {
	ctx = logger.WithPair(ctx, task.Pair.String())
	ctx = logger.WithInterval(ctx, string(task.Pair.Interval))
	ctx = logger.WithTaskID(ctx, task.ID)
	log := s.logs.WithComponentContext(ctx, component)

	if err := task.Start(); err != nil {
		log.Error("task transition rejected", "error", err)
	}

	var (
		res     backfill.Result
		found   []gaps.Gap
		failure *apperrors.ClassifiedError
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r)
			failure = s.fail(log.Logger, task, apperrors.New(apperrors.ErrorTypeUnknown, component, "run_task", fmt.Errorf("panic: %v", r)))
		}
		outcome = Outcome{
			TaskID:      task.ID,
			Pair:        task.Pair,
			Status:      task.Status,
			Records:     task.Records,
			Path:        task.Path,
			Requests:    task.Requests,
			Retries:     res.Retries,
			StopReason:  res.Reason,
			Gaps:        found,
			MissingBars: gaps.MissingBars(found),
			Duration:    task.Duration(),
		}
		if failure != nil {
			outcome.Err = failure
			outcome.ErrorType = failure.Type
		}
		s.metrics.recordOutcome(outcome)
	}()

	res = s.walker.Walk(ctx, backfill.Request{
		Pair:        task.Pair,
		StartTime:   bounds.StartTime,
		EndTime:     bounds.EndTime,
		TargetCount: bounds.TargetCount,
		PageLimit:   bounds.PageLimit,
	})
	task.Requests = res.Requests
	s.metrics.recordWalk(res)

	if res.Failed() {
		failure = s.fail(log.Logger, task, res.Err)
		return
	}

	if len(res.Candles) == 0 {
		if err := task.MarkEmpty(); err != nil {
			log.Error("task transition rejected", "error", err)
		}
		log.Info("no data for pair", "reason", res.Reason, "requests", res.Requests)
		return
	}

	if err := validator.ValidateSequence(res.Candles, validator.Bounds{Start: bounds.StartTime, End: bounds.EndTime}); err != nil {
		failure = s.fail(log.Logger, task, apperrors.New(apperrors.ErrorTypeValidation, component, "validate_sequence", err))
		return
	}

	if found = gaps.Detect(res.Candles, task.Pair.Interval); len(found) > 0 {
		log.Warn("gaps in walked sequence",
			"gaps", len(found),
			"missing_bars", gaps.MissingBars(found),
			"first_gap_start", found[0].Start())
	}

	var path string
	err := log.LogOperation(ctx, "persist", func() (err error) {
		path, err = s.sink.Persist(ctx, task.Pair, res.Candles)
		return err
	})
	if err != nil {
		failure = s.fail(log.Logger, task, err)
		return
	}

	if err := task.Succeed(len(res.Candles), path); err != nil {
		log.Error("task transition rejected", "error", err)
	}
	log.Info("pair saved", "records", len(res.Candles), "path", path, "duration", task.Duration())
	return
}

// fail moves the task to FAILED and returns the classified cause.
func (s *Scheduler) fail(log *slog.Logger, task *models.PairTask, cause error) *apperrors.ClassifiedError {
	if cause == nil {
		cause = fmt.Errorf("task failed without a cause")
	}
	classified := s.classifier.Classify(cause, component, "run_task")
	if err := task.Fail(classified); err != nil {
		log.Error("task transition rejected", "error", err)
	}
	log.Error("pair failed", "error_type", classified.Type, "error", cause)
	return classified
}

func optionalMillis(v *int64) any {
	if v == nil {
		return "unset"
	}
	return *v
}

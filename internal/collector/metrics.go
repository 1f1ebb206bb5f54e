package collector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/backfill"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// RunMetrics is a snapshot of counters for one scheduler run.
type RunMetrics struct {
	PagesRequested   int64                         `json:"pages_requested"`
	Retries          int64                         `json:"retries"`
	CandlesCollected int64                         `json:"candles_collected"`
	CandlesStored    int64                         `json:"candles_stored"`
	GapsDetected     int64                         `json:"gaps_detected"`
	MissingBars      int64                         `json:"missing_bars"`
	StopReasons      map[backfill.StopReason]int64 `json:"stop_reasons"`
	AvgWalkTime      time.Duration                 `json:"avg_walk_time"`
	Elapsed          time.Duration                 `json:"elapsed"`
}

// metricsCollector tracks walk and persistence statistics across workers
type metricsCollector struct {
	// Atomic counters for thread-safe updates
	pagesRequested   int64
	retries          int64
	candlesCollected int64
	candlesStored    int64
	gapsDetected     int64
	missingBars      int64

	totalWalkTime int64 // nanoseconds
	walkCount     int64

	stopReasons map[backfill.StopReason]int64
	mutex       sync.Mutex

	startTime time.Time
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		stopReasons: make(map[backfill.StopReason]int64),
		startTime:   time.Now(),
	}
}

// recordWalk records what a single walk fetched
func (m *metricsCollector) recordWalk(res backfill.Result) {
	atomic.AddInt64(&m.pagesRequested, int64(res.Requests))
	atomic.AddInt64(&m.retries, int64(res.Retries))
	atomic.AddInt64(&m.candlesCollected, int64(len(res.Candles)))
	atomic.AddInt64(&m.totalWalkTime, res.Duration.Nanoseconds())
	atomic.AddInt64(&m.walkCount, 1)

	m.mutex.Lock()
	m.stopReasons[res.Reason]++
	m.mutex.Unlock()
}

// recordOutcome records a task's terminal state
func (m *metricsCollector) recordOutcome(o Outcome) {
	if o.Status == models.StatusSuccess {
		atomic.AddInt64(&m.candlesStored, int64(o.Records))
	}
	atomic.AddInt64(&m.gapsDetected, int64(len(o.Gaps)))
	atomic.AddInt64(&m.missingBars, int64(o.MissingBars))
}

// getMetrics returns current metrics snapshot
func (m *metricsCollector) getMetrics() RunMetrics {
	var avgWalkTime time.Duration
	if walks := atomic.LoadInt64(&m.walkCount); walks > 0 {
		avgWalkTime = time.Duration(atomic.LoadInt64(&m.totalWalkTime) / walks)
	}

	m.mutex.Lock()
	reasons := make(map[backfill.StopReason]int64, len(m.stopReasons))
	for k, v := range m.stopReasons {
		reasons[k] = v
	}
	m.mutex.Unlock()

	return RunMetrics{
		PagesRequested:   atomic.LoadInt64(&m.pagesRequested),
		Retries:          atomic.LoadInt64(&m.retries),
		CandlesCollected: atomic.LoadInt64(&m.candlesCollected),
		CandlesStored:    atomic.LoadInt64(&m.candlesStored),
		GapsDetected:     atomic.LoadInt64(&m.gapsDetected),
		MissingBars:      atomic.LoadInt64(&m.missingBars),
		StopReasons:      reasons,
		AvgWalkTime:      avgWalkTime,
		Elapsed:          time.Since(m.startTime),
	}
}

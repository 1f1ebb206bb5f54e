package backfill

import (
	"context"
	"testing"
)

// BenchmarkWalkThroughput measures walk overhead per candle against an
// in-memory upstream, one year of hourly bars in full pages.
func BenchmarkWalkThroughput(b *testing.B) {
	if testing.Short() {
		b.Skip("skipping benchmark in short mode")
	}

	const bars = 24 * 365
	upstream := &seriesUpstream{first: testStartMs, last: testStartMs + (bars-1)*hourMs}
	walker := NewWalker(upstream, Config{Logger: createTestLogger()})
	req := Request{Pair: btcHourly, StartTime: i64(testStartMs), PageLimit: testPageSize}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		res := walker.Walk(context.Background(), req)
		if len(res.Candles) != bars {
			b.Fatalf("walked %d candles, want %d", len(res.Candles), bars)
		}
	}

	b.ReportMetric(float64(int64(b.N)*bars)/b.Elapsed().Seconds(), "candles/sec")
}

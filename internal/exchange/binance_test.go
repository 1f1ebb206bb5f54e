package exchange

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

const twoHourlyKlines = `[
  [1577833200000,"7195.24","7196.25","7175.46","7186.68","511.814901",1577836799999,"3675857.46",7640,"209.2218","1502619.67","0"],
  [1577836800000,"7186.68","7208.38","7175.00","7180.97","883.052603",1577840399999,"6347461.18",8996,"417.4553","3000975.80","0"]
]`

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createMockServer(responses map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, exists := responses[r.URL.Path]; exists {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))
}

func newTestAdapter(server *httptest.Server) *BinanceAdapter {
	return NewBinanceAdapter(createTestLogger(), WithBaseURL(server.URL), WithRateLimit(0, 0))
}

func ptr(v int64) *int64 { return &v }

func TestNewBinanceAdapter(t *testing.T) {
	adapter := NewBinanceAdapter(nil)

	assert.NotNil(t, adapter.httpClient)
	assert.NotNil(t, adapter.rateLimiter)
	assert.Equal(t, binanceBaseURL, adapter.baseURL)
	assert.Equal(t, requestTimeout, adapter.httpClient.Timeout)

	custom := NewBinanceAdapter(createTestLogger(), WithTimeout(time.Second), WithBaseURL("http://localhost:1"))
	assert.Equal(t, time.Second, custom.httpClient.Timeout)
	assert.Equal(t, "http://localhost:1", custom.baseURL)
}

func TestBinanceAdapter_FetchKlines(t *testing.T) {
	t.Run("sends query and decodes rows", func(t *testing.T) {
		var gotQuery map[string]string
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
				gotQuery = map[string]string{}
				for k := range r.URL.Query() {
					gotQuery[k] = r.URL.Query().Get(k)
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(twoHourlyKlines))
			},
		})
		defer server.Close()

		candles, err := newTestAdapter(server).FetchKlines(context.Background(), KlineRequest{
			Symbol:    "BTCUSDT",
			Interval:  models.Interval1h,
			StartTime: ptr(1577833200000),
			EndTime:   ptr(1577840400000),
			Limit:     1000,
		})
		require.NoError(t, err)
		require.Len(t, candles, 2)

		assert.Equal(t, map[string]string{
			"symbol":    "BTCUSDT",
			"interval":  "1h",
			"limit":     "1000",
			"startTime": "1577833200000",
			"endTime":   "1577840400000",
		}, gotQuery)

		first := candles[0]
		assert.Equal(t, int64(1577833200000), first.OpenTime)
		assert.Equal(t, int64(1577836799999), first.CloseTime)
		assert.Equal(t, "7195.24", first.Open.String())
		assert.Equal(t, "511.814901", first.Volume.String())
		assert.Equal(t, int64(7640), first.NumberOfTrades)
		assert.Equal(t, "1502619.67", first.TakerBuyQuoteVolume.String())
		assert.False(t, first.Unused)
		assert.Equal(t, int64(1577836800000), candles[1].OpenTime)
	})

	t.Run("omits unset bounds", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
				assert.False(t, r.URL.Query().Has("startTime"))
				assert.False(t, r.URL.Query().Has("endTime"))
				_, _ = w.Write([]byte(`[]`))
			},
		})
		defer server.Close()

		candles, err := newTestAdapter(server).FetchKlines(context.Background(), KlineRequest{
			Symbol: "ETHUSDT", Interval: models.Interval5m, Limit: 10,
		})
		require.NoError(t, err)
		assert.Empty(t, candles)
	})

	t.Run("unsupported interval never reaches the network", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
			},
		})
		defer server.Close()

		_, err := newTestAdapter(server).FetchKlines(context.Background(), KlineRequest{
			Symbol: "BTCUSDT", Interval: models.Interval("2m"), Limit: 1000,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrUnsupportedInterval)
		assert.Equal(t, apperrors.ErrorTypeUnsupportedInterval, apperrors.GetErrorType(err))
		assert.False(t, apperrors.IsRetryable(err))
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("rejects limit above page cap", func(t *testing.T) {
		adapter := NewBinanceAdapter(createTestLogger())
		_, err := adapter.FetchKlines(context.Background(), KlineRequest{
			Symbol: "BTCUSDT", Interval: models.Interval1h, Limit: MaxPageLimit + 1,
		})
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.GetErrorType(err))
	})
}

func TestBinanceAdapter_FetchKlines_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		headers       map[string]string
		expectedType  apperrors.ErrorType
		retryable     bool
		unsupportedIv bool
	}{
		{
			name:         "server error",
			status:       http.StatusBadGateway,
			body:         `<html>bad gateway</html>`,
			expectedType: apperrors.ErrorTypeServerError,
			retryable:    true,
		},
		{
			name:         "rate limited",
			status:       http.StatusTooManyRequests,
			body:         `{"code":-1003,"msg":"Too many requests."}`,
			headers:      map[string]string{"Retry-After": "3"},
			expectedType: apperrors.ErrorTypeRateLimit,
			retryable:    true,
		},
		{
			name:         "invalid symbol",
			status:       http.StatusBadRequest,
			body:         `{"code":-1121,"msg":"Invalid symbol."}`,
			expectedType: apperrors.ErrorTypeBadRequest,
			retryable:    false,
		},
		{
			name:          "invalid interval from upstream",
			status:        http.StatusBadRequest,
			body:          `{"code":-1120,"msg":"Invalid interval."}`,
			expectedType:  apperrors.ErrorTypeUnsupportedInterval,
			retryable:     false,
			unsupportedIv: true,
		},
		{
			name:         "malformed body",
			status:       http.StatusOK,
			body:         `[[1577833200000,"1"`,
			expectedType: apperrors.ErrorTypeDecode,
			retryable:    true,
		},
		{
			name:         "object instead of array",
			status:       http.StatusOK,
			body:         `{"data":[]}`,
			expectedType: apperrors.ErrorTypeDecode,
			retryable:    true,
		},
		{
			name:         "short row",
			status:       http.StatusOK,
			body:         `[[1577833200000,"1","2","0.5","1.5","10",1577836799999]]`,
			expectedType: apperrors.ErrorTypeDecode,
			retryable:    true,
		},
		{
			name:         "negative volume",
			status:       http.StatusOK,
			body:         `[[1577833200000,"1","2","0.5","1.5","-10",1577836799999,"15",3,"0","0","0"]]`,
			expectedType: apperrors.ErrorTypeDecode,
			retryable:    true,
		},
		{
			name:         "rows out of order",
			status:       http.StatusOK,
			body:         `[[1577836800000,"1","2","0.5","1.5","10",1577840399999,"15",3,"1","1","0"],[1577833200000,"1","2","0.5","1.5","10",1577836799999,"15",3,"1","1","0"]]`,
			expectedType: apperrors.ErrorTypeDecode,
			retryable:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
				klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
					for k, v := range tt.headers {
						w.Header().Set(k, v)
					}
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(tt.body))
				},
			})
			defer server.Close()

			_, err := newTestAdapter(server).FetchKlines(context.Background(), KlineRequest{
				Symbol: "BTCUSDT", Interval: models.Interval1h, Limit: 1000,
			})
			require.Error(t, err)
			assert.Equal(t, tt.expectedType, apperrors.GetErrorType(err))
			assert.Equal(t, tt.retryable, apperrors.IsRetryable(err))
			if tt.unsupportedIv {
				assert.ErrorIs(t, err, models.ErrUnsupportedInterval)
			}
		})
	}
}

func TestBinanceAdapter_FetchKlines_NetworkFailure(t *testing.T) {
	server := createMockServer(nil)
	adapter := newTestAdapter(server)
	server.Close()

	_, err := adapter.FetchKlines(context.Background(), KlineRequest{
		Symbol: "BTCUSDT", Interval: models.Interval1h, Limit: 1000,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeNetwork, apperrors.GetErrorType(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestBinanceAdapter_FetchKlines_ContextCanceled(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[]`))
		},
	})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestAdapter(server).FetchKlines(ctx, KlineRequest{
		Symbol: "BTCUSDT", Interval: models.Interval1h, Limit: 1000,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeCanceled, apperrors.GetErrorType(err))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestBinanceAdapter_HealthCheck(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		pingEndpoint: func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		},
	})
	defer server.Close()

	require.NoError(t, newTestAdapter(server).HealthCheck(context.Background()))

	down := createMockServer(nil)
	defer down.Close()
	assert.Error(t, newTestAdapter(down).HealthCheck(context.Background()))
}

func TestKlineRequest_Validate(t *testing.T) {
	base := KlineRequest{Symbol: "BTCUSDT", Interval: models.Interval1h, Limit: 1000}
	assert.NoError(t, base.Validate())

	noSymbol := base
	noSymbol.Symbol = ""
	assert.Error(t, noSymbol.Validate())

	inverted := base
	inverted.StartTime = ptr(10)
	inverted.EndTime = ptr(5)
	assert.Error(t, inverted.Validate())

	zeroLimit := base
	zeroLimit.Limit = 0
	assert.Error(t, zeroLimit.Validate())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}

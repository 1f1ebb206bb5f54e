package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

const (
	// Binance spot REST API base URL
	binanceBaseURL = "https://api.binance.com"

	// API endpoints
	klinesEndpoint = "/api/v3/klines"
	pingEndpoint   = "/api/v3/ping"

	// Rate limiting configuration. A klines page of 1000 costs weight 2
	// against a 6000/min budget, so 10 req/s leaves ample headroom.
	maxRequestsPerSecond = 10
	rateLimitBurst       = 4

	// Request configuration
	requestTimeout = 30 * time.Second
	maxBodyBytes   = 8 << 20

	// Health check configuration
	healthCheckTimeout = 5 * time.Second

	// Binance error code for an invalid interval
	codeInvalidInterval = -1120

	klineFields = 12

	component = "binance"
)

// BinanceAdapter implements KlineFetcher against the Binance spot klines endpoint.
type BinanceAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	userAgent   string
	logger      *slog.Logger
}

// BinanceOption customises a BinanceAdapter.
type BinanceOption func(*BinanceAdapter)

// WithBaseURL points the adapter at another host, e.g. a test server.
func WithBaseURL(baseURL string) BinanceOption {
	return func(b *BinanceAdapter) { b.baseURL = baseURL }
}

// WithRateLimit replaces the default request pacing. A non-positive rps
// disables pacing.
func WithRateLimit(rps float64, burst int) BinanceOption {
	return func(b *BinanceAdapter) {
		if rps <= 0 {
			b.rateLimiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		b.rateLimiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) BinanceOption {
	return func(b *BinanceAdapter) { b.httpClient.Timeout = d }
}

// NewBinanceAdapter creates a new Binance adapter with default pacing and timeouts.
func NewBinanceAdapter(logger *slog.Logger, opts ...BinanceOption) *BinanceAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	b := &BinanceAdapter{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(maxRequestsPerSecond), rateLimitBurst),
		baseURL:     binanceBaseURL,
		userAgent:   "go-kline-backfill/1.0",
		logger:      logger.With("component", component),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FetchKlines requests one page of klines. It performs exactly one HTTP
// request; retrying is the caller's decision.
func (b *BinanceAdapter) FetchKlines(ctx context.Context, req KlineRequest) ([]models.Candle, error) {
	if err := req.Validate(); err != nil {
		errType := apperrors.ErrorTypeValidation
		if errors.Is(err, models.ErrUnsupportedInterval) {
			errType = apperrors.ErrorTypeUnsupportedInterval
		}
		return nil, apperrors.New(errType, component, "fetch_klines", err)
	}

	if err := b.WaitForLimit(ctx); err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeCanceled, component, "wait_for_limit", err)
	}

	query := url.Values{}
	query.Set("symbol", req.Symbol)
	query.Set("interval", string(req.Interval))
	query.Set("limit", strconv.Itoa(req.Limit))
	if req.StartTime != nil {
		query.Set("startTime", strconv.FormatInt(*req.StartTime, 10))
	}
	if req.EndTime != nil {
		query.Set("endTime", strconv.FormatInt(*req.EndTime, 10))
	}
	endpoint := b.baseURL + klinesEndpoint + "?" + query.Encode()

	b.logger.Debug("fetching klines",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"start", optionalMillis(req.StartTime),
		"end", optionalMillis(req.EndTime),
		"limit", req.Limit)

	body, err := b.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	candles, err := decodeKlines(body)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeDecode, component, "decode_klines", err)
	}

	b.logger.Debug("fetched klines", "symbol", req.Symbol, "interval", req.Interval, "count", len(candles))
	return candles, nil
}

// WaitForLimit blocks until the rate limiter admits one request.
func (b *BinanceAdapter) WaitForLimit(ctx context.Context) error {
	return b.rateLimiter.Wait(ctx)
}

// HealthCheck pings the upstream.
func (b *BinanceAdapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if _, err := b.doRequest(ctx, b.baseURL+pingEndpoint); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// doRequest issues a GET and classifies every failure mode.
func (b *BinanceAdapter) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, component, "build_request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", b.userAgent)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.New(apperrors.ErrorTypeCanceled, component, "http_get", ctx.Err())
		}
		errType := apperrors.ErrorTypeNetwork
		if apperrors.GetErrorType(err) == apperrors.ErrorTypeTimeout {
			errType = apperrors.ErrorTypeTimeout
		}
		return nil, apperrors.New(errType, component, "http_get", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrorTypeNetwork, component, "read_body", fmt.Errorf("failed to read response body: %w", err))
	}

	if weight := resp.Header.Get("X-Mbx-Used-Weight-1m"); weight != "" {
		b.logger.Debug("request weight", "used_weight_1m", weight)
	}

	if resp.StatusCode >= 400 {
		httpErr := &apperrors.HTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if gjson.ValidBytes(body) {
			parsed := gjson.ParseBytes(body)
			httpErr.Code = parsed.Get("code").Int()
			httpErr.Message = parsed.Get("msg").String()
		}

		errType := apperrors.TypeForStatus(resp.StatusCode)
		if httpErr.Code == codeInvalidInterval {
			errType = apperrors.ErrorTypeUnsupportedInterval
			return nil, apperrors.New(errType, component, "http_get", fmt.Errorf("%w: %v", models.ErrUnsupportedInterval, httpErr))
		}
		if errType == apperrors.ErrorTypeRateLimit {
			b.logger.Warn("rate limited by upstream", "status", resp.StatusCode, "retry_after", httpErr.RetryAfter)
		}
		return nil, apperrors.New(errType, component, "http_get", httpErr)
	}

	return body, nil
}

// decodeKlines converts the array-of-arrays payload into validated candles.
// Numeric values arrive as JSON strings for prices/volumes and as numbers
// for timestamps and trade counts.
func decodeKlines(body []byte) ([]models.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		return nil, fmt.Errorf("expected a JSON array, got %s", root.Type)
	}

	rows := root.Array()
	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		c, err := decodeKline(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if i > 0 && c.OpenTime <= candles[i-1].OpenTime {
			return nil, fmt.Errorf("row %d: open time %d not after previous %d", i, c.OpenTime, candles[i-1].OpenTime)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func decodeKline(row gjson.Result) (models.Candle, error) {
	if !row.IsArray() {
		return models.Candle{}, fmt.Errorf("expected array row, got %s", row.Type)
	}
	f := row.Array()
	if len(f) < klineFields {
		return models.Candle{}, fmt.Errorf("expected %d fields, got %d", klineFields, len(f))
	}

	var c models.Candle
	var err error

	if c.OpenTime, err = intField(f[0], "open_timestamp"); err != nil {
		return c, err
	}
	if c.Open, err = decimalField(f[1], "open"); err != nil {
		return c, err
	}
	if c.High, err = decimalField(f[2], "high"); err != nil {
		return c, err
	}
	if c.Low, err = decimalField(f[3], "low"); err != nil {
		return c, err
	}
	if c.Close, err = decimalField(f[4], "close"); err != nil {
		return c, err
	}
	if c.Volume, err = decimalField(f[5], "volume"); err != nil {
		return c, err
	}
	if c.CloseTime, err = intField(f[6], "close_timestamp"); err != nil {
		return c, err
	}
	if c.QuoteAssetVolume, err = decimalField(f[7], "quote_asset_volume"); err != nil {
		return c, err
	}
	if c.NumberOfTrades, err = intField(f[8], "number_of_trades"); err != nil {
		return c, err
	}
	if c.TakerBuyBaseVolume, err = decimalField(f[9], "taker_buy_base_asset_volume"); err != nil {
		return c, err
	}
	if c.TakerBuyQuoteVolume, err = decimalField(f[10], "taker_buy_quote_asset_volume"); err != nil {
		return c, err
	}
	c.Unused = unusedField(f[11])

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func intField(v gjson.Result, name string) (int64, error) {
	switch v.Type {
	case gjson.Number:
		// Raw avoids float64 rounding on 13-digit millisecond timestamps.
		n, err := strconv.ParseInt(v.Raw, 10, 64)
		if err != nil {
			return 0, &models.ValidationError{Field: name, Message: fmt.Sprintf("not an integer: %s", v.Raw)}
		}
		return n, nil
	case gjson.String:
		n, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return 0, &models.ValidationError{Field: name, Message: fmt.Sprintf("not an integer: %q", v.Str)}
		}
		return n, nil
	default:
		return 0, &models.ValidationError{Field: name, Message: fmt.Sprintf("unexpected JSON type %s", v.Type)}
	}
}

func decimalField(v gjson.Result, name string) (decimal.Decimal, error) {
	var raw string
	switch v.Type {
	case gjson.String:
		raw = v.Str
	case gjson.Number:
		raw = v.Raw
	default:
		return decimal.Zero, &models.ValidationError{Field: name, Message: fmt.Sprintf("unexpected JSON type %s", v.Type)}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &models.ValidationError{Field: name, Message: fmt.Sprintf("invalid decimal %q: %v", raw, err)}
	}
	return d, nil
}

// unusedField carries the reserved twelfth column through as a flag. The
// upstream sends it as the string "0".
func unusedField(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		b, err := strconv.ParseBool(v.Str)
		return err == nil && b
	case gjson.Number:
		return v.Int() != 0
	default:
		return false
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}

func optionalMillis(v *int64) any {
	if v == nil {
		return "unset"
	}
	return *v
}

// Package errors provides error classification for the backfill pipeline.
// Every failure that crosses a component boundary is wrapped in a
// ClassifiedError so the walker can decide between retrying a page and
// abandoning the walk, and so outcomes can report a stable error type.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Retryable error types
	ErrorTypeNetwork     ErrorType = "network"      // Network connectivity issues
	ErrorTypeTimeout     ErrorType = "timeout"      // Request timeout
	ErrorTypeRateLimit   ErrorType = "rate_limit"   // HTTP 429/418 from the upstream
	ErrorTypeServerError ErrorType = "server_error" // HTTP 5xx errors
	ErrorTypeDecode      ErrorType = "decode"       // Malformed page body or invalid record

	// Non-retryable error types
	ErrorTypeUnsupportedInterval ErrorType = "unsupported_interval" // Interval outside the supported set
	ErrorTypeBadRequest          ErrorType = "bad_request"          // HTTP 4xx errors (except rate limit)
	ErrorTypeValidation          ErrorType = "validation"           // Sequence or parameter validation errors
	ErrorTypeIO                  ErrorType = "io"                   // Dataset write failures
	ErrorTypeCanceled            ErrorType = "canceled"             // Context canceled by the caller

	// Special error types
	ErrorTypeUnknown ErrorType = "unknown" // Unclassified errors
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// New builds a ClassifiedError of the given type with default severity and
// retryability for that type.
func New(errorType ErrorType, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  severityFor(errorType),
		Retryable: retryableFor(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// HTTPError carries a non-2xx upstream response. Code and Message are the
// upstream's own error payload when it sent one.
type HTTPError struct {
	StatusCode int
	Code       int64
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream returned HTTP %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
}

// TypeForStatus maps an HTTP status code to an error type.
func TypeForStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return ErrorTypeRateLimit
	case status == http.StatusRequestTimeout:
		return ErrorTypeTimeout
	case status >= 500:
		return ErrorTypeServerError
	case status >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

// ErrorClassifier classifies raw errors and keeps per-type counters for the
// end-of-run report. It is safe for concurrent use.
type ErrorClassifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"last_seen"`
	FirstSeen time.Time `json:"first_seen"`
}

// NewErrorClassifier creates a new error classifier.
func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorClassifier{
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata.
// Errors that are already classified keep their type.
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if !errors.As(err, &classified) {
		classified = New(classifyErrorType(err), component, operation, err)
	}

	ec.updateStats(classified.Type)

	ec.logger.Debug("error classified",
		"type", classified.Type,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// GetStats returns a copy of the per-type counters.
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	out := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		out[k] = v
	}
	return out
}

func (ec *ErrorClassifier) updateStats(errorType ErrorType) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	ec.stats[errorType] = stats
}

// classifyErrorType determines the error type of an unclassified error
func classifyErrorType(err error) ErrorType {
	var httpErr *HTTPError
	var validationErr *models.ValidationError

	switch {
	case errors.Is(err, models.ErrUnsupportedInterval):
		return ErrorTypeUnsupportedInterval
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.As(err, &httpErr):
		return TypeForStatus(httpErr.StatusCode)
	case isTimeoutError(err):
		return ErrorTypeTimeout
	case isNetworkError(err):
		return ErrorTypeNetwork
	case errors.As(err, &validationErr):
		return ErrorTypeDecode
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "too many requests"):
		return ErrorTypeRateLimit
	case strings.Contains(errStr, "service unavailable") || strings.Contains(errStr, "internal server"):
		return ErrorTypeServerError
	case strings.Contains(errStr, "no space left") || strings.Contains(errStr, "permission denied"):
		return ErrorTypeIO
	}

	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"connection aborted",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"no such host",
		"eof",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// isTimeoutError checks if the error is timeout-related
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func severityFor(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeIO:
		return SeverityCritical
	case ErrorTypeUnsupportedInterval, ErrorTypeBadRequest:
		return SeverityHigh
	case ErrorTypeValidation, ErrorTypeDecode, ErrorTypeUnknown:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func retryableFor(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeServerError, ErrorTypeDecode:
		return true
	case ErrorTypeUnsupportedInterval, ErrorTypeBadRequest, ErrorTypeValidation,
		ErrorTypeIO, ErrorTypeCanceled:
		return false
	default:
		// Unknown errors are retryable with caution
		return true
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return retryableFor(classifyErrorType(err))
}

// GetErrorType returns the error type of any error, classifying it if needed
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return classifyErrorType(err)
}

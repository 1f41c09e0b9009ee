// Package gateway assesses scanned QR payloads.
//
// Every assessment first tries the remote inference model and falls back
// to the local rule-based scorer on any failure: service not ready,
// circuit open, timeout, transport error, non-2xx answer or malformed body.
// Remote failures never reach the caller; only invalid input does.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/qrguard/internal/inference"
	"github.com/mbd888/qrguard/internal/risk"
)

// Defaults.
const (
	DefaultMaxPayloadChars  = 4096
	DefaultReadyTimeout     = 1 * time.Second
	DefaultRemoteTimeout    = 2 * time.Second
	DefaultMaxBatchSize     = 32
	DefaultBatchConcurrency = 8

	// Cache operations get their own short budget so a slow cache cannot
	// eat into the remote timeout.
	cacheOpTimeout = 250 * time.Millisecond

	breakerKey = "predict"
)

var (
	ErrEmptyPayload    = errors.New("payload is empty")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum length")
	ErrEmptyBatch      = errors.New("batch is empty")
	ErrBatchTooLarge   = errors.New("batch exceeds maximum size")
)

// Fallback reasons, recorded in metrics and logs.
const (
	ReasonNotReady    = "not_ready"
	ReasonBreakerOpen = "breaker_open"
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonTransport   = "transport"
	ReasonStatus      = "status"
	ReasonMalformed   = "malformed"
)

// ScanRequest is one payload to assess.
type ScanRequest struct {
	Text string `json:"text"`
}

// Predictor scores text remotely.
type Predictor interface {
	Predict(ctx context.Context, text string) (*inference.Prediction, error)
}

// Readiness reports whether the remote service can take traffic, starting
// it if needed. It must return within timeout.
type Readiness interface {
	EnsureReady(ctx context.Context, timeout time.Duration) bool
}

// VerdictCache holds remote verdicts. Implementations are best-effort.
type VerdictCache interface {
	Get(ctx context.Context, text string) (*risk.Verdict, bool)
	Put(ctx context.Context, text string, v *risk.Verdict)
}

// Breaker guards the remote call.
type Breaker interface {
	Allow(key string) bool
	RecordSuccess(key string)
	RecordFailure(key string)
}

// Config bounds assessments.
type Config struct {
	MaxPayloadChars  int
	ReadyTimeout     time.Duration
	RemoteTimeout    time.Duration
	MaxBatchSize     int
	BatchConcurrency int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxPayloadChars:  DefaultMaxPayloadChars,
		ReadyTimeout:     DefaultReadyTimeout,
		RemoteTimeout:    DefaultRemoteTimeout,
		MaxBatchSize:     DefaultMaxBatchSize,
		BatchConcurrency: DefaultBatchConcurrency,
	}
}

// BatchItem is one entry of a batch result: exactly one of Verdict or
// Error is set.
type BatchItem struct {
	Verdict *risk.Verdict `json:"verdict,omitempty"`
	Error   *ItemError    `json:"error,omitempty"`
}

// ItemError describes a rejected batch entry.
type ItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode maps a client error onto its API error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, ErrEmptyBatch):
		return "empty_batch"
	case errors.Is(err, ErrBatchTooLarge):
		return "batch_too_large"
	default:
		return "invalid_request"
	}
}

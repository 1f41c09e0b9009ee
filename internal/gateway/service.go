package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/qrguard/internal/features"
	"github.com/mbd888/qrguard/internal/inference"
	"github.com/mbd888/qrguard/internal/logging"
	"github.com/mbd888/qrguard/internal/risk"
	"github.com/mbd888/qrguard/internal/traces"
)

// Service implements the assessment flow.
type Service struct {
	cfg        Config
	predictor  Predictor
	ready      Readiness
	extractor  *features.Extractor
	scorer     *risk.Scorer
	thresholds risk.Thresholds
	cache      VerdictCache
	breaker    Breaker
	logger     *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Service)

// WithCache enables the remote verdict cache.
func WithCache(c VerdictCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithBreaker guards remote calls with a circuit breaker.
func WithBreaker(b Breaker) Option {
	return func(s *Service) { s.breaker = b }
}

// WithLogger sets the logger used when no request logger is in context.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a gateway. Remote verdicts are classified with the
// scorer's thresholds so both sources share one score-to-level mapping.
func NewService(cfg Config, predictor Predictor, ready Readiness, extractor *features.Extractor, scorer *risk.Scorer, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		predictor:  predictor,
		ready:      ready,
		extractor:  extractor,
		scorer:     scorer,
		thresholds: scorer.Thresholds(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the service limits.
func (s *Service) Config() Config { return s.cfg }

// Validate checks a payload without assessing it.
func (s *Service) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPayload
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxPayloadChars {
		return ErrPayloadTooLarge
	}
	return nil
}

// Assess returns a verdict for req. The only errors are ErrEmptyPayload and
// ErrPayloadTooLarge, returned before any I/O. Otherwise a verdict is always
// produced within ReadyTimeout + RemoteTimeout, two bounded cache
// operations and local compute time.
func (s *Service) Assess(ctx context.Context, req ScanRequest) (*risk.Verdict, error) {
	start := time.Now()

	if err := s.Validate(req.Text); err != nil {
		gwRejected.WithLabelValues(ErrorCode(err)).Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "gateway.Assess", traces.PayloadLength(utf8.RuneCountInString(req.Text)))
	defer span.End()

	logger := s.requestLogger(ctx)

	if v, ok := s.cached(ctx, req.Text); ok {
		v.Cached = true
		v.LatencyMs = time.Since(start).Milliseconds()
		gwCacheHits.Inc()
		s.observe(v, start)
		span.SetAttributes(traces.Source(string(v.Source)), traces.RiskScore(v.RiskScore))
		return v, nil
	}

	v, reason := s.remote(ctx, req.Text)
	if v == nil {
		gwFallbacks.WithLabelValues(reason).Inc()
		span.SetAttributes(traces.FallbackReason(reason))
		logger.Debug("using fallback scorer", "reason", reason, logging.Payload(req.Text))
		v = s.scorer.Score(s.extractor.Extract(req.Text))
	} else {
		s.store(ctx, req.Text, v)
	}

	v.LatencyMs = time.Since(start).Milliseconds()
	s.observe(v, start)
	span.SetAttributes(traces.Source(string(v.Source)), traces.RiskScore(v.RiskScore))
	logger.Debug("payload assessed",
		"source", v.Source,
		"risk_score", v.RiskScore,
		"risk_level", v.RiskLevel,
		"latency_ms", v.LatencyMs,
	)
	return v, nil
}

// remote tries the inference service. A nil verdict comes with the reason
// the fallback is needed.
func (s *Service) remote(ctx context.Context, text string) (*risk.Verdict, string) {
	if !s.ready.EnsureReady(ctx, s.cfg.ReadyTimeout) {
		return nil, ReasonNotReady
	}
	if s.breaker != nil && !s.breaker.Allow(breakerKey) {
		return nil, ReasonBreakerOpen
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()

	pred, err := s.predictor.Predict(rctx, text)
	if err != nil {
		reason := classify(err)
		// A caller that went away says nothing about the service.
		if s.breaker != nil && ctx.Err() == nil {
			s.breaker.RecordFailure(breakerKey)
		}
		s.requestLogger(ctx).Warn("remote scoring failed", "reason", reason, "error", err)
		return nil, reason
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess(breakerKey)
	}

	return s.thresholds.NewVerdict(pred.RiskScore, risk.SourceRemote, pred.DetectedPatterns, features.Vector(pred.Features)), ""
}

func (s *Service) cached(ctx context.Context, text string) (*risk.Verdict, bool) {
	if s.cache == nil {
		return nil, false
	}
	cctx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	return s.cache.Get(cctx, text)
}

// store writes a remote verdict to the cache before Assess returns, so a
// feedback invalidation that follows the response cannot be overtaken by
// the write. Caller cancellation does not drop it.
func (s *Service) store(ctx context.Context, text string, v *risk.Verdict) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheOpTimeout)
	defer cancel()
	s.cache.Put(ctx, text, v)
}

func (s *Service) observe(v *risk.Verdict, start time.Time) {
	gwAssessments.WithLabelValues(string(v.Source), string(v.RiskLevel)).Inc()
	gwAssessLatency.WithLabelValues(string(v.Source)).Observe(time.Since(start).Seconds())
}

func (s *Service) requestLogger(ctx context.Context) *slog.Logger {
	logger := logging.FromContextOr(ctx, s.logger)
	if id := logging.RequestID(ctx); id != "" {
		return logger.With("request_id", id)
	}
	return logger
}

// AssessBatch assesses up to MaxBatchSize payloads concurrently. Results
// keep input order; an invalid entry yields a per-item error instead of
// failing the batch.
func (s *Service) AssessBatch(ctx context.Context, texts []string) ([]BatchItem, error) {
	if len(texts) == 0 {
		gwRejected.WithLabelValues(ErrorCode(ErrEmptyBatch)).Inc()
		return nil, ErrEmptyBatch
	}
	if len(texts) > s.cfg.MaxBatchSize {
		gwRejected.WithLabelValues(ErrorCode(ErrBatchTooLarge)).Inc()
		return nil, ErrBatchTooLarge
	}
	gwBatchSize.Observe(float64(len(texts)))

	ctx, span := traces.StartSpan(ctx, "gateway.AssessBatch")
	defer span.End()

	results := make([]BatchItem, len(texts))

	var g errgroup.Group
	limit := s.cfg.BatchConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, text := range texts {
		g.Go(func() error {
			v, err := s.Assess(ctx, ScanRequest{Text: text})
			if err != nil {
				results[i] = BatchItem{Error: &ItemError{Code: ErrorCode(err), Message: err.Error()}}
				return nil
			}
			results[i] = BatchItem{Verdict: v}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// classify maps a Predict error onto a fallback reason.
func classify(err error) string {
	var statusErr *inference.StatusError
	var netErr net.Error
	switch {
	case errors.Is(err, inference.ErrMalformedResponse):
		return ReasonMalformed
	case errors.As(err, &statusErr):
		return ReasonStatus
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	default:
		return ReasonTransport
	}
}

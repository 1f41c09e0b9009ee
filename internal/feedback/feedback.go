// Package feedback relays user labels on scanned payloads to the inference
// service.
//
// Forwarding is best-effort: the caller always gets a soft status, never an
// error, because a lost label must not fail the user's request.
package feedback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/qrguard/internal/idgen"
	"github.com/mbd888/qrguard/internal/inference"
	"github.com/mbd888/qrguard/internal/logging"
)

// DefaultTimeout bounds one forward.
const DefaultTimeout = 2 * time.Second

// Status is the outcome of a forward.
type Status string

const (
	StatusOK          Status = "ok"          // service accepted the label
	StatusUnavailable Status = "unavailable" // transport failure or timeout
	StatusError       Status = "error"       // service answered non-2xx
)

// Event is one user label.
type Event struct {
	Text   string
	IsScam bool
	Reason string
}

// Result reports what happened to an event.
type Result struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Sender delivers labels to the inference service.
type Sender interface {
	Feedback(ctx context.Context, fb inference.FeedbackRequest) error
}

// Invalidator drops cached verdicts.
type Invalidator interface {
	Invalidate(ctx context.Context, text string)
}

var fbResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qrguard",
	Subsystem: "feedback",
	Name:      "submissions_total",
	Help:      "Feedback forwards by result.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(fbResults)
}

// Forwarder sends feedback events upstream.
type Forwarder struct {
	sender  Sender
	cache   Invalidator
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithCache invalidates cached verdicts for labelled payloads.
func WithCache(c Invalidator) Option {
	return func(f *Forwarder) { f.cache = c }
}

// WithLogger sets the fallback logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// NewForwarder creates a forwarder.
func NewForwarder(sender Sender, opts ...Option) *Forwarder {
	f := &Forwarder{
		sender:  sender,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Submit forwards ev once. It never returns an error.
func (f *Forwarder) Submit(ctx context.Context, ev Event) Result {
	res := Result{ID: idgen.WithPrefix("fb_")}
	logger := logging.FromContextOr(ctx, f.logger).With("feedback_id", res.ID)

	fctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	err := f.sender.Feedback(fctx, inference.FeedbackRequest{
		Text:   ev.Text,
		IsScam: ev.IsScam,
		Reason: ev.Reason,
	})

	var statusErr *inference.StatusError
	switch {
	case err == nil:
		res.Status = StatusOK
	case errors.As(err, &statusErr):
		res.Status = StatusError
		logger.Warn("inference service rejected feedback", "status_code", statusErr.StatusCode)
	default:
		res.Status = StatusUnavailable
		logger.Warn("feedback not delivered", "error", err)
	}
	fbResults.WithLabelValues(string(res.Status)).Inc()

	// Any answer from the model means the label may have changed its view.
	if res.Status != StatusUnavailable && f.cache != nil {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		f.cache.Invalidate(cctx, ev.Text)
		ccancel()
	}

	logger.Info("feedback forwarded",
		"status", res.Status,
		"is_scam", ev.IsScam,
		logging.Payload(ev.Text),
	)
	return res
}

// Package circuitbreaker stops the gateway from paying the full remote
// timeout on every scan while the inference endpoint keeps failing.
//
// Circuits are keyed by endpoint ("predict"). A circuit opens after a run of
// consecutive failures and lets a single probe through once its cooldown has
// passed. Each failed probe doubles the cooldown up to a ceiling, so a model
// service that stays down is probed less and less often.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

const (
	DefaultThreshold = 5
	DefaultCooldown  = 30 * time.Second

	// maxCooldownFactor bounds the backed-off cooldown relative to the base.
	maxCooldownFactor = 8
)

// State is the position of one circuit.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected until the cooldown passes
	StateHalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	cbTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state changes by key, from-state and to-state.",
	}, []string{"key", "from_state", "to_state"})

	cbRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "circuitbreaker",
		Name:      "rejections_total",
		Help:      "Calls short-circuited by an open circuit, by key.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(cbTransitions, cbRejections)
}

type circuit struct {
	state    State
	failures int       // consecutive failures since the last success
	trips    int       // consecutive openings since the circuit last closed
	retryAt  time.Time // open: when a probe is allowed; half-open: when an unanswered probe is abandoned
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithMaxCooldown caps the backed-off cooldown. The default is eight times
// the base cooldown.
func WithMaxCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.maxCooldown = d
		}
	}
}

// Breaker holds one circuit per key. It is safe for concurrent use.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	maxCooldown  time.Duration
	onTransition func(key string, from, to State)
	now          func() time.Time
}

// New returns a Breaker that opens a circuit after threshold consecutive
// failures and first re-probes after cooldown. Non-positive values take the
// defaults.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{
		circuits:    make(map[string]*circuit),
		threshold:   threshold,
		cooldown:    cooldown,
		maxCooldown: maxCooldownFactor * cooldown,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxCooldown < b.cooldown {
		b.maxCooldown = b.cooldown
	}
	return b
}

// OnTransition sets a callback run (on its own goroutine) for every state
// change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may go ahead. An open circuit whose
// cooldown has passed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok || c.state == StateClosed {
		return true
	}

	now := b.now()
	if now.Before(c.retryAt) {
		cbRejections.WithLabelValues(key).Inc()
		return false
	}
	if c.state == StateOpen {
		b.transition(c, key, StateHalfOpen)
	}
	// A probe that never reports back is given up after one base cooldown.
	c.retryAt = now.Add(b.cooldown)
	return true
}

// RecordSuccess closes the circuit for key and forgets its history.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	b.transition(c, key, StateClosed)
	c.failures = 0
	c.trips = 0
	c.retryAt = time.Time{}
}

// RecordFailure counts a failed call. The circuit opens when the run of
// failures reaches the threshold, or immediately when the failure is the
// half-open probe.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	switch c.state {
	case StateHalfOpen:
		b.open(c, key)
	case StateClosed:
		if c.failures >= b.threshold {
			b.open(c, key)
		}
	}
}

// Execute runs fn when the circuit allows it and records the outcome.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// KeyStatus is the per-key view returned by Snapshot.
type KeyStatus struct {
	State    State      `json:"state"`
	Failures int        `json:"consecutive_failures"`
	RetryAt  *time.Time `json:"retry_at,omitempty"`
}

// Snapshot returns every circuit that has seen a failure. RetryAt is set
// while a circuit is open.
func (b *Breaker) Snapshot() map[string]KeyStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]KeyStatus, len(b.circuits))
	for k, c := range b.circuits {
		ks := KeyStatus{State: c.state, Failures: c.failures}
		if c.state == StateOpen {
			at := c.retryAt
			ks.RetryAt = &at
		}
		out[k] = ks
	}
	return out
}

// open trips c and schedules the next probe. Caller holds b.mu.
func (b *Breaker) open(c *circuit, key string) {
	c.trips++
	c.retryAt = b.now().Add(b.backoff(c.trips))
	b.transition(c, key, StateOpen)
}

// backoff is the cooldown after the n-th consecutive opening.
func (b *Breaker) backoff(n int) time.Duration {
	d := b.cooldown
	for i := 1; i < n && d < b.maxCooldown; i++ {
		d *= 2
	}
	return min(d, b.maxCooldown)
}

// transition records a state change. Caller holds b.mu.
func (b *Breaker) transition(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	cbTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}

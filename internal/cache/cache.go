// Package cache stores remote verdicts so repeated scans of the same
// payload skip the inference round-trip. Only verdicts produced by the
// remote model are cached; fallback verdicts are cheap and would otherwise
// pin a degraded answer.
//
// The cache is best-effort: store errors are logged and counted, never
// returned to the scan path.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/qrguard/internal/risk"
)

// DefaultTTL is how long a remote verdict is reused.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "qrguard:verdict:"

// ErrMiss is returned by stores for absent or expired keys.
var ErrMiss = errors.New("cache: miss")

// Store is a byte-oriented key/value store with per-entry expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Verdict cache lookups by result.",
	}, []string{"result"}) // "hit", "miss", "error"

	cacheWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qrguard",
		Subsystem: "cache",
		Name:      "writes_total",
		Help:      "Verdict cache writes and invalidations by operation and result.",
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(cacheRequests, cacheWrites)
}

// Cache maps payload text to a remote verdict.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// New wraps store. A non-positive ttl selects DefaultTTL.
func New(store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, ttl: ttl, logger: logger}
}

// Key derives the store key for a payload. The raw text never reaches the
// store.
func Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached verdict for text, if any.
func (c *Cache) Get(ctx context.Context, text string) (*risk.Verdict, bool) {
	data, err := c.store.Get(ctx, Key(text))
	if errors.Is(err, ErrMiss) {
		cacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		cacheRequests.WithLabelValues("error").Inc()
		c.logger.Warn("verdict cache read failed", "error", err)
		return nil, false
	}

	var v risk.Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		cacheRequests.WithLabelValues("error").Inc()
		c.logger.Warn("discarding undecodable cached verdict", "error", err)
		_ = c.store.Delete(ctx, Key(text))
		return nil, false
	}
	cacheRequests.WithLabelValues("hit").Inc()
	return &v, true
}

// Put stores a remote verdict. Fallback verdicts are ignored.
func (c *Cache) Put(ctx context.Context, text string, v *risk.Verdict) {
	if v == nil || v.Source != risk.SourceRemote {
		return
	}
	stored := *v
	stored.Cached = false
	stored.LatencyMs = 0

	data, err := json.Marshal(&stored)
	if err != nil {
		cacheWrites.WithLabelValues("set", "error").Inc()
		return
	}
	if err := c.store.Set(ctx, Key(text), data, c.ttl); err != nil {
		cacheWrites.WithLabelValues("set", "error").Inc()
		c.logger.Warn("verdict cache write failed", "error", err)
		return
	}
	cacheWrites.WithLabelValues("set", "ok").Inc()
}

// Invalidate drops the cached verdict for text.
func (c *Cache) Invalidate(ctx context.Context, text string) {
	if err := c.store.Delete(ctx, Key(text)); err != nil {
		cacheWrites.WithLabelValues("delete", "error").Inc()
		c.logger.Warn("verdict cache invalidation failed", "error", err)
		return
	}
	cacheWrites.WithLabelValues("delete", "ok").Inc()
}

// Ping checks the backing store.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close releases the backing store.
func (c *Cache) Close() error {
	return c.store.Close()
}

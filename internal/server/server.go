// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qrguard/internal/cache"
	"github.com/mbd888/qrguard/internal/circuitbreaker"
	"github.com/mbd888/qrguard/internal/config"
	"github.com/mbd888/qrguard/internal/features"
	"github.com/mbd888/qrguard/internal/feedback"
	"github.com/mbd888/qrguard/internal/gateway"
	"github.com/mbd888/qrguard/internal/health"
	"github.com/mbd888/qrguard/internal/idgen"
	"github.com/mbd888/qrguard/internal/inference"
	"github.com/mbd888/qrguard/internal/logging"
	"github.com/mbd888/qrguard/internal/metrics"
	"github.com/mbd888/qrguard/internal/ratelimit"
	"github.com/mbd888/qrguard/internal/retry"
	"github.com/mbd888/qrguard/internal/risk"
	"github.com/mbd888/qrguard/internal/security"
	"github.com/mbd888/qrguard/internal/supervisor"
	"github.com/mbd888/qrguard/internal/traces"
	"github.com/mbd888/qrguard/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	client      *inference.Client
	launcher    supervisor.Launcher
	supervisor  *supervisor.Supervisor
	breaker     *circuitbreaker.Breaker
	cacheStore  cache.Store
	cache       *cache.Cache
	gateway     *gateway.Service
	forwarder   *feedback.Forwarder
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	stopTracing   func(context.Context) error
	listenAddr    atomic.Value // string
	shutdownOnce  sync.Once
	shutdownError error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health and build info.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithLauncher overrides the launcher built from INFERENCE_START_COMMAND.
func WithLauncher(l supervisor.Launcher) Option {
	return func(s *Server) {
		s.launcher = l
	}
}

// WithCacheStore overrides the verdict cache backend.
func WithCacheStore(store cache.Store) Option {
	return func(s *Server) {
		s.cacheStore = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Inference service and its lifecycle
	s.client = inference.NewClient(cfg.InferenceURL)
	if s.launcher == nil && cfg.ManagesInference() {
		s.launcher = &supervisor.ExecLauncher{
			Command: cfg.StartCommand,
			Dir:     cfg.StartWorkdir,
			Logger:  s.logger,
		}
	}
	supOpts := []supervisor.Option{
		supervisor.WithConfig(supervisor.Config{
			ProbeTimeout:   cfg.ProbeTimeout,
			StartGrace:     cfg.StartGrace,
			StartBackoff:   cfg.StartBackoff,
			StopTimeout:    cfg.StopTimeout,
			HealthInterval: cfg.HealthInterval,
		}),
		supervisor.WithLogger(s.logger.With("component", "supervisor")),
	}
	if s.launcher != nil {
		supOpts = append(supOpts, supervisor.WithLauncher(s.launcher))
		s.logger.Info("inference service managed by gateway", "command", cfg.StartCommand)
	} else {
		s.logger.Info("inference service managed externally", "url", cfg.InferenceURL)
	}
	s.supervisor = supervisor.New(s.client, supOpts...)

	// Verdict cache (Redis if REDIS_URL set, otherwise in-memory)
	if s.cacheStore == nil {
		if cfg.RedisURL != "" {
			store, err := cache.NewRedisStore(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("failed to configure redis cache: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = retry.DoNotify(ctx, 3, 250*time.Millisecond,
				func() error {
					pctx, pcancel := context.WithTimeout(ctx, time.Second)
					defer pcancel()
					return store.Ping(pctx)
				},
				func(attempt int, err error, wait time.Duration) {
					s.logger.Info("waiting for redis", "attempt", attempt, "retry_in", wait, "error", err)
				},
			)
			cancel()
			if err != nil {
				// The cache is best-effort; scans work without it.
				s.logger.Warn("redis cache unreachable at startup", "error", err)
			}
			s.cacheStore = store
			s.logger.Info("using redis verdict cache")
		} else {
			s.cacheStore = cache.NewMemoryStore(cache.DefaultMaxEntries)
			s.logger.Info("using in-memory verdict cache")
		}
	}
	s.cache = cache.New(s.cacheStore, cfg.CacheTTL, s.logger.With("component", "cache"))

	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker state changed", "key", key, "from", from.String(), "to", to.String())
	})

	s.gateway = gateway.NewService(
		gateway.Config{
			MaxPayloadChars:  cfg.MaxPayloadChars,
			ReadyTimeout:     cfg.ReadyTimeout,
			RemoteTimeout:    cfg.RemoteTimeout,
			MaxBatchSize:     cfg.MaxBatchSize,
			BatchConcurrency: cfg.BatchConcurrency,
		},
		s.client,
		s.supervisor,
		features.NewExtractor(cfg.Lexicon),
		risk.NewScorer(cfg.Rules, cfg.Thresholds),
		gateway.WithCache(s.cache),
		gateway.WithBreaker(s.breaker),
		gateway.WithLogger(s.logger),
	)

	s.forwarder = feedback.NewForwarder(s.client,
		feedback.WithTimeout(cfg.FeedbackTimeout),
		feedback.WithCache(s.cache),
		feedback.WithLogger(s.logger),
	)

	// Both dependencies are optional: without them scans still get a
	// fallback verdict.
	s.health = health.NewRegistry()
	s.health.RegisterOptional("inference", s.inferenceCheck)
	s.health.RegisterOptional("cache", health.PingChecker("cache", s.cache.Ping))

	metrics.SetBuildInfo(s.version)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Request ID and logging run before the limiter so rejections are traced.
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep a well-formed ID from a load balancer, replace anything else
		requestID := c.GetHeader("X-Request-ID")
		if !idgen.Valid(requestID) {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		case path == "/metrics" || path == "/health/live" || path == "/health/ready":
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	gateway.NewHandler(s.gateway).RegisterRoutes(v1)
	feedback.NewHandler(s.forwarder, s.cfg.MaxPayloadChars).RegisterRoutes(v1)
	v1.GET("/inference/status", s.inferenceStatusHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// healthHandler reports degraded (still 200) when only optional
// dependencies are down.
func (s *Server) healthHandler(c *gin.Context) {
	_, statuses := s.health.CheckAll(c.Request.Context())
	overall := health.Summarize(statuses)

	httpStatus := http.StatusOK
	if overall == health.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    overall,
		Version:   s.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) inferenceStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"url":     s.cfg.InferenceURL,
		"service": s.supervisor.Status(),
		"breaker": s.breaker.Snapshot(),
	})
}

// inferenceCheck reads the supervisor state; it never probes, so /health
// cannot add load to a struggling service.
func (s *Server) inferenceCheck(_ context.Context) health.Status {
	state := s.supervisor.State()
	return health.Status{
		Name:    "inference",
		Healthy: state == supervisor.StateReady,
		Detail:  state.String(),
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without it", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		cancel()
		return fmt.Errorf("listen on port %s: %w", s.cfg.Port, err)
	}
	s.listenAddr.Store(ln.Addr().String())

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"addr", ln.Addr().String(),
			"inference_url", s.cfg.InferenceURL,
		)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go metrics.StartRuntimeCollector(runCtx, 15*time.Second)
	go s.supervisor.Run(runCtx)

	// Warm the inference service up so the first scan does not pay for it.
	go func() {
		budget := s.cfg.ProbeTimeout + s.cfg.StartGrace + s.cfg.ProbeTimeout
		if s.supervisor.EnsureReady(runCtx, budget) {
			s.logger.Info("inference service ready")
		} else if runCtx.Err() == nil {
			s.logger.Warn("inference service not ready, serving fallback verdicts",
				"state", s.supervisor.State().String())
		}
	}()

	// Scans are served from the first request on, by the fallback scorer
	// if need be.
	s.ready.Store(true)
	s.logger.Info("server ready")

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Addr returns the address the server listens on, once Run has bound it.
func (s *Server) Addr() string {
	addr, _ := s.listenAddr.Load().(string)
	return addr
}

// Shutdown gracefully stops the server. Only the first call does work.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownError = s.shutdown()
	})
	return s.shutdownError
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.cfg.ShutdownDrain > 0 && s.httpSrv != nil {
		time.Sleep(s.cfg.ShutdownDrain)
	}

	var firstErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Cancel the context for background goroutines (health loop, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Stop the child process, if we own one
	if err := s.supervisor.Close(); err != nil {
		s.logger.Error("inference service stop error", "error", err)
	} else if s.launcher != nil {
		s.logger.Info("inference service stopped")
	}

	if err := s.cache.Close(); err != nil {
		s.logger.Error("cache close error", "error", err)
	}

	if s.stopTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
		cancel()
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

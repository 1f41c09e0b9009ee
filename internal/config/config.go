// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/qrguard/internal/features"
	"github.com/mbd888/qrguard/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	CORSOrigins   []string      // Allowed browser origins; "*" allows any
	ShutdownDrain time.Duration // Pause between failing readiness and closing the listener

	// Inference service
	InferenceURL    string   // Base URL of the ML scoring service
	StartCommand    []string // Command that launches it; empty means externally managed
	StartWorkdir    string
	ProbeTimeout    time.Duration
	ReadyTimeout    time.Duration // Budget for EnsureReady on the request path
	RemoteTimeout   time.Duration // Budget for POST /predict
	FeedbackTimeout time.Duration
	StartGrace      time.Duration
	StartBackoff    time.Duration
	StopTimeout     time.Duration
	HealthInterval  time.Duration

	// Request limits
	MaxPayloadChars  int
	MaxBatchSize     int
	BatchConcurrency int

	// Scoring
	Lexicon    features.Lexicon
	Rules      risk.Rules
	Thresholds risk.Thresholds

	// Verdict cache
	CacheTTL time.Duration
	RedisURL string // Optional, uses in-memory cache if not set

	// Circuit breaker on remote scoring
	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	// Rate limiting
	RateLimitRPM   int
	RateLimitBurst int

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultInferenceURL     = "http://127.0.0.1:8000"
	DefaultProbeTimeout     = 1 * time.Second
	DefaultReadyTimeout     = 1 * time.Second
	DefaultRemoteTimeout    = 2 * time.Second
	DefaultFeedbackTimeout  = 2 * time.Second
	DefaultStartGrace       = 3 * time.Second
	DefaultStartBackoff     = 10 * time.Second
	DefaultStopTimeout      = 5 * time.Second
	DefaultHealthInterval   = 15 * time.Second
	DefaultMaxPayloadChars  = 4096
	DefaultMaxBatchSize     = 32
	DefaultBatchConcurrency = 8
	DefaultCacheTTL         = 5 * time.Minute
	DefaultBreakerThreshold = 5
	DefaultBreakerOpen      = 30 * time.Second
	DefaultRateLimitRPM     = 600
	DefaultRateLimitBurst   = 60
	DefaultShutdownDrain    = 2 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	lex := features.DefaultLexicon()
	rules := risk.DefaultRules()
	th := risk.DefaultThresholds()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins:     getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		ShutdownDrain:   getEnvDuration("SHUTDOWN_DRAIN", DefaultShutdownDrain),
		InferenceURL:    strings.TrimRight(getEnv("INFERENCE_URL", DefaultInferenceURL), "/"),
		StartCommand:    strings.Fields(os.Getenv("INFERENCE_START_COMMAND")),
		StartWorkdir:    os.Getenv("INFERENCE_WORKDIR"),
		ProbeTimeout:    getEnvDuration("PROBE_TIMEOUT", DefaultProbeTimeout),
		ReadyTimeout:    getEnvDuration("READY_TIMEOUT", DefaultReadyTimeout),
		RemoteTimeout:   getEnvDuration("REMOTE_TIMEOUT", DefaultRemoteTimeout),
		FeedbackTimeout: getEnvDuration("FEEDBACK_TIMEOUT", DefaultFeedbackTimeout),
		StartGrace:      getEnvDuration("START_GRACE", DefaultStartGrace),
		StartBackoff:    getEnvDuration("START_BACKOFF", DefaultStartBackoff),
		StopTimeout:     getEnvDuration("STOP_TIMEOUT", DefaultStopTimeout),
		HealthInterval:  getEnvDuration("HEALTH_INTERVAL", DefaultHealthInterval),

		MaxPayloadChars:  getEnvInt("MAX_PAYLOAD_CHARS", DefaultMaxPayloadChars),
		MaxBatchSize:     getEnvInt("MAX_BATCH_SIZE", DefaultMaxBatchSize),
		BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", DefaultBatchConcurrency),

		Lexicon: features.Lexicon{
			SchemePrefixes: getEnvList("SCHEME_PREFIXES", lex.SchemePrefixes),
			Urgent:         getEnvList("URGENT_KEYWORDS", lex.Urgent),
			Payment:        getEnvList("PAYMENT_KEYWORDS", lex.Payment),
			Currency:       getEnvList("CURRENCY_KEYWORDS", lex.Currency),
		},
		Rules: risk.Rules{
			BaseScore:            getEnvFloat("FALLBACK_BASE_SCORE", rules.BaseScore),
			TrustedSchemeBonus:   getEnvFloat("TRUSTED_SCHEME_BONUS", rules.TrustedSchemeBonus),
			UrgentPenalty:        getEnvFloat("URGENT_PENALTY", rules.UrgentPenalty),
			PaymentPenalty:       getEnvFloat("PAYMENT_PENALTY", rules.PaymentPenalty),
			CurrencyPenalty:      getEnvFloat("CURRENCY_PENALTY", rules.CurrencyPenalty),
			ParamThreshold:       getEnvFloat("PARAM_THRESHOLD", rules.ParamThreshold),
			OverParamPenalty:     getEnvFloat("OVER_PARAM_PENALTY", rules.OverParamPenalty),
			EntropyCeiling:       getEnvFloat("ENTROPY_CEILING", rules.EntropyCeiling),
			EntropyPenaltyPerBit: getEnvFloat("ENTROPY_PENALTY_PER_BIT", rules.EntropyPenaltyPerBit),
			EntropyMaxPenalty:    getEnvFloat("ENTROPY_MAX_PENALTY", rules.EntropyMaxPenalty),
		},
		Thresholds: risk.Thresholds{
			LowMax:  getEnvFloat("RISK_LOW_MAX", th.LowMax),
			HighMin: getEnvFloat("RISK_HIGH_MIN", th.HighMin),
		},

		CacheTTL: getEnvDuration("CACHE_TTL", DefaultCacheTTL),
		RedisURL: os.Getenv("REDIS_URL"),

		BreakerThreshold:    getEnvInt("BREAKER_THRESHOLD", DefaultBreakerThreshold),
		BreakerOpenDuration: getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpen),

		RateLimitRPM:   getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	u, err := url.Parse(c.InferenceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("INFERENCE_URL must be an absolute http(s) URL, got %q", c.InferenceURL)
	}

	for name, d := range map[string]time.Duration{
		"PROBE_TIMEOUT":    c.ProbeTimeout,
		"READY_TIMEOUT":    c.ReadyTimeout,
		"REMOTE_TIMEOUT":   c.RemoteTimeout,
		"FEEDBACK_TIMEOUT": c.FeedbackTimeout,
		"STOP_TIMEOUT":     c.StopTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.StartGrace < 0 || c.StartBackoff < 0 || c.HealthInterval < 0 || c.ShutdownDrain < 0 {
		return fmt.Errorf("START_GRACE, START_BACKOFF, HEALTH_INTERVAL and SHUTDOWN_DRAIN must not be negative")
	}

	if c.MaxPayloadChars <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_CHARS must be positive")
	}
	if c.MaxBatchSize <= 0 || c.BatchConcurrency <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE and BATCH_CONCURRENCY must be positive")
	}

	if !c.Thresholds.Valid() {
		return fmt.Errorf("risk thresholds must satisfy 0 <= RISK_LOW_MAX (%g) <= RISK_HIGH_MIN (%g) <= 100",
			c.Thresholds.LowMax, c.Thresholds.HighMin)
	}
	if len(c.Lexicon.SchemePrefixes) == 0 {
		return fmt.Errorf("SCHEME_PREFIXES must not be empty")
	}

	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL is invalid: %w", err)
		}
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be positive")
	}

	return nil
}

// ManagesInference reports whether the gateway launches the inference
// service itself.
func (c *Config) ManagesInference() bool {
	return len(c.StartCommand) > 0
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1500ms", "2s") or bare seconds ("2", "0.5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Package config loads broker configuration. Compiled defaults sit at the
// bottom, the optional YAML settings file named by ACCORD_CONFIG_FILE layers
// on top, and ACCORD_* environment variables win over both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/observability"
)

// Config holds broker configuration.
type Config struct {
	ListenAddr  string
	LogLevel    string
	Environment string

	StoreDriver string // memory, sqlite, postgres
	StoreDSN    string

	PolicyFile       string
	ChainKeyFile     string
	IdentitySnapshot string

	TimeboxHours            int
	MaxDepth                int
	AdmissionDeadline       time.Duration
	GracePeriod             time.Duration
	AckTimeout              time.Duration
	HeartbeatInterval       time.Duration
	ResponderQueue          int
	SweepInterval           time.Duration
	ExtendTimeboxOnResponse bool
	ArchiveOnClose          bool

	SessionTTL time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	RedisAddr      string

	OTELEnabled    bool
	OTLPEndpoint   string
	OTELSampleRate float64
	OTELInsecure   bool
}

// Defaults returns the compiled-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:  ":8080",
		LogLevel:    "INFO",
		Environment: "development",

		StoreDriver: "memory",

		TimeboxHours:      24,
		MaxDepth:          5,
		AdmissionDeadline: 2 * time.Second,
		GracePeriod:       5 * time.Minute,
		AckTimeout:        10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		ResponderQueue:    64,
		SweepInterval:     time.Minute,

		SessionTTL: time.Hour,

		RateLimitRPS:   50,
		RateLimitBurst: 100,

		OTLPEndpoint:   "localhost:4317",
		OTELSampleRate: 1.0,
	}
}

// Load builds the configuration from defaults, settings file, and
// environment, in that order.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("ACCORD_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envReader applies ACCORD_* overrides, keeping the first parse failure.
// Malformed values fail the boot rather than silently falling back.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *envReader) fail(key string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (r *envReader) str(dst *string, key string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) integer(dst *int, key string) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = n
}

func (r *envReader) float(dst *float64, key string) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = f
}

func (r *envReader) duration(dst *time.Duration, key string) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = d
}

func (r *envReader) boolean(dst *bool, key string) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, err)
		return
	}
	*dst = b
}

func (c *Config) applyEnv() error {
	r := &envReader{}
	r.str(&c.ListenAddr, "ACCORD_LISTEN_ADDR")
	r.str(&c.LogLevel, "ACCORD_LOG_LEVEL")
	r.str(&c.Environment, "ACCORD_ENVIRONMENT")
	r.str(&c.StoreDriver, "ACCORD_DB_DRIVER")
	r.str(&c.StoreDSN, "ACCORD_DB_DSN")
	r.str(&c.PolicyFile, "ACCORD_POLICY_FILE")
	r.str(&c.ChainKeyFile, "ACCORD_CHAIN_KEY_FILE")
	r.str(&c.IdentitySnapshot, "ACCORD_IDENTITY_SNAPSHOT")
	r.integer(&c.TimeboxHours, "ACCORD_TIMEBOX_HOURS")
	r.integer(&c.MaxDepth, "ACCORD_MAX_DEPTH")
	r.duration(&c.AdmissionDeadline, "ACCORD_ADMISSION_DEADLINE")
	r.duration(&c.GracePeriod, "ACCORD_GRACE_PERIOD")
	r.duration(&c.AckTimeout, "ACCORD_ACK_TIMEOUT")
	r.duration(&c.HeartbeatInterval, "ACCORD_HEARTBEAT_INTERVAL")
	r.integer(&c.ResponderQueue, "ACCORD_RESPONDER_QUEUE")
	r.duration(&c.SweepInterval, "ACCORD_SWEEP_INTERVAL")
	r.boolean(&c.ExtendTimeboxOnResponse, "ACCORD_EXTEND_TIMEBOX_ON_RESPONSE")
	r.boolean(&c.ArchiveOnClose, "ACCORD_ARCHIVE_ON_CLOSE")
	r.duration(&c.SessionTTL, "ACCORD_SESSION_TTL")
	r.float(&c.RateLimitRPS, "ACCORD_RATE_LIMIT_RPS")
	r.integer(&c.RateLimitBurst, "ACCORD_RATE_LIMIT_BURST")
	r.str(&c.RedisAddr, "ACCORD_REDIS_ADDR")
	r.boolean(&c.OTELEnabled, "ACCORD_OTEL_ENABLED")
	r.str(&c.OTLPEndpoint, "ACCORD_OTLP_ENDPOINT")
	r.float(&c.OTELSampleRate, "ACCORD_OTEL_SAMPLE_RATE")
	r.boolean(&c.OTELInsecure, "ACCORD_OTEL_INSECURE")
	return r.err
}

// Validate rejects configurations the broker cannot run safely on.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.StoreDriver != "memory" && c.StoreDSN == "" {
		return fmt.Errorf("store driver %q requires a DSN", c.StoreDriver)
	}
	if c.TimeboxHours < 1 {
		return fmt.Errorf("timebox hours must be at least 1, got %d", c.TimeboxHours)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("max depth must be at least 1, got %d", c.MaxDepth)
	}
	if c.AdmissionDeadline <= 0 {
		return fmt.Errorf("admission deadline must be positive, got %s", c.AdmissionDeadline)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period cannot be negative, got %s", c.GracePeriod)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive, got %s", c.AckTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.ResponderQueue < 1 {
		return fmt.Errorf("responder queue must hold at least 1 frame, got %d", c.ResponderQueue)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate limit must be positive, got %g", c.RateLimitRPS)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit burst must be at least 1, got %d", c.RateLimitBurst)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1 {
		return fmt.Errorf("otel sample rate must be within [0,1], got %g", c.OTELSampleRate)
	}
	return nil
}

// DefaultTimebox returns the window applied when a proposal leaves its
// timebox unset.
func (c *Config) DefaultTimebox() time.Duration {
	return time.Duration(c.TimeboxHours) * time.Hour
}

// Observability maps the OTLP settings onto a provider config.
func (c *Config) Observability(version string) *observability.Config {
	return &observability.Config{
		ServiceName:    "accord-broker",
		ServiceVersion: version,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		SampleRate:     c.OTELSampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        c.OTELEnabled,
		Insecure:       c.OTELInsecure,
	}
}

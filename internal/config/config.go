// -------------------------------------------------------------------------------
// Configuration - QR Landing Delivery Settings
//
// Author: Alex Freidah
//
// Configuration types and loader for the landing delivery service. Supports
// environment variable expansion in YAML values using ${VAR} syntax. Validates
// required fields before returning to catch misconfiguration early.
// -------------------------------------------------------------------------------

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// CONFIGURATION TYPES
// -------------------------------------------------------------------------

// Config holds the complete service configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Cache          CacheConfig          `yaml:"cache"`
	Tracker        TrackerConfig        `yaml:"tracker"`
	ScanFlush      ScanFlushConfig      `yaml:"scan_flush"`
	Prewarm        PrewarmConfig        `yaml:"prewarm"`
	Editor         EditorConfig         `yaml:"editor"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Vault          VaultConfig          `yaml:"vault"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	StoreTimeout     time.Duration `yaml:"store_timeout"`      // Upper bound on a single store-of-record read (default: 3s)
	ActivationURL    string        `yaml:"activation_url"`     // Redirect target when the page owner is inactive
	CompressMinBytes int           `yaml:"compress_min_bytes"` // Bodies smaller than this are sent uncompressed (default: 512)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConns        int32         `yaml:"max_conns"`         // Max pool connections (default: 10)
	MinConns        int32         `yaml:"min_conns"`         // Min idle connections (default: 2)
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // Max connection age (default: 5m)
}

// RedisConfig holds settings for the optional shared cache tier. Every
// failure on this tier degrades to a cache miss.
type RedisConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Addr             string        `yaml:"addr"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	KeyPrefix        string        `yaml:"key_prefix"`        // Prepended to every key (default: "qr:")
	Timeout          time.Duration `yaml:"timeout"`           // Per-call dial/read/write bound (default: 100ms)
	MaxRetries       *int          `yaml:"max_retries"`       // Transport-level retries; 0 disables them (default: 2)
	MinRetryBackoff  time.Duration `yaml:"min_retry_backoff"` // default: 8ms
	MaxRetryBackoff  time.Duration `yaml:"max_retry_backoff"` // default: 64ms
	FailureThreshold uint32        `yaml:"failure_threshold"` // Consecutive failures before the breaker opens (default: 5)
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // Delay before probing Redis again (default: 10s)
}

// Retries returns the configured transport retry count, defaulting to 2 when
// unset. An explicit 0 disables retries.
func (r RedisConfig) Retries() int {
	return intDefault(r.MaxRetries, 2)
}

// CacheConfig holds in-process recency cache settings.
type CacheConfig struct {
	Capacity        int           `yaml:"capacity"`         // Max landing pages held in memory (default: 1000)
	FreshnessWindow time.Duration `yaml:"freshness_window"` // Entries older than this are re-fetched (default: 15m)
	ResetInterval   time.Duration `yaml:"reset_interval"`   // Periodic full clear, 0 disables (default: 1h)
	SharedTTL       time.Duration `yaml:"shared_ttl"`       // Redis expiry (default: freshness_window)
}

// TrackerConfig holds access frequency tracker settings.
type TrackerConfig struct {
	TopK int `yaml:"top_k"` // Ids retained for prewarming (default: 200)
}

// ScanFlushConfig holds settings for the periodic scan stats flush.
type ScanFlushConfig struct {
	Interval         time.Duration `yaml:"interval"`           // default: 30s
	Timeout          time.Duration `yaml:"timeout"`            // Bound on a single bulk write (default: 10s)
	RequeueOnFailure bool          `yaml:"requeue_on_failure"` // Merge a failed batch back instead of dropping it
}

// PrewarmConfig holds settings for the top-K prewarm job.
type PrewarmConfig struct {
	Enabled  *bool         `yaml:"enabled"`  // default: true
	Interval time.Duration `yaml:"interval"` // default: 5m
}

// IsEnabled reports whether prewarming runs, defaulting to true when unset.
func (p PrewarmConfig) IsEnabled() bool {
	return boolDefault(p.Enabled, true)
}

// EditorConfig holds credentials for the editor invalidation hook.
type EditorConfig struct {
	TokenHash string `yaml:"token_hash"` // bcrypt hash of the editor bearer token
}

// RateLimitConfig holds per-IP rate limiting settings. Disabled by default.
type RateLimitConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RequestsPerSec float64  `yaml:"requests_per_sec"` // Token refill rate (default: 20)
	Burst          int      `yaml:"burst"`            // Max burst size (default: 40)
	TrustedProxies []string `yaml:"trusted_proxies"`  // CIDRs whose X-Forwarded-For is trusted
}

// CircuitBreakerConfig holds settings for the database circuit breaker. While
// the circuit is open, cold lookups fail fast with a server error instead of
// waiting on an unreachable database.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Consecutive failures before opening (default: 3)
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // Delay before probing recovery (default: 15s)
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"` // Use insecure connection (no TLS)
}

// VaultConfig holds settings for resolving secrets from a Vault KV v2 engine.
// When enabled, non-empty "database_password" and "redis_password" keys in
// the secret override the values from the file.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Mount   string `yaml:"mount"` // KV v2 mount (default: "secret")
	Path    string `yaml:"path"`  // Secret path under the mount
}

// LoggingConfig holds structured logger settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
}

// -------------------------------------------------------------------------
// CONFIGURATION LOADER
// -------------------------------------------------------------------------

// LoadConfig reads and parses the configuration file with environment variable
// expansion. Returns an error if the file cannot be read, parsed, or validated.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// --- Expand environment variables ---
	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.SetDefaultsAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// -------------------------------------------------------------------------
// VALIDATION
// -------------------------------------------------------------------------

// SetDefaultsAndValidate applies default values for optional fields and checks
// that all required configuration values are present.
func (c *Config) SetDefaultsAndValidate() error {
	var errors []string

	// --- Server ---
	if c.Server.ListenAddr == "" {
		errors = append(errors, "server.listen_addr is required")
	}
	if c.Server.StoreTimeout == 0 {
		c.Server.StoreTimeout = 3 * time.Second
	}
	if c.Server.StoreTimeout < 0 {
		errors = append(errors, "server.store_timeout must be positive")
	}
	if c.Server.ActivationURL == "" {
		errors = append(errors, "server.activation_url is required")
	} else if u, err := url.Parse(c.Server.ActivationURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, "server.activation_url must be an absolute URL")
	}
	if c.Server.CompressMinBytes == 0 {
		c.Server.CompressMinBytes = 512
	}
	if c.Server.CompressMinBytes < 0 {
		errors = append(errors, "server.compress_min_bytes must not be negative")
	}

	// --- Database validation ---
	if c.Database.Host == "" {
		errors = append(errors, "database.host is required")
	}
	if c.Database.Database == "" {
		errors = append(errors, "database.database is required")
	}
	if c.Database.User == "" {
		errors = append(errors, "database.user is required")
	}

	// --- Database defaults ---
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "require"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}
	if c.Database.MaxConnLifetime == 0 {
		c.Database.MaxConnLifetime = 5 * time.Minute
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errors = append(errors, "database.min_conns cannot exceed database.max_conns")
	}

	// --- Redis ---
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errors = append(errors, "redis.addr is required when redis is enabled")
		}
		if c.Redis.KeyPrefix == "" {
			c.Redis.KeyPrefix = "qr:"
		}
		if c.Redis.Timeout == 0 {
			c.Redis.Timeout = 100 * time.Millisecond
		}
		if c.Redis.MinRetryBackoff == 0 {
			c.Redis.MinRetryBackoff = 8 * time.Millisecond
		}
		if c.Redis.MaxRetryBackoff == 0 {
			c.Redis.MaxRetryBackoff = 64 * time.Millisecond
		}
		if c.Redis.FailureThreshold == 0 {
			c.Redis.FailureThreshold = 5
		}
		if c.Redis.OpenTimeout == 0 {
			c.Redis.OpenTimeout = 10 * time.Second
		}
		if c.Redis.Timeout < 0 {
			errors = append(errors, "redis.timeout must be positive")
		}
		if r := c.Redis.Retries(); r < 0 || r > 5 {
			errors = append(errors, "redis.max_retries must be between 0 and 5")
		}
		if c.Redis.MaxRetryBackoff < c.Redis.MinRetryBackoff {
			errors = append(errors, "redis.max_retry_backoff must not be less than redis.min_retry_backoff")
		}
	}

	// --- Recency cache ---
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 1000
	}
	if c.Cache.Capacity < 0 {
		errors = append(errors, "cache.capacity must be positive")
	}
	if c.Cache.FreshnessWindow == 0 {
		c.Cache.FreshnessWindow = 15 * time.Minute
	}
	if c.Cache.FreshnessWindow < 0 {
		errors = append(errors, "cache.freshness_window must be positive")
	}
	if c.Cache.ResetInterval == 0 {
		c.Cache.ResetInterval = time.Hour
	}
	if c.Cache.SharedTTL == 0 {
		c.Cache.SharedTTL = c.Cache.FreshnessWindow
	}
	if c.Cache.SharedTTL < time.Second {
		errors = append(errors, "cache.shared_ttl must be at least 1s")
	}

	// --- Access tracker ---
	if c.Tracker.TopK == 0 {
		c.Tracker.TopK = 200
	}
	if c.Tracker.TopK < 0 {
		errors = append(errors, "tracker.top_k must be positive")
	}

	// --- Scan flush ---
	if c.ScanFlush.Interval == 0 {
		c.ScanFlush.Interval = 30 * time.Second
	}
	if c.ScanFlush.Timeout == 0 {
		c.ScanFlush.Timeout = 10 * time.Second
	}
	if c.ScanFlush.Interval < 0 {
		errors = append(errors, "scan_flush.interval must be positive")
	}
	if c.ScanFlush.Timeout < 0 {
		errors = append(errors, "scan_flush.timeout must be positive")
	}

	// --- Prewarm ---
	if c.Prewarm.Interval == 0 {
		c.Prewarm.Interval = 5 * time.Minute
	}
	if c.Prewarm.Interval < 0 {
		errors = append(errors, "prewarm.interval must be positive")
	}

	// --- Editor hook ---
	if c.Editor.TokenHash != "" && !strings.HasPrefix(c.Editor.TokenHash, "$2") {
		errors = append(errors, "editor.token_hash must be a bcrypt hash")
	}

	// --- Rate limit defaults ---
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSec == 0 {
			c.RateLimit.RequestsPerSec = 20
		}
		if c.RateLimit.Burst == 0 {
			c.RateLimit.Burst = 40
		}
		if c.RateLimit.RequestsPerSec <= 0 {
			errors = append(errors, "rate_limit.requests_per_sec must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			errors = append(errors, "rate_limit.burst must be positive")
		}
	}

	// --- Circuit breaker defaults ---
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 3
	}
	if c.CircuitBreaker.OpenTimeout == 0 {
		c.CircuitBreaker.OpenTimeout = 15 * time.Second
	}

	// --- Telemetry defaults ---
	if c.Telemetry.Metrics.Path == "" {
		c.Telemetry.Metrics.Path = "/metrics"
	}
	if c.Telemetry.Tracing.SampleRate == 0 && c.Telemetry.Tracing.Enabled {
		c.Telemetry.Tracing.SampleRate = 1.0
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		errors = append(errors, "telemetry.tracing.endpoint is required when tracing is enabled")
	}

	// --- Vault ---
	if c.Vault.Enabled {
		if c.Vault.Address == "" {
			errors = append(errors, "vault.address is required when vault is enabled")
		}
		if c.Vault.Path == "" {
			errors = append(errors, "vault.path is required when vault is enabled")
		}
		if c.Vault.Mount == "" {
			c.Vault.Mount = "secret"
		}
	}

	// --- Logging ---
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errors = append(errors, "logging.level must be one of debug, info, warn, error")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

// NonReloadableFieldsChanged compares two configs and returns a list of
// non-reloadable field descriptions that differ. Used by the SIGHUP handler
// to warn about changes that require a restart.
func NonReloadableFieldsChanged(old, new *Config) []string {
	var changed []string

	if old.Server.ListenAddr != new.Server.ListenAddr {
		changed = append(changed, "server.listen_addr")
	}
	if old.Server.StoreTimeout != new.Server.StoreTimeout {
		changed = append(changed, "server.store_timeout")
	}
	if old.Database != new.Database {
		changed = append(changed, "database")
	}
	if old.Redis != new.Redis {
		changed = append(changed, "redis")
	}
	if old.Cache.Capacity != new.Cache.Capacity || old.Cache.FreshnessWindow != new.Cache.FreshnessWindow {
		changed = append(changed, "cache.capacity/freshness_window")
	}
	if old.Tracker != new.Tracker {
		changed = append(changed, "tracker")
	}
	if old.CircuitBreaker != new.CircuitBreaker {
		changed = append(changed, "circuit_breaker")
	}
	if old.Telemetry != new.Telemetry {
		changed = append(changed, "telemetry")
	}
	if old.Vault != new.Vault {
		changed = append(changed, "vault")
	}

	return changed
}

// boolDefault returns the value of a *bool, or the given default if nil.
func boolDefault(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

// intDefault returns the value of a *int, or the given default if nil.
func intDefault(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

// ConnectionString returns a PostgreSQL connection URI with properly escaped
// credentials, safe for passwords containing special characters.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: fmt.Sprintf("sslmode=%s", url.QueryEscape(c.SSLMode)),
	}
	return u.String()
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

// Audit sinks accepted by WARDEN_AUDIT_LOG
const (
	AuditSinkStdout = "stdout"
	AuditSinkDB     = "db"
	AuditSinkBoth   = "both"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Permission evaluation and decision cache
	RBAC RBACConfig

	// Expiry sweeps
	Janitor JanitorConfig

	// Identity and throttling at the edge
	Auth      AuthConfig
	RateLimit RateLimitConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server on its own port
	HealthPort string

	// MaxBodyBytes caps admin request bodies
	MaxBodyBytes int64
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RBACConfig selects the decision cache and catalog source
type RBACConfig struct {
	CacheBackend string
	CacheTTL     time.Duration
	CacheSize    int

	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	CatalogFile  string
	CatalogWatch bool

	// AuditSink is stdout, db or both
	AuditSink string
}

// JanitorConfig holds the purge schedule
type JanitorConfig struct {
	Schedule string
	Timeout  time.Duration
}

// AuthConfig holds settings for the identity headers set by the gateway
type AuthConfig struct {
	// ProxySecret must accompany identity headers when set
	ProxySecret string
}

// RateLimitConfig holds per-caller throttling
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	Window            time.Duration
	Burst             int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		RBAC:          loadRBACConfig(),
		Janitor:       loadJanitorConfig(),
		Auth:          AuthConfig{ProxySecret: getEnv("WARDEN_PROXY_SECRET", "")},
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("WARDEN_HOST", "0.0.0.0"),
		Port:            getEnv("WARDEN_PORT", "8080"),
		ReadTimeout:     getEnvDuration("WARDEN_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("WARDEN_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("WARDEN_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("WARDEN_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("WARDEN_HEALTH_PORT", "9090"),
		MaxBodyBytes:    getEnvInt64("WARDEN_MAX_BODY_BYTES", 1<<20),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("WARDEN_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("WARDEN_DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("WARDEN_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("WARDEN_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// loadRBACConfig starts from rbac.DefaultConfig so the two never disagree
func loadRBACConfig() RBACConfig {
	defaults := rbac.DefaultConfig()
	return RBACConfig{
		CacheBackend:  strings.ToLower(getEnv("WARDEN_CACHE_BACKEND", defaults.CacheBackend)),
		CacheTTL:      getEnvDuration("WARDEN_CACHE_TTL", defaults.CacheTTL),
		CacheSize:     getEnvInt("WARDEN_CACHE_SIZE", defaults.CacheMaxEntries),
		RedisURL:      getEnv("WARDEN_REDIS_URL", ""),
		RedisPassword: getEnv("WARDEN_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("WARDEN_REDIS_DB", 0),
		RedisPrefix:   getEnv("WARDEN_REDIS_PREFIX", "warden"),
		CatalogFile:   getEnv("WARDEN_CATALOG_FILE", ""),
		CatalogWatch:  getEnvBool("WARDEN_CATALOG_WATCH", false),
		AuditSink:     strings.ToLower(getEnv("WARDEN_AUDIT_LOG", AuditSinkStdout)),
	}
}

func loadJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Schedule: getEnv("WARDEN_JANITOR_SCHEDULE", "*/15 * * * *"),
		Timeout:  getEnvDuration("WARDEN_JANITOR_TIMEOUT", 5*time.Minute),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	defaults := middleware.DefaultRateLimitConfig()
	return RateLimitConfig{
		Enabled:           getEnvBool("WARDEN_RATE_LIMIT_ENABLED", true),
		RequestsPerWindow: getEnvInt("WARDEN_RATE_LIMIT_REQUESTS", defaults.RequestsPerWindow),
		Window:            getEnvDuration("WARDEN_RATE_LIMIT_WINDOW", defaults.WindowDuration),
		Burst:             getEnvInt("WARDEN_RATE_LIMIT_BURST", defaults.BurstSize),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	cfg := ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("WARDEN_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("WARDEN_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("WARDEN_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("WARDEN_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("WARDEN_OTEL_SERVICE_NAME", "warden"),
		OTelServiceVersion: getEnv("WARDEN_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("WARDEN_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("WARDEN_OTEL_SAMPLE_RATIO", 1.0),
	}

	return cfg
}

// RateLimiterConfig converts to the middleware's settings
func (c RateLimitConfig) RateLimiterConfig() *middleware.RateLimitConfig {
	return &middleware.RateLimitConfig{
		RequestsPerWindow: c.RequestsPerWindow,
		WindowDuration:    c.Window,
		BurstSize:         c.Burst,
	}
}

// OTel converts to the observability package's settings
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.RBAC.CacheBackend {
	case rbac.CacheBackendMemory, rbac.CacheBackendSQL, rbac.CacheBackendNone:
	case rbac.CacheBackendRedis:
		if c.RBAC.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory, redis, sql, or none)", c.RBAC.CacheBackend)
	}
	if c.RBAC.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.RBAC.CatalogWatch && c.RBAC.CatalogFile == "" {
		return fmt.Errorf("catalog watch requires a catalog file")
	}

	switch c.RBAC.AuditSink {
	case AuditSinkStdout, AuditSinkDB, AuditSinkBoth:
	default:
		return fmt.Errorf("invalid audit sink: %s (must be stdout, db, or both)", c.RBAC.AuditSink)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit requires positive requests and window")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

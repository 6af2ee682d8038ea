// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	WARDEN_HOST="0.0.0.0"
//	WARDEN_PORT="8080"
//	WARDEN_HEALTH_PORT="9090"
//	WARDEN_READ_TIMEOUT="15s"
//	WARDEN_WRITE_TIMEOUT="15s"
//	WARDEN_MAX_BODY_BYTES="1048576"
//
// Database settings:
//
//	WARDEN_DATABASE_URL="postgres://localhost/warden?sslmode=disable"
//	WARDEN_DATABASE_MAX_OPEN_CONNS="20"
//
// Permission evaluation:
//
//	WARDEN_CACHE_BACKEND="memory"  # memory, redis, sql, none
//	WARDEN_CACHE_TTL="5m"
//	WARDEN_CACHE_SIZE="100000"
//	WARDEN_REDIS_URL="redis://localhost:6379/0"
//	WARDEN_CATALOG_FILE="/etc/warden/catalog.yaml"
//	WARDEN_CATALOG_WATCH="true"
//	WARDEN_AUDIT_LOG="stdout"  # stdout, db, both
//	WARDEN_JANITOR_SCHEDULE="*/15 * * * *"
//
// Edge:
//
//	WARDEN_PROXY_SECRET="..."  # required on identity headers when set
//	WARDEN_RATE_LIMIT_ENABLED="true"
//	WARDEN_RATE_LIMIT_REQUESTS="600"
//	WARDEN_RATE_LIMIT_WINDOW="1m"
//
// Observability settings:
//
//	WARDEN_LOG_LEVEL="info"  # debug, info, warn, error
//	WARDEN_METRICS_ENABLED="true"
//	WARDEN_OTEL_ENABLED="true"
//	WARDEN_OTEL_ENDPOINT="otel-collector:4317"
//	WARDEN_OTEL_SAMPLE_RATIO="0.1"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Cache: %s\n", cfg.RBAC.CacheBackend)
//
// # Related Packages
//
//   - pkg/rbac: Uses the cache and catalog settings
//   - pkg/observability: Uses observability configuration
package config

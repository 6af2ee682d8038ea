package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/middleware"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
)

// version is set at build time
var version = "dev"

const poolStatsInterval = 15 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Warden exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelCfg := cfg.Observability.OTel()
	otelCfg.ServiceVersion = version
	providers, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	logger.Info("Connected to database")

	redisClient, err := openRedis(ctx, cfg)
	if err != nil {
		db.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	auditLogger, err := newAuditLogger(db, cfg.RBAC.AuditSink)
	if err != nil {
		db.Close()
		return err
	}

	rbacCfg := rbac.Config{
		CacheBackend:    cfg.RBAC.CacheBackend,
		CacheTTL:        cfg.RBAC.CacheTTL,
		CacheMaxEntries: cfg.RBAC.CacheSize,
		Redis:           redisClient,
		RedisPrefix:     cfg.RBAC.RedisPrefix,
		CatalogPath:     cfg.RBAC.CatalogFile,
		WatchCatalog:    cfg.RBAC.CatalogWatch,
		Audit:           auditLogger,
		Logger:          logger,
		Metrics:         metrics,
	}
	manager, err := rbac.NewManager(db, rbacCfg)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create RBAC manager: %w", err)
	}
	if err := manager.Initialize(ctx); err != nil {
		manager.Close()
		db.Close()
		return fmt.Errorf("failed to initialize RBAC: %w", err)
	}

	limiter := newLimiter(ctx, cfg, redisClient, logger)

	router := mux.NewRouter()
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics, routeTemplate))
	}
	manager.RegisterRoutes(router)

	stack := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
		middleware.IdentityMiddleware(auth.NewHeaderResolver(cfg.Auth.ProxySecret), false, logger),
	}
	if limiter != nil {
		stack = append(stack, middleware.RateLimit(limiter, logger))
	}
	handler := httputil.Chain(stack...)(router)
	if providers != nil {
		handler = otelhttp.NewHandler(handler, "warden")
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(db, redisClient, version)
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, health)
	if metrics != nil {
		observability.RegisterMetricsEndpoint(healthMux, registry)
		go recordPoolStats(ctx, health, metrics)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		cancel()
		var errs []error
		if err := manager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rbac manager: %w", err))
		}
		if err := auditLogger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit logger: %w", err))
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		return errors.Join(errs...)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	go func() {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("version", version).Infof("Warden listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- shutdown.WaitForShutdown() }()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case err := <-shutdownErr:
		if err != nil {
			return err
		}
		logger.Info("Warden stopped")
		return nil
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// openRedis connects when a Redis URL is configured, or returns nil
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RBAC.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RBAC.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.RBAC.RedisPassword != "" {
		opts.Password = cfg.RBAC.RedisPassword
	}
	if cfg.RBAC.RedisDB != 0 {
		opts.DB = cfg.RBAC.RedisDB
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func newAuditLogger(db *sql.DB, sink string) (audit.Logger, error) {
	switch sink {
	case config.AuditSinkStdout:
		return audit.NewLogrusLogger(os.Stdout), nil
	case config.AuditSinkDB:
		return audit.NewDBLogger(db)
	case config.AuditSinkBoth:
		dbLogger, err := audit.NewDBLogger(db)
		if err != nil {
			return nil, err
		}
		return audit.NewMultiLogger(audit.NewLogrusLogger(os.Stdout), dbLogger), nil
	}
	return nil, fmt.Errorf("unknown audit sink %q", sink)
}

// newLimiter shares counters through Redis when it is available
func newLimiter(ctx context.Context, cfg *config.Config, client *redis.Client, logger *observability.Logger) middleware.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	limiterCfg := cfg.RateLimit.RateLimiterConfig()
	if client != nil {
		return middleware.NewRedisRateLimiter(client, limiterCfg, cfg.RBAC.RedisPrefix+":ratelimit")
	}
	limiter := middleware.NewRateLimiter(limiterCfg)
	limiter.StartCleanup(ctx, logger)
	return limiter
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func recordPoolStats(ctx context.Context, health *observability.HealthChecker, metrics *observability.Metrics) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			health.RecordPoolStats(metrics)
		case <-ctx.Done():
			return
		}
	}
}

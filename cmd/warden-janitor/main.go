package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac"
	"github.com/platinummonkey/warden/pkg/rbac/cache"
)

var (
	runOnce   = flag.Bool("run-once", false, "Run one sweep and exit")
	retention = flag.Duration("retention", 0, "Keep expired rows this long past their expiry")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "warden-janitor")

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.WithError(err).Error("Failed to ping database")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	janitorCfg := rbac.JanitorConfig{
		Retention: *retention,
		Logger:    logger,
		Metrics:   metrics,
	}
	// the decision cache only needs sweeping when it lives in Postgres
	if cfg.RBAC.CacheBackend == rbac.CacheBackendSQL {
		janitorCfg.Decisions = cache.NewSQLCache(db)
	}
	janitor := rbac.NewJanitor(rbac.NewStore(db), janitorCfg)

	sweep := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Janitor.Timeout)
		defer cancel()
		_, err := janitor.Run(ctx)
		return err
	}

	if *runOnce {
		if err := sweep(); err != nil {
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Janitor.Schedule, func() { _ = sweep() }); err != nil {
		logger.WithError(err).Errorf("Invalid janitor schedule %q", cfg.Janitor.Schedule)
		os.Exit(1)
	}

	health := observability.NewHealthChecker(db, nil, "")
	mux := http.NewServeMux()
	observability.RegisterHealthRoutes(mux, health)
	observability.RegisterMetricsEndpoint(mux, registry)
	server := &http.Server{
		Addr:              ":" + cfg.Server.HealthPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	c.Start()
	logger.Infof("Janitor started with schedule %s", cfg.Janitor.Schedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")

	stopped := c.Stop()
	<-stopped.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Health server shutdown error")
	}

	logger.Info("Janitor stopped")
}

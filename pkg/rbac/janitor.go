package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/observability"
)

// DecisionPurger is a decision cache that keeps expired rows until swept
type DecisionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// JanitorConfig configures a Janitor
type JanitorConfig struct {
	// Retention keeps expired rows this long past their expiry
	Retention time.Duration

	// Decisions is swept too when set
	Decisions DecisionPurger

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Janitor removes assignments, grants and overrides that can never become
// active again. Expired rows are already ignored by evaluation, so sweeping
// them never changes a decision.
type Janitor struct {
	store     *Store
	decisions DecisionPurger
	retention time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewJanitor creates a janitor for store
func NewJanitor(store *Store, cfg JanitorConfig) *Janitor {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Janitor{
		store:     store,
		decisions: cfg.Decisions,
		retention: cfg.Retention,
		logger:    cfg.Logger.WithField("component", "rbac.janitor"),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Run performs one sweep and returns the rows removed per table
func (j *Janitor) Run(ctx context.Context) (map[string]int64, error) {
	start := j.now()
	cutoff := start.Add(-j.retention)

	purged, err := j.store.PurgeExpired(ctx, cutoff)
	if err == nil && j.decisions != nil {
		var n int64
		n, err = j.decisions.PurgeExpired(ctx)
		purged["permission_cache"] = n
	}
	j.metrics.RecordJanitorRun(err, purged)
	if err != nil {
		j.logger.WithError(err).Error("Expiry sweep failed")
		return purged, fmt.Errorf("expiry sweep: %w", err)
	}

	fields := map[string]interface{}{
		"cutoff":      cutoff.UTC().Format(time.RFC3339),
		"duration_ms": j.now().Sub(start).Milliseconds(),
	}
	for table, n := range purged {
		fields[table] = n
	}
	j.logger.WithFields(fields).Info("Expiry sweep complete")
	return purged, nil
}

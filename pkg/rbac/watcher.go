package rbac

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac/cache"
)

const defaultReloadDelay = 250 * time.Millisecond

// CatalogWatcher re-applies a catalog file whenever it changes and then drops
// every cached decision
type CatalogWatcher struct {
	path    string
	store   *Store
	checker Checker
	audit   audit.Logger
	logger  *observability.Logger
	delay   time.Duration

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewCatalogWatcher creates a watcher for path. Nothing is watched until Start.
func NewCatalogWatcher(path string, store *Store, checker Checker, auditLogger audit.Logger, logger *observability.Logger) *CatalogWatcher {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &CatalogWatcher{
		path:    filepath.Clean(path),
		store:   store,
		checker: checker,
		audit:   auditLogger,
		logger:  logger.WithFields(map[string]interface{}{"component": "rbac.catalog_watcher", "path": path}),
		delay:   defaultReloadDelay,
	}
}

// Reload applies the catalog file once and invalidates the decision cache
func (w *CatalogWatcher) Reload(ctx context.Context) (ApplyResult, error) {
	cat, err := LoadCatalog(w.path)
	if err != nil {
		return ApplyResult{}, err
	}
	result, err := ApplyCatalog(ctx, w.store, cat)
	if err != nil {
		return result, fmt.Errorf("failed to apply catalog: %w", err)
	}
	if err := w.checker.Invalidate(ctx, cache.All()); err != nil {
		return result, err
	}

	event := audit.NewEvent(ctx, audit.EventTypeCatalogApply, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeCatalog
	event.ResourceID = w.path
	event.Metadata["roles_created"] = result.RolesCreated
	event.Metadata["permissions_created"] = result.PermissionsCreated
	event.Metadata["bindings_added"] = result.BindingsAdded
	if err := w.audit.Log(ctx, event); err != nil {
		w.logger.WithError(err).Warn("Failed to write audit event")
	}
	return result, nil
}

// Start watches the catalog's directory. Editors often replace files by
// rename, so the directory is watched rather than the file itself.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("Watching catalog for changes")
	return nil
}

func (w *CatalogWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	defer observability.RecoverPanic(w.logger, "catalog watcher")

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// coalesce bursts of writes into one reload
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			result, err := w.Reload(ctx)
			if err != nil {
				w.logger.WithError(err).Error("Catalog reload failed")
				continue
			}
			w.logger.WithFields(map[string]interface{}{
				"roles_created":       result.RolesCreated,
				"permissions_created": result.PermissionsCreated,
				"bindings_added":      result.BindingsAdded,
			}).Info("Catalog reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Catalog watcher error")
		}
	}
}

// Close stops watching and waits for the loop to exit
func (w *CatalogWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

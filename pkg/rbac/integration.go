package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac/cache"
)

// Cache backends accepted by Config.CacheBackend
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendSQL    = "sql"
	CacheBackendNone   = "none"
)

// Config holds RBAC configuration
type Config struct {
	// CacheBackend selects the decision cache: memory, redis, sql or none
	CacheBackend string

	// CacheTTL is how long a decision may be served from cache
	CacheTTL time.Duration

	// CacheMaxEntries bounds the in-memory cache
	CacheMaxEntries int

	// Redis is required for the redis backend
	Redis       *redis.Client
	RedisPrefix string

	// CatalogPath, when set, replaces the embedded default catalog
	CatalogPath string

	// WatchCatalog re-applies CatalogPath on change
	WatchCatalog bool

	Audit   audit.Logger
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		CacheBackend:    CacheBackendMemory,
		CacheTTL:        cache.DefaultTTL,
		CacheMaxEntries: cache.DefaultMaxEntries,
	}
}

// Manager manages all RBAC components
type Manager struct {
	store      *Store
	cache      cache.Cache
	checker    *PermissionChecker
	service    *Service
	middleware *PermissionMiddleware
	handlers   *Handlers
	watcher    *CatalogWatcher
	config     Config
	logger     *observability.Logger
}

// NewCache builds the decision cache named by cfg.CacheBackend
func NewCache(db *sql.DB, cfg Config) (cache.Cache, error) {
	switch cfg.CacheBackend {
	case "", CacheBackendMemory:
		return cache.NewMemoryCache(cfg.CacheMaxEntries, cfg.CacheTTL), nil
	case CacheBackendRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis cache backend requires a redis client")
		}
		return cache.NewRedisCacheFromClient(cfg.Redis, cfg.RedisPrefix), nil
	case CacheBackendSQL:
		return cache.NewSQLCache(db), nil
	case CacheBackendNone:
		return cache.NewNoopCache(), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}

// NewManager creates a new RBAC manager
func NewManager(db *sql.DB, config Config) (*Manager, error) {
	if config.Audit == nil {
		config.Audit = audit.NoOpLogger()
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = cache.DefaultTTL
	}

	decisions, err := NewCache(db, config)
	if err != nil {
		return nil, err
	}

	store := NewStore(db)
	checker := NewPermissionChecker(store, CheckerConfig{
		Cache:    decisions,
		CacheTTL: config.CacheTTL,
		Logger:   config.Logger,
		Metrics:  config.Metrics,
	})
	service := NewService(store, checker, ServiceConfig{
		Audit:   config.Audit,
		Logger:  config.Logger,
		Metrics: config.Metrics,
	})
	guard := NewPermissionMiddleware(checker, config.Audit, config.Logger)

	m := &Manager{
		store:      store,
		cache:      decisions,
		checker:    checker,
		service:    service,
		middleware: guard,
		handlers:   NewHandlers(service, guard, config.Logger),
		config:     config,
		logger:     config.Logger.WithField("component", "rbac.manager"),
	}
	if config.CatalogPath != "" && config.WatchCatalog {
		m.watcher = NewCatalogWatcher(config.CatalogPath, store, checker, config.Audit, config.Logger)
	}
	return m, nil
}

// Initialize runs migrations and applies the catalog. When a watcher is
// configured it keeps running until ctx is cancelled or Close is called.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := RunMigrations(ctx, m.store.DB(), m.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	cat := DefaultCatalog()
	if m.config.CatalogPath != "" {
		loaded, err := LoadCatalog(m.config.CatalogPath)
		if err != nil {
			return err
		}
		cat = loaded
	}
	result, err := ApplyCatalog(ctx, m.store, cat)
	if err != nil {
		return fmt.Errorf("failed to apply catalog: %w", err)
	}
	if result.Changed() {
		if err := m.checker.Invalidate(ctx, cache.All()); err != nil {
			m.logger.WithError(err).Warn("Failed to invalidate decision cache after catalog apply")
		}
	}
	m.logger.WithFields(map[string]interface{}{
		"roles_created":       result.RolesCreated,
		"permissions_created": result.PermissionsCreated,
		"bindings_added":      result.BindingsAdded,
	}).Info("Permission catalog applied")

	if m.watcher != nil {
		if err := m.watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch catalog: %w", err)
		}
	}
	return nil
}

// RegisterRoutes registers RBAC routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// GetStore returns the RBAC store
func (m *Manager) GetStore() *Store {
	return m.store
}

// GetChecker returns the permission checker
func (m *Manager) GetChecker() *PermissionChecker {
	return m.checker
}

// GetService returns the write path
func (m *Manager) GetService() *Service {
	return m.service
}

// GetMiddleware returns the permission middleware
func (m *Manager) GetMiddleware() *PermissionMiddleware {
	return m.middleware
}

// Can is a convenience wrapper around Evaluate that fails closed
func (m *Manager) Can(ctx context.Context, userID, organizationID, permission string, resource *ResourceRef) bool {
	d, err := m.checker.Evaluate(ctx, Request{
		UserID:         userID,
		OrganizationID: organizationID,
		Permission:     permission,
		Resource:       resource,
	})
	if err != nil {
		m.logger.WithError(err).WithField("permission", permission).Warn("Permission check failed closed")
		return false
	}
	return d.Allowed
}

// BootstrapOrganization makes adminUserID the first org_admin of a new
// organization. It bypasses authorization because no one can hold
// roles.manage in an empty organization yet.
func (m *Manager) BootstrapOrganization(ctx context.Context, organizationID, adminUserID string) (*UserRoleAssignment, error) {
	role, err := m.store.GetRoleBySlug(ctx, RoleOrgAdmin)
	if err != nil {
		return nil, fmt.Errorf("failed to get admin role: %w", err)
	}
	existing, err := m.store.ListAssignments(ctx, AssignmentFilter{OrganizationID: organizationID})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: organization %s already has members", ErrAlreadyExists, organizationID)
	}

	a := &UserRoleAssignment{
		UserID:         adminUserID,
		RoleID:         role.ID,
		OrganizationID: organizationID,
		GrantedBy:      adminUserID,
	}
	if err := m.store.AssignRole(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to assign admin role: %w", err)
	}
	if err := m.checker.Invalidate(ctx, cache.ForUser(adminUserID)); err != nil {
		m.logger.WithError(err).Warn("Failed to invalidate decision cache after bootstrap")
	}

	event := audit.NewEvent(ctx, audit.EventTypeRoleAssign, audit.EventStatusSuccess)
	event.ActorID = adminUserID
	event.TargetUserID = adminUserID
	event.OrganizationID = organizationID
	event.ResourceType = audit.ResourceTypeAssignment
	event.ResourceID = a.ID
	event.Message = "Bootstrapped organization administrator"
	if err := m.config.Audit.Log(ctx, event); err != nil {
		m.logger.WithError(err).Warn("Failed to write audit event")
	}
	return a, nil
}

// Stats returns statistics about the RBAC system
type Stats struct {
	TotalRoles        int64 `json:"total_roles"`
	TotalPermissions  int64 `json:"total_permissions"`
	ActiveAssignments int64 `json:"active_assignments"`
	ResourceGrants    int64 `json:"resource_grants"`
	PendingOverrides  int64 `json:"pending_overrides"`
}

// GetStats returns RBAC statistics
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	db := m.store.DB()
	now := time.Now().UTC()

	queries := []struct {
		dest  *int64
		query string
		args  []interface{}
	}{
		{&stats.TotalRoles, "SELECT COUNT(*) FROM roles", nil},
		{&stats.TotalPermissions, "SELECT COUNT(*) FROM permissions", nil},
		{&stats.ActiveAssignments, "SELECT COUNT(*) FROM user_roles WHERE valid_from <= $1 AND (valid_until IS NULL OR valid_until > $1)", []interface{}{now}},
		{&stats.ResourceGrants, "SELECT COUNT(*) FROM resource_permissions WHERE expires_at IS NULL OR expires_at > $1", []interface{}{now}},
		{&stats.PendingOverrides, "SELECT COUNT(*) FROM permission_overrides WHERE approval_status = $1", []interface{}{string(StatusPending)}},
	}
	for _, q := range queries {
		if err := db.QueryRowContext(ctx, q.query, q.args...).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}
	}
	return stats, nil
}

// Close stops the catalog watcher and releases the cache
func (m *Manager) Close() error {
	if m.watcher != nil {
		m.watcher.Close()
	}
	return m.cache.Close()
}

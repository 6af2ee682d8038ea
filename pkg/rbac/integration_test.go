package rbac

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/rbac/cache"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *recordingAuditLogger) {
	t.Helper()
	auditLog := &recordingAuditLogger{}
	cfg.Audit = auditLog
	cfg.Logger = testLogger()

	m, err := NewManager(setupTestDB(t), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	require.NoError(t, m.Initialize(context.Background()))
	return m, auditLog
}

func TestNewCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tests := []struct {
		backend string
		redis   *redis.Client
		name    string
		wantErr bool
	}{
		{backend: "", name: "memory"},
		{backend: CacheBackendMemory, name: "memory"},
		{backend: CacheBackendRedis, redis: client, name: "redis"},
		{backend: CacheBackendSQL, name: "sql"},
		{backend: CacheBackendNone, name: "none"},
		{backend: CacheBackendRedis, wantErr: true},
		{backend: "memcached", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.backend+"/"+tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CacheBackend = tt.backend
			cfg.Redis = tt.redis
			c, err := NewCache(nil, cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.name, c.Name())
		})
	}
}

func TestManager_BootstrapAndCheck(t *testing.T) {
	m, auditLog := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	assert.False(t, m.Can(ctx, "founder", "org-9", "organization.manage", nil))

	a, err := m.BootstrapOrganization(ctx, "org-9", "founder")
	require.NoError(t, err)
	assert.Equal(t, "founder", a.GrantedBy)
	assert.True(t, m.Can(ctx, "founder", "org-9", "organization.manage", nil), "bootstrap invalidates the cached deny")
	assert.False(t, m.Can(ctx, "founder", "org-9", "system.maintenance", nil))
	assert.False(t, m.Can(ctx, "founder", "org-1", "courses.view", nil), "membership is per organization")
	assert.False(t, m.Can(ctx, "founder", "org-9", "widgets.spin", nil), "unknown slugs fail closed")

	_, err = m.BootstrapOrganization(ctx, "org-9", "someone-else")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	events := auditLog.ofType(audit.EventTypeRoleAssign)
	require.Len(t, events, 1)
	assert.Equal(t, "org-9", events[0].OrganizationID)
}

func TestManager_InitializeIsRepeatable(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(DefaultCatalog().Roles)), stats.TotalRoles)
	assert.Equal(t, int64(len(DefaultCatalog().Permissions)), stats.TotalPermissions)
	assert.Zero(t, stats.ActiveAssignments)
}

func TestManager_GetStats(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.BootstrapOrganization(ctx, "org-1", "admin")
	require.NoError(t, err)

	svc := m.GetService()
	actor := Actor{UserID: "admin", OrganizationID: "org-1"}
	require.NoError(t, svc.GrantResourcePermission(ctx, actor, &ResourcePermission{
		PermissionSlug: "courses.update",
		ScopeType:      ScopeUser,
		ScopeID:        "admin",
		ResourceType:   "course",
		ResourceID:     "c-1",
	}))
	require.NoError(t, svc.RequestOverride(ctx, actor, &PermissionOverride{
		UserID:         "admin",
		PermissionSlug: "courses.publish",
		OverrideType:   OverrideGrant,
		Reason:         "launch week",
	}))

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ActiveAssignments)
	assert.Equal(t, int64(1), stats.ResourceGrants)
	assert.Equal(t, int64(1), stats.PendingOverrides)
}

func TestManager_SQLCacheBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheBackend = CacheBackendSQL
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	_, err := m.BootstrapOrganization(ctx, "org-1", "admin")
	require.NoError(t, err)

	req := Request{UserID: "admin", OrganizationID: "org-1", Permission: "users.manage"}
	first, err := m.GetChecker().Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.False(t, first.Cached)

	second, err := m.GetChecker().Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.True(t, second.Cached)

	require.NoError(t, m.GetChecker().Invalidate(ctx, cache.ForUser("admin")))
	third, err := m.GetChecker().Evaluate(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.Cached)
}

func TestManager_RegisterRoutes(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	_, err := m.BootstrapOrganization(context.Background(), "org-1", "admin")
	require.NoError(t, err)

	router := mux.NewRouter()
	m.RegisterRoutes(router)

	rec := serve(t, router, as("admin"), "GET", "/rbac/roles", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, m.GetMiddleware())
	assert.NotNil(t, m.GetStore())
}

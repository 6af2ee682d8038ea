package rbac

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac/cache"
)

// memoryDataSource is an in-process DataSource loaded from the default catalog
type memoryDataSource struct {
	mu          sync.Mutex
	roles       map[string]Role       // by slug
	permissions map[string]Permission // by slug
	bindings    map[string][]string   // role id -> permission slugs
	children    map[string][]string   // role id -> junior role slugs
	assignments []AssignedRole
	grants      []ResourcePermission
	overrides   []PermissionOverride
	errs        map[string]error
	loads       int
	onLoad      func()
}

func newMemoryDataSource(t *testing.T) *memoryDataSource {
	t.Helper()
	cat := DefaultCatalog()
	ds := &memoryDataSource{
		roles:       make(map[string]Role),
		permissions: make(map[string]Permission),
		bindings:    make(map[string][]string),
		children:    make(map[string][]string),
		errs:        make(map[string]error),
	}
	for _, r := range cat.Roles {
		ds.roles[r.Slug] = Role{ID: "role-" + r.Slug, Slug: r.Slug, Name: r.Name, Level: r.Level, IsSystem: r.System}
		ds.children["role-"+r.Slug] = r.Inherits
	}
	for _, p := range cat.Permissions {
		ds.permissions[p.Slug] = Permission{ID: "perm-" + p.Slug, Slug: p.Slug, Name: p.Name, IsSystem: p.System}
	}
	for role, slugs := range cat.Bindings {
		ds.bindings["role-"+role] = slugs
	}
	return ds
}

func (ds *memoryDataSource) fail(method string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.errs[method]
}

func (ds *memoryDataSource) setError(method string, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if err == nil {
		delete(ds.errs, method)
		return
	}
	ds.errs[method] = err
}

func (ds *memoryDataSource) loadCount() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.loads
}

func (ds *memoryDataSource) assign(userID, orgID, roleSlug string, opts ...func(*UserRoleAssignment)) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	role := ds.roles[roleSlug]
	a := UserRoleAssignment{
		ID:             "ura-" + userID + "-" + roleSlug,
		UserID:         userID,
		RoleID:         role.ID,
		OrganizationID: orgID,
	}
	for _, opt := range opts {
		opt(&a)
	}
	ds.assignments = append(ds.assignments, AssignedRole{Role: role, Assignment: a})
}

func (ds *memoryDataSource) revokeAll(userID string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	kept := ds.assignments[:0]
	for _, ar := range ds.assignments {
		if ar.Assignment.UserID != userID {
			kept = append(kept, ar)
		}
	}
	ds.assignments = kept
}

func (ds *memoryDataSource) grant(g ResourcePermission) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	g.PermissionID = "perm-" + g.PermissionSlug
	ds.grants = append(ds.grants, g)
}

func (ds *memoryDataSource) override(o PermissionOverride) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	o.PermissionID = "perm-" + o.PermissionSlug
	if o.OrganizationID == "" {
		o.OrganizationID = "org-1"
	}
	if o.ApprovalStatus == "" {
		o.ApprovalStatus = StatusApproved
	}
	ds.overrides = append(ds.overrides, o)
}

// define adds a custom permission to the catalog
func (ds *memoryDataSource) define(slug string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.permissions[slug] = Permission{ID: "perm-" + slug, Slug: slug, Name: slug}
}

func (ds *memoryDataSource) GetRolesForUser(ctx context.Context, userID, organizationID string) ([]AssignedRole, error) {
	if err := ds.fail("GetRolesForUser"); err != nil {
		return nil, err
	}
	ds.mu.Lock()
	ds.loads++
	hook := ds.onLoad
	var out []AssignedRole
	for _, ar := range ds.assignments {
		if ar.Assignment.UserID == userID && ar.Assignment.OrganizationID == organizationID {
			out = append(out, ar)
		}
	}
	ds.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (ds *memoryDataSource) GetRolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	if err := ds.fail("GetRolePermissions"); err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	var out []Permission
	for _, slug := range ds.bindings[roleID] {
		out = append(out, ds.permissions[slug])
	}
	return out, nil
}

func (ds *memoryDataSource) GetResourcePermissions(ctx context.Context, permissionSlug string) ([]ResourcePermission, error) {
	if err := ds.fail("GetResourcePermissions"); err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	var out []ResourcePermission
	for _, g := range ds.grants {
		if g.PermissionSlug == permissionSlug {
			out = append(out, g)
		}
	}
	return out, nil
}

// GetApprovedOverrides returns every override for the pair regardless of status,
// so the checker's own status and expiry filtering is exercised
func (ds *memoryDataSource) GetApprovedOverrides(ctx context.Context, userID, permissionSlug string) ([]PermissionOverride, error) {
	if err := ds.fail("GetApprovedOverrides"); err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	var out []PermissionOverride
	for _, o := range ds.overrides {
		if o.UserID == userID && o.PermissionSlug == permissionSlug {
			out = append(out, o)
		}
	}
	return out, nil
}

func (ds *memoryDataSource) GetPermissionBySlug(ctx context.Context, slug string) (*Permission, error) {
	if err := ds.fail("GetPermissionBySlug"); err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	p, ok := ds.permissions[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (ds *memoryDataSource) GetChildRoles(ctx context.Context, roleID string) ([]Role, error) {
	if err := ds.fail("GetChildRoles"); err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	var out []Role
	for _, slug := range ds.children[roleID] {
		out = append(out, ds.roles[slug])
	}
	return out, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingCache remembers the TTL of the last Put
type recordingCache struct {
	cache.Cache
	mu      sync.Mutex
	lastTTL time.Duration
	puts    int
}

func (c *recordingCache) Put(ctx context.Context, key cache.Key, entry cache.Entry, ttl time.Duration) error {
	c.mu.Lock()
	c.lastTTL = ttl
	c.puts++
	c.mu.Unlock()
	return c.Cache.Put(ctx, key, entry, ttl)
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func newTestChecker(ds DataSource, clock *fakeClock, c cache.Cache) *PermissionChecker {
	return NewPermissionChecker(ds, CheckerConfig{
		Cache:  c,
		Logger: testLogger(),
		Clock:  clock.Now,
	})
}

func orgRequest(userID, permission string) Request {
	return Request{UserID: userID, OrganizationID: "org-1", Permission: permission}
}

func resourceRequest(userID, permission, resourceType, resourceID string) Request {
	req := orgRequest(userID, permission)
	req.Resource = &ResourceRef{Type: resourceType, ID: resourceID}
	return req
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func TestEvaluate_RoleBindings(t *testing.T) {
	ds := newMemoryDataSource(t)
	ds.assign("learner-1", "org-1", RoleLearner)
	ds.assign("manager-1", "org-1", RoleManager)
	checker := newTestChecker(ds, newFakeClock(), nil)

	tests := []struct {
		name    string
		req     Request
		allowed bool
		reason  Reason
		matched []string
	}{
		{"direct binding", orgRequest("learner-1", "lessons.view"), true, ReasonRoleBinding, []string{RoleLearner}},
		{"inherited from guest", orgRequest("learner-1", "courses.view"), true, ReasonRoleBinding, []string{RoleGuest}},
		{"senior permission", orgRequest("learner-1", "courses.create"), false, ReasonNoMatchingGrant, nil},
		{"manager inherits analyst", orgRequest("manager-1", "analytics.view"), true, ReasonRoleBinding, []string{RoleAnalyst}},
		{"manager inherits instructor", orgRequest("manager-1", "courses.publish"), true, ReasonRoleBinding, []string{RoleInstructor}},
		{"manager reaches guest", orgRequest("manager-1", "cases.view"), true, ReasonRoleBinding, []string{RoleGuest}},
		{"manager lacks admin", orgRequest("manager-1", "roles.manage"), false, ReasonNoMatchingGrant, nil},
		{"no assignment", orgRequest("stranger", "courses.view"), false, ReasonNotMember, nil},
		{"other organization", Request{UserID: "learner-1", OrganizationID: "org-2", Permission: "lessons.view"}, false, ReasonNotMember, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := checker.Evaluate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.matched, d.MatchedRoles)
			if tt.allowed {
				assert.Equal(t, SourceRole, d.Source)
			} else {
				assert.Equal(t, SourceNone, d.Source)
			}
		})
	}
}

func TestEvaluate_ValidityWindow(t *testing.T) {
	clock := newFakeClock()
	ds := newMemoryDataSource(t)
	ds.assign("future", "org-1", RoleLearner, func(a *UserRoleAssignment) {
		a.ValidFrom = clock.Now().Add(time.Hour)
	})
	ds.assign("expiring", "org-1", RoleLearner, func(a *UserRoleAssignment) {
		a.ValidUntil = ptrTime(clock.Now().Add(time.Hour))
	})
	checker := newTestChecker(ds, clock, nil)
	ctx := context.Background()

	d, err := checker.Evaluate(ctx, orgRequest("future", "lessons.view"))
	require.NoError(t, err)
	assert.False(t, d.Allowed, "assignment has not started")

	d, err = checker.Evaluate(ctx, orgRequest("expiring", "lessons.view"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	clock.Advance(time.Hour)

	d, err = checker.Evaluate(ctx, orgRequest("future", "lessons.view"))
	require.NoError(t, err)
	assert.True(t, d.Allowed, "assignment starts at valid_from")

	d, err = checker.Evaluate(ctx, orgRequest("expiring", "lessons.view"))
	require.NoError(t, err)
	assert.False(t, d.Allowed, "valid_until is exclusive")
}

func TestEvaluate_ScopedAssignment(t *testing.T) {
	ds := newMemoryDataSource(t)
	ds.assign("author", "org-1", RoleInstructor, func(a *UserRoleAssignment) {
		a.ScopeType = "course"
		a.ScopeID = "course-1"
	})
	checker := newTestChecker(ds, newFakeClock(), nil)
	ctx := context.Background()

	d, err := checker.Evaluate(ctx, resourceRequest("author", "courses.update", "course", "course-1"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = checker.Evaluate(ctx, resourceRequest("author", "courses.update", "course", "course-2"))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = checker.Evaluate(ctx, orgRequest("author", "courses.update"))
	require.NoError(t, err)
	assert.False(t, d.Allowed, "a scoped assignment does not cover organization-level checks")
}

func TestEvaluate_Overrides(t *testing.T) {
	clock := newFakeClock()

	tests := []struct {
		name    string
		setup   func(ds *memoryDataSource)
		req     Request
		allowed bool
		reason  Reason
	}{
		{
			name: "deny beats role binding",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleLearner)
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "lessons.view", OverrideType: OverrideDeny})
			},
			req:    orgRequest("u1", "lessons.view"),
			reason: ReasonDenyOverride,
		},
		{
			name: "deny beats grant override and public grant",
			setup: func(ds *memoryDataSource) {
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "analytics.view", OverrideType: OverrideGrant})
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "analytics.view", OverrideType: OverrideDeny})
				ds.grant(ResourcePermission{PermissionSlug: "analytics.view", ScopeType: ScopePublic})
			},
			req:    orgRequest("u1", "analytics.view"),
			reason: ReasonDenyOverride,
		},
		{
			name: "grant beyond the member's roles",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "analytics.view", OverrideType: OverrideGrant})
			},
			req:     orgRequest("u1", "analytics.view"),
			allowed: true,
			reason:  ReasonGrantOverride,
		},
		{
			name: "grant for a non-member",
			setup: func(ds *memoryDataSource) {
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "analytics.view", OverrideType: OverrideGrant})
			},
			req:    orgRequest("u1", "analytics.view"),
			reason: ReasonNotMember,
		},
		{
			name: "grant approved in another organization",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.override(PermissionOverride{UserID: "u1", OrganizationID: "org-2", PermissionSlug: "roles.manage", OverrideType: OverrideGrant})
			},
			req:    orgRequest("u1", "roles.manage"),
			reason: ReasonNoMatchingGrant,
		},
		{
			name: "deny approved in another organization",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleLearner)
				ds.override(PermissionOverride{UserID: "u1", OrganizationID: "org-2", PermissionSlug: "lessons.view", OverrideType: OverrideDeny})
			},
			req:     orgRequest("u1", "lessons.view"),
			allowed: true,
			reason:  ReasonRoleBinding,
		},
		{
			name: "elevate",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "analytics.export", OverrideType: OverrideElevate})
			},
			req:     orgRequest("u1", "analytics.export"),
			allowed: true,
			reason:  ReasonElevateOverride,
		},
		{
			name: "pending is ignored",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "analytics.view", OverrideType: OverrideGrant, ApprovalStatus: StatusPending})
			},
			req:    orgRequest("u1", "analytics.view"),
			reason: ReasonNoMatchingGrant,
		},
		{
			name: "rejected deny is ignored",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleLearner)
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "lessons.view", OverrideType: OverrideDeny, ApprovalStatus: StatusRejected})
			},
			req:     orgRequest("u1", "lessons.view"),
			allowed: true,
			reason:  ReasonRoleBinding,
		},
		{
			name: "expired grant is ignored",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "analytics.view", OverrideType: OverrideGrant, ExpiresAt: ptrTime(clock.Now().Add(-time.Minute))})
			},
			req:    orgRequest("u1", "analytics.view"),
			reason: ReasonNoMatchingGrant,
		},
		{
			name: "resource bound deny leaves other resources alone",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleLearner)
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "lessons.view", OverrideType: OverrideDeny, ResourceType: "lesson", ResourceID: "lesson-1"})
			},
			req:     resourceRequest("u1", "lessons.view", "lesson", "lesson-2"),
			allowed: true,
			reason:  ReasonRoleBinding,
		},
		{
			name: "resource bound deny applies to its resource",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleLearner)
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "lessons.view", OverrideType: OverrideDeny, ResourceType: "lesson", ResourceID: "lesson-1"})
			},
			req:    resourceRequest("u1", "lessons.view", "lesson", "lesson-1"),
			reason: ReasonDenyOverride,
		},
		{
			name: "resource bound grant does not cover organization-level checks",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.override(PermissionOverride{UserID: "u1", PermissionSlug: "analytics.view", OverrideType: OverrideGrant, ResourceType: "report", ResourceID: "r-1"})
			},
			req:    orgRequest("u1", "analytics.view"),
			reason: ReasonNoMatchingGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := newMemoryDataSource(t)
			tt.setup(ds)
			checker := newTestChecker(ds, clock, nil)

			d, err := checker.Evaluate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestEvaluate_ResourceGrants(t *testing.T) {
	clock := newFakeClock()

	tests := []struct {
		name    string
		setup   func(ds *memoryDataSource)
		req     Request
		allowed bool
		matched []string
	}{
		{
			name: "user scope on its resource",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.grant(ResourcePermission{PermissionSlug: "courses.update", ScopeType: ScopeUser, ScopeID: "u1", ResourceType: "course", ResourceID: "course-1"})
			},
			req:     resourceRequest("u1", "courses.update", "course", "course-1"),
			allowed: true,
		},
		{
			name: "user scope on another resource",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "courses.update", ScopeType: ScopeUser, ScopeID: "u1", ResourceType: "course", ResourceID: "course-1"})
			},
			req: resourceRequest("u1", "courses.update", "course", "course-2"),
		},
		{
			name: "bound grant does not match a request without a resource",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "courses.update", ScopeType: ScopeUser, ScopeID: "u1", ResourceType: "course", ResourceID: "course-1"})
			},
			req: orgRequest("u1", "courses.update"),
		},
		{
			name: "type-wide grant",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.grant(ResourcePermission{PermissionSlug: "courses.update", ScopeType: ScopeUser, ScopeID: "u1", ResourceType: "course"})
			},
			req:     resourceRequest("u1", "courses.update", "course", "course-9"),
			allowed: true,
		},
		{
			name: "user scope for someone else",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "courses.update", ScopeType: ScopeUser, ScopeID: "u2"})
			},
			req: orgRequest("u1", "courses.update"),
		},
		{
			name: "role scope by slug",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleLearner)
				ds.grant(ResourcePermission{PermissionSlug: "cases.export", ScopeType: ScopeRole, ScopeID: RoleLearner})
			},
			req:     orgRequest("u1", "cases.export"),
			allowed: true,
			matched: []string{RoleLearner},
		},
		{
			name: "role scope by id through inheritance",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleManager)
				ds.grant(ResourcePermission{PermissionSlug: "courses.delete", ScopeType: ScopeRole, ScopeID: "role-" + RoleInstructor})
			},
			req:     orgRequest("u1", "courses.delete"),
			allowed: true,
			matched: []string{RoleInstructor},
		},
		{
			name: "role scope without the role",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleLearner)
				ds.grant(ResourcePermission{PermissionSlug: "courses.delete", ScopeType: ScopeRole, ScopeID: RoleInstructor})
			},
			req: orgRequest("u1", "courses.delete"),
		},
		{
			name: "organization scope",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.grant(ResourcePermission{PermissionSlug: "analytics.view", ScopeType: ScopeOrganization, ScopeID: "org-1"})
			},
			req:     orgRequest("u1", "analytics.view"),
			allowed: true,
		},
		{
			name: "organization scope for a non-member",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "analytics.view", ScopeType: ScopeOrganization, ScopeID: "org-1"})
			},
			req: orgRequest("u1", "analytics.view"),
		},
		{
			name: "user scope for a non-member",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "courses.update", ScopeType: ScopeUser, ScopeID: "u1"})
			},
			req: orgRequest("u1", "courses.update"),
		},
		{
			name: "user scope bound to another organization",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleGuest)
				ds.grant(ResourcePermission{PermissionSlug: "courses.update", ScopeType: ScopeUser, ScopeID: "u1", OrganizationID: "org-2"})
			},
			req: orgRequest("u1", "courses.update"),
		},
		{
			name: "role scope bound to another organization",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleLearner)
				ds.grant(ResourcePermission{PermissionSlug: "cases.export", ScopeType: ScopeRole, ScopeID: RoleLearner, OrganizationID: "org-2"})
			},
			req: orgRequest("u1", "cases.export"),
		},
		{
			name: "organization scope for another organization",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "analytics.view", ScopeType: ScopeOrganization, ScopeID: "org-2"})
			},
			req: orgRequest("u1", "analytics.view"),
		},
		{
			name: "public",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "courses.view", ScopeType: ScopePublic, ResourceType: "course", ResourceID: "open-course"})
			},
			req:     resourceRequest("anyone", "courses.view", "course", "open-course"),
			allowed: true,
		},
		{
			name: "expired",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "analytics.view", ScopeType: ScopeUser, ScopeID: "u1", ExpiresAt: ptrTime(clock.Now())})
			},
			req: orgRequest("u1", "analytics.view"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := newMemoryDataSource(t)
			tt.setup(ds)
			checker := newTestChecker(ds, clock, nil)

			d, err := checker.Evaluate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if tt.allowed {
				assert.Equal(t, ReasonResourceGrant, d.Reason)
				assert.Equal(t, SourceResourceGrant, d.Source)
				assert.Equal(t, tt.matched, d.MatchedRoles)
			}
		})
	}
}

func TestEvaluate_NonMembers(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(ds *memoryDataSource)
		req     Request
		allowed bool
		reason  Reason
	}{
		{
			name: "approved grant override",
			setup: func(ds *memoryDataSource) {
				ds.override(PermissionOverride{UserID: "drifter", OrganizationID: "org-victim", PermissionSlug: "roles.manage", OverrideType: OverrideGrant})
			},
			req:    Request{UserID: "drifter", OrganizationID: "org-victim", Permission: "roles.manage"},
			reason: ReasonNotMember,
		},
		{
			name: "approved elevate override",
			setup: func(ds *memoryDataSource) {
				ds.override(PermissionOverride{UserID: "drifter", OrganizationID: "org-victim", PermissionSlug: "billing.manage", OverrideType: OverrideElevate})
			},
			req:    Request{UserID: "drifter", OrganizationID: "org-victim", Permission: "billing.manage"},
			reason: ReasonNotMember,
		},
		{
			name: "membership elsewhere does not count",
			setup: func(ds *memoryDataSource) {
				ds.assign("drifter", "org-home", RoleOrgAdmin)
				ds.grant(ResourcePermission{PermissionSlug: "analytics.view", ScopeType: ScopeOrganization, ScopeID: "org-victim"})
			},
			req:    Request{UserID: "drifter", OrganizationID: "org-victim", Permission: "analytics.view"},
			reason: ReasonNotMember,
		},
		{
			name: "lapsed member",
			setup: func(ds *memoryDataSource) {
				ds.assign("drifter", "org-victim", RoleLearner, func(a *UserRoleAssignment) {
					a.ValidUntil = ptrTime(newFakeClock().Now().Add(-time.Minute))
				})
			},
			req:    Request{UserID: "drifter", OrganizationID: "org-victim", Permission: "lessons.view"},
			reason: ReasonNotMember,
		},
		{
			name: "public grant",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "courses.view", ScopeType: ScopePublic})
			},
			req:     Request{UserID: "drifter", OrganizationID: "org-victim", Permission: "courses.view"},
			allowed: true,
			reason:  ReasonResourceGrant,
		},
		{
			name: "deny override still beats a public grant",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "courses.view", ScopeType: ScopePublic})
				ds.override(PermissionOverride{UserID: "drifter", OrganizationID: "org-victim", PermissionSlug: "courses.view", OverrideType: OverrideDeny})
			},
			req:    Request{UserID: "drifter", OrganizationID: "org-victim", Permission: "courses.view"},
			reason: ReasonDenyOverride,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := newMemoryDataSource(t)
			tt.setup(ds)
			checker := newTestChecker(ds, newFakeClock(), nil)

			d, err := checker.Evaluate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)

			member, err := checker.IsMember(context.Background(), tt.req.UserID, tt.req.OrganizationID)
			require.NoError(t, err)
			assert.False(t, member)
		})
	}
}

func TestEvaluate_Scenarios(t *testing.T) {
	clock := newFakeClock()

	tests := []struct {
		name    string
		setup   func(ds *memoryDataSource)
		req     Request
		allowed bool
		reason  Reason
		matched []string
	}{
		{
			name: "two direct assignments union their permissions",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleInstructor)
				ds.assign("u1", "org-1", RoleAnalyst)
			},
			req:     orgRequest("u1", "analytics.export"),
			allowed: true,
			reason:  ReasonRoleBinding,
			matched: []string{RoleAnalyst},
		},
		{
			name: "the other direct assignment still counts",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleInstructor)
				ds.assign("u1", "org-1", RoleAnalyst)
			},
			req:     orgRequest("u1", "courses.publish"),
			allowed: true,
			reason:  ReasonRoleBinding,
			matched: []string{RoleInstructor},
		},
		{
			name: "union stops at what neither role grants",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleInstructor)
				ds.assign("u1", "org-1", RoleAnalyst)
			},
			req:    orgRequest("u1", "teams.manage"),
			reason: ReasonNoMatchingGrant,
		},
		{
			name: "org admin denied billing",
			setup: func(ds *memoryDataSource) {
				ds.assign("admin", "org-1", RoleOrgAdmin)
				ds.override(PermissionOverride{UserID: "admin", PermissionSlug: "billing.manage", OverrideType: OverrideDeny})
			},
			req:    orgRequest("admin", "billing.manage"),
			reason: ReasonDenyOverride,
		},
		{
			name: "org admin keeps the rest",
			setup: func(ds *memoryDataSource) {
				ds.assign("admin", "org-1", RoleOrgAdmin)
				ds.override(PermissionOverride{UserID: "admin", PermissionSlug: "billing.manage", OverrideType: OverrideDeny})
			},
			req:     orgRequest("admin", "users.manage"),
			allowed: true,
			reason:  ReasonRoleBinding,
			matched: []string{RoleOrgAdmin},
		},
		{
			name: "case grant on its case",
			setup: func(ds *memoryDataSource) {
				ds.define("cases.edit")
				ds.assign("clerk", "org-1", RoleGuest)
				ds.grant(ResourcePermission{PermissionSlug: "cases.edit", ScopeType: ScopeUser, ScopeID: "clerk", ResourceType: "case", ResourceID: "case-42"})
			},
			req:     resourceRequest("clerk", "cases.edit", "case", "case-42"),
			allowed: true,
			reason:  ReasonResourceGrant,
		},
		{
			name: "case grant on another case",
			setup: func(ds *memoryDataSource) {
				ds.define("cases.edit")
				ds.assign("clerk", "org-1", RoleGuest)
				ds.grant(ResourcePermission{PermissionSlug: "cases.edit", ScopeType: ScopeUser, ScopeID: "clerk", ResourceType: "case", ResourceID: "case-42"})
			},
			req:    resourceRequest("clerk", "cases.edit", "case", "case-99"),
			reason: ReasonNoMatchingGrant,
		},
		{
			name: "assignment that started yesterday",
			setup: func(ds *memoryDataSource) {
				ds.assign("u1", "org-1", RoleLearner, func(a *UserRoleAssignment) {
					a.ValidFrom = clock.Now().Add(-24 * time.Hour)
				})
			},
			req:     orgRequest("u1", "lessons.view"),
			allowed: true,
			reason:  ReasonRoleBinding,
			matched: []string{RoleLearner},
		},
		{
			name: "zero assignments reach public grants",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "courses.view", ScopeType: ScopePublic, ResourceType: "course", ResourceID: "open-course"})
				ds.grant(ResourcePermission{PermissionSlug: "courses.update", ScopeType: ScopeUser, ScopeID: "nobody"})
			},
			req:     resourceRequest("nobody", "courses.view", "course", "open-course"),
			allowed: true,
			reason:  ReasonResourceGrant,
		},
		{
			name: "zero assignments reach nothing else",
			setup: func(ds *memoryDataSource) {
				ds.grant(ResourcePermission{PermissionSlug: "courses.view", ScopeType: ScopePublic, ResourceType: "course", ResourceID: "open-course"})
				ds.grant(ResourcePermission{PermissionSlug: "courses.update", ScopeType: ScopeUser, ScopeID: "nobody"})
			},
			req:    orgRequest("nobody", "courses.update"),
			reason: ReasonNotMember,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds := newMemoryDataSource(t)
			tt.setup(ds)
			checker := newTestChecker(ds, clock, nil)

			d, err := checker.Evaluate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.matched, d.MatchedRoles)
		})
	}
}

func TestEvaluate_MissingContext(t *testing.T) {
	checker := newTestChecker(newMemoryDataSource(t), newFakeClock(), nil)
	ctx := context.Background()

	d, err := checker.Evaluate(ctx, Request{OrganizationID: "org-1", Permission: "courses.view"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnauthenticated, d.Reason)

	d, err = checker.Evaluate(ctx, Request{UserID: "u1", Permission: "courses.view"})
	assert.ErrorIs(t, err, ErrOrganizationRequired)
	assert.False(t, d.Allowed)
}

func TestEvaluate_UnknownPermission(t *testing.T) {
	ds := newMemoryDataSource(t)
	ds.assign("u1", "org-1", RoleSystem)
	checker := newTestChecker(ds, newFakeClock(), cache.NewMemoryCache(100, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := checker.Evaluate(ctx, orgRequest("u1", "courses.teleport"))
		require.Error(t, err)
		assert.True(t, IsConfigurationError(err))
		assert.False(t, d.Allowed)
		assert.False(t, d.Cached)
		assert.Equal(t, ReasonUnknownPermission, d.Reason)
	}
	assert.Equal(t, 2, ds.loadCount(), "configuration errors are never cached")
}

func TestEvaluate_StoreFailure(t *testing.T) {
	for _, method := range []string{"GetRolesForUser", "GetPermissionBySlug", "GetApprovedOverrides", "GetResourcePermissions", "GetChildRoles", "GetRolePermissions"} {
		t.Run(method, func(t *testing.T) {
			ds := newMemoryDataSource(t)
			ds.assign("u1", "org-1", RoleLearner)
			ds.setError(method, errors.New("connection refused"))
			checker := newTestChecker(ds, newFakeClock(), cache.NewMemoryCache(100, time.Minute))
			ctx := context.Background()

			d, err := checker.Evaluate(ctx, orgRequest("u1", "courses.view"))
			require.Error(t, err)
			var checkErr *PermissionCheckError
			require.ErrorAs(t, err, &checkErr)
			assert.ErrorIs(t, err, ErrStoreUnavailable)
			assert.Equal(t, "u1", checkErr.UserID)
			assert.False(t, d.Allowed)
			assert.Equal(t, ReasonCheckFailed, d.Reason)

			ds.setError(method, nil)
			d, err = checker.Evaluate(ctx, orgRequest("u1", "courses.view"))
			require.NoError(t, err)
			assert.True(t, d.Allowed, "failed checks are not cached")
			assert.False(t, d.Cached)
		})
	}
}

func TestEvaluate_CacheCoherence(t *testing.T) {
	ds := newMemoryDataSource(t)
	ds.assign("u1", "org-1", RoleLearner)
	ds.assign("u2", "org-1", RoleLearner)
	checker := newTestChecker(ds, newFakeClock(), cache.NewMemoryCache(100, time.Minute))
	ctx := context.Background()

	d, err := checker.Evaluate(ctx, orgRequest("u1", "lessons.view"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Cached)

	d, err = checker.Evaluate(ctx, orgRequest("u1", "lessons.view"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Cached)
	assert.Equal(t, []string{RoleLearner}, d.MatchedRoles)
	assert.Equal(t, 1, ds.loadCount())

	_, err = checker.Evaluate(ctx, orgRequest("u2", "lessons.view"))
	require.NoError(t, err)

	ds.revokeAll("u1")
	require.NoError(t, checker.Invalidate(ctx, cache.ForUser("u1")))

	d, err = checker.Evaluate(ctx, orgRequest("u1", "lessons.view"))
	require.NoError(t, err)
	assert.False(t, d.Allowed, "revocation is visible after invalidation")
	assert.False(t, d.Cached)

	d, err = checker.Evaluate(ctx, orgRequest("u2", "lessons.view"))
	require.NoError(t, err)
	assert.True(t, d.Cached, "user invalidation leaves other users cached")

	require.NoError(t, checker.Invalidate(ctx, cache.All()))
	d, err = checker.Evaluate(ctx, orgRequest("u2", "lessons.view"))
	require.NoError(t, err)
	assert.False(t, d.Cached)
}

func TestEvaluate_InvalidationDuringComputeIsNotServed(t *testing.T) {
	ds := newMemoryDataSource(t)
	ds.assign("u1", "org-1", RoleLearner)
	checker := newTestChecker(ds, newFakeClock(), cache.NewMemoryCache(100, time.Minute))
	ctx := context.Background()

	var once sync.Once
	ds.onLoad = func() {
		once.Do(func() {
			assert.NoError(t, checker.Invalidate(ctx, cache.ForUser("u1")))
		})
	}

	d, err := checker.Evaluate(ctx, orgRequest("u1", "lessons.view"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = checker.Evaluate(ctx, orgRequest("u1", "lessons.view"))
	require.NoError(t, err)
	assert.False(t, d.Cached, "a result computed across an invalidation must not be served")
	assert.Equal(t, 2, ds.loadCount())
}

func TestEvaluate_CacheTTLClampedToNextTransition(t *testing.T) {
	clock := newFakeClock()
	ds := newMemoryDataSource(t)
	ds.assign("u1", "org-1", RoleLearner, func(a *UserRoleAssignment) {
		a.ValidUntil = ptrTime(clock.Now().Add(30 * time.Second))
	})
	ds.assign("u2", "org-1", RoleLearner)
	ds.grant(ResourcePermission{PermissionSlug: "quizzes.take", ScopeType: ScopeUser, ScopeID: "u2", ExpiresAt: ptrTime(clock.Now().Add(10 * time.Second))})

	recorder := &recordingCache{Cache: cache.NewMemoryCache(100, time.Hour)}
	checker := NewPermissionChecker(ds, CheckerConfig{
		Cache:    recorder,
		CacheTTL: 5 * time.Minute,
		Logger:   testLogger(),
		Clock:    clock.Now,
	})
	ctx := context.Background()

	_, err := checker.Evaluate(ctx, orgRequest("u1", "lessons.view"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, recorder.lastTTL)

	_, err = checker.Evaluate(ctx, orgRequest("u2", "lessons.view"))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, recorder.lastTTL)

	_, err = checker.Evaluate(ctx, orgRequest("u2", "quizzes.take"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, recorder.lastTTL, "grant expiry bounds the entry")
}

func TestEvaluate_Metrics(t *testing.T) {
	ds := newMemoryDataSource(t)
	ds.assign("u1", "org-1", RoleLearner)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	checker := NewPermissionChecker(ds, CheckerConfig{
		Cache:   cache.NewMemoryCache(100, time.Minute),
		Logger:  testLogger(),
		Metrics: metrics,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := checker.Evaluate(ctx, orgRequest("u1", "lessons.view"))
		require.NoError(t, err)
	}
	_, _ = checker.Evaluate(ctx, orgRequest("u1", "missing.slug"))

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.PermissionChecksTotal.WithLabelValues("lessons.view", "allow", "role")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionCheckErrors.WithLabelValues("configuration")))
}

func TestHasAnyHasAll(t *testing.T) {
	ds := newMemoryDataSource(t)
	ds.assign("u1", "org-1", RoleLearner)
	checker := newTestChecker(ds, newFakeClock(), nil)
	ctx := context.Background()

	ok, err := checker.HasAny(ctx, "u1", "org-1", []string{"courses.create", "lessons.view"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = checker.HasAny(ctx, "u1", "org-1", []string{"courses.create", "courses.publish"}, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = checker.HasAll(ctx, "u1", "org-1", []string{"lessons.view", "courses.view"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = checker.HasAll(ctx, "u1", "org-1", []string{"lessons.view", "courses.create"}, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = checker.HasAll(ctx, "u1", "org-1", nil, nil)
	require.NoError(t, err)
	assert.False(t, ok, "an empty requirement is not satisfied")

	ok, err = checker.HasAny(ctx, "u1", "org-1", []string{"missing.slug", "lessons.view"}, nil)
	assert.True(t, IsConfigurationError(err))
	assert.False(t, ok)
}

func TestEffectivePermissions(t *testing.T) {
	ds := newMemoryDataSource(t)
	ds.assign("u1", "org-1", RoleAnalyst)
	checker := newTestChecker(ds, newFakeClock(), nil)

	perms, err := checker.EffectivePermissions(context.Background(), "u1", "org-1",
		[]string{"analytics.view", "courses.create", "missing.slug", "courses.view", "lessons.view"})
	require.NoError(t, err)
	assert.Equal(t, []string{"analytics.view", "courses.view", "lessons.view"}, perms)

	ds.setError("GetRolesForUser", errors.New("timeout"))
	_, err = checker.EffectivePermissions(context.Background(), "u1", "org-1", []string{"analytics.view"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestIsMember(t *testing.T) {
	clock := newFakeClock()
	ds := newMemoryDataSource(t)
	ds.assign("member", "org-1", RoleGuest)
	ds.assign("lapsed", "org-1", RoleLearner, func(a *UserRoleAssignment) {
		a.ValidUntil = ptrTime(clock.Now().Add(-time.Second))
	})
	checker := newTestChecker(ds, clock, nil)
	ctx := context.Background()

	ok, err := checker.IsMember(ctx, "member", "org-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = checker.IsMember(ctx, "member", "org-2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = checker.IsMember(ctx, "lapsed", "org-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = checker.IsMember(ctx, "", "org-1")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = checker.IsMember(ctx, "member", "")
	assert.ErrorIs(t, err, ErrOrganizationRequired)

	ds.setError("GetRolesForUser", errors.New("timeout"))
	_, err = checker.IsMember(ctx, "member", "org-1")
	var checkErr *PermissionCheckError
	assert.ErrorAs(t, err, &checkErr)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestEvaluate_CanceledCallerDoesNotFailSharedFlight(t *testing.T) {
	ds := newMemoryDataSource(t)
	ds.assign("u1", "org-1", RoleLearner)
	checker := newTestChecker(ds, newFakeClock(), cache.NewMemoryCache(100, time.Minute))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ds.onLoad = func() {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	type result struct {
		d   Decision
		err error
	}
	first := make(chan result, 1)
	go func() {
		d, err := checker.Evaluate(firstCtx, orgRequest("u1", "lessons.view"))
		first <- result{d, err}
	}()
	<-started

	second := make(chan result, 1)
	go func() {
		d, err := checker.Evaluate(context.Background(), orgRequest("u1", "lessons.view"))
		second <- result{d, err}
	}()

	cancel()
	r := <-first
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.NotErrorIs(t, r.err, ErrStoreUnavailable, "a canceled caller is not a store outage")
	assert.False(t, r.d.Allowed)

	close(release)
	r = <-second
	require.NoError(t, r.err)
	assert.True(t, r.d.Allowed, "the shared evaluation outlives the canceled caller")

	d, err := checker.Evaluate(context.Background(), orgRequest("u1", "lessons.view"))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Cached)
}

func TestStoreError(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		wantUnavailable bool
	}{
		{"nil", nil, false},
		{"driver failure", errors.New("connection refused"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"already classified", ErrStoreUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storeError("load", tt.err)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantUnavailable, errors.Is(err, ErrStoreUnavailable))
		})
	}
}

package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac/cache"
)

var rbacTracer = otel.Tracer("warden/rbac/checker")

// bindingLookupLimit caps concurrent GetRolePermissions calls per evaluation
const bindingLookupLimit = 8

// Checker answers permission questions
type Checker interface {
	// Evaluate decides a single request. A non-nil error always comes with a denied Decision.
	Evaluate(ctx context.Context, req Request) (Decision, error)

	// HasAny reports whether any of the permissions is allowed
	HasAny(ctx context.Context, userID, organizationID string, permissions []string, resource *ResourceRef) (bool, error)

	// HasAll reports whether every permission is allowed
	HasAll(ctx context.Context, userID, organizationID string, permissions []string, resource *ResourceRef) (bool, error)

	// EffectivePermissions filters candidates down to the ones the user holds in the organization
	EffectivePermissions(ctx context.Context, userID, organizationID string, candidates []string) ([]string, error)

	// IsMember reports whether the user holds any active assignment in the organization
	IsMember(ctx context.Context, userID, organizationID string) (bool, error)

	// Invalidate drops cached decisions
	Invalidate(ctx context.Context, sel cache.Selector) error
}

// CheckerConfig configures a PermissionChecker
type CheckerConfig struct {
	Cache    cache.Cache
	CacheTTL time.Duration
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Clock    func() time.Time
}

// PermissionChecker evaluates requests against a DataSource
type PermissionChecker struct {
	ds      DataSource
	cache   cache.Cache
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
	flights singleflight.Group
}

// NewPermissionChecker creates a checker. A nil cache disables caching.
func NewPermissionChecker(ds DataSource, cfg CheckerConfig) *PermissionChecker {
	if cfg.Cache == nil {
		cfg.Cache = cache.NewNoopCache()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &PermissionChecker{
		ds:      ds,
		cache:   cfg.Cache,
		ttl:     cfg.CacheTTL,
		logger:  cfg.Logger.WithField("component", "rbac.checker"),
		metrics: cfg.Metrics,
		now:     cfg.Clock,
	}
}

func denied(reason Reason) Decision {
	return Decision{Allowed: false, Reason: reason, Source: SourceNone}
}

// Evaluate decides whether req is allowed.
//
// Precedence, highest first: approved deny overrides, approved grant/elevate overrides,
// resource-level grants, role bindings. Anything else is denied. Store failures return a
// denied Decision with a *PermissionCheckError so callers can tell them from a real deny.
func (c *PermissionChecker) Evaluate(ctx context.Context, req Request) (Decision, error) {
	ctx, span := rbacTracer.Start(ctx, "Evaluate",
		trace.WithAttributes(append(observability.TenantAttributes(req.UserID, req.OrganizationID),
			observability.AttrPermission.String(req.Permission),
			observability.AttrResource.String(req.Resource.Key()),
		)...),
	)
	defer span.End()

	start := c.now()
	decision, err := c.evaluate(ctx, req)
	decision.CheckedAt = c.now()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		observability.AttrAllowed.Bool(decision.Allowed),
		observability.AttrCached.Bool(decision.Cached),
		observability.AttrSource.String(string(decision.Source)),
	)
	c.metrics.RecordPermissionCheck(req.Permission, decision.Allowed, string(decision.Source), decision.Cached, decision.CheckedAt.Sub(start))

	return decision, err
}

func (c *PermissionChecker) evaluate(ctx context.Context, req Request) (Decision, error) {
	if req.UserID == "" {
		return denied(ReasonUnauthenticated), ErrUnauthenticated
	}
	if req.OrganizationID == "" {
		return denied(ReasonCheckFailed), ErrOrganizationRequired
	}

	key := cache.Key{
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		PermissionSlug: req.Permission,
		ResourceKey:    req.Resource.Key(),
	}

	entry, hit, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.WithError(err).WithField("cache", c.cache.Name()).Warn("Decision cache read failed")
	}
	c.metrics.RecordCacheLookup(c.cache.Name(), hit)
	if hit {
		return Decision{
			Allowed:      entry.Allowed,
			Reason:       Reason(entry.Reason),
			Source:       Source(entry.Source),
			MatchedRoles: entry.MatchedRoles,
			Cached:       true,
		}, nil
	}

	// The stamp must be taken before any data is read so that a concurrent
	// invalidation makes this result unservable.
	stamp, err := c.cache.Stamp(ctx, req.UserID)
	cacheable := err == nil
	if err != nil {
		c.logger.WithError(err).WithField("cache", c.cache.Name()).Warn("Decision cache stamp failed, not caching")
	}

	flightKey := fmt.Sprintf("%s#%d.%d", key.String(), stamp.Global, stamp.User)
	if !cacheable {
		flightKey += "#nocache"
	}

	// The flight is shared by every caller waiting on the key, so it must not
	// inherit the first caller's cancellation.
	flight := c.flights.DoChan(flightKey, func() (interface{}, error) {
		fctx := context.WithoutCancel(ctx)
		now := c.now()
		decision, horizon, err := c.compute(fctx, req, now)
		if err != nil || !cacheable {
			return decision, err
		}
		ttl := c.ttl
		if !horizon.IsZero() && horizon.Sub(now) < ttl {
			ttl = horizon.Sub(now)
		}
		if ttl <= 0 {
			return decision, nil
		}
		putErr := c.cache.Put(fctx, key, cache.Entry{
			Allowed:      decision.Allowed,
			Reason:       string(decision.Reason),
			Source:       string(decision.Source),
			MatchedRoles: decision.MatchedRoles,
			Stamp:        stamp,
		}, ttl)
		if putErr != nil {
			c.logger.WithError(putErr).WithField("cache", c.cache.Name()).Warn("Decision cache write failed")
		}
		return decision, nil
	})

	select {
	case res := <-flight:
		return res.Val.(Decision), res.Err
	case <-ctx.Done():
		return c.fail("await evaluation", req, ctx.Err())
	}
}

// compute runs the precedence order against fresh data. The returned horizon is
// the next instant at which a validity window or expiry in the loaded data flips,
// or zero when nothing is time-bounded; a cached result must not outlive it.
func (c *PermissionChecker) compute(ctx context.Context, req Request, now time.Time) (Decision, time.Time, error) {
	var (
		permissionFound bool
		overrides       []PermissionOverride
		assigned        []AssignedRole
		grants          []ResourcePermission
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := c.ds.GetPermissionBySlug(gctx, req.Permission)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return storeError("lookup permission", err)
		}
		permissionFound = true
		return nil
	})
	g.Go(func() error {
		var err error
		overrides, err = c.ds.GetApprovedOverrides(gctx, req.UserID, req.Permission)
		return storeError("load overrides", err)
	})
	g.Go(func() error {
		var err error
		assigned, err = c.ds.GetRolesForUser(gctx, req.UserID, req.OrganizationID)
		return storeError("load role assignments", err)
	})
	g.Go(func() error {
		var err error
		grants, err = c.ds.GetResourcePermissions(gctx, req.Permission)
		return storeError("load resource permissions", err)
	})
	if err := g.Wait(); err != nil {
		d, err := c.fail("load", req, err)
		return d, time.Time{}, err
	}

	if !permissionFound {
		cfgErr := &ConfigurationError{Kind: "permission", Slug: req.Permission}
		c.logger.ForTenant(req.UserID, req.OrganizationID).WithField("permission", req.Permission).
			Error("Permission slug is not in the catalog, denying")
		c.metrics.RecordCheckError("configuration")
		return denied(ReasonUnknownPermission), time.Time{}, cfgErr
	}

	horizon := nextTransition(now, assigned, grants, overrides)

	// Outside their organizations users get deny overrides and public grants only
	if !hasActiveAssignment(assigned, req.OrganizationID, now) {
		if d, ok := applyOverrides(overrides, req, now, false); ok {
			return d, horizon, nil
		}
		if d, ok := applyResourceGrants(grants, req, nil, now, false); ok {
			return d, horizon, nil
		}
		return denied(ReasonNotMember), horizon, nil
	}

	if d, ok := applyOverrides(overrides, req, now, true); ok {
		return d, horizon, nil
	}

	roles, err := expandRoles(ctx, c.ds, activeRoles(assigned, req, now))
	if err != nil {
		d, err := c.fail("expand role hierarchy", req, storeError("load child roles", err))
		return d, time.Time{}, err
	}

	if d, ok := applyResourceGrants(grants, req, roles, now, true); ok {
		return d, horizon, nil
	}

	matched, err := c.matchRoleBindings(ctx, roles, req.Permission)
	if err != nil {
		d, err := c.fail("load role bindings", req, err)
		return d, time.Time{}, err
	}
	if len(matched) > 0 {
		return Decision{Allowed: true, Reason: ReasonRoleBinding, Source: SourceRole, MatchedRoles: matched}, horizon, nil
	}

	return denied(ReasonNoMatchingGrant), horizon, nil
}

// nextTransition returns the earliest instant after now at which any loaded
// assignment, grant or override changes state
func nextTransition(now time.Time, assigned []AssignedRole, grants []ResourcePermission, overrides []PermissionOverride) time.Time {
	var next time.Time
	consider := func(t *time.Time) {
		if t == nil || !t.After(now) {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = *t
		}
	}
	for _, ar := range assigned {
		from := ar.Assignment.ValidFrom
		consider(&from)
		consider(ar.Assignment.ValidUntil)
	}
	for _, g := range grants {
		consider(g.ExpiresAt)
	}
	for _, o := range overrides {
		consider(o.ExpiresAt)
	}
	return next
}

func (c *PermissionChecker) fail(op string, req Request, err error) (Decision, error) {
	kind := "store"
	if errors.Is(err, context.Canceled) {
		kind = "canceled"
	}
	c.logger.ForTenant(req.UserID, req.OrganizationID).WithError(err).WithFields(map[string]interface{}{
		"permission": req.Permission,
		"op":         op,
	}).Warn("Permission check failed, denying")
	c.metrics.RecordCheckError(kind)
	return denied(ReasonCheckFailed), &PermissionCheckError{
		Op:         op,
		UserID:     req.UserID,
		Permission: req.Permission,
		Err:        err,
	}
}

// applyOverrides handles precedence steps 1 and 2. Grant and elevate
// overrides are skipped unless allowGrants is set.
func applyOverrides(overrides []PermissionOverride, req Request, now time.Time, allowGrants bool) (Decision, bool) {
	var grant *PermissionOverride
	for i := range overrides {
		o := overrides[i]
		if o.UserID != req.UserID || o.OrganizationID != req.OrganizationID {
			continue
		}
		if !o.IsEffectiveAt(now) || !matchesBinding(o.ResourceType, o.ResourceID, req.Resource) {
			continue
		}
		switch o.OverrideType {
		case OverrideDeny:
			return Decision{Allowed: false, Reason: ReasonDenyOverride, Source: SourceOverride}, true
		case OverrideGrant, OverrideElevate:
			if grant == nil && allowGrants {
				grant = &overrides[i]
			}
		}
	}
	if grant == nil {
		return Decision{}, false
	}
	reason := ReasonGrantOverride
	if grant.OverrideType == OverrideElevate {
		reason = ReasonElevateOverride
	}
	return Decision{Allowed: true, Reason: reason, Source: SourceOverride}, true
}

// hasActiveAssignment reports whether any assignment places the user in the
// organization at now, whatever its resource scope
func hasActiveAssignment(assigned []AssignedRole, organizationID string, now time.Time) bool {
	for _, ar := range assigned {
		if ar.Assignment.OrganizationID == organizationID && ar.Assignment.IsActiveAt(now) {
			return true
		}
	}
	return false
}

// activeRoles keeps roles from assignments that are in this organization, inside their
// validity window, and scoped to cover the requested resource
func activeRoles(assigned []AssignedRole, req Request, now time.Time) []Role {
	roles := make([]Role, 0, len(assigned))
	for _, ar := range assigned {
		a := ar.Assignment
		if a.OrganizationID != req.OrganizationID || !a.IsActiveAt(now) || !a.AppliesTo(req.Resource) {
			continue
		}
		roles = append(roles, ar.Role)
	}
	return roles
}

// applyResourceGrants handles precedence step 3. Any matching grant is sufficient.
// Non-members only match public grants.
func applyResourceGrants(grants []ResourcePermission, req Request, roles []Role, now time.Time, member bool) (Decision, bool) {
	allow := Decision{Allowed: true, Reason: ReasonResourceGrant, Source: SourceResourceGrant}
	for _, g := range grants {
		if g.IsExpiredAt(now) || !g.AppliesIn(req.OrganizationID) || !matchesBinding(g.ResourceType, g.ResourceID, req.Resource) {
			continue
		}
		if g.ScopeType == ScopePublic {
			return allow, true
		}
		if !member {
			continue
		}
		switch g.ScopeType {
		case ScopeUser:
			if g.ScopeID == req.UserID {
				return allow, true
			}
		case ScopeOrganization:
			if g.ScopeID == req.OrganizationID {
				return allow, true
			}
		case ScopeRole:
			for _, r := range roles {
				if g.ScopeID == r.ID || g.ScopeID == r.Slug {
					allow.MatchedRoles = []string{r.Slug}
					return allow, true
				}
			}
		}
	}
	return Decision{}, false
}

// matchRoleBindings returns the slugs of roles bound to permission, in role order
func (c *PermissionChecker) matchRoleBindings(ctx context.Context, roles []Role, permission string) ([]string, error) {
	hits := make([]bool, len(roles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bindingLookupLimit)
	for i, role := range roles {
		g.Go(func() error {
			perms, err := c.ds.GetRolePermissions(gctx, role.ID)
			if err != nil {
				return storeError("load role permissions", err)
			}
			for _, p := range perms {
				if p.Slug == permission {
					hits[i] = true
					break
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var matched []string
	for i, hit := range hits {
		if hit {
			matched = append(matched, roles[i].Slug)
		}
	}
	return matched, nil
}

// HasAny reports whether any permission is allowed. It stops at the first allow or error.
func (c *PermissionChecker) HasAny(ctx context.Context, userID, organizationID string, permissions []string, resource *ResourceRef) (bool, error) {
	for _, p := range permissions {
		d, err := c.Evaluate(ctx, Request{UserID: userID, OrganizationID: organizationID, Permission: p, Resource: resource})
		if err != nil {
			return false, err
		}
		if d.Allowed {
			return true, nil
		}
	}
	return false, nil
}

// HasAll reports whether every permission is allowed. It stops at the first deny or error.
// An empty list is not allowed.
func (c *PermissionChecker) HasAll(ctx context.Context, userID, organizationID string, permissions []string, resource *ResourceRef) (bool, error) {
	if len(permissions) == 0 {
		return false, nil
	}
	for _, p := range permissions {
		d, err := c.Evaluate(ctx, Request{UserID: userID, OrganizationID: organizationID, Permission: p, Resource: resource})
		if err != nil {
			return false, err
		}
		if !d.Allowed {
			return false, nil
		}
	}
	return true, nil
}

// EffectivePermissions evaluates every candidate slug at organization level and returns the allowed ones
func (c *PermissionChecker) EffectivePermissions(ctx context.Context, userID, organizationID string, candidates []string) ([]string, error) {
	allowed := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bindingLookupLimit)
	for i, slug := range candidates {
		g.Go(func() error {
			d, err := c.Evaluate(gctx, Request{UserID: userID, OrganizationID: organizationID, Permission: slug})
			if err != nil && !IsConfigurationError(err) {
				return err
			}
			allowed[i] = d.Allowed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(candidates))
	for i, ok := range allowed {
		if ok {
			out = append(out, candidates[i])
		}
	}
	return out, nil
}

// IsMember reports whether the user has any active assignment in the organization
func (c *PermissionChecker) IsMember(ctx context.Context, userID, organizationID string) (bool, error) {
	if userID == "" {
		return false, ErrUnauthenticated
	}
	if organizationID == "" {
		return false, ErrOrganizationRequired
	}
	assigned, err := c.ds.GetRolesForUser(ctx, userID, organizationID)
	if err != nil {
		return false, &PermissionCheckError{Op: "membership", UserID: userID, Err: storeError("load role assignments", err)}
	}
	return hasActiveAssignment(assigned, organizationID, c.now()), nil
}

// Invalidate drops cached decisions for the selector
func (c *PermissionChecker) Invalidate(ctx context.Context, sel cache.Selector) error {
	scope := "user"
	if sel.IsAll() {
		scope = "all"
	}
	if err := c.cache.Invalidate(ctx, sel); err != nil {
		return fmt.Errorf("failed to invalidate decision cache: %w", err)
	}
	c.metrics.RecordCacheInvalidation(scope)
	return nil
}

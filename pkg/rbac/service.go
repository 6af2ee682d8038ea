package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/rbac/cache"
)

// Actor is the authenticated principal performing an administrative operation
type Actor struct {
	UserID         string
	OrganizationID string
}

// ServiceConfig configures a Service
type ServiceConfig struct {
	Audit   audit.Logger
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Clock   func() time.Time
}

// Service is the write path of the permission system. Every mutation is
// authorized through the checker, committed through the store, followed by
// a cache invalidation and then audited.
type Service struct {
	store   *Store
	checker Checker
	audit   audit.Logger
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a Service
func NewService(store *Store, checker Checker, cfg ServiceConfig) *Service {
	if cfg.Audit == nil {
		cfg.Audit = audit.NoOpLogger()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		store:   store,
		checker: checker,
		audit:   cfg.Audit,
		logger:  cfg.Logger.WithField("component", "rbac.service"),
		metrics: cfg.Metrics,
		now:     cfg.Clock,
	}
}

// Store returns the underlying store
func (s *Service) Store() *Store {
	return s.store
}

// Checker returns the checker used for authorization
func (s *Service) Checker() Checker {
	return s.checker
}

func (s *Service) authorize(ctx context.Context, actor Actor, permission string) error {
	decision, err := s.checker.Evaluate(ctx, Request{
		UserID:         actor.UserID,
		OrganizationID: actor.OrganizationID,
		Permission:     permission,
	})
	if err != nil {
		return err
	}
	if !decision.Allowed {
		if logErr := audit.LogDenied(ctx, s.audit, actor.UserID, permission, string(decision.Reason)); logErr != nil {
			s.logger.ForTenant(actor.UserID, actor.OrganizationID).WithError(logErr).Warn("Failed to write audit event")
		}
		return fmt.Errorf("%w: %s", ErrForbidden, permission)
	}
	return nil
}

// authorizePlatform authorizes a change that affects every organization
func (s *Service) authorizePlatform(ctx context.Context, actor Actor) error {
	return s.authorize(ctx, actor, PermManagePlatform)
}

// requireHeld rejects handing out a permission the actor does not hold itself
func (s *Service) requireHeld(ctx context.Context, actor Actor, slug string) error {
	decision, err := s.checker.Evaluate(ctx, Request{
		UserID:         actor.UserID,
		OrganizationID: actor.OrganizationID,
		Permission:     slug,
	})
	if IsConfigurationError(err) {
		return fmt.Errorf("permission %s: %w", slug, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: %s is not held by %s", ErrInsufficientLevel, slug, actor.UserID)
	}
	return nil
}

// requireSeniorTo rejects changes to roles at or above the actor's level
func (s *Service) requireSeniorTo(ctx context.Context, actor Actor, roleIDs ...string) error {
	level, err := s.actorLevel(ctx, actor)
	if err != nil {
		return err
	}
	for _, id := range roleIDs {
		role, err := s.store.GetRole(ctx, id)
		if err != nil {
			return err
		}
		if !CanAssignRole(level, role.Level) {
			return fmt.Errorf("%w: level %d cannot change %s (%d)", ErrInsufficientLevel, level, role.Slug, role.Level)
		}
	}
	return nil
}

// requireMember rejects users without an active assignment in the actor's organization
func (s *Service) requireMember(ctx context.Context, actor Actor, userID string) error {
	member, err := s.checker.IsMember(ctx, userID, actor.OrganizationID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: %s is not a member of %s", ErrForbidden, userID, actor.OrganizationID)
	}
	return nil
}

// actorLevel is the highest level among the actor's active organization-wide roles
func (s *Service) actorLevel(ctx context.Context, actor Actor) (int, error) {
	assigned, err := s.store.GetRolesForUser(ctx, actor.UserID, actor.OrganizationID)
	if err != nil {
		return LevelGuest, storeError("load actor roles", err)
	}
	roles := activeRoles(assigned, Request{UserID: actor.UserID, OrganizationID: actor.OrganizationID}, s.now())
	return EffectiveLevel(roles), nil
}

func (s *Service) invalidate(ctx context.Context, sel cache.Selector) error {
	if err := s.checker.Invalidate(ctx, sel); err != nil {
		s.logger.WithError(err).WithField("user_id", sel.UserID).Error("Decision cache invalidation failed after commit")
		return fmt.Errorf("change committed but %w: %w", ErrCacheInvalidation, err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, actor Actor, event *audit.AuditEvent) {
	event.ActorID = actor.UserID
	if event.OrganizationID == "" {
		event.OrganizationID = actor.OrganizationID
	}
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.ForTenant(actor.UserID, event.OrganizationID).WithError(err).
			WithField("event_type", string(event.EventType)).Warn("Failed to write audit event")
	}
}

// AssignRole grants a role to a user in the actor's organization. The actor's
// level must be strictly above the role's level.
func (s *Service) AssignRole(ctx context.Context, actor Actor, a *UserRoleAssignment) error {
	if a.OrganizationID == "" {
		a.OrganizationID = actor.OrganizationID
	}
	if a.OrganizationID != actor.OrganizationID {
		return fmt.Errorf("%w: cannot assign roles in another organization", ErrForbidden)
	}
	if err := s.authorize(ctx, actor, PermManageRoles); err != nil {
		return err
	}

	role, err := s.store.GetRole(ctx, a.RoleID)
	if err != nil {
		return err
	}
	level, err := s.actorLevel(ctx, actor)
	if err != nil {
		return err
	}
	if !CanAssignRole(level, role.Level) {
		return fmt.Errorf("%w: level %d cannot assign %s (%d)", ErrInsufficientLevel, level, role.Slug, role.Level)
	}

	a.GrantedBy = actor.UserID
	if err := s.store.AssignRole(ctx, a); err != nil {
		return err
	}
	invalidateErr := s.invalidate(ctx, cache.ForUser(a.UserID))

	event := audit.NewEvent(ctx, audit.EventTypeRoleAssign, audit.EventStatusSuccess)
	event.TargetUserID = a.UserID
	event.ResourceType = audit.ResourceTypeAssignment
	event.ResourceID = a.ID
	event.Message = "Assigned role " + role.Slug
	event.Metadata["role"] = role.Slug
	if a.ScopeType != "" {
		event.Metadata["scope"] = a.ScopeType + ":" + a.ScopeID
	}
	if a.ValidUntil != nil {
		event.Metadata["valid_until"] = a.ValidUntil.UTC()
	}
	s.record(ctx, actor, event)

	return invalidateErr
}

// RevokeRole deletes an assignment. The same level rule as AssignRole applies.
func (s *Service) RevokeRole(ctx context.Context, actor Actor, assignmentID string) error {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if a.OrganizationID != actor.OrganizationID {
		return fmt.Errorf("assignment %s: %w", assignmentID, ErrNotFound)
	}
	if err := s.authorize(ctx, actor, PermManageRoles); err != nil {
		return err
	}

	role, err := s.store.GetRole(ctx, a.RoleID)
	if err != nil {
		return err
	}
	level, err := s.actorLevel(ctx, actor)
	if err != nil {
		return err
	}
	if !CanAssignRole(level, role.Level) {
		return fmt.Errorf("%w: level %d cannot revoke %s (%d)", ErrInsufficientLevel, level, role.Slug, role.Level)
	}

	if _, err := s.store.RevokeAssignment(ctx, assignmentID); err != nil {
		return err
	}
	invalidateErr := s.invalidate(ctx, cache.ForUser(a.UserID))

	event := audit.NewEvent(ctx, audit.EventTypeRoleRevoke, audit.EventStatusSuccess)
	event.TargetUserID = a.UserID
	event.ResourceType = audit.ResourceTypeAssignment
	event.ResourceID = a.ID
	event.Message = "Revoked role " + role.Slug
	event.Metadata["role"] = role.Slug
	s.record(ctx, actor, event)

	return invalidateErr
}

// BindPermissions adds permissions to a role and returns how many were new.
// Roles are shared by every organization, so this is a platform change. The
// role must be junior to the actor and the actor must hold every permission.
func (s *Service) BindPermissions(ctx context.Context, actor Actor, roleID string, slugs []string) (int, error) {
	if err := s.authorize(ctx, actor, PermManagePermissions); err != nil {
		return 0, err
	}
	if err := s.authorizePlatform(ctx, actor); err != nil {
		return 0, err
	}
	if err := s.requireSeniorTo(ctx, actor, roleID); err != nil {
		return 0, err
	}
	for _, slug := range slugs {
		if err := s.requireHeld(ctx, actor, slug); err != nil {
			return 0, err
		}
	}
	added, err := s.store.BindPermissions(ctx, roleID, slugs)
	if err != nil {
		return 0, err
	}
	invalidateErr := s.invalidate(ctx, cache.All())

	event := audit.NewEvent(ctx, audit.EventTypePermissionBind, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeRole
	event.ResourceID = roleID
	event.Message = fmt.Sprintf("Bound %d new permissions", added)
	event.Changes = &audit.ChangeDetails{After: map[string]interface{}{"permissions": slugs}}
	s.record(ctx, actor, event)

	return added, invalidateErr
}

// UnbindPermission removes a permission from a role
func (s *Service) UnbindPermission(ctx context.Context, actor Actor, roleID, slug string) error {
	if err := s.authorize(ctx, actor, PermManagePermissions); err != nil {
		return err
	}
	if err := s.authorizePlatform(ctx, actor); err != nil {
		return err
	}
	if err := s.requireSeniorTo(ctx, actor, roleID); err != nil {
		return err
	}
	if err := s.store.UnbindPermission(ctx, roleID, slug); err != nil {
		return err
	}
	invalidateErr := s.invalidate(ctx, cache.All())

	event := audit.NewEvent(ctx, audit.EventTypePermissionUnbind, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeRole
	event.ResourceID = roleID
	event.Permission = slug
	s.record(ctx, actor, event)

	return invalidateErr
}

// GrantResourcePermission creates a resource-level grant. User, role and
// organization grants are bound to the actor's organization; public grants
// reach every organization and need the platform permission.
func (s *Service) GrantResourcePermission(ctx context.Context, actor Actor, g *ResourcePermission) error {
	if err := s.authorize(ctx, actor, PermManagePermissions); err != nil {
		return err
	}
	switch g.ScopeType {
	case ScopePublic:
		if err := s.authorizePlatform(ctx, actor); err != nil {
			return err
		}
	case ScopeOrganization:
		if g.ScopeID != actor.OrganizationID {
			return fmt.Errorf("%w: cannot grant to another organization", ErrForbidden)
		}
		g.OrganizationID = actor.OrganizationID
	case ScopeUser:
		if err := s.requireMember(ctx, actor, g.ScopeID); err != nil {
			return err
		}
		g.OrganizationID = actor.OrganizationID
	case ScopeRole:
		g.OrganizationID = actor.OrganizationID
	}
	if err := s.requireHeld(ctx, actor, g.PermissionSlug); err != nil {
		return err
	}
	g.GrantedBy = actor.UserID
	if err := s.store.CreateResourcePermission(ctx, g); err != nil {
		return err
	}
	invalidateErr := s.invalidate(ctx, cache.All())

	event := audit.NewEvent(ctx, audit.EventTypeResourceGrant, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeResourcePermission
	event.ResourceID = g.ID
	event.Permission = g.PermissionSlug
	event.Metadata["scope"] = string(g.ScopeType) + ":" + g.ScopeID
	if g.ResourceType != "" {
		event.Metadata["resource"] = g.ResourceType + ":" + g.ResourceID
	}
	if g.ScopeType == ScopeUser {
		event.TargetUserID = g.ScopeID
	}
	s.record(ctx, actor, event)

	return invalidateErr
}

// RevokeResourcePermission deletes a resource-level grant
func (s *Service) RevokeResourcePermission(ctx context.Context, actor Actor, id string) error {
	existing, err := s.store.GetResourcePermission(ctx, id)
	if err != nil {
		return err
	}
	if existing.OrganizationID != "" && existing.OrganizationID != actor.OrganizationID {
		return fmt.Errorf("resource permission %s: %w", id, ErrNotFound)
	}
	if err := s.authorize(ctx, actor, PermManagePermissions); err != nil {
		return err
	}
	if existing.OrganizationID == "" {
		if err := s.authorizePlatform(ctx, actor); err != nil {
			return err
		}
	}
	g, err := s.store.DeleteResourcePermission(ctx, id)
	if err != nil {
		return err
	}
	invalidateErr := s.invalidate(ctx, cache.All())

	event := audit.NewEvent(ctx, audit.EventTypeResourceGrantRevoke, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeResourcePermission
	event.ResourceID = g.ID
	event.Permission = g.PermissionSlug
	s.record(ctx, actor, event)

	return invalidateErr
}

// RequestOverride files a pending override for a member of the actor's
// organization. Pending overrides never affect evaluation, so nothing is invalidated.
func (s *Service) RequestOverride(ctx context.Context, actor Actor, o *PermissionOverride) error {
	if o.OrganizationID == "" {
		o.OrganizationID = actor.OrganizationID
	}
	if o.OrganizationID != actor.OrganizationID {
		return fmt.Errorf("%w: cannot request overrides in another organization", ErrForbidden)
	}
	if err := s.authorize(ctx, actor, PermManagePermissionOverrides); err != nil {
		return err
	}
	if err := s.requireMember(ctx, actor, o.UserID); err != nil {
		return err
	}
	o.RequestedBy = actor.UserID
	if err := s.store.CreateOverride(ctx, o); err != nil {
		return err
	}

	event := audit.NewEvent(ctx, audit.EventTypeOverrideRequest, audit.EventStatusSuccess)
	event.TargetUserID = o.UserID
	event.ResourceType = audit.ResourceTypeOverride
	event.ResourceID = o.ID
	event.Permission = o.PermissionSlug
	event.Message = o.Reason
	event.Metadata["override_type"] = string(o.OverrideType)
	s.record(ctx, actor, event)
	return nil
}

// ApproveOverride approves a pending override
func (s *Service) ApproveOverride(ctx context.Context, actor Actor, id string) (*PermissionOverride, error) {
	return s.decideOverride(ctx, actor, id, EventApprove)
}

// RejectOverride rejects a pending override
func (s *Service) RejectOverride(ctx context.Context, actor Actor, id string) (*PermissionOverride, error) {
	return s.decideOverride(ctx, actor, id, EventReject)
}

func (s *Service) decideOverride(ctx context.Context, actor Actor, id string, evt OverrideEvent) (*PermissionOverride, error) {
	if err := s.authorize(ctx, actor, PermApprovePermissionOverride); err != nil {
		return nil, err
	}
	o, err := s.store.GetOverride(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.OrganizationID != actor.OrganizationID {
		return nil, fmt.Errorf("override %s: %w", id, ErrNotFound)
	}
	level, err := s.actorLevel(ctx, actor)
	if err != nil {
		return nil, err
	}

	if err := ApplyOverrideEvent(o, evt, Approver{UserID: actor.UserID, Level: level}, s.now()); err != nil {
		s.metrics.RecordOverrideTransition(string(evt), false)
		return nil, err
	}
	if err := s.store.UpdateOverrideStatus(ctx, o); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.metrics.RecordOverrideTransition(string(evt), false)
		}
		return nil, err
	}
	s.metrics.RecordOverrideTransition(string(evt), true)

	var invalidateErr error
	if o.ApprovalStatus == StatusApproved {
		invalidateErr = s.invalidate(ctx, cache.ForUser(o.UserID))
	}

	eventType := audit.EventTypeOverrideApprove
	if evt == EventReject {
		eventType = audit.EventTypeOverrideReject
	}
	event := audit.NewEvent(ctx, eventType, audit.EventStatusSuccess)
	event.TargetUserID = o.UserID
	event.ResourceType = audit.ResourceTypeOverride
	event.ResourceID = o.ID
	event.Permission = o.PermissionSlug
	event.Changes = &audit.ChangeDetails{
		Before: map[string]interface{}{"approval_status": string(StatusPending)},
		After:  map[string]interface{}{"approval_status": string(o.ApprovalStatus)},
	}
	s.record(ctx, actor, event)

	return o, invalidateErr
}

// CreatePermission adds a custom permission to the shared catalog
func (s *Service) CreatePermission(ctx context.Context, actor Actor, p *Permission) error {
	if err := s.authorize(ctx, actor, PermManagePermissions); err != nil {
		return err
	}
	if err := s.authorizePlatform(ctx, actor); err != nil {
		return err
	}
	p.IsSystem = false
	if err := s.store.CreatePermission(ctx, p); err != nil {
		return err
	}
	invalidateErr := s.invalidate(ctx, cache.All())

	event := audit.NewEvent(ctx, audit.EventTypePermissionCreate, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypePermission
	event.ResourceID = p.ID
	event.Permission = p.Slug
	s.record(ctx, actor, event)

	return invalidateErr
}

// AddRoleInheritance makes parent inherit child's permissions
func (s *Service) AddRoleInheritance(ctx context.Context, actor Actor, parentRoleID, childRoleID string) error {
	return s.changeHierarchy(ctx, actor, parentRoleID, childRoleID, true)
}

// RemoveRoleInheritance deletes an inheritance edge
func (s *Service) RemoveRoleInheritance(ctx context.Context, actor Actor, parentRoleID, childRoleID string) error {
	return s.changeHierarchy(ctx, actor, parentRoleID, childRoleID, false)
}

func (s *Service) changeHierarchy(ctx context.Context, actor Actor, parentRoleID, childRoleID string, add bool) error {
	if err := s.authorize(ctx, actor, PermManageRoles); err != nil {
		return err
	}
	if err := s.authorizePlatform(ctx, actor); err != nil {
		return err
	}
	if err := s.requireSeniorTo(ctx, actor, parentRoleID, childRoleID); err != nil {
		return err
	}
	var err error
	if add {
		err = s.store.AddRoleInheritance(ctx, parentRoleID, childRoleID)
	} else {
		err = s.store.RemoveRoleInheritance(ctx, parentRoleID, childRoleID)
	}
	if err != nil {
		return err
	}
	invalidateErr := s.invalidate(ctx, cache.All())

	event := audit.NewEvent(ctx, audit.EventTypeHierarchyChange, audit.EventStatusSuccess)
	event.ResourceType = audit.ResourceTypeHierarchy
	event.ResourceID = parentRoleID + ">" + childRoleID
	event.Metadata["added"] = add
	s.record(ctx, actor, event)

	return invalidateErr
}

// EffectivePermissions returns every catalog slug the user holds in the organization
func (s *Service) EffectivePermissions(ctx context.Context, userID, organizationID string) ([]string, error) {
	perms, err := s.store.ListPermissions(ctx, PermissionFilter{})
	if err != nil {
		return nil, storeError("list permissions", err)
	}
	slugs := make([]string, len(perms))
	for i, p := range perms {
		slugs[i] = p.Slug
	}
	return s.checker.EffectivePermissions(ctx, userID, organizationID, slugs)
}

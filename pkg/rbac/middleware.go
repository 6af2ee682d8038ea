package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// PermissionMiddleware provides middleware for permission checking
type PermissionMiddleware struct {
	checker Checker
	audit   audit.Logger
	logger  *observability.Logger
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(checker Checker, auditLogger audit.Logger, logger *observability.Logger) *PermissionMiddleware {
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &PermissionMiddleware{
		checker: checker,
		audit:   auditLogger,
		logger:  logger.WithField("component", "rbac.middleware"),
	}
}

// RequirePermission creates middleware that requires a specific permission
// at organization level
func (pm *PermissionMiddleware) RequirePermission(slug string) func(http.Handler) http.Handler {
	return pm.guard(func(ctx context.Context, actor Actor, _ *http.Request) (bool, string, error) {
		d, err := pm.checker.Evaluate(ctx, Request{UserID: actor.UserID, OrganizationID: actor.OrganizationID, Permission: slug})
		return d.Allowed, string(d.Reason), err
	}, slug)
}

// RequireResourcePermission checks slug against the resource whose id is the
// named mux route variable
func (pm *PermissionMiddleware) RequireResourcePermission(slug, resourceType, idVar string) func(http.Handler) http.Handler {
	return pm.guard(func(ctx context.Context, actor Actor, r *http.Request) (bool, string, error) {
		id := mux.Vars(r)[idVar]
		if id == "" {
			return false, "", fmt.Errorf("%w: missing %s", ErrInvalidInput, idVar)
		}
		d, err := pm.checker.Evaluate(ctx, Request{
			UserID:         actor.UserID,
			OrganizationID: actor.OrganizationID,
			Permission:     slug,
			Resource:       &ResourceRef{Type: resourceType, ID: id},
		})
		return d.Allowed, string(d.Reason), err
	}, slug)
}

// RequireAnyPermission creates middleware that requires any of the specified permissions
func (pm *PermissionMiddleware) RequireAnyPermission(slugs ...string) func(http.Handler) http.Handler {
	return pm.guard(func(ctx context.Context, actor Actor, _ *http.Request) (bool, string, error) {
		ok, err := pm.checker.HasAny(ctx, actor.UserID, actor.OrganizationID, slugs, nil)
		return ok, string(ReasonNoMatchingGrant), err
	}, slugs...)
}

// RequireAllPermissions creates middleware that requires all of the specified permissions
func (pm *PermissionMiddleware) RequireAllPermissions(slugs ...string) func(http.Handler) http.Handler {
	return pm.guard(func(ctx context.Context, actor Actor, _ *http.Request) (bool, string, error) {
		ok, err := pm.checker.HasAll(ctx, actor.UserID, actor.OrganizationID, slugs, nil)
		return ok, string(ReasonNoMatchingGrant), err
	}, slugs...)
}

// RequireMembership rejects callers without an active assignment in their organization
func (pm *PermissionMiddleware) RequireMembership(next http.Handler) http.Handler {
	return pm.guard(func(context.Context, Actor, *http.Request) (bool, string, error) {
		return true, "", nil
	})(next)
}

type checkFunc func(ctx context.Context, actor Actor, r *http.Request) (allowed bool, reason string, err error)

// guard resolves the actor, confirms membership, then runs check. Every
// failure is non-permissive; only the status code differs.
func (pm *PermissionMiddleware) guard(check checkFunc, slugs ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := auth.IdentityFromContext(r.Context())
			if id == nil {
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}
			if !id.HasOrganization() {
				httputil.WriteBadRequest(w, "Organization context required")
				return
			}
			ctx := r.Context()
			actor := Actor{UserID: id.UserID, OrganizationID: id.OrganizationID}

			member, err := pm.checker.IsMember(ctx, actor.UserID, actor.OrganizationID)
			if err != nil {
				pm.writeCheckError(w, r, err)
				return
			}
			if !member {
				pm.deny(ctx, actor, "membership", "not_a_member")
				httputil.WriteForbidden(w, "Forbidden")
				return
			}

			allowed, reason, err := check(ctx, actor, r)
			if err != nil {
				pm.writeCheckError(w, r, err)
				return
			}
			if !allowed {
				for _, slug := range slugs {
					pm.deny(ctx, actor, slug, reason)
				}
				httputil.WriteForbidden(w, "Forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authorize evaluates a single organization-level permission for handlers
// that decide inline
func (pm *PermissionMiddleware) authorize(ctx context.Context, actor Actor, slug string) error {
	d, err := pm.checker.Evaluate(ctx, Request{UserID: actor.UserID, OrganizationID: actor.OrganizationID, Permission: slug})
	if err != nil {
		return err
	}
	if !d.Allowed {
		pm.deny(ctx, actor, slug, string(d.Reason))
		return fmt.Errorf("%w: %s", ErrForbidden, slug)
	}
	return nil
}

func (pm *PermissionMiddleware) deny(ctx context.Context, actor Actor, permission, reason string) {
	event := audit.NewEvent(ctx, audit.EventTypeAuthzAccessDenied, audit.EventStatusDenied)
	event.ActorID = actor.UserID
	event.OrganizationID = actor.OrganizationID
	event.Permission = permission
	event.Message = "Access denied: " + reason
	if err := pm.audit.Log(ctx, event); err != nil {
		pm.logger.WithError(err).Warn("Failed to write audit event")
	}
}

func (pm *PermissionMiddleware) writeCheckError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		httputil.WriteUnauthorized(w, "Authentication required")
	case errors.Is(err, ErrOrganizationRequired), errors.Is(err, ErrInvalidInput):
		httputil.WriteBadRequest(w, "Invalid request")
	case errors.Is(err, ErrStoreUnavailable):
		pm.logger.WithError(err).WithField("path", r.URL.Path).Error("Permission check could not be completed")
		httputil.WriteServiceUnavailable(w, "permission store unavailable")
	case IsConfigurationError(err):
		pm.logger.WithError(err).WithField("path", r.URL.Path).Error("Permission catalog is missing a guarded slug")
		httputil.WriteForbidden(w, "Forbidden")
	default:
		pm.logger.WithError(err).WithField("path", r.URL.Path).Error("Permission check failed")
		httputil.WriteForbidden(w, "Forbidden")
	}
}

package rbac

import (
	"context"
)

// DataSource is the read path the checker evaluates against.
// Implementations only fetch rows; all precedence logic lives in PermissionChecker.
type DataSource interface {
	// GetRolesForUser returns every assignment the user holds in the organization,
	// including ones outside their validity window.
	GetRolesForUser(ctx context.Context, userID, organizationID string) ([]AssignedRole, error)

	// GetRolePermissions returns the permissions bound directly to a role
	GetRolePermissions(ctx context.Context, roleID string) ([]Permission, error)

	// GetResourcePermissions returns every resource-level grant of a permission
	GetResourcePermissions(ctx context.Context, permissionSlug string) ([]ResourcePermission, error)

	// GetApprovedOverrides returns the user's approved overrides for a permission in
	// every organization. The checker keeps the ones for the requested organization.
	GetApprovedOverrides(ctx context.Context, userID, permissionSlug string) ([]PermissionOverride, error)

	// GetPermissionBySlug returns ErrNotFound when the slug is not in the catalog
	GetPermissionBySlug(ctx context.Context, slug string) (*Permission, error)

	// GetChildRoles returns the junior roles a role directly inherits from
	GetChildRoles(ctx context.Context, roleID string) ([]Role, error)
}

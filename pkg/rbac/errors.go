package rbac

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when no user identity is available.
	ErrUnauthenticated = errors.New("rbac: unauthenticated")

	// ErrOrganizationRequired is returned when a check has no organization context.
	ErrOrganizationRequired = errors.New("rbac: organization context required")

	// ErrStoreUnavailable marks failures of the data-access collaborator.
	ErrStoreUnavailable = errors.New("rbac: permission store unavailable")

	ErrNotFound          = errors.New("rbac: not found")
	ErrAlreadyExists     = errors.New("rbac: already exists")
	ErrInvalidTransition = errors.New("rbac: invalid override transition")
	ErrInsufficientLevel = errors.New("rbac: insufficient role level")
	ErrForbidden         = errors.New("rbac: forbidden")
	ErrPermissionInUse   = errors.New("rbac: permission is still referenced")
	ErrRoleInUse         = errors.New("rbac: role still has assignments")
	ErrSystemRole        = errors.New("rbac: system roles cannot be deleted")
	ErrSystemPermission  = errors.New("rbac: system permissions cannot be deleted")
	ErrInvalidInput      = errors.New("rbac: invalid input")

	// ErrCacheInvalidation is returned alongside a committed change whose
	// cached decisions could not be dropped. They expire with the TTL.
	ErrCacheInvalidation = errors.New("rbac: decision cache invalidation failed")
)

// PermissionCheckError reports that a decision could not be determined.
// The accompanying Decision is always a deny.
type PermissionCheckError struct {
	Op         string
	UserID     string
	Permission string
	Err        error
}

func (e *PermissionCheckError) Error() string {
	return fmt.Sprintf("permission check %s failed for user %s on %s: %v", e.Op, e.UserID, e.Permission, e.Err)
}

func (e *PermissionCheckError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports catalog drift, such as a slug that was never seeded
type ConfigurationError struct {
	Kind string
	Slug string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("rbac: unknown %s %q in catalog", e.Kind, e.Slug)
}

// IsConfigurationError reports whether err carries a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// storeError wraps a data-access failure so it matches ErrStoreUnavailable.
// A canceled caller is not a store outage and keeps its own identity.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

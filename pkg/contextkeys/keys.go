// Package contextkeys provides centralized context key definitions
//
// All context keys shared between packages are defined here so that every
// key has one documented producer and its consumers are discoverable.
//
//	ctx = context.WithValue(ctx, contextkeys.IdentityKey, identity)
//	identity, _ := ctx.Value(contextkeys.IdentityKey).(*auth.Identity)
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains *auth.Identity
	// Set by: middleware.IdentityMiddleware (pkg/middleware/identity.go)
	// Required by: rbac admin handlers, rbac permission middleware
	IdentityKey Key = "identity"

	// AuditLoggerKey contains audit.Logger
	// Set by: audit.WithLogger
	// Used by: code paths that record audit events without an injected logger
	AuditLoggerKey Key = "audit_logger"

	// RequestIDKey contains the request ID string
	// Set by: httputil.RequestIDMiddleware through observability.WithRequestID
	// Used by: request logs, audit events, error bodies
	RequestIDKey Key = "request_id"

	// UserIDKey and OrganizationIDKey contain the caller and tenant for logs
	// Set by: middleware.IdentityMiddleware through observability.WithTenant
	UserIDKey         Key = "user_id"
	OrganizationIDKey Key = "organization_id"
)

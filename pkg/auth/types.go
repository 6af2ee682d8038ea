package auth

import (
	"context"
	"errors"

	"github.com/platinummonkey/warden/pkg/contextkeys"
)

var (
	// ErrMissingIdentity is returned when a request carries no user identity
	ErrMissingIdentity = errors.New("auth: missing identity")

	// ErrUntrustedSource is returned when identity headers arrive without the proxy secret
	ErrUntrustedSource = errors.New("auth: identity asserted by untrusted source")
)

// Identity is the authenticated principal and the tenant the request acts in.
// Warden never authenticates users itself; identities are asserted upstream.
type Identity struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	// Service is set when the caller is an internal service rather than a user
	Service string `json:"service,omitempty"`
}

// HasOrganization reports whether the identity carries a tenant
func (i *Identity) HasOrganization() bool {
	return i != nil && i.OrganizationID != ""
}

// WithIdentity stores the identity in ctx
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextkeys.IdentityKey, id)
}

// IdentityFromContext returns the identity stored in ctx, or nil
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextkeys.IdentityKey).(*Identity)
	return id
}

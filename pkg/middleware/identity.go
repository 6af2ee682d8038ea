package middleware

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// IdentityResolver turns a request into the caller's identity
type IdentityResolver interface {
	Resolve(r *http.Request) (*auth.Identity, error)
}

// IdentityMiddleware resolves the caller and stores the identity in the
// request context. Unresolvable requests get a 401 unless optional is set,
// in which case they continue anonymously.
func IdentityMiddleware(resolver IdentityResolver, optional bool, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver.Resolve(r)
			if err != nil {
				if errors.Is(err, auth.ErrUntrustedSource) {
					logger.WithField("remote_addr", r.RemoteAddr).Warn("Rejected identity from untrusted source")
				}
				if optional && errors.Is(err, auth.ErrMissingIdentity) {
					next.ServeHTTP(w, r)
					return
				}
				httputil.WriteUnauthorized(w, "Authentication required")
				return
			}

			ctx := auth.WithIdentity(r.Context(), id)
			ctx = observability.WithTenant(ctx, id.UserID, id.OrganizationID)
			observability.AnnotateSpan(ctx, id.UserID, id.OrganizationID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity extracts the identity from the request, or nil
func GetIdentity(r *http.Request) *auth.Identity {
	return auth.IdentityFromContext(r.Context())
}

// RequireOrganization rejects requests whose identity carries no tenant
func RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetIdentity(r)
		if id == nil {
			httputil.WriteUnauthorized(w, "Authentication required")
			return
		}
		if !id.HasOrganization() {
			httputil.WriteBadRequest(w, "Organization context required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

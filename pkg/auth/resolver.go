package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Headers set by the trusted gateway in front of warden
const (
	HeaderUserID         = "X-User-ID"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderService        = "X-Service-Name"
	HeaderProxySecret    = "X-Proxy-Secret"
)

// HeaderResolver reads identities asserted by a trusted upstream proxy.
// When a shared secret is configured, requests must present it in
// HeaderProxySecret or they are rejected.
type HeaderResolver struct {
	secretHash [sha256.Size]byte
	hasSecret  bool
}

// NewHeaderResolver creates a resolver. An empty secret trusts every caller,
// which is only appropriate behind a network boundary.
func NewHeaderResolver(sharedSecret string) *HeaderResolver {
	r := &HeaderResolver{}
	if sharedSecret != "" {
		r.secretHash = sha256.Sum256([]byte(sharedSecret))
		r.hasSecret = true
	}
	return r
}

// Resolve extracts the identity from r. The organization may be absent.
func (hr *HeaderResolver) Resolve(r *http.Request) (*Identity, error) {
	if hr.hasSecret {
		// hash first so the comparison is constant time regardless of length
		presented := sha256.Sum256([]byte(r.Header.Get(HeaderProxySecret)))
		if subtle.ConstantTimeCompare(presented[:], hr.secretHash[:]) != 1 {
			return nil, ErrUntrustedSource
		}
	}

	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return nil, ErrMissingIdentity
	}
	if strings.ContainsAny(userID, " \t\r\n") {
		return nil, fmt.Errorf("%w: malformed user id", ErrMissingIdentity)
	}

	return &Identity{
		UserID:         userID,
		OrganizationID: strings.TrimSpace(r.Header.Get(HeaderOrganizationID)),
		Service:        strings.TrimSpace(r.Header.Get(HeaderService)),
	}, nil
}

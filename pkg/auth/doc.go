// Package auth carries caller identity through warden.
//
// Warden does not authenticate end users. A gateway in front of it does, and
// forwards the result as headers (X-User-ID, X-Organization-ID). HeaderResolver
// turns those headers into an Identity, optionally requiring a shared proxy
// secret so that only the gateway can assert identities:
//
//	resolver := auth.NewHeaderResolver(cfg.Auth.ProxySecret)
//	id, err := resolver.Resolve(r)
//
// The identity travels in the request context:
//
//	ctx = auth.WithIdentity(ctx, id)
//	id := auth.IdentityFromContext(ctx)
package auth

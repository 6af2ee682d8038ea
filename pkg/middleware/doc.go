// Package middleware provides HTTP middleware for identity resolution and rate limiting.
//
// # Identity
//
// Warden does not authenticate users. A trusted gateway asserts the caller in
// request headers and IdentityMiddleware turns them into an auth.Identity:
//
//	resolver := auth.NewHeaderResolver(cfg.Auth.ProxySecret)
//	router.Use(middleware.IdentityMiddleware(resolver, false, logger))
//
// Handlers read it back with GetIdentity. RequireOrganization rejects callers
// that did not name a tenant.
//
// # Rate Limiting
//
// Two Limiter implementations exist. RateLimiter keeps a token bucket per key
// in process; RedisRateLimiter keeps a fixed window counter in Redis so every
// replica shares the budget.
//
//	limiter := middleware.NewRedisRateLimiter(redisClient, nil, "")
//	router.Use(middleware.RateLimit(limiter, logger))
//
// Callers are keyed by service name, then user id, then client IP. When the
// limiter itself fails the request is allowed through.
//
// # Related Packages
//
//   - pkg/auth: Identity headers
//   - pkg/rbac: Permission checking
package middleware

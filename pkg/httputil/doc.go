// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Request Parsing
//
// JSON bodies are decoded strictly and validated with go-playground/validator
// struct tags:
//
//	var req assignRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // 400 already written
//	}
//
// Path and query parameters:
//
//	id, ok := httputil.ParsePathStringOrError(w, r, "id")
//	systemOnly, err := httputil.ParseQueryBool(r, "system_only", false)
//
// # Responses
//
// Errors are always JSON objects with an "error" field and, for validation
// failures, a "details" map keyed by field name.
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware(logger),
//		httputil.LoggingMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
package httputil

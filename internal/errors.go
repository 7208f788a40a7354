package gateway

import "errors"

// Sentinel errors for the gateway domain. Each maps to exactly one HTTP status
// and error code in the server's response translator.
var (
	ErrBadRequest          = errors.New("bad request")
	ErrCSRFMissing         = errors.New("csrf token missing")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstream            = errors.New("upstream error")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrBulkheadRejected    = errors.New("bulkhead rejected")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrCacheUnavailable    = errors.New("cache store unavailable")
	ErrIdentityUnavailable = errors.New("identity service unavailable")
	ErrSessionPersist      = errors.New("session persist failed")
)

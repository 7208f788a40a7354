// Package gateway defines domain types and interfaces for the Vanguard API
// gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// --- Session ---

// Session is the gateway's view of an authenticated client. It binds an opaque
// session id to the OAuth token pair issued by the identity provider.
type Session struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	AccessToken   string            `json:"access_token"`
	RefreshToken  string            `json:"refresh_token"`
	AccessExpiry  time.Time         `json:"access_expiry"`
	RefreshExpiry time.Time         `json:"refresh_expiry"`
	Subject       string            `json:"subject"` // IdP subject claim
	IssuedAt      time.Time         `json:"issued_at"`
	LastSeenAt    time.Time         `json:"last_seen_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the access token has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.AccessExpiry.IsZero() && now.After(s.AccessExpiry)
}

// NewSessionID returns an unguessable URL-safe session identifier
// (128 bits from crypto/rand, base64url without padding).
func NewSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; if it does,
		// refusing to mint a session id is the only safe move.
		panic("gateway: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// --- Policy ---

// PolicyEntry binds a route pattern to a required permission or a public flag.
type PolicyEntry struct {
	ID             string `json:"id"`
	Method         string `json:"method"`       // GET/POST/PUT/DELETE/PATCH or "*"
	PathPattern    string `json:"path_pattern"` // ant-style: "*" one segment, "**" many
	PermissionCode string `json:"permission_code"`
	Public         bool   `json:"public"`
	Priority       int    `json:"priority"`
	Version        int64  `json:"version"`
}

// --- Routing ---

// RouteDescriptor maps a path prefix to an upstream service.
type RouteDescriptor struct {
	ID          string `json:"id"`
	PathPrefix  string `json:"path_prefix"`
	Service     string `json:"service"`      // logical upstream name for discovery
	StripPrefix int    `json:"strip_prefix"` // leading path segments removed before forwarding
}

// Instance is a single healthy upstream endpoint resolved via discovery.
type Instance struct {
	Host   string
	Port   int
	Scheme string // "http" unless the instance terminates TLS itself
}

// --- Rate limiting ---

// Tier selects the rate-limit capacity class for a caller.
type Tier string

const (
	TierAnonymous     Tier = "ANONYMOUS"
	TierAuthenticated Tier = "AUTHENTICATED"
	TierPremium       Tier = "PREMIUM"
)

// --- Request headers and cookies ---

const (
	// SessionCookie carries the opaque session id.
	SessionCookie = "SESSION_ID"
	// SessionHeader is the non-browser fallback for the session cookie.
	SessionHeader = "X-Session-Id"
	// TraceHeader carries the request trace id on every response.
	TraceHeader = "X-Trace-Id"
	// PermHeader carries the granted permission code to the upstream.
	PermHeader = "X-AuthZ-Perm"
	// UserHeader carries the resolved user id to the upstream.
	UserHeader = "X-User-Id"
)

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Session and permission are set later by filters via mutation of the same
// pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	TraceID string
	Session *Session
	Perm    string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithTraceID returns a context carrying the given trace id.
func ContextWithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{TraceID: id})
}

// TraceIDFromContext extracts the trace id from ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.TraceID
	}
	return ""
}

// ContextWithSession stores the session in the existing requestMeta if present,
// avoiding a new allocation. Falls back to a fresh meta (e.g. in tests).
func ContextWithSession(ctx context.Context, s *Session) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Session = s
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Session: s})
}

// SessionFromContext extracts the authenticated session from ctx, or nil.
func SessionFromContext(ctx context.Context) *Session {
	if m := metaFromContext(ctx); m != nil {
		return m.Session
	}
	return nil
}

// ContextWithPermission records the granted permission code for the request.
func ContextWithPermission(ctx context.Context, code string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Perm = code
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Perm: code})
}

// PermissionFromContext extracts the granted permission code, or "".
func PermissionFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.Perm
	}
	return ""
}

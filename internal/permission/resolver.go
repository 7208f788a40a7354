// Package permission answers "does user U hold permission P?" through a
// two-tier cache filled from the identity service. Resolution fails closed:
// when the identity service cannot be reached, the answer is false and the
// failure is never cached.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gateway "github.com/openvanguard/vanguard/internal"
	"github.com/openvanguard/vanguard/internal/cache"
)

const (
	permKeyPrefix  = "perm:"
	rolesKeyPrefix = "roles:"
)

// IdentityClient is the RPC surface on the identity service. Implementations
// route through the upstream client so calls are covered by the breaker,
// retry, and bulkhead.
type IdentityClient interface {
	CheckPermission(ctx context.Context, userID, code string) (bool, error)
	Roles(ctx context.Context, userID string) ([]string, error)
}

// L2 is the cache-store surface the resolver consumes.
type L2 interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Resolver resolves permission grants with an L1 + L2 cache.
type Resolver struct {
	identity IdentityClient
	l1Perms  *cache.TTL[bool]
	l1Roles  *cache.TTL[[]string]
	l2       L2
	ttl      time.Duration
}

// Options configures the resolver.
type Options struct {
	Identity IdentityClient
	L2       L2
	L1Max    int
	TTL      time.Duration
}

// New creates a Resolver.
func New(opts Options) (*Resolver, error) {
	if opts.L1Max <= 0 {
		opts.L1Max = 10_000
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	perms, err := cache.NewTTL[bool](opts.L1Max, opts.TTL)
	if err != nil {
		return nil, fmt.Errorf("create permission l1: %w", err)
	}
	roles, err := cache.NewTTL[[]string](opts.L1Max, opts.TTL)
	if err != nil {
		return nil, fmt.Errorf("create roles l1: %w", err)
	}
	return &Resolver{
		identity: opts.Identity,
		l1Perms:  perms,
		l1Roles:  roles,
		l2:       opts.L2,
		ttl:      opts.TTL,
	}, nil
}

// HasPermission reports whether the user holds the permission code.
func (r *Resolver) HasPermission(ctx context.Context, userID, code string) bool {
	key := permKeyPrefix + userID + ":" + code

	if granted, ok := r.l1Perms.Get(key); ok {
		return granted
	}

	if r.l2 != nil {
		if raw, err := r.l2.Get(ctx, key); err == nil {
			granted := raw == "1"
			r.l1Perms.Set(key, granted)
			return granted
		}
	}

	granted, err := r.identity.CheckPermission(ctx, userID, code)
	if err != nil {
		// Fail closed and do not cache: the next request should ask again.
		slog.LogAttrs(ctx, slog.LevelWarn, "permission check failed closed",
			slog.String("user", userID),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
		return false
	}

	r.l1Perms.Set(key, granted)
	r.fillL2(ctx, key, boolValue(granted))
	return granted
}

// UserRoles returns the role list for the user through the same two tiers.
// A resolution failure returns an empty list and ErrIdentityUnavailable.
func (r *Resolver) UserRoles(ctx context.Context, userID string) ([]string, error) {
	key := rolesKeyPrefix + userID

	if roles, ok := r.l1Roles.Get(key); ok {
		return roles, nil
	}

	if r.l2 != nil {
		if raw, err := r.l2.Get(ctx, key); err == nil {
			var roles []string
			if err := json.Unmarshal([]byte(raw), &roles); err == nil {
				r.l1Roles.Set(key, roles)
				return roles, nil
			}
		}
	}

	roles, err := r.identity.Roles(ctx, userID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", gateway.ErrIdentityUnavailable, err)
	}

	r.l1Roles.Set(key, roles)
	if data, err := json.Marshal(roles); err == nil {
		r.fillL2(ctx, key, string(data))
	}
	return roles, nil
}

// fillL2 writes through to the cache store, best effort.
func (r *Resolver) fillL2(ctx context.Context, key, value string) {
	if r.l2 == nil {
		return
	}
	if err := r.l2.Set(ctx, key, value, r.ttl); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "permission l2 fill skipped",
			slog.String("key", key), slog.String("error", err.Error()))
	}
}

func boolValue(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

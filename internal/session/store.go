// Package session implements the gateway session store: an opaque session id
// bound to the OAuth token pair. L1 is a bounded in-process cache whose TTL is
// deliberately shorter than the access token lifetime; L2 is the shared cache
// store, which is the source of truth. Only the auth endpoints write here.
package session

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
	keyPrefix = "session:"
	// InvalidateChannel carries deleted session ids to other replicas so
	// they can drop their L1 copies.
	InvalidateChannel = "session:invalidate"
	// l2Slack keeps the L2 entry alive slightly past the token expiry so a
	// refresh racing the deadline still finds the session.
	l2Slack = 5 * time.Minute
)

// L2 is the cache-store surface the session store consumes.
type L2 interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel, msg string) error
}

// Store is the two-tier session store.
type Store struct {
	l1    *cache.TTL[*gateway.Session]
	l2    L2
	l1TTL time.Duration
	l2TTL time.Duration // inactivity bound when token expiries are absent
}

// Options configures the store.
type Options struct {
	L2    L2
	L1Max int
	L1TTL time.Duration
	L2TTL time.Duration
}

// New creates a session store.
func New(opts Options) (*Store, error) {
	if opts.L1Max <= 0 {
		opts.L1Max = 100_000
	}
	if opts.L1TTL <= 0 {
		opts.L1TTL = 60 * time.Second
	}
	if opts.L2TTL <= 0 {
		opts.L2TTL = 24 * time.Hour
	}
	l1, err := cache.NewTTL[*gateway.Session](opts.L1Max, opts.L1TTL)
	if err != nil {
		return nil, fmt.Errorf("create session l1: %w", err)
	}
	return &Store{l1: l1, l2: opts.L2, l1TTL: opts.L1TTL, l2TTL: opts.L2TTL}, nil
}

// Create mints a new session id, persists the session to L2, and only then
// fills L1 and returns. If L2 does not acknowledge, the session must not
// exist anywhere: a session that cannot survive a replica restart is worse
// than asking the client to re-authenticate.
func (s *Store) Create(ctx context.Context, userID, accessToken, refreshToken string,
	accessTTL, refreshTTL time.Duration, meta map[string]string) (*gateway.Session, error) {

	now := time.Now()
	sess := &gateway.Session{
		ID:           gateway.NewSessionID(),
		UserID:       userID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExpiry: now.Add(accessTTL),
		IssuedAt:     now,
		LastSeenAt:   now,
		Metadata:     meta,
	}
	if refreshTTL > 0 {
		sess.RefreshExpiry = now.Add(refreshTTL)
	}

	if err := s.writeL2(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrSessionPersist, err)
	}
	s.l1.Set(keyPrefix+sess.ID, sess)
	return sess, nil
}

// Lookup resolves a session id. L1 first; on miss, L2 fills L1. When the
// cache store is unavailable, still-cached L1 sessions keep working but
// unknown ids cannot be confirmed and resolve to not-found.
func (s *Store) Lookup(ctx context.Context, id string) (*gateway.Session, error) {
	key := keyPrefix + id
	if sess, ok := s.l1.Get(key); ok {
		return sess, nil
	}

	raw, err := s.l2.Get(ctx, key)
	if err != nil {
		if errors.Is(err, gateway.ErrCacheUnavailable) {
			slog.LogAttrs(ctx, slog.LevelWarn, "session lookup degraded, cache store unavailable",
				slog.String("error", err.Error()))
			return nil, gateway.ErrNotFound
		}
		return nil, err
	}

	var sess gateway.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	s.l1.Set(key, &sess)
	return &sess, nil
}

// Refresh replaces the access token after an IdP refresh. The L2 write must
// acknowledge; L1 is updated after.
func (s *Store) Refresh(ctx context.Context, id, newAccess string, newAccessTTL time.Duration) (*gateway.Session, error) {
	sess, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := *sess
	updated.AccessToken = newAccess
	updated.AccessExpiry = time.Now().Add(newAccessTTL)

	if err := s.writeL2(ctx, &updated); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrSessionPersist, err)
	}
	s.l1.Set(keyPrefix+id, &updated)
	return &updated, nil
}

// Touch records request activity. Best effort on both tiers: a lost touch is
// corrected by the next one.
func (s *Store) Touch(ctx context.Context, id string, now time.Time) {
	sess, err := s.Lookup(ctx, id)
	if err != nil {
		return
	}
	updated := *sess
	updated.LastSeenAt = now
	s.l1.Set(keyPrefix+id, &updated)
	if err := s.writeL2(ctx, &updated); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "session touch not persisted",
			slog.String("session", id), slog.String("error", err.Error()))
	}
}

// Delete removes the session from both tiers and tells other replicas to
// drop their L1 copy. Idempotent: deleting an absent session succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.l1.Delete(keyPrefix + id)
	if err := s.l2.Del(ctx, keyPrefix+id); err != nil && !errors.Is(err, gateway.ErrNotFound) {
		return err
	}
	if err := s.l2.Publish(ctx, InvalidateChannel, id); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "session invalidation publish failed",
			slog.String("session", id), slog.String("error", err.Error()))
	}
	return nil
}

// Invalidate drops the L1 copy only. Called by the pub/sub subscriber when
// another replica deletes the session.
func (s *Store) Invalidate(id string) {
	s.l1.Delete(keyPrefix + id)
}

// writeL2 serializes and persists the session with a TTL derived from the
// token expiries (plus slack), falling back to the inactivity bound.
func (s *Store) writeL2(ctx context.Context, sess *gateway.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ttl := s.l2TTL
	if latest := latestExpiry(sess); !latest.IsZero() {
		if until := time.Until(latest) + l2Slack; until > 0 && until < ttl {
			ttl = until
		}
	}
	return s.l2.Set(ctx, keyPrefix+sess.ID, string(data), ttl)
}

func latestExpiry(sess *gateway.Session) time.Time {
	latest := sess.AccessExpiry
	if sess.RefreshExpiry.After(latest) {
		latest = sess.RefreshExpiry
	}
	return latest
}

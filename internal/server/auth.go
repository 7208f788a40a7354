package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/openvanguard/vanguard/internal"
)

// createSessionRequest is the token pair a trusted login frontend exchanges
// for a gateway session.
type createSessionRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds until access token expiry
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// handleCreateSession exchanges an OAuth token pair for an opaque session
// cookie. The user id comes from the access token's uid (or sub) claim.
func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, fmt.Errorf("%w: invalid body: %v", gateway.ErrBadRequest, err))
		return
	}
	if req.AccessToken == "" || req.ExpiresIn <= 0 {
		writeError(r.Context(), w, fmt.Errorf("%w: access_token and expires_in are required", gateway.ErrBadRequest))
		return
	}
	userID, err := tokenUserID(req.AccessToken)
	if err != nil {
		writeError(r.Context(), w, fmt.Errorf("%w: %v", gateway.ErrBadRequest, err))
		return
	}

	sess, err := s.deps.Sessions.Create(r.Context(), userID,
		req.AccessToken, req.RefreshToken,
		time.Duration(req.ExpiresIn)*time.Second, s.deps.RefreshTTL, nil)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	s.setSessionCookie(w, sess.ID)
	writeJSON(r.Context(), w, http.StatusCreated, createSessionResponse{SessionID: sess.ID})
}

// handleRefresh rotates the access token behind the current session cookie
// using the identity provider's refresh grant.
func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r, s.deps.CookieName)
	if id == "" {
		writeError(r.Context(), w, fmt.Errorf("%w: no session", gateway.ErrUnauthorized))
		return
	}
	sess, err := s.deps.Sessions.Lookup(r.Context(), id)
	if err != nil {
		writeError(r.Context(), w, fmt.Errorf("%w: unknown session", gateway.ErrUnauthorized))
		return
	}
	if s.deps.OIDC == nil {
		writeError(r.Context(), w, fmt.Errorf("%w: no identity provider configured", gateway.ErrIdentityUnavailable))
		return
	}

	tok, err := s.deps.OIDC.Refresh(r.Context(), sess.RefreshToken)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	ttl := time.Until(tok.Expiry)
	if tok.Expiry.IsZero() {
		ttl = time.Hour
	}
	if _, err := s.deps.Sessions.Refresh(r.Context(), id, tok.AccessToken, ttl); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, map[string]int64{
		"expires_in": int64(ttl.Seconds()),
	})
}

// handleLogout deletes the session and clears the cookie. Idempotent: a
// missing or already-deleted session still gets 204 and a cleared cookie.
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id := sessionID(r, s.deps.CookieName); id != "" {
		if err := s.deps.Sessions.Delete(r.Context(), id); err != nil {
			writeError(r.Context(), w, err)
			return
		}
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleOIDCAuthorize starts the authorization-code flow: mints state, stores
// the PKCE verifier, and redirects the browser to the identity provider.
func (s *server) handleOIDCAuthorize(w http.ResponseWriter, r *http.Request) {
	redirect := r.URL.Query().Get("redirect_uri")
	if redirect == "" {
		redirect = s.deps.PostLoginURL
	}
	loginURL, err := s.deps.OIDC.BeginLogin(r.Context(), redirect)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// handleOIDCCallback completes the flow: exchanges the code, creates the
// session, sets the cookie, and sends the browser on to the post-login page.
func (s *server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeError(r.Context(), w, fmt.Errorf("%w: state and code are required", gateway.ErrBadRequest))
		return
	}

	tok, claims, redirect, err := s.deps.OIDC.CompleteLogin(r.Context(), state, code)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	accessTTL := time.Until(tok.Expiry)
	if tok.Expiry.IsZero() {
		accessTTL = time.Hour
	}

	sess, err := s.deps.Sessions.Create(r.Context(), userID,
		tok.AccessToken, tok.RefreshToken, accessTTL, s.deps.RefreshTTL,
		map[string]string{"subject": claims.Subject})
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	s.setSessionCookie(w, sess.ID)
	if redirect == "" {
		redirect = s.deps.PostLoginURL
	}
	if redirect == "" {
		redirect = "/"
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (s *server) setSessionCookie(w http.ResponseWriter, id string) {
	c := &http.Cookie{
		Name:     s.deps.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.deps.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	}
	if s.deps.RefreshTTL > 0 {
		c.MaxAge = int(s.deps.RefreshTTL.Seconds())
	}
	http.SetCookie(w, c)
}

func (s *server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.deps.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.deps.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
}

// tokenUserID extracts the user id from an access token without verifying the
// signature: the token came over the authenticated back channel and is only
// used to key the session, never to grant access.
func tokenUserID(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", fmt.Errorf("parse access token: %v", err)
	}
	if uid, ok := claims["uid"].(string); ok && uid != "" {
		return uid, nil
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("access token carries no uid or sub claim")
}

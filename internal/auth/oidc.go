// Package auth implements the gateway's OIDC login flow: authorization code
// with PKCE against an external identity provider, plus back-channel token
// refresh. The gateway is the only party that ever sees tokens; browsers get
// an opaque session id.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	gateway "github.com/openvanguard/vanguard/internal"
)

const (
	stateKeyPrefix = "oidc:state:"
	stateTTL       = 5 * time.Minute
)

// StateStore persists in-flight login state across replicas, keyed by the
// opaque state parameter.
type StateStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Options configures a Provider.
type Options struct {
	Issuer       string // discovery document base URL
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	HTTP         *http.Client
	States       StateStore
}

// Provider drives the OIDC flow against one identity provider.
type Provider struct {
	oauth  oauth2.Config
	http   *http.Client
	states StateStore
	issuer string
}

// loginState is the per-login record persisted under the state key.
type loginState struct {
	Verifier string `json:"verifier"`
	Redirect string `json:"redirect,omitempty"` // post-login return path
}

// Claims is the subset of ID token claims the gateway cares about.
type Claims struct {
	Subject   string
	UserID    string
	ExpiresAt time.Time
}

// Discover fetches the issuer's discovery document and returns a ready
// Provider. Endpoints come from the document, never from config.
func Discover(ctx context.Context, opts Options) (*Provider, error) {
	client := opts.HTTP
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		opts.Issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery document status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read discovery document: %w", err)
	}

	authURL := gjson.GetBytes(body, "authorization_endpoint").String()
	tokenURL := gjson.GetBytes(body, "token_endpoint").String()
	if authURL == "" || tokenURL == "" {
		return nil, fmt.Errorf("%w: discovery document missing endpoints", gateway.ErrConfigInvalid)
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile"}
	}
	return &Provider{
		oauth: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       scopes,
			Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		},
		http:   client,
		states: opts.States,
		issuer: opts.Issuer,
	}, nil
}

// BeginLogin mints state + PKCE verifier, persists them, and returns the
// provider authorization URL to redirect the browser to. redirect is the
// in-site path to return to after login.
func (p *Provider) BeginLogin(ctx context.Context, redirect string) (string, error) {
	state := gateway.NewSessionID()
	verifier := oauth2.GenerateVerifier()

	record, err := json.Marshal(loginState{Verifier: verifier, Redirect: redirect})
	if err != nil {
		return "", err
	}
	if err := p.states.Set(ctx, stateKeyPrefix+state, string(record), stateTTL); err != nil {
		return "", fmt.Errorf("persist login state: %w", err)
	}

	return p.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// CompleteLogin validates the state, exchanges the code for tokens, and
// returns the token pair with the claims extracted from the ID token. State
// is single-use: it is deleted before the exchange.
func (p *Provider) CompleteLogin(ctx context.Context, state, code string) (*oauth2.Token, Claims, string, error) {
	raw, err := p.states.Get(ctx, stateKeyPrefix+state)
	if err != nil {
		return nil, Claims{}, "", fmt.Errorf("%w: unknown or expired login state", gateway.ErrUnauthorized)
	}
	_ = p.states.Del(ctx, stateKeyPrefix+state)

	var st loginState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, Claims{}, "", fmt.Errorf("decode login state: %w", err)
	}

	tok, err := p.oauth.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(st.Verifier))
	if err != nil {
		return nil, Claims{}, "", fmt.Errorf("%w: code exchange: %v", gateway.ErrUnauthorized, err)
	}

	claims, err := extractClaims(tok)
	if err != nil {
		return nil, Claims{}, "", err
	}
	return tok, claims, st.Redirect, nil
}

// Refresh exchanges a refresh token for a new access token.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ts := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: token refresh: %v", gateway.ErrUnauthorized, err)
	}
	return tok, nil
}

// clientContext routes oauth2's internal HTTP through the provider's client.
func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.http)
}

// extractClaims reads the subject and expiry out of the ID token. The token
// arrived over the provider's TLS back-channel in direct response to our code
// exchange, so signature verification adds nothing here; claims are parsed
// without it.
func extractClaims(tok *oauth2.Token) (Claims, error) {
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		// Provider without OIDC id_token support: fall back to the access
		// token expiry and an empty subject.
		return Claims{ExpiresAt: tok.Expiry}, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return Claims{}, fmt.Errorf("%w: parse id token: %v", gateway.ErrUnauthorized, err)
	}

	out := Claims{ExpiresAt: tok.Expiry}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
		out.UserID = sub
	}
	if uid, ok := claims["uid"].(string); ok && uid != "" {
		out.UserID = uid
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

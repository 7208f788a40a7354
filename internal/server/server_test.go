package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/openvanguard/vanguard/internal"
	"github.com/openvanguard/vanguard/internal/cachestore"
	"github.com/openvanguard/vanguard/internal/ccu"
	"github.com/openvanguard/vanguard/internal/discovery"
	"github.com/openvanguard/vanguard/internal/policy"
	"github.com/openvanguard/vanguard/internal/ratelimit"
	"github.com/openvanguard/vanguard/internal/session"
	"github.com/openvanguard/vanguard/internal/storage/sqlite"
	"github.com/openvanguard/vanguard/internal/upstream"
)

// allowPerms is a PermissionChecker granting exactly the listed codes.
type allowPerms map[string]bool

func (a allowPerms) HasPermission(_ context.Context, userID, code string) bool {
	return a[userID+":"+code]
}

type recordedSink struct{ samples []ccu.Sample }

func (r *recordedSink) Record(sm ccu.Sample) { r.samples = append(r.samples, sm) }

type testEnv struct {
	handler  http.Handler
	sessions *session.Store
	store    *sqlite.Store
	policies *policy.Engine
	mr       *miniredis.Miniredis
	upstream *httptest.Server
	sink     *recordedSink
}

// lastUpstreamReq captures what the backend saw, for header assertions.
type upstreamCapture struct {
	header http.Header
	path   string
}

func newTestEnv(t *testing.T, perms allowPerms, caps ratelimit.Capacities) (*testEnv, *upstreamCapture) {
	t.Helper()

	mr := miniredis.RunT(t)
	cs := cachestore.New(cachestore.Options{Addr: mr.Addr(), Timeout: time.Second})
	t.Cleanup(func() { cs.Close() })

	sessions, err := session.New(session.Options{L2: cs})
	if err != nil {
		t.Fatal(err)
	}

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	seed := []*gateway.PolicyEntry{
		{ID: "p1", Method: "*", PathPattern: "/api/orders/**", PermissionCode: "orders.read"},
		{ID: "p2", Method: "*", PathPattern: "/api/open/**", Public: true},
	}
	for _, p := range seed {
		if err := store.CreatePolicy(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}
	engine := policy.NewEngine(store)
	if err := engine.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	capture := &upstreamCapture{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capture.header = r.Header.Clone()
		capture.path = r.URL.Path
		io.WriteString(w, "backend ok")
	}))
	t.Cleanup(backend.Close)

	resolver, err := discovery.NewStatic(map[string][]string{
		"orders": {strings.TrimPrefix(backend.URL, "http://")},
	})
	if err != nil {
		t.Fatal(err)
	}
	pool := upstream.NewPool(func(service string) *upstream.Client {
		return upstream.New(upstream.Options{Service: service, Resolver: resolver})
	})
	router := upstream.NewRouter([]*gateway.RouteDescriptor{
		{ID: "r1", PathPrefix: "/api", Service: "orders", StripPrefix: 0},
		{ID: "r2", PathPrefix: "/public", Service: "orders", StripPrefix: 0},
	})

	if caps == (ratelimit.Capacities{}) {
		caps = ratelimit.Capacities{Anonymous: 100, Authenticated: 100, Premium: 1000}
	}
	limiter := ratelimit.NewEngine(ratelimit.Options{Store: cs, Capacities: caps})

	sink := &recordedSink{}
	env := &testEnv{
		sessions: sessions,
		store:    store,
		policies: engine,
		mr:       mr,
		upstream: backend,
		sink:     sink,
	}
	env.handler = New(Deps{
		Sessions:   sessions,
		Perms:      perms,
		Policies:   engine,
		Limiter:    limiter,
		Router:     router,
		Pool:       pool,
		Store:      store,
		Sink:       sink,
		RefreshTTL: time.Hour,
	})
	return env, capture
}

// login creates a session directly in the store and returns its cookie.
func (e *testEnv) login(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	sess, err := e.sessions.Create(context.Background(), userID,
		"access-tok", "refresh-tok", time.Hour, 24*time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Cookie{Name: gateway.SessionCookie, Value: sess.ID}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (raw: %s)", err, rec.Body.String())
	}
	return body
}

func TestProxyUnmappedPath(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nothing/here", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error != "NOT_FOUND" {
		t.Errorf("error code = %q, want NOT_FOUND", body.Error)
	}
	if body.TraceID == "" {
		t.Error("traceId missing from error envelope")
	}
	if rec.Header().Get(gateway.TraceHeader) == "" {
		t.Error("X-Trace-Id missing from response")
	}
}

func TestCSRFRejectsMutatingRequest(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})

	remaining := func() string {
		req := httptest.NewRequest(http.MethodGet, "/api/open/1", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec.Header().Get("X-RateLimit-Remaining")
	}
	before := remaining()

	req := httptest.NewRequest(http.MethodPost, "/api/orders/1", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "CSRF_PROTECTION" {
		t.Errorf("error code = %q, want CSRF_PROTECTION", body.Error)
	}
	// The rejection happens before the rate limiter, so it must not burn a
	// token from the caller's bucket.
	if rec.Header().Get("X-RateLimit-Remaining") != "" {
		t.Error("rate-limit headers present on a pre-limiter rejection")
	}
	wantBefore, err := strconv.Atoi(before)
	if err != nil {
		t.Fatalf("X-RateLimit-Remaining = %q", before)
	}
	after := remaining()
	if after != strconv.Itoa(wantBefore-1) {
		t.Errorf("remaining after blocked POST = %s, want %d: the rejection consumed a token", after, wantBefore-1)
	}
}

func TestRequestActivityAdvancesLastSeen(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, allowPerms{"u1:orders.read": true}, ratelimit.Capacities{})

	// Plant a session whose last activity predates the touch interval, as if
	// the client went quiet and came back.
	stale := time.Now().Add(-10 * time.Minute)
	sess := &gateway.Session{
		ID:           gateway.NewSessionID(),
		UserID:       "u1",
		AccessToken:  "access-tok",
		AccessExpiry: time.Now().Add(time.Hour),
		IssuedAt:     stale,
		LastSeenAt:   stale,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.mr.Set("session:"+sess.ID, string(raw)); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.AddCookie(&http.Cookie{Name: gateway.SessionCookie, Value: sess.ID})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// The activity write is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.sessions.Lookup(context.Background(), sess.ID)
		if err == nil && got.LastSeenAt.After(stale) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("last_seen_at never advanced past the planted timestamp")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCSRFAcceptsTokenHeader(t *testing.T) {
	t.Parallel()
	for _, h := range []string{"X-XSRF-TOKEN", "X-Requested-With", "X-CSRF-TOKEN"} {
		t.Run(h, func(t *testing.T) {
			env, _ := newTestEnv(t, allowPerms{"u1:orders.read": true}, ratelimit.Capacities{})
			cookie := env.login(t, "u1")

			req := httptest.NewRequest(http.MethodPost, "/api/orders/1", nil)
			req.AddCookie(cookie)
			req.Header.Set(h, "x")
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCSRFSkipsPublicAndSafePaths(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})

	// POST to /auth/* is exempt: logout without a token header works.
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("logout status = %d, want 204", rec.Code)
	}

	// GET is never CSRF-checked.
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/open/items", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET status = %d, want 200", rec.Code)
	}
}

func TestRateLimitHeadersOnEveryResponse(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/open/items", nil))

	for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("header %s missing", h)
		}
	}
	if rec.Header().Get("X-RateLimit-Limit") != "100" {
		t.Errorf("limit = %q, want 100", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{Anonymous: 2, Authenticated: 2, Premium: 2})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/open/items", nil)
		req.RemoteAddr = "10.1.1.1:5555"
		env.handler.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if got := last.Header().Get("X-RateLimit-Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if body := decodeError(t, last); body.Error != "RATE_LIMITED" {
		t.Errorf("error code = %q, want RATE_LIMITED", body.Error)
	}
}

func TestRateLimitKeyedByUserNotIP(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, allowPerms{"u1:orders.read": true},
		ratelimit.Capacities{Anonymous: 1, Authenticated: 3, Premium: 3})
	cookie := env.login(t, "u1")

	// Same user from two different IPs shares one bucket of 3.
	codes := make([]int, 0, 4)
	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
		req.RemoteAddr = addr
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	for i := 0; i < 3; i++ {
		if codes[i] != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, codes[i])
		}
	}
	if codes[3] != http.StatusTooManyRequests {
		t.Errorf("request 4 status = %d, want 429", codes[3])
	}
}

func TestAuthorizationAnonymousGets401(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/1", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "UNAUTHORIZED" {
		t.Errorf("error code = %q", body.Error)
	}
}

func TestAuthorizationMissingPermissionGets403(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, allowPerms{}, ratelimit.Capacities{})
	cookie := env.login(t, "u1")

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "FORBIDDEN" {
		t.Errorf("error code = %q", body.Error)
	}
}

func TestAuthorizedRequestForwardsIdentity(t *testing.T) {
	t.Parallel()
	env, capture := newTestEnv(t, allowPerms{"u1:orders.read": true}, ratelimit.Capacities{})
	cookie := env.login(t, "u1")

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.AddCookie(cookie)
	req.Header.Set(gateway.UserHeader, "spoofed") // must be replaced
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	if got := capture.header.Get(gateway.UserHeader); got != "u1" {
		t.Errorf("upstream X-User-Id = %q, want u1", got)
	}
	if got := capture.header.Get(gateway.PermHeader); got != "orders.read" {
		t.Errorf("upstream X-AuthZ-Perm = %q, want orders.read", got)
	}
	if got := capture.header.Get("Authorization"); got != "Bearer access-tok" {
		t.Errorf("upstream Authorization = %q", got)
	}
	if capture.header.Get("Cookie") != "" {
		t.Error("session cookie leaked upstream")
	}
	if rec.Body.String() != "backend ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestUnknownSessionGets401(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.AddCookie(&http.Cookie{Name: gateway.SessionCookie, Value: "no-such-session"})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestExpiredSessionGets401(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, allowPerms{"u1:orders.read": true}, ratelimit.Capacities{})

	sess, err := env.sessions.Create(context.Background(), "u1",
		"tok", "ref", -time.Minute, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.AddCookie(&http.Cookie{Name: gateway.SessionCookie, Value: sess.ID})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPublicPolicyEntrySkipsAuth(t *testing.T) {
	t.Parallel()
	env, capture := newTestEnv(t, nil, ratelimit.Capacities{})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/open/items", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if capture.path != "/api/open/items" {
		t.Errorf("upstream path = %q", capture.path)
	}
}

func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestCreateSessionEndpoint(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})
	tok := signTestToken(t, jwt.MapClaims{"sub": "subject-1", "uid": "user-42"})

	body := `{"access_token":"` + tok + `","refresh_token":"r1","expires_in":3600}`
	req := httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp createSessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionID == "" {
		t.Fatal("session_id missing")
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == gateway.SessionCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("session cookie not set")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteStrictMode || cookie.Path != "/" {
		t.Errorf("cookie attributes wrong: %+v", cookie)
	}

	sess, err := env.sessions.Lookup(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.UserID != "user-42" {
		t.Errorf("user id = %q, want user-42 (uid claim wins over sub)", sess.UserID)
	}
}

func TestCreateSessionCacheOutage(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})
	env.mr.Close() // session persist has nowhere to write

	tok := signTestToken(t, jwt.MapClaims{"sub": "subject-1"})
	body := `{"access_token":"` + tok + `","refresh_token":"r1","expires_in":3600}`
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader(body)))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if b := decodeError(t, rec); b.Error != "SESSION_PERSIST_ERROR" {
		t.Errorf("error code = %q, want SESSION_PERSIST_ERROR", b.Error)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == gateway.SessionCookie && c.Value != "" {
			t.Error("cookie set despite persist failure")
		}
	}
}

func TestCreateSessionRejectsOpaqueToken(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})

	body := `{"access_token":"not-a-jwt","refresh_token":"r1","expires_in":3600}`
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/session", strings.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if b := decodeError(t, rec); b.Error != "BAD_REQUEST" {
		t.Errorf("error code = %q", b.Error)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})
	cookie := env.login(t, "u1")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.AddCookie(cookie)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("logout %d status = %d, want 204", i+1, rec.Code)
		}
		var cleared bool
		for _, c := range rec.Result().Cookies() {
			if c.Name == gateway.SessionCookie && c.MaxAge < 0 {
				cleared = true
			}
		}
		if !cleared {
			t.Errorf("logout %d did not clear the cookie", i+1)
		}
	}

	// Session gone: the cookie no longer authenticates.
	req := httptest.NewRequest(http.MethodGet, "/api/orders/1", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("post-logout status = %d, want 401", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})

	for _, path := range []string{"/healthz", "/health/live", "/health/ready", "/actuator/health"} {
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestReadyzReportsFailure(t *testing.T) {
	t.Parallel()
	h := New(Deps{
		Router: upstream.NewRouter(nil),
		Pool:   upstream.NewPool(func(string) *upstream.Client { return nil }),
		Ready: func(context.Context) error {
			return context.DeadlineExceeded
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestAdminPolicyCRUDReloadsSnapshot(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, allowPerms{"admin:gateway.admin": true}, ratelimit.Capacities{})

	// A new protected pattern appears in the live snapshot after create.
	body := `{"method":"GET","path_pattern":"/api/reports/**","permission_code":"reports.read","priority":5}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/policies", strings.NewReader(body))
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created gateway.PolicyEntry
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("created entry has no id")
	}

	entry, ok := env.policies.Match(http.MethodGet, "/api/reports/q3")
	if !ok || entry.PermissionCode != "reports.read" {
		t.Fatalf("snapshot missed new entry: ok=%v entry=%+v", ok, entry)
	}

	// Delete removes it from the snapshot too.
	req = httptest.NewRequest(http.MethodDelete, "/api/admin/policies/"+created.ID, nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, ok := env.policies.Match(http.MethodGet, "/api/reports/q3"); ok {
		t.Error("deleted entry still matches")
	}
}

func TestTraceIDPropagation(t *testing.T) {
	t.Parallel()
	env, capture := newTestEnv(t, nil, ratelimit.Capacities{})

	req := httptest.NewRequest(http.MethodGet, "/api/open/items", nil)
	req.Header.Set(gateway.TraceHeader, "trace-abc")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(gateway.TraceHeader); got != "trace-abc" {
		t.Errorf("response trace id = %q, want trace-abc", got)
	}
	if got := capture.header.Get(gateway.TraceHeader); got != "trace-abc" {
		t.Errorf("upstream trace id = %q, want trace-abc", got)
	}
}

func TestMetricsSinkReceivesSamples(t *testing.T) {
	t.Parallel()
	env, _ := newTestEnv(t, nil, ratelimit.Capacities{})

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/open/items", nil))

	if len(env.sink.samples) != 1 {
		t.Fatalf("samples = %d, want 1", len(env.sink.samples))
	}
	sm := env.sink.samples[0]
	if sm.Method != http.MethodGet || sm.Path != "/api/open/items" || sm.Status != http.StatusOK {
		t.Errorf("sample = %+v", sm)
	}
}

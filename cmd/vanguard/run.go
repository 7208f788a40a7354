package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/openvanguard/vanguard/internal"
	"github.com/openvanguard/vanguard/internal/auth"
	"github.com/openvanguard/vanguard/internal/bulkhead"
	"github.com/openvanguard/vanguard/internal/cachestore"
	"github.com/openvanguard/vanguard/internal/ccu"
	"github.com/openvanguard/vanguard/internal/circuitbreaker"
	"github.com/openvanguard/vanguard/internal/config"
	"github.com/openvanguard/vanguard/internal/discovery"
	"github.com/openvanguard/vanguard/internal/permission"
	"github.com/openvanguard/vanguard/internal/policy"
	"github.com/openvanguard/vanguard/internal/ratelimit"
	"github.com/openvanguard/vanguard/internal/server"
	"github.com/openvanguard/vanguard/internal/session"
	"github.com/openvanguard/vanguard/internal/storage/sqlite"
	"github.com/openvanguard/vanguard/internal/telemetry"
	"github.com/openvanguard/vanguard/internal/upstream"
	"github.com/openvanguard/vanguard/internal/worker"
)

// errListen marks listener bind failures so main can map them to exit code 2.
var errListen = errors.New("listener unavailable")

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("starting vanguard", "version", version, "addr", cfg.Gateway.ListenAddr)

	ctx := context.Background()

	// Policy and route store.
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := seed(ctx, cfg, store); err != nil {
		return err
	}

	// Shared cache store. Unreachable at startup is fatal unless the config
	// explicitly allows a degraded boot.
	cs := cachestore.New(cachestore.Options{
		Addr:     cfg.CacheStore.Addr,
		Password: cfg.CacheStore.Password,
		DB:       cfg.CacheStore.DB,
		Timeout:  cfg.CacheStore.Timeout,
	})
	defer cs.Close()
	if err := cs.Ping(ctx); err != nil {
		if !cfg.CacheStore.Optional {
			return fmt.Errorf("%w: %v", gateway.ErrCacheUnavailable, err)
		}
		slog.Warn("cache store unreachable, starting degraded", "error", err)
	}

	// Telemetry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Sessions.
	sessions, err := session.New(session.Options{
		L2:    cs,
		L1Max: cfg.Session.L1Max,
		L1TTL: cfg.Session.L1TTL,
		L2TTL: cfg.Session.L2TTL,
	})
	if err != nil {
		return err
	}

	// Policy snapshot.
	policies := policy.NewEngine(store)
	if err := policies.Reload(ctx); err != nil {
		return fmt.Errorf("initial policy load: %w", err)
	}

	// Upstream routing.
	routes, err := store.ListRoutes(ctx)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	router := upstream.NewRouter(routes)

	resolver, err := staticResolver(cfg)
	if err != nil {
		return err
	}
	dns := &dnscache.Resolver{}
	pool := upstream.NewPool(func(service string) *upstream.Client {
		return buildClient(cfg, service, resolver, dns, metrics)
	})

	// Permission resolution via the internal identity service.
	identity := upstream.NewIdentity(pool.Get(cfg.Identity.Service), cfg.Identity.Timeout)
	perms, err := permission.New(permission.Options{Identity: identity, L2: cs})
	if err != nil {
		return err
	}

	// OIDC login. Skipped when no issuer is configured; a configured but
	// unreachable IdP does not block startup, only the login endpoints.
	var oidc *auth.Provider
	if cfg.OIDC.Issuer != "" {
		oidc, err = auth.Discover(ctx, auth.Options{
			Issuer:       cfg.OIDC.Issuer,
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  cfg.OIDC.RedirectURL,
			States:       cs,
		})
		if err != nil {
			slog.Error("oidc discovery failed, login endpoints disabled", "error", err)
			oidc = nil
		}
	}

	limiter := ratelimit.NewEngine(ratelimit.Options{
		Store: cs,
		Capacities: ratelimit.Capacities{
			Anonymous:     cfg.RateLimit.AnonymousCapacity,
			Authenticated: cfg.RateLimit.AuthenticatedCapacity,
			Premium:       cfg.RateLimit.PremiumCapacity,
		},
		LocalMax: cfg.RateLimit.LocalMax,
		LocalTTL: cfg.RateLimit.LocalTTL,
	})

	// Background workers.
	heartbeat := ccu.NewHeartbeat(cs, cfg.CCU.OnlineTTL)
	sink := ccu.NewSink(cs)
	scanner := ccu.NewScanner(cs, cfg.CCU.ScanInterval, cfg.CCU.ScanBatch, metrics.CCUTotal.Set)
	runner := worker.NewRunner(
		heartbeat,
		sink,
		scanner,
		policy.NewRefresher(policies, cfg.Policy.RefreshInterval),
		session.NewInvalidationWorker(sessions, cs),
	)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(workerCtx) }()

	handler := server.New(server.Deps{
		Sessions:       sessions,
		Perms:          perms,
		Policies:       policies,
		Limiter:        limiter,
		Router:         router,
		Pool:           pool,
		OIDC:           oidc,
		Store:          store,
		Heartbeat:      heartbeat,
		Sink:           sink,
		Metrics:        metrics,
		Ready:          readyCheck(store, cs, cfg.CacheStore.Optional),
		CookieName:     cfg.Session.CookieName,
		SecureCookies:  true,
		RefreshTTL:     cfg.Session.L2TTL,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		PostLoginURL:   cfg.OIDC.PostLoginURL,
	})

	mux := http.NewServeMux()
	if cfg.Telemetry.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", handler)

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}

	ln, err := net.Listen("tcp", cfg.Gateway.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", errListen, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("vanguard ready", "addr", cfg.Gateway.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Stop workers after the listener drains so in-flight requests still
	// reach the dashboard sink and heartbeat.
	stopWorkers()
	if err := <-workerErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("worker shutdown", "error", err)
	}

	slog.Info("vanguard stopped")
	return nil
}

// seed loads config-declared policies and routes into an empty store.
func seed(ctx context.Context, cfg *config.Config, store *sqlite.Store) error {
	if len(cfg.Policies) > 0 {
		entries := make([]*gateway.PolicyEntry, len(cfg.Policies))
		for i, p := range cfg.Policies {
			entries[i] = &gateway.PolicyEntry{
				ID:             uuid.Must(uuid.NewV7()).String(),
				Method:         p.Method,
				PathPattern:    p.Pattern,
				PermissionCode: p.Permission,
				Public:         p.Public,
				Priority:       p.Priority,
			}
		}
		if err := store.SeedPolicies(ctx, entries); err != nil {
			return fmt.Errorf("seed policies: %w", err)
		}
	}
	if len(cfg.Routes) > 0 {
		routes := make([]*gateway.RouteDescriptor, len(cfg.Routes))
		for i, r := range cfg.Routes {
			routes[i] = &gateway.RouteDescriptor{
				ID:          uuid.Must(uuid.NewV7()).String(),
				PathPrefix:  r.PathPrefix,
				Service:     r.Service,
				StripPrefix: r.StripPrefix,
			}
		}
		if err := store.SeedRoutes(ctx, routes); err != nil {
			return fmt.Errorf("seed routes: %w", err)
		}
	}
	return nil
}

// staticResolver builds discovery from the configured instance lists.
func staticResolver(cfg *config.Config) (*discovery.Static, error) {
	services := make(map[string][]string, len(cfg.Upstreams))
	for name, u := range cfg.Upstreams {
		services[name] = u.Instances
	}
	s, err := discovery.NewStatic(services)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrConfigInvalid, err)
	}
	return s, nil
}

// buildClient assembles the resilience chain for one upstream service.
func buildClient(cfg *config.Config, service string, resolver *discovery.Static,
	dns *dnscache.Resolver, metrics *telemetry.Metrics) *upstream.Client {

	u := cfg.Upstream(service)
	b := cfg.Breaker(service)
	r := cfg.Retry(service)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureRate:    b.FailureRatePct / 100,
		SlowCall:       time.Duration(b.SlowCallMs) * time.Millisecond,
		WaitDuration:   b.WaitDuration,
		HalfOpenProbes: b.PermittedHalfOpen,
		OnStateChange: func(_, to circuitbreaker.State) {
			metrics.BreakerState.WithLabelValues(service).Set(breakerGauge(to))
		},
	})

	return upstream.New(upstream.Options{
		Service:  service,
		Resolver: resolver,
		HTTP: &http.Client{
			Transport: upstream.NewTransport(dns, u.MaxConnections, u.ConnectTimeout),
			Timeout:   u.ReadTimeout,
		},
		Breaker:  breaker,
		Bulkhead: bulkhead.New(u.MaxConcurrent, u.AcquireTimeout),
		Retry: upstream.RetryPolicy{
			MaxAttempts: r.MaxAttempts,
			Interval:    r.Interval,
			Multiplier:  r.Multiplier,
		},
	})
}

func breakerGauge(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateOpen:
		return 1
	case circuitbreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// readyCheck answers readiness probes: the policy store must respond, and the
// cache store too unless degraded mode is allowed.
func readyCheck(store *sqlite.Store, cs *cachestore.Store, cacheOptional bool) server.ReadyChecker {
	return func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return err
		}
		if err := cs.Ping(ctx); err != nil && !cacheOptional {
			return err
		}
		return nil
	}
}

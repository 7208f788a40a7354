// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/openvanguard/vanguard/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Gateway    GatewayConfig             `yaml:"gateway"`
	Database   DatabaseConfig            `yaml:"database"`
	CacheStore CacheStoreConfig          `yaml:"cache_store"`
	Session    SessionConfig             `yaml:"session"`
	RateLimit  RateLimitConfig           `yaml:"rate_limit"`
	Policy     PolicyConfig              `yaml:"policy"`
	CCU        CCUConfig                 `yaml:"ccu"`
	OIDC       OIDCConfig                `yaml:"oidc"`
	Identity   IdentityConfig            `yaml:"identity"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
	Upstreams  map[string]UpstreamConfig `yaml:"upstreams"`
	Breakers   map[string]BreakerConfig  `yaml:"breakers"`
	Retries    map[string]RetryConfig    `yaml:"retries"`
	Routes     []RouteEntry              `yaml:"routes"`
	Policies   []PolicyEntry             `yaml:"policies"`
}

// GatewayConfig holds listener settings.
type GatewayConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings for the policy store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// CacheStoreConfig holds the shared cache store (redis) settings.
type CacheStoreConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`
	// Optional allows the gateway to start in degraded mode when the
	// cache store is unreachable at startup.
	Optional bool `yaml:"optional"`
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	L1Max      int           `yaml:"l1_max"`
	L1TTL      time.Duration `yaml:"l1_ttl"`
	L2TTL      time.Duration `yaml:"l2_ttl"` // inactivity bound for persisted sessions
	CookieName string        `yaml:"cookie_name"`
}

// RateLimitConfig holds per-tier token bucket capacities (tokens per minute).
type RateLimitConfig struct {
	AnonymousCapacity     int64         `yaml:"anonymous_capacity"`
	AuthenticatedCapacity int64         `yaml:"authenticated_capacity"`
	PremiumCapacity       int64         `yaml:"premium_capacity"`
	LocalMax              int           `yaml:"local_max"` // fallback LRU size
	LocalTTL              time.Duration `yaml:"local_ttl"`
}

// PolicyConfig controls policy snapshot refresh.
type PolicyConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// CCUConfig controls online-presence tracking.
type CCUConfig struct {
	OnlineTTL    time.Duration `yaml:"online_ttl"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	ScanBatch    int64         `yaml:"scan_batch"`
}

// OIDCConfig holds the external identity provider settings.
type OIDCConfig struct {
	Issuer       string `yaml:"issuer"` // discovery document base URL
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	PostLoginURL string `yaml:"post_login_url"`
}

// IdentityConfig points at the internal identity service for permission lookups.
type IdentityConfig struct {
	Service string        `yaml:"service"` // logical discovery name
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// UpstreamConfig holds per-upstream transport settings.
type UpstreamConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxConnections int           `yaml:"max_connections"`
	MaxConcurrent  int64         `yaml:"max_concurrent"`  // bulkhead permits
	AcquireTimeout time.Duration `yaml:"acquire_timeout"` // bulkhead wait before rejecting
	Instances      []string      `yaml:"instances"`       // static discovery: host:port
}

// BreakerConfig holds per-upstream circuit breaker settings.
type BreakerConfig struct {
	FailureRatePct    float64       `yaml:"failure_rate_pct"`
	SlowCallMs        int           `yaml:"slow_call_ms"`
	WaitDuration      time.Duration `yaml:"wait_duration"`
	PermittedHalfOpen int           `yaml:"permitted_half_open"`
}

// RetryConfig holds per-upstream retry settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
	Multiplier  float64       `yaml:"multiplier"`
}

// RouteEntry seeds a route descriptor at bootstrap.
type RouteEntry struct {
	PathPrefix  string `yaml:"path_prefix"`
	Service     string `yaml:"service"`
	StripPrefix int    `yaml:"strip_prefix"`
}

// PolicyEntry seeds a policy entry at bootstrap.
type PolicyEntry struct {
	Method     string `yaml:"method"`
	Pattern    string `yaml:"pattern"`
	Permission string `yaml:"permission"`
	Public     bool   `yaml:"public"`
	Priority   int    `yaml:"priority"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", gateway.ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with documented defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ListenAddr:      ":8080",
			RequestTimeout:  30 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{DSN: "vanguard.db"},
		CacheStore: CacheStoreConfig{
			Addr:    "localhost:6379",
			Timeout: 5 * time.Second,
		},
		Session: SessionConfig{
			L1Max:      100_000,
			L1TTL:      60 * time.Second,
			L2TTL:      24 * time.Hour,
			CookieName: gateway.SessionCookie,
		},
		RateLimit: RateLimitConfig{
			AnonymousCapacity:     100,
			AuthenticatedCapacity: 1000,
			PremiumCapacity:       10_000,
			LocalMax:              50_000,
			LocalTTL:              5 * time.Minute,
		},
		Policy: PolicyConfig{RefreshInterval: 60 * time.Second},
		CCU: CCUConfig{
			OnlineTTL:    2 * time.Minute,
			ScanInterval: 30 * time.Second,
			ScanBatch:    500,
		},
		Identity: IdentityConfig{
			Service: "identity-service",
			Timeout: 3 * time.Second,
		},
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("%w: gateway.listen_addr is required", gateway.ErrConfigInvalid)
	}
	if c.Gateway.RequestTimeout <= 0 {
		return fmt.Errorf("%w: gateway.request_timeout must be positive", gateway.ErrConfigInvalid)
	}
	if c.Session.L1Max <= 0 {
		return fmt.Errorf("%w: session.l1_max must be positive", gateway.ErrConfigInvalid)
	}
	for name, u := range c.Upstreams {
		if u.MaxConnections < 0 {
			return fmt.Errorf("%w: upstream.%s.max_connections must not be negative", gateway.ErrConfigInvalid, name)
		}
	}
	for name, b := range c.Breakers {
		if b.FailureRatePct < 0 || b.FailureRatePct > 100 {
			return fmt.Errorf("%w: breaker.%s.failure_rate_pct must be 0..100", gateway.ErrConfigInvalid, name)
		}
	}
	return nil
}

// Upstream returns the named upstream config with defaults applied.
func (c *Config) Upstream(name string) UpstreamConfig {
	u := c.Upstreams[name]
	if u.ConnectTimeout == 0 {
		u.ConnectTimeout = 5 * time.Second
	}
	if u.ReadTimeout == 0 {
		u.ReadTimeout = 30 * time.Second
	}
	if u.WriteTimeout == 0 {
		u.WriteTimeout = 30 * time.Second
	}
	if u.MaxConnections == 0 {
		u.MaxConnections = 100
	}
	if u.MaxConcurrent == 0 {
		u.MaxConcurrent = 100
	}
	if u.AcquireTimeout == 0 {
		u.AcquireTimeout = 100 * time.Millisecond
	}
	return u
}

// Breaker returns the named breaker config with defaults applied.
func (c *Config) Breaker(name string) BreakerConfig {
	b := c.Breakers[name]
	if b.FailureRatePct == 0 {
		b.FailureRatePct = 50
	}
	if b.SlowCallMs == 0 {
		b.SlowCallMs = 2000
	}
	if b.WaitDuration == 0 {
		b.WaitDuration = 10 * time.Second
	}
	if b.PermittedHalfOpen == 0 {
		b.PermittedHalfOpen = 10
	}
	return b
}

// Retry returns the named retry config with defaults applied.
func (c *Config) Retry(name string) RetryConfig {
	r := c.Retries[name]
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.Interval == 0 {
		r.Interval = 100 * time.Millisecond
	}
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}
	return r
}

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	gateway "github.com/openvanguard/vanguard/internal"
	"github.com/openvanguard/vanguard/internal/bulkhead"
	"github.com/openvanguard/vanguard/internal/circuitbreaker"
	"github.com/openvanguard/vanguard/internal/discovery"
)

// RetryPolicy controls the per-call retry loop.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Multiplier  float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Interval <= 0 {
		p.Interval = 100 * time.Millisecond
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	return p
}

// Client executes HTTP exchanges against one logical upstream service.
type Client struct {
	service  string
	resolver discovery.Resolver
	http     *http.Client
	breaker  *circuitbreaker.Breaker
	bulk     *bulkhead.Bulkhead
	retry    RetryPolicy
	next     atomic.Uint32
}

// Options configures a Client.
type Options struct {
	Service  string
	Resolver discovery.Resolver
	HTTP     *http.Client
	Breaker  *circuitbreaker.Breaker
	Bulkhead *bulkhead.Bulkhead
	Retry    RetryPolicy
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Transport: NewTransport(nil, 0, 0)}
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	if opts.Bulkhead == nil {
		opts.Bulkhead = bulkhead.New(0, 0)
	}
	return &Client{
		service:  opts.Service,
		resolver: opts.Resolver,
		http:     opts.HTTP,
		breaker:  opts.Breaker,
		bulk:     opts.Bulkhead,
		retry:    opts.Retry.withDefaults(),
	}
}

// Service returns the logical upstream name.
func (c *Client) Service() string { return c.service }

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// Do executes one logical call. build is invoked once per attempt with the
// base URL of the instance chosen for that attempt, so retries fail over to
// the next instance. Connection errors, per-attempt timeouts, and 5xx
// responses are retried until the request deadline; a response below 500 ends
// the loop and is returned with its body open. The breaker gates every
// attempt, so half-open probe accounting stays one Allow per Record.
func (c *Client) Do(ctx context.Context, build func(baseURL string) (*http.Request, error)) (*http.Response, error) {
	release, err := c.bulk.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	instances, err := c.resolver.Resolve(ctx, c.service)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", c.service, err)
	}

	var resp *http.Response
	attempt := func(ctx context.Context) error {
		if !c.breaker.Allow() {
			return fmt.Errorf("%s: %w", c.service, gateway.ErrCircuitOpen)
		}

		inst := instances[int(c.next.Add(1)-1)%len(instances)]
		req, err := build(baseURL(inst))
		if err != nil {
			return err
		}

		start := time.Now()
		r, err := c.http.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			c.breaker.Record(err, elapsed)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return retry.RetryableError(fmt.Errorf("%w: %s: %v", gateway.ErrUpstreamTimeout, c.service, err))
			}
			return retry.RetryableError(fmt.Errorf("%w: %s: %v", gateway.ErrUpstream, c.service, err))
		}

		c.breaker.Record(statusErr(r.StatusCode), elapsed)
		if r.StatusCode >= http.StatusInternalServerError {
			r.Body.Close()
			return retry.RetryableError(
				fmt.Errorf("%w: %s responded %d", gateway.ErrUpstream, c.service, r.StatusCode))
		}
		resp = r
		return nil
	}

	b := retry.WithMaxRetries(uint64(c.retry.MaxAttempts-1), backoff(c.retry.Interval, c.retry.Multiplier))
	if err := retry.Do(ctx, b, attempt); err != nil {
		return nil, err
	}
	return resp, nil
}

// backoff grows the wait by the configured multiplier each attempt.
func backoff(interval time.Duration, multiplier float64) retry.Backoff {
	next := interval
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := next
		next = time.Duration(float64(next) * multiplier)
		return d, false
	})
}

// statusErr maps an HTTP status to a breaker outcome: only 5xx marks the
// upstream unhealthy, a 4xx is the caller's problem.
func statusErr(code int) error {
	if code >= http.StatusInternalServerError {
		return gateway.ErrUpstream
	}
	return nil
}

func baseURL(inst gateway.Instance) string {
	scheme := inst.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(inst.Host, strconv.Itoa(inst.Port))
}

// Pool manages one Client per upstream service.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
	build   func(service string) *Client
}

// NewPool creates a Pool; build constructs the client the first time a
// service is seen.
func NewPool(build func(service string) *Client) *Pool {
	return &Pool{clients: make(map[string]*Client), build: build}
}

// Get returns the client for the named service, creating it if needed.
func (p *Pool) Get(service string) *Client {
	p.mu.RLock()
	c, ok := p.clients[service]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[service]; ok {
		return c
	}
	c = p.build(service)
	p.clients[service] = c
	return c
}

// Each calls fn for every client created so far.
func (p *Pool) Each(fn func(*Client)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		fn(c)
	}
}

// Package upstream forwards gateway traffic to backend services. Every call
// runs through the resilience chain: bulkhead admission, circuit breaker,
// then retry with exponential backoff and instance failover.
package upstream

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a tuned *http.Transport with connection pooling,
// bounded dialing, and optional DNS caching. Backend services speak HTTP/1.1
// on the internal network, so HTTP/2 negotiation stays off.
func NewTransport(resolver *dnscache.Resolver, maxConns int, connectTimeout time.Duration) *http.Transport {
	if maxConns <= 0 {
		maxConns = 100
	}
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	t := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

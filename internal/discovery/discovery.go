// Package discovery resolves logical service names to concrete instances.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	gateway "github.com/openvanguard/vanguard/internal"
)

// Resolver resolves a logical service name to its healthy instances.
type Resolver interface {
	Resolve(ctx context.Context, service string) ([]gateway.Instance, error)
}

// Static resolves from a fixed table built at startup. Suitable for
// config-driven deployments where instances sit behind stable addresses.
type Static struct {
	table map[string][]gateway.Instance
}

// NewStatic builds a Static resolver from service name to "host:port" lists.
func NewStatic(services map[string][]string) (*Static, error) {
	table := make(map[string][]gateway.Instance, len(services))
	for name, addrs := range services {
		instances := make([]gateway.Instance, 0, len(addrs))
		for _, addr := range addrs {
			inst, err := parseInstance(addr)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", name, err)
			}
			instances = append(instances, inst)
		}
		table[name] = instances
	}
	return &Static{table: table}, nil
}

// Resolve returns the configured instances for the service.
func (s *Static) Resolve(_ context.Context, service string) ([]gateway.Instance, error) {
	instances, ok := s.table[service]
	if !ok || len(instances) == 0 {
		return nil, fmt.Errorf("service %s: %w", service, gateway.ErrNotFound)
	}
	return instances, nil
}

// parseInstance accepts "host:port", "http://host:port" and
// "https://host:port".
func parseInstance(addr string) (gateway.Instance, error) {
	scheme := "http"
	if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		scheme, addr = "https", rest
	} else if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return gateway.Instance{}, fmt.Errorf("parse instance %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return gateway.Instance{}, fmt.Errorf("parse instance %q: invalid port", addr)
	}
	return gateway.Instance{Host: host, Port: port, Scheme: scheme}, nil
}

// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/openvanguard/vanguard/internal"
)

// PolicyStore manages authorization policy persistence.
type PolicyStore interface {
	CreatePolicy(ctx context.Context, p *gateway.PolicyEntry) error
	GetPolicy(ctx context.Context, id string) (*gateway.PolicyEntry, error)
	ListPolicies(ctx context.Context) ([]*gateway.PolicyEntry, error)
	UpdatePolicy(ctx context.Context, p *gateway.PolicyEntry) error
	DeletePolicy(ctx context.Context, id string) error
	// PolicyVersion returns the highest version across all entries, 0 when
	// the table is empty. The refresher uses it to skip no-op reloads.
	PolicyVersion(ctx context.Context) (int64, error)
}

// RouteStore manages upstream route persistence.
type RouteStore interface {
	CreateRoute(ctx context.Context, r *gateway.RouteDescriptor) error
	GetRoute(ctx context.Context, id string) (*gateway.RouteDescriptor, error)
	ListRoutes(ctx context.Context) ([]*gateway.RouteDescriptor, error)
	UpdateRoute(ctx context.Context, r *gateway.RouteDescriptor) error
	DeleteRoute(ctx context.Context, id string) error
}

// Store combines all storage interfaces.
type Store interface {
	PolicyStore
	RouteStore
	Ping(ctx context.Context) error
	Close() error
}

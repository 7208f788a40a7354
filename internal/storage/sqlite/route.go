package sqlite

import (
	"context"

	gateway "github.com/openvanguard/vanguard/internal"
)

// CreateRoute inserts a new upstream route.
func (s *Store) CreateRoute(ctx context.Context, r *gateway.RouteDescriptor) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO upstream_routes (id, path_prefix, service, strip_prefix)
		 VALUES (?, ?, ?, ?)`,
		r.ID, r.PathPrefix, r.Service, r.StripPrefix,
	)
	return err
}

// GetRoute retrieves a route by id.
func (s *Store) GetRoute(ctx context.Context, id string) (*gateway.RouteDescriptor, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, path_prefix, service, strip_prefix
		 FROM upstream_routes WHERE id=?`, id,
	)
	return scanRoute(row)
}

// ListRoutes returns all routes, longest prefix first so the router can match
// in order.
func (s *Store) ListRoutes(ctx context.Context) ([]*gateway.RouteDescriptor, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, path_prefix, service, strip_prefix
		 FROM upstream_routes ORDER BY LENGTH(path_prefix) DESC, path_prefix`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []*gateway.RouteDescriptor
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// UpdateRoute updates an existing route.
func (s *Store) UpdateRoute(ctx context.Context, r *gateway.RouteDescriptor) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE upstream_routes SET path_prefix=?, service=?, strip_prefix=? WHERE id=?`,
		r.PathPrefix, r.Service, r.StripPrefix, r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "route")
}

// DeleteRoute removes a route.
func (s *Store) DeleteRoute(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM upstream_routes WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "route")
}

// SeedRoutes inserts the given routes only when the table is empty.
func (s *Store) SeedRoutes(ctx context.Context, routes []*gateway.RouteDescriptor) error {
	var n int
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM upstream_routes`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, r := range routes {
		if err := s.CreateRoute(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func scanRoute(s scanner) (*gateway.RouteDescriptor, error) {
	var r gateway.RouteDescriptor
	err := s.Scan(&r.ID, &r.PathPrefix, &r.Service, &r.StripPrefix)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &r, nil
}

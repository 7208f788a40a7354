package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/openvanguard/vanguard/internal"
)

// CreatePolicy inserts a new policy entry.
func (s *Store) CreatePolicy(ctx context.Context, p *gateway.PolicyEntry) error {
	version := p.Version
	if version == 0 {
		version = 1
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO policy_entries (id, method, path_pattern, permission_code, public, priority, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, normalizeMethod(p.Method), p.PathPattern, p.PermissionCode,
		boolToInt(p.Public), p.Priority, version,
	)
	return err
}

// GetPolicy retrieves a policy entry by id.
func (s *Store) GetPolicy(ctx context.Context, id string) (*gateway.PolicyEntry, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, method, path_pattern, permission_code, public, priority, version
		 FROM policy_entries WHERE id=?`, id,
	)
	return scanPolicy(row)
}

// ListPolicies returns every policy entry ordered by priority then pattern so
// snapshots built from it are deterministic.
func (s *Store) ListPolicies(ctx context.Context) ([]*gateway.PolicyEntry, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, method, path_pattern, permission_code, public, priority, version
		 FROM policy_entries ORDER BY priority DESC, path_pattern`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*gateway.PolicyEntry
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, p)
	}
	return entries, rows.Err()
}

// UpdatePolicy updates an existing policy entry and bumps its version.
func (s *Store) UpdatePolicy(ctx context.Context, p *gateway.PolicyEntry) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE policy_entries
		 SET method=?, path_pattern=?, permission_code=?, public=?, priority=?,
		     version=version+1, updated_at=?
		 WHERE id=?`,
		normalizeMethod(p.Method), p.PathPattern, p.PermissionCode,
		boolToInt(p.Public), p.Priority,
		time.Now().UTC().Format(time.RFC3339), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "policy")
}

// DeletePolicy removes a policy entry.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM policy_entries WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "policy")
}

// PolicyVersion returns the highest policy version, 0 for an empty table.
func (s *Store) PolicyVersion(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	err := s.read.QueryRowContext(ctx,
		`SELECT MAX(version) FROM policy_entries`,
	).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v.Int64, nil
}

// SeedPolicies inserts the given entries only when the table is empty. Used to
// bootstrap a fresh database from the config file.
func (s *Store) SeedPolicies(ctx context.Context, entries []*gateway.PolicyEntry) error {
	var n int
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_entries`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, p := range entries {
		if err := s.CreatePolicy(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	return nil
}

func scanPolicy(s scanner) (*gateway.PolicyEntry, error) {
	var p gateway.PolicyEntry
	var public int
	err := s.Scan(&p.ID, &p.Method, &p.PathPattern, &p.PermissionCode,
		&public, &p.Priority, &p.Version)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Public = public != 0
	return &p, nil
}

func normalizeMethod(m string) string {
	if m == "" {
		return "*"
	}
	return m
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}

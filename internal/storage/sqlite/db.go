// Package sqlite backs the storage interfaces with an embedded SQLite
// database (modernc.org/sqlite, no cgo). Policies and route descriptors are
// small administrative tables, so a local file beats operating a server.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// dsnPragmas enables WAL so readers never block the writer, and keeps
// busy_timeout high enough to ride out admin-API write bursts.
const dsnPragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&" +
	"_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

// Store implements storage.Store on SQLite. SQLite allows one writer at a
// time, so writes go through a dedicated single-connection pool while reads
// fan out across CPUs.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn, applies pending migrations, and returns the
// Store. ":memory:" opens a shared-cache in-memory database, used by tests.
func New(dsn string) (*Store, error) {
	full := "file:" + dsn + "?" + dsnPragmas
	if dsn == ":memory:" {
		// Shared cache: both pools must see the same in-memory data.
		full = "file::memory:?mode=memory&cache=shared&" + dsnPragmas
	}

	write, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", full)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{write: write, read: read}, nil
}

// migrate applies the embedded migrations through goose. The fs.Sub strips
// the "migrations/" prefix so goose sees the SQL files at the root.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping reports whether the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close releases both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

// Package store is the PostgreSQL persistence layer. It owns the relational
// schema (embedded golang-migrate migrations applied at startup) and exposes
// typed accessors over a pgx connection pool. The metrics writer is the only
// path that writes performance samples; everything else goes through the
// methods here.
package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql (migrations)

	"github.com/nodenexus/nodenexus/pkg/secrets"
)

//go:embed migrations
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the connection pool. The optional secret box transparently
// decrypts agent secrets stored encrypted at rest.
type Store struct {
	pool *pgxpool.Pool
	box  *secrets.Box
}

// Options tunes store construction.
type Options struct {
	// SecretBox, when set, is used to decrypt enc: prefixed agent secrets.
	SecretBox *secrets.Box
	// SkipMigrations is used by tests that manage the schema themselves.
	SkipMigrations bool
}

// New connects to the database, applies pending migrations, and returns the
// store. The caller owns Close.
func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parsing database url: %w", err)
	}
	poolCfg.MaxConns = 16
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	if !opts.SkipMigrations {
		if err := runMigrations(databaseURL); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Store{pool: pool, box: opts.SecretBox}, nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Health pings the database with a short deadline.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// runMigrations applies the embedded migration files through database/sql.
// A separate short-lived connection is used so the migrate driver's Close
// does not touch the pgx pool.
func runMigrations(databaseURL string) error {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("store: opening migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: creating migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: reading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "nodenexus", driver)
	if err != nil {
		return fmt.Errorf("store: creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: applying migrations: %w", err)
	}
	if err := source.Close(); err != nil {
		return fmt.Errorf("store: closing migration source: %w", err)
	}
	return nil
}

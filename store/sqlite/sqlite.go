/*
Package sqlite provides a SQLite-backed implementation of the credit store.

PURPOSE:
  Implements credit.TxStore and credit.Writer on SQLite through
  database/sql. The schema mirrors the Postgres tables one-to-one so the
  same rules run against either.

KEY TABLES:
  services, service_packages:  Catalogue (unit, per-package durations)
  orders, order_items:         Purchases
  credits:                     One row per accruing order-item
  appointments:                Consumption rows, credit_id nullable (orphans)

CONSTRAINTS:
  - credits.order_item_id is UNIQUE: insert-or-ignore keys on it
  - credits.order_item_id -> order_items ON DELETE CASCADE
  - appointments.credit_id -> credits ON DELETE SET NULL
  - order_items.order_id -> orders ON DELETE CASCADE

  Deleting an order therefore removes its items and credits and turns
  their appointments back into orphans, without any application code.

CONCURRENCY:
  WithTx is serialized by a mutex so two writers never race for the
  SQLite write lock. Reads outside a transaction go straight to the pool.
  ":memory:" databases are pinned to a single connection, otherwise every
  pooled connection would open its own empty database.

USAGE:
  s, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer s.Close()

  ledger := credit.NewLedger(s, logger)

SEE ALSO:
  - queries.go: SQL for every credit.Store method
  - credit/store.go: Interface definitions
  - store/postgres: gorm implementation with versioned migrations
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/kiteflow/credit-engine/credit"
)

var (
	_ credit.TxStore = (*Store)(nil)
	_ credit.Writer  = (*Store)(nil)
)

// Store implements credit.TxStore and credit.Writer using SQLite.
type Store struct {
	*queries

	db *sql.DB
	mu sync.Mutex
}

// Option configures New.
type Option func(*sql.DB)

// WithMaxOpenConns caps the connection pool. Ignored for ":memory:".
func WithMaxOpenConns(n int) Option {
	return func(db *sql.DB) {
		if n > 0 {
			db.SetMaxOpenConns(n)
		}
	}
}

// New opens (or creates) the database at dbPath and applies the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, opt := range opts {
		opt(db)
	}
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	s := &Store{queries: &queries{q: db}, db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL CHECK (unit IN ('hours', 'days', 'months', 'none'))
	);

	CREATE TABLE IF NOT EXISTS service_packages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		service_id TEXT NOT NULL,
		duration_hours TEXT,
		duration_days TEXT,
		duration_months TEXT
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		item_type TEXT NOT NULL,
		item_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_items_order
		ON order_items(order_id);

	-- One credit per order-item; ON CONFLICT(order_item_id) keys on this.
	CREATE TABLE IF NOT EXISTS credits (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		order_item_id TEXT NOT NULL UNIQUE REFERENCES order_items(id) ON DELETE CASCADE,
		service_id TEXT NOT NULL,
		service_package_id TEXT,
		unit TEXT NOT NULL,
		total_hours TEXT,
		total_days TEXT,
		total_months TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credits_customer_service
		ON credits(customer_id, service_id);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		credit_id TEXT REFERENCES credits(id) ON DELETE SET NULL,
		duration_hours TEXT,
		duration_days TEXT,
		duration_months TEXT,
		status TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		cancelled_at TEXT
	);

	-- Orphan lookup (hot path after every issuance)
	CREATE INDEX IF NOT EXISTS idx_appointments_orphans
		ON appointments(customer_id, service_id, scheduled_at)
		WHERE credit_id IS NULL;

	CREATE INDEX IF NOT EXISTS idx_appointments_credit
		ON appointments(credit_id) WHERE credit_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (credit.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store credit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for tests and demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"appointments", "credits", "order_items", "orders", "service_packages", "services"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueConstraintError reports a UNIQUE or PRIMARY KEY violation.
func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// Package postgres keeps the ledger tables in Postgres. Each table write is a
// single transaction that replaces the table contents.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/ledger"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and table names.
type Config struct {
	DSN             string
	ResultsTable    string
	UnmatchedTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs.
type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// LedgerStore implements ledger.Store.
type LedgerStore struct {
	pool      pool
	results   string
	unmatched string
}

var _ ledger.Store = (*LedgerStore)(nil)

// New connects to Postgres and creates the tables when missing.
func New(ctx context.Context, cfg Config) (*LedgerStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.ResultsTable, cfg.UnmatchedTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, resultsTable, unmatchedTable string) (*LedgerStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if resultsTable == "" {
		resultsTable = "harvest_results"
	}
	if unmatchedTable == "" {
		unmatchedTable = "harvest_unmatched"
	}
	for _, t := range []string{resultsTable, unmatchedTable} {
		if !validTableName.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}
	if resultsTable == unmatchedTable {
		return nil, fmt.Errorf("results and unmatched tables must differ")
	}
	return &LedgerStore{pool: p, results: resultsTable, unmatched: unmatchedTable}, nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the ledger tables if they do not exist.
func (s *LedgerStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	position INTEGER NOT NULL,
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	contacts JSONB NOT NULL DEFAULT '[]'::jsonb,
	complete BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS %s (
	position INTEGER NOT NULL,
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL
);`, s.results, s.unmatched)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	return nil
}

// Load implements ledger.Store.
func (s *LedgerStore) Load(ctx context.Context) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, name, contacts, complete FROM %s ORDER BY position`, s.results))
	if err != nil {
		return snap, fmt.Errorf("query results: %w", err)
	}
	snap.Results, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (harvest.EntityResult, error) {
		var r harvest.EntityResult
		var raw []byte
		if err := row.Scan(&r.ID, &r.Name, &raw, &r.Complete); err != nil {
			return r, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &r.Contacts); err != nil {
				return r, fmt.Errorf("decode contacts for %s: %w", r.ID, err)
			}
		}
		return r, nil
	})
	if err != nil {
		return snap, fmt.Errorf("read results: %w", err)
	}

	rows, err = s.pool.Query(ctx, fmt.Sprintf(`SELECT id, name FROM %s ORDER BY position`, s.unmatched))
	if err != nil {
		return snap, fmt.Errorf("query unmatched: %w", err)
	}
	snap.Unmatched, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (harvest.UnmatchedEntity, error) {
		var u harvest.UnmatchedEntity
		err := row.Scan(&u.ID, &u.Name)
		return u, err
	})
	if err != nil {
		return snap, fmt.Errorf("read unmatched: %w", err)
	}
	return snap, nil
}

// WriteResults implements ledger.Store.
func (s *LedgerStore) WriteResults(ctx context.Context, rows []harvest.EntityResult) error {
	insert := fmt.Sprintf(
		`INSERT INTO %s (position, id, name, contacts, complete) VALUES ($1, $2, $3, $4, $5)`, s.results)
	return s.replace(ctx, s.results, func(ctx context.Context, tx pgx.Tx) error {
		for i, r := range rows {
			contacts := r.Contacts
			if contacts == nil {
				contacts = []harvest.Contact{}
			}
			data, err := json.Marshal(contacts)
			if err != nil {
				return fmt.Errorf("encode contacts for %s: %w", r.ID, err)
			}
			if _, err := tx.Exec(ctx, insert, i, r.ID, r.Name, data, r.Complete); err != nil {
				return fmt.Errorf("insert result %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// WriteUnmatched implements ledger.Store.
func (s *LedgerStore) WriteUnmatched(ctx context.Context, rows []harvest.UnmatchedEntity) error {
	insert := fmt.Sprintf(`INSERT INTO %s (position, id, name) VALUES ($1, $2, $3)`, s.unmatched)
	return s.replace(ctx, s.unmatched, func(ctx context.Context, tx pgx.Tx) error {
		for i, u := range rows {
			if _, err := tx.Exec(ctx, insert, i, u.ID, u.Name); err != nil {
				return fmt.Errorf("insert unmatched %s: %w", u.ID, err)
			}
		}
		return nil
	})
}

// Reset empties both tables.
func (s *LedgerStore) Reset(ctx context.Context) error {
	return errors.Join(
		s.replace(ctx, s.results, nil),
		s.replace(ctx, s.unmatched, nil),
	)
}

// replace deletes every row of table and runs fill in the same transaction.
func (s *LedgerStore) replace(ctx context.Context, table string, fill func(context.Context, pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s rewrite: %w", table, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	if fill != nil {
		if err = fill(ctx, tx); err != nil {
			return err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s rewrite: %w", table, err)
	}
	return nil
}

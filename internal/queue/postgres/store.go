// Package postgres provides Postgres-backed queue stores for deployments
// where run state must outlive the worker host. All endpoints share one
// table, scoped by host and kind columns.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// insertChunk bounds the number of rows per INSERT statement.
const insertChunk = 100

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	host TEXT NOT NULL,
	kind TEXT NOT NULL,
	did TEXT NOT NULL,
	session TEXT NOT NULL,
	payload JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%s_scope ON %s (host, kind);
`

// Config controls the Postgres connection pool shared by all queue stores.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DB owns the connection pool. Individual queue stores are scoped views over
// it, so a run with many endpoints still holds a single pool.
type DB struct {
	pool  querier
	table string
}

// Connect opens the pool and ensures the queue table exists.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("queue.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db := &DB{pool: pool, table: table}
	if _, err := pool.Exec(ctx, fmt.Sprintf(schemaTemplate, table, table, table)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate queue table: %w", err)
	}
	return db, nil
}

// NewWithPool constructs a DB from an existing pool (primarily for testing).
func NewWithPool(pool querier, table string) (*DB, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &DB{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "backfill_entries"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the pool.
func (d *DB) Close() {
	if d == nil || d.pool == nil {
		return
	}
	d.pool.Close()
}

// Queue returns the store scoped to one endpoint host and kind.
func (d *DB) Queue(host string, kind queue.Kind) *Store {
	return &Store{pool: d.pool, table: d.table, host: host, kind: kind}
}

// Store is a (host, kind)-scoped view over the shared queue table.
type Store struct {
	pool  querier
	table string
	host  string
	kind  queue.Kind
}

// BatchAdd appends entries, at most insertChunk rows per statement.
func (s *Store) BatchAdd(ctx context.Context, entries []queue.Entry) error {
	for start := 0; start < len(entries); start += insertChunk {
		end := start + insertChunk
		if end > len(entries) {
			end = len(entries)
		}
		if err := s.insert(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insert(ctx context.Context, entries []queue.Entry) error {
	values := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*6)
	for i, e := range entries {
		base := i * 6
		values = append(values, fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		at := e.InsertedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		args = append(args, s.host, string(s.kind), string(e.DID), e.Session, []byte(e.Payload), at)
	}
	query := fmt.Sprintf("INSERT INTO %s (host, kind, did, session, payload, inserted_at) VALUES %s",
		s.table, strings.Join(values, ","))
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}
	return nil
}

// DIDs returns the distinct DIDs present for this host and kind.
func (s *Store) DIDs(ctx context.Context) (map[backfill.DID]struct{}, error) {
	query := fmt.Sprintf("SELECT DISTINCT did FROM %s WHERE host=$1 AND kind=$2", s.table)
	rows, err := s.pool.Query(ctx, query, s.host, string(s.kind))
	if err != nil {
		return nil, fmt.Errorf("scan dids: %w", err)
	}
	defer rows.Close()

	out := make(map[backfill.DID]struct{})
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("scan did row: %w", err)
		}
		out[backfill.DID(did)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dids: %w", err)
	}
	return out, nil
}

// All returns every entry for this host and kind in insertion order.
func (s *Store) All(ctx context.Context) ([]queue.Entry, error) {
	query := fmt.Sprintf("SELECT did, session, payload, inserted_at FROM %s WHERE host=$1 AND kind=$2 ORDER BY id", s.table)
	rows, err := s.pool.Query(ctx, query, s.host, string(s.kind))
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	defer rows.Close()

	var out []queue.Entry
	for rows.Next() {
		var (
			did, session string
			payload      []byte
			insertedAt   time.Time
		)
		if err := rows.Scan(&did, &session, &payload, &insertedAt); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		out = append(out, queue.Entry{
			DID:        backfill.DID(did),
			Session:    session,
			Payload:    payload,
			InsertedAt: insertedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// Len reports the number of entries for this host and kind.
func (s *Store) Len(ctx context.Context) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE host=$1 AND kind=$2", s.table)
	var n int
	if err := s.pool.QueryRow(ctx, query, s.host, string(s.kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool belongs to the DB.
func (s *Store) Close() error { return nil }

// Package sqlite provides file-backed queue stores. Each endpoint gets its
// own database file per queue kind, so one endpoint's state can be inspected
// or deleted without touching the others.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/atproto-backfill/internal/backfill"
	"github.com/JakeFAU/atproto-backfill/internal/queue"
)

// insertChunk bounds entries per transaction, matching the postgres backend.
const insertChunk = 100

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	did TEXT NOT NULL,
	session TEXT NOT NULL,
	payload TEXT NOT NULL,
	inserted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_did ON entries(did);
`

// Store is one durable queue backed by a single SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// Filename maps an endpoint host and queue kind onto a stable database name.
// Anything outside [a-z A-Z 0-9 . -] folds to '-' so hosts carrying ports or
// IPv6 literals stay filesystem-safe.
func Filename(host string, kind queue.Kind) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, host)
	return fmt.Sprintf("%s.%s.db", sanitized, kind)
}

// Open creates or opens the queue database for one endpoint and kind under dir.
func Open(dir, host string, kind queue.Kind) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(dir, Filename(host, kind))
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure queue db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// BatchAdd appends entries, chunked into fixed-size transactions.
func (s *Store) BatchAdd(ctx context.Context, entries []queue.Entry) error {
	for len(entries) > 0 {
		chunk := entries
		if len(chunk) > insertChunk {
			chunk = chunk[:insertChunk]
		}
		if err := s.insertTx(ctx, chunk); err != nil {
			return err
		}
		entries = entries[len(chunk):]
	}
	return nil
}

func (s *Store) insertTx(ctx context.Context, entries []queue.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries(did, session, payload, inserted_at) VALUES(?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		at := e.InsertedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, string(e.DID), e.Session, string(e.Payload), at.UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert entry for %s: %w", e.DID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// DIDs returns the distinct DIDs present across all sessions.
func (s *Store) DIDs(ctx context.Context) (map[backfill.DID]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT did FROM entries`)
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

// All returns every entry in insertion order.
func (s *Store) All(ctx context.Context) ([]queue.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT did, session, payload, inserted_at FROM entries ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	defer rows.Close()

	var out []queue.Entry
	for rows.Next() {
		var (
			did, session, payload string
			insertedMilli         int64
		)
		if err := rows.Scan(&did, &session, &payload, &insertedMilli); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		out = append(out, queue.Entry{
			DID:        backfill.DID(did),
			Session:    session,
			Payload:    []byte(payload),
			InsertedAt: time.UnixMilli(insertedMilli).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// Len reports the number of entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close queue db: %w", err)
	}
	return nil
}

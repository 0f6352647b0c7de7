package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// SQLiteStore persists long-term memory in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("memory: init directory: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			ordinal INTEGER NOT NULL,
			type TEXT NOT NULL,
			subject TEXT NOT NULL,
			content TEXT NOT NULL,
			confidence REAL NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			strength INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			last_reinforced TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("memory: init sqlite %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, subject, content, confidence, reason, strength, created_at, last_reinforced
		 FROM memory_entries ORDER BY ordinal ASC`)
	if err != nil {
		return nil, fmt.Errorf("memory: query sqlite: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                   Entry
			typ, subject        string
			created, reinforced string
		)
		if err := rows.Scan(&e.ID, &typ, &subject, &e.Content, &e.Confidence, &e.Reason, &e.Strength, &created, &reinforced); err != nil {
			return nil, fmt.Errorf("%w: scan sqlite row: %v", ErrStorageCorruption, err)
		}
		e.Type = Type(typ)
		e.Subject = Subject(subject)
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("%w: created_at for %s: %v", ErrStorageCorruption, e.ID, err)
		}
		if e.LastReinforced, err = time.Parse(time.RFC3339Nano, reinforced); err != nil {
			return nil, fmt.Errorf("%w: last_reinforced for %s: %v", ErrStorageCorruption, e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate sqlite rows: %w", err)
	}
	return NewCollection(entries), nil
}

func (s *SQLiteStore) Save(ctx context.Context, c *Collection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin sqlite tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO memory_entries (id, ordinal, type, subject, content, confidence, reason, strength, created_at, last_reinforced)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			confidence = excluded.confidence,
			reason = excluded.reason,
			strength = excluded.strength,
			last_reinforced = excluded.last_reinforced`)
	if err != nil {
		return fmt.Errorf("memory: prepare sqlite upsert: %w", err)
	}
	defer stmt.Close()

	for i, e := range c.All() {
		if _, err := stmt.ExecContext(ctx,
			e.ID, i, string(e.Type), string(e.Subject), e.Content, e.Confidence, e.Reason, e.Strength,
			e.CreatedAt.UTC().Format(time.RFC3339Nano), e.LastReinforced.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("memory: upsert %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit sqlite tx: %w", err)
	}
	c.MarkClean()
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

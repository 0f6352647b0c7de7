package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions and their turns in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stm_sessions (
			id TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS stm_turns (
			session_id TEXT NOT NULL REFERENCES stm_sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stm_sessions_updated ON stm_sessions (updated_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	sess, err := s.load(ctx, `SELECT id, summary, created_at, updated_at FROM stm_sessions WHERE id=$1`, id)
	if errors.Is(err, ErrNotFound) {
		return New(id), nil
	}
	return sess, err
}

func (s *PostgresStore) Latest(ctx context.Context) (*Session, error) {
	return s.load(ctx, `SELECT id, summary, created_at, updated_at FROM stm_sessions ORDER BY updated_at DESC LIMIT 1`)
}

func (s *PostgresStore) load(ctx context.Context, query string, args ...any) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, query, args...).Scan(&sess.ID, &sess.Summary, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, text, ts FROM stm_turns WHERE session_id=$1 ORDER BY seq ASC`, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	sess.Turns = []Turn{}
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&role, &t.Text, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan turn row: %v", ErrStorageCorruption, err)
		}
		t.Role = Role(role)
		sess.Turns = append(sess.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return &sess, nil
}

// Persist replaces the stored session and its turns in one transaction.
func (s *PostgresStore) Persist(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session: persist nil session")
	}
	if err := ValidateID(sess.ID); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin persist: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO stm_sessions (id, summary, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET summary = EXCLUDED.summary, updated_at = EXCLUDED.updated_at`,
		sess.ID, sess.Summary, sess.CreatedAt, sess.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM stm_turns WHERE session_id=$1`, sess.ID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	if len(sess.Turns) > 0 {
		rows := make([][]any, 0, len(sess.Turns))
		for i, t := range sess.Turns {
			rows = append(rows, []any{sess.ID, i, string(t.Role), t.Text, t.Timestamp})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"stm_turns"},
			[]string{"session_id", "seq", "role", "text", "ts"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("insert turns: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit persist: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

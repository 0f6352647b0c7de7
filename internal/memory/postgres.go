package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists long-term memory in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id TEXT PRIMARY KEY,
			ordinal INTEGER NOT NULL,
			type TEXT NOT NULL,
			subject TEXT NOT NULL,
			content TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			reason TEXT NOT NULL DEFAULT '',
			strength INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			last_reinforced TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_ordinal ON memory_entries (ordinal);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*Collection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, subject, content, confidence, reason, strength, created_at, last_reinforced
		 FROM memory_entries ORDER BY ordinal ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query memory entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var typ, subject string
		if err := rows.Scan(&e.ID, &typ, &subject, &e.Content, &e.Confidence, &e.Reason, &e.Strength, &e.CreatedAt, &e.LastReinforced); err != nil {
			return nil, fmt.Errorf("%w: scan memory row: %v", ErrStorageCorruption, err)
		}
		e.Type = Type(typ)
		e.Subject = Subject(subject)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return NewCollection(entries), nil
}

// Save upserts every entry inside one transaction. Rows are never deleted.
func (s *PostgresStore) Save(ctx context.Context, c *Collection) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for i, e := range c.All() {
		batch.Queue(
			`INSERT INTO memory_entries (id, ordinal, type, subject, content, confidence, reason, strength, created_at, last_reinforced)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				confidence = EXCLUDED.confidence,
				reason = EXCLUDED.reason,
				strength = EXCLUDED.strength,
				last_reinforced = EXCLUDED.last_reinforced`,
			e.ID, i, string(e.Type), string(e.Subject), e.Content, e.Confidence, e.Reason, e.Strength, e.CreatedAt, e.LastReinforced,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert memory entries: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	c.MarkClean()
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

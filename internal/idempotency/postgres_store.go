package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const reserveAttempts = 3

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS mint_submissions (
    key TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    status_code INT NOT NULL,
    content_type TEXT NOT NULL,
    body BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

const createIndexSQL = `CREATE INDEX IF NOT EXISTS mint_submissions_expires_at_idx ON mint_submissions (expires_at)`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT run_id, status_code, content_type, body, created_at, expires_at
FROM mint_submissions
WHERE key = $1
`, key)

	var rec Record
	if err := row.Scan(&rec.RunID, &rec.StatusCode, &rec.ContentType, &rec.Body, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if rec.Expired(time.Now()) {
		go p.deleteExpired(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

// Reserve inserts a pending row, taking over the key only when the row held
// under it has expired.
func (p *PostgresStore) Reserve(ctx context.Context, key string, lease time.Duration) (*Record, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		pending := pendingRecord(lease)
		tag, err := p.pool.Exec(ctx, `
INSERT INTO mint_submissions (key, run_id, status_code, content_type, body, created_at, expires_at)
VALUES ($1, '', 0, '', $2, $3, $4)
ON CONFLICT (key) DO UPDATE
SET run_id = EXCLUDED.run_id,
    status_code = EXCLUDED.status_code,
    content_type = EXCLUDED.content_type,
    body = EXCLUDED.body,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
WHERE mint_submissions.expires_at < EXCLUDED.created_at
`, key, []byte{}, pending.CreatedAt, pending.ExpiresAt)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			return nil, nil
		}

		existing, err := p.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("reserve %q: key kept changing", key)
}

func (p *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM mint_submissions WHERE key = $1 AND status_code = 0`, key)
	return err
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO mint_submissions (key, run_id, status_code, content_type, body, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (key) DO UPDATE
SET run_id = EXCLUDED.run_id,
    status_code = EXCLUDED.status_code,
    content_type = EXCLUDED.content_type,
    body = EXCLUDED.body,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, record.RunID, record.StatusCode, record.ContentType, record.Body, record.CreatedAt, record.ExpiresAt)
	return err
}

// deleteExpired leaves the row alone if a new claim replaced it meanwhile.
func (p *PostgresStore) deleteExpired(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM mint_submissions WHERE key = $1 AND expires_at < $2`, key, time.Now().UTC())
}

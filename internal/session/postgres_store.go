package session

import (
	"context"
	"database/sql"
	"time"
)

// PostgresRefreshStore persists refresh tokens in PostgreSQL so that
// rotation state survives restarts and is shared across instances.
type PostgresRefreshStore struct {
	db *sql.DB
}

// NewPostgresRefreshStore creates a PostgreSQL-backed refresh token store.
func NewPostgresRefreshStore(db *sql.DB) *PostgresRefreshStore {
	return &PostgresRefreshStore{db: db}
}

// Migrate creates the refresh_tokens table if needed.
func (p *PostgresRefreshStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS refresh_tokens (
			token_hash    TEXT PRIMARY KEY,
			owner_address TEXT NOT NULL,
			agent_id      TEXT NOT NULL DEFAULT '',
			expires_at    TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON refresh_tokens(expires_at);
	`)
	return err
}

// Create stores a refresh token record.
func (p *PostgresRefreshStore) Create(ctx context.Context, rec *RefreshRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, owner_address, agent_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.TokenHash, rec.OwnerAddress, rec.AgentID, rec.ExpiresAt, rec.CreatedAt)
	return err
}

// Consume atomically deletes the row and returns it only if it was still
// valid at now. DELETE ... RETURNING gives compare-and-delete semantics:
// of two racing consumers, exactly one sees the row.
func (p *PostgresRefreshStore) Consume(ctx context.Context, tokenHash string, now time.Time) (*RefreshRecord, error) {
	rec := &RefreshRecord{}
	err := p.db.QueryRowContext(ctx, `
		DELETE FROM refresh_tokens WHERE token_hash = $1
		RETURNING token_hash, owner_address, agent_id, expires_at, created_at
	`, tokenHash).Scan(
		&rec.TokenHash, &rec.OwnerAddress, &rec.AgentID, &rec.ExpiresAt, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if now.After(rec.ExpiresAt) {
		return nil, nil
	}
	return rec, nil
}

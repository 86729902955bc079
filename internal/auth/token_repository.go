package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenRepository defines the interface for access token persistence.
type TokenRepository interface {
	Create(ctx context.Context, token *AccessToken) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*AccessToken, error)
	ListByUser(ctx context.Context, email string) ([]AccessToken, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForUser(ctx context.Context, email string) (int64, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// SQLiteTokenRepository implements TokenRepository using SQLite.
type SQLiteTokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a new SQLite-backed token repository.
func NewTokenRepository(db *sql.DB) *SQLiteTokenRepository {
	return &SQLiteTokenRepository{db: db}
}

// HashToken computes the SHA-256 hash of a raw token string for storage.
// Raw tokens are never stored — only their hashes.
func HashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Create inserts a new access token. The ID is generated if empty.
func (r *SQLiteTokenRepository) Create(ctx context.Context, token *AccessToken) error {
	if token.ID == "" {
		token.ID = "at-" + uuid.NewString()[:16]
	}

	now := time.Now().UTC()
	token.CreatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_tokens (id, user_email, title, token_hash, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, NULL, ?)`,
		token.ID, token.UserEmail, token.Title, token.TokenHash,
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating access token: %w", err)
	}
	return nil
}

// GetByTokenHash retrieves an access token by its SHA-256 hash. This is
// the hot path for bearer authentication.
// Returns ErrTokenNotFound when no token matches.
func (r *SQLiteTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*AccessToken, error) {
	var t AccessToken
	var lastUsed sql.NullString
	var createdAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_email, title, token_hash, last_used_at, created_at
		 FROM access_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&t.ID, &t.UserEmail, &t.Title, &t.TokenHash, &lastUsed, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("getting access token by hash: %w", err)
	}

	if lastUsed.Valid {
		at, _ := time.Parse(time.RFC3339, lastUsed.String) //nolint:errcheck // format is controlled
		t.LastUsedAt = &at
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	return &t, nil
}

// ListByUser returns a user's access tokens, newest first.
func (r *SQLiteTokenRepository) ListByUser(ctx context.Context, email string) ([]AccessToken, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_email, title, token_hash, last_used_at, created_at
		 FROM access_tokens WHERE user_email = ? ORDER BY created_at DESC`, email)
	if err != nil {
		return nil, fmt.Errorf("listing access tokens: %w", err)
	}
	defer rows.Close()

	tokens := []AccessToken{}
	for rows.Next() {
		var t AccessToken
		var lastUsed sql.NullString
		var createdAt string

		if err := rows.Scan(&t.ID, &t.UserEmail, &t.Title, &t.TokenHash, &lastUsed, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning access token: %w", err)
		}
		if lastUsed.Valid {
			at, _ := time.Parse(time.RFC3339, lastUsed.String) //nolint:errcheck // format is controlled
			t.LastUsedAt = &at
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access tokens: %w", err)
	}
	return tokens, nil
}

// Delete removes a single access token.
// Returns ErrTokenNotFound if the ID does not exist.
func (r *SQLiteTokenRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM access_tokens WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting access token: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 { //nolint:errcheck // always succeeds on SQLite
		return ErrTokenNotFound
	}
	return nil
}

// DeleteAllForUser removes every access token for a user. Used when an
// account is deactivated. Returns the number of deleted rows.
func (r *SQLiteTokenRepository) DeleteAllForUser(ctx context.Context, email string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM access_tokens WHERE user_email = ?", email)
	if err != nil {
		return 0, fmt.Errorf("deleting access tokens for user: %w", err)
	}

	count, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return count, nil
}

// TouchLastUsed stamps a token's last use time. Best-effort: callers
// typically ignore the error to keep the auth hot path cheap.
func (r *SQLiteTokenRepository) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE access_tokens SET last_used_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("touching access token: %w", err)
	}
	return nil
}

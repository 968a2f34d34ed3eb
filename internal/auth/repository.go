package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unbound-ops/unbound/internal/shared"
)

// RepositoryPort defines credential persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, key APIKey) error
	GetByKeyID(ctx context.Context, keyID string) (APIKey, error)
	RevokeUser(ctx context.Context, userID string) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a credential.
func (r *Repository) Insert(ctx context.Context, key APIKey) error {
	at := key.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO api_keys (key_id, user_id, secret_hash, created_at)
VALUES ($1, $2, $3, $4)`, key.KeyID, key.UserID, key.SecretHash, at)
	return err
}

// GetByKeyID fetches one credential.
func (r *Repository) GetByKeyID(ctx context.Context, keyID string) (APIKey, error) {
	var key APIKey
	err := r.pool.QueryRow(ctx, `SELECT key_id, user_id, secret_hash, created_at, revoked_at
FROM api_keys WHERE key_id = $1`, keyID).
		Scan(&key.KeyID, &key.UserID, &key.SecretHash, &key.CreatedAt, &key.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, shared.ErrInvalidCredentials
		}
		return APIKey{}, err
	}
	return key, nil
}

// RevokeUser revokes every credential belonging to one user.
func (r *Repository) RevokeUser(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_keys SET revoked_at = NOW() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	return err
}

package users

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/unbound-ops/unbound/internal/shared"
)

// RepositoryPort defines data access methods for users and their balances.
type RepositoryPort interface {
	Create(ctx context.Context, user User) error
	Get(ctx context.Context, id string) (User, error)
	List(ctx context.Context) ([]User, error)
	Update(ctx context.Context, user User) error
	Delete(ctx context.Context, id string) error
	// AdjustCredits applies delta atomically and returns the new balance.
	// The check and the mutation are a single statement so no interleaving
	// can leave the balance negative.
	AdjustCredits(ctx context.Context, id string, delta int64) (int64, error)
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a user row.
func (r *Repository) Create(ctx context.Context, user User) error {
	at := user.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO users (id, name, role, tier, credits, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, user.ID, user.Name, string(user.Role), string(user.Tier), user.Credits, at)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateName
		}
		return err
	}
	return nil
}

// Get fetches one user by id.
func (r *Repository) Get(ctx context.Context, id string) (User, error) {
	row := r.pool.QueryRow(ctx, `SELECT u.id, u.name, u.role, u.tier, u.credits, u.created_at,
(SELECT COUNT(*) FROM commands c WHERE c.user_id = u.id)
FROM users u WHERE u.id = $1`, id)
	return scanUser(row)
}

// List returns all users ordered by creation time.
func (r *Repository) List(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT u.id, u.name, u.role, u.tier, u.credits, u.created_at,
(SELECT COUNT(*) FROM commands c WHERE c.user_id = u.id)
FROM users u ORDER BY u.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, user)
	}
	return result, rows.Err()
}

// Update persists name/role/tier changes.
func (r *Repository) Update(ctx context.Context, user User) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET name=$2, role=$3, tier=$4 WHERE id=$1`,
		user.ID, user.Name, string(user.Role), string(user.Tier))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateName
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the user row.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustCredits applies delta with a non-negative balance guard in a single
// compare-and-set statement.
func (r *Repository) AdjustCredits(ctx context.Context, id string, delta int64) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `UPDATE users SET credits = credits + $2
WHERE id = $1 AND credits + $2 >= 0
RETURNING credits`, id, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// No row updated: missing user or a balance guard failure.
	var exists bool
	if scanErr := r.pool.QueryRow(ctx, `SELECT true FROM users WHERE id=$1`, id).Scan(&exists); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, scanErr
	}
	return 0, ErrInsufficientCredits
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var role, tier string
	if err := row.Scan(&u.ID, &u.Name, &role, &tier, &u.Credits, &u.CreatedAt, &u.CommandCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.Role = shared.Role(role)
	u.Tier = shared.Tier(tier)
	return u, nil
}

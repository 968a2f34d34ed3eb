package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for audit_logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert appends one entry.
func (r *Repository) Insert(ctx context.Context, entry Entry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	at := entry.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO audit_logs (action, actor_id, details, created_at)
VALUES ($1, $2, $3, $4)`, string(entry.Action), entry.ActorID, detailsJSON, at)
	return err
}

// List returns entries ordered by created_at descending, plus the total count.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Entry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.action, a.actor_id, COALESCE(u.name, ''), COALESCE(u.role, ''), a.details, a.created_at
FROM audit_logs a
LEFT JOIN users u ON u.id = a.actor_id
ORDER BY a.created_at DESC, a.id DESC
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var action string
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &action, &e.ActorID, &e.ActorName, &e.ActorRole, &detailsJSON, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.Action = Action(action)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, 0, err
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

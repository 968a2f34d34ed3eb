package rules

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort defines data access methods for rules.
type RepositoryPort interface {
	Create(ctx context.Context, rule Rule) error
	Get(ctx context.Context, id string) (Rule, error)
	List(ctx context.Context) ([]Rule, error)
	Update(ctx context.Context, rule Rule) error
	Delete(ctx context.Context, id string) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a rule row.
func (r *Repository) Create(ctx context.Context, rule Rule) error {
	restrictions, err := marshalRestrictions(rule.TimeRestrictions)
	if err != nil {
		return err
	}
	at := rule.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO rules (id, pattern, action, priority, approval_threshold, time_restrictions, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rule.ID, rule.Pattern, string(rule.Action), rule.Priority, rule.ApprovalThreshold, restrictions, rule.CreatedBy, at)
	return err
}

// Get fetches one rule by id.
func (r *Repository) Get(ctx context.Context, id string) (Rule, error) {
	row := r.pool.QueryRow(ctx, `SELECT r.id, r.pattern, r.action, r.priority, r.approval_threshold, r.time_restrictions, r.created_by, COALESCE(u.name, ''), r.created_at
FROM rules r LEFT JOIN users u ON u.id = r.created_by
WHERE r.id = $1`, id)
	return scanRule(row)
}

// List returns all rules ordered by priority then creation time.
func (r *Repository) List(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT r.id, r.pattern, r.action, r.priority, r.approval_threshold, r.time_restrictions, r.created_by, COALESCE(u.name, ''), r.created_at
FROM rules r LEFT JOIN users u ON u.id = r.created_by
ORDER BY r.priority DESC, r.created_at ASC, r.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	return result, rows.Err()
}

// Update rewrites the mutable rule fields.
func (r *Repository) Update(ctx context.Context, rule Rule) error {
	restrictions, err := marshalRestrictions(rule.TimeRestrictions)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE rules SET pattern=$2, action=$3, priority=$4, approval_threshold=$5, time_restrictions=$6
WHERE id=$1`, rule.ID, rule.Pattern, string(rule.Action), rule.Priority, rule.ApprovalThreshold, restrictions)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the rule row. Commands that already matched it keep their
// snapshotted copy of the relevant fields.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rules WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalRestrictions(t *TimeRestrictions) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (Rule, error) {
	var rule Rule
	var action string
	var restrictions []byte
	if err := row.Scan(&rule.ID, &rule.Pattern, &action, &rule.Priority, &rule.ApprovalThreshold, &restrictions, &rule.CreatedBy, &rule.CreatedByName, &rule.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rule{}, ErrNotFound
		}
		return Rule{}, err
	}
	rule.Action = Action(action)
	if len(restrictions) > 0 {
		var t TimeRestrictions
		if err := json.Unmarshal(restrictions, &t); err != nil {
			return Rule{}, err
		}
		rule.TimeRestrictions = &t
	}
	return rule, nil
}

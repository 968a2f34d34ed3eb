package commands

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepositoryPort defines data access methods for commands and approvals.
type RepositoryPort interface {
	Create(ctx context.Context, cmd Command) error
	Get(ctx context.Context, id string) (Command, error)
	// List returns commands newest first. Empty userID lists every user.
	List(ctx context.Context, userID string, limit, offset int) ([]Command, int, error)
	ListAwaiting(ctx context.Context) ([]Command, error)
	// UpdateStatusIf is the compare-and-set transition guard: it moves the
	// command from expected to next and reports whether the guard held.
	UpdateStatusIf(ctx context.Context, id string, expected, next Status, reason string, executedAt *time.Time) (bool, error)
	InsertApproval(ctx context.Context, approval Approval) error
	CountApprovals(ctx context.Context, commandID string, decision Decision) (int, error)
	// MarkExecutionReported records the executor's asynchronous completion
	// report. It never changes governance state.
	MarkExecutionReported(ctx context.Context, id string, at time.Time) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const commandColumns = `c.id, c.user_id, COALESCE(u.name, ''), COALESCE(u.tier, ''), c.command_text, c.status, c.reason,
COALESCE(c.matched_rule_id, ''), c.rule_pattern, c.rule_action, c.approval_threshold, c.escalated, c.created_at, c.executed_at`

// Create inserts a command row.
func (r *Repository) Create(ctx context.Context, cmd Command) error {
	at := cmd.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	var matched any
	if cmd.MatchedRuleID != "" {
		matched = cmd.MatchedRuleID
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO commands
(id, user_id, command_text, status, reason, matched_rule_id, rule_pattern, rule_action, approval_threshold, escalated, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cmd.ID, cmd.UserID, cmd.Text, string(cmd.Status), cmd.Reason, matched,
		cmd.RulePattern, cmd.RuleAction, cmd.Threshold, cmd.Escalated, at)
	return err
}

// Get fetches one command with its approvals.
func (r *Repository) Get(ctx context.Context, id string) (Command, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+commandColumns+`
FROM commands c JOIN users u ON u.id = c.user_id
WHERE c.id = $1`, id)
	cmd, err := scanCommand(row)
	if err != nil {
		return Command{}, err
	}
	approvals, err := r.listApprovals(ctx, id)
	if err != nil {
		return Command{}, err
	}
	cmd.Approvals = approvals
	return cmd, nil
}

// List returns a page of commands, newest first, with approvals attached.
func (r *Repository) List(ctx context.Context, userID string, limit, offset int) ([]Command, int, error) {
	var total int
	var rows pgx.Rows
	var err error
	if userID == "" {
		if err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM commands`).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err = r.pool.Query(ctx, `SELECT `+commandColumns+`
FROM commands c JOIN users u ON u.id = c.user_id
ORDER BY c.created_at DESC, c.id DESC LIMIT $1 OFFSET $2`, limit, offset)
	} else {
		if err = r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM commands WHERE user_id=$1`, userID).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err = r.pool.Query(ctx, `SELECT `+commandColumns+`
FROM commands c JOIN users u ON u.id = c.user_id
WHERE c.user_id = $1
ORDER BY c.created_at DESC, c.id DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	result, err := collectCommands(rows)
	if err != nil {
		return nil, 0, err
	}
	for i := range result {
		approvals, err := r.listApprovals(ctx, result[i].ID)
		if err != nil {
			return nil, 0, err
		}
		result[i].Approvals = approvals
	}
	return result, total, nil
}

// ListAwaiting returns every command in awaiting_approval, oldest first.
func (r *Repository) ListAwaiting(ctx context.Context) ([]Command, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+commandColumns+`
FROM commands c JOIN users u ON u.id = c.user_id
WHERE c.status = 'awaiting_approval'
ORDER BY c.created_at ASC`)
	if err != nil {
		return nil, err
	}
	result, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}
	for i := range result {
		approvals, err := r.listApprovals(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].Approvals = approvals
	}
	return result, nil
}

// UpdateStatusIf performs the guarded transition in one statement.
func (r *Repository) UpdateStatusIf(ctx context.Context, id string, expected, next Status, reason string, executedAt *time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE commands SET status=$3, reason=$4, executed_at=COALESCE($5, executed_at)
WHERE id=$1 AND status=$2`, id, string(expected), string(next), reason, executedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// InsertApproval records one approver decision. The unique index on
// (command_id, approver_id) makes duplicates fail rather than overwrite.
func (r *Repository) InsertApproval(ctx context.Context, approval Approval) error {
	at := approval.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approvals (id, command_id, approver_id, decision, created_at)
VALUES ($1, $2, $3, $4, $5)`,
		approval.ID, approval.CommandID, approval.ApproverID, string(approval.Decision), at)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateApprover
		}
		return err
	}
	return nil
}

// CountApprovals counts decisions of one kind for a command.
func (r *Repository) CountApprovals(ctx context.Context, commandID string, decision Decision) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM approvals WHERE command_id=$1 AND decision=$2`,
		commandID, string(decision)).Scan(&count)
	return count, err
}

// MarkExecutionReported stores the executor's completion timestamp.
func (r *Repository) MarkExecutionReported(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE commands SET execution_reported_at=$2 WHERE id=$1`, id, at)
	return err
}

func (r *Repository) listApprovals(ctx context.Context, commandID string) ([]Approval, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.command_id, a.approver_id, COALESCE(u.name, ''), a.decision, a.created_at
FROM approvals a LEFT JOIN users u ON u.id = a.approver_id
WHERE a.command_id = $1 ORDER BY a.created_at ASC`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var approvals []Approval
	for rows.Next() {
		var a Approval
		var decision string
		if err := rows.Scan(&a.ID, &a.CommandID, &a.ApproverID, &a.ApproverName, &decision, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Decision = Decision(decision)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (Command, error) {
	var cmd Command
	var status string
	if err := row.Scan(&cmd.ID, &cmd.UserID, &cmd.UserName, &cmd.UserTier, &cmd.Text, &status, &cmd.Reason,
		&cmd.MatchedRuleID, &cmd.RulePattern, &cmd.RuleAction, &cmd.Threshold, &cmd.Escalated,
		&cmd.CreatedAt, &cmd.ExecutedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Command{}, ErrNotFound
		}
		return Command{}, err
	}
	cmd.Status = Status(status)
	return cmd, nil
}

func collectCommands(rows pgx.Rows) ([]Command, error) {
	defer rows.Close()
	var result []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cmd)
	}
	return result, rows.Err()
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unbound-ops/unbound/internal/audit"
	"github.com/unbound-ops/unbound/internal/rules"
	"github.com/unbound-ops/unbound/internal/shared"
	"github.com/unbound-ops/unbound/internal/users"
)

// RulePort supplies the current compiled rule snapshot.
type RulePort interface {
	Snapshot(ctx context.Context) (*rules.Snapshot, error)
}

// LedgerPort is the credit ledger the governor settles against.
type LedgerPort interface {
	Debit(ctx context.Context, userID string, amount int64) (int64, error)
	Adjust(ctx context.Context, userID string, delta int64) (int64, error)
}

// AuditPort records governance events, best-effort.
type AuditPort interface {
	Record(ctx context.Context, action audit.Action, actorID string, details map[string]any)
}

// DispatcherPort hands an executed command to the executor collaborator.
type DispatcherPort interface {
	EnqueueExecute(ctx context.Context, commandID, commandText string) error
}

// MetricsPort counts governance decisions.
type MetricsPort interface {
	CommandDecision(status string)
}

// Config holds the governor's policy knobs.
type Config struct {
	// DefaultAction governs commands no rule matches.
	DefaultAction rules.Action
	// DefaultThreshold applies when DefaultAction requires approval.
	DefaultThreshold int
	// CommandCost is debited once per executed command.
	CommandCost int64
	// Location is the governing clock's timezone for rule time windows.
	Location *time.Location
}

func (c Config) normalized() Config {
	switch c.DefaultAction {
	case rules.ActionAutoAccept, rules.ActionAutoReject, rules.ActionRequireApproval:
	default:
		c.DefaultAction = rules.ActionRequireApproval
	}
	if c.DefaultThreshold < 1 {
		c.DefaultThreshold = 1
	}
	if c.CommandCost <= 0 {
		c.CommandCost = 1
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Governor decides what happens to submitted commands: match, apply the
// decision table, settle the ledger and dispatch to the executor, with an
// audit record for every transition.
type Governor struct {
	repo       RepositoryPort
	rules      RulePort
	ledger     LedgerPort
	audit      AuditPort
	dispatcher DispatcherPort
	metrics    MetricsPort
	logger     *slog.Logger
	locks      *shared.KeyedMutex
	cfg        Config
	now        func() time.Time
}

// NewGovernor constructs a Governor.
func NewGovernor(repo RepositoryPort, rulePort RulePort, ledger LedgerPort, auditor AuditPort, dispatcher DispatcherPort, metrics MetricsPort, logger *slog.Logger, cfg Config) *Governor {
	return &Governor{
		repo:       repo,
		rules:      rulePort,
		ledger:     ledger,
		audit:      auditor,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		locks:      shared.NewKeyedMutex(),
		cfg:        cfg.normalized(),
		now:        time.Now,
	}
}

// WithClock overrides the governing clock. Test hook.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// SubmitResult reports the synchronous outcome of a submission.
type SubmitResult struct {
	Command    Command
	NewBalance *int64
	Message    string
}

// Submit runs one command through the decision table. The command is
// created once; only its status, reason and executedAt move afterwards.
func (g *Governor) Submit(ctx context.Context, userID, commandText string) (SubmitResult, error) {
	text := strings.TrimSpace(commandText)
	if text == "" {
		return SubmitResult{}, fmt.Errorf("%w: command text required", ErrValidation)
	}
	now := g.now().In(g.cfg.Location)

	cmd := Command{
		ID:        uuid.NewString(),
		UserID:    userID,
		Text:      text,
		Status:    StatusPending,
		CreatedAt: now,
	}

	snapshot, err := g.rules.Snapshot(ctx)
	if err != nil {
		return SubmitResult{}, err
	}

	var decision rules.Decision
	if rule, ok := snapshot.Match(text); ok {
		cmd.MatchedRuleID = rule.ID
		cmd.RulePattern = rule.Pattern
		cmd.RuleAction = string(rule.Action)
		decision = rules.Evaluate(rule, now)
	} else {
		decision = g.defaultDecision()
	}
	if decision.Disposition == rules.DispositionAwait {
		cmd.Threshold = decision.Threshold
		cmd.Escalated = decision.Escalated
	}

	if err := g.repo.Create(ctx, cmd); err != nil {
		return SubmitResult{}, fmt.Errorf("commands: create: %w", err)
	}
	g.recordAudit(ctx, audit.ActionCommandSubmitted, userID, map[string]any{
		"commandId":   cmd.ID,
		"commandText": cmd.Text,
		"matchedRule": cmd.MatchedRuleID,
	})

	result, err := g.apply(ctx, cmd, decision)
	if err != nil {
		return SubmitResult{}, err
	}
	if g.metrics != nil {
		g.metrics.CommandDecision(string(result.Command.Status))
	}
	return result, nil
}

// Resubmit creates a fresh command from a rejected one's text. The old
// command stays terminal and untouched.
func (g *Governor) Resubmit(ctx context.Context, caller shared.Identity, commandID string) (SubmitResult, error) {
	old, err := g.repo.Get(ctx, commandID)
	if err != nil {
		return SubmitResult{}, err
	}
	if old.UserID != caller.UserID && !caller.IsAdmin() {
		return SubmitResult{}, shared.ErrForbidden
	}
	if old.Status != StatusRejected {
		return SubmitResult{}, fmt.Errorf("%w: only rejected commands can be resubmitted", ErrValidation)
	}
	return g.Submit(ctx, old.UserID, old.Text)
}

// Get returns one command, restricted to its owner unless the caller is an
// admin.
func (g *Governor) Get(ctx context.Context, caller shared.Identity, id string) (Command, error) {
	cmd, err := g.repo.Get(ctx, id)
	if err != nil {
		return Command{}, err
	}
	if cmd.UserID != caller.UserID && !caller.IsAdmin() {
		return Command{}, shared.ErrForbidden
	}
	return cmd, nil
}

// List returns the caller's history; admins see every user's commands.
func (g *Governor) List(ctx context.Context, caller shared.Identity, limit, offset int) ([]Command, int, error) {
	page := shared.ClampPage(limit, offset, 100)
	userID := caller.UserID
	if caller.IsAdmin() {
		userID = ""
	}
	return g.repo.List(ctx, userID, page.Limit, page.Offset)
}

// ListAwaiting returns the approval queue.
func (g *Governor) ListAwaiting(ctx context.Context) ([]Command, error) {
	return g.repo.ListAwaiting(ctx)
}

// ReportExecution stores the executor's asynchronous completion report.
// The governance outcome is already final by then.
func (g *Governor) ReportExecution(ctx context.Context, commandID string, at time.Time) error {
	return g.repo.MarkExecutionReported(ctx, commandID, at)
}

func (g *Governor) defaultDecision() rules.Decision {
	switch g.cfg.DefaultAction {
	case rules.ActionAutoAccept:
		return rules.Decision{Disposition: rules.DispositionExecute}
	case rules.ActionAutoReject:
		return rules.Decision{Disposition: rules.DispositionReject}
	default:
		return rules.Decision{Disposition: rules.DispositionAwait, Threshold: g.cfg.DefaultThreshold}
	}
}

func (g *Governor) apply(ctx context.Context, cmd Command, decision rules.Decision) (SubmitResult, error) {
	switch decision.Disposition {
	case rules.DispositionExecute:
		return g.settle(ctx, cmd, StatusPending)
	case rules.DispositionReject:
		if _, err := g.transition(ctx, cmd.ID, StatusPending, StatusRejected, ReasonBlockedByRule, nil); err != nil {
			return SubmitResult{}, err
		}
		cmd.Status = StatusRejected
		cmd.Reason = ReasonBlockedByRule
		g.recordAudit(ctx, audit.ActionCommandRejected, cmd.UserID, map[string]any{
			"commandId": cmd.ID,
			"reason":    ReasonBlockedByRule,
			"rule":      cmd.MatchedRuleID,
		})
		return SubmitResult{Command: cmd, Message: "command blocked by policy"}, nil
	default:
		if _, err := g.transition(ctx, cmd.ID, StatusPending, StatusAwaitingApproval, "", nil); err != nil {
			return SubmitResult{}, err
		}
		cmd.Status = StatusAwaitingApproval
		if decision.Escalated {
			g.recordAudit(ctx, audit.ActionCommandEscalated, cmd.UserID, map[string]any{
				"commandId": cmd.ID,
				"rule":      cmd.MatchedRuleID,
				"reason":    "outside auto-accept window",
				"threshold": decision.Threshold,
			})
			return SubmitResult{Command: cmd, Message: "outside the approved window, queued for admin review"}, nil
		}
		return SubmitResult{Command: cmd, Message: fmt.Sprintf("awaiting %d approval(s)", decision.Threshold)}, nil
	}
}

// settle pairs the transition to executed with exactly one ledger debit.
// The caller holds whatever lock guards the expected status; the repository
// compare-and-set is the final arbiter, so a lost race debits nothing
// durable: the debit is compensated and the command left as found.
func (g *Governor) settle(ctx context.Context, cmd Command, expected Status) (SubmitResult, error) {
	balance, err := g.ledger.Debit(ctx, cmd.UserID, g.cfg.CommandCost)
	if err != nil {
		if errors.Is(err, users.ErrInsufficientCredits) {
			ok, terr := g.transition(ctx, cmd.ID, expected, StatusRejected, ReasonInsufficientCredits, nil)
			if terr != nil {
				return SubmitResult{}, terr
			}
			if !ok {
				return g.reloadOutcome(ctx, cmd.ID)
			}
			cmd.Status = StatusRejected
			cmd.Reason = ReasonInsufficientCredits
			g.recordAudit(ctx, audit.ActionCommandRejected, cmd.UserID, map[string]any{
				"commandId": cmd.ID,
				"reason":    ReasonInsufficientCredits,
				"cost":      g.cfg.CommandCost,
			})
			return SubmitResult{Command: cmd, Message: "not enough credits"}, nil
		}
		return SubmitResult{}, err
	}

	executedAt := g.now().In(g.cfg.Location)
	ok, err := g.transition(ctx, cmd.ID, expected, StatusExecuted, "", &executedAt)
	if err != nil || !ok {
		// No partial effect: a debit without its status transition is
		// returned to the balance.
		if _, rerr := g.ledger.Adjust(ctx, cmd.UserID, g.cfg.CommandCost); rerr != nil && g.logger != nil {
			g.logger.Error("refund after failed settlement",
				slog.String("command_id", cmd.ID), slog.Any("error", rerr))
		}
		if err != nil {
			return SubmitResult{}, err
		}
		return g.reloadOutcome(ctx, cmd.ID)
	}

	cmd.Status = StatusExecuted
	cmd.ExecutedAt = &executedAt
	if g.dispatcher != nil {
		if err := g.dispatcher.EnqueueExecute(ctx, cmd.ID, cmd.Text); err != nil && g.logger != nil {
			g.logger.Error("dispatch executed command",
				slog.String("command_id", cmd.ID), slog.Any("error", err))
		}
	}
	g.recordAudit(ctx, audit.ActionCommandExecuted, cmd.UserID, map[string]any{
		"commandId":  cmd.ID,
		"cost":       g.cfg.CommandCost,
		"newBalance": balance,
	})
	return SubmitResult{Command: cmd, NewBalance: &balance, Message: "command executed"}, nil
}

// reloadOutcome is the late-vote path: another writer finalized first, so
// report the recorded outcome without re-settling.
func (g *Governor) reloadOutcome(ctx context.Context, id string) (SubmitResult, error) {
	cmd, err := g.repo.Get(ctx, id)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Command: cmd, Message: "already finalized"}, nil
}

func (g *Governor) transition(ctx context.Context, id string, expected, next Status, reason string, executedAt *time.Time) (bool, error) {
	ok, err := g.repo.UpdateStatusIf(ctx, id, expected, next, reason, executedAt)
	if err != nil {
		return false, fmt.Errorf("commands: transition %s -> %s: %w", expected, next, err)
	}
	return ok, nil
}

func (g *Governor) recordAudit(ctx context.Context, action audit.Action, actorID string, details map[string]any) {
	if g.audit == nil {
		return
	}
	g.audit.Record(ctx, action, actorID, details)
}

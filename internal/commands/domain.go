package commands

import (
	"errors"
	"time"
)

// Status is the command lifecycle state. pending is transient; executed and
// rejected are terminal; awaiting_approval resolves through the coordinator.
type Status string

const (
	StatusPending          Status = "pending"
	StatusExecuted         Status = "executed"
	StatusRejected         Status = "rejected"
	StatusAwaitingApproval Status = "awaiting_approval"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected
}

// Decision is a single approver's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Rejection reasons reported to the submitter.
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonBlockedByRule       = "blocked_by_rule"
	ReasonVetoed              = "rejected_by_approver"
)

// Command is one submitted command. Immutable after creation except for
// status, reason, executedAt and its approvals, all mutated only through
// the governor and the coordinator.
type Command struct {
	ID       string
	UserID   string
	UserName string
	UserTier string
	Text     string
	Status   Status
	Reason   string

	// Snapshot of the matched rule at decision time. Deleting or editing
	// the rule later never rewrites a decided command.
	MatchedRuleID string
	RulePattern   string
	RuleAction    string
	Threshold     int
	Escalated     bool

	CreatedAt  time.Time
	ExecutedAt *time.Time
	Approvals  []Approval
}

// Approval is one approver's recorded decision, at most one per
// (command, approver) pair.
type Approval struct {
	ID           string
	CommandID    string
	ApproverID   string
	ApproverName string
	Decision     Decision
	CreatedAt    time.Time
}

var (
	// ErrNotFound indicates the command record is missing.
	ErrNotFound = errors.New("commands: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("commands: invalid input")
	// ErrNotAwaitingApproval occurs when a decision targets a command that
	// is not currently awaiting approval. Permanent for that caller.
	ErrNotAwaitingApproval = errors.New("commands: not awaiting approval")
	// ErrDuplicateApprover occurs when an approver already decided on the
	// command. The earlier decision stands.
	ErrDuplicateApprover = errors.New("commands: approver already decided")
)

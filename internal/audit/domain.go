package audit

import "time"

// Action enumerates the event kinds the engine emits.
type Action string

const (
	ActionCommandSubmitted Action = "COMMAND_SUBMITTED"
	ActionCommandExecuted  Action = "COMMAND_EXECUTED"
	ActionCommandRejected  Action = "COMMAND_REJECTED"
	ActionCommandEscalated Action = "COMMAND_ESCALATED"
	ActionApprovalRecorded Action = "APPROVAL_RECORDED"
	ActionRuleCreated      Action = "RULE_CREATED"
	ActionRuleUpdated      Action = "RULE_UPDATED"
	ActionRuleDeleted      Action = "RULE_DELETED"
	ActionUserCreated      Action = "USER_CREATED"
	ActionUserDeleted      Action = "USER_DELETED"
	ActionCreditsAdjusted  Action = "CREDITS_ADJUSTED"
)

// Entry is a single append-only audit record.
type Entry struct {
	ID        int64
	Action    Action
	ActorID   string
	ActorName string
	ActorRole string
	Details   map[string]any
	CreatedAt time.Time
}

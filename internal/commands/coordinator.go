package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/unbound-ops/unbound/internal/audit"
	"github.com/unbound-ops/unbound/internal/shared"
)

// Coordinator owns commands in awaiting_approval: it records decisions,
// detects quorum and finalizes the outcome exactly once.
type Coordinator struct {
	repo     RepositoryPort
	governor *Governor
	audit    AuditPort
	locks    *shared.KeyedMutex
}

// NewCoordinator constructs a Coordinator sharing the governor's settlement
// path.
func NewCoordinator(repo RepositoryPort, governor *Governor, auditor AuditPort) *Coordinator {
	return &Coordinator{
		repo:     repo,
		governor: governor,
		audit:    auditor,
		locks:    shared.NewKeyedMutex(),
	}
}

// Outcome reports the command state after a decision was recorded.
type Outcome struct {
	Status     Status
	NewBalance *int64
	Message    string
}

// RecordDecision registers one approver's verdict. A rejected decision is a
// unilateral veto; approvals accumulate until the snapshotted threshold is
// reached, at which point the command settles exactly once. Transitions on
// one command serialise on its id, so no two decisions interleave.
func (c *Coordinator) RecordDecision(ctx context.Context, approver shared.Identity, commandID string, decision Decision) (Outcome, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return Outcome{}, fmt.Errorf("%w: unknown decision %q", ErrValidation, decision)
	}

	unlock := c.locks.Lock(commandID)
	defer unlock()

	cmd, err := c.repo.Get(ctx, commandID)
	if err != nil {
		return Outcome{}, err
	}
	if cmd.Status != StatusAwaitingApproval {
		return Outcome{}, ErrNotAwaitingApproval
	}

	approval := Approval{
		ID:         uuid.NewString(),
		CommandID:  commandID,
		ApproverID: approver.UserID,
		Decision:   decision,
	}
	if err := c.repo.InsertApproval(ctx, approval); err != nil {
		return Outcome{}, err
	}
	c.recordAudit(ctx, approver.UserID, map[string]any{
		"commandId": commandID,
		"decision":  string(decision),
	})

	if decision == DecisionRejected {
		return c.finalizeRejected(ctx, cmd)
	}

	approved, err := c.repo.CountApprovals(ctx, commandID, DecisionApproved)
	if err != nil {
		return Outcome{}, err
	}
	if approved < cmd.Threshold {
		return Outcome{
			Status:  StatusAwaitingApproval,
			Message: fmt.Sprintf("%d of %d approvals recorded", approved, cmd.Threshold),
		}, nil
	}

	result, err := c.governor.settle(ctx, cmd, StatusAwaitingApproval)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Status:     result.Command.Status,
		NewBalance: result.NewBalance,
		Message:    result.Message,
	}, nil
}

func (c *Coordinator) finalizeRejected(ctx context.Context, cmd Command) (Outcome, error) {
	ok, err := c.repo.UpdateStatusIf(ctx, cmd.ID, StatusAwaitingApproval, StatusRejected, ReasonVetoed, nil)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		// Finalized by a concurrent writer; the vote stays recorded but
		// the settled outcome stands.
		current, err := c.repo.Get(ctx, cmd.ID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: current.Status, Message: "already finalized"}, nil
	}
	if c.audit != nil {
		c.audit.Record(ctx, audit.ActionCommandRejected, cmd.UserID, map[string]any{
			"commandId": cmd.ID,
			"reason":    ReasonVetoed,
		})
	}
	return Outcome{Status: StatusRejected, Message: "command rejected"}, nil
}

func (c *Coordinator) recordAudit(ctx context.Context, actorID string, details map[string]any) {
	if c.audit == nil {
		return
	}
	c.audit.Record(ctx, audit.ActionApprovalRecorded, actorID, details)
}

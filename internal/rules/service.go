package rules

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/unbound-ops/unbound/internal/audit"
)

// AuditPort records rule lifecycle events, best-effort.
type AuditPort interface {
	Record(ctx context.Context, action audit.Action, actorID string, details map[string]any)
}

// Service owns rule authoring and the compiled snapshot the governor
// matches against.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	snapshot atomic.Pointer[Snapshot]
	reload   singleflight.Group
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, auditor AuditPort) *Service {
	return &Service{repo: repo, audit: auditor}
}

// Snapshot returns the current compiled rule set, loading it on first use.
// Concurrent cold loads collapse into a single repository read.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := s.snapshot.Load(); snap != nil {
		return snap, nil
	}
	result, err, _ := s.reload.Do("snapshot", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

func (s *Service) refresh(ctx context.Context) (*Snapshot, error) {
	stored, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("rules: load rule set: %w", err)
	}
	snap, err := BuildSnapshot(stored)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(snap)
	return snap, nil
}

// CreateInput describes a new rule.
type CreateInput struct {
	Pattern           string
	Action            Action
	Priority          int
	ApprovalThreshold int
	TimeRestrictions  *TimeRestrictions
}

// Create validates and stores a rule, then rebuilds the snapshot. Invalid
// patterns never reach the store, so matching never sees one.
func (s *Service) Create(ctx context.Context, actorID string, input CreateInput) (Rule, error) {
	rule := Rule{
		ID:                uuid.NewString(),
		Pattern:           input.Pattern,
		Action:            input.Action,
		Priority:          input.Priority,
		ApprovalThreshold: input.ApprovalThreshold,
		TimeRestrictions:  input.TimeRestrictions,
		CreatedBy:         actorID,
	}
	if rule.ApprovalThreshold == 0 {
		rule.ApprovalThreshold = 1
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	if err := s.repo.Create(ctx, rule); err != nil {
		return Rule{}, err
	}
	stored, err := s.repo.Get(ctx, rule.ID)
	if err != nil {
		return Rule{}, err
	}
	if _, err := s.refresh(ctx); err != nil {
		return Rule{}, err
	}
	s.recordAudit(ctx, audit.ActionRuleCreated, actorID, map[string]any{
		"ruleId":   stored.ID,
		"pattern":  stored.Pattern,
		"action":   string(stored.Action),
		"priority": stored.Priority,
	})
	return stored, nil
}

// UpdateInput carries optional rule changes.
type UpdateInput struct {
	Pattern           *string
	Action            *Action
	Priority          *int
	ApprovalThreshold *int
	TimeRestrictions  *TimeRestrictions
	ClearRestrictions bool
}

// Update modifies a rule. Already-decided commands are unaffected; they
// snapshotted the fields they needed at decision time.
func (s *Service) Update(ctx context.Context, actorID, id string, input UpdateInput) (Rule, error) {
	rule, err := s.repo.Get(ctx, id)
	if err != nil {
		return Rule{}, err
	}
	if input.Pattern != nil {
		rule.Pattern = *input.Pattern
	}
	if input.Action != nil {
		rule.Action = *input.Action
	}
	if input.Priority != nil {
		rule.Priority = *input.Priority
	}
	if input.ApprovalThreshold != nil {
		rule.ApprovalThreshold = *input.ApprovalThreshold
	}
	if input.ClearRestrictions {
		rule.TimeRestrictions = nil
	} else if input.TimeRestrictions != nil {
		rule.TimeRestrictions = input.TimeRestrictions
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	if err := s.repo.Update(ctx, rule); err != nil {
		return Rule{}, err
	}
	if _, err := s.refresh(ctx); err != nil {
		return Rule{}, err
	}
	s.recordAudit(ctx, audit.ActionRuleUpdated, actorID, map[string]any{
		"ruleId":   rule.ID,
		"pattern":  rule.Pattern,
		"action":   string(rule.Action),
		"priority": rule.Priority,
	})
	return rule, nil
}

// Delete removes a rule and rebuilds the snapshot.
func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	rule, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := s.refresh(ctx); err != nil {
		return err
	}
	s.recordAudit(ctx, audit.ActionRuleDeleted, actorID, map[string]any{
		"ruleId":  rule.ID,
		"pattern": rule.Pattern,
	})
	return nil
}

// List returns all rules in matching order.
func (s *Service) List(ctx context.Context) ([]Rule, error) {
	return s.repo.List(ctx)
}

// TestPattern reports whether pattern matches testCommand. The pattern must
// compile; this is the dry-run used by rule authors.
func (s *Service) TestPattern(pattern, testCommand string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("%w: pattern does not compile: %v", ErrValidation, err)
	}
	return re.MatchString(testCommand), nil
}

func (s *Service) recordAudit(ctx context.Context, action audit.Action, actorID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, action, actorID, details)
}

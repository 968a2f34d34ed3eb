package users

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/unbound-ops/unbound/internal/audit"
	"github.com/unbound-ops/unbound/internal/shared"
)

// AuditPort records account events, best-effort.
type AuditPort interface {
	Record(ctx context.Context, action audit.Action, actorID string, details map[string]any)
}

// KeyIssuer manages API credentials for accounts. Implemented by the
// identity collaborator; the user store never sees raw keys after issuance.
type KeyIssuer interface {
	Issue(ctx context.Context, userID string) (string, error)
	RevokeUser(ctx context.Context, userID string) error
}

// Service handles account management and credit adjustments.
type Service struct {
	repo   RepositoryPort
	ledger *Ledger
	keys   KeyIssuer
	audit  AuditPort
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, ledger *Ledger, keys KeyIssuer, auditor AuditPort) *Service {
	return &Service{repo: repo, ledger: ledger, keys: keys, audit: auditor}
}

// CreateInput describes a new account.
type CreateInput struct {
	Name    string
	Role    shared.Role
	Tier    shared.Tier
	Credits int64
}

// CreateResult returns the stored user plus the plaintext API key, which is
// shown exactly once.
type CreateResult struct {
	User   User
	APIKey string
}

// Create stores a new account and issues its API key.
func (s *Service) Create(ctx context.Context, actorID string, input CreateInput) (CreateResult, error) {
	if input.Name == "" {
		return CreateResult{}, fmt.Errorf("%w: name required", ErrValidation)
	}
	if input.Role == "" {
		input.Role = shared.RoleMember
	}
	if input.Tier == "" {
		input.Tier = shared.TierJunior
	}
	if input.Credits < 0 {
		return CreateResult{}, fmt.Errorf("%w: credits must not be negative", ErrValidation)
	}
	user := User{
		ID:      uuid.NewString(),
		Name:    input.Name,
		Role:    input.Role,
		Tier:    input.Tier,
		Credits: input.Credits,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return CreateResult{}, err
	}
	key, err := s.keys.Issue(ctx, user.ID)
	if err != nil {
		// Without a credential the account is unusable; undo the insert.
		_ = s.repo.Delete(ctx, user.ID)
		return CreateResult{}, fmt.Errorf("users: issue api key: %w", err)
	}
	stored, err := s.repo.Get(ctx, user.ID)
	if err != nil {
		return CreateResult{}, err
	}
	s.recordAudit(ctx, audit.ActionUserCreated, actorID, map[string]any{
		"userId": user.ID,
		"name":   user.Name,
		"role":   string(user.Role),
		"tier":   string(user.Tier),
	})
	return CreateResult{User: stored, APIKey: key}, nil
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	return s.repo.Get(ctx, id)
}

// List returns all accounts.
func (s *Service) List(ctx context.Context) ([]User, error) {
	return s.repo.List(ctx)
}

// UpdateInput carries optional account changes.
type UpdateInput struct {
	Name *string
	Role *shared.Role
	Tier *shared.Tier
}

// Update modifies account fields.
func (s *Service) Update(ctx context.Context, actorID, id string, input UpdateInput) (User, error) {
	user, err := s.repo.Get(ctx, id)
	if err != nil {
		return User{}, err
	}
	if input.Name != nil {
		if *input.Name == "" {
			return User{}, fmt.Errorf("%w: name required", ErrValidation)
		}
		user.Name = *input.Name
	}
	if input.Role != nil {
		if *input.Role != shared.RoleAdmin && *input.Role != shared.RoleMember {
			return User{}, fmt.Errorf("%w: unknown role %q", ErrValidation, *input.Role)
		}
		user.Role = *input.Role
	}
	if input.Tier != nil {
		switch *input.Tier {
		case shared.TierJunior, shared.TierSenior, shared.TierLead:
		default:
			return User{}, fmt.Errorf("%w: unknown tier %q", ErrValidation, *input.Tier)
		}
		user.Tier = *input.Tier
	}
	if err := s.repo.Update(ctx, user); err != nil {
		return User{}, err
	}
	return s.repo.Get(ctx, id)
}

// Delete removes the account and revokes its credentials.
func (s *Service) Delete(ctx context.Context, actorID, id string) error {
	user, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.keys != nil {
		_ = s.keys.RevokeUser(ctx, id)
	}
	s.recordAudit(ctx, audit.ActionUserDeleted, actorID, map[string]any{
		"userId": id,
		"name":   user.Name,
	})
	return nil
}

// AddCredits applies an administrative balance adjustment.
func (s *Service) AddCredits(ctx context.Context, actorID, id string, amount int64) (User, error) {
	balance, err := s.ledger.Adjust(ctx, id, amount)
	if err != nil {
		return User{}, err
	}
	s.recordAudit(ctx, audit.ActionCreditsAdjusted, actorID, map[string]any{
		"userId":     id,
		"amount":     amount,
		"newBalance": balance,
	})
	return s.repo.Get(ctx, id)
}

func (s *Service) recordAudit(ctx context.Context, action audit.Action, actorID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, action, actorID, details)
}

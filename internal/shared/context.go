package shared

import "context"

// Role classifies an account's privileges.
type Role string

const (
	// RoleAdmin can manage users, rules and approvals.
	RoleAdmin Role = "admin"
	// RoleMember can submit commands and view their own history.
	RoleMember Role = "member"
)

// Tier groups members by seniority.
type Tier string

const (
	TierJunior Tier = "junior"
	TierSenior Tier = "senior"
	TierLead   Tier = "lead"
)

// Identity carries the resolved caller for a request. The identity
// collaborator fills it in; the governance core only reads it.
type Identity struct {
	UserID string
	Name   string
	Role   Role
	Tier   Tier
}

// IsAdmin reports whether the identity holds the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type identityContextKey struct{}

// ContextWithIdentity stores the identity in context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext extracts the identity from context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

package users

import (
	"errors"
	"time"

	"github.com/unbound-ops/unbound/internal/shared"
)

// User is an operator account. Credits gate command execution and only the
// ledger mutates them.
type User struct {
	ID           string
	Name         string
	Role         shared.Role
	Tier         shared.Tier
	Credits      int64
	CommandCount int
	CreatedAt    time.Time
}

var (
	// ErrNotFound indicates the user record is missing.
	ErrNotFound = errors.New("users: not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("users: invalid input")
	// ErrDuplicateName indicates the name is already taken.
	ErrDuplicateName = errors.New("users: name already exists")
	// ErrInsufficientCredits occurs when a debit or negative adjustment
	// would take the balance below zero.
	ErrInsufficientCredits = errors.New("users: insufficient credits")
)

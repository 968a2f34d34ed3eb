package users

import (
	"context"
	"fmt"

	"github.com/unbound-ops/unbound/internal/shared"
)

// Ledger owns credit balances. Debits serialise per user so concurrent
// settlements for the same submitter cannot interleave; balances for
// different users never contend.
type Ledger struct {
	repo  RepositoryPort
	locks *shared.KeyedMutex
}

// NewLedger constructs a Ledger.
func NewLedger(repo RepositoryPort) *Ledger {
	return &Ledger{repo: repo, locks: shared.NewKeyedMutex()}
}

// Debit removes amount from the user's balance and returns the new balance.
// Returns ErrInsufficientCredits without touching the balance when it would
// go negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: debit amount must be positive", ErrValidation)
	}
	unlock := l.locks.Lock(userID)
	defer unlock()
	return l.repo.AdjustCredits(ctx, userID, -amount)
}

// Adjust applies an administrative credit change, possibly negative. It is
// independent of command settlement and relies on the repository's atomic
// guard alone, so it is never blocked by in-flight command processing.
func (l *Ledger) Adjust(ctx context.Context, userID string, delta int64) (int64, error) {
	if delta == 0 {
		return 0, fmt.Errorf("%w: adjustment must be non-zero", ErrValidation)
	}
	return l.repo.AdjustCredits(ctx, userID, delta)
}

package users

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLedgerDebitFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	repo := newMemUserRepo()
	require.NoError(t, repo.Create(ctx, User{ID: "alice", Name: "alice", Credits: 3}))
	ledger := NewLedger(repo)

	balance, err := ledger.Debit(ctx, "alice", 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, balance)

	_, err = ledger.Debit(ctx, "alice", 2)
	require.ErrorIs(t, err, ErrInsufficientCredits)

	// The failed debit left the balance untouched.
	stored, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.Credits)
}

func TestLedgerDebitRejectsNonPositiveAmount(t *testing.T) {
	ledger := NewLedger(newMemUserRepo())
	_, err := ledger.Debit(context.Background(), "alice", 0)
	require.ErrorIs(t, err, ErrValidation)
	_, err = ledger.Debit(context.Background(), "alice", -5)
	require.ErrorIs(t, err, ErrValidation)
}

func TestLedgerConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	repo := newMemUserRepo()
	require.NoError(t, repo.Create(ctx, User{ID: "alice", Name: "alice", Credits: 10}))
	ledger := NewLedger(repo)

	const attempts = 25
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(ctx, "alice", 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrInsufficientCredits)
		}
	}
	require.Equal(t, 10, succeeded)

	stored, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, stored.Credits)
}

func TestLedgerAdjustIndependentOfDebitLock(t *testing.T) {
	ctx := context.Background()
	repo := newMemUserRepo()
	require.NoError(t, repo.Create(ctx, User{ID: "alice", Name: "alice", Credits: 0}))
	ledger := NewLedger(repo)

	balance, err := ledger.Adjust(ctx, "alice", 100)
	require.NoError(t, err)
	require.EqualValues(t, 100, balance)

	_, err = ledger.Adjust(ctx, "alice", -200)
	require.ErrorIs(t, err, ErrInsufficientCredits)

	_, err = ledger.Adjust(ctx, "missing", 5)
	require.ErrorIs(t, err, ErrNotFound)
}

package users

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unbound-ops/unbound/internal/audit"
	"github.com/unbound-ops/unbound/internal/shared"
)

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]User)}
}

func (m *memUserRepo) Create(ctx context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Name == user.Name {
			return ErrDuplicateName
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	m.users[user.ID] = user
	return nil
}

func (m *memUserRepo) Get(ctx context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (m *memUserRepo) List(ctx context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memUserRepo) Update(ctx context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.ID]; !ok {
		return ErrNotFound
	}
	m.users[user.ID] = user
	return nil
}

func (m *memUserRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}

func (m *memUserRepo) AdjustCredits(ctx context.Context, id string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return 0, ErrNotFound
	}
	if user.Credits+delta < 0 {
		return 0, ErrInsufficientCredits
	}
	user.Credits += delta
	m.users[id] = user
	return user.Credits, nil
}

type stubKeyIssuer struct {
	mu      sync.Mutex
	issued  []string
	revoked []string
	fail    bool
}

func (s *stubKeyIssuer) Issue(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", errors.New("key store down")
	}
	s.issued = append(s.issued, userID)
	return "ub_stub_secret", nil
}

func (s *stubKeyIssuer) RevokeUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked = append(s.revoked, userID)
	return nil
}

type noopAudit struct{}

func (noopAudit) Record(ctx context.Context, action audit.Action, actorID string, details map[string]any) {
}

func TestServiceCreateDefaultsAndKey(t *testing.T) {
	ctx := context.Background()
	repo := newMemUserRepo()
	keys := &stubKeyIssuer{}
	svc := NewService(repo, NewLedger(repo), keys, noopAudit{})

	result, err := svc.Create(ctx, "admin-1", CreateInput{Name: "alice", Credits: 100})
	require.NoError(t, err)
	require.Equal(t, "ub_stub_secret", result.APIKey)
	require.Equal(t, shared.RoleMember, result.User.Role)
	require.Equal(t, shared.TierJunior, result.User.Tier)
	require.EqualValues(t, 100, result.User.Credits)
	require.Equal(t, []string{result.User.ID}, keys.issued)

	_, err = svc.Create(ctx, "admin-1", CreateInput{Name: "alice"})
	require.ErrorIs(t, err, ErrDuplicateName)

	_, err = svc.Create(ctx, "admin-1", CreateInput{Name: ""})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, "admin-1", CreateInput{Name: "bob", Credits: -1})
	require.ErrorIs(t, err, ErrValidation)
}

func TestServiceCreateRollsBackOnKeyFailure(t *testing.T) {
	ctx := context.Background()
	repo := newMemUserRepo()
	keys := &stubKeyIssuer{fail: true}
	svc := NewService(repo, NewLedger(repo), keys, nil)

	_, err := svc.Create(ctx, "admin-1", CreateInput{Name: "alice"})
	require.Error(t, err)

	stored, err := repo.List(ctx)
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestServiceDeleteRevokesCredentials(t *testing.T) {
	ctx := context.Background()
	repo := newMemUserRepo()
	keys := &stubKeyIssuer{}
	svc := NewService(repo, NewLedger(repo), keys, nil)

	result, err := svc.Create(ctx, "admin-1", CreateInput{Name: "alice"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "admin-1", result.User.ID))
	require.Equal(t, []string{result.User.ID}, keys.revoked)
	_, err = svc.Get(ctx, result.User.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServiceUpdateValidatesRoleAndTier(t *testing.T) {
	ctx := context.Background()
	repo := newMemUserRepo()
	svc := NewService(repo, NewLedger(repo), &stubKeyIssuer{}, nil)

	result, err := svc.Create(ctx, "admin-1", CreateInput{Name: "alice"})
	require.NoError(t, err)

	lead := shared.TierLead
	updated, err := svc.Update(ctx, "admin-1", result.User.ID, UpdateInput{Tier: &lead})
	require.NoError(t, err)
	require.Equal(t, shared.TierLead, updated.Tier)

	bogus := shared.Role("superuser")
	_, err = svc.Update(ctx, "admin-1", result.User.ID, UpdateInput{Role: &bogus})
	require.ErrorIs(t, err, ErrValidation)
}

func TestServiceAddCredits(t *testing.T) {
	ctx := context.Background()
	repo := newMemUserRepo()
	svc := NewService(repo, NewLedger(repo), &stubKeyIssuer{}, nil)

	result, err := svc.Create(ctx, "admin-1", CreateInput{Name: "alice", Credits: 10})
	require.NoError(t, err)

	user, err := svc.AddCredits(ctx, "admin-1", result.User.ID, 40)
	require.NoError(t, err)
	require.EqualValues(t, 50, user.Credits)

	user, err = svc.AddCredits(ctx, "admin-1", result.User.ID, -20)
	require.NoError(t, err)
	require.EqualValues(t, 30, user.Credits)

	_, err = svc.AddCredits(ctx, "admin-1", result.User.ID, -100)
	require.ErrorIs(t, err, ErrInsufficientCredits)

	_, err = svc.AddCredits(ctx, "admin-1", result.User.ID, 0)
	require.ErrorIs(t, err, ErrValidation)
}

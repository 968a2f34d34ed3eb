package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/unbound-ops/unbound/internal/shared"
	"github.com/unbound-ops/unbound/internal/users"
)

type memKeyRepo struct {
	mu   sync.Mutex
	keys map[string]APIKey
}

func newMemKeyRepo() *memKeyRepo {
	return &memKeyRepo{keys: make(map[string]APIKey)}
}

func (m *memKeyRepo) Insert(ctx context.Context, key APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	m.keys[key.KeyID] = key
	return nil
}

func (m *memKeyRepo) GetByKeyID(ctx context.Context, keyID string) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok {
		return APIKey{}, shared.ErrInvalidCredentials
	}
	return key, nil
}

func (m *memKeyRepo) RevokeUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, key := range m.keys {
		if key.UserID == userID && key.RevokedAt == nil {
			key.RevokedAt = &now
			m.keys[id] = key
		}
	}
	return nil
}

type stubDirectory struct {
	mu       sync.Mutex
	accounts map[string]users.User
	down     bool
}

func (s *stubDirectory) Get(ctx context.Context, id string) (users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return users.User{}, errors.New("directory down")
	}
	account, ok := s.accounts[id]
	if !ok {
		return users.User{}, users.ErrNotFound
	}
	return account, nil
}

func newTestService(t *testing.T) (*Service, *memKeyRepo, *stubDirectory) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemKeyRepo()
	directory := &stubDirectory{accounts: map[string]users.User{
		"alice": {ID: "alice", Name: "alice", Role: shared.RoleMember, Tier: shared.TierSenior},
	}}
	svc := NewService(repo, directory, NewIdentityCache(client, time.Minute), nil)
	return svc, repo, directory
}

func TestIssueAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	rawKey, err := svc.Issue(ctx, "alice")
	require.NoError(t, err)
	require.Regexp(t, `^ub_[0-9a-f]{12}_[0-9a-f]{32}$`, rawKey)

	identity, err := svc.Authenticate(ctx, rawKey)
	require.NoError(t, err)
	require.Equal(t, "alice", identity.UserID)
	require.Equal(t, shared.RoleMember, identity.Role)
	require.Equal(t, shared.TierSenior, identity.Tier)
}

func TestAuthenticateUsesCache(t *testing.T) {
	ctx := context.Background()
	svc, _, directory := newTestService(t)

	rawKey, err := svc.Issue(ctx, "alice")
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, rawKey)
	require.NoError(t, err)

	// With the directory unavailable the cached identity still resolves.
	directory.mu.Lock()
	directory.down = true
	directory.mu.Unlock()

	identity, err := svc.Authenticate(ctx, rawKey)
	require.NoError(t, err)
	require.Equal(t, "alice", identity.UserID)
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	rawKey, err := svc.Issue(ctx, "alice")
	require.NoError(t, err)

	keyID, _, err := parseKey(rawKey)
	require.NoError(t, err)
	_, err = repo.GetByKeyID(ctx, keyID)
	require.NoError(t, err)

	forged := "ub_" + keyID + "_deadbeefdeadbeefdeadbeefdeadbeef"
	_, err = svc.Authenticate(ctx, forged)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestAuthenticateMalformedKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, raw := range []string{"", "ub_only-two", "xx_abc_def", "ub__secret", "ub_key_"} {
		_, err := svc.Authenticate(context.Background(), raw)
		require.ErrorIs(t, err, ErrMalformedKey, "key %q", raw)
	}
}

func TestRevokeUserInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	rawKey, err := svc.Issue(ctx, "alice")
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, rawKey)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeUser(ctx, "alice"))

	_, err = svc.Authenticate(ctx, rawKey)
	require.ErrorIs(t, err, ErrKeyRevoked)
}

func TestAuthenticateWithoutCache(t *testing.T) {
	ctx := context.Background()
	repo := newMemKeyRepo()
	directory := &stubDirectory{accounts: map[string]users.User{
		"alice": {ID: "alice", Name: "alice", Role: shared.RoleAdmin, Tier: shared.TierLead},
	}}
	svc := NewService(repo, directory, NewIdentityCache(nil, 0), nil)

	rawKey, err := svc.Issue(ctx, "alice")
	require.NoError(t, err)

	identity, err := svc.Authenticate(ctx, rawKey)
	require.NoError(t, err)
	require.True(t, identity.IsAdmin())
}

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/unbound-ops/unbound/internal/shared"
	"github.com/unbound-ops/unbound/internal/users"
)

// DirectoryPort resolves a user id into its account fields.
type DirectoryPort interface {
	Get(ctx context.Context, id string) (users.User, error)
}

// Service issues and validates API keys. It is the identity collaborator:
// the governance core only ever sees the resolved shared.Identity.
type Service struct {
	repo      RepositoryPort
	directory DirectoryPort
	cache     *IdentityCache
	logger    *slog.Logger
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, directory DirectoryPort, cache *IdentityCache, logger *slog.Logger) *Service {
	return &Service{repo: repo, directory: directory, cache: cache, logger: logger}
}

// Issue creates a credential for userID and returns the plaintext key,
// shaped ub_<keyID>_<secret>. Only the secret's bcrypt hash is stored.
func (s *Service) Issue(ctx context.Context, userID string) (string, error) {
	keyID, err := randomHex(6)
	if err != nil {
		return "", err
	}
	secret, err := randomHex(16)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	if err := s.repo.Insert(ctx, APIKey{KeyID: keyID, UserID: userID, SecretHash: string(hash)}); err != nil {
		return "", fmt.Errorf("auth: store api key: %w", err)
	}
	return fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, secret), nil
}

// Authenticate resolves a presented key into an identity.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (shared.Identity, error) {
	keyID, secret, err := parseKey(rawKey)
	if err != nil {
		return shared.Identity{}, err
	}

	if identity, ok, err := s.cache.Get(ctx, rawKey); err == nil && ok {
		return identity, nil
	} else if err != nil && s.logger != nil {
		s.logger.Warn("identity cache read", slog.Any("error", err))
	}

	key, err := s.repo.GetByKeyID(ctx, keyID)
	if err != nil {
		return shared.Identity{}, err
	}
	if key.RevokedAt != nil {
		return shared.Identity{}, ErrKeyRevoked
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return shared.Identity{}, shared.ErrInvalidCredentials
	}

	account, err := s.directory.Get(ctx, key.UserID)
	if err != nil {
		return shared.Identity{}, shared.ErrInvalidCredentials
	}
	identity := shared.Identity{
		UserID: account.ID,
		Name:   account.Name,
		Role:   account.Role,
		Tier:   account.Tier,
	}
	if err := s.cache.Put(ctx, rawKey, identity); err != nil && s.logger != nil {
		s.logger.Warn("identity cache write", slog.Any("error", err))
	}
	return identity, nil
}

// RevokeUser revokes every credential for a user and drops its cache
// entries.
func (s *Service) RevokeUser(ctx context.Context, userID string) error {
	if err := s.repo.RevokeUser(ctx, userID); err != nil {
		return err
	}
	if err := s.cache.InvalidateUser(ctx, userID); err != nil && s.logger != nil {
		s.logger.Warn("identity cache invalidate", slog.Any("error", err))
	}
	return nil
}

func parseKey(rawKey string) (keyID, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(rawKey), "_")
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", ErrMalformedKey
	}
	return parts[1], parts[2], nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

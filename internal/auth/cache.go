package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unbound-ops/unbound/internal/shared"
)

// IdentityCache keeps verified key -> identity mappings in Redis so the
// bcrypt comparison runs once per key, not once per request. Entries are
// keyed by a digest of the full presented credential; a wrong secret can
// never hit a cached identity.
type IdentityCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdentityCache constructs the cache helper. A nil client disables
// caching entirely.
func NewIdentityCache(client *redis.Client, ttl time.Duration) *IdentityCache {
	return &IdentityCache{client: client, ttl: ttl}
}

func cacheKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return "auth:identity:" + hex.EncodeToString(sum[:])
}

func userSetKey(userID string) string {
	return "auth:user:" + userID
}

// Get returns the cached identity for the presented credential.
func (c *IdentityCache) Get(ctx context.Context, rawKey string) (shared.Identity, bool, error) {
	if c == nil || c.client == nil {
		return shared.Identity{}, false, nil
	}
	raw, err := c.client.Get(ctx, cacheKey(rawKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return shared.Identity{}, false, nil
	}
	if err != nil {
		return shared.Identity{}, false, fmt.Errorf("auth: cache get: %w", err)
	}
	var identity shared.Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return shared.Identity{}, false, err
	}
	return identity, true, nil
}

// Put stores a verified identity and indexes it by user for invalidation.
func (c *IdentityCache) Put(ctx context.Context, rawKey string, identity shared.Identity) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	key := cacheKey(rawKey)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	pipe.SAdd(ctx, userSetKey(identity.UserID), key)
	pipe.Expire(ctx, userSetKey(identity.UserID), c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// InvalidateUser drops every cached credential for one user. Called on
// revocation and on role changes.
func (c *IdentityCache) InvalidateUser(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	set := userSetKey(userID)
	members, err := c.client.SMembers(ctx, set).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("auth: cache invalidate: %w", err)
	}
	keys := append(members, set)
	return c.client.Del(ctx, keys...).Err()
}

// Package dedup is the best-effort address cache consulted before the
// authoritative member store. A hit is a hint, never proof of membership.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/snowball-engine/internal/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a marked address stays in the cache.
const DefaultTTL = 24 * time.Hour

// Cache stores one key per (repository, address hash).
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a cache. A nil client yields a cache that never hits.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Key returns dedup:{repositoryID}:{addressHash}.
func Key(repositoryID, address string) string {
	return fmt.Sprintf("dedup:%s:%s", repositoryID, logger.AddressHash(address))
}

// Mark records addresses as present in the repository.
func (c *Cache) Mark(ctx context.Context, repositoryID string, addresses []string) error {
	if c == nil || c.client == nil || len(addresses) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, a := range addresses {
		pipe.Set(ctx, Key(repositoryID, a), 1, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dedup: mark: %w", err)
	}
	return nil
}

// Known returns the subset of addresses the cache has seen.
func (c *Cache) Known(ctx context.Context, repositoryID string, addresses []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if c == nil || c.client == nil || len(addresses) == 0 {
		return known, nil
	}
	pipe := c.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(addresses))
	for i, a := range addresses {
		cmds[i] = pipe.Exists(ctx, Key(repositoryID, a))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return known, fmt.Errorf("dedup: lookup: %w", err)
	}
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			known[addresses[i]] = true
		}
	}
	return known, nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ReplayGuard remembers callback delivery IDs so a channel cannot replay a
// signed notification.
type ReplayGuard struct {
	client goredis.UniversalClient
	prefix string
}

// NewReplayGuard creates a new Redis-backed replay guard.
func NewReplayGuard(client goredis.UniversalClient) *ReplayGuard {
	return &ReplayGuard{
		client: client,
		prefix: "callback:",
	}
}

// FirstSeen records id under scope and reports whether it was new.
func (g *ReplayGuard) FirstSeen(ctx context.Context, scope, id string, ttl time.Duration) (bool, error) {
	key := g.prefix + scope + ":" + id
	result, err := g.client.SetArgs(ctx, key, 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis replay check: %w", err)
	}
	return result == "OK", nil
}

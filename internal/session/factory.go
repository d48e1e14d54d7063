package session

import (
	"context"
	"strings"
	"time"
)

// NewStore creates a redis-backed store when a URL is configured,
// otherwise in-memory.
func NewStore(ctx context.Context, redisURL string, ttl, grace time.Duration) (Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewMemoryStore(ttl, grace), nil
	}
	return NewRedisStore(ctx, redisURL, ttl, grace)
}

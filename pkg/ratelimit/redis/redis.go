// Package redis provides a Redis-backed implementation of the
// ratelimit.Limiter interface for multi-replica deployments. Counting
// is atomic via a Lua script so concurrent replicas never over-admit.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter implements ratelimit.Limiter using a fixed window counter in
// Redis.
type Limiter struct {
	client redis.UniversalClient
	config Config
	script *redis.Script
}

// Config holds Redis limiter configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gptgate:ratelimit:")
	KeyPrefix string

	// Limit is the maximum number of requests per window
	Limit int

	// Window is the counting window
	Window time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gptgate:ratelimit:",
		Limit:     100,
		Window:    time.Minute,
	}
}

// New creates a new Redis limiter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gptgate:ratelimit:"
	}
	if config.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if config.Window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}

	// INCR and set the expiry on first hit in one round trip. The key
	// expires with the window, so idle keys clean themselves up.
	script := redis.NewScript(`
		local count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return count
	`)

	return &Limiter{
		client: client,
		config: config,
		script: script,
	}, nil
}

// Allow reports whether the request identified by key is within limits.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.config.KeyPrefix + key

	count, err := l.script.Run(ctx, l.client, []string{redisKey}, l.config.Window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to run rate limit script: %w", err)
	}

	return count <= int64(l.config.Limit), nil
}

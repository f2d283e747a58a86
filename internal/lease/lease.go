// Package lease provides a best-effort run lease shared across processes.
// It only avoids duplicate work; window uniqueness in the store remains the
// guarantee.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the key.
var ErrHeld = errors.New("lease held by another run")

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is the subset of go-redis the lease needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// Redis is a SET NX PX lease.
type Redis struct {
	client Client
	prefix string
	ttl    time.Duration
}

// NewRedis returns a lease on client with keys "<prefix>:<key>".
func NewRedis(client Client, prefix string, ttl time.Duration) *Redis {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "incasso:run"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Acquire takes key for the lease TTL. The returned func releases it if it
// is still ours.
func (l *Redis) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	full := l.prefix + ":" + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", full, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, full)
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{full}, token).Err(); err != nil {
			return fmt.Errorf("release lease %s: %w", full, err)
		}
		return nil
	}, nil
}

// Connect dials Redis at addr and pings it.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// Package lease hands out short-lived exclusive leases backed by Redis.
package lease

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Redis struct {
	client *redis.Client
	owner  string
}

func NewRedis(addr string) *Redis {
	return New(redis.NewClient(&redis.Options{Addr: addr}))
}

// New wraps an existing client. Each instance identifies itself with a random owner token.
func New(client *redis.Client) *Redis {
	host, _ := os.Hostname()
	return &Redis{client: client, owner: host + "/" + uuid.NewString()}
}

// Acquire sets key if it is absent and reports whether this instance now holds it. The lease is
// never released explicitly; it lapses after ttl.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

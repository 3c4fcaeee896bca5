// Package lease keeps a single monitor active across processes using a
// Redis key with an expiry.
package lease

import (
	"batchclassify/internal/application/common/slogger"
	"batchclassify/internal/port/outbound"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a lease survives without renewal.
const DefaultTTL = 15 * time.Minute

// renewScript extends the expiry only while the caller still owns the key.
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// releaseScript deletes the key only while the caller still owns it.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Client is the subset of *redis.Client the lease needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Config holds the lease settings.
type Config struct {
	Key string
	TTL time.Duration
	// Owner identifies this process. A random id is used when empty.
	Owner string
}

// RedisLease implements outbound.MonitorLease.
type RedisLease struct {
	client Client
	key    string
	ttl    time.Duration
	owner  string
}

var _ outbound.MonitorLease = (*RedisLease)(nil)

// NewRedisLease creates a lease on key. The monitor renews it every cycle,
// so TTL must exceed the poll interval.
func NewRedisLease(client Client, cfg Config) (*RedisLease, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if cfg.Key == "" {
		return nil, errors.New("lease key cannot be empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	return &RedisLease{client: client, key: cfg.Key, ttl: cfg.TTL, owner: cfg.Owner}, nil
}

// Acquire takes the lease when it is free and renews it when this owner
// already holds it.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if ok {
		slogger.Debug(ctx, "Monitor lease acquired", slogger.Fields2("key", l.key, "owner", l.owner))
		return true, nil
	}

	renewed, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	return renewed == 1, nil
}

// Release gives the lease up if this owner still holds it.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}

// Owner returns the id written into the lease key.
func (l *RedisLease) Owner() string { return l.owner }

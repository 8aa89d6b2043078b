package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"enrolld/pkg/platform/sentinel"
)

const (
	lockKeyPrefix       = "enrolld:lock:"
	defaultTTL          = 10 * time.Second
	defaultWait         = 5 * time.Second
	defaultPollInterval = 25 * time.Millisecond
	releaseTimeout      = 2 * time.Second
)

// releaseScript deletes the key only if it still holds our token, so a holder
// whose lease expired cannot release a lock that now belongs to someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based distributed lock (SET NX PX). The lease bounds how
// long a crashed worker can block a key; stores still guard writes with
// version checks, so an expired lease never corrupts a record.
type Redis struct {
	client       redis.UniversalClient
	ttl          time.Duration
	wait         time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// RedisOption configures a Redis lock.
type RedisOption func(*Redis)

// WithTTL sets the lease length.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithWait bounds how long Acquire polls for a held key.
func WithWait(wait time.Duration) RedisOption {
	return func(r *Redis) {
		if wait > 0 {
			r.wait = wait
		}
	}
}

// WithPollInterval sets the delay between acquisition attempts.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithRedisLogger sets the logger used to report failed releases.
func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:       client,
		ttl:          defaultTTL,
		wait:         defaultWait,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Acquire polls SET NX until it wins, the wait bound passes or ctx ends.
// Redis errors and wait timeouts are reported as sentinel.ErrUnavailable.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := lockKeyPrefix + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(waitCtx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w: %w", key, sentinel.ErrUnavailable, err)
		}
		if ok {
			return r.releaser(ctx, redisKey, token), nil
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return nil, fmt.Errorf("acquire lock %s: held by another worker: %w: %w", key, sentinel.ErrUnavailable, waitCtx.Err())
		}
	}
}

func (r *Redis) releaser(ctx context.Context, redisKey, token string) func() {
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		// The key stays held until the lease expires.
		if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.WarnContext(releaseCtx, "release lock failed",
				"key", redisKey,
				"lease", r.ttl.String(),
				"error", err.Error(),
			)
		}
	}
}

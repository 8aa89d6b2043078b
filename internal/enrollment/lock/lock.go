// Package lock serializes work per identity number. Local is enough for a
// single worker process; Redis extends the scope across worker instances.
package lock

import (
	"context"
	"fmt"

	"enrolld/pkg/platform/sentinel"
)

// Locker acquires a mutual-exclusion scope for key. The returned release
// function must be called exactly once; it is safe to call after ctx ends.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// numShards bounds the memory of Local regardless of how many identities pass through.
const numShards = 128

// Local is an in-process keyed lock. Keys are spread over a fixed set of
// shards by FNV-1a hash; keys that share a shard serialize with each other.
type Local struct {
	shards [numShards]chan struct{}
}

func NewLocal() *Local {
	l := &Local{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Acquire blocks until the shard for key is free or ctx is done.
func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w: %w", sentinel.ErrUnavailable, err)
	}
	shard := l.shards[hashKey(key)%numShards]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock: %w: %w", sentinel.ErrUnavailable, ctx.Err())
	}
}

// hashKey is FNV-1a.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}

//go:build integration

package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enrolld/internal/enrollment/lock"
	"enrolld/pkg/platform/sentinel"
	"enrolld/pkg/testutil/containers"
)

type RedisLockSuite struct {
	suite.Suite
	redis *containers.RedisContainer
}

func TestRedisLockSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockSuite))
}

func (s *RedisLockSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisLockSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLockSuite) TestMutualExclusionAcrossInstances() {
	ctx := context.Background()
	// Two lock values over one client behave like two worker processes.
	a := lock.NewRedis(s.redis.Client, lock.WithPollInterval(time.Millisecond))
	b := lock.NewRedis(s.redis.Client, lock.WithPollInterval(time.Millisecond))

	const goroutines = 20
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Int32
	)
	for i := range goroutines {
		l := a
		if i%2 == 1 {
			l = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "11144477735")
			if err != nil {
				return
			}
			if inside.Add(1) > 1 {
				overlap.Add(1)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()
	s.Zero(overlap.Load())
}

func (s *RedisLockSuite) TestWaitTimeoutIsUnavailable() {
	ctx := context.Background()
	l := lock.NewRedis(s.redis.Client, lock.WithWait(30*time.Millisecond))

	release, err := l.Acquire(ctx, "52998224725")
	s.Require().NoError(err)
	defer release()

	_, err = l.Acquire(ctx, "52998224725")
	s.Require().ErrorIs(err, sentinel.ErrUnavailable)
}

func (s *RedisLockSuite) TestExpiredLeaseIsNotReleasedByOldHolder() {
	ctx := context.Background()
	short := lock.NewRedis(s.redis.Client, lock.WithTTL(50*time.Millisecond))

	staleRelease, err := short.Acquire(ctx, "39053344705")
	s.Require().NoError(err)
	time.Sleep(100 * time.Millisecond)

	release, err := short.Acquire(ctx, "39053344705")
	s.Require().NoError(err)
	staleRelease()

	s.Run("new holder still owns the key", func() {
		n, err := s.redis.Client.Exists(ctx, "enrolld:lock:39053344705").Result()
		s.Require().NoError(err)
		s.Equal(int64(1), n)
	})
	release()

	n, err := s.redis.Client.Exists(ctx, "enrolld:lock:39053344705").Result()
	s.Require().NoError(err)
	s.Zero(n)
}

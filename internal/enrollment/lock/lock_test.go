package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrolld/pkg/platform/sentinel"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	const goroutines = 50
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "11144477735")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := inside.Add(1)
			for {
				seen := maxSeen.Load()
				if n <= seen || maxSeen.CompareAndSwap(seen, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestLocalAcquireHonorsContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "11144477735")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "11144477735")
	require.ErrorIs(t, err, sentinel.ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalReleaseFreesKey(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	for range 3 {
		release, err := l.Acquire(ctx, "52998224725")
		require.NoError(t, err)
		release()
	}
}

func TestLocalCanceledContext(t *testing.T) {
	l := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Acquire(ctx, "52998224725")
	require.ErrorIs(t, err, context.Canceled)
}

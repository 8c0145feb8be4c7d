package federation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedExclusivity(t *testing.T) {
	require := require.New(t)
	locks := NewKeyed()
	ctx := context.Background()

	var mu sync.Mutex
	var inside int
	var maxInside int

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(ctx, "same-key")
			require.NoError(err)
			defer release()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(1, maxInside, "at most one holder per key")
}

func TestKeyedDifferentKeysDoNotBlock(t *testing.T) {
	require := require.New(t)
	locks := NewKeyed()
	ctx := context.Background()

	releaseA, err := locks.Acquire(ctx, "a")
	require.NoError(err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := locks.Acquire(ctx, "b")
		require.NoError(err)
		releaseB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestKeyedAcquireHonoursContext(t *testing.T) {
	require := require.New(t)
	locks := NewKeyed()

	release, err := locks.Acquire(context.Background(), "key")
	require.NoError(err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "key")
	require.ErrorIs(err, context.DeadlineExceeded)
}

func TestKeyedReleaseIsIdempotent(t *testing.T) {
	require := require.New(t)
	locks := NewKeyed()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "key")
	require.NoError(err)
	release()
	release() // second call is a no-op

	again, err := locks.Acquire(ctx, "key")
	require.NoError(err)
	again()
}

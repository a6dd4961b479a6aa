package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/park-checkout/internal/lock"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestWithLockSerialises(t *testing.T) {
	_, client := newClient(t)

	locker := lock.Locker{R: client, RetryBackoff: 5 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var order []string
	var mu sync.Mutex
	firstDone := make(chan struct{})
	releaseFirst := make(chan struct{})
	errs := make(chan error, 2)

	go func() {
		errs <- locker.WithLock(ctx, "demo", 100*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			close(firstDone)
			<-releaseFirst
			return nil
		})
	}()

	<-firstDone

	go func() {
		errs <- locker.WithLock(ctx, "demo", 100*time.Millisecond, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()

	close(releaseFirst)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestTryLockAndRelease(t *testing.T) {
	_, client := newClient(t)
	locker := lock.Locker{R: client}
	ctx := context.Background()

	lease, err := locker.TryLock(ctx, "poll:payment:99", time.Second)
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "poll:payment:99", time.Second)
	require.True(t, errors.Is(err, lock.ErrLocked))

	lease.Release(ctx)
	again, err := locker.TryLock(ctx, "poll:payment:99", time.Second)
	require.NoError(t, err)
	again.Release(ctx)
}

func TestRefreshDetectsLostLease(t *testing.T) {
	mr, client := newClient(t)
	locker := lock.Locker{R: client}
	ctx := context.Background()

	lease, err := locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.NoError(t, lease.Refresh(ctx))

	mr.FastForward(2 * time.Second)
	require.True(t, errors.Is(lease.Refresh(ctx), lock.ErrLeaseLost))
}

func TestPollGuardExclusive(t *testing.T) {
	_, client := newClient(t)
	guard := lock.PollGuard{Locker: lock.Locker{R: client}, TTL: 300 * time.Millisecond}
	ctx := context.Background()

	release, err := guard.Acquire(ctx, "123")
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, "123")
	require.True(t, errors.Is(err, lock.ErrLocked))

	release()
	release()

	release2, err := guard.Acquire(ctx, "123")
	require.NoError(t, err)
	release2()
}

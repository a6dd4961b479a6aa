package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("lock: key is held by another owner")

// ErrLeaseLost is returned by Refresh when the lease expired or was taken over.
var ErrLeaseLost = errors.New("lock: lease lost")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

const refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
else
  return 0
end`

// Locker provides a Redis-backed distributed lock.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
}

// Lease is a held lock identified by a random token.
type Lease struct {
	r     *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// Key returns the locked key.
func (l *Lease) Key() string { return l.key }

// TryLock acquires key without waiting.
func (l Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l.R == nil {
		return nil, errors.New("lock: redis client not configured")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Lease{r: l.R, key: key, token: token, ttl: ttl}, nil
}

// WithLock executes fn while holding a lock for the provided key. The lock is
// released automatically even if fn returns an error. When the lock cannot be
// acquired before the context is cancelled an error is returned.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	for {
		lease, err := l.TryLock(ctx, key, ttl)
		if err == nil {
			defer lease.Release(context.Background())
			return fn(ctx)
		}
		if !errors.Is(err, ErrLocked) {
			return err
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Refresh extends the lease by its original ttl.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := l.r.Eval(ctx, refreshScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release deletes the key if this lease still owns it.
func (l *Lease) Release(ctx context.Context) {
	if err := l.r.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.r.Del(ctx, l.key).Err()
		}
	}
}

// PollGuard keeps at most one status poller per payment id across bridge
// instances. The lease is refreshed in the background until released.
type PollGuard struct {
	Locker Locker
	Prefix string
	TTL    time.Duration
	Logger zerolog.Logger
}

// Acquire takes the lease for paymentID. The returned func stops the refresh
// loop and releases the lease; it is safe to call more than once.
func (g PollGuard) Acquire(ctx context.Context, paymentID string) (func(), error) {
	prefix := g.Prefix
	if prefix == "" {
		prefix = "poll:payment:"
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lease, err := g.Locker.TryLock(ctx, prefix+paymentID, ttl)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lease.Refresh(context.Background()); err != nil {
					g.Logger.Warn().Err(err).Str("payment_id", paymentID).Msg("poll_lease_refresh_failed")
					if errors.Is(err, ErrLeaseLost) {
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			lease.Release(context.Background())
		})
	}, nil
}

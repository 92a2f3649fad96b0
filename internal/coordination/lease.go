// Package coordination provides cross-process leases and dispatch wakeups.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Refresh when the lease expired or was taken.
var ErrLeaseLost = errors.New("lease lost")

// Locker grants named, expiring leases. A lease is identified by the token
// returned from Acquire; only the holder of the token can refresh or
// release it.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Refresh(ctx context.Context, name, token string, ttl time.Duration) error
	Release(ctx context.Context, name, token string) error
}

// WithLease runs fn while holding the named lease. It returns ran=false
// without calling fn when another holder has the lease. The lease is
// refreshed every ttl/3 while fn runs; if a refresh finds it lost, fn's
// context is cancelled and WithLease returns an error wrapping ErrLeaseLost.
func WithLease(ctx context.Context, l Locker, name string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	token, ok, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		// Release on a fresh context so cancellation of ctx still frees the lease.
		relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if relErr := l.Release(relCtx, name, token); relErr != nil && err == nil {
			err = fmt.Errorf("release lease %s: %w", name, relErr)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepAlive(runCtx, l, name, token, ttl, cancel)
	}()

	err = fn(runCtx)
	lost := context.Cause(runCtx)
	cancel(nil)
	wg.Wait()
	if errors.Is(lost, ErrLeaseLost) {
		return true, lost
	}
	return true, err
}

// keepAlive refreshes the lease until ctx is done. Transient refresh errors
// are retried on the next tick; a lost lease cancels ctx with its cause.
func keepAlive(ctx context.Context, l Locker, name, token string, ttl time.Duration, cancel context.CancelCauseFunc) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Refresh(ctx, name, token, ttl)
			if errors.Is(err, ErrLeaseLost) {
				cancel(fmt.Errorf("refresh lease %s: %w", name, err))
				return
			}
		}
	}
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// refreshScript extends the key's TTL only if it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	rdb redis.UniversalClient
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, leaseKey(name), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Refresh(ctx context.Context, name, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{leaseKey(name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, name, token string) error {
	return releaseScript.Run(ctx, l.rdb, []string{leaseKey(name)}, token).Err()
}

// LocalLocker implements Locker in memory for single-process deployments.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localLease
	now    func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates a LocalLocker. now may be nil.
func NewLocalLocker(now func() time.Time) *LocalLocker {
	if now == nil {
		now = time.Now
	}
	return &LocalLocker{leases: make(map[string]localLease), now: now}
}

func (l *LocalLocker) Acquire(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, held := l.leases[name]; held && now.Before(cur.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[name] = localLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *LocalLocker) Refresh(_ context.Context, name, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, held := l.leases[name]
	if !held || cur.token != token || !now.Before(cur.expires) {
		return ErrLeaseLost
	}
	l.leases[name] = localLease{token: token, expires: now.Add(ttl)}
	return nil
}

func (l *LocalLocker) Release(_ context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, held := l.leases[name]; held && cur.token == token {
		delete(l.leases, name)
	}
	return nil
}

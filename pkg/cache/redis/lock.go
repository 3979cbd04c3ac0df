package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrNotOwner is returned by Release/Extend when the caller's fencing value
// no longer matches the lock's current holder (expired, stolen, or already
// released). Neither call performs any state change in that case.
var ErrNotOwner = errors.New("lock not held by caller (fencing mismatch)")

// LockToken identifies a single successful lock acquisition. FencingValue is
// a per-acquisition nonce that must be presented to Release or Extend.
type LockToken struct {
	Key          string
	FencingValue string
	ExpiresAt    time.Time
}

const lockKeyPrefix = "lock:"

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Locker implements the per-partition distributed lock on top of Redis:
// atomic SET NX for acquisition, and Lua-scripted compare-and-delete /
// compare-and-expire for release/extend so a caller can only mutate a lock
// it still owns (the fencing guarantee).
type Locker struct {
	client *Client
	logger logr.Logger
}

func NewLocker(client *Client, logger logr.Logger) *Locker {
	return &Locker{client: client, logger: logger}
}

// Acquire attempts to take the named lock, retrying with exponential
// backoff (initial 50ms, multiplier 1.5, cap 500ms by default) until
// waitTimeout elapses. It returns (nil, nil) if the wait is exhausted
// without acquiring — contention is not an error. TTL is mandatory; callers
// must Extend before it expires if processing runs long.
func (l *Locker) Acquire(ctx context.Context, key string, holdTTL, waitTimeout time.Duration) (*LockToken, error) {
	return l.acquireWithBackoff(ctx, key, holdTTL, waitTimeout, 50*time.Millisecond, 1.5, 500*time.Millisecond)
}

// AcquireWithBackoff is Acquire with explicit backoff parameters, used by
// callers that need deployment-specific tuning (e.g. test harnesses).
func (l *Locker) AcquireWithBackoff(ctx context.Context, key string, holdTTL, waitTimeout, initialBackoff time.Duration, multiplier float64, maxBackoff time.Duration) (*LockToken, error) {
	return l.acquireWithBackoff(ctx, key, holdTTL, waitTimeout, initialBackoff, multiplier, maxBackoff)
}

func (l *Locker) acquireWithBackoff(ctx context.Context, key string, holdTTL, waitTimeout, initialBackoff time.Duration, multiplier float64, maxBackoff time.Duration) (*LockToken, error) {
	if err := l.client.EnsureConnection(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	deadline := time.Now().Add(waitTimeout)
	backoff := initialBackoff
	fullKey := lockKeyPrefix + key
	fencing := uuid.NewString()

	for {
		ok, err := l.client.GetClient().SetNX(ctx, fullKey, fencing, holdTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &LockToken{Key: key, FencingValue: fencing, ExpiresAt: time.Now().Add(holdTTL)}, nil
		}

		if time.Now().Add(backoff).After(deadline) {
			return nil, nil
		}

		jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}

		backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*multiplier))
	}
}

// Release drops the lock identified by token, but only if token's fencing
// value still matches the value stored in Redis. A mismatch (expired lock,
// already released, or stolen by another acquirer) returns ErrNotOwner and
// leaves Redis state untouched.
func (l *Locker) Release(ctx context.Context, token *LockToken) error {
	if token == nil {
		return nil
	}
	if err := l.client.EnsureConnection(ctx); err != nil {
		return fmt.Errorf("release lock %s: %w", token.Key, err)
	}
	fullKey := lockKeyPrefix + token.Key
	n, err := releaseScript.Run(ctx, l.client.GetClient(), []string{fullKey}, token.FencingValue).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", token.Key, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Extend pushes out the lock's TTL by extra, provided token's fencing value
// still matches. On fencing mismatch it returns ErrNotOwner without
// mutating Redis.
func (l *Locker) Extend(ctx context.Context, token *LockToken, extra time.Duration) (*LockToken, error) {
	if token == nil {
		return nil, ErrNotOwner
	}
	if err := l.client.EnsureConnection(ctx); err != nil {
		return nil, fmt.Errorf("extend lock %s: %w", token.Key, err)
	}
	fullKey := lockKeyPrefix + token.Key
	n, err := extendScript.Run(ctx, l.client.GetClient(), []string{fullKey}, token.FencingValue, extra.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("extend lock %s: %w", token.Key, err)
	}
	if n == 0 {
		return nil, ErrNotOwner
	}
	token.ExpiresAt = time.Now().Add(extra)
	return token, nil
}

// IsLocked reports whether key currently has a holder, without acquiring it.
func (l *Locker) IsLocked(ctx context.Context, key string) (bool, error) {
	if err := l.client.EnsureConnection(ctx); err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	n, err := l.client.GetClient().Exists(ctx, lockKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return n > 0, nil
}

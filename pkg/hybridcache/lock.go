package hybridcache

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Lock record release/extend are compare-and-act: the stored value must
// equal the caller's token or the operation is a no-op. Implemented as Lua
// scripts so the compare and the act happen atomically on the server,
// grounded on the pack's dsync/idempotent example which uses the identical
// GET-then-conditional-DEL/PEXPIRE shape for lease release and extension.
var (
	releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

	// extendScript: ARGV[1] is the token, ARGV[2] is the new TTL in milliseconds.
	extendScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// lockManager implements token-owned, expirable, extendable, releasable
// distributed locks stored at "lock:<scoped key>" (spec §4.7).
type lockManager struct {
	client  RedisClient
	keyName keyNamer
}

func newLockManager(client RedisClient, kn keyNamer) *lockManager {
	return &lockManager{client: client, keyName: kn}
}

// tryLock attempts to create the lock record atomically. Returns true iff
// this call created it.
func (l *lockManager) tryLock(ctx context.Context, scopedKey, token string, ttl time.Duration) (bool, error) {
	return l.client.StringSet(ctx, lockKeyName(scopedKey), []byte(token), ttl, IfNotExists, false, FlagNone)
}

// tryExtend resets the lock's TTL iff the stored token matches. Returns
// false (not an error) on token mismatch or if the lock no longer exists —
// spec §7 classifies lock token mismatch as a boolean result, not an error.
func (l *lockManager) tryExtend(ctx context.Context, scopedKey, token string, newTTL time.Duration) (bool, error) {
	res, err := l.client.Eval(ctx, extendScript, []string{lockKeyName(scopedKey)}, token, newTTL.Milliseconds())
	if err != nil {
		return false, err
	}
	return scriptSucceeded(res)
}

// tryRelease deletes the lock record iff the stored token matches.
func (l *lockManager) tryRelease(ctx context.Context, scopedKey, token string) (bool, error) {
	res, err := l.client.Eval(ctx, releaseScript, []string{lockKeyName(scopedKey)}, token)
	if err != nil {
		return false, err
	}
	return scriptSucceeded(res)
}

func scriptSucceeded(res any) (bool, error) {
	switch v := res.(type) {
	case int64:
		return v > 0, nil
	case nil:
		return false, nil
	default:
		return false, errors.New("hybridcache: unexpected lock script reply")
	}
}

// LockHandle is returned by LockKey. Its Release call gives the lock back
// before its TTL expires.
type LockHandle struct {
	lm        *lockManager
	scopedKey string
	token     string
}

// Release invokes tryRelease with the token generated at acquisition time.
func (h *LockHandle) Release(ctx context.Context) (bool, error) {
	return h.lm.tryRelease(ctx, h.scopedKey, h.token)
}

// Token returns the opaque token this handle acquired the lock with.
func (h *LockHandle) Token() string {
	return h.token
}

const (
	lockBackoffBase   = 20 * time.Millisecond
	lockBackoffFactor = 2
	lockBackoffCap    = time.Second
	lockBackoffJitter = 0.2
)

// lockKey blocks, cooperatively, until tryLock succeeds on scopedKey, then
// returns a handle whose Release invokes tryRelease with an internally
// generated token. Backoff is exponential with jitter; cancellation is
// honored at each backoff boundary (spec §4.7, §5).
func (l *lockManager) lockKey(ctx context.Context, scopedKey string, ttl time.Duration, token string) (*LockHandle, error) {
	delay := lockBackoffBase
	for {
		ok, err := l.tryLock(ctx, scopedKey, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &LockHandle{lm: l, scopedKey: scopedKey, token: token}, nil
		}

		jittered := time.Duration(float64(delay) * (1 + (rand.Float64()*2-1)*lockBackoffJitter))
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockNotHeld, ctx.Err())
		case <-time.After(jittered):
		}

		delay *= lockBackoffFactor
		if delay > lockBackoffCap {
			delay = lockBackoffCap
		}
	}
}

// WithLock runs fn while holding the lock behind h (already acquired, e.g.
// by LockKey) and releases that lock on every exit path of fn — the explicit with-style combinator spec §9
// calls for in languages without scope-exit hooks.
func WithLock(ctx context.Context, h *LockHandle, fn func(ctx context.Context) error) error {
	defer func() { _, _ = h.Release(ctx) }()
	return fn(ctx)
}

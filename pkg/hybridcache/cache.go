package hybridcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/kvsync/hybridcache/pkg/id"
)

// HybridCache composes every component in this package into the public
// read/write/remove/inspect/locking surface described by spec §4.9. It is
// not generic — Get/Set/GetOrCreate/SetAll are free functions parameterized
// over the value type, since Go methods cannot carry their own type
// parameters; this mirrors the teacher's free-function GetOrSet[V] shape.
type HybridCache struct {
	opts    *Options
	keyName keyNamer

	client RedisClient
	local  *localStore
	expiry expirationResolver
	locks  *lockManager
	scan   *patternEngine
	bus    *invalidationBus

	instanceID string
	closed     bool
}

// New constructs a HybridCache, subscribing to the invalidation channel
// immediately (spec §3 lifecycle). client is typically obtained from
// pkg/redis.Open/MustOpen and wrapped with NewRedisTransport, or a fake for
// tests.
func New(ctx context.Context, client RedisClient, opts ...Option) (*HybridCache, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	kn := newKeyNamer(o.namespace)
	instanceID := id.NewULID()

	c := &HybridCache{
		opts:       o,
		keyName:    kn,
		client:     client,
		local:      newLocalStore(o.localMaxEntries, o.localCleanupInterval),
		expiry:     newExpirationResolver(o.defaultExpiration),
		locks:      newLockManager(client, kn),
		scan:       newPatternEngine(client, kn, o.scanPageSize),
		bus:        newInvalidationBus(client, kn, instanceID, o.busRetryCount, o.flushLocalOnBusReconnect, loggerOrNil(o)),
		instanceID: instanceID,
	}

	c.bus.onRemoteRemove = func(keys []string) {
		for _, k := range keys {
			_ = c.local.remove(k)
		}
	}
	c.bus.onReconnect = func() {
		_ = c.local.clear()
	}
	c.bus.start(ctx)

	return c, nil
}

func loggerOrNil(o *Options) *slog.Logger {
	if !o.enableLogging {
		return nil
	}
	return o.logger
}

// Close unsubscribes from the invalidation bus, drops the local store, and
// marks the cache closed. It does not close the underlying Redis client —
// that transport is shared process-wide and its lifecycle belongs to the
// caller (see pkg/redis.Shutdown).
func (c *HybridCache) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.bus.stop()
	_ = c.local.clear()
	return c.local.close()
}

// InstanceID returns the process-unique identifier this instance uses as
// InvalidationMessage.OriginInstanceID.
func (c *HybridCache) InstanceID() string { return c.instanceID }

// --- Read ---

// Get retrieves a value by key, following the read algorithm in spec §4.9:
// LocalStore hit returns immediately; on miss, Redis is consulted and, if
// found, the local tier is populated with a TTL bounded by the remote
// key's remaining TTL before returning.
func Get[T any](ctx context.Context, c *HybridCache, key string) (T, error) {
	var zero T

	scoped, err := c.keyName.scope(key)
	if err != nil {
		return zero, err
	}

	if v, ok := c.local.get(scoped); ok {
		t, ok := v.(T)
		if !ok {
			return zero, fmt.Errorf("%w: local entry is not of the requested type", ErrDeserialize)
		}
		return t, nil
	}

	data, remainingTTL, found, err := c.client.StringGet(ctx, scoped)
	if err != nil {
		return zero, err
	}
	if !found {
		return zero, ErrNotFound
	}

	out, err := decodeValue[T](c, data)
	if err != nil {
		return zero, err
	}

	localTTL := c.expiry.resolve(0, remainingTTL)
	_ = c.local.set(scoped, out, localTTL)

	return out, nil
}

// isPolymorphic reports whether T is an interface type — the only case
// where a cache entry's concrete dynamic type must be recovered from the
// wire, via the envelope/TypeRegistry machinery in serializer.go, rather
// than decoded straight into a value of type T (spec §4.1).
func isPolymorphic[T any]() bool {
	return reflect.TypeFor[T]().Kind() == reflect.Interface
}

// encodeValue serializes value for the Redis tier. Interface-typed values
// are routed through EncodePolymorphic, tagged with their concrete type's
// name, so DecodePolymorphic can recover that same concrete type later.
func encodeValue[T any](c *HybridCache, value T) ([]byte, error) {
	if !isPolymorphic[T]() {
		return c.opts.serializer.Encode(value)
	}
	if c.opts.typeRegistry == nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeRegistryRequired, reflect.TypeFor[T]())
	}
	concrete := reflect.TypeOf(value)
	if concrete == nil {
		return nil, fmt.Errorf("%w: cannot encode a nil interface value", ErrSerialize)
	}
	return EncodePolymorphic(c.opts.serializer, concrete.String(), value)
}

// decodeValue is encodeValue's inverse: for an interface T it decodes the
// envelope via c.opts.typeRegistry and asserts the reconstructed concrete
// value implements T.
func decodeValue[T any](c *HybridCache, data []byte) (T, error) {
	var zero T
	if !isPolymorphic[T]() {
		var out T
		if err := c.opts.serializer.Decode(data, &out); err != nil {
			return zero, err
		}
		return out, nil
	}
	if c.opts.typeRegistry == nil {
		return zero, fmt.Errorf("%w: %s", ErrTypeRegistryRequired, reflect.TypeFor[T]())
	}
	decoded, err := DecodePolymorphic(c.opts.serializer, c.opts.typeRegistry, data)
	if err != nil {
		return zero, err
	}
	t, ok := decoded.(T)
	if !ok {
		return zero, fmt.Errorf("%w: registered type does not implement %s", ErrDeserialize, reflect.TypeFor[T]())
	}
	return t, nil
}

// TryGet is Get without the ErrNotFound sentinel: ok is false on a miss.
func TryGet[T any](ctx context.Context, c *HybridCache, key string) (T, bool, error) {
	v, err := Get[T](ctx, c, key)
	if errors.Is(err, ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// GetOrCreate reads key, or on a miss invokes producer and stores its
// result with the default entry options. Per spec §1's non-goal on
// stampede protection beyond the lock primitive, concurrent misses for the
// same key each invoke producer independently — callers who need
// single-flight semantics compose it themselves with LockKey.
func GetOrCreate[T any](ctx context.Context, c *HybridCache, key string, producer func(ctx context.Context) (T, error), opts ...EntryOption) (T, error) {
	v, err := Get[T](ctx, c, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		var zero T
		return zero, err
	}

	val, err := producer(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if _, err := Set(ctx, c, key, val, opts...); err != nil {
		// The value was produced successfully; a caching failure does not
		// invalidate the result, matching spec §7's "local vs remote
		// recovery" contract — the caller still gets val.
		return val, nil
	}

	return val, nil
}

// --- Write ---

// Set stores value under key per the write algorithm in spec §4.9. Returns
// false only when a conditional write (When=IfNotExists/IfExists) did not
// take effect; true otherwise.
func Set[T any](ctx context.Context, c *HybridCache, key string, value T, opts ...EntryOption) (bool, error) {
	scoped, err := c.keyName.scope(key)
	if err != nil {
		return false, err
	}

	o := applyEntryOptions(defaultEntryOptionsFor(c), opts)

	localTTL := resolveTTL(o.LocalExpiry, c.opts.defaultExpiration)
	remoteTTL := resolveTTL(o.RedisExpiry, c.opts.defaultExpiration)
	if o.RedisCacheEnable && remoteTTL > 0 && (localTTL <= 0 || remoteTTL < localTTL) {
		// The local copy must not outlive the remote key.
		localTTL = remoteTTL
	}

	if o.LocalCacheEnable {
		_ = c.local.set(scoped, value, localTTL)
	}

	if o.RedisCacheEnable {
		data, err := encodeValue(c, value)
		if err != nil {
			return false, err
		}

		if o.FireAndForget {
			go func() {
				if _, err := c.client.StringSet(context.WithoutCancel(ctx), scoped, data, remoteTTL, o.When, o.KeepTTL, o.Flags); err != nil {
					c.logSwallow("set_fire_and_forget", err)
				}
			}()
		} else {
			ok, err := c.client.StringSet(ctx, scoped, data, remoteTTL, o.When, o.KeepTTL, o.Flags)
			if err != nil {
				if c.opts.throwOnDistributedError {
					return false, err
				}
				c.logSwallow("set", err)
				// The local-tier effect (if any) already landed; report success
				// since the caller's observable state reflects what this
				// instance could achieve (spec §7).
				return true, nil
			}
			if !ok {
				return false, nil
			}
		}
	}

	if err := c.bus.publish(ctx, []string{scoped}, c.opts.throwOnDistributedError); err != nil {
		return true, err
	}

	return true, nil
}

// SetAll writes every entry in values under the same EntryOptions,
// processed sequentially, and publishes a single invalidation message
// listing every key successfully written.
func SetAll[T any](ctx context.Context, c *HybridCache, values map[string]T, opts ...EntryOption) error {
	if len(values) == 0 {
		return ErrEmptyKeys
	}

	o := applyEntryOptions(defaultEntryOptionsFor(c), opts)
	var written []string

	for key, value := range values {
		scoped, err := c.keyName.scope(key)
		if err != nil {
			return err
		}

		localTTL := resolveTTL(o.LocalExpiry, c.opts.defaultExpiration)
		remoteTTL := resolveTTL(o.RedisExpiry, c.opts.defaultExpiration)
		if o.RedisCacheEnable && remoteTTL > 0 && (localTTL <= 0 || remoteTTL < localTTL) {
			localTTL = remoteTTL
		}

		if o.LocalCacheEnable {
			_ = c.local.set(scoped, value, localTTL)
		}

		if o.RedisCacheEnable {
			data, err := encodeValue(c, value)
			if err != nil {
				return err
			}
			ok, err := c.client.StringSet(ctx, scoped, data, remoteTTL, o.When, o.KeepTTL, o.Flags)
			if err != nil {
				if c.opts.throwOnDistributedError {
					return err
				}
				c.logSwallow("set_all", err)
				written = append(written, scoped)
				continue
			}
			if !ok {
				continue
			}
		}

		written = append(written, scoped)
	}

	return c.bus.publish(ctx, written, c.opts.throwOnDistributedError)
}

// --- Remove ---

// Remove deletes keys from both tiers and broadcasts a single invalidation
// covering every key.
func (c *HybridCache) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return ErrEmptyKeys
	}

	scoped := make([]string, 0, len(keys))
	for _, k := range keys {
		s, err := c.keyName.scope(k)
		if err != nil {
			return err
		}
		scoped = append(scoped, s)
	}

	for _, s := range scoped {
		_ = c.local.remove(s)
	}

	if _, err := c.client.KeyDelete(ctx, scoped...); err != nil {
		if c.opts.throwOnDistributedError {
			return err
		}
		c.logSwallow("remove", err)
	}

	return c.bus.publish(ctx, scoped, c.opts.throwOnDistributedError)
}

// RemoveByPattern deletes every key matching the unscoped glob pattern,
// removing local copies on this instance and broadcasting a consolidated,
// size-limited invalidation for the rest.
func (c *HybridCache) RemoveByPattern(ctx context.Context, pattern string, flags RoutingFlags, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = c.opts.deleteBatchSize
	}
	count, removed, err := c.scan.removeByPattern(ctx, pattern, flags, batchSize)
	if err != nil && c.opts.throwOnDistributedError {
		return count, err
	}
	if err != nil {
		c.logSwallow("remove_by_pattern", err)
	}

	for _, k := range removed {
		_ = c.local.remove(k)
	}

	for i := 0; i < len(removed); i += maxInvalidationKeys {
		end := min(i+maxInvalidationKeys, len(removed))
		if pubErr := c.bus.publish(ctx, removed[i:end], c.opts.throwOnDistributedError); pubErr != nil {
			return count, pubErr
		}
	}

	return count, nil
}

// RemoveByPatternOnRedisOnly skips the local invalidation broadcast
// entirely — use when the caller already knows no instance holds a local
// copy of any matching key.
func (c *HybridCache) RemoveByPatternOnRedisOnly(ctx context.Context, pattern string, flags RoutingFlags, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = c.opts.deleteBatchSize
	}
	count, _, err := c.scan.removeByPattern(ctx, pattern, flags, batchSize)
	if err != nil && c.opts.throwOnDistributedError {
		return count, err
	}
	if err != nil {
		c.logSwallow("remove_by_pattern_redis_only", err)
	}
	return count, nil
}

// ClearLocal drops every entry from this instance's local tier only.
func (c *HybridCache) ClearLocal() error {
	return c.local.clear()
}

// ClearAll drops every key under this cache's namespace from both the
// local tier (on every instance, via broadcast) and Redis.
func (c *HybridCache) ClearAll(ctx context.Context) error {
	if _, err := c.RemoveByPattern(ctx, "*", FlagNone, c.opts.deleteBatchSize); err != nil {
		return err
	}
	return c.local.clear()
}

// --- Inspect ---

func (c *HybridCache) Exists(ctx context.Context, key string) (bool, error) {
	scoped, err := c.keyName.scope(key)
	if err != nil {
		return false, err
	}
	if _, ok := c.local.get(scoped); ok {
		return true, nil
	}
	return c.client.KeyExists(ctx, scoped)
}

// GetExpiration returns the remote key's remaining TTL. found is false if
// the key does not exist; ttl is zero if the key exists but has no expiry.
func (c *HybridCache) GetExpiration(ctx context.Context, key string) (ttl time.Duration, found bool, err error) {
	scoped, err := c.keyName.scope(key)
	if err != nil {
		return 0, false, err
	}
	return c.client.KeyExpireTime(ctx, scoped)
}

// Keys returns a lazy, single-pass sequence of every scoped key matching pattern.
func (c *HybridCache) Keys(ctx context.Context, pattern string) func(func(string, error) bool) {
	return c.scan.keys(ctx, pattern)
}

func (c *HybridCache) DatabaseSize(ctx context.Context) (int64, error) {
	return c.client.DBSize(ctx)
}

func (c *HybridCache) Ping(ctx context.Context) (time.Duration, error) {
	return c.client.Ping(ctx)
}

func (c *HybridCache) Time(ctx context.Context) (time.Time, error) {
	return c.client.Time(ctx)
}

func (c *HybridCache) Echo(ctx context.Context, msg string) (string, error) {
	return c.client.Echo(ctx, msg)
}

func (c *HybridCache) ServerVersion(ctx context.Context) (string, error) {
	return c.client.ServerVersion(ctx)
}

// ServerFeatures reports the fixed set of Redis command families the
// RedisClient facade relies on — it does not probe the server, since the
// facade only ever needs to know it can issue these.
func (c *HybridCache) ServerFeatures() []string {
	return []string{"scan", "pubsub", "scripting"}
}

// --- Locking ---

func (c *HybridCache) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	scoped, err := c.keyName.scope(key)
	if err != nil {
		return false, err
	}
	return c.locks.tryLock(ctx, scoped, token, ttl)
}

func (c *HybridCache) TryExtend(ctx context.Context, key, token string, newTTL time.Duration) (bool, error) {
	scoped, err := c.keyName.scope(key)
	if err != nil {
		return false, err
	}
	return c.locks.tryExtend(ctx, scoped, token, newTTL)
}

func (c *HybridCache) TryRelease(ctx context.Context, key, token string) (bool, error) {
	scoped, err := c.keyName.scope(key)
	if err != nil {
		return false, err
	}
	return c.locks.tryRelease(ctx, scoped, token)
}

// LockKey blocks until the lock on key is acquired, then returns a handle
// whose Release invokes tryRelease with an internally generated token.
func (c *HybridCache) LockKey(ctx context.Context, key string, ttl time.Duration) (*LockHandle, error) {
	scoped, err := c.keyName.scope(key)
	if err != nil {
		return nil, err
	}
	return c.locks.lockKey(ctx, scoped, ttl, uuid.NewString())
}

// --- helpers ---

func defaultEntryOptionsFor(c *HybridCache) EntryOptions {
	o := DefaultEntryOptions()
	o.RedisExpiry = c.opts.defaultExpiration
	return o
}

// resolveTTL applies this package's TTL convention: positive means expires
// after that duration, zero means use def, negative means never expires
// (represented downstream as a zero/absent TTL).
func resolveTTL(ttl, def time.Duration) time.Duration {
	switch {
	case ttl > 0:
		return ttl
	case ttl == 0:
		return def
	default:
		return 0
	}
}

func (c *HybridCache) logSwallow(op string, err error) {
	if !c.opts.enableLogging || c.opts.logger == nil {
		return
	}
	c.opts.logger.Warn("hybridcache: swallowed distributed cache error", "op", op, "error", err)
}

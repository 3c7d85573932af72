package hybridcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisClient is the narrow, command-level facade the orchestrator and its
// components talk to. It exists so every component in this package depends
// on an interface rather than github.com/redis/go-redis/v9.UniversalClient
// directly: unit tests supply a fake, integration tests exercise
// redisTransport against a live server (spec §4.4).
type RedisClient interface {
	StringSet(ctx context.Context, key string, value []byte, ttl time.Duration, cond Condition, keepTTL bool, flags RoutingFlags) (bool, error)
	// StringGet returns the value, its remaining TTL (0 if none), and whether the key was found.
	StringGet(ctx context.Context, key string) (value []byte, remainingTTL time.Duration, found bool, err error)
	KeyDelete(ctx context.Context, keys ...string) (int64, error)
	KeyExpireTime(ctx context.Context, key string) (ttl time.Duration, found bool, err error)
	KeyExists(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, nextCursor uint64, err error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) Subscription
	Eval(ctx context.Context, script *goredis.Script, keys []string, args ...any) (any, error)
	Time(ctx context.Context) (time.Time, error)
	DBSize(ctx context.Context) (int64, error)
	Ping(ctx context.Context) (time.Duration, error)
	Echo(ctx context.Context, msg string) (string, error)
	FlushAll(ctx context.Context) error
	ServerVersion(ctx context.Context) (string, error)
}

// Invalidation is a value delivered over a Subscription's channel: either a
// received pub/sub message, or a sentinel Reconnected event signaling that
// the underlying transport had to resubscribe after a connection loss.
type Invalidation struct {
	Payload     []byte
	Reconnected bool
}

// Subscription is a live pub/sub subscription to a single channel.
type Subscription interface {
	Channel() <-chan Invalidation
	Close() error
}

// redisTransport implements RedisClient over a go-redis UniversalClient,
// the transport this module assumes is available per spec §1.
type redisTransport struct {
	client goredis.UniversalClient
}

// NewRedisTransport wraps client as a RedisClient facade. client is
// typically obtained from pkg/redis.Open or pkg/redis.MustOpen.
func NewRedisTransport(client goredis.UniversalClient) RedisClient {
	return &redisTransport{client: client}
}

func (t *redisTransport) StringSet(ctx context.Context, key string, value []byte, ttl time.Duration, cond Condition, keepTTL bool, flags RoutingFlags) (bool, error) {
	args := goredis.SetArgs{}

	if keepTTL {
		args.KeepTTL = true
	} else if ttl > 0 {
		args.TTL = ttl
	}

	switch cond {
	case IfNotExists:
		args.Mode = "NX"
	case IfExists:
		args.Mode = "XX"
	case Always:
	}

	res, err := t.client.SetArgs(ctx, key, value, args).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			// NX/XX precondition not met: the write did not take effect.
			return false, nil
		}
		return false, err
	}
	return res == "OK", nil
}

func (t *redisTransport) StringGet(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := t.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, 0, false, err
	}

	data, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}

	ttl := ttlCmd.Val()
	var remaining time.Duration
	if ttl > 0 {
		remaining = ttl
	}

	return data, remaining, true, nil
}

func (t *redisTransport) KeyDelete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return t.client.Del(ctx, keys...).Result()
}

func (t *redisTransport) KeyExpireTime(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := t.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	switch {
	case ttl == -2: // key does not exist
		return 0, false, nil
	case ttl == -1: // no expiry set
		return 0, true, nil
	default:
		return ttl, true, nil
	}
}

func (t *redisTransport) KeyExists(ctx context.Context, key string) (bool, error) {
	n, err := t.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *redisTransport) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := t.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}

func (t *redisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *redisTransport) Subscribe(ctx context.Context, channel string) Subscription {
	ps := t.client.Subscribe(ctx, channel)
	sub := &redisSubscription{
		ps:  ps,
		out: make(chan Invalidation, 64),
		done: make(chan struct{}),
	}
	go sub.run(ctx)
	return sub
}

func (t *redisTransport) Eval(ctx context.Context, script *goredis.Script, keys []string, args ...any) (any, error) {
	return script.Run(ctx, t.client, keys, args...).Result()
}

func (t *redisTransport) Time(ctx context.Context) (time.Time, error) {
	return t.client.Time(ctx).Result()
}

func (t *redisTransport) DBSize(ctx context.Context) (int64, error) {
	return t.client.DBSize(ctx).Result()
}

func (t *redisTransport) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := t.client.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (t *redisTransport) Echo(ctx context.Context, msg string) (string, error) {
	return t.client.Echo(ctx, msg).Text()
}

func (t *redisTransport) FlushAll(ctx context.Context) error {
	return t.client.FlushAll(ctx).Err()
}

func (t *redisTransport) ServerVersion(ctx context.Context) (string, error) {
	info, err := t.client.Info(ctx, "server").Result()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "redis_version:"); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("%w: redis_version missing from INFO server", ErrUnexpectedReply)
}

// redisSubscription adapts *goredis.PubSub's low-level Receive API into the
// Subscription interface, surfacing a reconnect event whenever the
// subscription has to resubscribe after an error — go-redis's PubSub
// recovers from connection loss transparently, resubscribing on the next
// Receive call and yielding a fresh *redis.Subscription confirmation, which
// is the signal this module treats as "connection restored" (spec §4.5).
type redisSubscription struct {
	ps   *goredis.PubSub
	out  chan Invalidation
	done chan struct{}
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.out)

	sawError := false
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, 30*time.Second)
		select {
		case <-s.done:
			return
		default:
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			// Timeout is expected idle behavior, not a connection loss;
			// only a non-timeout error marks a pending reconnect.
			if !errorIsTimeout(err) {
				sawError = true
			}
			continue
		}

		switch m := msg.(type) {
		case *goredis.Subscription:
			if sawError {
				sawError = false
				select {
				case s.out <- Invalidation{Reconnected: true}:
				case <-s.done:
					return
				}
			}
		case *goredis.Message:
			select {
			case s.out <- Invalidation{Payload: []byte(m.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func errorIsTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *redisSubscription) Channel() <-chan Invalidation {
	return s.out
}

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.ps.Close()
}

package hybridcache

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// fakeEntry is a single key's stored value and absolute expiry.
type fakeEntry struct {
	data      []byte
	expiresAt time.Time // zero = no expiry
}

// FakeRedisClient is an in-memory RedisClient, exported so external
// black-box tests in this module can exercise HybridCache without a live
// server. It implements just enough of Redis's semantics (TTL, NX/XX,
// SCAN globbing, pub/sub fan-out, and the two lock scripts this package
// actually runs) to drive every component in this package.
type FakeRedisClient struct {
	mu      sync.Mutex
	data    map[string]fakeEntry
	subs    map[string][]*FakeSubscription
	version string

	// PublishErr, when set, is returned by every Publish call - used to
	// exercise the invalidation bus's retry/swallow paths.
	PublishErr error
	// SetErr, when set, is returned by every StringSet call.
	SetErr error
}

// NewFakeRedisClient returns an empty FakeRedisClient.
func NewFakeRedisClient() *FakeRedisClient {
	return &FakeRedisClient{
		data:    make(map[string]fakeEntry),
		subs:    make(map[string][]*FakeSubscription),
		version: "7.4.0",
	}
}

func (f *FakeRedisClient) isLive(e fakeEntry, now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

func (f *FakeRedisClient) StringSet(_ context.Context, key string, value []byte, ttl time.Duration, cond Condition, keepTTL bool, _ RoutingFlags) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SetErr != nil {
		return false, f.SetErr
	}

	now := time.Now()
	existing, ok := f.data[key]
	if ok && !f.isLive(existing, now) {
		ok = false
	}

	switch cond {
	case IfNotExists:
		if ok {
			return false, nil
		}
	case IfExists:
		if !ok {
			return false, nil
		}
	case Always:
	}

	var expiresAt time.Time
	switch {
	case keepTTL:
		if ok {
			expiresAt = existing.expiresAt
		}
	case ttl > 0:
		expiresAt = now.Add(ttl)
	}

	f.data[key] = fakeEntry{data: append([]byte(nil), value...), expiresAt: expiresAt}
	return true, nil
}

func (f *FakeRedisClient) StringGet(_ context.Context, key string) ([]byte, time.Duration, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.data[key]
	if !ok || !f.isLive(e, time.Now()) {
		return nil, 0, false, nil
	}

	var remaining time.Duration
	if !e.expiresAt.IsZero() {
		remaining = time.Until(e.expiresAt)
	}
	return append([]byte(nil), e.data...), remaining, true, nil
}

func (f *FakeRedisClient) KeyDelete(_ context.Context, keys ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return n, nil
}

func (f *FakeRedisClient) KeyExpireTime(_ context.Context, key string) (time.Duration, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.data[key]
	if !ok || !f.isLive(e, time.Now()) {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return 0, true, nil
	}
	return time.Until(e.expiresAt), true, nil
}

func (f *FakeRedisClient) KeyExists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.data[key]
	return ok && f.isLive(e, time.Now()), nil
}

func (f *FakeRedisClient) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	var all []string
	for k, e := range f.data {
		if !f.isLive(e, now) {
			continue
		}
		if ok, _ := path.Match(match, k); ok {
			all = append(all, k)
		}
	}
	sort.Strings(all)

	if count <= 0 {
		count = int64(len(all))
	}
	start := int(cursor)
	if start > len(all) {
		start = len(all)
	}
	end := start + int(count)
	if end > len(all) {
		end = len(all)
	}

	page := all[start:end]
	next := uint64(end)
	if end >= len(all) {
		next = 0
	}
	return page, next, nil
}

func (f *FakeRedisClient) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	subs := append([]*FakeSubscription(nil), f.subs[channel]...)
	err := f.PublishErr
	f.mu.Unlock()

	if err != nil {
		return err
	}

	for _, s := range subs {
		s.deliver(Invalidation{Payload: append([]byte(nil), payload...)})
	}
	return nil
}

func (f *FakeRedisClient) Subscribe(_ context.Context, channel string) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &FakeSubscription{
		client:  f,
		channel: channel,
		out:     make(chan Invalidation, 64),
		done:    make(chan struct{}),
	}
	f.subs[channel] = append(f.subs[channel], s)
	return s
}

// Eval interprets the two fixed Lua scripts this package actually runs
// (releaseScript, extendScript) directly in Go rather than embedding a Lua
// interpreter - both compare the stored value against ARGV[1] and either
// delete or re-expire the key.
func (f *FakeRedisClient) Eval(_ context.Context, script *goredis.Script, keys []string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := keys[0]
	token, _ := args[0].(string)

	e, ok := f.data[key]
	if !ok || !f.isLive(e, time.Now()) || string(e.data) != token {
		return int64(0), nil
	}

	switch script {
	case releaseScript:
		delete(f.data, key)
		return int64(1), nil
	case extendScript:
		ms, _ := args[1].(int64)
		e.expiresAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
		f.data[key] = e
		return int64(1), nil
	default:
		return int64(0), nil
	}
}

func (f *FakeRedisClient) Time(context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (f *FakeRedisClient) DBSize(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *FakeRedisClient) Ping(context.Context) (time.Duration, error) {
	return time.Millisecond, nil
}

func (f *FakeRedisClient) Echo(_ context.Context, msg string) (string, error) {
	return msg, nil
}

func (f *FakeRedisClient) FlushAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string]fakeEntry)
	return nil
}

func (f *FakeRedisClient) ServerVersion(context.Context) (string, error) {
	return f.version, nil
}

// FakeSubscription is the Subscription returned by FakeRedisClient.Subscribe.
type FakeSubscription struct {
	client  *FakeRedisClient
	channel string
	out     chan Invalidation
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

func (s *FakeSubscription) deliver(inv Invalidation) {
	select {
	case s.out <- inv:
	case <-s.done:
	}
}

// SimulateReconnect pushes a Reconnected event, as go-redis's PubSub would
// surface after resubscribing past a connection loss.
func (s *FakeSubscription) SimulateReconnect() {
	s.deliver(Invalidation{Reconnected: true})
}

func (s *FakeSubscription) Channel() <-chan Invalidation {
	return s.out
}

func (s *FakeSubscription) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	subs := s.client.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.client.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

var _ RedisClient = (*FakeRedisClient)(nil)
var _ Subscription = (*FakeSubscription)(nil)

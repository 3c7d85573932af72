package hybridcache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInvalidationBus_PublishAndReceive(t *testing.T) {
	t.Parallel()

	t.Run("a peer receives the invalidation", func(t *testing.T) {
		t.Parallel()

		client := NewFakeRedisClient()
		kn := newKeyNamer("ns")

		writer := newInvalidationBus(client, kn, "writer", 3, true, nil)
		reader := newInvalidationBus(client, kn, "reader", 3, true, nil)

		var mu sync.Mutex
		var got []string
		reader.onRemoteRemove = func(keys []string) {
			mu.Lock()
			got = append(got, keys...)
			mu.Unlock()
		}

		ctx := context.Background()
		writer.start(ctx)
		reader.start(ctx)
		defer writer.stop()
		defer reader.stop()

		require.NoError(t, writer.publish(ctx, []string{"ns:user:1"}, true))

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		}, time.Second, 5*time.Millisecond)

		mu.Lock()
		require.Equal(t, []string{"ns:user:1"}, got)
		mu.Unlock()
	})

	t.Run("self-originated messages are ignored", func(t *testing.T) {
		t.Parallel()

		client := NewFakeRedisClient()
		kn := newKeyNamer("ns")
		bus := newInvalidationBus(client, kn, "self", 3, true, nil)

		called := false
		bus.onRemoteRemove = func([]string) { called = true }

		ctx := context.Background()
		bus.start(ctx)
		defer bus.stop()

		require.NoError(t, bus.publish(ctx, []string{"ns:a"}, true))

		time.Sleep(30 * time.Millisecond)
		require.False(t, called, "a bus must not react to its own publish")
	})

	t.Run("malformed payloads are dropped, not crashed on", func(t *testing.T) {
		t.Parallel()

		kn := newKeyNamer("ns")
		bus := newInvalidationBus(NewFakeRedisClient(), kn, "reader", 3, true, nil)

		called := false
		bus.onRemoteRemove = func([]string) { called = true }
		bus.handleMessage([]byte("not json"))

		require.False(t, called)
	})
}

func TestInvalidationBus_Publish_RetryAndSwallow(t *testing.T) {
	t.Parallel()

	t.Run("retries on failure and eventually swallows", func(t *testing.T) {
		t.Parallel()

		client := NewFakeRedisClient()
		client.PublishErr = errors.New("connection reset")
		kn := newKeyNamer("ns")
		bus := newInvalidationBus(client, kn, "writer", 2, true, nil)
		bus.retryBase = time.Millisecond

		err := bus.publish(context.Background(), []string{"ns:a"}, false)
		require.NoError(t, err, "throwOnError=false must swallow the final error")
	})

	t.Run("surfaces the final error when throwOnError is true", func(t *testing.T) {
		t.Parallel()

		client := NewFakeRedisClient()
		client.PublishErr = errors.New("connection reset")
		kn := newKeyNamer("ns")
		bus := newInvalidationBus(client, kn, "writer", 2, true, nil)
		bus.retryBase = time.Millisecond

		err := bus.publish(context.Background(), []string{"ns:a"}, true)
		require.Error(t, err)
	})

	t.Run("empty key list is a no-op", func(t *testing.T) {
		t.Parallel()

		bus := newInvalidationBus(NewFakeRedisClient(), newKeyNamer("ns"), "writer", 3, true, nil)
		require.NoError(t, bus.publish(context.Background(), nil, true))
	})
}

func TestInvalidationBus_Reconnect(t *testing.T) {
	t.Parallel()

	t.Run("flushes local state when flushOnReconnect is true", func(t *testing.T) {
		t.Parallel()

		client := NewFakeRedisClient()
		kn := newKeyNamer("ns")
		bus := newInvalidationBus(client, kn, "reader", 3, true, nil)

		flushed := false
		bus.onReconnect = func() { flushed = true }

		ctx := context.Background()
		sub := client.Subscribe(ctx, kn.channel())
		bus.sub = sub
		bus.done = make(chan struct{})
		go bus.receiveLoop()
		defer bus.stop()

		fake := sub.(*FakeSubscription)
		fake.SimulateReconnect()

		require.Eventually(t, func() bool { return flushed }, time.Second, 5*time.Millisecond)
	})

	t.Run("does nothing when flushOnReconnect is false", func(t *testing.T) {
		t.Parallel()

		client := NewFakeRedisClient()
		kn := newKeyNamer("ns")
		bus := newInvalidationBus(client, kn, "reader", 3, false, nil)

		flushed := false
		bus.onReconnect = func() { flushed = true }

		ctx := context.Background()
		sub := client.Subscribe(ctx, kn.channel())
		bus.sub = sub
		bus.done = make(chan struct{})
		go bus.receiveLoop()
		defer bus.stop()

		fake := sub.(*FakeSubscription)
		fake.SimulateReconnect()

		time.Sleep(30 * time.Millisecond)
		require.False(t, flushed)
	})
}

func TestInvalidationMessage_WireShape(t *testing.T) {
	t.Parallel()

	msg := InvalidationMessage{OriginInstanceID: "abc", CacheKeys: []string{"ns:a", "ns:b"}}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.JSONEq(t, `{"instanceId":"abc","cacheKeys":["ns:a","ns:b"]}`, string(data))
}

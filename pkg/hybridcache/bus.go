package hybridcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// invalidationBus publishes and receives invalidation notices over a
// per-namespace pub/sub channel, deduplicating self-originated messages and
// reacting to connection restoration (spec §4.5).
type invalidationBus struct {
	client           RedisClient
	keyName          keyNamer
	instanceID       string
	retryCount       int
	retryBase        time.Duration
	flushOnReconnect bool
	logger           *slog.Logger

	onRemoteRemove func(keys []string)
	onReconnect    func()

	sub  Subscription
	done chan struct{}
}

func newInvalidationBus(client RedisClient, kn keyNamer, instanceID string, retryCount int, flushOnReconnect bool, logger *slog.Logger) *invalidationBus {
	return &invalidationBus{
		client:           client,
		keyName:          kn,
		instanceID:       instanceID,
		retryCount:       retryCount,
		retryBase:        50 * time.Millisecond,
		flushOnReconnect: flushOnReconnect,
		logger:           logger,
		done:             make(chan struct{}),
	}
}

// start subscribes to the invalidation channel and begins processing
// incoming messages on a dedicated goroutine. Call once, at construction.
func (b *invalidationBus) start(ctx context.Context) {
	b.sub = b.client.Subscribe(ctx, b.keyName.channel())
	go b.receiveLoop()
}

// stop unsubscribes and releases the subscription's resources.
func (b *invalidationBus) stop() error {
	close(b.done)
	if b.sub == nil {
		return nil
	}
	return b.sub.Close()
}

func (b *invalidationBus) receiveLoop() {
	for {
		select {
		case <-b.done:
			return
		case inv, ok := <-b.sub.Channel():
			if !ok {
				return
			}
			if inv.Reconnected {
				b.handleReconnect()
				continue
			}
			b.handleMessage(inv.Payload)
		}
	}
}

func (b *invalidationBus) handleMessage(payload []byte) {
	var msg InvalidationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logf(slog.LevelWarn, "hybridcache: dropping malformed invalidation message", "error", err)
		return
	}

	// Self-loopback suppression (spec §8 invariant 3): a receiver whose
	// originInstanceId matches the message's own must ignore it — this
	// instance already applied the effect locally when it wrote.
	if msg.OriginInstanceID == b.instanceID {
		return
	}

	if len(msg.CacheKeys) == 0 {
		return
	}
	if b.onRemoteRemove != nil {
		b.onRemoteRemove(msg.CacheKeys)
	}
}

func (b *invalidationBus) handleReconnect() {
	b.logf(slog.LevelInfo, "hybridcache: invalidation bus reconnected")
	if b.flushOnReconnect && b.onReconnect != nil {
		// Messages missed while disconnected could leave stale local
		// entries, so the whole local tier is dropped rather than trusted.
		b.onReconnect()
	}
}

// publish broadcasts an invalidation for keys, retrying on transport error
// up to retryCount times with linear backoff (delay = base * attempt). If
// every retry fails and throwOnError is true, the final error is returned;
// otherwise it is logged and swallowed.
func (b *invalidationBus) publish(ctx context.Context, keys []string, throwOnError bool) error {
	if len(keys) == 0 {
		return nil
	}

	msg := InvalidationMessage{OriginInstanceID: b.instanceID, CacheKeys: keys}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var lastErr error
	attempts := max(b.retryCount, 0) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := b.client.Publish(ctx, b.keyName.channel(), payload); err != nil {
			lastErr = err
			if attempt < attempts {
				select {
				case <-ctx.Done():
					lastErr = ctx.Err()
					attempt = attempts // stop retrying; cancellation wins
				case <-time.After(time.Duration(attempt) * b.retryBase):
				}
			}
			continue
		}
		return nil
	}

	if throwOnError {
		return lastErr
	}
	b.logf(slog.LevelWarn, "hybridcache: invalidation publish failed, swallowing", "error", lastErr)
	return nil
}

func (b *invalidationBus) logf(level slog.Level, msg string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Log(context.Background(), level, msg, args...)
}

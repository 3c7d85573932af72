package redis

import (
	"context"
	"io"
)

// Shutdown returns a function that gracefully closes the Redis client,
// suitable for registration with a process's own graceful-shutdown hook.
//
// Example:
//
//	shutdownFn := redis.Shutdown(client)
//	// ... register shutdownFn with whatever runs it on SIGTERM ...
func Shutdown(client io.Closer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Close()
	}
}

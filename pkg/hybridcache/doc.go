// Package hybridcache implements a two-tier cache: an in-process, bounded
// LRU tier backed by a shared Redis-compatible distributed tier, kept
// coherent across instances through pub/sub invalidation.
//
// # Overview
//
// A HybridCache composes:
//
//   - A local tier (bounded, LRU-evicted, TTL-aware) answering reads
//     without a network round trip.
//   - A distributed tier (Redis) that is the source of truth: every write
//     lands there (unless explicitly disabled per call), and every local
//     entry's TTL is bounded by the remote key's remaining TTL.
//   - An invalidation bus: a pub/sub channel every instance subscribes to.
//     A write on one instance broadcasts the affected keys; peers drop
//     their local copies on receipt, self-originated messages are ignored.
//   - A pattern engine for cursor-based key enumeration and batched,
//     glob-pattern bulk removal.
//   - A lock manager providing token-owned, TTL-bounded distributed locks
//     with atomic compare-and-release / compare-and-extend semantics.
//
// # Basic Usage
//
//	client, err := redis.Open(ctx, os.Getenv("REDIS_URL"))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	cache, err := hybridcache.New(ctx, hybridcache.NewRedisTransport(client),
//		hybridcache.WithNamespace("orders"),
//		hybridcache.WithDefaultExpiration(10*time.Minute),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cache.Close()
//
//	if _, err := hybridcache.Set(ctx, cache, "42", order); err != nil {
//		log.Fatal(err)
//	}
//
//	got, err := hybridcache.Get[Order](ctx, cache, "42")
//
// # Generic Accessors
//
// Go cannot attach type parameters to methods, so the value-typed surface
// is a set of free functions taking *HybridCache as their first non-context
// argument: [Get], [TryGet], [GetOrCreate], [Set], and [SetAll]. Key
// removal, pattern operations, inspection, and locking are ordinary methods
// on *HybridCache since they carry no value type.
//
// # Polymorphic Entries
//
// [Get], [Set], [GetOrCreate], and [SetAll] accept any type parameter, but
// an interface type parameter needs extra help: Go cannot recover a
// concrete type from encoded bytes the way a reflective managed runtime
// can. Configure [WithTypeRegistry] with a [TypeRegistry] populated via
// [RegisterType] for every concrete type a given interface-typed key may
// hold, and Get/Set route through the envelope/registry machinery in
// serializer.go automatically — no separate API is needed. Calling Get or
// Set with an interface type parameter and no registry configured returns
// [ErrTypeRegistryRequired].
//
// # Consistency Model
//
// Coherency between instances is read-your-own-writes plus eventual
// convergence for peers: the writer's local tier is updated synchronously,
// peers learn of the change asynchronously over the invalidation bus and
// may serve a stale local value for the duration of that round trip. A
// bus reconnect after a connection loss is treated as a potential message
// gap and, by default, flushes the entire local tier rather than trust
// partial state (see WithFlushLocalOnBusReconnect).
//
// # Non-goals
//
// This package does not implement cache-stampede protection beyond the
// lock primitive: concurrent GetOrCreate misses for the same key each
// invoke their producer independently. Callers who need single-flight
// semantics compose it themselves with LockKey/WithLock.
package hybridcache

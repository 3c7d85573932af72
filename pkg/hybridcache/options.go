package hybridcache

import (
	"log/slog"
	"time"
)

// Options configures a HybridCache instance. Read-only after construction
// (spec §3) — build one with New(ctx, client, opts...); there is no mutation
// surface once the cache is running.
type Options struct {
	namespace         string
	defaultExpiration time.Duration

	throwOnDistributedError  bool
	flushLocalOnBusReconnect bool
	enableLogging            bool

	busRetryCount int

	localMaxEntries      int
	localCleanupInterval time.Duration

	scanPageSize    int64
	deleteBatchSize int

	serializer   Serializer
	typeRegistry *TypeRegistry
	logger       *slog.Logger
}

func defaultOptions() *Options {
	return &Options{
		namespace:                "hybridcache",
		defaultExpiration:        5 * time.Minute,
		throwOnDistributedError:  false,
		flushLocalOnBusReconnect: true,
		enableLogging:            false,
		busRetryCount:            3,
		localMaxEntries:          0,
		localCleanupInterval:     time.Minute,
		scanPageSize:             defaultScanPageSize,
		deleteBatchSize:          defaultDeleteBatch,
		serializer:               JSONSerializer{},
	}
}

// Option configures a HybridCache at construction time.
type Option func(*Options)

// WithNamespace sets InstancesSharedName: the namespace every scoped key
// and the invalidation channel are prefixed with. Default: "hybridcache".
func WithNamespace(ns string) Option {
	return func(o *Options) { o.namespace = ns }
}

// WithDefaultExpiration sets the fallback TTL used when neither a
// configured local expiry nor a remote remaining TTL is available.
// Default: 5 minutes.
func WithDefaultExpiration(d time.Duration) Option {
	return func(o *Options) { o.defaultExpiration = d }
}

// WithThrowOnDistributedError controls whether a Redis-tier failure is
// surfaced to the caller (true) or logged and swallowed, falling back to
// the local tier's already-applied effect (false, the default).
func WithThrowOnDistributedError(throw bool) Option {
	return func(o *Options) { o.throwOnDistributedError = throw }
}

// WithFlushLocalOnBusReconnect controls whether the entire LocalStore is
// dropped when the invalidation bus reconnects after a connection loss.
// Default: true — messages missed while disconnected could leave stale
// local entries.
func WithFlushLocalOnBusReconnect(flush bool) Option {
	return func(o *Options) { o.flushLocalOnBusReconnect = flush }
}

// WithLogger supplies a *slog.Logger for bus retry exhaustion, reconnect
// notices, and swallowed transport errors. A non-nil logger enables
// logging; nil (the default) disables it.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.logger = logger
		o.enableLogging = logger != nil
	}
}

// WithBusRetryCount sets how many times a failed invalidation publish is
// retried with linear backoff before giving up. Default: 3.
func WithBusRetryCount(n int) Option {
	return func(o *Options) { o.busRetryCount = n }
}

// WithLocalMaxEntries bounds the local tier's size; 0 (the default) means unbounded.
// When the limit is reached, the least recently used entry is evicted.
func WithLocalMaxEntries(n int) Option {
	return func(o *Options) { o.localMaxEntries = n }
}

// WithLocalCleanupInterval sets how often the local tier's background
// janitor sweeps expired entries. Default: 1 minute. Zero disables the janitor.
func WithLocalCleanupInterval(d time.Duration) Option {
	return func(o *Options) { o.localCleanupInterval = d }
}

// WithScanPageSize sets the COUNT hint passed to each SCAN call made by the
// pattern engine. Default: 1000.
func WithScanPageSize(n int64) Option {
	return func(o *Options) { o.scanPageSize = n }
}

// WithDeleteBatchSize sets the default batch size for RemoveByPattern.
// Default: 100.
func WithDeleteBatchSize(n int) Option {
	return func(o *Options) { o.deleteBatchSize = n }
}

// WithSerializer overrides the default JSONSerializer, e.g. with
// MsgpackSerializer{} for a more compact wire format.
func WithSerializer(s Serializer) Option {
	return func(o *Options) { o.serializer = s }
}

// WithTypeRegistry enables polymorphic Get/Set: whenever the type parameter
// T of Get[T]/Set[T]/GetOrCreate[T] is itself an interface, values are
// routed through the envelope machinery in serializer.go, tagged and
// reconstructed via r (spec §4.1). Required before any such call; omitted
// by default since most cache entries have a concrete, non-interface type
// and never need it.
func WithTypeRegistry(r *TypeRegistry) Option {
	return func(o *Options) { o.typeRegistry = r }
}

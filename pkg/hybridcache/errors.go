package hybridcache

import "errors"

// Sentinel errors for hybridcache operations.
var (
	// ErrNotFound is returned when a key does not exist in either tier or has expired.
	ErrNotFound = errors.New("hybridcache: entry not found")

	// ErrClosed is returned when an operation is attempted on a closed cache.
	ErrClosed = errors.New("hybridcache: closed")

	// ErrEmptyKey is returned for an empty or whitespace-only key.
	ErrEmptyKey = errors.New("hybridcache: key must not be empty")

	// ErrEmptyKeys is returned when an operation requiring at least one key receives none.
	ErrEmptyKeys = errors.New("hybridcache: key list must not be empty")

	// ErrSerialize is returned when a value cannot be encoded.
	ErrSerialize = errors.New("hybridcache: failed to serialize value")

	// ErrDeserialize is returned when stored bytes cannot be decoded into the requested type.
	ErrDeserialize = errors.New("hybridcache: failed to deserialize value")

	// ErrUnknownType is returned when a polymorphic envelope names a type tag
	// that was never registered with the TypeRegistry.
	ErrUnknownType = errors.New("hybridcache: unregistered type tag")

	// ErrUnexpectedReply indicates the Redis transport returned a reply shape
	// the facade does not know how to interpret. Always surfaced: it signals
	// a bug in the facade or an incompatible server, never a transient condition.
	ErrUnexpectedReply = errors.New("hybridcache: unexpected redis reply")

	// ErrLockNotHeld is returned by LockKey when its context is cancelled
	// before the lock could be acquired — wrapped together with the
	// context's own error via errors.Join, so errors.Is matches both.
	ErrLockNotHeld = errors.New("hybridcache: lock not acquired")

	// ErrNilClient is returned when constructing a HybridCache without a Redis client.
	ErrNilClient = errors.New("hybridcache: redis client is required")

	// ErrTypeRegistryRequired is returned by Get/Set/GetOrCreate when their
	// type parameter is an interface type but no WithTypeRegistry was
	// configured on the HybridCache to resolve it.
	ErrTypeRegistryRequired = errors.New("hybridcache: polymorphic type requires WithTypeRegistry")
)

package hybridcache

import "strings"

// keyNamer scopes user-supplied keys under a shared namespace so that
// multiple applications (or multiple HybridCache instances with distinct
// purposes) can share a single Redis database without key collisions.
type keyNamer struct {
	namespace string
}

func newKeyNamer(namespace string) keyNamer {
	return keyNamer{namespace: namespace}
}

// scope returns the namespaced form of key, e.g. "app:user:42".
// Returns ErrEmptyKey for an empty or whitespace-only key.
func (k keyNamer) scope(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", ErrEmptyKey
	}
	return k.namespace + ":" + key, nil
}

// unscope strips the leading "<namespace>:" prefix from a scoped key.
// If the prefix is absent, scoped is returned unchanged — this keeps
// unscope total, which matters when it is applied to keys returned by a
// SCAN over a namespace that might (in theory) include foreign keys.
func (k keyNamer) unscope(scoped string) string {
	prefix := k.namespace + ":"
	return strings.TrimPrefix(scoped, prefix)
}

// channel returns the invalidation pub/sub channel name for this namespace.
func (k keyNamer) channel() string {
	return k.namespace + ":invalidate"
}

// lockKeyName returns the Redis key under which a lock record for the given
// (already scoped) key is stored.
func lockKeyName(scopedKey string) string {
	return "lock:" + scopedKey
}

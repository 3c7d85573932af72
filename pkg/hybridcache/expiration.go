package hybridcache

import "time"

// expirationResolver computes the local TTL to apply after a read-through
// from Redis, keeping the invariant that a locally cached entry never
// outlives its remote counterpart (spec §4.6, §8 invariant 2).
type expirationResolver struct {
	defaultExpiration time.Duration
}

func newExpirationResolver(defaultExpiration time.Duration) expirationResolver {
	return expirationResolver{defaultExpiration: defaultExpiration}
}

// resolve returns the TTL to apply to the local tier given the caller's
// configured local expiry and the remote key's remaining TTL (0 if the
// remote key has no expiry set).
//
//   - Both configuredLocal and remoteRemaining positive: min of the two.
//   - Only one positive: that one.
//   - Neither positive: the resolver's configured default expiration.
func (r expirationResolver) resolve(configuredLocal, remoteRemaining time.Duration) time.Duration {
	switch {
	case configuredLocal > 0 && remoteRemaining > 0:
		return min(configuredLocal, remoteRemaining)
	case configuredLocal > 0:
		return configuredLocal
	case remoteRemaining > 0:
		return remoteRemaining
	default:
		return r.defaultExpiration
	}
}

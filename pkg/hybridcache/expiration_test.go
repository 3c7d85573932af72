package hybridcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExpirationResolver_Resolve(t *testing.T) {
	t.Parallel()

	r := newExpirationResolver(5 * time.Minute)

	t.Run("both positive: returns the smaller", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, 30*time.Second, r.resolve(time.Minute, 30*time.Second))
		require.Equal(t, 30*time.Second, r.resolve(30*time.Second, time.Minute))
	})

	t.Run("only local positive: returns local", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, 2*time.Minute, r.resolve(2*time.Minute, 0))
	})

	t.Run("only remote positive: returns remote", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, 90*time.Second, r.resolve(0, 90*time.Second))
	})

	t.Run("neither positive: returns the configured default", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, 5*time.Minute, r.resolve(0, 0))
	})
}

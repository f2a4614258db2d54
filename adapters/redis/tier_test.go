package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_Tier(t *testing.T) {
	client := NewTestClient(t)
	tier := NewTier(client)

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, tier.Set(t.Context(), "k1", []byte("v1"), 0, []string{"account:a1"}))

		val, ok, err := tier.Get(t.Context(), "k1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v1"), val)

		_, ok, err = tier.Get(t.Context(), "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		require.NoError(t, tier.Set(t.Context(), "short", []byte("v"), 100*time.Millisecond, nil))

		_, ok, err := tier.Get(t.Context(), "short")
		require.NoError(t, err)
		require.True(t, ok)

		assert.Eventually(t, func() bool {
			_, ok, err := tier.Get(t.Context(), "short")
			return err == nil && !ok
		}, time.Second, 20*time.Millisecond)
	})

	t.Run("tag invalidation", func(t *testing.T) {
		require.NoError(t, tier.Set(t.Context(), "k2", []byte("v2"), 0, []string{"account:a1", "account:all"}))
		require.NoError(t, tier.Set(t.Context(), "k3", []byte("v3"), 0, []string{"account:a2"}))

		require.NoError(t, tier.Invalidate(t.Context(), []string{"account:a1"}))

		_, ok, err := tier.Get(t.Context(), "k1")
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = tier.Get(t.Context(), "k2")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = tier.Get(t.Context(), "k3")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("invalidate is idempotent", func(t *testing.T) {
		require.NoError(t, tier.Invalidate(t.Context(), []string{"account:a1"}))
		require.NoError(t, tier.Invalidate(t.Context(), []string{"unknown"}))
	})

	t.Run("prefix isolates deployments", func(t *testing.T) {
		other := NewTier(client, WithKeyPrefix("other"))
		require.NoError(t, other.Set(t.Context(), "k3", []byte("other"), 0, []string{"account:a2"}))

		require.NoError(t, other.Invalidate(t.Context(), []string{"account:a2"}))

		// the default-prefix entry with the same key and tag is untouched
		val, ok, err := tier.Get(t.Context(), "k3")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v3"), val)
	})
}

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLRU_CapacityBound(t *testing.T) {
	sut := NewLRU(LRUOpts{Size: 3})

	for i := 0; i < 10; i++ {
		sut.Put(fmt.Sprintf("k%d", i), i)
	}

	require.Equal(t, 3, sut.Len())

	_, ok := sut.Get("k0")
	require.False(t, ok)

	v, ok := sut.Get("k9")
	require.True(t, ok)
	require.Equal(t, 9, v)
}

func TestLRU_EvictionOrder(t *testing.T) {
	sut := NewLRU(LRUOpts{Size: 2})

	sut.Put("a", 1)
	sut.Put("b", 2)

	// touch "a" so "b" becomes the LRU victim
	_, ok := sut.Get("a")
	require.True(t, ok)

	sut.Put("c", 3)

	_, ok = sut.Get("b")
	require.False(t, ok)
	_, ok = sut.Get("a")
	require.True(t, ok)
	_, ok = sut.Get("c")
	require.True(t, ok)
}

func TestLRU_TTL(t *testing.T) {
	now := time.Now()
	sut := NewLRU(LRUOpts{Size: 8, Clock: func() time.Time { return now }})

	sut.Put("k", "v", WithTTL(time.Minute))

	_, ok := sut.Get("k")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)

	_, ok = sut.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, sut.Len(), "expired entry must be dropped")
}

func TestLRU_Delete(t *testing.T) {
	sut := NewLRU(LRUOpts{Size: 8})
	sut.Put("k", "v")
	sut.Delete("k")
	_, ok := sut.Get("k")
	require.False(t, ok)
	sut.Delete("k") // idempotent
}

func TestLRU_Update(t *testing.T) {
	sut := NewLRU(LRUOpts{Size: 2})
	sut.Put("k", 1)
	sut.Put("k", 2)
	require.Equal(t, 1, sut.Len())
	v, ok := sut.Get("k")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestTyped(t *testing.T) {
	sut := NewTyped[int](NewLRU(LRUOpts{Size: 4}))
	sut.Put("one", 1)
	v, ok := sut.Get("one")
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = sut.Get("two")
	require.False(t, ok)
}

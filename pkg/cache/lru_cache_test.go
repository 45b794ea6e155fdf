package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func BenchmarkLRU_Set(b *testing.B) {
	c := New[string](1000, 5*time.Minute)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(HashKey(fmt.Sprint(i)), "value")
	}
}

func BenchmarkLRU_ConcurrentAccess(b *testing.B) {
	c := New[string](1000, 5*time.Minute)
	for i := 0; i < 100; i++ {
		c.Set(HashKey(fmt.Sprint(i)), "value")
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := HashKey(fmt.Sprint(i % 100))
			if i%2 == 0 {
				c.Get(key)
			} else {
				c.Set(key, "value")
			}
			i++
		}
	})
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int](2, time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Set("c", 3)

	_, ok = c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New[string](4, time.Minute)
	c.now = func() time.Time { return now }
	c.Set("k", "v")

	now = now.Add(2 * time.Minute)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUDumpRestore(t *testing.T) {
	c := New[[]float32](4, 0)
	c.Set("x", []float32{1, 2})
	dump := c.Dump()

	other := New[[]float32](4, 0)
	other.Restore(dump)
	v, ok := other.Get("x")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, v)
}

func TestHashKeySeparatesParts(t *testing.T) {
	assert.NotEqual(t, HashKey("ab", "c"), HashKey("a", "bc"))
	assert.Equal(t, HashKey("model", "text"), HashKey("model", "text"))
}

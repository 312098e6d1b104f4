package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringLRU_PutGet(t *testing.T) {
	c := NewStringLRU(&Config{MaxEntries: 2})

	c.Put("a", "A")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "A", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestStringLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewStringLRU(&Config{MaxEntries: 2})

	c.Put("a", "A")
	c.Put("b", "B")
	// touch "a" so "b" becomes the LRU entry
	_, _ = c.Get("a")
	c.Put("c", "C")

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestStringLRU_TTLExpiry(t *testing.T) {
	c := NewStringLRU(&Config{MaxEntries: 10, TTL: time.Millisecond})
	c.Put("a", "A")
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestStringLRU_StatsHitRate(t *testing.T) {
	c := NewStringLRU(nil)
	c.Put("a", "A")
	_, _ = c.Get("a")
	_, _ = c.Get("a")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 0.0001)
}

func TestStringLRU_Clear(t *testing.T) {
	c := NewStringLRU(nil)
	c.Put("a", "A")
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

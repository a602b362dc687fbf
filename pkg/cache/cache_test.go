package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func newTestCache(t *testing.T, max int, ttl time.Duration) (*Cache[string, int], *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c, err := New[string, int]("test", max, ttl, clk)
	require.NoError(t, err)
	return c, clk
}

// TestLRUEvictsLeastRecentlyUsed 溢出时淘汰最久未使用的条目，Get 可保护条目
func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, 3, 0)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	require.True(t, ok)

	evicted := c.Set("d", 4)
	assert.True(t, evicted)

	assert.False(t, c.Has("b"), "b was least recently used")
	assert.True(t, c.Has("a"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestNeverExceedsCapacity(t *testing.T) {
	c, _ := newTestCache(t, 5, 0)
	for i := 0; i < 100; i++ {
		c.Set(string(rune('a'+i%26))+string(rune('A'+i/26)), i)
		assert.LessOrEqual(t, c.Len(), 5)
	}
}

func TestSetExistingKeyDoesNotEvict(t *testing.T) {
	c, _ := newTestCache(t, 2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	assert.False(t, c.Set("a", 10))

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.Equal(t, uint64(0), c.Stats().Evictions)
}

func TestCleanupRemovesIdleEntries(t *testing.T) {
	c, clk := newTestCache(t, 10, time.Minute)
	c.Set("old", 1)
	clk.Step(40 * time.Second)
	c.Set("fresh", 2)
	clk.Step(30 * time.Second)

	removed := c.Cleanup()
	assert.Equal(t, 1, removed)
	assert.False(t, c.Has("old"))
	assert.True(t, c.Has("fresh"))
	assert.Equal(t, uint64(1), c.Stats().Expirations)
}

func TestGetRefreshesIdleTimer(t *testing.T) {
	c, clk := newTestCache(t, 10, time.Minute)
	c.Set("k", 1)
	for i := 0; i < 5; i++ {
		clk.Step(50 * time.Second)
		_, ok := c.Get("k")
		require.True(t, ok)
	}
	clk.Step(61 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestResizeEvictsOldest(t *testing.T) {
	c, _ := newTestCache(t, 4, 0)
	for i, k := range []string{"a", "b", "c", "d"} {
		c.Set(k, i)
	}

	evicted, err := c.Resize(2)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)
	assert.False(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.Equal(t, 2, c.Stats().MaxSize)

	_, err = c.Resize(0)
	assert.Error(t, err)
}

func TestComputeIsAtomicReadModifyWrite(t *testing.T) {
	c, _ := newTestCache(t, 4, 0)
	inc := func(cur int, ok bool) int {
		if !ok {
			return 1
		}
		return cur + 1
	}
	assert.Equal(t, 1, c.Compute("v", inc))
	assert.Equal(t, 2, c.Compute("v", inc))
	assert.Equal(t, 3, c.Compute("v", inc))
}

func TestStatsHitRate(t *testing.T) {
	c, _ := newTestCache(t, 4, 0)
	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 0.0001)
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	_, err := New[string, int]("bad", 0, 0, nil)
	assert.Error(t, err)
}

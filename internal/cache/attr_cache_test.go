package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agentfs/internal/common"
)

func newTestCache(ttl, neg time.Duration, max int) (*AttrCache, *time.Time) {
	c := NewAttrCache(ttl, neg, max)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestAttrCache_SetGet(t *testing.T) {
	t.Parallel()

	c, now := newTestCache(time.Second, 0, 0)
	c.Set("a.txt", common.Attributes{Size: 42})

	attrs, missing, found := c.Get("a.txt")
	assert.True(t, found)
	assert.False(t, missing)
	assert.Equal(t, uint64(42), attrs.Size)

	*now = now.Add(2 * time.Second)
	_, _, found = c.Get("a.txt")
	assert.False(t, found, "expired entries miss")
}

func TestAttrCache_Negative(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Second, 0, 0)
	c.SetMissing("gone")
	_, _, found := c.Get("gone")
	assert.False(t, found, "negative caching is off with a zero TTL")

	c, _ = newTestCache(time.Second, time.Second, 0)
	c.SetMissing("gone")
	_, missing, found := c.Get("gone")
	assert.True(t, found)
	assert.True(t, missing)
}

func TestAttrCache_ZeroTTLDisables(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(0, 0, 0)
	c.Set("a", common.Attributes{})
	assert.Zero(t, c.Size())
}

func TestAttrCache_MaxSize(t *testing.T) {
	t.Parallel()

	c, now := newTestCache(time.Second, 0, 2)
	c.Set("a", common.Attributes{})
	c.Set("b", common.Attributes{})
	c.Set("c", common.Attributes{})
	assert.Equal(t, 2, c.Size())

	*now = now.Add(2 * time.Second)
	c.Set("c", common.Attributes{})
	assert.Equal(t, 1, c.Size(), "expired entries are evicted to make room")
}

func TestAttrCache_Invalidation(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(time.Minute, time.Minute, 0)
	for _, p := range []string{"dir", "dir/a", "dir/b/c", "dirx", "other"} {
		c.Set(p, common.Attributes{})
	}

	c.InvalidatePath("other")
	_, _, found := c.Get("other")
	assert.False(t, found)

	c.InvalidatePrefix("dir")
	for _, p := range []string{"dir", "dir/a", "dir/b/c"} {
		_, _, found := c.Get(p)
		assert.False(t, found, p)
	}
	_, _, found = c.Get("dirx")
	assert.True(t, found)

	c.Invalidate()
	assert.Zero(t, c.Size())
	assert.Equal(t, time.Minute, c.Stats().NegativeTTL)
}

package cache

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New[int]()
	c.now = func() time.Time { return now }

	c.Set("/dev/sda", 42, time.Minute)
	v, ok := c.Get("/dev/sda")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("/dev/sda")
	assert.False(t, ok)

	stale, ok := c.Stale("/dev/sda")
	assert.True(t, ok)
	assert.Equal(t, 42, stale.Value)
	assert.Equal(t, 2*time.Minute, stale.Age(now))

	assert.Equal(t, 1, c.Cleanup())
	_, ok = c.Stale("/dev/sda")
	assert.False(t, ok)
}

func TestCacheDefaultTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New[string]()
	c.now = func() time.Time { return now }

	c.Set("k", "v", 0)
	e, _ := c.Stale("k")
	assert.Equal(t, now.Add(DefaultTTL), e.ExpiresAt)
}

func TestCacheKeysAndDelete(t *testing.T) {
	c := New[bool]()
	c.Set("/dev/sdb", true, time.Hour)
	c.Set("/dev/sda", true, time.Hour)

	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"/dev/sda", "/dev/sdb"}, keys)

	c.Delete("/dev/sda")
	assert.Len(t, c.Keys(), 1)
	c.Clear()
	assert.Empty(t, c.Keys())
}

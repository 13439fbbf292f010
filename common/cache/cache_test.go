package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheBasicOperations(t *testing.T) {
	c := New[string](time.Second)
	defer c.Close()

	c.Set("key1", "value1")
	val, ok := c.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, "value1", val)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	c.Delete("key1")
	_, ok = c.Get("key1")
	assert.False(t, ok)
}

func TestCacheExpiration(t *testing.T) {
	c := New[int](time.Hour)
	defer c.Close()

	c.SetWithExp("short", 42, 30*time.Millisecond)
	c.Set("long", 7)

	v, ok := c.Get("short")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("short")
	assert.False(t, ok)
	_, ok = c.Get("long")
	assert.True(t, ok)
}

func TestCacheSweep(t *testing.T) {
	c := New[string](20*time.Millisecond, 20*time.Millisecond)
	defer c.Close()

	c.Set("a", "x")
	c.Set("b", "y")
	assert.Equal(t, 2, c.Len())

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestCacheCloseIsIdempotent(t *testing.T) {
	c := New[string]()
	c.Close()
	c.Close()
}

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheSetGet(t *testing.T) {
	c := New[string, int](Options{})
	defer c.Close()

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCacheIdleExpiryRunsCallback(t *testing.T) {
	c := New[string, int](Options{IdleTimeout: 10 * time.Millisecond})
	defer c.Close()

	var evicted []string
	c.SetOnEvicted(func(k string, _ int) { evicted = append(evicted, k) })

	c.Set("a", 1)
	time.Sleep(25 * time.Millisecond)
	c.DeleteExpired()

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, 0, c.Count())
}

func TestCacheGetRefreshesDeadline(t *testing.T) {
	c := New[string, int](Options{IdleTimeout: 40 * time.Millisecond})
	defer c.Close()

	c.Set("a", 1)
	for i := 0; i < 4; i++ {
		time.Sleep(15 * time.Millisecond)
		_, ok := c.Get("a")
		assert.True(t, ok, "touched entries stay alive")
	}
}

func TestCacheMaxItemsEvicts(t *testing.T) {
	c := New[string, int](Options{MaxItems: 2, IdleTimeout: time.Minute})
	defer c.Close()

	c.Set("a", 1)
	time.Sleep(time.Millisecond)
	c.Set("b", 2)
	c.Set("c", 3)

	assert.Equal(t, 2, c.Count())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

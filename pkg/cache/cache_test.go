package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New[int](DefaultConfig())
	defer c.Stop()

	c.Set("k", 42, time.Minute)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestGetExpired(t *testing.T) {
	c := New[string](DefaultConfig())
	defer c.Stop()

	c.Set("k", "v", time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New[string](DefaultConfig())
	defer c.Stop()

	c.Set("k", "v", time.Minute)
	c.Invalidate("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

package memo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetGet(t *testing.T) {
	t.Parallel()

	c, err := New[string](100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	c.Set("k", "v")
	c.Wait()
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestNilCacheIsNoop(t *testing.T) {
	t.Parallel()

	var c *Cache[int]
	c.Set("k", 1)
	c.Wait()
	_, ok := c.Get("k")
	assert.False(t, ok)
}

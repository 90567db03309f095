package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usestring/powhttp-proxy/pkg/flow"
)

func TestFlowCache(t *testing.T) {
	var evicted []string
	c, err := NewFlowCache(2, func(id string, _ *flow.Flow) {
		evicted = append(evicted, id)
	})
	require.NoError(t, err)

	assert.False(t, c.Put("a", &flow.Flow{ID: "a"}))
	assert.False(t, c.Put("b", &flow.Flow{ID: "b"}))

	// Touch a so b becomes the oldest.
	_, ok := c.Get("a")
	require.True(t, ok)

	assert.True(t, c.Put("c", &flow.Flow{ID: "c"}))
	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Peek("b")
	assert.False(t, ok)

	assert.True(t, c.Remove("a"))
	assert.Equal(t, []string{"b", "a"}, evicted)
	assert.False(t, c.Remove("a"))
}

func TestFlowCacheInvalidSize(t *testing.T) {
	_, err := NewFlowCache(0, nil)
	assert.Error(t, err)
}

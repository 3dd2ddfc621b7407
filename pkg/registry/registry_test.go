package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseRegistry_RegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = r.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, r.Count())
}

func TestBaseRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewBaseRegistry[string]()

	require.NoError(t, r.Register("a", "first"))
	err := r.Register("a", "second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	v, _ := r.Get("a")
	assert.Equal(t, "first", v)
}

func TestBaseRegistry_RegisterRejectsEmptyName(t *testing.T) {
	r := NewBaseRegistry[string]()
	assert.Error(t, r.Register("", "x"))
}

func TestBaseRegistry_PutReplaces(t *testing.T) {
	r := NewBaseRegistry[string]()

	r.Put("a", "first")
	r.Put("a", "second")

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, r.Count())
}

func TestBaseRegistry_NamesSorted(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("zeta", 1))
	require.NoError(t, r.Register("alpha", 2))
	require.NoError(t, r.Register("mid", 3))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestBaseRegistry_Remove(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Remove("a"))
	assert.Equal(t, 0, r.Count())

	assert.Error(t, r.Remove("a"))
}

func TestBaseRegistry_Clear(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))
	r.Clear()

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.List())
}

package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(10)

	tok, err := r.Register("s1", "c1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, tok.State())
	assert.Same(t, tok, r.Get("s1"))

	_, err = r.Register("s1", "c1")
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestRegistry_Cap(t *testing.T) {
	r := NewRegistry(2)

	_, err := r.Register("s1", "")
	require.NoError(t, err)
	_, err = r.Register("s2", "")
	require.NoError(t, err)

	_, err = r.Register("s3", "")
	assert.ErrorIs(t, err, ErrRegistryFull)

	// Sweeping terminal sessions frees capacity.
	r.Complete("s1")
	assert.Equal(t, 1, r.CleanupFinished())
	_, err = r.Register("s3", "")
	assert.NoError(t, err)
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry(10)
	tok, err := r.Register("s1", "")
	require.NoError(t, err)

	assert.True(t, r.Cancel("s1"))
	assert.True(t, tok.Cancelled())

	// Unknown session id.
	assert.False(t, r.Cancel("nope"))

	// Completed sessions are not cancellable.
	r2 := NewRegistry(10)
	r2.Register("s2", "")
	r2.Complete("s2")
	assert.False(t, r2.Cancel("s2"))
}

func TestRegistry_CancelAll(t *testing.T) {
	r := NewRegistry(10)
	tokens := make([]*Token, 0, 3)
	for i := 0; i < 3; i++ {
		tok, err := r.Register(fmt.Sprintf("s%d", i), "")
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	r.CancelAll()
	for _, tok := range tokens {
		assert.True(t, tok.Cancelled())
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(10)
	r.Register("s1", "")
	r.Remove("s1")
	assert.Nil(t, r.Get("s1"))
	assert.Equal(t, 0, r.Active())
}

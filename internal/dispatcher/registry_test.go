package dispatcher

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndCap(t *testing.T) {
	reg := NewRegistry(2)

	already, err := reg.Register("b1", nil)
	require.NoError(t, err)
	assert.False(t, already)

	already, err = reg.Register("b2", nil)
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, 2, reg.Count())

	_, err = reg.Register("b3", nil)
	assert.ErrorIs(t, err, ErrAtCapacity)

	// Re-registering an active build is idempotent and does not count
	// against the cap.
	already, err = reg.Register("b1", nil)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, 2, reg.Count())

	// Freeing a slot admits the waiting build.
	reg.Remove("b2")
	already, err = reg.Register("b3", nil)
	require.NoError(t, err)
	assert.False(t, already)
}

func TestRegistrySetPID(t *testing.T) {
	reg := NewRegistry(5)
	_, err := reg.Register("b1", nil)
	require.NoError(t, err)

	require.NoError(t, reg.SetPID("b1", 4242))
	entry, ok := reg.Get("b1")
	require.True(t, ok)
	assert.Equal(t, 4242, entry.PID)
	assert.False(t, entry.StartedAt.IsZero())

	assert.ErrorIs(t, reg.SetPID("nope", 1), ErrNotRegistered)
}

func TestRegistryRemoveAbsent(t *testing.T) {
	reg := NewRegistry(1)
	reg.Remove("nope")

	_, ok := reg.Get("nope")
	assert.False(t, ok)
	assert.Empty(t, reg.List())
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry(10)
	for i := 0; i < 4; i++ {
		_, err := reg.Register(fmt.Sprintf("b%d", i), nil)
		require.NoError(t, err)
	}

	entries := reg.List()
	assert.Len(t, entries, 4)
	ids := map[string]bool{}
	for _, e := range entries {
		ids[e.BuildID] = true
	}
	assert.Len(t, ids, 4)
}

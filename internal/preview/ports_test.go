package preview

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNewPortPoolValidation(t *testing.T) {
	_, err := NewPortPool(0, 100)
	assert.Error(t, err)
	_, err = NewPortPool(3200, 3100)
	assert.Error(t, err)

	pool, err := NewPortPool(3100, 3100)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Size())
}

func TestPortPoolAllocateLowestFirst(t *testing.T) {
	pool, err := NewPortPool(3100, 3102)
	require.NoError(t, err)

	p1, err := pool.Allocate("b1")
	require.NoError(t, err)
	assert.Equal(t, 3100, p1)

	p2, err := pool.Allocate("b2")
	require.NoError(t, err)
	assert.Equal(t, 3101, p2)

	// Releasing the lowest makes it the next handed out.
	pool.Release(3100)
	p3, err := pool.Allocate("b3")
	require.NoError(t, err)
	assert.Equal(t, 3100, p3)

	owner, ok := pool.Owner(3100)
	assert.True(t, ok)
	assert.Equal(t, "b3", owner)
}

func TestPortPoolExhaustion(t *testing.T) {
	pool, err := NewPortPool(3100, 3101)
	require.NoError(t, err)

	_, err = pool.Allocate("b1")
	require.NoError(t, err)
	_, err = pool.Allocate("b2")
	require.NoError(t, err)

	_, err = pool.Allocate("b3")
	assert.ErrorIs(t, err, ErrNoPortsAvailable)

	pool.Release(3101)
	p, err := pool.Allocate("b3")
	require.NoError(t, err)
	assert.Equal(t, 3101, p)
}

// Allocation never exceeds the pool size, never hands out a port outside the
// range, and never double-books a port.
func TestPortPoolInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := rapid.IntRange(1024, 60000).Draw(t, "start")
		size := rapid.IntRange(1, 32).Draw(t, "size")
		pool, err := NewPortPool(start, start+size-1)
		if err != nil {
			t.Fatalf("pool: %v", err)
		}

		held := map[int]bool{}
		ops := rapid.SliceOf(rapid.Bool()).Draw(t, "ops")
		for i, allocate := range ops {
			if allocate {
				port, err := pool.Allocate(fmt.Sprintf("owner-%d", i))
				if err != nil {
					if len(held) != size {
						t.Fatalf("exhausted with %d of %d allocated", len(held), size)
					}
					continue
				}
				if port < start || port > start+size-1 {
					t.Fatalf("port %d outside [%d,%d]", port, start, start+size-1)
				}
				if held[port] {
					t.Fatalf("port %d double-booked", port)
				}
				held[port] = true
			} else {
				for port := range held {
					pool.Release(port)
					delete(held, port)
					break
				}
			}
			if pool.Allocated() != len(held) {
				t.Fatalf("allocated %d, held %d", pool.Allocated(), len(held))
			}
		}
	})
}

package runner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPromptQueueFIFO(t *testing.T) {
	q := NewPromptQueue()
	q.Append("first")
	q.Append("second")

	item, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "first", item.Prompt)
	assert.Equal(t, 0, item.Ordinal)
	assert.Equal(t, OriginPlan, item.Origin)

	item, ok = q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "second", item.Prompt)
	assert.Equal(t, 1, item.Ordinal)

	_, ok = q.Pop()
	assert.False(t, ok)
}

// Injected prompts run before the remaining plan, keeping their own
// observation order; ordinals follow execution order.
func TestPromptQueueInjectedRunsBeforePlan(t *testing.T) {
	q := NewPromptQueue()
	q.Append("P0")
	q.Append("P1")

	p0, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "P0", p0.Prompt)
	assert.Equal(t, 0, p0.Ordinal)

	q.Inject("CP", "cp-1")

	cp, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "CP", cp.Prompt)
	assert.Equal(t, 1, cp.Ordinal)
	assert.Equal(t, OriginCustom, cp.Origin)
	assert.Equal(t, "cp-1", cp.CustomPromptID)

	p1, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "P1", p1.Prompt)
	assert.Equal(t, 2, p1.Ordinal)
}

func TestPromptQueueInjectedObservationOrder(t *testing.T) {
	q := NewPromptQueue()
	q.Append("P0")
	q.Inject("CP0", "cp-0")
	q.Inject("CP1", "cp-1")

	got := make([]string, 0, 3)
	for {
		item, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, item.Prompt)
	}
	assert.Equal(t, []string{"CP0", "CP1", "P0"}, got)
}

func TestPromptQueuePopEmpty(t *testing.T) {
	q := NewPromptQueue()
	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.NextOrdinal())
}

// Ordinals are contiguous from zero in pop order regardless of how appends
// and injections interleave.
func TestPromptQueueOrdinalsContiguous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := NewPromptQueue()
		added := 0
		popped := 0

		ops := rapid.SliceOf(rapid.IntRange(0, 2)).Draw(t, "ops")
		for i, op := range ops {
			switch op {
			case 0:
				q.Append(fmt.Sprintf("p%d", i))
				added++
			case 1:
				q.Inject(fmt.Sprintf("cp%d", i), fmt.Sprintf("id%d", i))
				added++
			case 2:
				item, ok := q.Pop()
				if !ok {
					if added != popped {
						t.Fatalf("pop failed with %d items queued", added-popped)
					}
					continue
				}
				if item.Ordinal != popped {
					t.Fatalf("popped ordinal %d, want %d", item.Ordinal, popped)
				}
				popped++
			}
		}

		if q.Len() != added-popped {
			t.Fatalf("len %d, want %d", q.Len(), added-popped)
		}
		if q.NextOrdinal() != popped {
			t.Fatalf("next ordinal %d, want %d", q.NextOrdinal(), popped)
		}
	})
}

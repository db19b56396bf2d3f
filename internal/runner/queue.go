package runner

import "sync"

// PromptOrigin says where a queue item came from.
type PromptOrigin string

const (
	// OriginPlan marks prompts loaded from the build's planned sequence.
	OriginPlan PromptOrigin = "plan"
	// OriginCustom marks prompts injected by an external UI mid-build.
	OriginCustom PromptOrigin = "custom"
)

// PromptQueueItem is one prompt waiting to be executed. Ordinal is assigned
// when the item is popped, so ordinals are contiguous in execution order.
type PromptQueueItem struct {
	Ordinal        int
	Prompt         string
	Origin         PromptOrigin
	CustomPromptID string // set when Origin == OriginCustom
}

// PromptQueue is the build's prompt queue. Planned prompts seed it in plan
// order; injected custom prompts run ahead of the remaining planned prompts,
// in observation order among themselves.
type PromptQueue struct {
	mu          sync.Mutex
	planned     []PromptQueueItem
	injected    []PromptQueueItem
	nextOrdinal int
}

// NewPromptQueue creates an empty queue.
func NewPromptQueue() *PromptQueue {
	return &PromptQueue{}
}

// Append adds a planned prompt to the tail of the plan.
func (q *PromptQueue) Append(prompt string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.planned = append(q.planned, PromptQueueItem{
		Prompt: prompt,
		Origin: OriginPlan,
	})
}

// Inject adds a custom prompt. Injected prompts are consumed before any
// not-yet-started planned prompt; multiple injections keep their observation
// order.
func (q *PromptQueue) Inject(prompt, customPromptID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.injected = append(q.injected, PromptQueueItem{
		Prompt:         prompt,
		Origin:         OriginCustom,
		CustomPromptID: customPromptID,
	})
}

// Pop removes the next item to execute and assigns it the next free ordinal.
func (q *PromptQueue) Pop() (PromptQueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var item PromptQueueItem
	switch {
	case len(q.injected) > 0:
		item = q.injected[0]
		q.injected = q.injected[1:]
	case len(q.planned) > 0:
		item = q.planned[0]
		q.planned = q.planned[1:]
	default:
		return PromptQueueItem{}, false
	}

	item.Ordinal = q.nextOrdinal
	q.nextOrdinal++
	return item, true
}

// Len returns the number of queued items.
func (q *PromptQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.planned) + len(q.injected)
}

// NextOrdinal returns the ordinal the next popped prompt would get.
func (q *PromptQueue) NextOrdinal() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextOrdinal
}

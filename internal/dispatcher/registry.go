package dispatcher

import (
	"errors"
	"sync"
	"time"

	"github.com/mcpbuild/mcpbuild/internal/store"
)

var (
	// ErrAtCapacity is returned when the concurrency cap is reached.
	ErrAtCapacity = errors.New("dispatcher: at concurrency cap")
	// ErrNotRegistered is returned when no active entry exists for a build.
	ErrNotRegistered = errors.New("dispatcher: build not registered")
)

// Entry is the in-memory record of one active build. It is a cache, not a
// source of truth: the store's build row decides disputes.
type Entry struct {
	BuildID   string
	PID       int
	StartedAt time.Time
	Store     *store.Client // per-build client built from the start request credentials
}

// Registry tracks active builds under a single mutex and enforces the
// concurrency cap at registration time.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
	cap     int
}

// NewRegistry creates a registry with the given concurrency cap.
func NewRegistry(maxConcurrent int) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		cap:     maxConcurrent,
	}
}

// Register reserves a slot for the build. Returns (true, nil) when the build
// is already registered (idempotent start) and ErrAtCapacity when the cap is
// reached.
func (r *Registry) Register(buildID string, st *store.Client) (already bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[buildID]; exists {
		return true, nil
	}
	if len(r.entries) >= r.cap {
		return false, ErrAtCapacity
	}
	r.entries[buildID] = &Entry{
		BuildID:   buildID,
		StartedAt: time.Now().UTC(),
		Store:     st,
	}
	return false, nil
}

// SetPID records the spawned worker's process id.
func (r *Registry) SetPID(buildID string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[buildID]
	if !ok {
		return ErrNotRegistered
	}
	entry.PID = pid
	return nil
}

// Remove drops a build's entry. Removing an absent entry is a no-op.
func (r *Registry) Remove(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, buildID)
}

// Get returns a copy of the entry for a build.
func (r *Registry) Get(buildID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[buildID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// List returns copies of all entries.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	return out
}

// Count returns the number of active builds.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

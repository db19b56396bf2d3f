package preview

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoPortsAvailable is returned when every port in the pool is allocated.
var ErrNoPortsAvailable = errors.New("preview: no ports available")

// PortPool hands out ports from a contiguous inclusive range. Allocation
// scans lowest-to-highest for the first free port; release returns it to the
// pool. Each allocated port is bound to exactly one owner.
type PortPool struct {
	mu    sync.Mutex
	start int
	end   int
	used  map[int]string // port -> owner (build id)
}

// NewPortPool creates a pool over [start, end].
func NewPortPool(start, end int) (*PortPool, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("preview: invalid port range %d-%d", start, end)
	}
	return &PortPool{
		start: start,
		end:   end,
		used:  make(map[int]string),
	}, nil
}

// Allocate reserves the lowest free port for owner.
func (p *PortPool) Allocate(owner string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.start; port <= p.end; port++ {
		if _, taken := p.used[port]; !taken {
			p.used[port] = owner
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// Release returns a port to the pool. Releasing a free port is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// Owner returns who holds a port, if anyone.
func (p *PortPool) Owner(port int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.used[port]
	return owner, ok
}

// Allocated returns the number of ports currently in use.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

// Size returns the total pool capacity.
func (p *PortPool) Size() int {
	return p.end - p.start + 1
}

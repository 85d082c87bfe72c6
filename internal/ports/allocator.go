// Package ports implements the Port Allocator: a bounded pool of UDP ports
// handed out to the Transport Supervisor, one per live room.
package ports

import (
	"errors"
	"sync"
)

// ErrExhausted is returned by Acquire when every port in the range is in use.
var ErrExhausted = errors.New("port pool exhausted")

// Allocator reserves and releases ports from [base, base+rangeSize). All
// methods are safe for concurrent use and never block on I/O.
type Allocator struct {
	mu    sync.Mutex
	base  int
	size  int
	inUse map[int]struct{}
}

// New constructs an Allocator over the contiguous range [base, base+size).
func New(base, size int) *Allocator {
	if size <= 0 {
		size = 1
	}
	return &Allocator{
		base:  base,
		size:  size,
		inUse: make(map[int]struct{}, size),
	}
}

// Acquire reserves and returns the lowest free port in the range.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for p := a.base; p < a.base+a.size; p++ {
		if _, taken := a.inUse[p]; !taken {
			a.inUse[p] = struct{}{}
			return p, nil
		}
	}
	return 0, ErrExhausted
}

// Release frees a port. Releasing a port that is not in use, or is outside
// the configured range, is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse reports whether a port is currently allocated.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, taken := a.inUse[port]
	return taken
}

// Stats returns the current count of allocated ports and the pool's total size.
func (a *Allocator) Stats() (used, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse), a.size
}

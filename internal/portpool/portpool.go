// Package portpool allocates loopback TCP ports from a bounded range for
// the lifecycle supervisor, lowest-free-first, so allocation is deterministic
// across test runs and across process restarts that re-derive the free set.
package portpool

import (
	"errors"
	"sync"

	"github.com/pixelated/dispatcher/internal/logging"
)

// ErrExhausted is returned by Acquire when no port in range is free. The
// lifecycle supervisor maps it onto apperr.NotEnoughFreeMemory when it
// surfaces through the manager HTTP API, since both conditions mean
// "no capacity available to start this agent right now".
var ErrExhausted = errors.New("port pool exhausted")

// Pool tracks free and in-use ports within [min, max], inclusive.
type Pool struct {
	mu     sync.Mutex
	min    int
	max    int
	inUse  map[int]struct{}
	log    *logging.Logger
}

// New creates a Pool over the closed range [min, max].
func New(min, max int, log *logging.Logger) *Pool {
	return &Pool{
		min:   min,
		max:   max,
		inUse: make(map[int]struct{}),
		log:   log,
	}
}

// Acquire returns the lowest free port in range, marking it in-use.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.min; port <= p.max; port++ {
		if _, busy := p.inUse[port]; !busy {
			p.inUse[port] = struct{}{}
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns a port to the free set. Releasing an unknown or
// already-free port is a no-op logged at warn, per §4.1.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[port]; !ok {
		if p.log != nil {
			p.log.Warn("release of unknown port", "port", port)
		}
		return
	}
	delete(p.inUse, port)
}

// InUse reports whether a port is currently allocated.
func (p *Pool) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[port]
	return ok
}

// Stats reports the current free/used counts, for telemetry gauges.
func (p *Pool) Stats() (free, used, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total = p.max - p.min + 1
	used = len(p.inUse)
	free = total - used
	return
}

// Package vnc owns console ports: the allocation pool, the greeting probe and
// a minimal greeter used by the in-process hypervisor driver.
package vnc

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"

	"github.com/projecteru2/vmadm/types"
)

const maxPort = 65535

// HostChecker reports whether port can be bound on this host right now.
type HostChecker func(port int) error

// BindChecker returns a HostChecker that tries to listen on host:port.
func BindChecker(host string) HostChecker {
	return func(port int) error {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return err
		}
		return ln.Close()
	}
}

// Pool hands out console ports from [min, max]. Each port has at most one
// owner. Callers that share ports across processes pass the ports known to
// be taken elsewhere as exclude.
type Pool struct {
	min, max int
	check    HostChecker

	mu     sync.Mutex
	owners map[int]string // port → VM UUID
}

// NewPool creates a pool for the inclusive range [min, max]. check may be nil.
func NewPool(min, max int, check HostChecker) (*Pool, error) {
	if min < 1 || max > maxPort || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &Pool{min: min, max: max, check: check, owners: make(map[int]string)}, nil
}

// Range returns the inclusive allocation range.
func (p *Pool) Range() (int, int) { return p.min, p.max }

// Contains reports whether port lies in the allocation range.
func (p *Pool) Contains(port int) bool { return port >= p.min && port <= p.max }

// Allocate picks a free port for owner. The scan starts at a random offset so
// that concurrent managers on one host rarely race for the same port.
// An owner that already holds a port gets it back.
func (p *Pool) Allocate(owner string, exclude map[int]string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.portOf(owner); ok && !takenBy(exclude, port, owner) {
		return port, nil
	}
	p.releaseOwner(owner)

	size := p.max - p.min + 1
	start := rand.IntN(size) //nolint:gosec // placement, not security
	for i := range size {
		port := p.min + (start+i)%size
		if _, held := p.owners[port]; held || takenBy(exclude, port, owner) {
			continue
		}
		if p.check != nil && p.check(port) != nil {
			continue
		}
		p.owners[port] = owner
		return port, nil
	}
	return 0, fmt.Errorf("%w: %d-%d", types.ErrPortRangeExhausted, p.min, p.max)
}

// Reserve claims a specific port for owner. The port need not lie in the
// allocation range.
func (p *Pool) Reserve(owner string, port int, exclude map[int]string) error {
	if port < 1 || port > maxPort {
		return fmt.Errorf("%w: vnc_port %d out of range", types.ErrInvalidSpec, port)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, held := p.owners[port]; held {
		if cur == owner {
			return nil
		}
		return fmt.Errorf("%w: port %d held by %s", types.ErrPortUnavailable, port, cur)
	}
	if takenBy(exclude, port, owner) {
		return fmt.Errorf("%w: port %d held by %s", types.ErrPortUnavailable, port, exclude[port])
	}
	if p.check != nil {
		if err := p.check(port); err != nil {
			return fmt.Errorf("%w: port %d: %v", types.ErrPortUnavailable, port, err)
		}
	}
	p.releaseOwner(owner)
	p.owners[port] = owner
	return nil
}

// Release frees port. Releasing a free port is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.owners, port)
}

// ReleaseFor frees port only if owner still holds it.
func (p *Pool) ReleaseFor(owner string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owners[port] == owner {
		delete(p.owners, port)
	}
}

// ReleaseOwner frees whatever port owner holds and returns it, or 0.
func (p *Pool) ReleaseOwner(owner string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseOwner(owner)
}

// Owner returns the VM holding port.
func (p *Pool) Owner(port int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.owners[port]
	return owner, ok
}

// InUse returns the number of reserved ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners)
}

// Rebuild replaces the pool contents, typically with the sessions found in
// the registry at start-up.
func (p *Pool) Rebuild(owners map[int]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owners = make(map[int]string, len(owners))
	for port, owner := range owners {
		p.owners[port] = owner
	}
}

func (p *Pool) portOf(owner string) (int, bool) {
	for port, o := range p.owners {
		if o == owner {
			return port, true
		}
	}
	return 0, false
}

func (p *Pool) releaseOwner(owner string) int {
	port, ok := p.portOf(owner)
	if !ok {
		return 0
	}
	delete(p.owners, port)
	return port
}

func takenBy(exclude map[int]string, port int, owner string) bool {
	o, ok := exclude[port]
	return ok && o != owner
}

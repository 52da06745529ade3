package ports

import (
	"errors"
	"fmt"
	"sync"
)

// Domain-level errors returned by the allocator.
var (
	ErrExhausted  = errors.New("no ports available")
	ErrOutOfRange = errors.New("port outside of the configured range")
	ErrPortTaken  = errors.New("port already allocated to another world")
	ErrBadRange   = errors.New("invalid port range")
)

// Allocator owns the reservable port range [min, max] minus the proxy port.
// Every mutation happens under one mutex so two concurrent starts can never
// receive the same port.
type Allocator struct {
	mu       sync.Mutex
	min      int
	max      int
	reserved int
	owners   map[int]string // port -> world id
	byWorld  map[string]int // world id -> port
}

// New creates an allocator for the inclusive range [min, max]. reserved is the
// externally owned proxy port; pass 0 when nothing inside the range is reserved.
func New(min, max, reserved int) (*Allocator, error) {
	if min < 1 || max > 65535 || min > max {
		return nil, fmt.Errorf("%w: [%d,%d]", ErrBadRange, min, max)
	}
	return &Allocator{
		min:      min,
		max:      max,
		reserved: reserved,
		owners:   make(map[int]string),
		byWorld:  make(map[string]int),
	}, nil
}

// Allocate returns the lowest free port for worldID. A world that already
// holds a port gets the same port back.
func (a *Allocator) Allocate(worldID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.byWorld[worldID]; ok {
		a.checkLocked(port, worldID)
		return port, nil
	}

	for port := a.min; port <= a.max; port++ {
		if port == a.reserved {
			continue
		}
		if _, taken := a.owners[port]; taken {
			continue
		}
		a.owners[port] = worldID
		a.byWorld[worldID] = port
		return port, nil
	}
	return 0, ErrExhausted
}

// Reserve claims a specific port for worldID, typically a port persisted from
// an earlier run. Reserving the port a world already owns is a no-op.
func (a *Allocator) Reserve(port int, worldID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inRangeLocked(port) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, port)
	}
	if owner, taken := a.owners[port]; taken {
		if owner == worldID {
			return nil
		}
		return fmt.Errorf("%w: %d is held by %s", ErrPortTaken, port, owner)
	}
	if old, ok := a.byWorld[worldID]; ok {
		delete(a.owners, old)
	}
	a.owners[port] = worldID
	a.byWorld[worldID] = port
	return nil
}

// Release frees port. Releasing a port that is not allocated is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	owner, ok := a.owners[port]
	if !ok {
		return
	}
	delete(a.owners, port)
	if a.byWorld[owner] == port {
		delete(a.byWorld, owner)
	}
}

// Owner returns the world holding port.
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.owners[port]
	return owner, ok
}

// PortOf returns the port held by worldID.
func (a *Allocator) PortOf(worldID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.byWorld[worldID]
	return port, ok
}

// InUse returns how many ports are currently allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.owners)
}

// Capacity returns the number of allocatable ports in the range.
func (a *Allocator) Capacity() int {
	n := a.max - a.min + 1
	if a.reserved >= a.min && a.reserved <= a.max {
		n--
	}
	return n
}

// Range returns the configured bounds and the reserved proxy port.
func (a *Allocator) Range() (min, max, reserved int) {
	return a.min, a.max, a.reserved
}

func (a *Allocator) inRangeLocked(port int) bool {
	return port >= a.min && port <= a.max && port != a.reserved
}

// checkLocked panics when the two tables disagree: that is a double
// allocation and nothing downstream can recover from it.
func (a *Allocator) checkLocked(port int, worldID string) {
	if owner := a.owners[port]; owner != worldID {
		panic(fmt.Sprintf("ports: port %d mapped to %q but owned by %q", port, worldID, owner))
	}
}

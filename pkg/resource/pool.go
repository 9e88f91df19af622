package resource

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

var (
	ErrResourceExhausted   = errors.New("resource exhausted")
	ErrProcessLaunchFailed = errors.New("backing process failed to start")
)

// numberPool hands out integers from [base, base+size) in round-robin
// order. A number is never handed out again while it is held, and the
// counter keeps advancing after a release so recently freed numbers are
// the last to come back.
type numberPool struct {
	base  int
	size  int
	next  uint32
	used  sync.Map // map[int]bool
	inUse func(n int) bool
}

func newNumberPool(base, size int, inUse func(n int) bool) *numberPool {
	return &numberPool{base: base, size: size, inUse: inUse}
}

func (p *numberPool) acquire() (int, bool) {
	for i := 0; i < p.size; i++ {
		candidate := p.base + int(atomic.AddUint32(&p.next, 1)-1)%p.size
		if p.inUse != nil && p.inUse(candidate) {
			continue
		}
		if _, loaded := p.used.LoadOrStore(candidate, true); !loaded {
			return candidate, true
		}
	}
	return 0, false
}

func (p *numberPool) release(n int) {
	p.used.Delete(n)
}

func (p *numberPool) held(n int) bool {
	_, ok := p.used.Load(n)
	return ok
}

// PortPool allocates local TCP ports, skipping ports something else
// already listens on.
type PortPool struct {
	pool *numberPool
}

// NewPortPool creates a pool over [base, base+count)
func NewPortPool(base, count int) *PortPool {
	return &PortPool{pool: newNumberPool(base, count, portBusy)}
}

// Acquire returns a free port
func (p *PortPool) Acquire() (int, error) {
	port, ok := p.pool.acquire()
	if !ok {
		return 0, fmt.Errorf("%w: no free port in %d-%d", ErrResourceExhausted, p.pool.base, p.pool.base+p.pool.size-1)
	}
	return port, nil
}

// Release returns a port to the pool
func (p *PortPool) Release(port int) {
	p.pool.release(port)
}

func portBusy(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return true
	}
	l.Close()
	return false
}

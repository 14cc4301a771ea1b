package rtc

import (
	"errors"
	"sync"
)

var errNoFreePorts = errors.New("no free ports")

// PortsAllocator hands out the request port indices of an output switch.
// The lowest free index is always reused first.
type PortsAllocator struct {
	sync.Mutex
	ports []bool
}

func NewPortsAllocator(size int) *PortsAllocator {
	return &PortsAllocator{
		ports: make([]bool, size),
	}
}

func (p *PortsAllocator) Allocate() (int, error) {
	p.Lock()
	defer p.Unlock()

	for port, allocated := range p.ports {
		if !allocated {
			p.ports[port] = true
			return port, nil
		}
	}

	return 0, errNoFreePorts
}

func (p *PortsAllocator) Allocated(port int) bool {
	p.Lock()
	defer p.Unlock()

	return port >= 0 && port < len(p.ports) && p.ports[port]
}

func (p *PortsAllocator) Deallocate(port int) {
	p.Lock()
	if port >= 0 && port < len(p.ports) {
		p.ports[port] = false
	}
	p.Unlock()
}

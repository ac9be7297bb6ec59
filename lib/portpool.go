package lib

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PortPool hands out local port numbers for actively opened connections.
// Ports live in a ring holding a random permutation of the range, so consecutive
// dials do not get predictable ports and a released port goes to the back of the line.
type PortPool struct {
	ports           []int
	capacity        int
	minPort         int
	maxPort         int
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocatedMap    map[int]time.Time
	mtx             sync.Mutex
}

func newPortPool(minPort, maxPort int) *PortPool {
	capacity := maxPort - minPort + 1

	perm := rand.Perm(capacity)

	ports := make([]int, capacity)
	for i, v := range perm {
		ports[i] = minPort + v
	}

	return &PortPool{
		ports:        ports,
		capacity:     capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		allocatedMap: make(map[int]time.Time),
		isFull:       true,
	}
}

// allocatePort takes the next port off the ring
func (p *PortPool) allocatePort() (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		logger.Warn("Port allocation: port pool is empty. Cannot allocate")
		return 0, ErrPortPoolEmpty
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity

	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false

	p.allocatedMap[port] = time.Now()

	return port, nil
}

// returnPort puts an allocated port back on the ring
func (p *PortPool) returnPort(port int) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return errors.Errorf("port %d out of range [%d, %d]", port, p.minPort, p.maxPort)
	}
	if _, ok := p.allocatedMap[port]; !ok {
		return errors.Errorf("port %d was not allocated", port)
	}
	if p.isFull {
		return errors.New("port pool is full")
	}

	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity

	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false

	delete(p.allocatedMap, port)

	return nil
}

// numAvailablePorts returns the number of ports that can still be allocated
func (p *PortPool) numAvailablePorts() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.capacity - len(p.allocatedMap)
}

package lib

import (
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// PacketHandler consumes packets dispatched by the registry.
type PacketHandler interface {
	OnPacketArrival(p *Packet)
}

// Registry is what a Connection needs from the demultiplexing table.
type Registry interface {
	AllocateLocalPort() (int, error)
	ReleaseLocalPort(port int)
	RegisterConnection(remoteAddr net.Addr, localPort, remotePort int, h PacketHandler) error
	RegisterListener(localPort int, h PacketHandler) error
	UnregisterListener(localPort int, h PacketHandler) error
	UnregisterConnection(remoteAddr net.Addr, localPort, remotePort int, h PacketHandler) error
}

// ConnectionRegistry routes inbound packets to connections and listeners. It is the only
// place where different connections share state.
type ConnectionRegistry struct {
	mu          sync.RWMutex
	connections map[string]PacketHandler // key: remoteAddr/remotePort-localPort
	listeners   map[int]PacketHandler    // key: local port
	portPool    *PortPool
}

func NewConnectionRegistry(portLower, portUpper int) *ConnectionRegistry {
	return &ConnectionRegistry{
		connections: make(map[string]PacketHandler),
		listeners:   make(map[int]PacketHandler),
		portPool:    newPortPool(portLower, portUpper),
	}
}

func connectionKey(remoteAddr net.Addr, localPort, remotePort int) string {
	host := "<nil>"
	if remoteAddr != nil {
		host = remoteAddr.String()
	}
	return fmt.Sprintf("%s/%d-%d", host, remotePort, localPort)
}

func (r *ConnectionRegistry) AllocateLocalPort() (int, error) {
	port, err := r.portPool.allocatePort()
	if err != nil {
		return 0, errors.Wrap(err, "allocate local port")
	}
	return port, nil
}

// ReleaseLocalPort returns a port obtained from AllocateLocalPort. Ports that did not come
// from the pool (listening ports) are ignored.
func (r *ConnectionRegistry) ReleaseLocalPort(port int) {
	if err := r.portPool.returnPort(port); err != nil {
		logger.Debugf("Port %d not returned to pool: %v", port, err)
	}
}

func (r *ConnectionRegistry) RegisterConnection(remoteAddr net.Addr, localPort, remotePort int, h PacketHandler) error {
	key := connectionKey(remoteAddr, localPort, remotePort)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.connections[key]; ok && existing != h {
		return errors.Wrapf(ErrAlreadyRegistered, "connection %s", key)
	}
	r.connections[key] = h
	logger.Debugf("Registered connection %s", key)
	return nil
}

func (r *ConnectionRegistry) RegisterListener(localPort int, h PacketHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.listeners[localPort]; ok && existing != h {
		return errors.Wrapf(ErrAlreadyRegistered, "listener on port %d", localPort)
	}
	r.listeners[localPort] = h
	logger.Debugf("Registered listener on port %d", localPort)
	return nil
}

func (r *ConnectionRegistry) UnregisterListener(localPort int, h PacketHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.listeners[localPort]; !ok || existing != h {
		return errors.Wrapf(ErrNotRegistered, "listener on port %d", localPort)
	}
	delete(r.listeners, localPort)
	logger.Debugf("Unregistered listener on port %d", localPort)
	return nil
}

func (r *ConnectionRegistry) UnregisterConnection(remoteAddr net.Addr, localPort, remotePort int, h PacketHandler) error {
	key := connectionKey(remoteAddr, localPort, remotePort)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.connections[key]; !ok || existing != h {
		return errors.Wrapf(ErrNotRegistered, "connection %s", key)
	}
	delete(r.connections, key)
	logger.Debugf("Unregistered connection %s", key)
	return nil
}

// lookup finds the handler for an inbound packet: an exact connection match first,
// then a listener on the destination port.
func (r *ConnectionRegistry) lookup(p *Packet) (PacketHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := connectionKey(p.SrcAddr, int(p.DestinationPort), int(p.SourcePort))
	if h, ok := r.connections[key]; ok {
		return h, true
	}
	if h, ok := r.listeners[int(p.DestinationPort)]; ok {
		return h, true
	}
	return nil, false
}

// Dispatch hands the packet to its handler. The registry lock is not held during the
// call, so handlers are free to register and unregister themselves.
func (r *ConnectionRegistry) Dispatch(p *Packet) bool {
	h, ok := r.lookup(p)
	if !ok {
		logger.Debugf("Received packet for non-existent connection: %s from %v", p, p.SrcAddr)
		return false
	}
	h.OnPacketArrival(p)
	return true
}

// Len returns the number of registered connections and listeners.
func (r *ConnectionRegistry) Len() (connections, listeners int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections), len(r.listeners)
}

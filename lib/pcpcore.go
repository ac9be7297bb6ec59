package lib

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type CoreConfig struct {
	BindAddress     string             `yaml:"bind_address"`      // local IP the UDP transport binds to
	BindPort        int                `yaml:"bind_port"`         // local UDP port, 0 picks one
	ClientPortLower int                `yaml:"client_port_lower"` // ephemeral port range for Connect
	ClientPortUpper int                `yaml:"client_port_upper"`
	PayloadPoolSize int                `yaml:"payload_pool_size"` // how many receive buffers in the ring pool
	MaxDatagramSize int                `yaml:"max_datagram_size"` // size of each receive buffer
	PacketLossRate  float64            `yaml:"packet_loss_rate"`  // simulated outgoing loss, 0 disables
	Debug           bool               `yaml:"debug"`             // global debug setting
	PoolDebug       bool               `yaml:"pool_debug"`        // Ring Pool debug setting
	Logger          *zap.SugaredLogger `yaml:"-"`                 // overrides the logger built from Debug
	ConnConfig      *ConnectionConfig  `yaml:"-"`                 // decoded from the same document by config.LoadConfig
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		BindAddress:     "127.0.0.1",
		BindPort:        0,
		ClientPortLower: DefaultClientPortLower,
		ClientPortUpper: DefaultClientPortUpper,
		PayloadPoolSize: 200,
		MaxDatagramSize: 1500,
		PacketLossRate:  0,
		Debug:           false,
		PoolDebug:       false,
		ConnConfig:      DefaultConnectionConfig(),
	}
}

// Core owns the per-process collaborators shared by every connection: the registry,
// the UDP transport and the timer service.
type Core struct {
	config    *CoreConfig
	registry  *ConnectionRegistry
	transport *UDPTransport
	timers    *WallClockTimers

	mu       sync.Mutex
	services map[int]*Service
	closed   bool
}

func NewCore(config *CoreConfig) (*Core, error) {
	if config == nil {
		config = DefaultCoreConfig()
	}
	if config.ConnConfig == nil {
		config.ConnConfig = DefaultConnectionConfig()
	}
	if config.ClientPortLower <= 0 || config.ClientPortUpper < config.ClientPortLower {
		return nil, errors.Errorf("invalid client port range %d-%d", config.ClientPortLower, config.ClientPortUpper)
	}
	if config.MaxDatagramSize < TcpHeaderLength || config.MaxDatagramSize > MaxDatagramLength {
		return nil, errors.Errorf("invalid max datagram size %d", config.MaxDatagramSize)
	}

	if config.Logger != nil {
		SetLogger(config.Logger)
	} else {
		l, err := NewLogger(config.Debug)
		if err != nil {
			return nil, errors.Wrap(err, "build logger")
		}
		SetLogger(l)
	}

	core := &Core{
		config:   config,
		registry: NewConnectionRegistry(config.ClientPortLower, config.ClientPortUpper),
		timers:   NewWallClockTimers(),
		services: make(map[int]*Service),
	}

	pool := newBufferPool(config.PayloadPoolSize, config.MaxDatagramSize, config.PoolDebug)
	bindAddr := net.JoinHostPort(config.BindAddress, fmt.Sprint(config.BindPort))
	transport, err := BindUDPTransport(bindAddr, core.registry, pool, config.PacketLossRate)
	if err != nil {
		core.timers.Close()
		return nil, err
	}
	core.transport = transport

	logger.Infof("Core started on %s", transport.LocalAddr())
	return core, nil
}

func (c *Core) LocalAddr() net.Addr {
	return c.transport.LocalAddr()
}

// NewConnection creates a connection wired to this core's collaborators.
func (c *Core) NewConnection(localPort int) *Connection {
	return NewConnection(localPort, c.registry, c.transport, c.timers, c.config.ConnConfig)
}

// Dial opens a connection to remotePort on the core listening at remoteAddr (host:port
// of its UDP transport).
func (c *Core) Dial(ctx context.Context, remoteAddr string, remotePort int) (*Connection, error) {
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", remoteAddr)
	}

	conn := c.NewConnection(0)
	if err := conn.Connect(ctx, raddr, remotePort); err != nil {
		conn.Abort()
		return nil, err
	}
	return conn, nil
}

// Listen creates a service accepting connections on port.
func (c *Core) Listen(port int) (*Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrTransportClosed
	}
	if _, ok := c.services[port]; ok {
		return nil, errors.Wrapf(ErrAlreadyRegistered, "port %d is already taken", port)
	}

	srv := newService(c, port)
	c.services[port] = srv
	logger.Infof("Service listening on port %d", port)
	return srv, nil
}

func (c *Core) removeService(port int) {
	c.mu.Lock()
	delete(c.services, port)
	c.mu.Unlock()
}

// Close shuts down all services, the transport and every pending timer.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	services := make([]*Service, 0, len(c.services))
	for _, srv := range c.services {
		services = append(services, srv)
	}
	c.mu.Unlock()

	for _, srv := range services {
		srv.Close()
	}

	err := c.transport.Close()
	c.timers.Close()

	logger.Info("Core closed gracefully.")
	_ = logger.Sync()
	return err
}

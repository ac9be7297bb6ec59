package lib

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// ConnectionConfig holds the per-connection protocol parameters
type ConnectionConfig struct {
	RetransmissionInterval time.Duration `yaml:"retransmission_interval"` // resend period for SYN/FIN segments
	TimeWaitInterval       time.Duration `yaml:"time_wait_interval"`      // TIME_WAIT quarantine
	LingerInterval         time.Duration `yaml:"linger_interval"`         // bound on FIN_WAIT_2 after close
	MaxRetransmissions     int           `yaml:"max_retransmissions"`     // 0 means retransmit forever
	WindowSize             uint16        `yaml:"window_size"`             // advertised, never enforced
	InitialSeq             uint32        `yaml:"initial_seq"`             // ISN used by both roles
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		RetransmissionInterval: DefaultRetransmissionInterval,
		TimeWaitInterval:       DefaultTimeWaitInterval,
		LingerInterval:         DefaultLingerInterval,
		MaxRetransmissions:     0,
		WindowSize:             DefaultWindowSize,
		InitialSeq:             0,
	}
}

// Connection is one endpoint of a connection and owns its finite state machine.
//
// Every entry point (Connect, AcceptConnection, Close, Abort, OnPacketArrival and
// OnTimerFire) holds mu for its whole duration. Blocking calls wait on stateChanged,
// which changeState broadcasts.
type Connection struct {
	config    *ConnectionConfig
	registry  Registry
	transport Transport
	timers    TimerService

	mu           sync.Mutex
	stateChanged *sync.Cond

	localAddr  net.Addr
	localPort  int
	remoteAddr net.Addr
	remotePort int

	state          connState
	seqNum, ackNum seqnum.Value // next sequence number to send / expected from peer

	lingerTimer   *Timer
	timeWaitTimer *Timer

	listening     bool // registered as listener under localPort
	registered    bool // registered under the connection tuple
	portAllocated bool // localPort came from the registry's pool
	finished      bool // reached CLOSED after being used; connections are not reusable
}

// NewConnection creates a connection in CLOSED. localPort is only used by
// AcceptConnection; Connect allocates its own port.
func NewConnection(localPort int, registry Registry, transport Transport, timers TimerService, config *ConnectionConfig) *Connection {
	if config == nil {
		config = DefaultConnectionConfig()
	}
	c := &Connection{
		config:    config,
		registry:  registry,
		transport: transport,
		timers:    timers,
		localPort: localPort,
		state:     connState{kind: Closed},
	}
	c.stateChanged = sync.NewCond(&c.mu)
	return c
}

// Connect actively opens a connection to remotePort at remoteAddr and blocks until the
// handshake completes. Without a deadline on ctx it waits forever if the peer never
// answers; SYN retransmission only stops when MaxRetransmissions is set.
func (c *Connection) Connect(ctx context.Context, remoteAddr net.Addr, remotePort int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.kind != Closed || c.finished {
		return errors.Wrapf(ErrInvalidState, "connect in %s", c.state.kind)
	}

	port, err := c.registry.AllocateLocalPort()
	if err != nil {
		return err
	}
	c.localPort = port
	c.portAllocated = true
	c.remoteAddr = remoteAddr
	c.remotePort = remotePort
	c.seqNum = seqnum.Value(c.config.InitialSeq)
	c.ackNum = 0

	if err := c.registry.RegisterConnection(remoteAddr, c.localPort, remotePort, c); err != nil {
		c.registry.ReleaseLocalPort(port)
		c.portAllocated = false
		return err
	}
	c.registered = true

	c.changeState(SynSent)
	if err := c.sendControl(SYNFlag); err != nil {
		c.changeState(Closed)
		return errors.Wrap(err, "connect")
	}

	return c.waitUntil(ctx, "connect", State.synchronized)
}

// AcceptConnection passively opens the connection on its local port and blocks until a
// peer has completed the handshake.
func (c *Connection) AcceptConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.kind != Closed || c.finished {
		return errors.Wrapf(ErrInvalidState, "accept in %s", c.state.kind)
	}

	if err := c.registry.RegisterListener(c.localPort, c); err != nil {
		return err
	}
	c.listening = true
	c.seqNum = seqnum.Value(c.config.InitialSeq)
	c.ackNum = 0

	c.changeState(Listen)

	return c.waitUntil(ctx, "accept", State.synchronized)
}

// Close starts an orderly release. It is a no-op unless the connection is ESTABLISHED or
// CLOSE_WAIT, so calling it twice is harmless.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next State
	switch c.state.kind {
	case Established:
		next = FinWait1
	case CloseWait:
		next = LastAck
	default:
		logger.Debugf("Close in %s: nothing to do", c.state.kind)
		return nil
	}

	c.changeState(next)
	c.armLinger()
	if err := c.sendControl(FINFlag); err != nil {
		return errors.Wrap(err, "close")
	}
	return nil
}

// Abort drops the connection immediately: timers are cancelled, the connection is
// deregistered and nothing is sent to the peer.
func (c *Connection) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.kind == Closed && !c.listening && !c.registered {
		return
	}
	logger.Infof("Aborting connection %s in %s", c.describe(), c.state.kind)
	c.changeState(Closed)
}

// WaitForState blocks until the connection is in target. It fails if the connection
// reaches CLOSED first (unless CLOSED is the target) or ctx is done.
func (c *Connection) WaitForState(ctx context.Context, target State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.waitUntil(ctx, "wait for "+target.String(), func(s State) bool { return s == target })
}

// waitUntil must be called with mu held.
func (c *Connection) waitUntil(ctx context.Context, op string, reached func(State) bool) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.stateChanged.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	for !reached(c.state.kind) {
		if c.finished {
			return errors.Wrapf(ErrInvalidState, "%s: connection closed", op)
		}
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &TimeoutError{msg: op + " timeout"}
			}
			return errors.Wrap(err, op)
		}
		c.stateChanged.Wait()
	}
	return nil
}

// OnPacketArrival runs the transition function for an inbound packet. Packets that match
// no transition of the current state are dropped without reply.
func (c *Connection) OnPacketArrival(p *Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger.Debugf("%s in %s got %s", c.describe(), c.state.kind, p)

	switch c.state.kind {
	case Listen:
		if p.IsSYN() && !p.IsACK() {
			c.acceptSyn(p)
			return
		}
	case SynSent:
		if p.IsSYN() && p.IsACK() && c.acknowledgesOurs(p) {
			c.ackNum = p.seq().Add(1)
			c.changeState(Established)
			c.sendAck()
			return
		}
	case SynRcvd:
		if c.isNewFin(p) {
			c.ackNum = p.seq().Add(1)
			c.changeState(CloseWait)
			c.sendAck()
			return
		}
		if p.IsACK() && !p.IsSYN() && c.acknowledgesOurs(p) {
			c.changeState(Established)
			return
		}
	case Established:
		if c.isNewFin(p) {
			c.ackNum = p.seq().Add(1)
			c.changeState(CloseWait)
			c.sendAck()
			return
		}
		// our handshake ACK was lost and the peer resent its SYN+ACK
		if p.IsSYN() && p.IsACK() && p.seq().Add(1) == c.ackNum {
			c.sendAck()
			return
		}
	case FinWait1:
		// the peer's FIN also covers ours: nothing is left to wait for
		if c.isNewFin(p) && p.IsACK() && c.acknowledgesOurs(p) {
			c.ackNum = p.seq().Add(1)
			c.changeState(TimeWait)
			c.sendAck()
			return
		}
		if c.isNewFin(p) {
			c.ackNum = p.seq().Add(1)
			finSeq := seqnum.Value(uint32(c.seqNum) - 1)
			c.changeState(Closing)
			c.sendAck()
			// our FIN is still unacknowledged; keep resending it, now with the ACK
			c.armRetransmission(NewPacket(c.localPort, c.remotePort, finSeq, c.ackNum, FINFlag|ACKFlag, c.config.WindowSize, nil))
			return
		}
		if p.IsACK() && !p.IsSYN() && c.acknowledgesOurs(p) {
			c.changeState(FinWait2)
			return
		}
	case FinWait2:
		if c.isNewFin(p) {
			c.ackNum = p.seq().Add(1)
			c.changeState(TimeWait)
			c.sendAck()
			return
		}
	case Closing, LastAck:
		if p.IsACK() && c.acknowledgesOurs(p) {
			c.changeState(TimeWait)
			if c.isDuplicateFin(p) {
				c.sendAck()
			}
			return
		}
		if c.isDuplicateFin(p) {
			c.sendAck()
			return
		}
	case CloseWait:
		// the peer did not get our ACK of its FIN
		if c.isDuplicateFin(p) {
			c.sendAck()
			return
		}
	case TimeWait:
		// reached through the linger timer, so the peer's FIN is still to come
		if c.isNewFin(p) {
			c.ackNum = p.seq().Add(1)
			c.armTimeWait()
			c.sendAck()
			return
		}
		if c.isDuplicateFin(p) {
			c.sendAck()
			return
		}
	}

	logger.Debugf("%s ignores %s in %s", c.describe(), p, c.state.kind)
}

// acceptSyn handles the first SYN seen by a listening connection.
func (c *Connection) acceptSyn(p *Packet) {
	c.remoteAddr = p.SrcAddr
	c.remotePort = int(p.SourcePort)
	c.localAddr = p.DestAddr

	if err := c.registry.RegisterConnection(c.remoteAddr, c.localPort, c.remotePort, c); err != nil {
		c.logRegistryError("register connection", err)
		c.remoteAddr, c.remotePort, c.localAddr = nil, 0, nil
		return
	}
	c.registered = true

	if err := c.registry.UnregisterListener(c.localPort, c); err != nil {
		c.logRegistryError("unregister listener", err)
	}
	c.listening = false

	c.ackNum = p.seq().Add(1)
	c.changeState(SynRcvd)
	if err := c.sendControl(SYNFlag | ACKFlag); err != nil {
		logger.Warnf("%s: sending SYN+ACK failed, will retransmit: %v", c.describe(), err)
	}
}

// OnTimerFire handles expiry of a timer scheduled by this connection.
func (c *Connection) OnTimerFire(token interface{}) {
	tok, ok := token.(*timerToken)
	if !ok {
		logger.Warnf("Connection got unknown timer token %v", token)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch tok.kind {
	case timeWaitTimer:
		if c.timeWaitTimer == nil || c.timeWaitTimer.Token != token || c.state.kind != TimeWait {
			logger.Debugf("%s: stale %s timer", c.describe(), tok)
			return
		}
		c.timeWaitTimer = nil
		c.changeState(Closed)

	case lingerTimer:
		if c.lingerTimer == nil || c.lingerTimer.Token != token {
			logger.Debugf("%s: stale %s timer", c.describe(), tok)
			return
		}
		c.lingerTimer = nil
		if c.state.kind == FinWait2 {
			logger.Infof("%s: peer never closed its side, giving up on FIN_WAIT_2", c.describe())
			c.changeState(TimeWait)
		}

	case retransmitTimer:
		rtx := c.state.rtx
		if rtx == nil || rtx.timer.Token != token {
			logger.Debugf("%s: stale %s timer", c.describe(), tok)
			return
		}
		if c.config.MaxRetransmissions > 0 && rtx.count >= c.config.MaxRetransmissions {
			logger.Warnf("%s: %v after %d resends in %s", c.describe(), ErrRetransmitExceeded, rtx.count, c.state.kind)
			c.changeState(Closed)
			return
		}
		rtx.count++
		logger.Infof("%s: retransmitting %s (%d)", c.describe(), rtx.packet, rtx.count)
		if err := c.transport.Send(rtx.packet, c.remoteAddr); err != nil {
			logger.Warnf("%s: retransmission failed: %v", c.describe(), err)
		}
		rtx.timer = c.timers.Schedule(c.config.RetransmissionInterval, c, &timerToken{kind: retransmitTimer, state: c.state.kind})
	}
}

// changeState is the only place the state is written. It drops the outgoing state's
// retransmission, wakes waiters and performs TIME_WAIT and CLOSED side effects.
func (c *Connection) changeState(next State) {
	prev := c.state
	if prev.rtx != nil {
		c.timers.Cancel(prev.rtx.timer)
	}
	c.state = connState{kind: next}

	logger.Infof("%s: %s -> %s", c.describe(), prev.kind, next)

	switch next {
	case TimeWait:
		c.cancelLinger()
		c.armTimeWait()
	case Closed:
		c.cancelLinger()
		if c.timeWaitTimer != nil {
			c.timers.Cancel(c.timeWaitTimer)
			c.timeWaitTimer = nil
		}
		c.deregister()
	}

	c.stateChanged.Broadcast()
}

// deregister removes the connection from the registry. It runs once per connection.
func (c *Connection) deregister() {
	if c.listening {
		if err := c.registry.UnregisterListener(c.localPort, c); err != nil {
			c.logRegistryError("unregister listener", err)
		}
		c.listening = false
	}
	if c.registered {
		if err := c.registry.UnregisterConnection(c.remoteAddr, c.localPort, c.remotePort, c); err != nil {
			c.logRegistryError("unregister connection", err)
		}
		c.registered = false
	}
	if c.portAllocated {
		c.registry.ReleaseLocalPort(c.localPort)
		c.portAllocated = false
	}
	c.finished = true
}

// logRegistryError is the policy for registry failures: they never reach the application.
func (c *Connection) logRegistryError(op string, err error) {
	if errors.Is(err, ErrNotRegistered) {
		logger.Warnf("%s: %s: entry already gone: %v", c.describe(), op, err)
		return
	}
	logger.Errorf("%s: %s failed: %v", c.describe(), op, err)
}

// sendControl sends a SYN and/or FIN from the current state, consuming one sequence
// number, and arms its retransmission.
func (c *Connection) sendControl(flags uint8) error {
	p := NewPacket(c.localPort, c.remotePort, c.seqNum, c.ackNum, flags, c.config.WindowSize, nil)
	c.seqNum = c.seqNum.Add(1)
	c.armRetransmission(p)
	return c.transport.Send(p, c.remoteAddr)
}

// armRetransmission makes p the current state's retransmission packet.
func (c *Connection) armRetransmission(p *Packet) {
	if !p.carriesControl() {
		return
	}
	if c.state.rtx != nil {
		c.timers.Cancel(c.state.rtx.timer)
	}
	c.state.rtx = &retransmission{
		packet: p,
		timer:  c.timers.Schedule(c.config.RetransmissionInterval, c, &timerToken{kind: retransmitTimer, state: c.state.kind}),
	}
}

// sendAck sends a bare ACK. Bare ACKs are never retransmitted.
func (c *Connection) sendAck() {
	p := NewPacket(c.localPort, c.remotePort, c.seqNum, c.ackNum, ACKFlag, c.config.WindowSize, nil)
	if err := c.transport.Send(p, c.remoteAddr); err != nil {
		logger.Warnf("%s: sending ACK failed: %v", c.describe(), err)
	}
}

// armTimeWait starts the quarantine, restarting it if it is already running.
func (c *Connection) armTimeWait() {
	if c.timeWaitTimer != nil {
		c.timers.Cancel(c.timeWaitTimer)
	}
	c.timeWaitTimer = c.timers.Schedule(c.config.TimeWaitInterval, c, &timerToken{kind: timeWaitTimer, state: TimeWait})
}

func (c *Connection) armLinger() {
	c.cancelLinger()
	c.lingerTimer = c.timers.Schedule(c.config.LingerInterval, c, &timerToken{kind: lingerTimer, state: c.state.kind})
}

func (c *Connection) cancelLinger() {
	if c.lingerTimer != nil {
		c.timers.Cancel(c.lingerTimer)
		c.lingerTimer = nil
	}
}

// acknowledgesOurs reports whether p acknowledges everything we have sent.
func (c *Connection) acknowledgesOurs(p *Packet) bool {
	return p.ack() == c.seqNum
}

func (c *Connection) isNewFin(p *Packet) bool {
	return p.IsFIN() && p.seq() == c.ackNum
}

// isDuplicateFin reports whether p is a FIN we have already acknowledged.
func (c *Connection) isDuplicateFin(p *Packet) bool {
	return p.IsFIN() && p.seq().Add(1) == c.ackNum
}

func (c *Connection) describe() string {
	return fmt.Sprintf("%d->%v/%d", c.localPort, c.remoteAddr, c.remotePort)
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.kind
}

func (c *Connection) LocalPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localPort
}

func (c *Connection) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

func (c *Connection) RemotePort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remotePort
}

// InputStream is reserved for the byte-stream path, which this protocol does not carry.
func (c *Connection) InputStream() (io.Reader, error) {
	return nil, ErrStreamUnsupported
}

// OutputStream is reserved for the byte-stream path, which this protocol does not carry.
func (c *Connection) OutputStream() (io.Writer, error) {
	return nil, ErrStreamUnsupported
}

func (c *Connection) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%s [%s]", c.describe(), c.state.kind)
}

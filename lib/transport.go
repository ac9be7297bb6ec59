package lib

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Transport sends packets to a peer. It is unreliable: packets may be lost or reordered.
type Transport interface {
	Send(p *Packet, dst net.Addr) error
}

// Dispatcher receives every decoded inbound packet.
type Dispatcher interface {
	Dispatch(p *Packet) bool
}

// UDPTransport carries one packet per UDP datagram. One transport is bound per process
// (per Core) and shared by every connection.
type UDPTransport struct {
	conn        net.PacketConn
	dispatcher  Dispatcher
	pool        *bufferPool
	lossRate    float64 // fraction of outgoing packets silently dropped, for loss testing
	mu          sync.Mutex
	rnd         *rand.Rand
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// BindUDPTransport binds the local UDP address and starts the receive loop.
func BindUDPTransport(localAddr string, dispatcher Dispatcher, pool *bufferPool, lossRate float64) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", localAddr)
	}

	t := &UDPTransport{
		conn:        conn,
		dispatcher:  dispatcher,
		pool:        pool,
		lossRate:    lossRate,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		closeSignal: make(chan struct{}),
	}

	t.wg.Add(1)
	go t.handleIncomingPackets()

	logger.Infof("UDP transport bound to %s", conn.LocalAddr())
	return t, nil
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Send(p *Packet, dst net.Addr) error {
	select {
	case <-t.closeSignal:
		return ErrTransportClosed
	default:
	}

	if t.dropOutgoing() {
		logger.Infof("Packet %s is lost", p)
		return nil
	}

	frame, err := p.Marshal()
	if err != nil {
		return err
	}
	if _, err = t.conn.WriteTo(frame, dst); err != nil {
		return errors.Wrapf(err, "send to %v", dst)
	}
	return nil
}

func (t *UDPTransport) dropOutgoing() bool {
	if t.lossRate <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rnd.Float64() < t.lossRate
}

// handleIncomingPackets is the receive loop. Datagrams are read into pooled buffers.
func (t *UDPTransport) handleIncomingPackets() {
	defer t.wg.Done()

	for {
		select {
		case <-t.closeSignal:
			return
		default:
			t.processIncomingPacket()
		}
	}
}

func (t *UDPTransport) processIncomingPacket() {
	payload, release := t.pool.get()
	defer release()

	// the deadline lets the loop notice closeSignal
	t.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(payload.Buffer())
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		select {
		case <-t.closeSignal:
		default:
			logger.Warnf("UDPTransport: error reading: %v", err)
		}
		return
	}

	payload.SetLength(n)

	packet := &Packet{}
	if err := packet.Unmarshal(payload.GetSlice(), addr, t.conn.LocalAddr()); err != nil {
		logger.Debugf("Received frame from %v is ill-formatted. Ignore it: %v", addr, err)
		return
	}

	t.dispatcher.Dispatch(packet)
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeSignal)
		err = t.conn.Close()
		t.wg.Wait()
		logger.Infof("UDP transport %s closed", t.conn.LocalAddr())
	})
	return err
}

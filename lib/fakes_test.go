package lib

import (
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"
)

var (
	clientAddr = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 7080}
	serverAddr = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 7080}
)

type sentPacket struct {
	p   *Packet
	dst net.Addr
}

// recordingTransport keeps everything sent through it.
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentPacket
	err  error
}

func (r *recordingTransport) Send(p *Packet, dst net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sentPacket{p: p, dst: dst})
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingTransport) packet(i int) *Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[i].p
}

func (r *recordingTransport) last() *Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1].p
}

type manualEntry struct {
	timer *Timer
	h     TimerHandler
	done  bool
}

// manualTimers only fires when the test says so.
type manualTimers struct {
	mu      sync.Mutex
	entries []*manualEntry
}

func (m *manualTimers) Schedule(delay time.Duration, h TimerHandler, token interface{}) *Timer {
	t := &Timer{Delay: delay, Token: token}
	m.mu.Lock()
	m.entries = append(m.entries, &manualEntry{timer: t, h: h})
	m.mu.Unlock()
	return t
}

func (m *manualTimers) Cancel(t *Timer) {
	if t != nil {
		t.cancel()
	}
}

// pending returns the live timers of the given kind, oldest first.
func (m *manualTimers) pending(kind timerKind) []*Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Timer
	for _, e := range m.entries {
		if e.done || e.timer.Cancelled() {
			continue
		}
		if tok, ok := e.timer.Token.(*timerToken); ok && tok.kind == kind {
			out = append(out, e.timer)
		}
	}
	return out
}

// fire expires the newest live timer of the given kind.
func (m *manualTimers) fire(t *testing.T, kind timerKind) {
	t.Helper()

	m.mu.Lock()
	var target *manualEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.done || e.timer.Cancelled() {
			continue
		}
		if tok, ok := e.timer.Token.(*timerToken); ok && tok.kind == kind {
			target = e
			break
		}
	}
	if target != nil {
		target.done = true
	}
	m.mu.Unlock()

	if target == nil {
		t.Fatalf("no pending %s timer", kind)
	}
	if target.timer.fire() {
		target.h.OnTimerFire(target.timer.Token)
	}
}

// faultyRegistry fails every UnregisterConnection call.
type faultyRegistry struct {
	*ConnectionRegistry
	mu    sync.Mutex
	calls int
}

func (f *faultyRegistry) UnregisterConnection(remoteAddr net.Addr, localPort, remotePort int, h PacketHandler) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return ErrNotRegistered
}

func (f *faultyRegistry) unregisterCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memNetwork delivers packets between in-memory endpoints asynchronously, dropping a
// fraction of them.
type memNetwork struct {
	mu        sync.Mutex
	rnd       *rand.Rand
	lossRate  float64
	endpoints map[string]*ConnectionRegistry
	wg        sync.WaitGroup
	closed    bool
}

func newMemNetwork(lossRate float64, seed int64) *memNetwork {
	return &memNetwork{
		rnd:       rand.New(rand.NewSource(seed)),
		lossRate:  lossRate,
		endpoints: make(map[string]*ConnectionRegistry),
	}
}

func (n *memNetwork) attach(addr net.Addr, reg *ConnectionRegistry) Transport {
	n.mu.Lock()
	n.endpoints[addr.String()] = reg
	n.mu.Unlock()
	return &memTransport{net: n, local: addr}
}

func (n *memNetwork) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

type memTransport struct {
	net   *memNetwork
	local net.Addr
}

func (m *memTransport) Send(p *Packet, dst net.Addr) error {
	n := m.net
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrTransportClosed
	}
	reg, ok := n.endpoints[dst.String()]
	drop := n.rnd.Float64() < n.lossRate
	if ok && !drop {
		n.wg.Add(1)
	}
	n.mu.Unlock()

	if !ok || drop {
		return nil
	}

	cp := *p
	cp.SrcAddr = m.local
	cp.DestAddr = dst
	go func() {
		defer n.wg.Done()
		reg.Dispatch(&cp)
	}()
	return nil
}

// eventually polls cond until it holds or a second has passed.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

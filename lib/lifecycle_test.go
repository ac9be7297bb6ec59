package lib

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func fastConfig() *ConnectionConfig {
	return &ConnectionConfig{
		RetransmissionInterval: 10 * time.Millisecond,
		TimeWaitInterval:       300 * time.Millisecond,
		LingerInterval:         2 * time.Second,
		WindowSize:             DefaultWindowSize,
	}
}

type endpointPair struct {
	regA, regB *ConnectionRegistry
	a, b       *Connection
}

// newEndpointPair wires a client A and a server B over a lossy in-memory network.
func newEndpointPair(t *testing.T, lossRate float64, seed int64) *endpointPair {
	netw := newMemNetwork(lossRate, seed)
	regA := NewConnectionRegistry(40000, 40100)
	regB := NewConnectionRegistry(50000, 50100)
	trA := netw.attach(clientAddr, regA)
	trB := netw.attach(serverAddr, regB)
	timersA, timersB := NewWallClockTimers(), NewWallClockTimers()
	t.Cleanup(func() {
		timersA.Close()
		timersB.Close()
		netw.close()
	})

	return &endpointPair{
		regA: regA,
		regB: regB,
		a:    NewConnection(0, regA, trA, timersA, fastConfig()),
		b:    NewConnection(serverPort, regB, trB, timersB, fastConfig()),
	}
}

func (e *endpointPair) open(t *testing.T, ctx context.Context) {
	t.Helper()

	accepted := make(chan error, 1)
	go func() { accepted <- e.b.AcceptConnection(ctx) }()

	if err := e.a.Connect(ctx, serverAddr, serverPort); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := <-accepted; err != nil {
		t.Fatalf("AcceptConnection: %v", err)
	}
	if e.b.RemotePort() != e.a.LocalPort() {
		t.Fatalf("server sees peer port %d, client uses %d", e.b.RemotePort(), e.a.LocalPort())
	}
}

func (e *endpointPair) waitClosed(t *testing.T, ctx context.Context) {
	t.Helper()
	for name, c := range map[string]*Connection{"A": e.a, "B": e.b} {
		if err := c.WaitForState(ctx, Closed); err != nil {
			t.Fatalf("%s did not close: %v (state %s)", name, err, c.State())
		}
	}
	for name, reg := range map[string]*ConnectionRegistry{"A": e.regA, "B": e.regB} {
		if conns, listeners := reg.Len(); conns != 0 || listeners != 0 {
			t.Fatalf("%s registry still has %d connections, %d listeners", name, conns, listeners)
		}
	}
}

func TestLifecycleOverLossyNetwork(t *testing.T) {
	testCases := []struct {
		lossRate float64
		seed     int64
	}{
		{lossRate: 0, seed: 1},
		{lossRate: 0.3, seed: 1},
		{lossRate: 0.3, seed: 2},
		{lossRate: 0.3, seed: 3},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("loss=%v/seed=%d", tc.lossRate, tc.seed), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			e := newEndpointPair(t, tc.lossRate, tc.seed)
			e.open(t, ctx)

			if err := e.a.Close(); err != nil {
				t.Fatalf("A Close: %v", err)
			}
			if err := e.b.WaitForState(ctx, CloseWait); err != nil {
				t.Fatalf("B never saw the FIN: %v", err)
			}
			if err := e.b.Close(); err != nil {
				t.Fatalf("B Close: %v", err)
			}

			e.waitClosed(t, ctx)
		})
	}
}

func TestLifecyclePeerClosesAfterLinger(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e := newEndpointPair(t, 0, 1)
	e.a.config.LingerInterval = 50 * time.Millisecond
	e.a.config.TimeWaitInterval = 2 * time.Second
	e.open(t, ctx)

	if err := e.a.Close(); err != nil {
		t.Fatalf("A Close: %v", err)
	}
	if err := e.b.WaitForState(ctx, CloseWait); err != nil {
		t.Fatalf("B never saw the FIN: %v", err)
	}
	// A gives up on FIN_WAIT_2 before B closes
	if err := e.a.WaitForState(ctx, TimeWait); err != nil {
		t.Fatalf("A never reached TIME_WAIT: %v", err)
	}
	if err := e.b.Close(); err != nil {
		t.Fatalf("B Close: %v", err)
	}

	e.waitClosed(t, ctx)
}

func TestLifecycleSimultaneousClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e := newEndpointPair(t, 0.2, 7)
	e.open(t, ctx)

	closed := make(chan error, 2)
	go func() { closed <- e.a.Close() }()
	go func() { closed <- e.b.Close() }()
	for i := 0; i < 2; i++ {
		if err := <-closed; err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	e.waitClosed(t, ctx)
}

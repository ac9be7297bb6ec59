package lib

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := DefaultCoreConfig()
	cfg.Logger = zap.NewNop().Sugar()
	cfg.PayloadPoolSize = 16
	cfg.ClientPortLower, cfg.ClientPortUpper = 41000, 41010
	cfg.ConnConfig = fastConfig()

	core, err := NewCore(cfg)
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	return core
}

func TestCoreOverUDP(t *testing.T) {
	server, client := newTestCore(t), newTestCore(t)

	srv, err := server.Listen(serverPort)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if _, err := server.Listen(serverPort); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Listen on the same port returned %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		conn *Connection
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := srv.Accept(ctx)
		accepted <- result{conn, err}
	}()

	cc, err := client.Dial(ctx, server.LocalAddr().String(), serverPort)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	sc := res.conn

	if err := cc.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if err := sc.WaitForState(ctx, CloseWait); err != nil {
		t.Fatalf("server never saw the FIN: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("server Close: %v", err)
	}
	for _, c := range []*Connection{cc, sc} {
		if err := c.WaitForState(ctx, Closed); err != nil {
			t.Fatalf("%s did not close: %v", c, err)
		}
	}
}

func TestServiceCloseReleasesAccept(t *testing.T) {
	core := newTestCore(t)
	srv, err := core.Listen(serverPort)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := srv.Accept(context.Background())
		done <- err
	}()
	eventually(t, "listener", func() bool {
		_, listeners := core.registry.Len()
		return listeners == 1
	})

	srv.Close()
	if err := waitErr(t, done); err != ErrServiceClosed {
		t.Fatalf("Accept returned %v", err)
	}
	if _, listeners := core.registry.Len(); listeners != 0 {
		t.Fatal("listener left behind after service close")
	}
	if _, err := srv.Accept(context.Background()); err != ErrServiceClosed {
		t.Fatalf("Accept on closed service returned %v", err)
	}

	// the port is free again
	if _, err := core.Listen(serverPort); err != nil {
		t.Fatalf("Listen after close: %v", err)
	}
}

func TestDialTimeout(t *testing.T) {
	core := newTestCore(t)

	// nothing listens on the remote port, so the SYN is never answered
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := core.Dial(ctx, core.LocalAddr().String(), 9)

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Dial returned %v, want a timeout", err)
	}
	if n := core.registry.portPool.numAvailablePorts(); n != 11 {
		t.Fatalf("%d ports available after failed dial", n)
	}
}

package lib

import (
	"testing"

	"github.com/pkg/errors"
)

func TestPortPool(t *testing.T) {
	pool := newPortPool(5000, 5003)

	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		port, err := pool.allocatePort()
		if err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
		if port < 5000 || port > 5003 || seen[port] {
			t.Fatalf("allocation %d returned port %d", i, port)
		}
		seen[port] = true
	}

	if _, err := pool.allocatePort(); !errors.Is(err, ErrPortPoolEmpty) {
		t.Fatalf("exhausted pool returned %v", err)
	}
	if n := pool.numAvailablePorts(); n != 0 {
		t.Fatalf("%d ports available in an exhausted pool", n)
	}

	if err := pool.returnPort(5002); err != nil {
		t.Fatalf("returnPort: %v", err)
	}
	if err := pool.returnPort(5002); err == nil {
		t.Fatal("port returned twice")
	}
	if err := pool.returnPort(80); err == nil {
		t.Fatal("out of range port accepted")
	}

	port, err := pool.allocatePort()
	if err != nil || port != 5002 {
		t.Fatalf("reallocation got %d, %v; want the returned port", port, err)
	}
}

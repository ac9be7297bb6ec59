package lib

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Service accepts connections on one local port. Each Accept puts a fresh connection
// into LISTEN, so at most one handshake is in progress at a time.
type Service struct {
	core *Core
	Port int

	acceptMu    sync.Mutex // serialises Accept
	closeSignal chan struct{}
	closeOnce   sync.Once
}

func newService(core *Core, port int) *Service {
	return &Service{
		core:        core,
		Port:        port,
		closeSignal: make(chan struct{}),
	}
}

// Accept blocks until a peer completes a handshake with this service.
func (s *Service) Accept(ctx context.Context) (*Connection, error) {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	select {
	case <-s.closeSignal:
		return nil, ErrServiceClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closeSignal:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn := s.core.NewConnection(s.Port)
	if err := conn.AcceptConnection(ctx); err != nil {
		conn.Abort()
		select {
		case <-s.closeSignal:
			return nil, ErrServiceClosed
		default:
		}
		return nil, errors.Wrapf(err, "accept on port %d", s.Port)
	}

	logger.Infof("New connection is ready: %s", conn)
	return conn, nil
}

// Close stops the service. A pending Accept returns ErrServiceClosed; connections
// already accepted are not affected.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeSignal)
		s.core.removeService(s.Port)
		logger.Infof("Service on port %d closed", s.Port)
	})
	return nil
}

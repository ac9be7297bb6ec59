package lib

import "github.com/pkg/errors"

var (
	ErrNotRegistered      = errors.New("connection is not registered")
	ErrAlreadyRegistered  = errors.New("endpoint is already registered")
	ErrPortPoolEmpty      = errors.New("port pool is empty")
	ErrInvalidState       = errors.New("operation not valid in current state")
	ErrTransportClosed    = errors.New("transport is closed")
	ErrServiceClosed      = errors.New("service is closed")
	ErrStreamUnsupported  = errors.New("stream I/O is not supported")
	ErrRetransmitExceeded = errors.New("retransmission limit exceeded")
)

type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}

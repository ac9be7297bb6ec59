package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var emptySlice []byte

func SetEmptySlice(length int) {
	emptySlice = make([]byte, length)
}

// Payload is one receive buffer handed out by the ring pool
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool element constructor. Its only parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		logger.Errorf("NewPayload: invalid number of calling parameters(%d). Should be only one: bufferLength", len(params))
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		logger.Errorf("NewPayload: invalid bufferLength %v", params[0])
		return nil
	}

	if len(emptySlice) < bufferLength {
		SetEmptySlice(bufferLength)
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// SetContent, Reset and PrintContent make Payload a ring pool element
func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

// GetSlice returns the bytes received into the payload
func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// Buffer exposes the whole backing array so a datagram can be read straight into it.
func (p *Payload) Buffer() []byte {
	return p.payloadBytes
}

func (p *Payload) SetLength(n int) {
	if n > len(p.payloadBytes) {
		n = len(p.payloadBytes)
	}
	p.length = n
}

// bufferPool hands out datagram receive buffers from a ring pool, falling back to a
// plain allocation when the pool runs dry.
type bufferPool struct {
	pool         *rp.RingPool
	bufferLength int
}

func newBufferPool(size, bufferLength int, debug bool) *bufferPool {
	rp.Debug = debug
	return &bufferPool{
		pool:         rp.NewRingPool("SimpleTCP: ", size, NewPayload, bufferLength),
		bufferLength: bufferLength,
	}
}

// get returns a payload and a release function that must be called once the caller is done.
func (b *bufferPool) get() (*Payload, func()) {
	element := b.pool.GetElement()
	if element == nil {
		return &Payload{payloadBytes: make([]byte, b.bufferLength)}, func() {}
	}
	payload, ok := element.Data.(*Payload)
	if !ok {
		b.pool.ReturnElement(element)
		return &Payload{payloadBytes: make([]byte, b.bufferLength)}, func() {}
	}
	return payload, func() {
		payload.SetLength(0)
		b.pool.ReturnElement(element)
	}
}

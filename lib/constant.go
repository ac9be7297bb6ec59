package lib

import "time"

// Flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	TcpHeaderLength   = 20 //options not included
	MaxDatagramLength = 65507
)

// Protocol defaults. Every one of them can be overridden through ConnectionConfig.
const (
	DefaultRetransmissionInterval = 2500 * time.Millisecond
	DefaultTimeWaitInterval       = 30 * time.Second
	DefaultLingerInterval         = 10 * time.Second
	DefaultWindowSize             = 50
	DefaultClientPortLower        = 32768
	DefaultClientPortUpper        = 60999
)

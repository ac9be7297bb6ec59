package lib

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/netstack/tcpip/seqnum"
)

// Packet represents one segment of the protocol. Packets are treated as immutable
// once built: retransmission resends the very same value.
type Packet struct {
	SrcAddr, DestAddr net.Addr
	SourcePort        uint16 // SourcePort represents the source port
	DestinationPort   uint16 // DestinationPort represents the destination port
	SequenceNumber    uint32 // SequenceNumber represents the sequence number
	AcknowledgmentNum uint32 // AcknowledgmentNum represents the acknowledgment number
	WindowSize        uint16 // WindowSize is advertised but never enforced
	Flags             uint8  // Flags represent various control flags
	Payload           []byte // Payload represents the payload data
}

// NewPacket builds an outgoing packet. The payload is copied so the caller may reuse its buffer.
func NewPacket(srcPort, dstPort int, seq, ack seqnum.Value, flags uint8, window uint16, data []byte) *Packet {
	p := &Packet{
		SourcePort:        uint16(srcPort),
		DestinationPort:   uint16(dstPort),
		SequenceNumber:    uint32(seq),
		AcknowledgmentNum: uint32(ack),
		Flags:             flags,
		WindowSize:        window,
	}
	if len(data) > 0 {
		p.Payload = make([]byte, len(data))
		copy(p.Payload, data)
	}
	return p
}

func (p *Packet) IsSYN() bool { return p.Flags&SYNFlag != 0 }
func (p *Packet) IsACK() bool { return p.Flags&ACKFlag != 0 }
func (p *Packet) IsFIN() bool { return p.Flags&FINFlag != 0 }

// carriesControl reports whether the packet consumes a sequence number and thus
// needs reliable delivery.
func (p *Packet) carriesControl() bool {
	return p.Flags&(SYNFlag|FINFlag) != 0
}

func (p *Packet) seq() seqnum.Value { return seqnum.Value(p.SequenceNumber) }
func (p *Packet) ack() seqnum.Value { return seqnum.Value(p.AcknowledgmentNum) }

// FlagString renders the control flags the way tcpdump does, e.g. "SYN|ACK".
func FlagString(flags uint8) string {
	names := make([]string, 0, 3)
	if flags&SYNFlag != 0 {
		names = append(names, "SYN")
	}
	if flags&FINFlag != 0 {
		names = append(names, "FIN")
	}
	if flags&RSTFlag != 0 {
		names = append(names, "RST")
	}
	if flags&ACKFlag != 0 {
		names = append(names, "ACK")
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}

func (p *Packet) String() string {
	return fmt.Sprintf("%d->%d [%s] seq=%d ack=%d win=%d len=%d",
		p.SourcePort, p.DestinationPort, FlagString(p.Flags), p.SequenceNumber, p.AcknowledgmentNum, p.WindowSize, len(p.Payload))
}

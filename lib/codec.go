package lib

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

var serializeOptions = gopacket.SerializeOptions{FixLengths: true}

// Marshal encodes the packet as a TCP header followed by its payload. The checksum is left
// at zero: the datagram transport underneath already carries its own.
func (p *Packet) Marshal() ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(p.SourcePort),
		DstPort: layers.TCPPort(p.DestinationPort),
		Seq:     p.SequenceNumber,
		Ack:     p.AcknowledgmentNum,
		SYN:     p.Flags&SYNFlag != 0,
		ACK:     p.Flags&ACKFlag != 0,
		FIN:     p.Flags&FINFlag != 0,
		RST:     p.Flags&RSTFlag != 0,
		PSH:     p.Flags&PSHFlag != 0,
		URG:     p.Flags&URGFlag != 0,
		Window:  p.WindowSize,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, tcp, gopacket.Payload(p.Payload)); err != nil {
		return nil, errors.Wrap(err, "packet marshal")
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a frame produced by Marshal. srcAddr is the address the datagram came from.
func (p *Packet) Unmarshal(data []byte, srcAddr, destAddr net.Addr) error {
	if len(data) < TcpHeaderLength {
		return errors.Errorf("the length(%d) of data is too short to be unmarshalled", len(data))
	}

	tcp := &layers.TCP{}
	if err := tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return errors.Wrap(err, "packet unmarshal")
	}

	p.SrcAddr = srcAddr
	p.DestAddr = destAddr
	p.SourcePort = uint16(tcp.SrcPort)
	p.DestinationPort = uint16(tcp.DstPort)
	p.SequenceNumber = tcp.Seq
	p.AcknowledgmentNum = tcp.Ack
	p.WindowSize = tcp.Window

	var flags uint8
	if tcp.SYN {
		flags |= SYNFlag
	}
	if tcp.ACK {
		flags |= ACKFlag
	}
	if tcp.FIN {
		flags |= FINFlag
	}
	if tcp.RST {
		flags |= RSTFlag
	}
	if tcp.PSH {
		flags |= PSHFlag
	}
	if tcp.URG {
		flags |= URGFlag
	}
	p.Flags = flags

	// tcp.Payload aliases data, which usually lives in a pooled buffer
	if len(tcp.Payload) > 0 {
		p.Payload = make([]byte, len(tcp.Payload))
		copy(p.Payload, tcp.Payload)
	} else {
		p.Payload = nil
	}
	return nil
}

package lib

import (
	"bytes"
	"testing"
)

func TestPacketWireFormat(t *testing.T) {
	p := NewPacket(40001, 80, 4294967295, 7, SYNFlag|ACKFlag, DefaultWindowSize, []byte("hi"))

	frame, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(frame) != TcpHeaderLength+2 {
		t.Fatalf("frame is %d bytes", len(frame))
	}
	// ports, then seq, big endian
	if !bytes.Equal(frame[:8], []byte{0x9c, 0x41, 0x00, 0x50, 0xff, 0xff, 0xff, 0xff}) {
		t.Fatalf("header starts with % x", frame[:8])
	}
	if frame[13] != SYNFlag|ACKFlag {
		t.Fatalf("flag byte %#x", frame[13])
	}

	var q Packet
	if err := q.Unmarshal(frame, clientAddr, serverAddr); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if q.SourcePort != 40001 || q.DestinationPort != 80 || q.SequenceNumber != 4294967295 ||
		q.AcknowledgmentNum != 7 || q.Flags != SYNFlag|ACKFlag || q.WindowSize != DefaultWindowSize {
		t.Fatalf("decoded %s", &q)
	}
	if q.SrcAddr != clientAddr || string(q.Payload) != "hi" {
		t.Fatalf("decoded addr %v payload %q", q.SrcAddr, q.Payload)
	}

	// the payload must not alias the receive buffer
	frame[TcpHeaderLength] = 'X'
	if string(q.Payload) != "hi" {
		t.Fatal("payload aliases the frame")
	}
}

func TestUnmarshalRejectsShortFrames(t *testing.T) {
	var p Packet
	if err := p.Unmarshal(make([]byte, TcpHeaderLength-1), clientAddr, serverAddr); err == nil {
		t.Fatal("short frame accepted")
	}
}

func TestFlagString(t *testing.T) {
	testCases := []struct {
		flags uint8
		want  string
	}{
		{0, "-"},
		{SYNFlag, "SYN"},
		{SYNFlag | ACKFlag, "SYN|ACK"},
		{FINFlag | ACKFlag, "FIN|ACK"},
		{ACKFlag, "ACK"},
	}
	for _, tc := range testCases {
		if got := FlagString(tc.flags); got != tc.want {
			t.Errorf("FlagString(%#x) = %q, want %q", tc.flags, got, tc.want)
		}
	}
}

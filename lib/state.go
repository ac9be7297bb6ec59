package lib

import "fmt"

// State is the connection's position in the TCP finite state machine.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	Closing
	CloseWait
	LastAck
	TimeWait
)

var stateNames = [...]string{
	Closed:      "CLOSED",
	Listen:      "LISTEN",
	SynSent:     "SYN_SENT",
	SynRcvd:     "SYN_RCVD",
	Established: "ESTABLISHED",
	FinWait1:    "FIN_WAIT_1",
	FinWait2:    "FIN_WAIT_2",
	Closing:     "CLOSING",
	CloseWait:   "CLOSE_WAIT",
	LastAck:     "LAST_ACK",
	TimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// synchronized reports whether the handshake has completed at some point, i.e. the
// state lies on the established side of the machine.
func (s State) synchronized() bool {
	return s >= Established
}

// retransmission is the control packet last sent in a state together with the timer
// that resends it.
type retransmission struct {
	packet *Packet
	timer  *Timer
	count  int // resends so far
}

// connState is the current state plus whatever retransmission it owns. Replacing the
// value on a transition is what drops the previous state's timer and packet.
type connState struct {
	kind State
	rtx  *retransmission
}

type timerKind int

const (
	retransmitTimer timerKind = iota
	lingerTimer
	timeWaitTimer
)

func (k timerKind) String() string {
	switch k {
	case retransmitTimer:
		return "retransmit"
	case lingerTimer:
		return "linger"
	case timeWaitTimer:
		return "time-wait"
	}
	return "unknown"
}

// timerToken is the correlation token handed to the timer service. Tokens are compared
// by pointer, so a timer that fires after being superseded is recognised as stale.
type timerToken struct {
	kind  timerKind
	state State
}

func (t *timerToken) String() string {
	return fmt.Sprintf("%s@%s", t.kind, t.state)
}

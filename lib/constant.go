package lib

// Flag constants
const (
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	SegmentHeaderLength = 20 // fixed header, no options
)

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	StateClosed ConnState = iota
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateSynSent:
		return "SynSent"
	case StateSynReceived:
		return "SynReceived"
	case StateEstablished:
		return "Established"
	case StateFinWait:
		return "FinWait"
	case StateCloseWait:
		return "CloseWait"
	case StateClosing:
		return "Closing"
	case StateLastAck:
		return "LastAck"
	case StateTimeWait:
		return "TimeWait"
	default:
		return "Unknown"
	}
}

package lib

// CongestionState is the phase of the Reno congestion control algorithm.
type CongestionState int

const (
	SlowStart CongestionState = iota
	CongestionAvoidance
	FastRecovery
)

func (s CongestionState) String() string {
	switch s {
	case SlowStart:
		return "SlowStart"
	case CongestionAvoidance:
		return "CongestionAvoidance"
	case FastRecovery:
		return "FastRecovery"
	default:
		return "Unknown"
	}
}

// congestionController tracks the sender's congestion window in bytes using
// the classic Reno rules: slow start, congestion avoidance, fast retransmit
// with fast recovery, and multiplicative decrease on timeout. It is mutated
// only by the connection actor in response to ACK and timeout events.
type congestionController struct {
	mss             int
	cwnd            int // congestion window in bytes
	ssthresh        int // slow start threshold in bytes
	dupAckCount     int
	dupAckThreshold int
	state           CongestionState
}

func newCongestionController(mss, initialCwndSegments, initialSsthresh, dupAckThreshold int) *congestionController {
	return &congestionController{
		mss:             mss,
		cwnd:            initialCwndSegments * mss,
		ssthresh:        initialSsthresh,
		dupAckThreshold: dupAckThreshold,
		state:           SlowStart,
	}
}

func (c *congestionController) window() int {
	return c.cwnd
}

// onNewAck handles an ACK that advanced the send window edge.
func (c *congestionController) onNewAck() {
	c.dupAckCount = 0

	switch c.state {
	case FastRecovery:
		// new data acknowledged, deflate back to the threshold
		c.cwnd = c.ssthresh
		c.state = CongestionAvoidance
	case SlowStart:
		c.cwnd += c.mss
		if c.cwnd >= c.ssthresh {
			c.state = CongestionAvoidance
		}
	case CongestionAvoidance:
		// roughly one MSS per round trip
		c.cwnd += c.mss * c.mss / c.cwnd
	}
}

// onDuplicateAck handles an ACK that did not advance the window edge. It
// returns true when the duplicate threshold is hit and the caller must fast
// retransmit the oldest unacknowledged segment.
func (c *congestionController) onDuplicateAck() bool {
	if c.state == FastRecovery {
		// window inflation while the loss is outstanding
		c.cwnd += c.mss
		return false
	}

	c.dupAckCount++
	if c.dupAckCount < c.dupAckThreshold {
		return false
	}

	c.ssthresh = c.halvedWindow()
	c.cwnd = c.ssthresh + c.dupAckThreshold*c.mss
	c.state = FastRecovery
	c.dupAckCount = 0
	return true
}

// onTimeout applies the multiplicative decrease for the stronger loss signal:
// collapse to one MSS and restart slow start.
func (c *congestionController) onTimeout() {
	c.ssthresh = c.halvedWindow()
	c.cwnd = c.mss
	c.state = SlowStart
	c.dupAckCount = 0
}

func (c *congestionController) halvedWindow() int {
	half := c.cwnd / 2
	if half < 2*c.mss {
		half = 2 * c.mss
	}
	return half
}

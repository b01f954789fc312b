package lib

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors crossing the application boundary.
var (
	// ErrTransient means the channel temporarily refused a send. The caller
	// retries with backoff; it never escalates to the application.
	ErrTransient = errors.New("channel send queue full")

	// ErrConnectionReset means the peer sent RST or a fatal local condition
	// tore the connection down. Buffered data is discarded.
	ErrConnectionReset = errors.New("connection reset")

	// ErrConnectionClosed is returned for operations on a connection that has
	// already reached the terminal state.
	ErrConnectionClosed = errors.New("connection closed")
)

// ChecksumError marks a segment whose recomputed checksum disagrees with the
// one on the wire. The caller drops the segment silently; the sender's
// retransmission timer heals the loss.
type ChecksumError struct {
	Expected, Got uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("segment checksum mismatch: header says %#04x, computed %#04x", e.Got, e.Expected)
}

// MalformedError marks a byte slice that cannot be parsed as a segment.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed segment: " + e.Reason
}

// ConnectError reports a failed or timed-out handshake to the application.
type ConnectError struct {
	Key    string
	Reason string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s failed: %s", e.Key, e.Reason)
}

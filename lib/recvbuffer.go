package lib

import (
	"bytes"
	"sync"
)

// segResult is what an incoming data segment did to the receive side. An ACK
// must be generated for every outcome, duplicates included, so the sender's
// fast retransmit sees the duplicate ACKs it needs.
type segResult struct {
	delivered int  // bytes that became readable in order
	duplicate bool // seen before, dropped after acking
	dropped   bool // outside the advertised window, dropped
}

// receiveBuffer reassembles the incoming byte stream: out-of-order segments
// wait keyed by starting sequence number, the contiguous watermark advances
// over them, and delivery to the application is strictly in order with no
// gaps and no duplicates.
//
// Reads arrive from the application goroutine, segments from the connection
// actor, so the buffer carries its own lock.
type receiveBuffer struct {
	mu sync.Mutex

	outOfOrder map[uint32][]byte
	oooBytes   int

	rcvNxt    uint32 // the watermark: next expected sequence number
	delivered bytes.Buffer

	capacity int // advertised window ceiling in bytes

	finSeq     uint32
	finPending bool // FIN seen but data before it still missing
	finReached bool // FIN consumed, stream complete
}

func newReceiveBuffer(capacity int) *receiveBuffer {
	return &receiveBuffer{
		outOfOrder: make(map[uint32][]byte),
		capacity:   capacity,
	}
}

// init sets the watermark to the first expected data byte, the peer's ISN
// plus one.
func (rb *receiveBuffer) init(firstSeq uint32) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.rcvNxt = firstSeq
}

// window is the receive window to advertise: capacity minus everything held
// for the application or waiting for reassembly.
func (rb *receiveBuffer) window() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.windowLocked()
}

func (rb *receiveBuffer) windowLocked() int {
	w := rb.capacity - rb.delivered.Len() - rb.oooBytes
	if w < 0 {
		return 0
	}
	return w
}

// ackNum is the cumulative acknowledgment number: the watermark, past the
// FIN once the stream completed.
func (rb *receiveBuffer) ackNum() uint32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.rcvNxt
}

// onSegment inserts one data segment. Duplicates are dropped; segments beyond
// the advertised window are dropped; a segment at the watermark is delivered
// together with any directly following buffered segments.
func (rb *receiveBuffer) onSegment(seq uint32, payload []byte) segResult {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var res segResult
	if len(payload) == 0 {
		return res
	}

	if isLess(seq, rb.rcvNxt) {
		res.duplicate = true
		return res
	}
	if _, exists := rb.outOfOrder[seq]; exists {
		res.duplicate = true
		return res
	}
	if !seqInWindow(seqAdd(seq, len(payload)-1), rb.rcvNxt, rb.windowLocked()) {
		res.dropped = true
		return res
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	rb.outOfOrder[seq] = buf
	rb.oooBytes += len(buf)

	res.delivered = rb.drainLocked()
	return res
}

// setFin records the peer's FIN sequence number. The FIN is consumed once
// every byte before it has been delivered.
func (rb *receiveBuffer) setFin(seq uint32) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.finReached {
		return
	}
	rb.finSeq = seq
	rb.finPending = true
	rb.drainLocked()
}

// drainLocked advances the watermark over contiguous buffered segments,
// moving them into the delivered stream, and consumes a pending FIN when it
// is reached. Returns the number of bytes that became readable.
func (rb *receiveBuffer) drainLocked() int {
	moved := 0
	for {
		buf, ok := rb.outOfOrder[rb.rcvNxt]
		if !ok {
			break
		}
		delete(rb.outOfOrder, rb.rcvNxt)
		rb.oooBytes -= len(buf)
		rb.delivered.Write(buf)
		rb.rcvNxt = seqAdd(rb.rcvNxt, len(buf))
		moved += len(buf)
	}
	if rb.finPending && rb.rcvNxt == rb.finSeq {
		rb.finPending = false
		rb.finReached = true
		rb.rcvNxt = seqIncrement(rb.rcvNxt) // the FIN consumes one number
	}
	return moved
}

// read drains delivered bytes into p without blocking. Returns 0 when
// nothing is ready. The second result reports that this read reopened a
// fully closed window; the peer must be told or its sender stays stalled.
func (rb *receiveBuffer) read(p []byte) (int, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	wasClosed := rb.windowLocked() == 0
	n, _ := rb.delivered.Read(p)
	return n, wasClosed && n > 0 && rb.windowLocked() > 0
}

func (rb *receiveBuffer) readable() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.delivered.Len()
}

// eof reports whether the stream is complete and fully drained.
func (rb *receiveBuffer) eof() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.finReached && rb.delivered.Len() == 0
}

// streamComplete reports whether the peer's FIN has been consumed.
func (rb *receiveBuffer) streamComplete() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.finReached
}

// discard drops everything on abort.
func (rb *receiveBuffer) discard() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.outOfOrder = make(map[uint32][]byte)
	rb.oooBytes = 0
	rb.delivered.Reset()
}

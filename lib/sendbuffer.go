package lib

import (
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// inflightSegment is one sent-but-unacknowledged segment. Its payload lives
// in a pooled chunk owned by this entry and returned when the segment is
// released.
type inflightSegment struct {
	seq           uint32
	data          []byte
	chunk         *rp.Element
	fin           bool
	sentAt        time.Time
	retransmitted bool
}

// seqLen is how much sequence space the segment occupies. A FIN consumes one
// sequence number despite carrying no payload.
func (s *inflightSegment) seqLen() int {
	if s.fin {
		return 1
	}
	return len(s.data)
}

// ackResult is what an incoming cumulative ACK did to the send window.
type ackResult struct {
	freed     int  // bytes newly released from the buffer
	advanced  bool // the window edge moved
	duplicate bool // ack equals the window edge with data outstanding
	finAcked  bool // our FIN is covered
	rttSample time.Duration
	sampleOK  bool // sample usable (Karn: not from a retransmitted segment)
}

// sendBuffer holds application bytes that are written but not yet
// acknowledged: a pending region awaiting segmentation and an ordered
// in-flight queue awaiting ACKs. Bytes are released only when a cumulative
// ACK covers them; in-flight bytes may be retransmitted but never renumbered.
//
// Writes arrive from the application goroutine, everything else runs on the
// connection actor, so the buffer carries its own lock.
type sendBuffer struct {
	mu sync.Mutex

	pending  []byte
	inflight []*inflightSegment

	sndUna uint32 // window edge: oldest unacknowledged sequence number
	sndNxt uint32 // next sequence number to assign

	rwnd int // receiver-advertised window in bytes

	finQueued bool // application closed its write side
	finSent   bool
	finAcked  bool
}

func newSendBuffer(isn uint32, initialRwnd int) *sendBuffer {
	return &sendBuffer{
		sndUna: isn,
		sndNxt: isn,
		rwnd:   initialRwnd,
	}
}

// write appends application bytes. Buffering is unbounded from the
// application's perspective; admission control happens at segmentation time.
func (sb *sendBuffer) write(p []byte) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.pending = append(sb.pending, p...)
	return len(p)
}

func (sb *sendBuffer) pendingBytes() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.pending)
}

func (sb *sendBuffer) inflightCount() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.inflight)
}

// nextSeq is the sequence number a pure ACK carries.
func (sb *sendBuffer) nextSeq() uint32 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.sndNxt
}

func (sb *sendBuffer) isFinAcked() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.finAcked
}

// setReceiverWindow seeds rwnd from the handshake before any ACK carried it.
func (sb *sendBuffer) setReceiverWindow(rwnd int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.rwnd = rwnd
}

// receiverWindow is the window the peer last advertised.
func (sb *sendBuffer) receiverWindow() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.rwnd
}

// bytesInFlight is the sequence distance between the window edge and the next
// assignable number, the FIN's phantom byte included.
func (sb *sendBuffer) bytesInFlight() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.bytesInFlightLocked()
}

func (sb *sendBuffer) bytesInFlightLocked() int {
	return seqDiff(sb.sndNxt, sb.sndUna)
}

// admissibleBytes is how many new bytes the windows admit right now:
// min(congestion window, receiver window) minus what is already in flight.
func (sb *sendBuffer) admissibleBytes(cwnd int) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.admissibleLocked(cwnd)
}

func (sb *sendBuffer) admissibleLocked(cwnd int) int {
	window := cwnd
	if sb.rwnd < window {
		window = sb.rwnd
	}
	n := window - sb.bytesInFlightLocked()
	if n < 0 {
		return 0
	}
	return n
}

// queueFin marks the write side closed. The FIN segment is emitted by
// nextSegment once all pending data has been carved.
func (sb *sendBuffer) queueFin() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.finQueued = true
}

// nextSegment carves the next segment to transmit under the window limit, or
// returns nil when nothing is admissible. The returned entry has been added
// to the in-flight queue.
func (sb *sendBuffer) nextSegment(mss, cwnd int, now time.Time) *inflightSegment {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if len(sb.pending) == 0 {
		if sb.finQueued && !sb.finSent {
			seg := &inflightSegment{seq: sb.sndNxt, fin: true, sentAt: now}
			sb.inflight = append(sb.inflight, seg)
			sb.sndNxt = seqIncrement(sb.sndNxt)
			sb.finSent = true
			return seg
		}
		return nil
	}

	admissible := sb.admissibleLocked(cwnd)
	if admissible <= 0 {
		return nil
	}

	n := len(sb.pending)
	if n > mss {
		n = mss
	}
	if n > admissible {
		n = admissible
	}

	chunk, data := pooledCopy(sb.pending[:n])
	seg := &inflightSegment{
		seq:    sb.sndNxt,
		data:   data,
		chunk:  chunk,
		sentAt: now,
	}
	sb.inflight = append(sb.inflight, seg)
	sb.pending = sb.pending[n:]
	sb.sndNxt = seqAdd(sb.sndNxt, n)
	return seg
}

// probeSegment carves a single byte past a closed receiver window so the
// peer has something to acknowledge. The byte joins the in-flight queue and
// is retransmitted by the normal timer until the window reopens. Returns nil
// when data is already outstanding or nothing is pending.
func (sb *sendBuffer) probeSegment(now time.Time) *inflightSegment {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if len(sb.pending) == 0 || len(sb.inflight) > 0 {
		return nil
	}

	chunk, data := pooledCopy(sb.pending[:1])
	seg := &inflightSegment{
		seq:    sb.sndNxt,
		data:   data,
		chunk:  chunk,
		sentAt: now,
	}
	sb.inflight = append(sb.inflight, seg)
	sb.pending = sb.pending[1:]
	sb.sndNxt = seqIncrement(sb.sndNxt)
	return seg
}

// onAck processes a cumulative acknowledgment and the receiver window it
// carries. An ACK equal to the current window edge while data is outstanding
// is a duplicate and is reported as such for the congestion controller,
// unless it opens the advertised window: that is a window update, not loss
// evidence, and must not feed fast retransmit.
func (sb *sendBuffer) onAck(ack uint32, rwnd int, now time.Time) ackResult {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	prevRwnd := sb.rwnd
	sb.rwnd = rwnd

	var res ackResult
	if ack == sb.sndUna {
		if len(sb.inflight) > 0 && rwnd <= prevRwnd {
			res.duplicate = true
		}
		return res
	}
	if isLess(ack, sb.sndUna) || isGreater(ack, sb.sndNxt) {
		// stale or impossible ack
		return res
	}

	res.advanced = true
	res.freed = seqDiff(ack, sb.sndUna)

	first := true
	for len(sb.inflight) > 0 {
		seg := sb.inflight[0]
		if isGreater(seqAdd(seg.seq, seg.seqLen()), ack) {
			break // not fully covered yet
		}
		if first {
			first = false
			if !seg.retransmitted {
				res.rttSample = now.Sub(seg.sentAt)
				res.sampleOK = true
			}
		}
		if seg.fin {
			sb.finAcked = true
			res.finAcked = true
		}
		sb.releaseLocked(seg)
		sb.inflight = sb.inflight[1:]
	}

	sb.sndUna = ack
	return res
}

// oldestUnacked returns the segment the retransmission timer protects.
func (sb *sendBuffer) oldestUnacked() *inflightSegment {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if len(sb.inflight) == 0 {
		return nil
	}
	return sb.inflight[0]
}

// markRetransmitted records a (re)send of seg. Its RTT samples are poisoned
// from here on.
func (sb *sendBuffer) markRetransmitted(seg *inflightSegment, now time.Time) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	seg.retransmitted = true
	seg.sentAt = now
}

// discard drops every buffered byte and returns all pooled chunks. Used on
// abort and final teardown.
func (sb *sendBuffer) discard() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for _, seg := range sb.inflight {
		sb.releaseLocked(seg)
	}
	sb.inflight = nil
	sb.pending = nil
}

func (sb *sendBuffer) releaseLocked(seg *inflightSegment) {
	if seg.chunk != nil {
		Pool.ReturnElement(seg.chunk)
		seg.chunk = nil
	}
	seg.data = nil
}

// pooledCopy copies src into a pool chunk, falling back to the heap when the
// pool is not initialized (unit tests drive the buffer directly).
func pooledCopy(src []byte) (*rp.Element, []byte) {
	if Pool != nil {
		chunk := Pool.GetElement()
		if chunk != nil {
			if err := chunk.Data.(*Payload).Copy(src); err == nil {
				return chunk, chunk.Data.(*Payload).GetSlice()
			}
			Pool.ReturnElement(chunk)
		}
	}
	data := make([]byte, len(src))
	copy(data, src)
	return nil, data
}

package lib

import (
	"bytes"
	"testing"
)

func TestReceiveBufferInOrder(t *testing.T) {
	rb := newReceiveBuffer(64000)
	rb.init(1000)

	res := rb.onSegment(1000, []byte("hello "))
	if res.delivered != 6 {
		t.Fatalf("expected 6 bytes delivered, got %d", res.delivered)
	}
	res = rb.onSegment(1006, []byte("world"))
	if res.delivered != 5 {
		t.Fatalf("expected 5 bytes delivered, got %d", res.delivered)
	}

	if rb.ackNum() != 1011 {
		t.Errorf("ACK number: expected 1011, got %d", rb.ackNum())
	}

	p := make([]byte, 64)
	n, _ := rb.read(p)
	if string(p[:n]) != "hello world" {
		t.Errorf("read %q, want %q", p[:n], "hello world")
	}
}

func TestReceiveBufferOutOfOrder(t *testing.T) {
	rb := newReceiveBuffer(64000)
	rb.init(0)

	// segment 2 of 3 arrives first and must wait
	res := rb.onSegment(100, bytes.Repeat([]byte{'B'}, 100))
	if res.delivered != 0 || res.duplicate || res.dropped {
		t.Fatalf("out-of-order segment should be held, got %+v", res)
	}
	if rb.ackNum() != 0 {
		t.Errorf("watermark must not move past a gap, ACK %d", rb.ackNum())
	}

	res = rb.onSegment(200, bytes.Repeat([]byte{'C'}, 100))
	if res.delivered != 0 {
		t.Fatalf("second out-of-order segment should be held, got %+v", res)
	}

	// the gap filler releases everything at once
	res = rb.onSegment(0, bytes.Repeat([]byte{'A'}, 100))
	if res.delivered != 300 {
		t.Fatalf("expected 300 bytes released, got %d", res.delivered)
	}
	if rb.ackNum() != 300 {
		t.Errorf("ACK number: expected 300, got %d", rb.ackNum())
	}

	p := make([]byte, 300)
	rb.read(p)
	want := append(bytes.Repeat([]byte{'A'}, 100), append(bytes.Repeat([]byte{'B'}, 100), bytes.Repeat([]byte{'C'}, 100)...)...)
	if !bytes.Equal(p, want) {
		t.Error("delivered bytes are not in sequence order")
	}
}

func TestReceiveBufferDuplicates(t *testing.T) {
	rb := newReceiveBuffer(64000)
	rb.init(0)

	rb.onSegment(0, bytes.Repeat([]byte{'A'}, 100))

	// fully below the watermark
	res := rb.onSegment(0, bytes.Repeat([]byte{'A'}, 100))
	if !res.duplicate {
		t.Error("retransmission of delivered data must be flagged duplicate")
	}

	// duplicate of a held out-of-order segment
	rb.onSegment(200, bytes.Repeat([]byte{'C'}, 100))
	res = rb.onSegment(200, bytes.Repeat([]byte{'C'}, 100))
	if !res.duplicate {
		t.Error("retransmission of a held segment must be flagged duplicate")
	}

	// the ACK number never regresses
	if rb.ackNum() != 100 {
		t.Errorf("ACK number: expected 100, got %d", rb.ackNum())
	}
}

func TestReceiveBufferWindowDrop(t *testing.T) {
	rb := newReceiveBuffer(500)
	rb.init(0)

	res := rb.onSegment(600, []byte("far ahead"))
	if !res.dropped {
		t.Error("segment beyond the advertised window must be dropped")
	}

	// window shrinks as data sits undelivered
	rb.onSegment(0, bytes.Repeat([]byte{'A'}, 400))
	if rb.window() != 100 {
		t.Errorf("window: expected 100, got %d", rb.window())
	}
	res = rb.onSegment(400, bytes.Repeat([]byte{'B'}, 200))
	if !res.dropped {
		t.Error("segment ending beyond the shrunken window must be dropped")
	}

	// reading frees window space again
	p := make([]byte, 400)
	if _, reopened := rb.read(p); reopened {
		t.Error("a read from a non-zero window must not report a reopen")
	}
	if rb.window() != 500 {
		t.Errorf("window after read: expected 500, got %d", rb.window())
	}
}

func TestReceiveBufferReadReportsReopenedWindow(t *testing.T) {
	rb := newReceiveBuffer(500)
	rb.init(0)

	rb.onSegment(0, bytes.Repeat([]byte{'A'}, 500))
	if rb.window() != 0 {
		t.Fatalf("window: expected 0 after filling the buffer, got %d", rb.window())
	}

	p := make([]byte, 100)
	n, reopened := rb.read(p)
	if n != 100 {
		t.Fatalf("read %d bytes, want 100", n)
	}
	if !reopened {
		t.Error("the read that reopens a closed window must say so")
	}

	// subsequent reads find the window already open
	if _, reopened := rb.read(p); reopened {
		t.Error("only the reopening read reports the transition")
	}
}

func TestReceiveBufferFin(t *testing.T) {
	rb := newReceiveBuffer(64000)
	rb.init(0)

	rb.onSegment(0, bytes.Repeat([]byte{'A'}, 100))

	// FIN with a gap before it must wait
	rb2 := newReceiveBuffer(64000)
	rb2.init(0)
	rb2.onSegment(100, bytes.Repeat([]byte{'B'}, 100))
	rb2.setFin(200)
	if rb2.streamComplete() {
		t.Error("FIN must not complete the stream while data is missing")
	}
	rb2.onSegment(0, bytes.Repeat([]byte{'A'}, 100))
	if !rb2.streamComplete() {
		t.Error("stream should complete once the gap is filled")
	}
	// the FIN consumes one sequence number
	if rb2.ackNum() != 201 {
		t.Errorf("ACK past the FIN: expected 201, got %d", rb2.ackNum())
	}

	// in-order FIN completes immediately
	rb.setFin(100)
	if !rb.streamComplete() {
		t.Error("in-order FIN should complete the stream")
	}
	if rb.eof() {
		t.Error("eof must wait until delivered data is drained")
	}
	p := make([]byte, 200)
	rb.read(p)
	if !rb.eof() {
		t.Error("eof expected after draining")
	}
}

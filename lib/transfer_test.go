package lib

import (
	"bytes"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/netsim-labs/stp/config"
	"github.com/pkg/errors"
)

func testStackConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MSS = 500
	cfg.InitialTimeoutMs = 300
	cfg.MinTimeoutMs = 100
	cfg.MaxTimeoutMs = 2000
	cfg.TimeWaitMs = 300
	cfg.ConnSignalRetries = 5
	cfg.ConnSignalTimerMs = 200
	cfg.Channel = config.ChannelConfig{
		LatencyMs:  1,
		QueueDepth: 512,
		Seed:       42,
	}
	return cfg
}

// newTestPair wires two cores over one simulated network and tears everything
// down with the test.
func newTestPair(t *testing.T, cfg *config.Config) (*Core, *Core) {
	t.Helper()
	coreA, coreB, _ := newTestNet(t, cfg)
	return coreA, coreB
}

func newTestNet(t *testing.T, cfg *config.Config) (*Core, *Core, *SimNet) {
	t.Helper()

	simNet := NewSimNet(cfg.Channel)
	chA, err := simNet.Attach("alice")
	if err != nil {
		t.Fatalf("attach alice: %s", err)
	}
	chB, err := simNet.Attach("bob")
	if err != nil {
		t.Fatalf("attach bob: %s", err)
	}

	coreA, err := NewCore(chA, cfg)
	if err != nil {
		t.Fatalf("core alice: %s", err)
	}
	coreB, err := NewCore(chB, cfg)
	if err != nil {
		t.Fatalf("core bob: %s", err)
	}

	t.Cleanup(func() {
		_ = coreA.Close()
		_ = coreB.Close()
		simNet.Close()
	})
	return coreA, coreB, simNet
}

func patternBytes(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte('A' + i%23)
	}
	return p
}

// acceptOne runs Accept on its own goroutine so the client can dial.
func acceptOne(t *testing.T, core *Core, port uint16) <-chan *Connection {
	t.Helper()
	srv, err := core.Listen(port)
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	ch := make(chan *Connection, 1)
	go func() {
		conn, err := srv.Accept()
		if err != nil {
			return
		}
		ch <- conn
	}()
	return ch
}

func waitState(t *testing.T, conn *Connection, want ConnState, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if conn.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("connection %s never reached %s, stuck in %s", conn.Key(), want, conn.State())
}

func TestConnectTransferClose(t *testing.T) {
	cfg := testStackConfig()
	clientCore, serverCore := newTestPair(t, cfg)

	accepted := acceptOne(t, serverCore, 9000)

	conn, err := clientCore.Dial("bob", 9000)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	var serverConn *Connection
	select {
	case serverConn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the connection")
	}

	if conn.State() != StateEstablished {
		t.Fatalf("client state: expected Established, got %s", conn.State())
	}

	// 10000 bytes at MSS 500 means at least 20 data segments
	sent := patternBytes(10000)
	if _, err := conn.Write(sent); err != nil {
		t.Fatalf("write: %s", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	received, err := io.ReadAll(serverConn)
	if err != nil {
		t.Fatalf("server read: %s", err)
	}
	if !bytes.Equal(received, sent) {
		t.Fatalf("received %d bytes, sent %d; contents differ", len(received), len(sent))
	}

	if got := serverConn.Metrics().BytesDelivered.Load(); got != 10000 {
		t.Errorf("server BytesDelivered: expected 10000, got %d", got)
	}
	// 10000 bytes at MSS 500 is exactly 20 data segments, plus the FIN
	if got := conn.Metrics().SegmentsSent.Load(); got != 21 {
		t.Errorf("client sent %d segments, expected exactly 21", got)
	}
	if got := conn.Metrics().Retransmissions.Load(); got != 0 {
		t.Errorf("client retransmitted %d segments on a loss-free channel", got)
	}

	if err := serverConn.Close(); err != nil {
		t.Fatalf("server close: %s", err)
	}

	// server side finishes via LAST_ACK, client lingers through TIME_WAIT
	waitState(t, serverConn, StateClosed, 5*time.Second)
	waitState(t, conn, StateClosed, 5*time.Second)
}

func TestBidirectionalTransfer(t *testing.T) {
	cfg := testStackConfig()
	clientCore, serverCore := newTestPair(t, cfg)

	accepted := acceptOne(t, serverCore, 9001)
	conn, err := clientCore.Dial("bob", 9001)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	serverConn := <-accepted

	upstream := patternBytes(4000)
	downstream := patternBytes(6000)

	errCh := make(chan error, 2)
	go func() {
		_, err := conn.Write(upstream)
		if err == nil {
			err = conn.Close()
		}
		errCh <- err
	}()
	go func() {
		_, err := serverConn.Write(downstream)
		if err == nil {
			err = serverConn.Close()
		}
		errCh <- err
	}()

	gotDown, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("client read: %s", err)
	}
	gotUp, err := io.ReadAll(serverConn)
	if err != nil {
		t.Fatalf("server read: %s", err)
	}

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("writer: %s", err)
		}
	}

	if !bytes.Equal(gotUp, upstream) {
		t.Error("upstream bytes corrupted")
	}
	if !bytes.Equal(gotDown, downstream) {
		t.Error("downstream bytes corrupted")
	}
}

func TestTransferOverLossyChannel(t *testing.T) {
	cfg := testStackConfig()
	cfg.Channel.LossRate = 0.15
	cfg.Channel.DuplicationRate = 0.05
	cfg.Channel.ReorderJitterMs = 5
	cfg.Channel.Seed = 7

	clientCore, serverCore := newTestPair(t, cfg)

	accepted := acceptOne(t, serverCore, 9002)
	conn, err := clientCore.Dial("bob", 9002)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	serverConn := <-accepted

	sent := patternBytes(50000)
	if _, err := conn.Write(sent); err != nil {
		t.Fatalf("write: %s", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	received, err := io.ReadAll(serverConn)
	if err != nil {
		t.Fatalf("server read: %s", err)
	}
	if !bytes.Equal(received, sent) {
		t.Fatalf("stream corrupted: received %d bytes, sent %d", len(received), len(sent))
	}

	// 100 data segments under 15% loss cannot all survive the first try
	if conn.Metrics().Retransmissions.Load() == 0 {
		t.Error("expected at least one retransmission on a lossy channel")
	}
}

func TestTransferResumesAfterZeroWindow(t *testing.T) {
	cfg := testStackConfig()
	cfg.MaxReceiveWindow = 500 // a single segment fills the receive buffer

	clientCore, serverCore := newTestPair(t, cfg)
	accepted := acceptOne(t, serverCore, 9006)
	conn, err := clientCore.Dial("bob", 9006)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	serverConn := <-accepted

	// every segment closes the window; each read must reopen it and tell
	// the sender, or the stream stops after the first 500 bytes
	sent := patternBytes(2000)
	if _, err := conn.Write(sent); err != nil {
		t.Fatalf("write: %s", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(serverConn)
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("server read: %s", res.err)
		}
		if !bytes.Equal(res.data, sent) {
			t.Fatalf("stream corrupted: received %d bytes, sent %d", len(res.data), len(sent))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("transfer stalled after the receive window closed")
	}
}

func TestZeroWindowProbe(t *testing.T) {
	cfg := testStackConfig()
	cfg.MaxReceiveWindow = 500

	clientCore, serverCore := newTestPair(t, cfg)
	accepted := acceptOne(t, serverCore, 9007)
	conn, err := clientCore.Dial("bob", 9007)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	serverConn := <-accepted

	sent := patternBytes(1200)
	if _, err := conn.Write(sent); err != nil {
		t.Fatalf("write: %s", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	// an idle reader keeps the window shut; the sender must probe rather
	// than wait for an update that is never owed to it
	time.Sleep(700 * time.Millisecond)

	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(serverConn)
		done <- data
	}()

	select {
	case data := <-done:
		if !bytes.Equal(data, sent) {
			t.Fatalf("stream corrupted: received %d bytes, sent %d", len(data), len(sent))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("transfer never resumed after the zero-window stall")
	}

	if conn.Metrics().WindowProbes.Load() == 0 {
		t.Error("expected at least one zero-window probe while the reader was idle")
	}
}

func TestLostSegmentHealedBySingleTimeout(t *testing.T) {
	cfg := testStackConfig()
	clientCore, serverCore, simNet := newTestNet(t, cfg)

	// kill the fifth data segment once; everything else passes untouched
	var dataFrames atomic.Int32
	simNet.SetDropFilter(func(from, to Endpoint, frame []byte) bool {
		if from != "alice" || len(frame) <= SegmentHeaderLength {
			return false
		}
		return dataFrames.Add(1) == 5
	})

	accepted := acceptOne(t, serverCore, 9008)
	conn, err := clientCore.Dial("bob", 9008)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	serverConn := <-accepted

	// 2500 bytes at MSS 500 is five segments; losing the last one leaves
	// no duplicate ACKs behind it, so only the timer can heal the stream
	sent := patternBytes(2500)
	if _, err := conn.Write(sent); err != nil {
		t.Fatalf("write: %s", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	received, err := io.ReadAll(serverConn)
	if err != nil {
		t.Fatalf("server read: %s", err)
	}
	if !bytes.Equal(received, sent) {
		t.Fatalf("stream corrupted: received %d bytes, sent %d", len(received), len(sent))
	}

	if got := conn.Metrics().Timeouts.Load(); got != 1 {
		t.Errorf("timeouts: expected exactly 1, got %d", got)
	}
	if got := conn.Metrics().Retransmissions.Load(); got != 1 {
		t.Errorf("retransmissions: expected exactly 1, got %d", got)
	}
	if got := conn.Metrics().FastRetransmits.Load(); got != 0 {
		t.Errorf("fast retransmits: expected none, got %d", got)
	}
}

func TestDialWithoutListener(t *testing.T) {
	cfg := testStackConfig()
	cfg.ConnSignalRetries = 2
	cfg.ConnSignalTimerMs = 100
	clientCore, _ := newTestPair(t, cfg)

	_, err := clientCore.Dial("bob", 9999)
	if err == nil {
		t.Fatal("dial to a non-listening port must fail")
	}
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Errorf("expected *ConnectError, got %T (%s)", err, err)
	}
}

func TestAbortDeliversReset(t *testing.T) {
	cfg := testStackConfig()
	clientCore, serverCore := newTestPair(t, cfg)

	accepted := acceptOne(t, serverCore, 9003)
	conn, err := clientCore.Dial("bob", 9003)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	serverConn := <-accepted

	serverConn.Abort()

	buf := make([]byte, 64)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err = conn.Read(buf)
		if err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client read never failed after the peer aborted")
		}
	}
	if !errors.Is(err, ErrConnectionReset) {
		t.Errorf("expected ErrConnectionReset, got %s", err)
	}

	if _, err := conn.Write([]byte("dead")); !errors.Is(err, ErrConnectionReset) {
		t.Errorf("write after reset: expected ErrConnectionReset, got %v", err)
	}
}

func TestAbortDuringTransfer(t *testing.T) {
	cfg := testStackConfig()
	clientCore, serverCore := newTestPair(t, cfg)

	accepted := acceptOne(t, serverCore, 9010)
	conn, err := clientCore.Dial("bob", 9010)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	serverConn := <-accepted

	// abort lands while the event loop is busy arming timers and pumping
	if _, err := conn.Write(patternBytes(50000)); err != nil {
		t.Fatalf("write: %s", err)
	}
	time.Sleep(20 * time.Millisecond)
	conn.Abort()

	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err = serverConn.Read(buf); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server read never failed after the abort")
		}
	}
	if !errors.Is(err, ErrConnectionReset) {
		t.Errorf("expected ErrConnectionReset, got %v", err)
	}

	waitState(t, conn, StateClosed, time.Second)
}

func TestSimultaneousClose(t *testing.T) {
	cfg := testStackConfig()
	clientCore, serverCore := newTestPair(t, cfg)

	accepted := acceptOne(t, serverCore, 9005)
	conn, err := clientCore.Dial("bob", 9005)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	serverConn := <-accepted

	// both ends close at once; the FINs cross on the wire
	if err := conn.Close(); err != nil {
		t.Fatalf("client close: %s", err)
	}
	if err := serverConn.Close(); err != nil {
		t.Fatalf("server close: %s", err)
	}

	waitState(t, conn, StateClosed, 5*time.Second)
	waitState(t, serverConn, StateClosed, 5*time.Second)

	if _, err := conn.Read(make([]byte, 8)); err != io.EOF && !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("read after close: expected EOF or closed, got %v", err)
	}
}

func TestHalfClose(t *testing.T) {
	cfg := testStackConfig()
	clientCore, serverCore := newTestPair(t, cfg)

	accepted := acceptOne(t, serverCore, 9004)
	conn, err := clientCore.Dial("bob", 9004)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	serverConn := <-accepted

	request := patternBytes(2000)
	if _, err := conn.Write(request); err != nil {
		t.Fatalf("client write: %s", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("client close: %s", err)
	}

	gotRequest, err := io.ReadAll(serverConn)
	if err != nil {
		t.Fatalf("server read: %s", err)
	}
	if !bytes.Equal(gotRequest, request) {
		t.Fatal("request corrupted")
	}

	// the server's send side is still open after the client's FIN
	response := patternBytes(3000)
	if _, err := serverConn.Write(response); err != nil {
		t.Fatalf("server write after client FIN: %s", err)
	}
	if err := serverConn.Close(); err != nil {
		t.Fatalf("server close: %s", err)
	}

	gotResponse, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("client read: %s", err)
	}
	if !bytes.Equal(gotResponse, response) {
		t.Fatal("response corrupted")
	}

	waitState(t, serverConn, StateClosed, 5*time.Second)
	waitState(t, conn, StateClosed, 5*time.Second)
}

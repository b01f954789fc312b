package lib

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/netsim-labs/stp/config"
	"github.com/pkg/errors"
)

type connectionParams struct {
	key            string
	isServer       bool
	localEndpoint  Endpoint
	remoteEndpoint Endpoint
	localPort      uint16
	remotePort     uint16

	outputChan    chan *Segment // ordinary data segments
	sigOutputChan chan *Segment // signalling segments, sent with priority

	connCloseSignalChan      chan *Connection // tells the parent to drop us from its map
	newConnChannel           chan *Connection // server side: handshake completion to Accept
	connSignalFailedToParent chan *Connection // server side: handshake gave up
}

type connectionConfig struct {
	mss              int
	initialCwnd      int
	initialSsthresh  int
	maxReceiveWindow int
	dupAckThreshold  int

	initialTimeout time.Duration
	minTimeout     time.Duration
	maxTimeout     time.Duration
	timeWait       time.Duration

	connSignalRetries  int
	connSignalInterval time.Duration

	keepaliveEnabled  bool
	keepaliveInterval time.Duration
}

func newConnectionConfig(cfg *config.Config) *connectionConfig {
	return &connectionConfig{
		mss:                cfg.MSS,
		initialCwnd:        cfg.InitialCwnd,
		initialSsthresh:    cfg.InitialSsthresh,
		maxReceiveWindow:   cfg.MaxReceiveWindow,
		dupAckThreshold:    cfg.DupAckThreshold,
		initialTimeout:     cfg.InitialTimeout(),
		minTimeout:         cfg.MinTimeout(),
		maxTimeout:         cfg.MaxTimeout(),
		timeWait:           cfg.TimeWait(),
		connSignalRetries:  cfg.ConnSignalRetries,
		connSignalInterval: time.Duration(cfg.ConnSignalTimerMs) * time.Millisecond,
		keepaliveEnabled:   cfg.KeepaliveEnabled,
		keepaliveInterval:  time.Duration(cfg.KeepaliveIntervalMs) * time.Millisecond,
	}
}

// Connection is one endpoint's half of an STP connection. All protocol state
// (send buffer, receive buffer, congestion and RTT estimators, lifecycle
// state) is owned by a single event-loop goroutine; the application talks to
// it through Read/Write/Close/Abort, the network through inputChannel.
type Connection struct {
	params  *connectionParams
	config  *connectionConfig
	metrics Metrics

	sndBuf *sendBuffer
	rcvBuf *receiveBuffer
	cc     *congestionController
	rtt    *rttEstimator

	initialSeq     uint32
	initialPeerSeq uint32

	inputChannel chan *Segment
	sendSignal   chan struct{}
	closeRequest chan struct{}
	readEvent    chan struct{}
	closeSignal  chan struct{}

	retransTimer *time.Timer // armed only while unacked segments exist
	retransArmed bool

	persistTimer *time.Timer // armed while pending data faces a zero window
	persistArmed bool

	timeWaitTimer *time.Timer

	keepalive *time.Ticker

	signalMu         sync.Mutex
	connSignalTimer  *time.Timer
	signalAttempts   int
	connSignalFailed chan struct{}
	signalFailedOnce sync.Once

	mu       sync.Mutex
	state    ConnState
	appErr   error
	isClosed bool

	wg sync.WaitGroup
}

func newConnection(params *connectionParams, cfg *connectionConfig) (*Connection, error) {
	isn, err := GenerateISN()
	if err != nil {
		return nil, errors.Wrap(err, "generating initial sequence number")
	}

	c := &Connection{
		params:     params,
		config:     cfg,
		initialSeq: isn,
		sndBuf:     newSendBuffer(seqIncrement(isn), cfg.maxReceiveWindow),
		rcvBuf:     newReceiveBuffer(cfg.maxReceiveWindow),
		cc:         newCongestionController(cfg.mss, cfg.initialCwnd, cfg.initialSsthresh, cfg.dupAckThreshold),
		rtt:        newRttEstimator(cfg.initialTimeout, cfg.minTimeout, cfg.maxTimeout),

		inputChannel: make(chan *Segment, 64),
		sendSignal:   make(chan struct{}, 1),
		closeRequest: make(chan struct{}, 1),
		readEvent:    make(chan struct{}, 1),
		closeSignal:  make(chan struct{}),

		connSignalFailed: make(chan struct{}),

		state: StateClosed,
	}

	// the timers exist before the event loop starts so that teardown can
	// stop them from any goroutine without racing their assignment
	c.retransTimer = newStoppedTimer()
	c.persistTimer = newStoppedTimer()
	c.timeWaitTimer = newStoppedTimer()

	return c, nil
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

// Key identifies the connection inside its parent's maps.
func (c *Connection) Key() string { return c.params.key }

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics exposes the connection's protocol counters.
func (c *Connection) Metrics() *Metrics { return &c.metrics }

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// --- application surface ---

// Write queues p for transmission and returns the count accepted. Buffering
// is unbounded; admission to the wire is governed by the sliding window.
func (c *Connection) Write(p []byte) (int, error) {
	c.mu.Lock()
	state, appErr, closed := c.state, c.appErr, c.isClosed
	c.mu.Unlock()

	if appErr != nil {
		return 0, appErr
	}
	if closed {
		return 0, ErrConnectionClosed
	}
	if state != StateEstablished && state != StateCloseWait {
		return 0, errors.Wrapf(ErrConnectionClosed, "write in state %s", state)
	}

	n := c.sndBuf.write(p)
	c.signalSend()
	return n, nil
}

// Read drains in-order delivered bytes into p, blocking until data arrives,
// the peer's stream ends (io.EOF), or the connection dies.
func (c *Connection) Read(p []byte) (int, error) {
	for {
		if n, reopened := c.rcvBuf.read(p); n > 0 {
			if reopened {
				c.sendWindowUpdate()
			}
			return n, nil
		}
		if c.rcvBuf.eof() {
			return 0, io.EOF
		}
		c.mu.Lock()
		appErr, closed := c.appErr, c.isClosed
		c.mu.Unlock()
		if appErr != nil {
			return 0, appErr
		}
		if closed {
			return 0, ErrConnectionClosed
		}

		select {
		case <-c.readEvent:
		case <-c.closeSignal:
			if n, _ := c.rcvBuf.read(p); n > 0 {
				return n, nil
			}
			if c.rcvBuf.eof() {
				return 0, io.EOF
			}
			c.mu.Lock()
			appErr = c.appErr
			c.mu.Unlock()
			if appErr != nil {
				return 0, appErr
			}
			return 0, ErrConnectionClosed
		}
	}
}

// Close starts a graceful teardown. Writes are refused from here on; data
// already written is flushed before the FIN goes out. Reading the peer's
// remaining data stays possible (half-close).
func (c *Connection) Close() error {
	c.mu.Lock()
	closed := c.isClosed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	select {
	case c.closeRequest <- struct{}{}:
	default:
	}
	return nil
}

// Abort kills the connection immediately: an RST goes out best-effort and
// every buffer is discarded.
func (c *Connection) Abort() {
	c.teardown(ErrConnectionReset, true)
}

func (c *Connection) signalSend() {
	select {
	case c.sendSignal <- struct{}{}:
	default:
	}
}

func (c *Connection) notifyReader() {
	select {
	case c.readEvent <- struct{}{}:
	default:
	}
}

// --- handshake ---

// dial performs the client half of the 3-way handshake on the caller's
// goroutine: SYN out, SYN-ACK awaited with resends, ACK back.
func (c *Connection) dial() error {
	c.setState(StateSynSent)
	c.params.sigOutputChan <- c.buildSignalSegment(SYNFlag, c.initialSeq)
	c.startConnSignalTimer(func() *Segment {
		return c.buildSignalSegment(SYNFlag, c.initialSeq)
	})

	for {
		select {
		case <-c.connSignalFailed:
			c.markClosed(nil)
			return &ConnectError{Key: c.params.key, Reason: "handshake timed out"}

		case packet := <-c.inputChannel:
			if packet.Flags&RSTFlag != 0 {
				c.stopConnSignalTimer()
				c.markClosed(nil)
				return &ConnectError{Key: c.params.key, Reason: "connection refused"}
			}
			if packet.Flags&(SYNFlag|ACKFlag) != SYNFlag|ACKFlag {
				continue
			}
			if packet.AcknowledgmentNum != seqIncrement(c.initialSeq) {
				continue
			}

			c.stopConnSignalTimer()
			c.initialPeerSeq = packet.SequenceNumber
			c.rcvBuf.init(seqIncrement(packet.SequenceNumber))
			c.sndBuf.setReceiverWindow(int(packet.WindowSize))
			c.setState(StateEstablished)
			c.sendAck()
			return nil
		}
	}
}

// acceptSyn primes the server half after a SYN arrived: record the peer's
// ISN and send SYN-ACK with resends.
func (c *Connection) acceptSyn(syn *Segment) {
	c.initialPeerSeq = syn.SequenceNumber
	c.rcvBuf.init(seqIncrement(syn.SequenceNumber))
	c.sndBuf.setReceiverWindow(int(syn.WindowSize))
	c.setState(StateSynReceived)

	c.params.sigOutputChan <- c.buildSignalSegment(SYNFlag|ACKFlag, c.initialSeq)
	c.startConnSignalTimer(func() *Segment {
		return c.buildSignalSegment(SYNFlag|ACKFlag, c.initialSeq)
	})
}

// handle3WayHandshake waits for the final ACK on the server side, then hands
// the connection to Accept.
func (c *Connection) handle3WayHandshake() {
	defer c.wg.Done()

	for {
		select {
		case <-c.connSignalFailed:
			c.markClosed(nil)
			c.params.connSignalFailedToParent <- c
			return

		case packet := <-c.inputChannel:
			if packet.Flags&RSTFlag != 0 {
				c.stopConnSignalTimer()
				c.markClosed(nil)
				c.params.connSignalFailedToParent <- c
				return
			}
			isSYN := packet.Flags&SYNFlag != 0
			isACK := packet.Flags&ACKFlag != 0

			if isSYN {
				// duplicate SYN; the signal timer keeps resending SYN-ACK
				continue
			}
			if !isACK || packet.AcknowledgmentNum != seqIncrement(c.initialSeq) {
				continue
			}

			c.stopConnSignalTimer()
			c.sndBuf.setReceiverWindow(int(packet.WindowSize))
			c.setState(StateEstablished)
			// the parent closes connSignalFailed on shutdown: without it a
			// never-Accepted connection would park this goroutine forever
			select {
			case c.params.newConnChannel <- c:
			case <-c.connSignalFailed:
				c.markClosed(nil)
			}
			return
		}
	}
}

func (c *Connection) buildSignalSegment(flags uint8, seq uint32) *Segment {
	return &Segment{
		SourcePort:        c.params.localPort,
		DestinationPort:   c.params.remotePort,
		SequenceNumber:    seq,
		AcknowledgmentNum: c.rcvBuf.ackNum(),
		Flags:             flags,
		WindowSize:        c.advertisedWindow(),
		Conn:              c,
	}
}

func (c *Connection) advertisedWindow() uint16 {
	w := c.rcvBuf.window()
	if w > 0xffff {
		w = 0xffff
	}
	return uint16(w)
}

// --- connection signal resend timer (SYN / SYN-ACK) ---

func (c *Connection) startConnSignalTimer(build func() *Segment) {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()
	c.signalAttempts = 0
	c.connSignalTimer = time.AfterFunc(c.config.connSignalInterval, func() {
		c.resendConnSignal(build)
	})
}

func (c *Connection) resendConnSignal(build func() *Segment) {
	c.signalMu.Lock()
	if c.connSignalTimer == nil {
		c.signalMu.Unlock()
		return
	}
	c.signalAttempts++
	if c.signalAttempts > c.config.connSignalRetries {
		c.connSignalTimer = nil
		c.signalMu.Unlock()
		c.signalFailedOnce.Do(func() { close(c.connSignalFailed) })
		return
	}
	c.signalMu.Unlock()

	c.params.sigOutputChan <- build()

	c.signalMu.Lock()
	if c.connSignalTimer != nil {
		c.connSignalTimer = time.AfterFunc(c.config.connSignalInterval, func() {
			c.resendConnSignal(build)
		})
	}
	c.signalMu.Unlock()
}

func (c *Connection) stopConnSignalTimer() {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()
	if c.connSignalTimer != nil {
		c.connSignalTimer.Stop()
		c.connSignalTimer = nil
	}
}

// --- event loop ---

func (c *Connection) start() {
	if c.config.keepaliveEnabled {
		c.keepalive = time.NewTicker(c.config.keepaliveInterval)
	}
	c.wg.Add(1)
	go c.handleEvents()
}

// handleEvents is the connection's single serialization point: every protocol
// mutation after the handshake happens here.
func (c *Connection) handleEvents() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeSignal:
			return
		case packet := <-c.inputChannel:
			c.handleSegment(packet, time.Now())
		case <-c.sendSignal:
			c.pump(time.Now())
		case <-c.closeRequest:
			c.startClose(time.Now())
		case <-c.retransC():
			c.retransArmed = false
			c.onRetransmitTimeout(time.Now())
		case <-c.persistC():
			c.persistArmed = false
			c.onPersistTimeout(time.Now())
		case <-c.timeWaitC():
			log.Printf("Connection %s: TIME_WAIT expired, releasing\n", c.params.key)
			c.teardown(nil, false)
		case <-c.keepaliveC():
			if c.State() == StateEstablished {
				c.sendAck() // zero-length probe
			}
		}
	}
}

func (c *Connection) retransC() <-chan time.Time {
	if !c.retransArmed {
		return nil
	}
	return c.retransTimer.C
}

func (c *Connection) persistC() <-chan time.Time {
	if !c.persistArmed {
		return nil
	}
	return c.persistTimer.C
}

func (c *Connection) timeWaitC() <-chan time.Time {
	return c.timeWaitTimer.C
}

func (c *Connection) keepaliveC() <-chan time.Time {
	if c.keepalive == nil {
		return nil
	}
	return c.keepalive.C
}

func (c *Connection) armRetransmitTimer(d time.Duration) {
	if !c.retransTimer.Stop() && c.retransArmed {
		select {
		case <-c.retransTimer.C:
		default:
		}
	}
	c.retransTimer.Reset(d)
	c.retransArmed = true
}

func (c *Connection) disarmRetransmitTimer() {
	if !c.retransArmed {
		return
	}
	if !c.retransTimer.Stop() {
		select {
		case <-c.retransTimer.C:
		default:
		}
	}
	c.retransArmed = false
}

func (c *Connection) armPersistTimer(d time.Duration) {
	if !c.persistTimer.Stop() && c.persistArmed {
		select {
		case <-c.persistTimer.C:
		default:
		}
	}
	c.persistTimer.Reset(d)
	c.persistArmed = true
}

func (c *Connection) disarmPersistTimer() {
	if !c.persistArmed {
		return
	}
	if !c.persistTimer.Stop() {
		select {
		case <-c.persistTimer.C:
		default:
		}
	}
	c.persistArmed = false
}

// --- segment processing ---

func (c *Connection) handleSegment(p *Segment, now time.Time) {
	c.metrics.SegmentsReceived.Add(1)

	if p.Flags&RSTFlag != 0 {
		log.Printf("Connection %s: RST received, aborting\n", c.params.key)
		c.teardown(ErrConnectionReset, false)
		return
	}
	if c.State() == StateClosed {
		return
	}
	if p.Flags&SYNFlag != 0 {
		// retransmitted SYN-ACK: our final handshake ACK was lost
		c.sendAck()
		return
	}

	if p.Flags&ACKFlag != 0 {
		c.processAck(p, now)
	}
	if len(p.Payload) > 0 {
		c.processData(p)
	}
	if p.Flags&FINFlag != 0 {
		c.processFin(p, now)
	}
}

func (c *Connection) processAck(p *Segment, now time.Time) {
	res := c.sndBuf.onAck(p.AcknowledgmentNum, int(p.WindowSize), now)

	switch {
	case res.advanced:
		if res.sampleOK {
			c.rtt.addSample(res.rttSample)
		}
		c.cc.onNewAck()
		// the timer protects the oldest unacked segment: restart it when the
		// window edge advances, disarm it when nothing is outstanding
		if c.sndBuf.inflightCount() == 0 {
			c.disarmRetransmitTimer()
		} else {
			c.armRetransmitTimer(c.rtt.timeout())
		}
		c.pump(now)
		if res.finAcked {
			c.onFinAcked()
		}

	case res.duplicate:
		c.metrics.DuplicateAcks.Add(1)
		if c.cc.onDuplicateAck() {
			c.fastRetransmit(now)
		}

	default:
		// pure window update
		c.pump(now)
	}
}

func (c *Connection) processData(p *Segment) {
	switch c.State() {
	case StateEstablished, StateFinWait:
		// receiving allowed
	default:
		// half-close: our receive side has ceased; still ack below so the
		// sender's retransmissions stop
	}

	res := c.rcvBuf.onSegment(p.SequenceNumber, p.Payload)
	if res.duplicate {
		c.metrics.DuplicateData.Add(1)
	}
	if res.dropped {
		c.metrics.OutOfWindowDrops.Add(1)
	}
	if res.delivered > 0 {
		c.metrics.BytesDelivered.Add(int64(res.delivered))
		c.notifyReader()
	}

	// an ACK goes out for every received data segment, duplicates included:
	// that is what makes fast retransmit work on the sender side
	c.sendAck()
}

func (c *Connection) processFin(p *Segment, now time.Time) {
	c.rcvBuf.setFin(p.SequenceNumber)
	if !c.rcvBuf.streamComplete() {
		// data before the FIN is still missing
		c.sendAck()
		return
	}

	c.notifyReader() // EOF may be observable now
	c.sendAck()      // the advanced watermark acknowledges the FIN

	switch c.State() {
	case StateEstablished:
		log.Printf("Connection %s: FIN received, entering CloseWait\n", c.params.key)
		c.setState(StateCloseWait)
	case StateFinWait:
		if c.sndBuf.isFinAcked() {
			c.enterTimeWait()
		} else {
			// simultaneous close
			c.setState(StateClosing)
		}
	case StateClosing, StateLastAck, StateTimeWait:
		// duplicate FIN, already re-acked above
	}
}

func (c *Connection) onFinAcked() {
	switch c.State() {
	case StateFinWait:
		// our FIN is acknowledged; wait for the peer's FIN
	case StateClosing:
		c.enterTimeWait()
	case StateLastAck:
		log.Printf("Connection %s: final ACK received, closed\n", c.params.key)
		c.teardown(nil, false)
	}
}

// startClose reacts to the application's Close call inside the event loop.
func (c *Connection) startClose(now time.Time) {
	switch c.State() {
	case StateEstablished:
		c.setState(StateFinWait)
	case StateCloseWait:
		c.setState(StateLastAck)
	case StateSynSent, StateSynReceived:
		c.teardown(nil, true)
		return
	default:
		return
	}
	c.sndBuf.queueFin()
	c.pump(now)
}

func (c *Connection) enterTimeWait() {
	c.setState(StateTimeWait)
	c.disarmRetransmitTimer()
	c.disarmPersistTimer()
	c.timeWaitTimer.Reset(c.config.timeWait)
	c.notifyReader()
}

// --- transmission ---

// pump carves and transmits as many segments as the window admits.
func (c *Connection) pump(now time.Time) {
	switch c.State() {
	case StateEstablished, StateCloseWait, StateFinWait, StateLastAck:
	default:
		return
	}

	for {
		seg := c.sndBuf.nextSegment(c.config.mss, c.cc.window(), now)
		if seg == nil {
			break
		}
		c.transmit(seg, now, false)
	}

	// a zero receiver window with nothing in flight would otherwise go
	// silent forever: no ACK is owed to us and no timer is running
	if c.zeroWindowStalled() {
		if !c.persistArmed {
			c.armPersistTimer(c.rtt.timeout())
		}
	} else {
		c.disarmPersistTimer()
	}
}

func (c *Connection) zeroWindowStalled() bool {
	return c.sndBuf.pendingBytes() > 0 &&
		c.sndBuf.inflightCount() == 0 &&
		c.sndBuf.receiverWindow() == 0
}

// onPersistTimeout forces one byte past the closed window. The peer drops it
// while the window stays shut but answers with an ACK carrying the current
// window; once in flight the byte is covered by the retransmission timer.
func (c *Connection) onPersistTimeout(now time.Time) {
	if !c.zeroWindowStalled() {
		return
	}
	seg := c.sndBuf.probeSegment(now)
	if seg == nil {
		return
	}
	c.metrics.WindowProbes.Add(1)
	log.Printf("Connection %s: zero window persists, probing with SEQ %d\n", c.params.key, seg.seq)
	c.transmit(seg, now, false)
}

func (c *Connection) transmit(seg *inflightSegment, now time.Time, isRetransmit bool) {
	flags := ACKFlag
	if seg.fin {
		flags |= FINFlag
	}
	if len(seg.data) > 0 {
		flags |= PSHFlag
	}

	out := &Segment{
		SourcePort:        c.params.localPort,
		DestinationPort:   c.params.remotePort,
		SequenceNumber:    seg.seq,
		AcknowledgmentNum: c.rcvBuf.ackNum(),
		Flags:             flags,
		WindowSize:        c.advertisedWindow(),
		Payload:           seg.data,
		Conn:              c,
	}

	if isRetransmit {
		// a late ACK for the original transmission can release the pooled
		// chunk while this copy still sits in the writer's queue, so the
		// retransmission carries its own payload
		if len(seg.data) > 0 {
			data := make([]byte, len(seg.data))
			copy(data, seg.data)
			out.Payload = data
		}
		c.sndBuf.markRetransmitted(seg, now)
		c.metrics.Retransmissions.Add(1)
	} else {
		c.metrics.SegmentsSent.Add(1)
		c.metrics.BytesSent.Add(int64(len(seg.data)))
	}

	if seg.fin || isRetransmit {
		c.params.sigOutputChan <- out
	} else {
		c.params.outputChan <- out
	}

	if !c.retransArmed {
		c.armRetransmitTimer(c.rtt.timeout())
	}
}

func (c *Connection) sendAck() {
	c.params.sigOutputChan <- c.pureAck()
}

// sendWindowUpdate runs on the application's Read goroutine, so the enqueue
// is best-effort: if the writer is gone the peer's window probes take over.
func (c *Connection) sendWindowUpdate() {
	select {
	case c.params.sigOutputChan <- c.pureAck():
	default:
	}
}

func (c *Connection) pureAck() *Segment {
	return &Segment{
		SourcePort:        c.params.localPort,
		DestinationPort:   c.params.remotePort,
		SequenceNumber:    c.sndBuf.nextSeq(),
		AcknowledgmentNum: c.rcvBuf.ackNum(),
		Flags:             ACKFlag,
		WindowSize:        c.advertisedWindow(),
		Conn:              c,
	}
}

// onRetransmitTimeout fires when the oldest unacknowledged segment went
// unanswered for a full RTO: the strongest congestion signal.
func (c *Connection) onRetransmitTimeout(now time.Time) {
	seg := c.sndBuf.oldestUnacked()
	if seg == nil {
		return
	}

	c.metrics.Timeouts.Add(1)
	c.cc.onTimeout()
	c.rtt.backoff()
	log.Printf("Connection %s: retransmission timeout, resending SEQ %d\n", c.params.key, seg.seq)
	c.transmit(seg, now, true)
	c.armRetransmitTimer(c.rtt.timeout())
}

// fastRetransmit resends the oldest unacknowledged segment on duplicate-ACK
// evidence, without waiting for the timer.
func (c *Connection) fastRetransmit(now time.Time) {
	seg := c.sndBuf.oldestUnacked()
	if seg == nil {
		return
	}
	c.metrics.FastRetransmits.Add(1)
	c.transmit(seg, now, true)
}

// --- teardown ---

// markClosed flags the connection dead without the full teardown, used for
// handshake failures where no resources beyond the signal timer exist yet.
// Closing closeSignal here keeps later teardown calls from double-closing
// because isClosed is already set.
func (c *Connection) markClosed(cause error) {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.isClosed = true
	c.appErr = cause
	c.mu.Unlock()
	close(c.closeSignal)
}

// teardown releases everything the connection owns. Idempotent; callable
// from the event loop and from the application (Abort). Timers are stopped
// synchronously so nothing fires after destruction.
func (c *Connection) teardown(cause error, sendRst bool) {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return
	}
	c.isClosed = true
	c.appErr = cause
	c.state = StateClosed
	c.mu.Unlock()

	if sendRst {
		rst := &Segment{
			SourcePort:        c.params.localPort,
			DestinationPort:   c.params.remotePort,
			SequenceNumber:    c.sndBuf.nextSeq(),
			AcknowledgmentNum: c.rcvBuf.ackNum(),
			Flags:             RSTFlag | ACKFlag,
			WindowSize:        0,
			Conn:              c,
		}
		select {
		case c.params.sigOutputChan <- rst:
		default:
			// writer gone; the peer's timers will clean up
		}
	}

	c.stopConnSignalTimer()
	c.retransTimer.Stop()
	c.persistTimer.Stop()
	c.timeWaitTimer.Stop()
	if c.keepalive != nil {
		c.keepalive.Stop()
	}

	close(c.closeSignal)

	c.sndBuf.discard()
	if cause != nil {
		// an abort discards undelivered data; a graceful close lets the
		// application drain what already arrived
		c.rcvBuf.discard()
	}
	c.notifyReader()

	if c.params.connCloseSignalChan != nil {
		c.params.connCloseSignalChan <- c
	}
}

package lib

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/netsim-labs/stp/config"
	"github.com/pkg/errors"
)

const (
	ephemeralPortBase = 49152
	ephemeralPortSpan = 16384

	sendRetryLimit = 5
)

// Core is the protocol engine bound to one channel endpoint. It owns the
// reader and writer goroutines, demultiplexes incoming segments to client
// connections and listening services, and serializes outgoing segments onto
// the wire with signalling priority.
type Core struct {
	cfg        *config.Config
	connConfig *connectionConfig
	channel    Channel

	outputChan    chan *Segment
	sigOutputChan chan *Segment

	mu                sync.Mutex
	connectionMap     map[string]*Connection // established client connections
	tempConnectionMap map[string]*Connection // client connections mid handshake
	serviceMap        map[uint16]*Service
	usedPorts         map[uint16]bool
	isClosed          bool

	connCloseSignalChan chan *Connection
	serviceCloseSignal  chan *Service
	closeSignal         chan struct{}
	wg                  sync.WaitGroup

	metrics Metrics // engine-level counters: codec drops and wire traffic
}

// NewCore builds a protocol engine on top of channel. The payload pool is
// sized from cfg on first use.
func NewCore(channel Channel, cfg *config.Config) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "core configuration")
	}

	InitPool(cfg.PayloadPoolSize, cfg.MSS)

	c := &Core{
		cfg:        cfg,
		connConfig: newConnectionConfig(cfg),
		channel:    channel,

		outputChan:    make(chan *Segment, 64),
		sigOutputChan: make(chan *Segment, 64),

		connectionMap:     make(map[string]*Connection),
		tempConnectionMap: make(map[string]*Connection),
		serviceMap:        make(map[uint16]*Service),
		usedPorts:         make(map[uint16]bool),

		connCloseSignalChan: make(chan *Connection, 16),
		serviceCloseSignal:  make(chan *Service, 4),
		closeSignal:         make(chan struct{}),
	}

	c.wg.Add(3)
	go c.handleIncomingDatagrams()
	go c.handleOutgoingSegments()
	go c.handleCloseConnections()

	return c, nil
}

// Metrics exposes the engine's codec and wire counters.
func (c *Core) Metrics() *Metrics { return &c.metrics }

func (c *Core) localEndpoint() Endpoint { return c.channel.LocalEndpoint() }

func clientConnKey(remote Endpoint, remotePort, localPort uint16) string {
	return fmt.Sprintf("%s:%d:%d", remote, remotePort, localPort)
}

// Dial opens a connection to a remote endpoint's listening port, blocking
// through the 3-way handshake.
func (c *Core) Dial(remote Endpoint, remotePort uint16) (*Connection, error) {
	localPort, err := c.allocatePort()
	if err != nil {
		return nil, err
	}

	connKey := clientConnKey(remote, remotePort, localPort)
	params := &connectionParams{
		key:                 connKey,
		isServer:            false,
		localEndpoint:       c.localEndpoint(),
		remoteEndpoint:      remote,
		localPort:           localPort,
		remotePort:          remotePort,
		outputChan:          c.outputChan,
		sigOutputChan:       c.sigOutputChan,
		connCloseSignalChan: c.connCloseSignalChan,
	}
	conn, err := newConnection(params, c.connConfig)
	if err != nil {
		c.releasePort(localPort)
		return nil, err
	}

	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		c.releasePort(localPort)
		return nil, ErrConnectionClosed
	}
	c.tempConnectionMap[connKey] = conn
	c.mu.Unlock()

	err = conn.dial()

	c.mu.Lock()
	delete(c.tempConnectionMap, connKey)
	if err == nil {
		c.connectionMap[connKey] = conn
	}
	c.mu.Unlock()

	if err != nil {
		c.releasePort(localPort)
		return nil, err
	}

	conn.start()
	log.Printf("Connection established: %s\n", connKey)
	return conn, nil
}

// Listen opens a service on port. Segments addressed to the port flow to the
// returned service's Accept.
func (c *Core) Listen(port uint16) (*Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return nil, ErrConnectionClosed
	}
	if _, ok := c.serviceMap[port]; ok {
		return nil, fmt.Errorf("port %d is already listening", port)
	}
	if c.usedPorts[port] {
		return nil, fmt.Errorf("port %d is in use", port)
	}

	srv := newService(c, port, c.outputChan, c.sigOutputChan, c.serviceCloseSignal, c.connConfig)
	c.serviceMap[port] = srv
	c.usedPorts[port] = true
	log.Printf("Service listening on port %d\n", port)
	return srv, nil
}

func (c *Core) allocatePort() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for attempt := 0; attempt < ephemeralPortSpan; attempt++ {
		port := uint16(ephemeralPortBase + rand.Intn(ephemeralPortSpan))
		if !c.usedPorts[port] {
			c.usedPorts[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free local port")
}

func (c *Core) releasePort(port uint16) {
	c.mu.Lock()
	delete(c.usedPorts, port)
	c.mu.Unlock()
}

// handleIncomingDatagrams reads frames off the channel, decodes them and
// routes them. Frames that fail the codec are counted and dropped.
func (c *Core) handleIncomingDatagrams() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeSignal:
			return
		case dg, ok := <-c.channel.Recv():
			if !ok {
				return
			}
			packet, err := ParseSegment(dg.Payload)
			if err != nil {
				switch err.(type) {
				case *ChecksumError:
					c.metrics.ChecksumDrops.Add(1)
				case *MalformedError:
					c.metrics.MalformedDrops.Add(1)
				}
				log.Printf("Dropping frame from %s: %s\n", dg.From, err)
				continue
			}
			packet.RemoteEndpoint = dg.From
			c.metrics.SegmentsReceived.Add(1)
			c.dispatch(packet)
		}
	}
}

// dispatch routes one decoded segment: listening services first, then client
// connections by their full key.
func (c *Core) dispatch(packet *Segment) {
	c.mu.Lock()
	srv, ok := c.serviceMap[packet.DestinationPort]
	c.mu.Unlock()
	if ok && srv.dispatch(packet) {
		return
	}

	connKey := clientConnKey(packet.RemoteEndpoint, packet.SourcePort, packet.DestinationPort)
	c.mu.Lock()
	conn, ok := c.connectionMap[connKey]
	if !ok {
		conn, ok = c.tempConnectionMap[connKey]
	}
	c.mu.Unlock()
	if !ok {
		log.Printf("Received segment for non-existent connection: %s\n", connKey)
		packet.ReturnChunk()
		return
	}

	select {
	case conn.inputChannel <- packet:
	case <-conn.closeSignal:
		packet.ReturnChunk()
	}
}

// handleOutgoingSegments serializes segments onto the wire. Signalling
// segments always win over data segments when both are waiting.
func (c *Core) handleOutgoingSegments() {
	defer c.wg.Done()

	frame := make([]byte, SegmentHeaderLength+c.cfg.MSS)
	var packet *Segment

	for {
		select {
		case <-c.closeSignal:
			return
		case packet = <-c.sigOutputChan:
		default:
			select {
			case <-c.closeSignal:
				return
			case packet = <-c.sigOutputChan:
			case packet = <-c.outputChan:
			}
		}

		n, err := packet.Marshal(frame)
		if err != nil {
			log.Println("Dropping outgoing segment:", err)
			packet.ReturnChunk()
			continue
		}

		to := packet.Conn.params.remoteEndpoint
		for attempt := 0; ; attempt++ {
			err = c.channel.Send(frame[:n], to)
			if err == nil {
				c.metrics.SegmentsSent.Add(1)
				break
			}
			if !errors.Is(err, ErrTransient) || attempt >= sendRetryLimit {
				log.Printf("Send to %s failed: %s\n", to, err)
				break
			}
			time.Sleep(time.Duration(attempt+1) * time.Millisecond)
		}
		packet.ReturnChunk()
	}
}

// handleCloseConnections removes finished client connections and services.
func (c *Core) handleCloseConnections() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeSignal:
			return
		case conn := <-c.connCloseSignalChan:
			c.mu.Lock()
			_, ok := c.connectionMap[conn.params.key]
			if ok {
				delete(c.connectionMap, conn.params.key)
				delete(c.usedPorts, conn.params.localPort)
			}
			c.mu.Unlock()
			if ok {
				log.Printf("Connection %s terminated and removed.\n", conn.params.key)
			}
		case srv := <-c.serviceCloseSignal:
			c.mu.Lock()
			delete(c.serviceMap, srv.Port)
			delete(c.usedPorts, srv.Port)
			c.mu.Unlock()
			log.Printf("Service on port %d removed.\n", srv.Port)
		}
	}
}

// Close shuts down every service and connection, the engine goroutines and
// the underlying channel.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.isClosed {
		c.mu.Unlock()
		return nil
	}
	c.isClosed = true
	services := make([]*Service, 0, len(c.serviceMap))
	for _, srv := range c.serviceMap {
		services = append(services, srv)
	}
	conns := make([]*Connection, 0, len(c.connectionMap))
	for _, conn := range c.connectionMap {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, srv := range services {
		_ = srv.Close()
	}
	for _, conn := range conns {
		conn.Abort()
	}

	close(c.closeSignal)
	c.wg.Wait()
	c.channel.Close()
	log.Println("Core shut down.")
	return nil
}

package lib

import (
	"fmt"
	"log"
	"sync"
)

// Service represents one listening port. The parent Core forwards every
// segment addressed to the port into InputChannel; the service demultiplexes
// to open connections and runs the server side of the 3-way handshake for
// new ones.
type Service struct {
	core *Core
	Port uint16

	InputChannel              chan *Segment // incoming segments for all of this port's connections
	OutputChan, sigOutputChan chan *Segment

	mu            sync.Mutex
	connectionMap map[string]*Connection // open connections
	tempConnMap   map[string]*Connection // connections mid 3-way handshake
	isClosed      bool

	newConnChannel     chan *Connection // handshake completions waiting for Accept
	serviceCloseSignal chan *Service
	connCloseSignal    chan *Connection
	connSignalFailed   chan *Connection // temp connections whose SYN-ACK resends ran out
	closeSignal        chan struct{}
	wg                 sync.WaitGroup

	connConfig *connectionConfig
}

func newService(core *Core, port uint16, outputChan, sigOutputChan chan *Segment, serviceCloseSignal chan *Service, connConfig *connectionConfig) *Service {
	srv := &Service{
		core:               core,
		Port:               port,
		InputChannel:       make(chan *Segment, 64),
		OutputChan:         outputChan,
		sigOutputChan:      sigOutputChan,
		connectionMap:      make(map[string]*Connection),
		tempConnMap:        make(map[string]*Connection),
		newConnChannel:     make(chan *Connection),
		connCloseSignal:    make(chan *Connection, 16),
		connSignalFailed:   make(chan *Connection, 16),
		serviceCloseSignal: serviceCloseSignal,
		closeSignal:        make(chan struct{}),
		connConfig:         connConfig,
	}

	srv.wg.Add(2)
	go srv.handleIncomingSegments()
	go srv.handleCloseConnections()

	return srv
}

// Accept blocks until a connection finishes its handshake.
func (s *Service) Accept() (*Connection, error) {
	for {
		select {
		case <-s.closeSignal:
			return nil, fmt.Errorf("service on port %d is closed", s.Port)
		case newConn := <-s.newConnChannel:
			s.mu.Lock()
			_, ok := s.tempConnMap[newConn.params.key]
			if !ok {
				s.mu.Unlock()
				log.Printf("Handshake completed for unknown connection %s. Ignore it!\n", newConn.params.key)
				continue
			}
			delete(s.tempConnMap, newConn.params.key)
			s.connectionMap[newConn.params.key] = newConn
			s.mu.Unlock()

			newConn.start()

			log.Printf("New connection is ready: %s\n", newConn.params.key)
			return newConn, nil
		}
	}
}

// handleIncomingSegments is the service's dispatch loop.
func (s *Service) handleIncomingSegments() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closeSignal:
			log.Println("Closing service handleIncomingSegments go routine")
			return
		case packet := <-s.InputChannel:
			isSYN := packet.Flags&SYNFlag != 0
			isACK := packet.Flags&ACKFlag != 0

			if isSYN && !isACK {
				s.handleSynSegment(packet)
			} else {
				s.handleDataSegment(packet)
			}
		}
	}
}

// handleDataSegment forwards a segment to its open or in-handshake connection.
func (s *Service) handleDataSegment(packet *Segment) {
	connKey := fmt.Sprintf("%s:%d", packet.RemoteEndpoint, packet.SourcePort)

	s.mu.Lock()
	conn, ok := s.connectionMap[connKey]
	if ok {
		s.mu.Unlock()
		conn.inputChannel <- packet
		return
	}

	tempConn, ok := s.tempConnMap[connKey]
	s.mu.Unlock()
	if ok {
		if len(packet.Payload) == 0 {
			tempConn.inputChannel <- packet
			return
		}
		// data cannot be accepted until the handshake completes
		packet.ReturnChunk()
		return
	}

	log.Printf("Received segment for non-existent connection: %s\n", connKey)
	packet.ReturnChunk()
}

// handleSynSegment starts the server side of a new connection.
func (s *Service) handleSynSegment(packet *Segment) {
	connKey := fmt.Sprintf("%s:%d", packet.RemoteEndpoint, packet.SourcePort)

	s.mu.Lock()
	if _, ok := s.connectionMap[connKey]; ok {
		s.mu.Unlock()
		log.Printf("Received SYN for existing connection: %s. Ignore it.\n", connKey)
		return
	}
	if tempConn, ok := s.tempConnMap[connKey]; ok {
		s.mu.Unlock()
		// duplicate SYN; the temp connection's signal timer resends SYN-ACK
		tempConn.inputChannel <- packet
		return
	}
	s.mu.Unlock()

	connParams := &connectionParams{
		key:                      connKey,
		isServer:                 true,
		localEndpoint:            s.core.localEndpoint(),
		remoteEndpoint:           packet.RemoteEndpoint,
		localPort:                s.Port,
		remotePort:               packet.SourcePort,
		outputChan:               s.OutputChan,
		sigOutputChan:            s.sigOutputChan,
		connCloseSignalChan:      s.connCloseSignal,
		newConnChannel:           s.newConnChannel,
		connSignalFailedToParent: s.connSignalFailed,
	}
	newConn, err := newConnection(connParams, s.connConfig)
	if err != nil {
		log.Printf("Error creating new connection for %s: %s\n", connKey, err)
		return
	}

	s.mu.Lock()
	s.tempConnMap[connKey] = newConn
	s.mu.Unlock()

	newConn.wg.Add(1)
	go newConn.handle3WayHandshake()

	newConn.acceptSyn(packet)
	log.Printf("Sent SYN-ACK segment to: %s\n", connKey)
}

// handleCloseConnections removes dead connections from the maps.
func (s *Service) handleCloseConnections() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closeSignal:
			log.Println("Closing service handleCloseConnections go routine")
			return
		case conn := <-s.connSignalFailed:
			s.mu.Lock()
			delete(s.tempConnMap, conn.params.key)
			s.mu.Unlock()
			log.Printf("Handshake for connection %s gave up; removed.\n", conn.params.key)
		case conn := <-s.connCloseSignal:
			s.mu.Lock()
			_, ok := s.connectionMap[conn.params.key]
			if ok {
				delete(s.connectionMap, conn.params.key)
			}
			s.mu.Unlock()
			if !ok {
				log.Printf("Closed connection %s was not in the connection map\n", conn.params.key)
				continue
			}
			log.Printf("Connection %s terminated and removed.\n", conn.params.key)
		}
	}
}

// dispatch hands an incoming segment to this service unless it is closed.
func (s *Service) dispatch(packet *Segment) bool {
	s.mu.Lock()
	closed := s.isClosed
	s.mu.Unlock()
	if closed {
		return false
	}
	s.InputChannel <- packet
	return true
}

// Close shuts the service and every connection it owns.
func (s *Service) Close() error {
	log.Printf("Beginning shutdown of service on port %d...\n", s.Port)

	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	conns := make([]*Connection, 0, len(s.connectionMap))
	for _, conn := range s.connectionMap {
		conns = append(conns, conn)
	}
	temps := make([]*Connection, 0, len(s.tempConnMap))
	for _, tempConn := range s.tempConnMap {
		temps = append(temps, tempConn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Abort()
	}
	for _, tempConn := range temps {
		tempConn.stopConnSignalTimer()
		tempConn.signalFailedOnce.Do(func() { close(tempConn.connSignalFailed) })
	}

	close(s.closeSignal)
	s.wg.Wait()

	log.Println("Service resource cleared.")
	s.serviceCloseSignal <- s
	return nil
}

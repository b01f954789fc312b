package lib

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/netsim-labs/stp/config"
)

// Endpoint names one host on the simulated network.
type Endpoint string

// Datagram is one opaque frame handed between endpoints. The network may
// drop, duplicate, reorder or delay it.
type Datagram struct {
	Payload []byte
	From    Endpoint
}

// Channel is the unreliable datagram contract the transport core consumes.
// Send returns ErrTransient when the outbound queue is full; the caller
// retries with backoff. Recv delivers datagrams asynchronously, possibly out
// of order, duplicated, or not at all.
type Channel interface {
	Send(payload []byte, to Endpoint) error
	Recv() <-chan Datagram
	LocalEndpoint() Endpoint
	Close()
}

// SimNet is an in-memory network connecting named endpoints with configurable
// loss, duplication, reordering jitter and latency. Safe for concurrent sends
// from many connections.
type SimNet struct {
	cfg config.ChannelConfig

	mu         sync.Mutex
	nodes      map[Endpoint]*simNode
	closed     bool
	trace      *Tracer
	dropFilter DropFilter

	rngMu sync.Mutex
	rng   *rand.Rand

	wg sync.WaitGroup
}

type outboundFrame struct {
	datagram Datagram
	to       Endpoint
}

type simNode struct {
	net         *SimNet
	endpoint    Endpoint
	outbound    chan outboundFrame
	inbound     chan Datagram
	closeSignal chan struct{}
}

func NewSimNet(cfg config.ChannelConfig) *SimNet {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimNet{
		cfg:   cfg,
		nodes: make(map[Endpoint]*simNode),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// SetTrace attaches a tracer recording every datagram put on the wire.
func (n *SimNet) SetTrace(t *Tracer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trace = t
}

// DropFilter decides the fate of a single frame on the wire. Returning true
// kills the frame.
type DropFilter func(from, to Endpoint, frame []byte) bool

// SetDropFilter installs a frame-level drop predicate consulted before the
// stochastic loss rate. It makes losing one specific segment reproducible,
// which a loss probability cannot.
func (n *SimNet) SetDropFilter(f DropFilter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropFilter = f
}

// Attach registers an endpoint and returns its channel handle. Attaching the
// same endpoint twice is an error.
func (n *SimNet) Attach(ep Endpoint) (Channel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, fmt.Errorf("network is closed")
	}
	if _, ok := n.nodes[ep]; ok {
		return nil, fmt.Errorf("endpoint %s is already attached", ep)
	}

	node := &simNode{
		net:         n,
		endpoint:    ep,
		outbound:    make(chan outboundFrame, n.cfg.QueueDepth),
		inbound:     make(chan Datagram, 4*n.cfg.QueueDepth),
		closeSignal: make(chan struct{}),
	}
	n.nodes[ep] = node

	n.wg.Add(1)
	go node.pump()

	return node, nil
}

// Close tears the whole network down. In-flight datagrams are discarded.
func (n *SimNet) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	nodes := make([]*simNode, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	n.mu.Unlock()

	for _, node := range nodes {
		close(node.closeSignal)
	}
	n.wg.Wait()
}

func (n *SimNet) random() float64 {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64()
}

// deliver hands a datagram to the destination's inbound queue after the
// simulated propagation delay. A full inbound queue drops the datagram, same
// as a congested real link.
func (n *SimNet) deliver(d Datagram, to Endpoint) {
	delay := time.Duration(n.cfg.LatencyMs) * time.Millisecond
	if n.cfg.ReorderJitterMs > 0 {
		delay += time.Duration(n.random() * float64(n.cfg.ReorderJitterMs) * float64(time.Millisecond))
	}

	time.AfterFunc(delay, func() {
		n.mu.Lock()
		dest, ok := n.nodes[to]
		closed := n.closed
		n.mu.Unlock()
		if closed || !ok {
			return
		}
		select {
		case dest.inbound <- d:
		default:
			// receiver queue overrun, the datagram is lost
		}
	})
}

func (node *simNode) pump() {
	defer node.net.wg.Done()

	for {
		select {
		case <-node.closeSignal:
			return
		case f := <-node.outbound:
			d, to := f.datagram, f.to

			net := node.net
			net.mu.Lock()
			trace := net.trace
			filter := net.dropFilter
			net.mu.Unlock()
			if trace != nil {
				trace.Record(node.endpoint, to, d.Payload)
			}

			if filter != nil && filter(node.endpoint, to, d.Payload) {
				continue // killed by the filter
			}
			if net.cfg.LossRate > 0 && net.random() < net.cfg.LossRate {
				continue // lost on the wire
			}
			net.deliver(d, to)
			if net.cfg.DuplicationRate > 0 && net.random() < net.cfg.DuplicationRate {
				net.deliver(d, to)
			}
		}
	}
}

// Send enqueues payload for to. The payload is copied; the caller may reuse
// its buffer immediately.
func (node *simNode) Send(payload []byte, to Endpoint) error {
	frame := make([]byte, len(payload))
	copy(frame, payload)

	select {
	case node.outbound <- outboundFrame{datagram: Datagram{Payload: frame, From: node.endpoint}, to: to}:
		return nil
	default:
		return ErrTransient
	}
}

func (node *simNode) Recv() <-chan Datagram {
	return node.inbound
}

func (node *simNode) LocalEndpoint() Endpoint {
	return node.endpoint
}

// Close detaches this endpoint only.
func (node *simNode) Close() {
	node.net.mu.Lock()
	defer node.net.mu.Unlock()
	if _, ok := node.net.nodes[node.endpoint]; !ok {
		return
	}
	delete(node.net.nodes, node.endpoint)
	close(node.closeSignal)
}

package lib

import (
	"hash/fnv"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// tracePort is the UDP port the simulated frames claim, so traces group
// nicely in capture tooling.
const tracePort = 5700

// Tracer records every datagram put on the simulated wire into a pcap file.
// Each STP frame is wrapped in a synthetic Ethernet/IPv4/UDP envelope so the
// capture opens in standard tools. Endpoints map to stable fake addresses.
type Tracer struct {
	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
	buf    gopacket.SerializeBuffer
}

// NewTracer creates path and writes the pcap file header.
func NewTracer(path string) (*Tracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating trace file %s", path)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "writing pcap file header")
	}
	return &Tracer{
		file:   f,
		writer: w,
		buf:    gopacket.NewSerializeBuffer(),
	}, nil
}

// Record captures one frame travelling from one endpoint to another.
// Failures are swallowed; tracing never interferes with the simulation.
func (t *Tracer) Record(from, to Endpoint, frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		return
	}

	eth := &layers.Ethernet{
		SrcMAC:       endpointMAC(from),
		DstMAC:       endpointMAC(to),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    endpointIP(from),
		DstIP:    endpointIP(to),
	}
	udp := &layers.UDP{
		SrcPort: tracePort,
		DstPort: tracePort,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(t.buf, opts, eth, ip, udp, gopacket.Payload(frame)); err != nil {
		return
	}

	data := t.buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	t.writer.WritePacket(ci, data)
}

// Close flushes and closes the trace file.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.writer = nil
	return err
}

// endpointIP maps an endpoint name to a stable address in 10.0.0.0/8.
func endpointIP(ep Endpoint) net.IP {
	h := fnv.New32a()
	h.Write([]byte(ep))
	v := h.Sum32()
	return net.IPv4(10, byte(v>>16), byte(v>>8), byte(v))
}

func endpointMAC(ep Endpoint) net.HardwareAddr {
	h := fnv.New32a()
	h.Write([]byte(ep))
	v := h.Sum32()
	return net.HardwareAddr{0x02, 0x00, byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

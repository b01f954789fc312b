package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Segment is one STP transport segment. Immutable once constructed; the codec
// never touches connection state.
//
// Wire layout, big endian, 20 bytes of header followed by the payload:
//
//	0        2        4            8            12   13   14       16        18        20
//	| srcPort | dstPort | seqNum     | ackNum     | DO | fl | window | checksum | payLen |
//
// The checksum is the Internet one's-complement sum computed over the header
// with the checksum field zeroed plus the payload.
type Segment struct {
	SourcePort        uint16
	DestinationPort   uint16
	SequenceNumber    uint32 // byte offset of the first payload byte
	AcknowledgmentNum uint32
	Flags             uint8
	WindowSize        uint16 // receive window the sender of this segment advertises
	Checksum          uint16
	Payload           []byte

	RemoteEndpoint Endpoint    // incoming segments only: which channel endpoint sent it
	Conn           *Connection // outgoing segments only: which connection queued it
	chunk          *rp.Element // pooled storage backing Payload, nil if unpooled
}

// Marshal writes the segment into buffer and returns the frame length.
func (s *Segment) Marshal(buffer []byte) (int, error) {
	frameLength := SegmentHeaderLength + len(s.Payload)
	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}
	if len(s.Payload) > 0xffff {
		return 0, fmt.Errorf("payload length (%d) exceeds the 16-bit length field", len(s.Payload))
	}

	binary.BigEndian.PutUint16(buffer[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(buffer[2:4], s.DestinationPort)
	binary.BigEndian.PutUint32(buffer[4:8], s.SequenceNumber)
	binary.BigEndian.PutUint32(buffer[8:12], s.AcknowledgmentNum)
	buffer[12] = uint8(SegmentHeaderLength/4) << 4 // data offset in 32-bit words
	buffer[13] = s.Flags
	binary.BigEndian.PutUint16(buffer[14:16], s.WindowSize)
	binary.BigEndian.PutUint16(buffer[16:18], 0) // checksum computed last
	binary.BigEndian.PutUint16(buffer[18:20], uint16(len(s.Payload)))

	copy(buffer[SegmentHeaderLength:], s.Payload)

	checksum := CalculateChecksum(buffer[:frameLength])
	binary.BigEndian.PutUint16(buffer[16:18], checksum)

	return frameLength, nil
}

// ParseSegment decodes data into a fresh Segment. It returns *MalformedError
// when the bytes cannot be a segment and *ChecksumError when the checksum does
// not verify. It is a pure function; the payload is copied out of data.
func ParseSegment(data []byte) (*Segment, error) {
	if len(data) < SegmentHeaderLength {
		return nil, &MalformedError{Reason: fmt.Sprintf("length %d is shorter than the header", len(data))}
	}

	do := int(data[12]>>4) * 4
	if do < SegmentHeaderLength || do > len(data) {
		return nil, &MalformedError{Reason: fmt.Sprintf("data offset %d out of range", do)}
	}
	declared := int(binary.BigEndian.Uint16(data[18:20]))
	if declared != len(data)-do {
		return nil, &MalformedError{
			Reason: fmt.Sprintf("declared payload length %d disagrees with actual %d", declared, len(data)-do),
		}
	}

	received := binary.BigEndian.Uint16(data[16:18])
	computed := checksumWithZeroedField(data)
	if received != computed {
		return nil, &ChecksumError{Expected: computed, Got: received}
	}

	s := &Segment{
		SourcePort:        binary.BigEndian.Uint16(data[0:2]),
		DestinationPort:   binary.BigEndian.Uint16(data[2:4]),
		SequenceNumber:    binary.BigEndian.Uint32(data[4:8]),
		AcknowledgmentNum: binary.BigEndian.Uint32(data[8:12]),
		Flags:             data[13],
		WindowSize:        binary.BigEndian.Uint16(data[14:16]),
		Checksum:          received,
	}
	if declared > 0 {
		s.Payload = make([]byte, declared)
		copy(s.Payload, data[do:])
	}
	return s, nil
}

// checksumWithZeroedField computes the checksum of a received frame as if its
// checksum field were zero, without mutating the caller's buffer.
func checksumWithZeroedField(frame []byte) uint16 {
	var cksum uint32
	for i := 0; i+1 < len(frame); i += 2 {
		if i == 16 {
			continue // checksum field counts as zero
		}
		cksum += uint32(binary.BigEndian.Uint16(frame[i : i+2]))
	}
	if len(frame)%2 != 0 {
		cksum += uint32(frame[len(frame)-1]) << 8
	}
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += cksum >> 16
	return ^uint16(cksum)
}

// CalculateChecksum computes the Internet one's-complement checksum over buffer.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32

	for i := 0; i+1 < len(buffer); i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += cksum >> 16

	return ^uint16(cksum)
}

// CopyToPayload stores src in a pooled chunk and points Payload at it.
func (s *Segment) CopyToPayload(src []byte) error {
	if len(src) == 0 {
		return fmt.Errorf("segment.CopyToPayload: source slice is empty")
	}
	if Pool == nil {
		// pool not initialized, plain allocation
		s.Payload = make([]byte, len(src))
		copy(s.Payload, src)
		return nil
	}
	s.chunk = Pool.GetElement()
	if s.chunk == nil {
		return fmt.Errorf("segment.CopyToPayload: got a nil chunk")
	}
	if err := s.chunk.Data.(*Payload).Copy(src); err != nil {
		s.ReturnChunk()
		return fmt.Errorf("segment.CopyToPayload: %s", err)
	}
	s.Payload = s.chunk.Data.(*Payload).GetSlice()
	return nil
}

// ReturnChunk gives the pooled payload storage back. Safe to call twice.
func (s *Segment) ReturnChunk() {
	if s.chunk != nil {
		Pool.ReturnElement(s.chunk)
		s.chunk = nil
	}
}

// GenerateISN picks a random initial sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return 0, err
	}
	return isn, nil
}

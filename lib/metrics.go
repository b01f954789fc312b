package lib

import "sync/atomic"

// Metrics counts per-connection protocol events. All counters are safe for
// concurrent updates from the connection actor and the core goroutines.
type Metrics struct {
	SegmentsSent     atomic.Int64
	SegmentsReceived atomic.Int64
	BytesSent        atomic.Int64
	BytesDelivered   atomic.Int64
	Retransmissions  atomic.Int64
	FastRetransmits  atomic.Int64
	Timeouts         atomic.Int64
	WindowProbes     atomic.Int64
	DuplicateAcks    atomic.Int64
	ChecksumDrops    atomic.Int64
	MalformedDrops   atomic.Int64
	OutOfWindowDrops atomic.Int64
	DuplicateData    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	SegmentsSent     int64
	SegmentsReceived int64
	BytesSent        int64
	BytesDelivered   int64
	Retransmissions  int64
	FastRetransmits  int64
	Timeouts         int64
	WindowProbes     int64
	DuplicateAcks    int64
	ChecksumDrops    int64
	MalformedDrops   int64
	OutOfWindowDrops int64
	DuplicateData    int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		SegmentsSent:     m.SegmentsSent.Load(),
		SegmentsReceived: m.SegmentsReceived.Load(),
		BytesSent:        m.BytesSent.Load(),
		BytesDelivered:   m.BytesDelivered.Load(),
		Retransmissions:  m.Retransmissions.Load(),
		FastRetransmits:  m.FastRetransmits.Load(),
		Timeouts:         m.Timeouts.Load(),
		WindowProbes:     m.WindowProbes.Load(),
		DuplicateAcks:    m.DuplicateAcks.Load(),
		ChecksumDrops:    m.ChecksumDrops.Load(),
		MalformedDrops:   m.MalformedDrops.Load(),
		OutOfWindowDrops: m.OutOfWindowDrops.Load(),
		DuplicateData:    m.DuplicateData.Load(),
	}
}

package jitter

import (
	"sync"
	"time"
)

// Packet is an owned, depacketized RTP payload tagged with its RTP
// timestamp and the PTP time it arrived. A pointer returned by
// GetNextPacket is stable until the matching ReleasePacket.
type Packet struct {
	RTPTimestamp uint32
	ArrivalPTPNs uint64
	Samples      []int32
	FrameCount   int
}

// Stats is a snapshot of buffer occupancy and loss counters.
type Stats struct {
	Depth     int
	Target    int
	Min       int
	Max       int
	Underruns uint64
	Overruns  uint64
}

// RingWriter is the subset of ring.Ring the playout loop needs; defined
// here (rather than imported) so this package has no dependency on the
// ring package's concrete type.
type RingWriter interface {
	Write(src []int32, frames int) int
	WriteSilence(n int) int
}

// Buffer is the adaptive de-jitter buffer: packets are kept in an
// insertion-ordered queue sorted by RTP timestamp (modular comparison),
// released once their PTP playout deadline has passed.
type Buffer struct {
	mu sync.Mutex

	channels   int
	sampleRate uint32

	min, max int
	target   int

	packets              []*Packet
	underruns            uint64
	overruns             uint64
	underrunsSinceAdjust int
}

// New creates a Buffer with the given packet-count bounds. target
// starts at the midpoint (min+max)/2, per the adaptive depth rule.
func New(minPackets, maxPackets, channels int, sampleRate uint32) *Buffer {
	if minPackets < 1 {
		minPackets = 1
	}
	if maxPackets < minPackets {
		maxPackets = minPackets
	}
	return &Buffer{
		channels:   channels,
		sampleRate: sampleRate,
		min:        minPackets,
		max:        maxPackets,
		target:     (minPackets + maxPackets) / 2,
	}
}

// lessRTP orders two RTP timestamps using modular (wrap-aware) signed
// comparison, matching the depacketizer's sequence-gap rule.
func lessRTP(a, b uint32) bool {
	return int32(a-b) < 0
}

// Insert copies samples into buffer-owned storage and inserts the
// packet in rtp_timestamp order. At or above max capacity the new
// packet is tail-dropped and overruns is incremented. A tie on
// rtp_timestamp drops the later (newly-inserted) arrival.
func (b *Buffer) Insert(rtpTimestamp uint32, arrivalPTPNs uint64, samples []int32, frameCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.packets) >= b.max {
		b.overruns++
		return
	}

	idx := len(b.packets)
	for i, p := range b.packets {
		if p.RTPTimestamp == rtpTimestamp {
			return // tie: drop the later arrival
		}
		if lessRTP(rtpTimestamp, p.RTPTimestamp) {
			idx = i
			break
		}
	}

	owned := make([]int32, len(samples))
	copy(owned, samples)
	pkt := &Packet{RTPTimestamp: rtpTimestamp, ArrivalPTPNs: arrivalPTPNs, Samples: owned, FrameCount: frameCount}

	b.packets = append(b.packets, nil)
	copy(b.packets[idx+1:], b.packets[idx:])
	b.packets[idx] = pkt

	b.adjustDepth()
}

// adjustDepth applies the three-rule adaptive target update; caller
// must hold mu.
func (b *Buffer) adjustDepth() {
	if len(b.packets) >= b.max-1 && b.target < b.max {
		b.target++
	}
	if b.underrunsSinceAdjust > 0 {
		if b.target < b.max {
			b.target++
		}
		b.underrunsSinceAdjust = 0
	}
	if len(b.packets) > b.target+2 && b.underrunsSinceAdjust == 0 && b.target > b.min {
		b.target--
	}
}

// GetNextPacket returns the head packet once ptpNow has reached its
// playout deadline (arrival + target_packets * packet_duration). An
// empty buffer counts as an underrun. The returned pointer is valid
// until the matching ReleasePacket.
func (b *Buffer) GetNextPacket(ptpNow uint64) (*Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.packets) == 0 {
		b.underruns++
		b.underrunsSinceAdjust++
		return nil, false
	}

	head := b.packets[0]
	packetDurationNs := uint64(head.FrameCount) * 1_000_000_000 / uint64(b.sampleRate)
	deadline := head.ArrivalPTPNs + uint64(b.target)*packetDurationNs
	if ptpNow < deadline {
		return nil, false
	}
	return head, true
}

// ReleasePacket pops the head packet iff p references it, freeing its
// backing sample storage. Returns false if p is not the current head.
func (b *Buffer) ReleasePacket(p *Packet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.packets) == 0 || b.packets[0] != p {
		return false
	}
	b.packets[0] = nil
	b.packets = b.packets[1:]
	return true
}

// Reset drops all queued packets and their sample storage and
// reinitializes target to the midpoint, as on Stop.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packets = nil
	b.target = (b.min + b.max) / 2
	b.underrunsSinceAdjust = 0
}

// Stats returns a snapshot of occupancy and cumulative loss counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Depth:     len(b.packets),
		Target:    b.target,
		Min:       b.min,
		Max:       b.max,
		Underruns: b.underruns,
		Overruns:  b.overruns,
	}
}

// RunPlayout is the per-stream playout loop: every packetTimeUs, it
// reads nowPTP, attempts GetNextPacket, and on success writes the
// packet's frames to ring and releases it; on failure (not-ready or
// empty) it writes packetFrames of silence instead. It is the only
// writer of its RX-direction ring and returns when stop is closed.
func (b *Buffer) RunPlayout(stop <-chan struct{}, ring RingWriter, nowPTP func() uint64, packetTimeUs int, packetFrames int) {
	ticker := time.NewTicker(time.Duration(packetTimeUs) * time.Microsecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := nowPTP()
			pkt, ok := b.GetNextPacket(now)
			if ok {
				ring.Write(pkt.Samples, pkt.FrameCount)
				b.ReleasePacket(pkt)
			} else {
				ring.WriteSilence(packetFrames)
			}
		}
	}
}

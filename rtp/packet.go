package rtp

import (
	"fmt"

	"github.com/opd-ai/aes67vsc/enginerr"
	pionrtp "github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// PayloadTypeL24 is the dynamic RTP payload type used for L24 audio, per
// the engine's wire format (RFC 3190 carries no fixed static PT).
const PayloadTypeL24 = 96

const rtpVersion = 2

// Packetizer turns interleaved 32-bit sample containers into RTP L24
// packets for one outbound stream. It owns the monotonic sequence number
// and RTP timestamp for that stream; SSRC and channel/sample-rate are
// fixed at construction.
type Packetizer struct {
	ssrc       uint32
	channels   int
	sampleRate uint32

	sequence  uint16
	timestamp uint32
}

// NewPacketizer creates a Packetizer for one stream's fixed SSRC, channel
// count, and sample rate.
func NewPacketizer(ssrc uint32, channels int, sampleRate uint32) *Packetizer {
	logrus.WithFields(logrus.Fields{
		"function":    "NewPacketizer",
		"ssrc":        ssrc,
		"channels":    channels,
		"sample_rate": sampleRate,
	}).Info("creating RTP L24 packetizer")

	return &Packetizer{
		ssrc:       ssrc,
		channels:   channels,
		sampleRate: sampleRate,
	}
}

// Create encodes frameCount frames (frameCount*channels samples,
// interleaved) into one RTP packet, advancing sequence and timestamp for
// the next call. Zero frames or zero channels yield an empty packet and do
// not mutate sequencing state. This is a hot-path call: it allocates the
// payload slice and the returned packet buffer, and nothing else.
func (p *Packetizer) Create(samples []int32, frameCount int) []byte {
	if frameCount <= 0 || p.channels <= 0 {
		return nil
	}

	payloadLen := frameCount * p.channels * 3
	header := pionrtp.Header{
		Version:        rtpVersion,
		Padding:        false,
		Extension:      false,
		Marker:         false,
		PayloadType:    PayloadTypeL24,
		SequenceNumber: p.sequence,
		Timestamp:      p.timestamp,
		SSRC:           p.ssrc,
	}

	payload := make([]byte, payloadLen)
	for i := 0; i < frameCount*p.channels; i++ {
		encodeL24(samples[i], payload[i*3:i*3+3])
	}

	packet := pionrtp.Packet{Header: header, Payload: payload}
	buf, err := packet.Marshal()
	if err != nil {
		// Header fields are all in-range constants we control; Marshal
		// only fails on malformed extensions, which we never set.
		return nil
	}

	p.sequence++
	p.timestamp += uint32(frameCount)
	return buf
}

// Depacketizer extracts L24 samples from received RTP packets for one
// inbound stream and tracks sequence-number gaps as packet loss.
type Depacketizer struct {
	channels   int
	sampleRate uint32

	haveFirst     bool
	lastSequence  uint16
	lastTimestamp uint32
	packetLoss    uint64
}

// NewDepacketizer creates a Depacketizer for a fixed channel count and
// sample rate.
func NewDepacketizer(channels int, sampleRate uint32) *Depacketizer {
	logrus.WithFields(logrus.Fields{
		"function":    "NewDepacketizer",
		"channels":    channels,
		"sample_rate": sampleRate,
	}).Info("creating RTP L24 depacketizer")

	return &Depacketizer{channels: channels, sampleRate: sampleRate}
}

// Parse validates and decodes one received RTP packet into samples and
// returns them. The samples overwrite dst from index 0 when dst's capacity
// is large enough; otherwise a new slice is allocated. Malformed packets
// are rejected with an error the caller is expected to swallow and count,
// per the engine's packet-level error propagation policy.
func (d *Depacketizer) Parse(packet []byte, dst []int32) ([]int32, error) {
	var p pionrtp.Packet
	if err := p.Unmarshal(packet); err != nil {
		return nil, enginerr.New(enginerr.KindInvalidFormat, "rtp.Parse", fmt.Errorf("unmarshal: %w", err))
	}
	if p.Version != rtpVersion {
		return nil, enginerr.New(enginerr.KindInvalidFormat, "rtp.Parse", enginerr.ErrInvalidVersion)
	}
	if p.PayloadType != PayloadTypeL24 {
		return nil, enginerr.New(enginerr.KindInvalidFormat, "rtp.Parse", enginerr.ErrInvalidPayload)
	}

	bytesPerFrame := d.channels * 3
	if bytesPerFrame == 0 || len(p.Payload)%bytesPerFrame != 0 {
		return nil, enginerr.New(enginerr.KindInvalidFormat, "rtp.Parse", enginerr.ErrBadPayloadLen)
	}

	if !d.acceptSequence(p.SequenceNumber) {
		// out-of-order or duplicate: drop silently, caller continues.
		return nil, enginerr.New(enginerr.KindInvalidFormat, "rtp.Parse", fmt.Errorf("out-of-order sequence"))
	}

	d.lastTimestamp = p.Timestamp

	frameCount := len(p.Payload) / bytesPerFrame
	need := frameCount * d.channels
	if cap(dst) < need {
		dst = make([]int32, need)
	} else {
		dst = dst[:need]
	}
	for i := 0; i < need; i++ {
		dst[i] = decodeL24(p.Payload[i*3 : i*3+3])
	}
	return dst, nil
}

// acceptSequence applies the modular gap rule: gap = (seq - last_seq) mod
// 2^16, signed by treating values >= 2^15 as negative. gap>1 reports
// gap-1 lost packets; gap<0 rejects the packet as out-of-order/duplicate
// (acceptSequence returns false and leaves state unchanged).
func (d *Depacketizer) acceptSequence(seq uint16) bool {
	if !d.haveFirst {
		d.haveFirst = true
		d.lastSequence = seq
		return true
	}

	rawGap := int32(seq) - int32(d.lastSequence)
	gap := rawGap & 0xFFFF
	if gap >= 0x8000 {
		gap -= 0x10000
	}

	if gap < 0 {
		return false
	}
	if gap > 1 {
		d.packetLoss += uint64(gap - 1)
	}
	d.lastSequence = seq
	return true
}

// LastSequence returns the most recently accepted sequence number.
func (d *Depacketizer) LastSequence() uint16 { return d.lastSequence }

// LastTimestamp returns the RTP timestamp of the most recently accepted
// packet.
func (d *Depacketizer) LastTimestamp() uint32 { return d.lastTimestamp }

// PacketLoss returns the cumulative count of packets inferred lost from
// sequence-number gaps.
func (d *Depacketizer) PacketLoss() uint64 { return d.packetLoss }

// encodeL24 writes the top 24 bits of a 32-bit sample container,
// big-endian, into a 3-byte slice.
func encodeL24(sample int32, out []byte) {
	v := sample >> 8
	out[0] = byte(v >> 16)
	out[1] = byte(v >> 8)
	out[2] = byte(v)
}

// decodeL24 reads a big-endian 3-byte L24 sample, sign-extends bit 23 into
// bits 24-31, then left-shifts by 8 to restore the 32-bit container.
func decodeL24(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v |= ^int32(0xFFFFFF)
	}
	return v << 8
}

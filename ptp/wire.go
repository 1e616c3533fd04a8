package ptp

import (
	"encoding/binary"

	"github.com/opd-ai/aes67vsc/enginerr"
)

// Message types carried in the low nibble of header byte 0.
const (
	MsgSync      uint8 = 0x0
	MsgDelayReq  uint8 = 0x1
	MsgFollowUp  uint8 = 0x8
	MsgDelayResp uint8 = 0x9
	MsgAnnounce  uint8 = 0xB
)

// Multicast group and ports per the AES67/PTP profile.
const (
	MulticastAddr = "224.0.1.129"
	EventPort     = 319
	GeneralPort   = 320
)

const (
	headerSize    = 34
	timestampSize = 10
	syncBodySize  = headerSize + timestampSize
	announceSize  = headerSize + timestampSize + 2 + 1 + 1 + 4 + 1 + 8 + 2 + 1

	versionPTP = 2
)

// ClockIdentity is an EUI-64 PTP clock identity.
type ClockIdentity [8]byte

// String renders the identity as hyphen-separated hex octets, the form
// used in ts-refclk SDP attributes (e.g. "00-1B-21-FF-FE-AB-CD-EF").
func (c ClockIdentity) String() string {
	const hex = "0123456789ABCDEF"
	buf := make([]byte, 0, 23)
	for i, b := range c {
		if i > 0 {
			buf = append(buf, '-')
		}
		buf = append(buf, hex[b>>4], hex[b&0xF])
	}
	return string(buf)
}

// Header is the 34-byte PTPv2 common header.
type Header struct {
	MessageType         uint8
	DomainNumber        uint8
	FlagField           uint16
	CorrectionField     int64
	SourcePortIdentity  ClockIdentity
	SourcePortNumber    uint16
	SequenceID          uint16
	ControlField        uint8
	LogMessageInterval  int8
}

// Timestamp is a PTP 10-byte timestamp: 48-bit seconds + 32-bit
// nanoseconds, exposed here as 64-bit host values.
type Timestamp struct {
	Seconds     uint64 // low 48 bits significant
	Nanoseconds uint32
}

// ToNanoseconds converts a PTP timestamp to a single nanosecond count.
func (t Timestamp) ToNanoseconds() uint64 {
	return t.Seconds*1_000_000_000 + uint64(t.Nanoseconds)
}

// TimestampFromNanoseconds splits a nanosecond count into PTP seconds and
// nanoseconds fields.
func TimestampFromNanoseconds(ns uint64) Timestamp {
	return Timestamp{Seconds: ns / 1_000_000_000, Nanoseconds: uint32(ns % 1_000_000_000)}
}

func marshalHeader(h Header, messageLength uint16, buf []byte) {
	buf[0] = h.MessageType & 0x0F
	buf[1] = versionPTP
	binary.BigEndian.PutUint16(buf[2:4], messageLength)
	buf[4] = h.DomainNumber
	buf[5] = 0 // reserved
	binary.BigEndian.PutUint16(buf[6:8], h.FlagField)
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.CorrectionField))
	binary.BigEndian.PutUint32(buf[16:20], 0) // reserved
	copy(buf[20:28], h.SourcePortIdentity[:])
	binary.BigEndian.PutUint16(buf[28:30], h.SourcePortNumber)
	binary.BigEndian.PutUint16(buf[30:32], h.SequenceID)
	buf[32] = h.ControlField
	buf[33] = byte(h.LogMessageInterval)
}

func unmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, enginerr.New(enginerr.KindInvalidFormat, "ptp.unmarshalHeader", enginerr.ErrShortPacket)
	}
	if buf[1] != versionPTP {
		return Header{}, enginerr.New(enginerr.KindInvalidFormat, "ptp.unmarshalHeader", enginerr.ErrInvalidVersion)
	}
	var h Header
	h.MessageType = buf[0] & 0x0F
	h.DomainNumber = buf[4]
	h.FlagField = binary.BigEndian.Uint16(buf[6:8])
	h.CorrectionField = int64(binary.BigEndian.Uint64(buf[8:16]))
	copy(h.SourcePortIdentity[:], buf[20:28])
	h.SourcePortNumber = binary.BigEndian.Uint16(buf[28:30])
	h.SequenceID = binary.BigEndian.Uint16(buf[30:32])
	h.ControlField = buf[32]
	h.LogMessageInterval = int8(buf[33])
	return h, nil
}

func marshalTimestamp(ts Timestamp, buf []byte) {
	var secBuf [8]byte
	binary.BigEndian.PutUint64(secBuf[:], ts.Seconds)
	copy(buf[0:6], secBuf[2:8]) // low 48 bits
	binary.BigEndian.PutUint32(buf[6:10], ts.Nanoseconds)
}

func unmarshalTimestamp(buf []byte) Timestamp {
	var secBuf [8]byte
	copy(secBuf[2:8], buf[0:6])
	return Timestamp{
		Seconds:     binary.BigEndian.Uint64(secBuf[:]),
		Nanoseconds: binary.BigEndian.Uint32(buf[6:10]),
	}
}

// SyncMessage is a Sync or Follow_Up body: header + origin timestamp.
type SyncMessage struct {
	Header          Header
	OriginTimestamp Timestamp
}

// Marshal encodes a Sync/Follow_Up/Delay_Req/Delay_Resp message.
func (m SyncMessage) Marshal() []byte {
	buf := make([]byte, syncBodySize)
	marshalHeader(m.Header, syncBodySize, buf)
	marshalTimestamp(m.OriginTimestamp, buf[headerSize:])
	return buf
}

// UnmarshalSyncMessage parses a Sync/Follow_Up/Delay_Req/Delay_Resp body.
func UnmarshalSyncMessage(buf []byte) (SyncMessage, error) {
	h, err := unmarshalHeader(buf)
	if err != nil {
		return SyncMessage{}, err
	}
	if len(buf) < syncBodySize {
		return SyncMessage{}, enginerr.New(enginerr.KindInvalidFormat, "ptp.UnmarshalSyncMessage", enginerr.ErrShortPacket)
	}
	return SyncMessage{Header: h, OriginTimestamp: unmarshalTimestamp(buf[headerSize:])}, nil
}

// AnnounceMessage is the Announce body used by the optional master role.
type AnnounceMessage struct {
	Header                  Header
	OriginTimestamp         Timestamp
	GrandmasterPriority1    uint8
	GrandmasterClockQuality uint32
	GrandmasterPriority2    uint8
	GrandmasterIdentity     ClockIdentity
	StepsRemoved            uint16
	TimeSource              uint8
}

// Marshal encodes an Announce message.
func (m AnnounceMessage) Marshal() []byte {
	buf := make([]byte, announceSize)
	marshalHeader(m.Header, announceSize, buf)
	off := headerSize
	marshalTimestamp(m.OriginTimestamp, buf[off:])
	off += timestampSize
	off += 2 // currentUtcOffset, left zero
	off += 1 // reserved
	buf[off] = m.GrandmasterPriority1
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], m.GrandmasterClockQuality)
	off += 4
	buf[off] = m.GrandmasterPriority2
	off++
	copy(buf[off:off+8], m.GrandmasterIdentity[:])
	off += 8
	binary.BigEndian.PutUint16(buf[off:off+2], m.StepsRemoved)
	off += 2
	buf[off] = m.TimeSource
	return buf
}

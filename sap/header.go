package sap

import (
	"encoding/binary"
	"net"

	"github.com/opd-ai/aes67vsc/enginerr"
)

// Multicast group and port per RFC 2974.
const (
	MulticastAddr = "239.255.255.255"
	Port          = 9875
)

const (
	headerFixedLen = 4 // flags(1) + auth length(1) + message id hash(2)
	sapVersion     = 1
)

// Announcement is one SAP packet: a decoded header plus the raw SDP
// payload it carries.
type Announcement struct {
	StreamIndex uint16
	OriginIP    net.IP // always IPv4 in this profile
	Delete      bool   // T bit: false=announce, true=session deletion
	SDP         string
}

// flags byte 0 layout: V(3) A(1) R(1) T(1) E(1) C(1).
func encodeFlags(deleteMsg bool) byte {
	var t byte
	if deleteMsg {
		t = 1
	}
	return (sapVersion&0x7)<<5 | t<<2
}

func decodeFlags(b byte) (version uint8, addrIsV6 bool, deleteMsg bool) {
	version = (b >> 5) & 0x7
	addrIsV6 = (b>>4)&0x1 != 0
	deleteMsg = (b>>2)&0x1 != 0
	return
}

// EncodePacket builds the 8-byte SAP header (flags, auth length=0,
// message id, 4-byte IPv4 origin) followed by the SDP payload.
func EncodePacket(a Announcement) []byte {
	ip4 := a.OriginIP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}

	buf := make([]byte, headerFixedLen+len(ip4)+len(a.SDP))
	buf[0] = encodeFlags(a.Delete)
	buf[1] = 0 // auth length words
	binary.BigEndian.PutUint16(buf[2:4], a.StreamIndex)
	copy(buf[4:8], ip4)
	copy(buf[8:], a.SDP)
	return buf
}

// DecodePacket parses a SAP packet. It requires version=1 and an
// announcement or deletion with an IPv4 origin (no auth data support
// beyond skipping its declared length, per the discovery rule).
func DecodePacket(buf []byte) (Announcement, error) {
	if len(buf) < headerFixedLen+4 {
		return Announcement{}, enginerr.New(enginerr.KindInvalidFormat, "sap.DecodePacket", enginerr.ErrShortPacket)
	}

	version, addrIsV6, deleteMsg := decodeFlags(buf[0])
	if version != sapVersion {
		return Announcement{}, enginerr.New(enginerr.KindInvalidFormat, "sap.DecodePacket", enginerr.ErrInvalidVersion)
	}
	if addrIsV6 {
		return Announcement{}, enginerr.New(enginerr.KindInvalidFormat, "sap.DecodePacket", enginerr.ErrInvalidPayload)
	}

	authLenWords := int(buf[1])
	streamIndex := binary.BigEndian.Uint16(buf[2:4])

	offset := headerFixedLen
	if len(buf) < offset+4 {
		return Announcement{}, enginerr.New(enginerr.KindInvalidFormat, "sap.DecodePacket", enginerr.ErrShortPacket)
	}
	origin := net.IP(append([]byte(nil), buf[offset:offset+4]...))
	offset += 4

	skip := authLenWords * 4
	if len(buf) < offset+skip {
		return Announcement{}, enginerr.New(enginerr.KindInvalidFormat, "sap.DecodePacket", enginerr.ErrShortPacket)
	}
	offset += skip

	return Announcement{
		StreamIndex: streamIndex,
		OriginIP:    origin,
		Delete:      deleteMsg,
		SDP:         string(buf[offset:]),
	}, nil
}

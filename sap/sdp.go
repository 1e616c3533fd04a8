package sap

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/opd-ai/aes67vsc/enginerr"
)

// Session is a parsed or generated SDP session description, restricted
// to the grammar this profile recognizes.
type Session struct {
	Origin         string // verbatim o= body: "<username> <sess-id> <sess-version> IN IP4 <ip>"
	SessionName    string
	Info           string // i= body, optional
	ConnectionAddr string
	ConnectionTTL  int // 0 means absent
	Port           int
	PayloadType    int
	RTPMap         string // "L24/<rate>/<channels>"
	PacketTimeUs   int
	TSRefClock     string // a=ts-refclk value, optional
	MediaClk       string // a=mediaclk value, optional
	Recvonly       bool
	SyncTime       string // a=sync-time value, optional pass-through
}

// Generate renders a Session as CRLF-terminated SDP text. The v=, o=,
// s=, c=, t=, m=, rtpmap and ptime lines are always written; the optional
// fields (Info, ConnectionTTL, TSRefClock, MediaClk, Recvonly, SyncTime)
// are omitted when left at their zero value. Generate is the inverse of
// Parse on every field it writes.
func Generate(s Session) string {
	var b strings.Builder
	writeLine := func(line string) {
		b.WriteString(line)
		b.WriteString("\r\n")
	}

	writeLine("v=0")
	writeLine("o=" + s.Origin)
	writeLine("s=" + s.SessionName)
	if s.Info != "" {
		writeLine("i=" + s.Info)
	}
	conn := "IN IP4 " + s.ConnectionAddr
	if s.ConnectionTTL > 0 {
		conn = fmt.Sprintf("%s/%d", conn, s.ConnectionTTL)
	}
	writeLine("c=" + conn)
	writeLine("t=0 0")
	writeLine(fmt.Sprintf("m=audio %d RTP/AVP %d", s.Port, s.PayloadType))
	writeLine(fmt.Sprintf("a=rtpmap:%d %s", s.PayloadType, s.RTPMap))
	writeLine(fmt.Sprintf("a=ptime:%s", formatPtime(s.PacketTimeUs)))
	if s.TSRefClock != "" {
		writeLine("a=ts-refclk:" + s.TSRefClock)
	}
	if s.MediaClk != "" {
		writeLine("a=mediaclk:" + s.MediaClk)
	}
	if s.Recvonly {
		writeLine("a=recvonly")
	}
	if s.SyncTime != "" {
		writeLine("a=sync-time:" + s.SyncTime)
	}
	return b.String()
}

func formatPtime(packetTimeUs int) string {
	seconds := float64(packetTimeUs) / 1_000_000
	s := strconv.FormatFloat(seconds, 'f', -1, 64)
	return s
}

// Parse decodes SDP text (CRLF- or LF-terminated) into a Session.
// Unrecognized lines are ignored without error.
func Parse(text string) (Session, error) {
	var s Session
	sawVersion := false

	for _, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key, value := line[:eq], line[eq+1:]

		switch key {
		case "v":
			if value != "0" {
				return Session{}, enginerr.New(enginerr.KindInvalidFormat, "sap.Parse", enginerr.ErrSDPMalformed)
			}
			sawVersion = true
		case "o":
			s.Origin = value
		case "s":
			s.SessionName = value
		case "i":
			s.Info = value
		case "c":
			addr, ttl, err := parseConnection(value)
			if err != nil {
				return Session{}, err
			}
			s.ConnectionAddr = addr
			s.ConnectionTTL = ttl
		case "t":
			// fixed "0 0", nothing to store
		case "m":
			port, pt, err := parseMedia(value)
			if err != nil {
				return Session{}, err
			}
			s.Port = port
			s.PayloadType = pt
		case "a":
			if err := parseAttribute(value, &s); err != nil {
				return Session{}, err
			}
		}
	}

	if !sawVersion {
		return Session{}, enginerr.New(enginerr.KindInvalidFormat, "sap.Parse", enginerr.ErrSDPMalformed)
	}
	return s, nil
}

func parseConnection(value string) (addr string, ttl int, err error) {
	fields := strings.Fields(value)
	if len(fields) != 3 || fields[0] != "IN" || fields[1] != "IP4" {
		return "", 0, enginerr.New(enginerr.KindInvalidFormat, "sap.parseConnection", enginerr.ErrSDPMalformed)
	}
	addrPart := fields[2]
	if idx := strings.IndexByte(addrPart, '/'); idx >= 0 {
		addr = addrPart[:idx]
		ttl, err = strconv.Atoi(addrPart[idx+1:])
		if err != nil {
			return "", 0, enginerr.New(enginerr.KindInvalidFormat, "sap.parseConnection", enginerr.ErrSDPMalformed)
		}
		return addr, ttl, nil
	}
	return addrPart, 0, nil
}

func parseMedia(value string) (port, pt int, err error) {
	fields := strings.Fields(value)
	if len(fields) != 4 || fields[0] != "audio" || fields[2] != "RTP/AVP" {
		return 0, 0, enginerr.New(enginerr.KindInvalidFormat, "sap.parseMedia", enginerr.ErrSDPMalformed)
	}
	port, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, enginerr.New(enginerr.KindInvalidFormat, "sap.parseMedia", enginerr.ErrSDPMalformed)
	}
	pt, err = strconv.Atoi(fields[3])
	if err != nil {
		return 0, 0, enginerr.New(enginerr.KindInvalidFormat, "sap.parseMedia", enginerr.ErrSDPMalformed)
	}
	return port, pt, nil
}

func parseAttribute(value string, s *Session) error {
	switch {
	case value == "recvonly":
		s.Recvonly = true
	case strings.HasPrefix(value, "rtpmap:"):
		rest := strings.TrimPrefix(value, "rtpmap:")
		fields := strings.SplitN(rest, " ", 2)
		if len(fields) != 2 {
			return enginerr.New(enginerr.KindInvalidFormat, "sap.parseAttribute", enginerr.ErrSDPMalformed)
		}
		s.RTPMap = fields[1]
	case strings.HasPrefix(value, "ptime:"):
		seconds, err := strconv.ParseFloat(strings.TrimPrefix(value, "ptime:"), 64)
		if err != nil {
			return enginerr.New(enginerr.KindInvalidFormat, "sap.parseAttribute", enginerr.ErrSDPMalformed)
		}
		s.PacketTimeUs = int(math.Round(seconds * 1_000_000))
	case strings.HasPrefix(value, "ts-refclk:"):
		s.TSRefClock = strings.TrimPrefix(value, "ts-refclk:")
	case strings.HasPrefix(value, "mediaclk:"):
		s.MediaClk = strings.TrimPrefix(value, "mediaclk:")
	case strings.HasPrefix(value, "sync-time:"):
		s.SyncTime = strings.TrimPrefix(value, "sync-time:")
	}
	// unrecognized a= lines are ignored without error
	return nil
}

// SessionKey returns the map key discovery stores a session under: its
// name, or its origin if the name is empty.
func SessionKey(s Session) string {
	if s.SessionName != "" {
		return s.SessionName
	}
	return s.Origin
}

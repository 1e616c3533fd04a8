package sap

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/aes67vsc/enginerr"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// DefaultInterval is the default time between repeated announcements of
// every advertised stream.
const DefaultInterval = 30 * time.Second

// Entry pairs a stream index with the session description to advertise
// for it.
type Entry struct {
	StreamIndex int
	Session     Session
}

// Announcer periodically multicasts a SAP packet for each Entry
// returned by its source function.
type Announcer struct {
	interval time.Duration
	originIP net.IP
	source   func() []Entry

	conn    *net.UDPConn
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewAnnouncer creates an Announcer with the given interval (zero means
// DefaultInterval) and originating IPv4 address recorded in every
// packet's 4-byte origin field.
func NewAnnouncer(interval time.Duration, originIP net.IP, source func() []Entry) *Announcer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Announcer{interval: interval, originIP: originIP, source: source, stopCh: make(chan struct{})}
}

// Start binds the multicast destination socket, disables multicast
// loopback (so the announcer never receives its own packets), and
// spawns the announce loop.
func (a *Announcer) Start() error {
	if !a.running.CompareAndSwap(false, true) {
		return enginerr.ErrAlreadyRunning
	}

	dest := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: Port}
	conn, err := net.DialUDP("udp4", nil, dest)
	if err != nil {
		a.running.Store(false)
		return enginerr.NewAddr(enginerr.KindResource, "sap.Announcer.Start", dest.String(), err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetMulticastLoopback(false); err != nil {
		conn.Close()
		a.running.Store(false)
		return enginerr.New(enginerr.KindResource, "sap.Announcer.Start", err)
	}

	a.conn = conn
	a.wg.Add(1)
	go a.loop()
	return nil
}

// Stop idempotently tears down the announcer.
func (a *Announcer) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	close(a.stopCh)
	if a.conn != nil {
		a.conn.Close()
	}
	a.wg.Wait()
	a.stopCh = make(chan struct{})
}

func (a *Announcer) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.announceAll() // one immediate pass on start
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.announceAll()
		}
	}
}

func (a *Announcer) announceAll() {
	for _, e := range a.source() {
		a.announceOne(e, false)
	}
}

func (a *Announcer) announceOne(e Entry, del bool) {
	pkt := EncodePacket(Announcement{
		StreamIndex: uint16(e.StreamIndex),
		OriginIP:    a.originIP,
		Delete:      del,
		SDP:         Generate(e.Session),
	})
	if _, err := a.conn.Write(pkt); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Announcer.announceOne",
			"stream":   e.StreamIndex,
			"error":    err,
		}).Warn("failed to send SAP announcement")
	}
}

// AnnounceDeletion immediately sends a single deletion (T=1) packet for
// the given entry, outside the regular interval.
func (a *Announcer) AnnounceDeletion(e Entry) {
	if !a.running.Load() {
		return
	}
	a.announceOne(e, true)
}

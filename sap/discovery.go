package sap

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/opd-ai/aes67vsc/enginerr"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// UpdateFunc is invoked with every new or changed session, keyed the
// same way the internal map is (SessionKey).
type UpdateFunc func(key string, origin net.IP, s Session)

// Discoverer listens for SAP announcements and keeps a mutex-protected
// map of the sessions currently advertised.
type Discoverer struct {
	onUpdate UpdateFunc

	mu       sync.RWMutex
	sessions map[string]Session
	origins  map[string]net.IP

	conn    *net.UDPConn
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDiscoverer creates an empty Discoverer. onUpdate may be nil.
func NewDiscoverer(onUpdate UpdateFunc) *Discoverer {
	return &Discoverer{
		onUpdate: onUpdate,
		sessions: make(map[string]Session),
		origins:  make(map[string]net.IP),
		stopCh:   make(chan struct{}),
	}
}

// Start binds port 9875 with SO_REUSEADDR/SO_REUSEPORT, joins the SAP
// multicast group on the named interface, and spawns the receive loop.
func (d *Discoverer) Start(iface string) error {
	if !d.running.CompareAndSwap(false, true) {
		return enginerr.ErrAlreadyRunning
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", ":9875")
	if err != nil {
		d.running.Store(false)
		return enginerr.New(enginerr.KindResource, "sap.Discoverer.Start", err)
	}
	conn := pc.(*net.UDPConn)

	var ni *net.Interface
	if iface != "" {
		ni, err = net.InterfaceByName(iface)
		if err != nil {
			conn.Close()
			d.running.Store(false)
			return enginerr.NewAddr(enginerr.KindResource, "sap.Discoverer.Start", iface, err)
		}
	}

	p := ipv4.NewPacketConn(conn)
	group := &net.UDPAddr{IP: net.ParseIP(MulticastAddr)}
	if err := p.JoinGroup(ni, group); err != nil {
		conn.Close()
		d.running.Store(false)
		return enginerr.New(enginerr.KindResource, "sap.Discoverer.Start", err)
	}

	d.conn = conn
	d.wg.Add(1)
	go d.loop()
	return nil
}

// Stop idempotently tears down the discoverer.
func (d *Discoverer) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stopCh)
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
	d.stopCh = make(chan struct{})
}

func (d *Discoverer) loop() {
	defer d.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		d.handlePacket(buf[:n])
	}
}

func (d *Discoverer) handlePacket(buf []byte) {
	ann, err := DecodePacket(buf)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Discoverer.handlePacket",
			"error":    err,
		}).Debug("dropping malformed SAP packet")
		return
	}

	session, err := Parse(ann.SDP)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Discoverer.handlePacket",
			"error":    err,
		}).Debug("dropping unparseable SAP/SDP payload")
		return
	}

	key := SessionKey(session)
	if ann.Delete {
		d.mu.Lock()
		delete(d.sessions, key)
		delete(d.origins, key)
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	prev, had := d.sessions[key]
	prevOrigin := d.origins[key]
	d.sessions[key] = session
	d.origins[key] = ann.OriginIP
	d.mu.Unlock()

	changed := !had || prev != session || !prevOrigin.Equal(ann.OriginIP)
	if d.onUpdate != nil && changed {
		d.onUpdate(key, ann.OriginIP, session)
	}
}

// Names returns every currently-known session key.
func (d *Discoverer) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.sessions))
	for k := range d.sessions {
		names = append(names, k)
	}
	return names
}

// Lookup returns the session stored under key, if any.
func (d *Discoverer) Lookup(key string) (Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[key]
	return s, ok
}

// Origin returns the originating IPv4 address recorded for key, if any.
func (d *Discoverer) Origin(key string) (net.IP, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ip, ok := d.origins[key]
	return ip, ok
}

package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/aes67vsc/config"
	"github.com/opd-ai/aes67vsc/enginerr"
	"github.com/opd-ai/aes67vsc/ptp"
	"github.com/opd-ai/aes67vsc/ring"
	"github.com/opd-ai/aes67vsc/sap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Fixed topology per the engine's network-endpoint layout.
const (
	NumStreams        = 8
	ChannelsPerStream = 8
	SampleRate        = 48000
	AudioPort         = 5004

	ringFramesMultiple = 16 // ring capacity, in packet-sized multiples of headroom
)

func txMulticastAddr(streamIdx int) string { return fmt.Sprintf("239.69.1.%d", streamIdx+1) }
func rxMulticastAddr(streamIdx int) string { return fmt.Sprintf("239.69.2.%d", streamIdx+1) }

// ptpClock is the subset of *ptp.Clock the engine depends on, broken out
// so tests can substitute a fake.
type ptpClock interface {
	Start() error
	Stop()
	NowPTP() uint64
	HostToPTP(uint64) uint64
	PTPToHost(uint64) uint64
	IsLocked() bool
	OffsetNs() float64
	RateRatio() float64
	SetStatusCallback(ptp.StatusCallback)
}

type streamAnnouncer interface {
	Start() error
	Stop()
}

type streamDiscoverer interface {
	Start(iface string) error
	Stop()
	Names() []string
	Lookup(key string) (sap.Session, bool)
}

// Engine is the AES67 network engine orchestrator.
type Engine struct {
	cfg *config.Config

	clock      ptpClock
	announcer  streamAnnouncer
	discoverer streamDiscoverer

	tx [NumStreams]*txStream
	rx [NumStreams]*rxStream

	callbacks atomic.Pointer[Callbacks]

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	lastIOHostNs   atomic.Uint64
	lastIOSampleNs atomic.Uint64
}

// NewEngine builds an Engine from cfg. Sockets and goroutines are not
// created until Start.
func NewEngine(cfg *config.Config) *Engine {
	e := &Engine{cfg: cfg}
	e.callbacks.Store(&Callbacks{})

	clock := ptp.NewClock(ptp.Config{
		Domain:    cfg.PTPDomain,
		Interface: cfg.Interface,
		Role:      ptp.RoleSlave,
	})
	clock.SetStatusCallback(func(locked bool, offsetNs float64) {
		e.invokePTPStatus(locked, offsetNs)
	})
	e.clock = clock

	e.discoverer = sap.NewDiscoverer(nil)
	e.announcer = sap.NewAnnouncer(0, localOriginIP(cfg.Interface), e.announceEntries)

	for i := 0; i < NumStreams; i++ {
		e.tx[i] = newTxStream(i, cfg)
		e.rx[i] = newRxStream(i, cfg, e)
	}
	return e
}

func (e *Engine) invokePTPStatus(locked bool, offsetNs float64) {
	cb := e.callbacks.Load()
	if cb.OnPTPStatus == nil {
		return
	}
	defer e.recoverCallback("OnPTPStatus")
	cb.OnPTPStatus(locked, offsetNs)
}

func (e *Engine) invokeXrun(streamIdx int, isUnderrun bool) {
	cb := e.callbacks.Load()
	if cb.OnXrun == nil {
		return
	}
	defer e.recoverCallback("OnXrun")
	cb.OnXrun(streamIdx, isUnderrun)
}

func (e *Engine) invokeError(message string) {
	cb := e.callbacks.Load()
	if cb.OnError == nil {
		return
	}
	defer e.recoverCallback("OnError")
	cb.OnError(message)
}

func (e *Engine) recoverCallback(name string) {
	if r := recover(); r != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.recoverCallback",
			"callback": name,
			"panic":    r,
		}).Error("callback panicked, continuing")
	}
}

// SetCallbacks installs cb as the engine's event callbacks, replacing
// any previous set.
func (e *Engine) SetCallbacks(cb Callbacks) {
	e.callbacks.Store(&cb)
}

// Start brings up the PTP clock, every stream's socket and goroutines,
// and the SAP announce/discovery goroutines. On any failure it rolls
// back everything already started and returns the error; the engine
// remains stoppable-and-restartable either way.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.CompareAndSwap(false, true) {
		return enginerr.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	if err := e.clock.Start(); err != nil {
		e.running.Store(false)
		cancel()
		return err
	}

	started := make([]*txStream, 0, NumStreams)
	for _, s := range e.tx {
		if err := s.open(); err != nil {
			e.rollbackStart(started, nil, cancel)
			return err
		}
		started = append(started, s)
	}
	startedRx := make([]*rxStream, 0, NumStreams)
	for _, s := range e.rx {
		if err := s.open(); err != nil {
			e.rollbackStart(started, startedRx, cancel)
			return err
		}
		startedRx = append(startedRx, s)
	}

	for _, s := range e.tx {
		s.run(gctx, g)
	}
	for _, s := range e.rx {
		s.run(gctx, g)
	}

	if err := e.discoverer.Start(e.cfg.Interface); err != nil {
		e.rollbackStart(started, startedRx, cancel)
		e.clock.Stop()
		e.running.Store(false)
		return err
	}
	if err := e.announcer.Start(); err != nil {
		e.discoverer.Stop()
		e.rollbackStart(started, startedRx, cancel)
		e.clock.Stop()
		e.running.Store(false)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Engine.Start",
		"interface": e.cfg.Interface,
		"streams":   NumStreams,
	}).Info("engine started")
	return nil
}

func (e *Engine) rollbackStart(tx []*txStream, rx []*rxStream, cancel context.CancelFunc) {
	cancel()
	for _, s := range tx {
		s.close()
	}
	for _, s := range rx {
		s.close()
	}
	e.clock.Stop()
	e.running.Store(false)
}

// Stop idempotently tears down every goroutine and socket. It never
// fails: errgroup errors are logged, not returned.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.announcer.Stop()
	e.discoverer.Stop()
	e.cancel()

	for _, s := range e.tx {
		s.close()
	}
	for _, s := range e.rx {
		s.close()
	}
	e.clock.Stop()

	if err := e.group.Wait(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.Stop",
			"error":    err,
		}).Warn("stream goroutine exited with error")
	}
}

// NowPTPNs returns the current PTP time, or 0 while unlocked.
func (e *Engine) NowPTPNs() uint64 { return e.clock.NowPTP() }

// HostToPTP maps a host-time nanosecond value to PTP time.
func (e *Engine) HostToPTP(h uint64) uint64 { return e.clock.HostToPTP(h) }

// PTPToHost maps a PTP-time nanosecond value to host time.
func (e *Engine) PTPToHost(p uint64) uint64 { return e.clock.PTPToHost(p) }

// IsPTPLocked reports the PTP servo's current lock state.
func (e *Engine) IsPTPLocked() bool { return e.clock.IsLocked() }

// PTPOffsetNs returns the most recently observed PTP offset.
func (e *Engine) PTPOffsetNs() float64 { return e.clock.OffsetNs() }

// RateScalar returns the current affine slope (servo rate ratio).
func (e *Engine) RateScalar() float64 { return e.clock.RateRatio() }

// InputRing returns the RX-direction ring for stream idx: audio arriving
// from the network, read by the host audio callback.
func (e *Engine) InputRing(idx int) (*ring.Ring, error) {
	if idx < 0 || idx >= NumStreams {
		return nil, enginerr.New(enginerr.KindInvalidOperation, "Engine.InputRing", enginerr.ErrStreamIndex)
	}
	return e.rx[idx].ringBuf, nil
}

// OutputRing returns the TX-direction ring for stream idx: audio the
// host writes, transmitted to the network.
func (e *Engine) OutputRing(idx int) (*ring.Ring, error) {
	if idx < 0 || idx >= NumStreams {
		return nil, enginerr.New(enginerr.KindInvalidOperation, "Engine.OutputRing", enginerr.ErrStreamIndex)
	}
	return e.tx[idx].ringBuf, nil
}

// NotifyIOCycle records the host time and sample time of the most
// recent audio I/O cycle. Advisory only; no scheduling decision
// currently reads it.
func (e *Engine) NotifyIOCycle(hostTimeNs uint64, sampleTime uint64) {
	e.lastIOHostNs.Store(hostTimeNs)
	e.lastIOSampleNs.Store(sampleTime)
}

// DiscoveredStreamNames returns every session key currently known to
// the SAP discoverer.
func (e *Engine) DiscoveredStreamNames() []string { return e.discoverer.Names() }

// DiscoveredStream returns the SDP session stored under name, if any.
func (e *Engine) DiscoveredStream(name string) (sap.Session, bool) { return e.discoverer.Lookup(name) }

// announceEntries builds the SAP entries for this engine's own TX
// streams, advertised every announce interval.
func (e *Engine) announceEntries() []sap.Entry {
	entries := make([]sap.Entry, 0, NumStreams)
	for i, s := range e.tx {
		entries = append(entries, sap.Entry{
			StreamIndex: i,
			Session:     s.sessionDescription(),
		})
	}
	return entries
}

func localOriginIP(iface string) net.IP {
	ni, err := net.InterfaceByName(iface)
	if err != nil {
		return net.IPv4zero
	}
	addrs, err := ni.Addrs()
	if err != nil {
		return net.IPv4zero
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4
			}
		}
	}
	return net.IPv4zero
}

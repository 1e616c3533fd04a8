package ptp

import (
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/aes67vsc/enginerr"
	"github.com/sirupsen/logrus"
)

// Role selects whether a Clock runs the slave (default) or master role.
type Role int

const (
	RoleSlave Role = iota
	RoleMaster
)

// LockState models the slave state machine: Init -> Listening ->
// Acquiring -> Locked -> (drift) Holdover -> Locked | Lost.
type LockState int

const (
	StateInit LockState = iota
	StateListening
	StateAcquiring
	StateLocked
	StateHoldover
	StateLost
)

func (s LockState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateListening:
		return "listening"
	case StateAcquiring:
		return "acquiring"
	case StateLocked:
		return "locked"
	case StateHoldover:
		return "holdover"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// TimeProvider abstracts wall-clock host time, following the module's
// injectable-time-source pattern for deterministic tests.
type TimeProvider interface {
	NowNs() uint64
	NewTicker(d time.Duration) *time.Ticker
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

func (RealTimeProvider) NowNs() uint64                      { return uint64(time.Now().UnixNano()) }
func (RealTimeProvider) NewTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }

// StatusCallback is invoked on every lock/unlock transition.
type StatusCallback func(locked bool, offsetNs float64)

// Config configures a Clock. Zero values take the documented defaults.
type Config struct {
	Domain    uint8
	Interface string
	Role      Role

	Kp, Ki float64 // default DefaultKp, DefaultKi

	// MissedSyncsForHoldover is how many consecutive missed sync
	// intervals (slave role) trigger a transition out of Locked into
	// Holdover and an unlocked status callback.
	MissedSyncsForHoldover int // default 3

	SyncIntervalLog     int8 // master role, default -3 (8 Hz)
	AnnounceIntervalLog int8 // master role, default 0 (1 Hz)

	TimeProvider TimeProvider
}

func (c *Config) applyDefaults() {
	if c.Kp == 0 {
		c.Kp = DefaultKp
	}
	if c.Ki == 0 {
		c.Ki = DefaultKi
	}
	if c.MissedSyncsForHoldover == 0 {
		c.MissedSyncsForHoldover = 3
	}
	if c.SyncIntervalLog == 0 {
		c.SyncIntervalLog = -3
	}
	if c.TimeProvider == nil {
		c.TimeProvider = RealTimeProvider{}
	}
}

// affineSnapshot is an immutable published view of the host<->PTP affine
// mapping; the servo goroutine is the sole writer via atomic pointer
// swap, every other goroutine reads it lock-free.
type affineSnapshot struct {
	anchorHost uint64
	anchorPTP  uint64
	slope      float64
}

// Clock is a PTPv2 ordinary clock: slave servo/affine discipline, with an
// optional master-emission role.
type Clock struct {
	cfg      Config
	identity ClockIdentity

	affine atomic.Pointer[affineSnapshot]

	mu          sync.Mutex
	servo       *servo
	state       LockState
	lastSyncNs  uint64
	haveLastSync bool

	statusMu sync.RWMutex
	status   StatusCallback

	eventConn   *net.UDPConn
	generalConn *net.UDPConn

	running    atomic.Bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	sequenceID uint16

	pendingTwoStep map[uint16]uint64 // sequenceID -> receive host time, for two-step Sync/Follow_Up pairing
}

// NewClock creates a Clock in the Init state. Start binds sockets and
// spawns the receive (and, for RoleMaster, send) goroutines.
func NewClock(cfg Config) *Clock {
	cfg.applyDefaults()
	c := &Clock{
		cfg:            cfg,
		servo:          newServo(cfg.Kp, cfg.Ki),
		state:          StateInit,
		stopCh:         make(chan struct{}),
		pendingTwoStep: make(map[uint16]uint64),
	}
	c.affine.Store(&affineSnapshot{slope: 1.0})
	return c
}

// SetStatusCallback registers the callback invoked on lock/unlock
// transitions. It must not block and must not re-enter the engine.
func (c *Clock) SetStatusCallback(cb StatusCallback) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.status = cb
}

func (c *Clock) fireStatus(locked bool, offsetNs float64) {
	c.statusMu.RLock()
	cb := c.status
	c.statusMu.RUnlock()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Clock.fireStatus",
				"panic":    r,
			}).Error("status callback panicked, continuing")
		}
	}()
	cb(locked, offsetNs)
}

// Start resolves the configured interface, binds the PTP event/general
// sockets on INADDR_ANY, joins the PTP multicast group, and spawns the
// receive loop (plus, in master role, the Announce/Sync send loop and the
// Delay_Req responder).
func (c *Clock) Start() error {
	if c.running.Load() {
		return enginerr.ErrAlreadyRunning
	}

	identity, err := ClockIdentityFromInterface(c.cfg.Interface)
	if err != nil {
		return err
	}
	c.identity = identity

	group := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: EventPort}
	eventConn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return enginerr.NewAddr(enginerr.KindResource, "ptp.Start", group.String(), err)
	}
	generalGroup := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: GeneralPort}
	generalConn, err := net.ListenMulticastUDP("udp4", nil, generalGroup)
	if err != nil {
		eventConn.Close()
		return enginerr.NewAddr(enginerr.KindResource, "ptp.Start", generalGroup.String(), err)
	}

	c.eventConn = eventConn
	c.generalConn = generalConn
	c.running.Store(true)
	c.setState(StateListening)

	c.wg.Add(1)
	go c.receiveLoop()

	if c.cfg.Role == RoleMaster {
		c.wg.Add(2)
		go c.masterSendLoop()
		go c.delayRequestResponder()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Clock.Start",
		"interface": c.cfg.Interface,
		"domain":    c.cfg.Domain,
		"role":      c.cfg.Role,
	}).Info("PTP clock started")
	return nil
}

// Stop idempotently tears down sockets and joins every spawned goroutine.
func (c *Clock) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
	if c.eventConn != nil {
		c.eventConn.Close()
	}
	if c.generalConn != nil {
		c.generalConn.Close()
	}
	c.wg.Wait()
	c.stopCh = make(chan struct{})
}

func (c *Clock) setState(s LockState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the current slave state-machine state.
func (c *Clock) State() LockState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NowPTP returns 0 while unlocked (Init/Listening/Acquiring/Lost);
// otherwise the current PTP time from the affine mapping, including
// during Holdover (extrapolated from the last anchor/slope).
func (c *Clock) NowPTP() uint64 {
	if c.State() == StateInit || c.State() == StateListening || c.State() == StateAcquiring || c.State() == StateLost {
		return 0
	}
	return c.HostToPTP(c.cfg.TimeProvider.NowNs())
}

// HostToPTP applies the published affine mapping: ptp = anchorPTP +
// slope*(host-anchorHost).
func (c *Clock) HostToPTP(hostNs uint64) uint64 {
	snap := c.affine.Load()
	delta := int64(hostNs) - int64(snap.anchorHost)
	ptpDelta := int64(math.Round(snap.slope * float64(delta)))
	return uint64(int64(snap.anchorPTP) + ptpDelta)
}

// PTPToHost is the inverse of HostToPTP.
func (c *Clock) PTPToHost(ptpNs uint64) uint64 {
	snap := c.affine.Load()
	delta := int64(ptpNs) - int64(snap.anchorPTP)
	hostDelta := int64(math.Round(float64(delta) / snap.slope))
	return uint64(int64(snap.anchorHost) + hostDelta)
}

// IsLocked reports the current servo lock state.
func (c *Clock) IsLocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servo.isLocked()
}

// OffsetNs returns the offset measured by the most recent Sync
// observation, in nanoseconds, whether or not the servo is locked.
func (c *Clock) OffsetNs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servo.offset()
}

// RateRatio returns the current servo rate ratio (the affine slope).
func (c *Clock) RateRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servo.rate()
}

// ObserveSync applies one Sync observation: offset = (hostNs -
// masterOriginNs) - pathDelayNs, updates the PI servo, publishes a new
// affine anchor at this host time, and advances the lock state machine.
// The receive loop always passes pathDelayNs = 0: the clock never issues
// Delay_Req, so the offset carries the uncorrected path-delay bias.
func (c *Clock) ObserveSync(masterOriginNs, hostNs uint64, pathDelayNs int64) {
	errorNs := float64(int64(hostNs)-int64(masterOriginNs)) - float64(pathDelayNs)

	c.mu.Lock()
	rate, transitioned := c.servo.update(errorNs)
	wasLocked := false
	switch c.state {
	case StateLocked, StateHoldover:
		wasLocked = true
	}
	relocked := c.state == StateHoldover && c.servo.isLocked()
	c.affine.Store(&affineSnapshot{anchorHost: hostNs, anchorPTP: masterOriginNs, slope: rate})
	c.lastSyncNs = hostNs
	c.haveLastSync = true

	switch c.state {
	case StateInit, StateListening:
		c.state = StateAcquiring
	}
	if c.servo.isLocked() {
		c.state = StateLocked
	} else if wasLocked {
		// lost lock mid-flight without going through holdover first;
		// treat as re-acquiring.
		c.state = StateAcquiring
	}
	locked := c.servo.isLocked()
	offset := c.servo.offset()
	c.mu.Unlock()

	if transitioned || relocked {
		c.fireStatus(locked, offset)
	}
}

// checkHoldover is invoked periodically by the receive loop's ticker; if
// more than MissedSyncsForHoldover sync intervals have elapsed since the
// last accepted Sync while locked, it transitions to Holdover and fires
// an unlocked callback (the affine mapping keeps extrapolating from the
// last anchor/slope; NowPTP keeps advancing).
func (c *Clock) checkHoldover(intervalNs uint64) {
	now := c.cfg.TimeProvider.NowNs()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveLastSync || c.state != StateLocked {
		return
	}
	missed := now - c.lastSyncNs
	if missed <= intervalNs*uint64(c.cfg.MissedSyncsForHoldover) {
		return
	}
	c.state = StateHoldover
	locked := false
	offset := c.servo.offset()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.fireStatus(locked, offset)
	}()
}

func (c *Clock) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, 1500)
	ticker := c.cfg.TimeProvider.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.eventConn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := c.eventConn.ReadFromUDP(buf)
		if err == nil {
			c.handleEventMessage(buf[:n])
		}

		select {
		case <-ticker.C:
			c.checkHoldover(syncIntervalNs(c.cfg.SyncIntervalLog))
		default:
		}
	}
}

func (c *Clock) handleEventMessage(buf []byte) {
	msg, err := UnmarshalSyncMessage(buf)
	if err != nil {
		return
	}
	if msg.Header.DomainNumber != c.cfg.Domain {
		return
	}

	recvHost := c.cfg.TimeProvider.NowNs()
	twoStep := msg.Header.FlagField&0x0200 != 0

	switch msg.Header.MessageType {
	case MsgSync:
		if twoStep {
			c.mu.Lock()
			c.pendingTwoStep[msg.Header.SequenceID] = recvHost
			c.mu.Unlock()
			return
		}
		c.ObserveSync(msg.OriginTimestamp.ToNanoseconds(), recvHost, 0)
	case MsgFollowUp:
		c.mu.Lock()
		recv, ok := c.pendingTwoStep[msg.Header.SequenceID]
		if ok {
			delete(c.pendingTwoStep, msg.Header.SequenceID)
		}
		c.mu.Unlock()
		if ok {
			c.ObserveSync(msg.OriginTimestamp.ToNanoseconds(), recv, 0)
		}
	}
}

func syncIntervalNs(logInterval int8) uint64 {
	seconds := math.Pow(2, float64(logInterval))
	return uint64(seconds * 1e9)
}

// --- Master role ---

const (
	masterPriority1     = 128
	masterClockClass     = 248
	masterClockAccuracy  = 0xFE
	masterTimeSource     = 0xA0
)

func (c *Clock) masterSendLoop() {
	defer c.wg.Done()

	syncInterval := time.Duration(syncIntervalNs(c.cfg.SyncIntervalLog))
	announceInterval := time.Duration(syncIntervalNs(c.cfg.AnnounceIntervalLog))
	if syncInterval <= 0 {
		syncInterval = time.Second / 8
	}
	if announceInterval <= 0 {
		announceInterval = time.Second
	}

	syncTicker := c.cfg.TimeProvider.NewTicker(syncInterval)
	announceTicker := c.cfg.TimeProvider.NewTicker(announceInterval)
	defer syncTicker.Stop()
	defer announceTicker.Stop()

	dest := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: EventPort}
	generalDest := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: GeneralPort}

	for {
		select {
		case <-c.stopCh:
			return
		case <-syncTicker.C:
			c.sendSync(dest)
		case <-announceTicker.C:
			c.sendAnnounce(generalDest)
		}
	}
}

func (c *Clock) sendSync(dest *net.UDPAddr) {
	c.sequenceID++
	msg := SyncMessage{
		Header: Header{
			MessageType:        MsgSync,
			DomainNumber:       c.cfg.Domain,
			SourcePortIdentity: c.identity,
			SourcePortNumber:   1,
			SequenceID:         c.sequenceID,
			LogMessageInterval: c.cfg.SyncIntervalLog,
		},
		OriginTimestamp: TimestampFromNanoseconds(c.cfg.TimeProvider.NowNs()),
	}
	c.eventConn.WriteToUDP(msg.Marshal(), dest)
}

func (c *Clock) sendAnnounce(dest *net.UDPAddr) {
	c.sequenceID++
	msg := AnnounceMessage{
		Header: Header{
			MessageType:        MsgAnnounce,
			DomainNumber:       c.cfg.Domain,
			SourcePortIdentity: c.identity,
			SourcePortNumber:   1,
			SequenceID:         c.sequenceID,
			LogMessageInterval: c.cfg.AnnounceIntervalLog,
		},
		OriginTimestamp:         TimestampFromNanoseconds(c.cfg.TimeProvider.NowNs()),
		GrandmasterPriority1:    masterPriority1,
		GrandmasterClockQuality: uint32(masterClockClass)<<24 | uint32(masterClockAccuracy)<<16,
		GrandmasterPriority2:    masterPriority1,
		GrandmasterIdentity:     c.identity,
		StepsRemoved:            0,
		TimeSource:              masterTimeSource,
	}
	c.generalConn.WriteToUDP(msg.Marshal(), dest)
}

func (c *Clock) delayRequestResponder() {
	defer c.wg.Done()

	buf := make([]byte, 1500)
	generalDest := &net.UDPAddr{IP: net.ParseIP(MulticastAddr), Port: GeneralPort}

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.eventConn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := c.eventConn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		msg, err := UnmarshalSyncMessage(buf[:n])
		if err != nil || msg.Header.MessageType != MsgDelayReq {
			continue
		}

		recvNs := c.cfg.TimeProvider.NowNs()
		resp := SyncMessage{
			Header: Header{
				MessageType:        MsgDelayResp,
				DomainNumber:       c.cfg.Domain,
				SourcePortIdentity: c.identity,
				SourcePortNumber:   1,
				SequenceID:         msg.Header.SequenceID,
			},
			OriginTimestamp: TimestampFromNanoseconds(recvNs),
		}
		c.generalConn.WriteToUDP(resp.Marshal(), generalDest)
	}
}

package engine

import (
	"errors"
	"testing"

	"github.com/opd-ai/aes67vsc/config"
	"github.com/opd-ai/aes67vsc/ptp"
	"github.com/opd-ai/aes67vsc/sap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	startErr   error
	started    bool
	stopped    bool
	nowPTP     uint64
	locked     bool
	offsetNs   float64
	rateRatio  float64
	statusCb   ptp.StatusCallback
}

func (f *fakeClock) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}
func (f *fakeClock) Stop()                                { f.stopped = true }
func (f *fakeClock) NowPTP() uint64                        { return f.nowPTP }
func (f *fakeClock) HostToPTP(h uint64) uint64              { return h + 1 }
func (f *fakeClock) PTPToHost(p uint64) uint64              { return p - 1 }
func (f *fakeClock) IsLocked() bool                         { return f.locked }
func (f *fakeClock) OffsetNs() float64                      { return f.offsetNs }
func (f *fakeClock) RateRatio() float64                     { return f.rateRatio }
func (f *fakeClock) SetStatusCallback(cb ptp.StatusCallback) { f.statusCb = cb }

type fakeAnnouncer struct {
	startErr error
	started  bool
	stopped  bool
}

func (f *fakeAnnouncer) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}
func (f *fakeAnnouncer) Stop() { f.stopped = true }

type fakeDiscoverer struct {
	startErr error
	started  bool
	stopped  bool
	names    []string
	sessions map[string]sap.Session
}

func (f *fakeDiscoverer) Start(iface string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}
func (f *fakeDiscoverer) Stop()          { f.stopped = true }
func (f *fakeDiscoverer) Names() []string { return f.names }
func (f *fakeDiscoverer) Lookup(key string) (sap.Session, bool) {
	s, ok := f.sessions[key]
	return s, ok
}

func testConfig() *config.Config {
	return &config.Config{
		Interface:           "lo",
		PacketTimeUs:        250,
		JitterBufferPackets: 3,
		PTPDomain:           0,
		Multicast:           true,
	}
}

// newBareEngine builds an Engine wired to fakes, with real tx/rx stream
// state (so ring/session-description logic is exercised) but without
// calling Start, so no socket is opened.
func newBareEngine(t *testing.T) (*Engine, *fakeClock, *fakeAnnouncer, *fakeDiscoverer) {
	t.Helper()
	cfg := testConfig()
	e := &Engine{cfg: cfg}
	e.callbacks.Store(&Callbacks{})

	clock := &fakeClock{rateRatio: 1.0}
	announcer := &fakeAnnouncer{}
	discoverer := &fakeDiscoverer{sessions: map[string]sap.Session{}}
	e.clock = clock
	e.announcer = announcer
	e.discoverer = discoverer

	for i := 0; i < NumStreams; i++ {
		e.tx[i] = newTxStream(i, cfg)
		e.rx[i] = newRxStream(i, cfg, e)
	}
	return e, clock, announcer, discoverer
}

func TestFacadeDelegatesToClock(t *testing.T) {
	e, clock, _, _ := newBareEngine(t)
	clock.nowPTP = 42
	clock.locked = true
	clock.offsetNs = 12.5
	clock.rateRatio = 1.0000001

	assert.Equal(t, uint64(42), e.NowPTPNs())
	assert.Equal(t, uint64(43), e.HostToPTP(42))
	assert.Equal(t, uint64(41), e.PTPToHost(42))
	assert.True(t, e.IsPTPLocked())
	assert.Equal(t, 12.5, e.PTPOffsetNs())
	assert.Equal(t, 1.0000001, e.RateScalar())
}

func TestInputRingOutputRingBounds(t *testing.T) {
	e, _, _, _ := newBareEngine(t)

	r, err := e.InputRing(0)
	require.NoError(t, err)
	assert.NotNil(t, r)

	r, err = e.OutputRing(NumStreams - 1)
	require.NoError(t, err)
	assert.NotNil(t, r)

	_, err = e.InputRing(-1)
	assert.Error(t, err)
	_, err = e.InputRing(NumStreams)
	assert.Error(t, err)
	_, err = e.OutputRing(NumStreams)
	assert.Error(t, err)
}

func TestNotifyIOCycleStoresValues(t *testing.T) {
	e, _, _, _ := newBareEngine(t)
	e.NotifyIOCycle(1000, 2000)
	assert.Equal(t, uint64(1000), e.lastIOHostNs.Load())
	assert.Equal(t, uint64(2000), e.lastIOSampleNs.Load())
}

func TestSetCallbacksDispatchesEvents(t *testing.T) {
	e, _, _, _ := newBareEngine(t)

	var gotLocked bool
	var gotOffset float64
	var gotStream int
	var gotUnderrun bool
	var gotMessage string

	e.SetCallbacks(Callbacks{
		OnPTPStatus: func(locked bool, offsetNs float64) { gotLocked, gotOffset = locked, offsetNs },
		OnXrun:      func(streamIdx int, isUnderrun bool) { gotStream, gotUnderrun = streamIdx, isUnderrun },
		OnError:     func(message string) { gotMessage = message },
	})

	e.invokePTPStatus(true, 3.5)
	e.invokeXrun(2, true)
	e.invokeError("boom")

	assert.True(t, gotLocked)
	assert.Equal(t, 3.5, gotOffset)
	assert.Equal(t, 2, gotStream)
	assert.True(t, gotUnderrun)
	assert.Equal(t, "boom", gotMessage)
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	e, _, _, _ := newBareEngine(t)
	e.SetCallbacks(Callbacks{
		OnXrun: func(streamIdx int, isUnderrun bool) { panic("callback exploded") },
	})

	assert.NotPanics(t, func() {
		e.invokeXrun(0, false)
	})
}

func TestStartFailsWhenClockStartErrors(t *testing.T) {
	e, clock, announcer, discoverer := newBareEngine(t)
	clock.startErr = errors.New("no such interface")

	err := e.Start()
	require.Error(t, err)
	assert.False(t, e.running.Load())
	assert.False(t, announcer.started)
	assert.False(t, discoverer.started)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	e, clock, announcer, discoverer := newBareEngine(t)
	e.Stop()
	assert.False(t, clock.stopped)
	assert.False(t, announcer.stopped)
	assert.False(t, discoverer.stopped)
}

func TestDiscoveredStreamDelegatesToDiscoverer(t *testing.T) {
	e, _, _, discoverer := newBareEngine(t)
	discoverer.names = []string{"Stream-1"}
	discoverer.sessions["Stream-1"] = sap.Session{SessionName: "Stream-1"}

	assert.Equal(t, []string{"Stream-1"}, e.DiscoveredStreamNames())
	s, ok := e.DiscoveredStream("Stream-1")
	require.True(t, ok)
	assert.Equal(t, "Stream-1", s.SessionName)

	_, ok = e.DiscoveredStream("missing")
	assert.False(t, ok)
}

func TestAnnounceEntriesBuildsOneSessionPerStream(t *testing.T) {
	e, _, _, _ := newBareEngine(t)
	entries := e.announceEntries()
	require.Len(t, entries, NumStreams)
	for i, entry := range entries {
		assert.Equal(t, i, entry.StreamIndex)
		assert.Equal(t, txMulticastAddr(i), entry.Session.ConnectionAddr)
		assert.Equal(t, AudioPort, entry.Session.Port)
	}
}

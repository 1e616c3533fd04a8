package ptp

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTimeProvider lets tests drive Clock.NowPTP/checkHoldover without
// real wall-clock sleeps.
type stubTimeProvider struct {
	now uint64
}

func (s *stubTimeProvider) NowNs() uint64 { return s.now }
func (s *stubTimeProvider) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

func newTestClock(t *testing.T) (*Clock, *stubTimeProvider) {
	t.Helper()
	tp := &stubTimeProvider{now: 1_000_000_000}
	c := NewClock(Config{
		Domain:       0,
		Interface:    "lo",
		Kp:           DefaultKp,
		Ki:           DefaultKi,
		TimeProvider: tp,
	})
	return c, tp
}

func TestObserveSyncAppliesPIServo(t *testing.T) {
	c, _ := newTestClock(t)

	c.ObserveSync(0, 1000, 0) // host=1000ns, master origin=0ns -> error=+1000ns

	assert.InDelta(t, 1000.0, c.OffsetNs(), 1e-9)
	assert.InDelta(t, 1.0000000011, c.RateRatio(), 1e-9)

	c.mu.Lock()
	integrator := c.servo.integratorValue()
	c.mu.Unlock()
	assert.InDelta(t, 1000.0, integrator, 1e-9)

	for i := 0; i < 10; i++ {
		host := uint64(1000 * (i + 2))
		c.ObserveSync(host, host, 0) // zero error each cycle
	}
	c.mu.Lock()
	integrator = c.servo.integratorValue()
	c.mu.Unlock()
	assert.InDelta(t, 1000.0, integrator, 1e-9)
}

func TestLockTransitionFiresExactlyOnce(t *testing.T) {
	c, _ := newTestClock(t)

	var transitions []bool
	c.SetStatusCallback(func(locked bool, offsetNs float64) {
		transitions = append(transitions, locked)
	})

	host := uint64(0)
	for i := 0; i < 10; i++ {
		host += 1000
		c.ObserveSync(host, host, 0) // zero error every cycle: should lock
	}

	require.GreaterOrEqual(t, len(transitions), 1)
	assert.True(t, transitions[0])
	for i := 1; i < len(transitions); i++ {
		assert.Fail(t, "locked state toggled more than once under sustained zero error")
	}
	assert.True(t, c.IsLocked())
	assert.Equal(t, StateLocked, c.State())
}

func TestHostToPTPAndPTPToHostLinearity(t *testing.T) {
	c, _ := newTestClock(t)

	c.ObserveSync(5_000_000_000, 5_000_000_500, 0)

	snap := c.affine.Load()
	for _, dtHost := range []int64{0, 1_000_000, -500_000, 10_000_000_000} {
		hostNs := uint64(int64(snap.anchorHost) + dtHost)
		ptpNs := c.HostToPTP(hostNs)

		wantPTPDelta := int64(math.Round(snap.slope * float64(dtHost)))
		assert.Equal(t, int64(snap.anchorPTP)+wantPTPDelta, int64(ptpNs))

		roundTripHost := c.PTPToHost(ptpNs)
		assert.InDelta(t, int64(hostNs), int64(roundTripHost), 1)
	}
}

func TestNowPTPIsZeroBeforeLock(t *testing.T) {
	c, tp := newTestClock(t)
	tp.now = 42
	assert.Equal(t, uint64(0), c.NowPTP())
	assert.Equal(t, StateInit, c.State())
}

func TestHoldoverTransitionFiresUnlocked(t *testing.T) {
	c, tp := newTestClock(t)

	host := uint64(0)
	for i := 0; i < 10; i++ {
		host += 1000
		tp.now = host
		c.ObserveSync(host, host, 0)
	}
	require.True(t, c.IsLocked())
	require.Equal(t, StateLocked, c.State())

	var gotUnlocked bool
	c.SetStatusCallback(func(locked bool, offsetNs float64) {
		if !locked {
			gotUnlocked = true
		}
	})

	intervalNs := uint64(1000)
	tp.now = host + intervalNs*uint64(c.cfg.MissedSyncsForHoldover+1)
	c.checkHoldover(intervalNs)

	// checkHoldover fires the callback asynchronously; give it a moment.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st == StateHoldover {
			break
		}
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, StateHoldover, c.State())
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !gotUnlocked {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, gotUnlocked)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	c, _ := newTestClock(t)
	c.Stop() // must not panic or block
}

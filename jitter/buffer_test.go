package jitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetNextPacketHonorsPlayoutDeadline(t *testing.T) {
	b := New(2, 6, 1, 48000)
	require.Equal(t, 4, b.Stats().Target)

	frameCount := 12 // 250us at 48kHz
	samples := make([]int32, frameCount)
	b.Insert(0, 1_000_000, samples, frameCount)

	assert.Equal(t, 4, b.Stats().Target) // unaffected by a single insert

	_, ok := b.GetNextPacket(1_999_999)
	assert.False(t, ok)

	pkt, ok := b.GetNextPacket(2_000_000)
	require.True(t, ok)
	assert.Equal(t, uint32(0), pkt.RTPTimestamp)
	assert.Equal(t, uint64(1_000_000), pkt.ArrivalPTPNs)
}

func TestInsertOrdersByRTPTimestamp(t *testing.T) {
	b := New(2, 10, 1, 48000)
	frameCount := 1
	b.Insert(300, 0, []int32{3}, frameCount)
	b.Insert(100, 0, []int32{1}, frameCount)
	b.Insert(200, 0, []int32{2}, frameCount)

	var order []uint32
	for {
		pkt, ok := b.GetNextPacket(^uint64(0) >> 1) // always-ready deadline
		if !ok {
			break
		}
		order = append(order, pkt.RTPTimestamp)
		require.True(t, b.ReleasePacket(pkt))
	}
	assert.Equal(t, []uint32{100, 200, 300}, order)
}

func TestInsertTieDropsLaterArrival(t *testing.T) {
	b := New(2, 10, 1, 48000)
	b.Insert(50, 10, []int32{1}, 1)
	b.Insert(50, 999, []int32{2}, 1) // tie: dropped

	assert.Equal(t, 1, b.Stats().Depth)
	pkt, ok := b.GetNextPacket(^uint64(0) >> 1)
	require.True(t, ok)
	assert.Equal(t, uint64(10), pkt.ArrivalPTPNs)
	assert.Equal(t, int32(1), pkt.Samples[0])
}

func TestInsertTailDropsOnOverrun(t *testing.T) {
	b := New(1, 3, 1, 48000)
	for i, ts := range []uint32{10, 20, 30, 40} {
		b.Insert(ts, uint64(i), []int32{int32(ts)}, 1)
	}
	stats := b.Stats()
	assert.Equal(t, 3, stats.Depth)
	assert.Equal(t, uint64(1), stats.Overruns)

	pkt, ok := b.GetNextPacket(^uint64(0) >> 1)
	require.True(t, ok)
	assert.Equal(t, uint32(10), pkt.RTPTimestamp) // the 4th (ts=40) was dropped, not the head
}

func TestGetNextPacketEmptyCountsUnderrun(t *testing.T) {
	b := New(2, 6, 1, 48000)
	_, ok := b.GetNextPacket(0)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), b.Stats().Underruns)
}

func TestReleasePacketRejectsNonHead(t *testing.T) {
	b := New(2, 6, 1, 48000)
	b.Insert(1, 0, []int32{1}, 1)
	b.Insert(2, 0, []int32{2}, 1)

	stale := &Packet{}
	assert.False(t, b.ReleasePacket(stale))
	assert.Equal(t, 2, b.Stats().Depth)
}

func TestAdaptiveDepthIncreasesOnUnderrun(t *testing.T) {
	b := New(2, 10, 1, 48000)
	start := b.Stats().Target

	b.GetNextPacket(0)
	b.GetNextPacket(0)
	b.GetNextPacket(0) // 3 underruns accumulated, no adjustment yet (only applied on Insert)
	assert.Equal(t, start, b.Stats().Target)

	b.Insert(1, 0, []int32{1}, 1)
	assert.Equal(t, start+1, b.Stats().Target)
	assert.Equal(t, uint64(3), b.Stats().Underruns)
}

func TestAdaptiveDepthIncreasesNearCapacity(t *testing.T) {
	b := New(1, 3, 1, 48000)
	start := b.Stats().Target // (1+3)/2 = 2

	b.Insert(1, 0, []int32{1}, 1) // depth 1, not >= max-1=2
	assert.Equal(t, start, b.Stats().Target)

	b.Insert(2, 0, []int32{2}, 1) // depth 2 >= max-1=2 -> target++
	assert.Equal(t, start+1, b.Stats().Target)
}

func TestAdaptiveDepthDecreasesUnderSteadyOversupply(t *testing.T) {
	b := New(2, 20, 1, 48000)
	start := b.Stats().Target // (2+20)/2 = 11

	var targets []int
	for i := 0; i < 18; i++ {
		b.Insert(uint32(i+1), 0, []int32{int32(i)}, 1)
		targets = append(targets, b.Stats().Target)
	}

	assert.Less(t, targets[len(targets)-1], start)
	assert.GreaterOrEqual(t, targets[len(targets)-1], b.Stats().Min)

	for i := 1; i < len(targets); i++ {
		assert.LessOrEqual(t, targets[i], targets[i-1]+1, "target should never jump up by more than the increase rule allows")
	}
}

func TestResetDropsPacketsAndRetargets(t *testing.T) {
	b := New(2, 10, 1, 48000)
	b.Insert(1, 0, []int32{1}, 1)
	b.Insert(2, 0, []int32{2}, 1)
	require.Equal(t, 2, b.Stats().Depth)

	b.Reset()
	stats := b.Stats()
	assert.Equal(t, 0, stats.Depth)
	assert.Equal(t, 6, stats.Target) // (2+10)/2
}

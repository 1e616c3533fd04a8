package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeFrames(start, frames, channels int) []int32 {
	out := make([]int32, frames*channels)
	for i := range out {
		out[i] = int32(start + i)
	}
	return out
}

func TestNewRoundsCapacityToPowerOfTwo(t *testing.T) {
	r := New(100, 8)
	assert.Equal(t, 128, r.Capacity())
	assert.Equal(t, 8, r.Channels())
}

func TestFIFOOrderAndConservation(t *testing.T) {
	r := New(16, 2)

	w1 := makeFrames(0, 5, 2)
	n := r.Write(w1, 5)
	require.Equal(t, 5, n)
	assert.Equal(t, 5, r.Depth())

	dst := make([]int32, 3*2)
	got := r.Read(dst)
	require.Equal(t, 3, got)
	assert.Equal(t, w1[:6], dst)
	assert.Equal(t, 2, r.Depth())

	w2 := makeFrames(100, 4, 2)
	n = r.Write(w2, 4)
	require.Equal(t, 4, n)
	assert.Equal(t, 6, r.Depth())

	dst2 := make([]int32, 6*2)
	got = r.Read(dst2)
	require.Equal(t, 6, got)
	want := append(append([]int32{}, w1[6:]...), w2...)
	assert.Equal(t, want, dst2)
	assert.True(t, r.IsEmpty())
}

// Capacity rounds 100 up to 128. Write 80, read 60, write 80 wraps the
// ring; reading 20 then 80 more recovers the second write exactly.
func TestWriteReadAcrossWrapBoundary(t *testing.T) {
	r := New(100, 1)
	require.Equal(t, 128, r.Capacity())

	first := makeFrames(1, 80, 1)
	n := r.Write(first, 80)
	require.Equal(t, 80, n)

	drain := make([]int32, 60)
	got := r.Read(drain)
	require.Equal(t, 60, got)

	second := makeFrames(1000, 80, 1)
	n = r.Write(second, 80)
	require.Equal(t, 80, n)

	skip20 := make([]int32, 20)
	got = r.Read(skip20)
	require.Equal(t, 20, got)
	assert.Equal(t, first[60:80], skip20)

	rest := make([]int32, 80)
	got = r.Read(rest)
	require.Equal(t, 80, got)
	assert.Equal(t, second, rest)
}

func TestOverflowIsShortWriteNotError(t *testing.T) {
	r := New(4, 1) // capacity rounds to 4, usable = 3
	n := r.Write(makeFrames(0, 10, 1), 10)
	assert.Equal(t, 3, n)
	assert.True(t, r.IsFull())
}

func TestUnderflowIsShortReadNotError(t *testing.T) {
	r := New(8, 1)
	r.Write(makeFrames(0, 2, 1), 2)
	dst := make([]int32, 5)
	got := r.Read(dst)
	assert.Equal(t, 2, got)
}

func TestPeekDoesNotAdvance(t *testing.T) {
	r := New(8, 1)
	r.Write(makeFrames(7, 3, 1), 3)
	dst := make([]int32, 3)
	got := r.Peek(dst)
	require.Equal(t, 3, got)
	assert.Equal(t, 3, r.Depth())

	got = r.Read(dst)
	require.Equal(t, 3, got)
	assert.Equal(t, 0, r.Depth())
}

func TestSkip(t *testing.T) {
	r := New(8, 1)
	r.Write(makeFrames(0, 5, 1), 5)
	got := r.Skip(2)
	assert.Equal(t, 2, got)
	assert.Equal(t, 3, r.Depth())

	got = r.Skip(100)
	assert.Equal(t, 3, got)
	assert.True(t, r.IsEmpty())
}

func TestWriteSilence(t *testing.T) {
	r := New(8, 2)
	n := r.WriteSilence(4)
	require.Equal(t, 4, n)

	dst := make([]int32, 8)
	for i := range dst {
		dst[i] = -1
	}
	got := r.Read(dst)
	require.Equal(t, 4, got)
	for _, v := range dst {
		assert.Equal(t, int32(0), v)
	}
}

func TestReset(t *testing.T) {
	r := New(8, 1)
	r.Write(makeFrames(0, 5, 1), 5)
	r.Reset()
	assert.True(t, r.IsEmpty())
	assert.Equal(t, 0, r.Depth())
}

func TestInvariantReadWriteAvailableSumToCapacityMinusOne(t *testing.T) {
	r := New(16, 1)
	for i := 0; i < 1000; i++ {
		r.Write(makeFrames(i, 3, 1), 3)
		dst := make([]int32, 2)
		r.Read(dst)
		assert.Equal(t, r.Capacity()-1, r.Depth()+int(r.writeAvailable()))
	}
}

func TestNoAllocationHotPath(t *testing.T) {
	r := New(64, 8)
	src := makeFrames(0, 16, 8)
	dst := make([]int32, 16*8)

	allocs := testing.AllocsPerRun(1000, func() {
		r.Write(src, 16)
		r.Read(dst)
	})
	assert.Equal(t, float64(0), allocs)
}

package assembler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSegmentInOrder(t *testing.T) {
	h := NewHalfStream(100, time.Second)
	now := time.Now()

	n := h.AddSegment(100, []byte("hello"), now)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(h.Assembled()))
	require.Len(t, h.Blocks(), 1)
	assert.Equal(t, 0, h.Blocks()[0].StartOffset)
	assert.False(t, h.Blocks()[0].Loss)
}

func TestAddSegmentOutOfOrderThenFilled(t *testing.T) {
	h := NewHalfStream(100, time.Second)
	now := time.Now()

	n := h.AddSegment(105, []byte("world"), now)
	assert.Equal(t, 0, n, "out-of-order segment must not assemble yet")
	assert.Equal(t, 1, h.PendingSegments())

	n = h.AddSegment(100, []byte("hello"), now)
	assert.Equal(t, 10, n, "filling the gap assembles both segments at once")
	assert.Equal(t, "helloworld", string(h.Assembled()))
	assert.Equal(t, 0, h.PendingSegments())
}

func TestAddSegmentDropsFullRetransmit(t *testing.T) {
	h := NewHalfStream(100, time.Second)
	now := time.Now()

	h.AddSegment(100, []byte("hello"), now)
	require.False(t, h.Blocks()[0].Loss)

	n := h.AddSegment(100, []byte("hello"), now)
	assert.Equal(t, 0, n)
	assert.Equal(t, "hello", string(h.Assembled()))
	require.Len(t, h.Blocks(), 1)
	assert.True(t, h.Blocks()[0].Loss, "a duplicate segment retransmitted into an already-assembled block marks it lossy")
}

func TestAddSegmentTrimsPartialOverlap(t *testing.T) {
	h := NewHalfStream(100, time.Second)
	now := time.Now()

	h.AddSegment(100, []byte("hello"), now)
	n := h.AddSegment(103, []byte("lo world"), now)
	assert.Equal(t, 6, n)
	assert.Equal(t, "hello world", string(h.Assembled()))
	require.Len(t, h.Blocks(), 1)
	assert.True(t, h.Blocks()[0].Loss, "a segment that partially overlaps already-seen bytes still marks the block retransmitted")
}

func TestBlockGapOpensNewBlock(t *testing.T) {
	h := NewHalfStream(100, time.Second)
	base := time.Now()

	h.AddSegment(100, []byte("hello"), base)
	h.AddSegment(105, []byte("world"), base.Add(2*time.Second))

	require.Len(t, h.Blocks(), 2)
	assert.Equal(t, 0, h.Blocks()[0].StartOffset)
	assert.Equal(t, 5, h.Blocks()[1].StartOffset)
	assert.False(t, h.Blocks()[1].Loss)
}

func TestForceFlushMarksSkippedGapAsLoss(t *testing.T) {
	h := NewHalfStream(100, time.Second)
	now := time.Now()

	h.AddSegment(110, []byte("world"), now)
	require.Equal(t, 0, len(h.Assembled()))

	h.ForceFlush()
	require.Equal(t, "world", string(h.Assembled()))
	require.Len(t, h.Blocks(), 1)
	assert.True(t, h.Blocks()[0].Loss)
}

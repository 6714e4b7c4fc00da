// Package assembler implements the TCP Assembler of spec §4.3: per-flow
// half-stream reassembly with block metadata, directly generalizing the
// teacher's stream.ReassemblyBuffer (sorted out-of-order segment buffer,
// wrap-safe sequence comparisons) with the block-array bookkeeping the
// persister needs (block start offset, timestamp, loss flag per block).
package assembler

import (
	"sort"
	"time"
)

// segment is a received TCP segment pending assembly, identical in shape
// to the teacher's stream.Segment, plus a Retransmit flag for bytes that
// were already covered by an earlier segment.
type segment struct {
	Seq        uint32
	Data       []byte
	Seen       time.Time
	Retransmit bool
}

// Block records where one contiguous run of bytes, delivered close enough
// in time to its predecessor, starts inside the assembled stream. A new
// block begins whenever the gap since the previous byte's arrival exceeds
// the configured block gap, or whenever bytes had to be skipped to make
// progress (Loss).
type Block struct {
	StartOffset int
	Timestamp   time.Time
	Loss        bool
}

const (
	defaultMaxAssembledSize = 16 * 1024 * 1024
	defaultMaxPendingSegs   = 4096
)

// HalfStream reassembles one direction of one TCP flow.
type HalfStream struct {
	segments []segment
	nextSeq  uint32
	baseSeq  uint32

	assembled []byte
	blocks    []Block

	blockGap     time.Duration
	lastByteSeen time.Time

	maxAssembledSize int
	maxPendingSegs   int

	droppedBytes int
	droppedSegs  int
}

// NewHalfStream creates a HalfStream expecting initialSeq next, grouping
// bytes into a new Block whenever more than blockGap elapses between
// consecutive deliveries.
func NewHalfStream(initialSeq uint32, blockGap time.Duration) *HalfStream {
	return &HalfStream{
		nextSeq:          initialSeq,
		baseSeq:          initialSeq,
		blockGap:         blockGap,
		maxAssembledSize: defaultMaxAssembledSize,
		maxPendingSegs:   defaultMaxPendingSegs,
	}
}

// AddSegment adds a TCP segment's payload, returning the number of bytes
// newly appended to the assembled stream (0 if it was a full retransmit,
// dropped for a resource limit, or is waiting out-of-order).
func (h *HalfStream) AddSegment(seq uint32, data []byte, timestamp time.Time) int {
	if len(data) == 0 {
		return 0
	}
	if h.maxAssembledSize > 0 && len(h.assembled) >= h.maxAssembledSize {
		h.droppedBytes += len(data)
		h.droppedSegs++
		return 0
	}

	if !seqAfter(seq+uint32(len(data)), h.nextSeq) {
		// Every byte in this segment was already assembled: a pure
		// retransmission contributing nothing new. It still lands inside
		// the most recently opened block, so that block is retransmitted.
		h.markLastBlockRetransmitted()
		return 0
	}
	retransmit := false
	if seqBefore(seq, h.nextSeq) {
		overlap := int32(h.nextSeq - seq)
		if overlap < 0 || overlap >= int32(len(data)) {
			return 0
		}
		data = data[overlap:]
		seq = h.nextSeq
		retransmit = true
	}

	if seqAfter(seq, h.nextSeq) && h.maxPendingSegs > 0 && len(h.segments) >= h.maxPendingSegs {
		h.droppedBytes += len(data)
		h.droppedSegs++
		return 0
	}

	seg := segment{Seq: seq, Data: append([]byte(nil), data...), Seen: timestamp, Retransmit: retransmit}
	h.insertSegment(seg)

	before := len(h.assembled)
	h.tryAssemble(false)
	return len(h.assembled) - before
}

// ForceFlush skips any gap currently blocking assembly and assembles as
// much of the pending, out-of-order data as is contiguous from that point
// on. It is used when a flow terminates (FIN/RST/idle timeout) with data
// still held back by a gap that will never be filled; the block created
// at the skip point is marked Loss.
func (h *HalfStream) ForceFlush() {
	if len(h.segments) == 0 {
		return
	}
	next := h.segments[0]
	if seqAfter(next.Seq, h.nextSeq) {
		h.nextSeq = next.Seq
	}
	h.tryAssemble(true)
}

func (h *HalfStream) insertSegment(seg segment) {
	idx := sort.Search(len(h.segments), func(i int) bool {
		return seqAfterOrEqual(h.segments[i].Seq, seg.Seq)
	})
	if idx < len(h.segments) && h.segments[idx].Seq == seg.Seq {
		if len(seg.Data) > len(h.segments[idx].Data) {
			h.segments[idx] = seg
		}
		return
	}
	h.segments = append(h.segments, segment{})
	copy(h.segments[idx+1:], h.segments[idx:])
	h.segments[idx] = seg
}

// tryAssemble drains contiguous segments into the assembled buffer,
// opening a new Block whenever the gap since the last delivered byte
// exceeds blockGap. forcedSkip marks the first block produced by this
// call as Loss, since the caller just jumped nextSeq across a gap.
func (h *HalfStream) tryAssemble(forcedSkip bool) {
	firstBlock := forcedSkip
	for len(h.segments) > 0 {
		seg := h.segments[0]
		if seqAfter(seg.Seq, h.nextSeq) {
			break
		}

		startOffset := 0
		if seqBefore(seg.Seq, h.nextSeq) {
			startOffset = int(h.nextSeq - seg.Seq)
			if startOffset >= len(seg.Data) {
				h.segments = h.segments[1:]
				continue
			}
		}

		payload := seg.Data[startOffset:]
		h.openBlockIfNeeded(seg.Seen, firstBlock)
		firstBlock = false

		if (seg.Retransmit || startOffset > 0) && len(h.blocks) > 0 {
			h.blocks[len(h.blocks)-1].Loss = true
		}

		h.assembled = append(h.assembled, payload...)
		h.lastByteSeen = seg.Seen
		h.nextSeq = seg.Seq + uint32(len(seg.Data))
		h.segments = h.segments[1:]
	}
}

// markLastBlockRetransmitted flags the most recently opened block as
// carrying a retransmission for a duplicate segment that contributed no
// new bytes of its own and so never passes through tryAssemble.
func (h *HalfStream) markLastBlockRetransmitted() {
	if len(h.blocks) == 0 {
		return
	}
	h.blocks[len(h.blocks)-1].Loss = true
}

func (h *HalfStream) openBlockIfNeeded(timestamp time.Time, loss bool) {
	needsNew := loss || len(h.blocks) == 0
	if !needsNew && h.blockGap > 0 && !h.lastByteSeen.IsZero() {
		if timestamp.Sub(h.lastByteSeen) > h.blockGap {
			needsNew = true
		}
	}
	if needsNew {
		h.blocks = append(h.blocks, Block{StartOffset: len(h.assembled), Timestamp: timestamp, Loss: loss})
	}
}

// Assembled returns the reassembled bytes for this side.
func (h *HalfStream) Assembled() []byte { return h.assembled }

// Blocks returns the block boundaries recorded so far.
func (h *HalfStream) Blocks() []Block { return h.blocks }

// DroppedStats returns bytes and segment counts dropped to resource limits.
func (h *HalfStream) DroppedStats() (bytes, segs int) { return h.droppedBytes, h.droppedSegs }

// PendingSegments reports how many out-of-order segments are waiting.
func (h *HalfStream) PendingSegments() int { return len(h.segments) }

func seqBefore(a, b uint32) bool      { return int32(a-b) < 0 }
func seqAfter(a, b uint32) bool       { return int32(a-b) > 0 }
func seqAfterOrEqual(a, b uint32) bool { return int32(a-b) >= 0 }

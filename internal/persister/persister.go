// Package persister implements the Stream Persister of spec §4.4: it
// chunks a finished half-stream into documents no larger than
// MaxChunkBytes, preserving block-array semantics at chunk boundaries,
// and records every pattern match discovered by the Scanner against the
// chunk where the match's start offset falls. Grounded on the teacher's
// pkg/ingest.writerLoop batching pattern (batch writes, one flush point)
// and pkg/store.Writer's InsertPackets-in-a-batch idiom, generalized from
// "one document per packet" to "one document per ≤MaxChunkBytes window
// of a half-stream".
package persister

import (
	"time"

	"github.com/caronte/caronte/internal/assembler"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/scanner"
)

// Persister turns one finished half-stream into a sequence of
// model.ConnectionStream documents, scanning as it chunks.
type Persister struct {
	maxChunkBytes int
}

// New creates a Persister bounding each document to maxChunkBytes.
func New(maxChunkBytes int) *Persister {
	if maxChunkBytes <= 0 {
		maxChunkBytes = 64 * 1024
	}
	return &Persister{maxChunkBytes: maxChunkBytes}
}

// Persist splits hs into chunks, scans each chunk against patterns (the
// direction-appropriate sub-database, already selected by the caller),
// and returns the documents ready for the Store, in ascending
// DocumentIndex order. dbVersion is stamped onto every chunk so a later
// rescan can tell whether it was scanned against a stale RuleDatabase.
func (p *Persister) Persist(connID rowid.RowID, fromClient bool, hs *assembler.HalfStream, patterns []rules.CompiledPattern, dbVersion uint64) []model.ConnectionStream {
	data := hs.Assembled()
	blocks := hs.Blocks()
	if len(data) == 0 {
		return nil
	}

	var docs []model.ConnectionStream
	session := scanner.NewSession(patterns)

	for offset := 0; offset < len(data); offset += p.maxChunkBytes {
		end := offset + p.maxChunkBytes
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		doc := model.ConnectionStream{
			ConnectionID:    connID,
			FromClient:      fromClient,
			DocumentIndex:   len(docs),
			Payload:         append([]byte(nil), chunk...),
			DatabaseVersion: dbVersion,
		}
		doc.BlocksIndexes, doc.BlocksTimestamps, doc.BlocksLoss = blocksInRange(blocks, offset, end)

		for _, m := range session.Feed(chunk) {
			globalStart, globalEnd := offset+m.Start, offset+m.End
			mr := model.MatchRange{Start: globalStart, End: globalEnd}

			// A negative Start means the match began inside the overlap
			// carried from a previous chunk. Chunk boundaries are exact
			// multiples of maxChunkBytes (only the final chunk is
			// shorter), so the document whose range contains the match's
			// start is found by dividing, not by assuming "the one right
			// before this": a match can straddle more than two chunks if
			// maxChunkBytes is small relative to the scanner's overlap
			// window.
			target := &doc
			if docIdx := globalStart / p.maxChunkBytes; docIdx < len(docs) {
				target = &docs[docIdx]
			}
			if target.PatternMatches == nil {
				target.PatternMatches = make(map[int][]model.MatchRange)
			}
			target.PatternMatches[m.PatternID] = append(target.PatternMatches[m.PatternID], mr)
		}

		docs = append(docs, doc)
	}
	return docs
}

// blocksInRange returns the chunk-relative block start offsets,
// timestamps, and loss flags for every block whose start lies in
// [start, end). A block that began in an earlier chunk but continues into
// this one gets a synthetic boundary at offset 0 carrying that block's
// own timestamp and loss flag, so every document is self-describing and
// never needs its predecessor in hand to be read correctly.
func blocksInRange(blocks []assembler.Block, start, end int) ([]int, []time.Time, []bool) {
	var indexes []int
	var timestamps []time.Time
	var loss []bool

	var carry *assembler.Block
	for i := range blocks {
		b := &blocks[i]
		if b.StartOffset <= start {
			carry = b
			continue
		}
		if b.StartOffset >= end {
			break
		}
		if len(indexes) == 0 && carry != nil {
			indexes = append(indexes, 0)
			timestamps = append(timestamps, carry.Timestamp)
			loss = append(loss, carry.Loss)
		}
		indexes = append(indexes, b.StartOffset-start)
		timestamps = append(timestamps, b.Timestamp)
		loss = append(loss, b.Loss)
	}
	if len(indexes) == 0 && carry != nil {
		indexes = append(indexes, 0)
		timestamps = append(timestamps, carry.Timestamp)
		loss = append(loss, carry.Loss)
	}
	return indexes, timestamps, loss
}

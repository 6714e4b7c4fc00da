// Package streamreader implements the Stream Reader of spec §4.7: it
// merges a connection's client and server chunks back into one
// timestamp-ordered view, formats the payload, and paginates the result.
// Grounded on the teacher's stream.ReassemblyBuffer.insertSegment sorted-
// merge technique, generalized from "merge out-of-order segments of one
// side" to "merge two already-ordered sides by timestamp", plus the
// teacher's parser-family dispatch idiom for metadata chunking.
package streamreader

import (
	"context"
	"time"

	"github.com/caronte/caronte/internal/caronteerr"
	"github.com/caronte/caronte/internal/format"
	"github.com/caronte/caronte/internal/metadata"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/store"
)

// DefaultLimit is the byte budget applied when Options.Limit is zero or
// negative.
const DefaultLimit = 8024

// RegexMatch is one PatternMatches entry rewritten relative to the block
// it was found in, clamped to that block's bounds.
type RegexMatch struct {
	PatternID int              `json:"pattern_id"`
	Range     model.MatchRange `json:"range"`
}

// Entry is one globally-ordered, formatted piece of a connection's
// payload, annotated with which side produced it.
type Entry struct {
	// Index is this block's start offset within its own side's full
	// stream, not a position in the merged sequence.
	Index                  int          `json:"index"`
	FromClient             bool         `json:"from_client"`
	Timestamp              time.Time    `json:"timestamp"`
	IsRetransmitted        bool         `json:"is_retransmitted"`
	Text                   string       `json:"content"`
	Raw                    []byte       `json:"-"`
	RegexMatches           []RegexMatch `json:"regex_matches,omitempty"`
	Metadata               *metadata.Metadata `json:"metadata,omitempty"`
	IsMetadataContinuation bool               `json:"is_metadata_continuation,omitempty"`
}

// Options controls how a connection's payload is read back.
type Options struct {
	Format format.Name
	Skip   int
	Limit  int // 0 or negative means DefaultLimit
}

// Reader merges and formats a connection's persisted chunks.
type Reader struct {
	streams store.ConnectionStreamCollection
}

// New creates a Reader over the given collection.
func New(streams store.ConnectionStreamCollection) *Reader {
	return &Reader{streams: streams}
}

// GetConnectionPayload loads every chunk of both sides of connID, merges
// their blocks by timestamp (client before server on a tie, per spec §9's
// fixed tie-break), and returns the formatted merged blocks from the first
// one ending after skip through the first one that takes the running byte
// count past skip+limit, with metadata chunks attached.
func (r *Reader) GetConnectionPayload(ctx context.Context, connID rowid.RowID, opts Options) ([]Entry, error) {
	client, err := r.streams.Find(ctx, connID, boolPtr(true), store.FindOptions{})
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "load client chunks", err)
	}
	server, err := r.streams.Find(ctx, connID, boolPtr(false), store.FindOptions{})
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "load server chunks", err)
	}

	clientMatches := matchesOf(client)
	serverMatches := matchesOf(server)
	blocks := mergeBlocks(client, server)

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	fmtName := opts.Format
	if fmtName == "" {
		fmtName = format.Default
	}

	var entries []Entry
	globalIndex := 0
	for _, b := range blocks {
		blockEnd := globalIndex + len(b.data)
		if blockEnd <= opts.Skip {
			globalIndex = blockEnd
			continue
		}

		matches := clientMatches
		if !b.fromClient {
			matches = serverMatches
		}
		entries = append(entries, Entry{
			Index:           b.startOffset,
			FromClient:      b.fromClient,
			Timestamp:       time.Unix(0, b.timestamp),
			IsRetransmitted: b.loss,
			Text:            format.Decode(fmtName, b.data),
			Raw:             b.data,
			RegexMatches:    regexMatchesForBlock(matches, b.startOffset, b.startOffset+len(b.data)),
		})

		globalIndex = blockEnd
		if globalIndex > opts.Skip+limit {
			break
		}
	}

	attachMetadata(entries)
	return entries, nil
}

// attachMetadata groups consecutive same-side entries into metadata
// chunks, parses each chunk's concatenated bytes once, and attaches the
// result to the first entry of the run, per spec §4.7.
func attachMetadata(entries []Entry) {
	i := 0
	for i < len(entries) {
		j := i + 1
		for j < len(entries) && entries[j].FromClient == entries[i].FromClient {
			j++
		}

		var buf []byte
		for k := i; k < j; k++ {
			buf = append(buf, entries[k].Raw...)
		}
		md := metadata.Parse(entries[i].FromClient, buf)
		if md.Type != metadata.KindUnknown {
			entries[i].Metadata = &md
		}
		for k := i + 1; k < j; k++ {
			entries[k].IsMetadataContinuation = true
		}
		i = j
	}
}

type mergedBlock struct {
	fromClient  bool
	timestamp   int64 // UnixNano, for a stable sort key
	seq         int   // tie-break ordinal within its own side, preserves original order
	startOffset int   // offset of this block within its own side's full stream
	loss        bool
	data        []byte
}

type matchSpan struct {
	patternID  int
	start, end int
}

// mergeBlocks flattens every chunk's block array from both sides into one
// timestamp-ordered sequence. Each document's payload is sliced at its
// own block boundaries so a caller reading the merged stream never has to
// re-derive block structure from chunk boundaries, which are an artifact
// of MaxChunkBytes rather than of the traffic itself.
func mergeBlocks(client, server []model.ConnectionStream) []mergedBlock {
	var all []mergedBlock
	all = append(all, blocksOf(client, true)...)
	all = append(all, blocksOf(server, false)...)

	sortBlocks(all)
	return all
}

// matchesOf flattens every document's PatternMatches for one side into a
// single list in that side's full-stream byte offsets — the same
// coordinate space blocksOf's startOffset uses, so a match can be clamped
// to a block without any further translation, even when the persister
// attributed it to a document other than the one the overlapping block
// lives in.
func matchesOf(docs []model.ConnectionStream) []matchSpan {
	var out []matchSpan
	for _, doc := range docs {
		for patternID, ranges := range doc.PatternMatches {
			for _, rng := range ranges {
				out = append(out, matchSpan{patternID: patternID, start: rng.Start, end: rng.End})
			}
		}
	}
	return out
}

// regexMatchesForBlock returns the matches overlapping [blockStart,
// blockEnd), rewritten relative to blockStart and clamped to the block's
// own length.
func regexMatchesForBlock(matches []matchSpan, blockStart, blockEnd int) []RegexMatch {
	var out []RegexMatch
	for _, m := range matches {
		if m.end <= blockStart || m.start >= blockEnd {
			continue
		}
		start, end := m.start, m.end
		if start < blockStart {
			start = blockStart
		}
		if end > blockEnd {
			end = blockEnd
		}
		out = append(out, RegexMatch{
			PatternID: m.patternID,
			Range:     model.MatchRange{Start: start - blockStart, End: end - blockStart},
		})
	}
	sortRegexMatches(out)
	return out
}

func sortRegexMatches(matches []RegexMatch) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Range.Start < matches[j-1].Range.Start; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

func blocksOf(docs []model.ConnectionStream, fromClient bool) []mergedBlock {
	sortDocs(docs)

	var out []mergedBlock
	seq := 0
	base := 0
	for _, doc := range docs {
		if len(doc.BlocksIndexes) == 0 {
			if len(doc.Payload) > 0 {
				out = append(out, mergedBlock{fromClient: fromClient, seq: seq, startOffset: base, data: doc.Payload})
				seq++
			}
			base += len(doc.Payload)
			continue
		}
		for i, start := range doc.BlocksIndexes {
			end := len(doc.Payload)
			if i+1 < len(doc.BlocksIndexes) {
				end = doc.BlocksIndexes[i+1]
			}
			if start >= end {
				continue
			}
			ts := int64(0)
			if i < len(doc.BlocksTimestamps) {
				ts = doc.BlocksTimestamps[i].UnixNano()
			}
			loss := false
			if i < len(doc.BlocksLoss) {
				loss = doc.BlocksLoss[i]
			}
			out = append(out, mergedBlock{
				fromClient:  fromClient,
				timestamp:   ts,
				seq:         seq,
				startOffset: base + start,
				loss:        loss,
				data:        doc.Payload[start:end],
			})
			seq++
		}
		base += len(doc.Payload)
	}
	return out
}

// sortDocs orders documents ascending by DocumentIndex. Both store
// backends already return Find results in this order; this is a
// defensive sort so blocksOf's running base offset is correct even
// against a caller that doesn't guarantee it.
func sortDocs(docs []model.ConnectionStream) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && docs[j-1].DocumentIndex > docs[j].DocumentIndex; j-- {
			docs[j], docs[j-1] = docs[j-1], docs[j]
		}
	}
}

// sortBlocks orders by timestamp ascending; on an exact tie, client
// blocks sort before server blocks (spec §9's fixed tie-break), and
// within the same side original order is preserved via seq.
func sortBlocks(blocks []mergedBlock) {
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && less(blocks[j], blocks[j-1]); j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}

func less(a, b mergedBlock) bool {
	if a.timestamp != b.timestamp {
		return a.timestamp < b.timestamp
	}
	if a.fromClient != b.fromClient {
		return a.fromClient // client before server on a tie
	}
	return a.seq < b.seq
}

func boolPtr(b bool) *bool { return &b }

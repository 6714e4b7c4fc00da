package persister

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caronte/caronte/internal/assembler"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
)

func TestPersistChunksAndRecordsMatchOffsets(t *testing.T) {
	hs := assembler.NewHalfStream(0, time.Second)
	now := time.Now()
	hs.AddSegment(0, []byte("junk FLAG{hello} more"), now)

	patterns := []rules.CompiledPattern{{PatternID: 0, Regex: regexp.MustCompile(`FLAG\{[a-z]+\}`)}}

	p := New(1024)
	docs := p.Persist(rowid.RowID(1), true, hs, patterns, 3)

	require.Len(t, docs, 1)
	doc := docs[0]
	assert.Equal(t, rowid.RowID(1), doc.ConnectionID)
	assert.True(t, doc.FromClient)
	assert.Equal(t, uint64(3), doc.DatabaseVersion)
	require.Len(t, doc.PatternMatches[0], 1)
	match := doc.PatternMatches[0][0]
	assert.Equal(t, "FLAG{hello}", string(doc.Payload[match.Start:match.End]))
}

func TestPersistSplitsAcrossMaxChunkBytes(t *testing.T) {
	hs := assembler.NewHalfStream(0, time.Second)
	now := time.Now()
	hs.AddSegment(0, []byte("0123456789"), now)

	p := New(4)
	docs := p.Persist(rowid.RowID(1), false, hs, nil, 1)

	require.Len(t, docs, 3)
	assert.Equal(t, "0123", string(docs[0].Payload))
	assert.Equal(t, "4567", string(docs[1].Payload))
	assert.Equal(t, "89", string(docs[2].Payload))
	assert.Equal(t, 0, docs[0].DocumentIndex)
	assert.Equal(t, 2, docs[2].DocumentIndex)
}

func TestPersistReportsMatchStraddlingChunkBoundaryOnce(t *testing.T) {
	hs := assembler.NewHalfStream(0, time.Second)
	now := time.Now()
	// "FLAG{split}" occupies bytes [7, 18): it starts one byte before the
	// chunk boundary at 8 and ends two bytes into the third chunk.
	hs.AddSegment(0, []byte("junkxxxFLAG{split}yyy"), now)

	patterns := []rules.CompiledPattern{{PatternID: 0, Regex: regexp.MustCompile(`FLAG\{[a-z]+\}`)}}

	p := New(8)
	docs := p.Persist(rowid.RowID(1), true, hs, patterns, 1)
	require.Len(t, docs, 3)

	var all []model.MatchRange
	for _, doc := range docs {
		for _, ranges := range doc.PatternMatches {
			all = append(all, ranges...)
		}
	}
	require.Len(t, all, 1, "the straddling match must be reported exactly once, not dropped")

	data := hs.Assembled()
	m := all[0]
	assert.Equal(t, "FLAG{split}", string(data[m.Start:m.End]))
}

func TestPersistEmptyHalfStreamReturnsNoDocuments(t *testing.T) {
	hs := assembler.NewHalfStream(0, time.Second)
	p := New(1024)
	docs := p.Persist(rowid.RowID(1), true, hs, nil, 1)
	assert.Nil(t, docs)
}

func TestBlocksInRangeCarriesForwardBoundaryFromEarlierChunk(t *testing.T) {
	ts := time.Now()
	blocks := []assembler.Block{{StartOffset: 0, Timestamp: ts, Loss: false}}

	indexes, timestamps, loss := blocksInRange(blocks, 4, 8)

	require.Len(t, indexes, 1)
	assert.Equal(t, 0, indexes[0])
	assert.Equal(t, ts, timestamps[0])
	assert.False(t, loss[0])
}

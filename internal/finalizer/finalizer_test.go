package finalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caronte/caronte/internal/assembler"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
)

func TestFinalizeAggregatesBytesAndRules(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	f := &assembler.Flow{
		ClientIP: "10.0.0.1", ClientPort: 40000,
		ServerIP: "10.0.0.2", ServerPort: 1337,
		ServicePort: 1337,
		StartedAt:   started,
		LastSeen:    started.Add(30 * time.Second),
	}

	clientDocs := []model.ConnectionStream{
		{Payload: []byte("GET /flag"), PatternMatches: map[int][]model.MatchRange{0: {{Start: 4, End: 9}}}},
	}
	serverDocs := []model.ConnectionStream{
		{Payload: []byte("FLAG{abc}")},
	}

	patternToRule := func(patternID int) (rowid.RowID, bool) {
		if patternID == 0 {
			return rowid.RowID(7), true
		}
		return rowid.Zero, false
	}

	conn := Finalize(rowid.RowID(1), f, clientDocs, serverDocs, patternToRule)

	assert.Equal(t, "10.0.0.1", conn.IPSrc)
	assert.Equal(t, "10.0.0.2", conn.IPDst)
	assert.Equal(t, len("GET /flag"), conn.ClientBytes)
	assert.Equal(t, len("FLAG{abc}"), conn.ServerBytes)
	assert.Equal(t, 1, conn.ClientDocuments)
	assert.Equal(t, 1, conn.ServerDocuments)
	require.Len(t, conn.MatchedRules, 1)
	assert.Equal(t, rowid.RowID(7), conn.MatchedRules[0])
	assert.Equal(t, f.LastSeen, conn.ClosedAt, "falls back to LastSeen when Flow.ClosedAt is zero")
}

func TestApplyFlagTagsSetsInAndOutIndependently(t *testing.T) {
	conn := &model.Connection{}
	clientDocs := []model.ConnectionStream{{Payload: []byte("submit FLAG{x}")}}
	serverDocs := []model.ConnectionStream{{Payload: []byte("no flag here")}}

	matches := func(data []byte) bool {
		return string(data) == "submit FLAG{x}"
	}

	ApplyFlagTags(conn, matches, clientDocs, serverDocs)

	assert.True(t, conn.FlaggedIn)
	assert.False(t, conn.FlaggedOut)
}

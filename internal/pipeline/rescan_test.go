package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/store"
)

func TestRescanRewritesMatchesAgainstCurrentDatabase(t *testing.T) {
	st := newFakeStore()
	registry := rules.NewRegistry(nil)
	ids := rowid.NewAllocator()

	p, err := New(registry, st, ids, 1024, "", nil)
	require.NoError(t, err)

	connID := ids.Next()
	st.conns = append(st.conns, model.Connection{ID: connID, ProcessedAt: time.Now()})
	st.streams = append(st.streams,
		model.ConnectionStream{ConnectionID: connID, FromClient: true, DocumentIndex: 0, Payload: []byte("GET /flag")},
		model.ConnectionStream{ConnectionID: connID, FromClient: false, DocumentIndex: 0, Payload: []byte("here is FLAG{abc}")},
	)

	// The rule is added after the streams were persisted at version 0, so
	// the existing documents are stale against the registry's new version.
	_, err = registry.AddRule(model.Rule{
		Name:     "flag",
		Enabled:  true,
		Patterns: []model.Pattern{{Regex: `FLAG\{[a-z]+\}`}},
	})
	require.NoError(t, err)

	require.NoError(t, p.Rescan(context.Background(), connID))

	docs, err := st.ConnectionStreams().Find(context.Background(), connID, nil, store.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	var serverDoc model.ConnectionStream
	for _, d := range docs {
		if !d.FromClient {
			serverDoc = d
		}
	}
	assert.Equal(t, uint64(1), serverDoc.DatabaseVersion)
	require.Len(t, serverDoc.PatternMatches, 1)
	for _, ranges := range serverDoc.PatternMatches {
		require.Len(t, ranges, 1)
		assert.Equal(t, "FLAG{abc}", string(serverDoc.Payload[ranges[0].Start:ranges[0].End]))
	}

	conn, err := st.Connections().Get(context.Background(), connID)
	require.NoError(t, err)
	assert.Len(t, conn.MatchedRules, 1)
}

func TestRescanIsNoOpWhenAlreadyAtCurrentVersion(t *testing.T) {
	st := newFakeStore()
	registry := rules.NewRegistry(nil)
	ids := rowid.NewAllocator()

	p, err := New(registry, st, ids, 1024, "", nil)
	require.NoError(t, err)

	_, version := registry.CurrentDatabase()
	connID := ids.Next()
	st.conns = append(st.conns, model.Connection{ID: connID})
	st.streams = append(st.streams,
		model.ConnectionStream{ConnectionID: connID, FromClient: true, DocumentIndex: 0, Payload: []byte("hi"), DatabaseVersion: version},
	)

	require.NoError(t, p.Rescan(context.Background(), connID))

	require.Len(t, st.streams, 1, "a no-op rescan must not delete and reinsert the untouched document")
	assert.Equal(t, []byte("hi"), st.streams[0].Payload)
}

func TestRescanSplitsMatchByDocumentBoundary(t *testing.T) {
	st := newFakeStore()
	registry := rules.NewRegistry(nil)
	ids := rowid.NewAllocator()

	p, err := New(registry, st, ids, 1024, "", nil)
	require.NoError(t, err)

	connID := ids.Next()
	st.conns = append(st.conns, model.Connection{ID: connID})
	// "FLAG{abc}" straddles the boundary between these two documents once
	// rescanned as one reconstructed payload.
	st.streams = append(st.streams,
		model.ConnectionStream{ConnectionID: connID, FromClient: false, DocumentIndex: 0, Payload: []byte("junk FLAG{")},
		model.ConnectionStream{ConnectionID: connID, FromClient: false, DocumentIndex: 1, Payload: []byte("abc} more")},
	)

	_, err = registry.AddRule(model.Rule{
		Name:     "flag",
		Enabled:  true,
		Patterns: []model.Pattern{{Regex: `FLAG\{[a-z]+\}`}},
	})
	require.NoError(t, err)

	require.NoError(t, p.Rescan(context.Background(), connID))

	docs, err := st.ConnectionStreams().Find(context.Background(), connID, nil, store.FindOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	var first, second model.ConnectionStream
	for _, d := range docs {
		if d.DocumentIndex == 0 {
			first = d
		} else {
			second = d
		}
	}
	require.Len(t, first.PatternMatches, 1, "the match starts inside the first document")
	assert.Empty(t, second.PatternMatches)
}

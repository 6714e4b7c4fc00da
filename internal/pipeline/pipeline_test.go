package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caronte/caronte/internal/assembler"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/store"
)

// fakeStore is a minimal in-memory store.Store covering only what
// Pipeline touches, grounded on the teacher's in-memory test doubles for
// its own Writer interface.
type fakeStore struct {
	conns    []model.Connection
	streams  []model.ConnectionStream
	settings map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{settings: make(map[string]string)}
}

func (s *fakeStore) Close() error                                 { return nil }
func (s *fakeStore) Rules() store.RuleCollection                  { return nil }
func (s *fakeStore) ConnectionStreams() store.ConnectionStreamCollection { return fakeStreams{s} }
func (s *fakeStore) PcapSessions() store.PcapSessionCollection    { return nil }
func (s *fakeStore) Connections() store.ConnectionCollection      { return fakeConnections{s} }
func (s *fakeStore) Settings() store.SettingsCollection           { return fakeSettings{s} }

type fakeConnections struct{ s *fakeStore }

func (c fakeConnections) Insert(_ context.Context, conn model.Connection) error {
	c.s.conns = append(c.s.conns, conn)
	return nil
}
func (c fakeConnections) Update(_ context.Context, conn model.Connection) error {
	for i := range c.s.conns {
		if c.s.conns[i].ID == conn.ID {
			c.s.conns[i] = conn
			return nil
		}
	}
	c.s.conns = append(c.s.conns, conn)
	return nil
}
func (c fakeConnections) Get(_ context.Context, id rowid.RowID) (model.Connection, error) {
	for _, conn := range c.s.conns {
		if conn.ID == id {
			return conn, nil
		}
	}
	return model.Connection{}, nil
}
func (c fakeConnections) Find(context.Context, store.Filter, store.FindOptions) ([]model.Connection, error) {
	return c.s.conns, nil
}
func (c fakeConnections) Count(context.Context, store.Filter) (int, error) { return len(c.s.conns), nil }

type fakeStreams struct{ s *fakeStore }

func (c fakeStreams) Insert(context.Context, model.ConnectionStream) error { return nil }
func (c fakeStreams) InsertMany(_ context.Context, streams []model.ConnectionStream) error {
	c.s.streams = append(c.s.streams, streams...)
	return nil
}
func (c fakeStreams) Find(_ context.Context, connID rowid.RowID, fromClient *bool, _ store.FindOptions) ([]model.ConnectionStream, error) {
	var out []model.ConnectionStream
	for _, d := range c.s.streams {
		if d.ConnectionID != connID {
			continue
		}
		if fromClient != nil && d.FromClient != *fromClient {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
func (c fakeStreams) DeleteByConnection(_ context.Context, connID rowid.RowID) error {
	var kept []model.ConnectionStream
	for _, d := range c.s.streams {
		if d.ConnectionID != connID {
			kept = append(kept, d)
		}
	}
	c.s.streams = kept
	return nil
}

type fakeSettings struct{ s *fakeStore }

func (c fakeSettings) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := c.s.settings[key]
	return v, ok, nil
}
func (c fakeSettings) Set(_ context.Context, key, value string) error {
	c.s.settings[key] = value
	return nil
}

func newTestFlow(now time.Time) *assembler.Flow {
	f := &assembler.Flow{
		Key:         assembler.FlowKey("10.0.0.1", "10.0.0.2", 40000, 1337),
		ClientIP:    "10.0.0.1",
		ServerIP:    "10.0.0.2",
		ClientPort:  40000,
		ServerPort:  1337,
		ServicePort: 1337,
		StartedAt:   now,
		ClientData:  assembler.NewHalfStream(0, time.Second),
		ServerData:  assembler.NewHalfStream(0, time.Second),
	}
	f.ClientData.AddSegment(0, []byte("GET /flag"), now)
	f.ServerData.AddSegment(0, []byte("FLAG{ok}"), now)
	return f
}

func TestOnFlowDonePersistsConnectionAndStreams(t *testing.T) {
	st := newFakeStore()
	registry := rules.NewRegistry(nil)
	ids := rowid.NewAllocator()

	p, err := New(registry, st, ids, 1024, "", nil)
	require.NoError(t, err)

	now := time.Now()
	p.OnFlowDone(assembler.Completed{Flow: newTestFlow(now), Reason: "closed"})

	require.Len(t, st.conns, 1)
	assert.NotEmpty(t, st.streams)
}

func TestOnFlowDoneIsIdempotentOnReplay(t *testing.T) {
	st := newFakeStore()
	registry := rules.NewRegistry(nil)
	ids := rowid.NewAllocator()

	p, err := New(registry, st, ids, 1024, "", nil)
	require.NoError(t, err)

	now := time.Now()
	completed := assembler.Completed{Flow: newTestFlow(now), Reason: "closed"}

	p.OnFlowDone(completed)
	require.Len(t, st.conns, 1)

	// A second finalization of the very same flow (e.g. a duplicate sweep
	// callback) must not create a second Connection row.
	p.OnFlowDone(completed)
	assert.Len(t, st.conns, 1, "replaying the same completed flow must be a no-op")
}

func TestOnFlowDoneTreatsDistinctFlowsAsSeparate(t *testing.T) {
	st := newFakeStore()
	registry := rules.NewRegistry(nil)
	ids := rowid.NewAllocator()

	p, err := New(registry, st, ids, 1024, "", nil)
	require.NoError(t, err)

	now := time.Now()
	p.OnFlowDone(assembler.Completed{Flow: newTestFlow(now), Reason: "closed"})
	p.OnFlowDone(assembler.Completed{Flow: newTestFlow(now.Add(time.Minute)), Reason: "closed"})

	assert.Len(t, st.conns, 2, "two distinct flows on the same 4-tuple must both be finalized")
}

// Package store defines the storage-agnostic collection interface spec §3
// requires: rules, connections, connection_streams, and pcap_sessions are
// each an opaque document collection supporting filtered find/insert/
// update. Grounded on the teacher's pkg/store.Store/Writer split (one
// interface for lifecycle+read, a nested one for writes), generalized
// from "packets/flows/transactions/expert_events" to Caronte's own
// collections, and implemented against two real backends (sqlitestore,
// mongostore) to keep the interface honestly storage-agnostic rather than
// a facade over a single driver.
package store

import (
	"context"

	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
)

// Filter is an equality-match filter over a collection's fields. Keys are
// handed to the backend unchanged: sqlitestore reads them as SQL column
// names, mongostore as bson field names (the lowercased Go field names).
// An empty Filter matches every document.
type Filter map[string]any

// FindOptions controls pagination and ordering of a Find call, mirroring
// spec §6's pagination contract (skip/limit, ascending id by default).
type FindOptions struct {
	Skip  int
	Limit int
	// SortDescending reverses the default ascending-by-id order.
	SortDescending bool
}

// Store is the top-level handle to every collection Caronte persists.
type Store interface {
	Close() error

	Rules() RuleCollection
	Connections() ConnectionCollection
	ConnectionStreams() ConnectionStreamCollection
	PcapSessions() PcapSessionCollection
	Settings() SettingsCollection
}

// RuleCollection persists model.Rule rows.
type RuleCollection interface {
	Insert(ctx context.Context, rule model.Rule) error
	Update(ctx context.Context, rule model.Rule) error
	Get(ctx context.Context, id rowid.RowID) (model.Rule, error)
	Find(ctx context.Context, filter Filter, opts FindOptions) ([]model.Rule, error)
}

// ConnectionCollection persists model.Connection rows.
type ConnectionCollection interface {
	Insert(ctx context.Context, conn model.Connection) error
	Update(ctx context.Context, conn model.Connection) error
	Get(ctx context.Context, id rowid.RowID) (model.Connection, error)
	Find(ctx context.Context, filter Filter, opts FindOptions) ([]model.Connection, error)
	Count(ctx context.Context, filter Filter) (int, error)
}

// ConnectionStreamCollection persists model.ConnectionStream documents.
type ConnectionStreamCollection interface {
	Insert(ctx context.Context, stream model.ConnectionStream) error
	// InsertMany writes a batch atomically, grounded on the teacher's
	// BeginBatch/InsertPackets/CommitBatch write path.
	InsertMany(ctx context.Context, streams []model.ConnectionStream) error
	Find(ctx context.Context, connID rowid.RowID, fromClient *bool, opts FindOptions) ([]model.ConnectionStream, error)
	DeleteByConnection(ctx context.Context, connID rowid.RowID) error
}

// PcapSessionCollection persists model.PcapSession rows.
type PcapSessionCollection interface {
	Insert(ctx context.Context, session model.PcapSession) error
	Update(ctx context.Context, session model.PcapSession) error
	Get(ctx context.Context, id rowid.RowID) (model.PcapSession, error)
	Find(ctx context.Context, opts FindOptions) ([]model.PcapSession, error)
	// SaveRaw and LoadRaw hold the original capture bytes for a session
	// created via uploadSession, so downloadSession can return them again.
	SaveRaw(ctx context.Context, id rowid.RowID, data []byte) error
	LoadRaw(ctx context.Context, id rowid.RowID) ([]byte, error)
}

// SettingsCollection persists string key/value pairs, distinct from the
// immutable startup config.Config. Pipeline.OnFlowDone keeps its
// finalization ledger here.
type SettingsCollection interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Package model defines the persisted entities of spec §3: Rule,
// ConnectionStream, Connection, and PcapSession. These are storage-friendly
// structs, the way the teacher's pkg/model defines PacketSummary and Flow
// as plain JSON-tagged structs with no behavior beyond small accessors.
package model

import (
	"time"

	"github.com/caronte/caronte/internal/rowid"
)

// Direction constrains a Pattern to one side of a flow.
type Direction string

const (
	DirectionClient Direction = "client"
	DirectionServer Direction = "server"
	DirectionBoth   Direction = "both"
)

// PatternFlags carries the per-pattern matching options of spec §3.
type PatternFlags struct {
	Caseless  bool      `json:"caseless"`
	DotAll    bool      `json:"dot_all"`
	MinLen    int       `json:"min_len,omitempty"`
	MaxLen    int       `json:"max_len,omitempty"`
	Direction Direction `json:"direction"`
}

// Pattern is one byte regex belonging to a Rule.
type Pattern struct {
	Regex string       `json:"regex"`
	Flags PatternFlags `json:"flags"`
}

// Rule is a named set of byte patterns evaluated during scanning (spec §3).
type Rule struct {
	ID      rowid.RowID `json:"id"`
	Name    string      `json:"name"`
	Color   string      `json:"color"`
	Notes   string      `json:"notes"`
	Enabled bool        `json:"enabled"`
	Patterns []Pattern  `json:"patterns"`
	// Version is assigned the first time this rule's pattern set is
	// materialized into a compiled RuleDatabase; it never decreases.
	Version uint64 `json:"version"`
}

// MatchRange is a byte offset span, half-open [Start, End).
type MatchRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ConnectionStream is a chunk of one side of one flow (spec §3).
type ConnectionStream struct {
	ConnectionID   rowid.RowID `json:"connection_id"`
	FromClient     bool        `json:"from_client"`
	DocumentIndex  int         `json:"document_index"`
	Payload        []byte      `json:"payload"`
	BlocksIndexes  []int       `json:"blocks_indexes"`
	BlocksTimestamps []time.Time `json:"blocks_timestamps"`
	BlocksLoss     []bool      `json:"blocks_loss"`
	// PatternMatches maps an internal pattern-id to its non-overlapping,
	// ascending match ranges, expressed in flow-global byte offsets of
	// this side (not chunk-relative).
	PatternMatches map[int][]MatchRange `json:"pattern_matches,omitempty"`
	// DatabaseVersion is the RuleDatabase version these matches were
	// produced against, so a later rescan can tell whether this chunk is
	// stale.
	DatabaseVersion uint64 `json:"database_version"`
}

// Connection is one row per TCP flow (spec §3).
type Connection struct {
	ID rowid.RowID `json:"id"`

	IPSrc   string `json:"ip_src"`
	PortSrc int    `json:"port_src"`
	IPDst   string `json:"ip_dst"`
	PortDst int    `json:"port_dst"`

	StartedAt time.Time `json:"started_at"`
	ClosedAt  time.Time `json:"closed_at"`

	ClientBytes     int `json:"client_bytes"`
	ServerBytes     int `json:"server_bytes"`
	ClientDocuments int `json:"client_documents"`
	ServerDocuments int `json:"server_documents"`

	ProcessedAt time.Time     `json:"processed_at"`
	MatchedRules []rowid.RowID `json:"matched_rules"`

	ServicePort int  `json:"service_port"`
	Marked      bool `json:"marked"`
	Hidden      bool `json:"hidden"`

	// FlaggedIn/FlaggedOut annotate whether the configured flag regex
	// matched in the client->server or server->client half respectively
	// (SPEC_FULL §5 supplement; additive, never substitutes for
	// MatchedRules).
	FlaggedIn  bool `json:"flagged_in"`
	FlaggedOut bool `json:"flagged_out"`
}

// PcapSession is one PCAP ingestion run (spec §3).
type PcapSession struct {
	ID        rowid.RowID `json:"id"`
	StartedAt time.Time   `json:"started_at"`
	// CaptureToken correlates a live-interface run across restarts: unlike
	// ID it is assigned before the row exists, so a crashed capture can be
	// resumed under the same token instead of fanning out as a new session.
	// Empty for file-based (offline pcap) sessions, which don't need it.
	CaptureToken      string         `json:"capture_token,omitempty"`
	CompletedAt       time.Time      `json:"completed_at"`
	Size              int64          `json:"size"`
	ProcessedPackets  uint64         `json:"processed_packets"`
	InvalidPackets    uint64         `json:"invalid_packets"`
	PacketsPerService map[int]uint64 `json:"packets_per_service"`
}

// IsComplete reports whether the session has finished ingestion.
func (s *PcapSession) IsComplete() bool {
	return !s.CompletedAt.IsZero()
}

// Package finalizer implements the Connection Finalizer of spec §4.5: it
// consolidates a completed flow's client stream, server stream, and the
// rule-ids discovered while scanning into one Connection row. Grounded on
// the teacher's pkg/ingest.flushFlows/UpsertFlow idiom: aggregate per-flow
// counters in memory, then write one idempotent row keyed by connection
// id so a rescan can recompute matched_rules without duplicating the row.
package finalizer

import (
	"time"

	"github.com/caronte/caronte/internal/assembler"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
)

// Finalize builds the aggregate Connection row for a completed flow. The
// caller supplies the already-persisted client/server documents so the
// finalizer never has to re-derive matched rule ids from raw pattern ids.
func Finalize(id rowid.RowID, f *assembler.Flow, clientDocs, serverDocs []model.ConnectionStream, patternToRule func(patternID int) (rowid.RowID, bool)) model.Connection {
	conn := model.Connection{
		ID:          id,
		IPSrc:       f.ClientIP,
		PortSrc:     int(f.ClientPort),
		IPDst:       f.ServerIP,
		PortDst:     int(f.ServerPort),
		StartedAt:   f.StartedAt,
		ClosedAt:    closedAt(f),
		ServicePort: f.ServicePort,
		ProcessedAt: time.Now(),
	}

	conn.ClientDocuments = len(clientDocs)
	conn.ServerDocuments = len(serverDocs)
	for _, d := range clientDocs {
		conn.ClientBytes += len(d.Payload)
	}
	for _, d := range serverDocs {
		conn.ServerBytes += len(d.Payload)
	}

	ruleSet := make(map[rowid.RowID]struct{})
	collectRules(clientDocs, patternToRule, ruleSet)
	collectRules(serverDocs, patternToRule, ruleSet)
	conn.MatchedRules = ruleIDSlice(ruleSet)

	return conn
}

// RecomputeMatchedRules rebuilds conn.MatchedRules from clientDocs and
// serverDocs, for a rescan of an already-finalized connection where no
// assembler.Flow is available to drive Finalize itself.
func RecomputeMatchedRules(conn *model.Connection, clientDocs, serverDocs []model.ConnectionStream, patternToRule func(patternID int) (rowid.RowID, bool)) {
	ruleSet := make(map[rowid.RowID]struct{})
	collectRules(clientDocs, patternToRule, ruleSet)
	collectRules(serverDocs, patternToRule, ruleSet)
	conn.MatchedRules = ruleIDSlice(ruleSet)
}

func closedAt(f *assembler.Flow) time.Time {
	if !f.ClosedAt.IsZero() {
		return f.ClosedAt
	}
	return f.LastSeen
}

func collectRules(docs []model.ConnectionStream, patternToRule func(int) (rowid.RowID, bool), out map[rowid.RowID]struct{}) {
	for _, d := range docs {
		for patternID := range d.PatternMatches {
			if ruleID, ok := patternToRule(patternID); ok {
				out[ruleID] = struct{}{}
			}
		}
	}
}

func ruleIDSlice(set map[rowid.RowID]struct{}) []rowid.RowID {
	if len(set) == 0 {
		return nil
	}
	out := make([]rowid.RowID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sortRowIDs(out)
	return out
}

func sortRowIDs(ids []rowid.RowID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// ApplyFlagTags sets FlaggedIn/FlaggedOut on conn by testing the
// configured flag regex against the client and server payload
// respectively (SPEC_FULL §5 supplement, grounded on tulip's
// ApplyFlagTags — additive annotation, never a substitute for
// MatchedRules).
func ApplyFlagTags(conn *model.Connection, flagRegexMatches func(data []byte) bool, clientDocs, serverDocs []model.ConnectionStream) {
	for _, d := range serverDocs {
		if flagRegexMatches(d.Payload) {
			conn.FlaggedOut = true
			break
		}
	}
	for _, d := range clientDocs {
		if flagRegexMatches(d.Payload) {
			conn.FlaggedIn = true
			break
		}
	}
}

package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/caronte/caronte/internal/finalizer"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/scanner"
	"github.com/caronte/caronte/internal/store"
)

// Rescan re-scans a previously finalized connection against the current
// RuleDatabase and rewrites its matched_rules, grounded on the teacher's
// pkg/ingest pattern of driving a Store purely through the collection
// interfaces it already has — nothing here reaches past store.Store the
// way OnFlowDone doesn't either. It is a no-op if every document is
// already stamped with the current database version.
func (p *Pipeline) Rescan(ctx context.Context, connID rowid.RowID) error {
	db, version := p.registry.CurrentDatabase()

	conn, err := p.store.Connections().Get(ctx, connID)
	if err != nil {
		return fmt.Errorf("load connection %s: %w", connID, err)
	}

	fromClient := true
	clientDocs, err := p.store.ConnectionStreams().Find(ctx, connID, &fromClient, store.FindOptions{})
	if err != nil {
		return fmt.Errorf("load client streams for %s: %w", connID, err)
	}
	fromClient = false
	serverDocs, err := p.store.ConnectionStreams().Find(ctx, connID, &fromClient, store.FindOptions{})
	if err != nil {
		return fmt.Errorf("load server streams for %s: %w", connID, err)
	}

	if allAtVersion(clientDocs, version) && allAtVersion(serverDocs, version) {
		p.log.WithField("connection_id", connID).Debug("rescan skipped, already at current database version")
		return nil
	}

	sortByDocumentIndex(clientDocs)
	sortByDocumentIndex(serverDocs)

	rescannedClient := rescanSide(clientDocs, scanner.PatternsFor(db, true), version)
	rescannedServer := rescanSide(serverDocs, scanner.PatternsFor(db, false), version)

	if err := p.store.ConnectionStreams().DeleteByConnection(ctx, connID); err != nil {
		return fmt.Errorf("delete stale streams for %s: %w", connID, err)
	}
	if err := p.store.ConnectionStreams().InsertMany(ctx, append(rescannedClient, rescannedServer...)); err != nil {
		return fmt.Errorf("persist rescanned streams for %s: %w", connID, err)
	}

	finalizer.RecomputeMatchedRules(&conn, rescannedClient, rescannedServer, db.PatternIDToRule)
	if p.flagRe != nil {
		finalizer.ApplyFlagTags(&conn, p.flagRe.Match, rescannedClient, rescannedServer)
	}

	if err := p.store.Connections().Update(ctx, conn); err != nil {
		return fmt.Errorf("update connection %s: %w", connID, err)
	}

	p.log.WithFields(logrus.Fields{
		"connection_id":    connID,
		"database_version": version,
		"matched_rules":    len(conn.MatchedRules),
	}).Info("connection rescanned")
	return nil
}

func allAtVersion(docs []model.ConnectionStream, version uint64) bool {
	for _, d := range docs {
		if d.DatabaseVersion != version {
			return false
		}
	}
	return true
}

func sortByDocumentIndex(docs []model.ConnectionStream) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocumentIndex < docs[j].DocumentIndex })
}

// rescanSide reconstructs one side's full payload from its (already
// sorted) documents, scans it in one pass with scanner.ScanAll per its own
// grounding for "a caller that already holds a complete side in memory",
// and redistributes matches back onto the document whose byte range
// contains each match's start. Document boundaries are not a uniform
// chunk size here the way the persister's are, so matches are placed by a
// cumulative per-document bounds array rather than a division.
func rescanSide(docs []model.ConnectionStream, patterns []rules.CompiledPattern, version uint64) []model.ConnectionStream {
	if len(docs) == 0 {
		return nil
	}

	bounds := make([]int, len(docs)+1)
	var payload []byte
	for i, d := range docs {
		payload = append(payload, d.Payload...)
		bounds[i+1] = bounds[i] + len(d.Payload)
	}

	out := make([]model.ConnectionStream, len(docs))
	for i, d := range docs {
		d.PatternMatches = nil
		d.DatabaseVersion = version
		out[i] = d
	}

	for _, m := range scanner.ScanAll(patterns, payload) {
		docIdx := sort.Search(len(docs), func(i int) bool { return bounds[i+1] > m.Start })
		if docIdx >= len(docs) {
			continue
		}
		// payload is the whole side, so m is already in the side's
		// flow-global offsets, the coordinate space PatternMatches uses.
		mr := model.MatchRange{Start: m.Start, End: m.End}
		if out[docIdx].PatternMatches == nil {
			out[docIdx].PatternMatches = make(map[int][]model.MatchRange)
		}
		out[docIdx].PatternMatches[m.PatternID] = append(out[docIdx].PatternMatches[m.PatternID], mr)
	}
	return out
}

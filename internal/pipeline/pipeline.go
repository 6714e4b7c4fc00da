// Package pipeline wires the Assembler, Rule Registry, Scanner,
// Persister, and Finalizer into the single callback the PCAP Session
// Manager needs: "a flow just finished, persist and finalize it."
// Grounded on the teacher's pkg/ingest.Pipeline, which plays the same
// role of gluing Capturer -> conversion -> Store without any of those
// pieces knowing about each other directly.
package pipeline

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/caronte/caronte/internal/assembler"
	"github.com/caronte/caronte/internal/finalizer"
	"github.com/caronte/caronte/internal/persister"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/rules"
	"github.com/caronte/caronte/internal/scanner"
	"github.com/caronte/caronte/internal/store"
)

// Pipeline turns a completed assembler.Flow into persisted
// ConnectionStream documents and a Connection row.
type Pipeline struct {
	registry  *rules.Registry
	persister *persister.Persister
	store     store.Store
	ids       *rowid.Allocator
	flagRe    *regexp.Regexp
	log       *logrus.Entry
}

// New creates a Pipeline. flagRegex may be empty, disabling flag tagging.
func New(registry *rules.Registry, st store.Store, ids *rowid.Allocator, maxChunkBytes int, flagRegex string, log *logrus.Entry) (*Pipeline, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var flagRe *regexp.Regexp
	if flagRegex != "" {
		re, err := regexp.Compile(flagRegex)
		if err != nil {
			return nil, err
		}
		flagRe = re
	}
	return &Pipeline{
		registry:  registry,
		persister: persister.New(maxChunkBytes),
		store:     st,
		ids:       ids,
		flagRe:    flagRe,
		log:       log,
	}, nil
}

// OnFlowDone is passed as the Assembler's onDone callback. Finalization is
// keyed by the flow's identity (not the allocator-issued connection id, a
// fresh value every call): replaying the same completed flow — e.g. a
// sweep firing twice for the same idle flow before the table entry is
// removed — is a no-op rather than a duplicate Connection row.
func (p *Pipeline) OnFlowDone(completed assembler.Completed) {
	ctx := context.Background()
	f := completed.Flow

	key := finalizeIdempotencyKey(f)
	if _, seen, err := p.store.Settings().Get(ctx, key); err != nil {
		p.log.WithError(err).WithField("flow", f.Key).Error("failed to check finalization ledger")
		return
	} else if seen {
		p.log.WithField("flow", f.Key).Debug("flow already finalized, skipping")
		return
	}

	db, version := p.registry.CurrentDatabase()

	connID := p.ids.Next()
	clientDocs := p.persister.Persist(connID, true, f.ClientData, scanner.PatternsFor(db, true), version)
	serverDocs := p.persister.Persist(connID, false, f.ServerData, scanner.PatternsFor(db, false), version)

	if err := p.store.ConnectionStreams().InsertMany(ctx, append(clientDocs, serverDocs...)); err != nil {
		p.log.WithError(err).WithField("connection_id", connID).Error("failed to persist connection streams")
		return
	}

	conn := finalizer.Finalize(connID, f, clientDocs, serverDocs, db.PatternIDToRule)
	if p.flagRe != nil {
		finalizer.ApplyFlagTags(&conn, p.flagRe.Match, clientDocs, serverDocs)
	}

	if err := p.store.Connections().Insert(ctx, conn); err != nil {
		p.log.WithError(err).WithField("connection_id", connID).Error("failed to persist connection")
		return
	}

	if err := p.store.Settings().Set(ctx, key, connID.String()); err != nil {
		p.log.WithError(err).WithField("connection_id", connID).Error("failed to record finalization, a replay may duplicate this connection")
	}

	p.log.WithFields(logrus.Fields{
		"connection_id": connID,
		"reason":        completed.Reason,
		"matched_rules": len(conn.MatchedRules),
	}).Info("connection finalized")
}

// finalizeIdempotencyKey identifies a flow stably across restarts and
// replays. f.Key alone is not enough: the same 4-tuple can be reused by a
// later, unrelated flow, so the flow's start time disambiguates them.
func finalizeIdempotencyKey(f *assembler.Flow) string {
	return fmt.Sprintf("finalized:%s:%d", f.Key, f.StartedAt.UnixNano())
}

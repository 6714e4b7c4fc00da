// Package scanner implements the Pattern Scanner of spec §4.2: given a
// compiled RuleDatabase and a direction, it finds every non-overlapping
// match of every pattern in a byte stream. No pack example binds an
// external multi-pattern regex engine (no Hyperscan, no RE2 C binding), so
// this stays on stdlib regexp rather than fabricate a dependency never
// observed in the corpus (see DESIGN.md). The streaming Session carries a
// trailing overlap window between chunks the way the teacher's
// ReassemblyBuffer keeps out-of-order segments pending rather than
// discarding data at an arbitrary boundary.
package scanner

import (
	"sort"

	"github.com/caronte/caronte/internal/rules"
)

// Match is one occurrence of a pattern, in stream-global byte offsets,
// half-open [Start, End).
type Match struct {
	PatternID int
	Start     int
	End       int
}

// DefaultOverlapWindow is how many trailing bytes of a chunk are carried
// into the next Feed call so a pattern cannot be missed purely because it
// straddled a chunk boundary. It bounds worst-case match length the
// scanner can recover across a boundary: a match longer than this that
// spans a boundary can be missed.
const DefaultOverlapWindow = 4096

// ScanAll scans the full payload against patterns in one pass and returns
// every non-overlapping match, ordered by Start. Used by callers that
// already hold a complete side of a stream in memory (e.g. a rescan).
func ScanAll(patterns []rules.CompiledPattern, payload []byte) []Match {
	var matches []Match
	for _, p := range patterns {
		locs := p.Regex.FindAllIndex(payload, -1)
		for _, loc := range locs {
			matches = append(matches, Match{PatternID: p.PatternID, Start: loc[0], End: loc[1]})
		}
	}
	sortMatches(matches)
	return matches
}

// PatternsFor selects the sub-database for a direction, per spec §4.1's
// per-direction split (client/server/both patterns are pre-partitioned at
// compile time so a scan never evaluates patterns that cannot apply).
func PatternsFor(db *rules.RuleDatabase, fromClient bool) []rules.CompiledPattern {
	if fromClient {
		return db.Client
	}
	return db.Server
}

// Session scans a single flow-side across successive, in-order chunks
// without holding the whole side in memory: it keeps only the last
// overlapWindow bytes of the previous chunk so a match straddling the
// chunk boundary is still found, then reports matches in the coordinate
// space of the chunk currently being fed (offsets relative to the start
// of the data passed to Feed, not the flow-global offset — the persister
// adds its own running base offset on top).
type Session struct {
	patterns []rules.CompiledPattern
	overlap  []byte
	window   int
}

// NewSession creates a scanning Session for one flow side.
func NewSession(patterns []rules.CompiledPattern) *Session {
	return &Session{patterns: patterns, window: DefaultOverlapWindow}
}

// Feed scans one chunk, prefixed by the trailing overlap from the
// previous call, and returns matches in the coordinate space of this
// chunk (a match can have a negative Start if it began inside the
// carried-over overlap; callers must clip or adjust as needed).
func (s *Session) Feed(chunk []byte) []Match {
	combined := append(append([]byte(nil), s.overlap...), chunk...)
	base := len(s.overlap)

	var matches []Match
	for _, p := range s.patterns {
		locs := p.Regex.FindAllIndex(combined, -1)
		for _, loc := range locs {
			start, end := loc[0]-base, loc[1]-base
			if end <= 0 {
				continue // fully inside the overlap, already reported last call
			}
			matches = append(matches, Match{PatternID: p.PatternID, Start: start, End: end})
		}
	}
	sortMatches(matches)

	if len(chunk) >= s.window {
		s.overlap = append([]byte(nil), chunk[len(chunk)-s.window:]...)
	} else {
		keep := s.window - len(chunk)
		if keep > len(s.overlap) {
			keep = len(s.overlap)
		}
		tail := s.overlap[len(s.overlap)-keep:]
		s.overlap = append(append([]byte(nil), tail...), chunk...)
	}
	return matches
}

func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].PatternID < matches[j].PatternID
	})
}

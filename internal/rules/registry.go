// Package rules implements the Rule Registry of spec §4.1: it holds the
// compiled multi-pattern database, versions rule sets, and never loses
// history. It is grounded on the teacher's filter.Compile pattern
// (compile-once-evaluate-many over a parsed program) applied to pattern
// sets instead of a single boolean expression.
package rules

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/caronte/caronte/internal/caronteerr"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
)

// CompiledPattern is one pattern inside a compiled RuleDatabase, tagged
// with a stable internal pattern-id and the rule that owns it.
type CompiledPattern struct {
	PatternID int
	RuleID    rowid.RowID
	Regex     *regexp.Regexp
	Direction model.Direction
}

// RuleDatabase is the immutable compiled artifact of spec §3: it maps an
// internal pattern-id to its owning rule-id and is tagged by a version. A
// scan borrows a reference for its whole lifetime; mutation never touches
// an already-published database.
type RuleDatabase struct {
	Version  uint64
	Client   []CompiledPattern // direction=client or both
	Server   []CompiledPattern // direction=server or both
	byID     map[int]CompiledPattern
}

// PatternIDToRule translates a pattern-id produced by a scan back to its
// owning rule-id.
func (db *RuleDatabase) PatternIDToRule(patternID int) (rowid.RowID, bool) {
	cp, ok := db.byID[patternID]
	if !ok {
		return rowid.Zero, false
	}
	return cp.RuleID, true
}

// Registry owns the current compiled database and the full history of
// rules (spec §4.1, §5 Rule Registry ownership).
type Registry struct {
	mu sync.RWMutex

	ids   rowid.Allocator
	byID  map[rowid.RowID]*model.Rule
	names map[string]rowid.RowID

	db      *RuleDatabase
	version uint64

	nextPatternID int

	log *logrus.Entry
}

// NewRegistry creates an empty Registry with an empty, version-0 database.
func NewRegistry(log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Registry{
		byID:  make(map[rowid.RowID]*model.Rule),
		names: make(map[string]rowid.RowID),
		log:   log,
	}
	r.db = &RuleDatabase{byID: make(map[int]CompiledPattern)}
	return r
}

// AddRule validates and inserts a new Rule, then recompiles the database.
// Compilation is atomic: on CompileFailure the registry is left untouched
// and the rule is not inserted.
func (r *Registry) AddRule(rule model.Rule) (rowid.RowID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := rule.Name
	if name == "" {
		return rowid.Zero, caronteerr.InvalidInput("rule name must not be empty")
	}
	if _, exists := r.names[name]; exists {
		return rowid.Zero, caronteerr.Conflict("rule name %q already exists", name)
	}
	if err := validatePatterns(rule.Patterns); err != nil {
		return rowid.Zero, caronteerr.Wrap(caronteerr.KindInvalidInput, "invalid pattern", err)
	}

	id := r.ids.Next()
	rule.ID = id
	rule.Version = 0

	candidate := cloneRules(r.byID)
	candidate[id] = &rule

	newDB, err := compile(candidate)
	if err != nil {
		return rowid.Zero, caronteerr.Wrap(caronteerr.KindInvalidInput, "compile failure", err)
	}

	r.version++
	newDB.Version = r.version
	for patID := range newDB.byID {
		cp := newDB.byID[patID]
		if cp.RuleID == id {
			rule.Version = r.version
		}
	}

	r.byID[id] = &rule
	r.names[name] = id
	r.db = newDB

	r.log.WithFields(logrus.Fields{"rule_id": id, "version": r.version}).Info("rule added")
	return id, nil
}

// RulePatch is a partial update to a Rule; nil fields are left unchanged.
type RulePatch struct {
	Name     *string
	Color    *string
	Notes    *string
	Enabled  *bool
	Patterns []model.Pattern // nil means "leave unchanged"

	// ExpectedVersion, if non-zero, must match the rule's current version
	// or the update fails with PreconditionFailed (spec §7).
	ExpectedVersion uint64
}

// UpdateRule applies a patch, returns the rule's new version.
func (r *Registry) UpdateRule(id rowid.RowID, patch RulePatch) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[id]
	if !ok {
		return 0, caronteerr.NotFound("rule %s not found", id)
	}
	if patch.ExpectedVersion != 0 && patch.ExpectedVersion != existing.Version {
		return 0, caronteerr.PreconditionFailed("rule %s version %d does not match expected %d", id, existing.Version, patch.ExpectedVersion)
	}

	updated := *existing
	if patch.Name != nil {
		if *patch.Name != existing.Name {
			if _, exists := r.names[*patch.Name]; exists {
				return 0, caronteerr.Conflict("rule name %q already exists", *patch.Name)
			}
		}
		updated.Name = *patch.Name
	}
	if patch.Color != nil {
		updated.Color = *patch.Color
	}
	if patch.Notes != nil {
		updated.Notes = *patch.Notes
	}
	if patch.Enabled != nil {
		updated.Enabled = *patch.Enabled
	}
	patternsChanged := false
	if patch.Patterns != nil {
		if err := validatePatterns(patch.Patterns); err != nil {
			return 0, caronteerr.Wrap(caronteerr.KindInvalidInput, "invalid pattern", err)
		}
		updated.Patterns = patch.Patterns
		patternsChanged = true
	}

	candidate := cloneRules(r.byID)
	candidate[id] = &updated

	newDB, err := compile(candidate)
	if err != nil {
		return 0, caronteerr.Wrap(caronteerr.KindInvalidInput, "compile failure", err)
	}

	if patternsChanged || patch.Enabled != nil {
		r.version++
		newDB.Version = r.version
		updated.Version = r.version
	} else {
		newDB.Version = r.db.Version
	}

	if patch.Name != nil && *patch.Name != existing.Name {
		delete(r.names, existing.Name)
		r.names[*patch.Name] = id
	}

	r.byID[id] = &updated
	r.db = newDB

	r.log.WithFields(logrus.Fields{"rule_id": id, "version": updated.Version}).Info("rule updated")
	return updated.Version, nil
}

// GetRule returns a copy of a rule by id.
func (r *Registry) GetRule(id rowid.RowID) (model.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.byID[id]
	if !ok {
		return model.Rule{}, caronteerr.NotFound("rule %s not found", id)
	}
	return *rule, nil
}

// ListRules returns all rules, enabled and disabled, oldest id first.
func (r *Registry) ListRules() []model.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Rule, 0, len(r.byID))
	for _, rule := range r.byID {
		out = append(out, *rule)
	}
	sortRulesByID(out)
	return out
}

// CurrentDatabase returns the current compiled database and its version.
// The returned pointer is safe to hold for the lifetime of one scan: a
// later mutation swaps Registry.db but never mutates the database the
// caller is holding.
func (r *Registry) CurrentDatabase() (*RuleDatabase, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.db, r.db.Version
}

func sortRulesByID(rules []model.Rule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j-1].ID > rules[j].ID; j-- {
			rules[j-1], rules[j] = rules[j], rules[j-1]
		}
	}
}

func cloneRules(src map[rowid.RowID]*model.Rule) map[rowid.RowID]*model.Rule {
	dst := make(map[rowid.RowID]*model.Rule, len(src))
	for k, v := range src {
		cp := *v
		dst[k] = &cp
	}
	return dst
}

func validatePatterns(patterns []model.Pattern) error {
	if len(patterns) == 0 {
		return fmt.Errorf("rule must have at least one pattern")
	}
	for _, p := range patterns {
		if p.Regex == "" {
			return fmt.Errorf("pattern regex must not be empty")
		}
		if _, err := regexp.Compile(p.Regex); err != nil {
			return fmt.Errorf("invalid regex %q: %w", p.Regex, err)
		}
		switch p.Flags.Direction {
		case model.DirectionClient, model.DirectionServer, model.DirectionBoth, "":
		default:
			return fmt.Errorf("invalid direction %q", p.Flags.Direction)
		}
	}
	return nil
}

// compile builds a fresh RuleDatabase from the given rule set. Only
// enabled rules contribute patterns to the database; a disabled rule's
// patterns are dropped from scanning but the rule itself is retained in
// byID for history.
func compile(rulesByID map[rowid.RowID]*model.Rule) (*RuleDatabase, error) {
	db := &RuleDatabase{byID: make(map[int]CompiledPattern)}
	patternID := 0

	ids := make([]rowid.RowID, 0, len(rulesByID))
	for id := range rulesByID {
		ids = append(ids, id)
	}
	sortRowIDs(ids)

	for _, id := range ids {
		rule := rulesByID[id]
		if !rule.Enabled {
			continue
		}
		for _, p := range rule.Patterns {
			re, err := compileOne(p)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", id, err)
			}
			dir := p.Flags.Direction
			if dir == "" {
				dir = model.DirectionBoth
			}
			cp := CompiledPattern{PatternID: patternID, RuleID: id, Regex: re, Direction: dir}
			db.byID[patternID] = cp
			if dir == model.DirectionClient || dir == model.DirectionBoth {
				db.Client = append(db.Client, cp)
			}
			if dir == model.DirectionServer || dir == model.DirectionBoth {
				db.Server = append(db.Server, cp)
			}
			patternID++
		}
	}
	return db, nil
}

func compileOne(p model.Pattern) (*regexp.Regexp, error) {
	pattern := p.Regex
	prefix := ""
	if p.Flags.Caseless {
		prefix += "i"
	}
	if p.Flags.DotAll {
		prefix += "s"
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func sortRowIDs(ids []rowid.RowID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

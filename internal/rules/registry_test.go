package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caronte/caronte/internal/caronteerr"
	"github.com/caronte/caronte/internal/model"
)

func flagPattern(regex string) model.Pattern {
	return model.Pattern{Regex: regex, Flags: model.PatternFlags{Direction: model.DirectionBoth}}
}

func TestAddRuleCompilesAndVersions(t *testing.T) {
	r := NewRegistry(nil)

	id, err := r.AddRule(model.Rule{Name: "flag", Enabled: true, Patterns: []model.Pattern{flagPattern("FLAG\\{.*\\}")}})
	require.NoError(t, err)

	rule, err := r.GetRule(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rule.Version)

	db, version := r.CurrentDatabase()
	assert.Equal(t, uint64(1), version)
	require.Len(t, db.Client, 1)
	ruleID, ok := db.PatternIDToRule(db.Client[0].PatternID)
	require.True(t, ok)
	assert.Equal(t, id, ruleID)
}

func TestAddRuleRejectsDuplicateName(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.AddRule(model.Rule{Name: "dup", Enabled: true, Patterns: []model.Pattern{flagPattern("a")}})
	require.NoError(t, err)

	_, err = r.AddRule(model.Rule{Name: "dup", Enabled: true, Patterns: []model.Pattern{flagPattern("b")}})
	require.Error(t, err)
	assert.Equal(t, caronteerr.KindConflict, caronteerr.KindOf(err))
}

func TestAddRuleRejectsBadRegex(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.AddRule(model.Rule{Name: "bad", Enabled: true, Patterns: []model.Pattern{flagPattern("(unterminated")}})
	require.Error(t, err)
	assert.Equal(t, caronteerr.KindInvalidInput, caronteerr.KindOf(err))
}

func TestUpdateRuleExpectedVersionMismatch(t *testing.T) {
	r := NewRegistry(nil)
	id, err := r.AddRule(model.Rule{Name: "r", Enabled: true, Patterns: []model.Pattern{flagPattern("a")}})
	require.NoError(t, err)

	_, err = r.UpdateRule(id, RulePatch{ExpectedVersion: 99})
	require.Error(t, err)
	assert.Equal(t, caronteerr.KindPreconditionFailed, caronteerr.KindOf(err))
}

func TestUpdateRuleDisablingDropsItsPatterns(t *testing.T) {
	r := NewRegistry(nil)
	id, err := r.AddRule(model.Rule{Name: "r", Enabled: true, Patterns: []model.Pattern{flagPattern("a")}})
	require.NoError(t, err)

	disabled := false
	_, err = r.UpdateRule(id, RulePatch{Enabled: &disabled})
	require.NoError(t, err)

	db, _ := r.CurrentDatabase()
	assert.Empty(t, db.Client)
	assert.Empty(t, db.Server)
}

func TestCaselessPatternMatchesAnyCase(t *testing.T) {
	r := NewRegistry(nil)
	p := model.Pattern{Regex: "flag", Flags: model.PatternFlags{Direction: model.DirectionClient, Caseless: true}}
	_, err := r.AddRule(model.Rule{Name: "ci", Enabled: true, Patterns: []model.Pattern{p}})
	require.NoError(t, err)

	db, _ := r.CurrentDatabase()
	require.Len(t, db.Client, 1)
	assert.True(t, db.Client[0].Regex.MatchString("FLAG"))
}

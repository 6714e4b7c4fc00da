package connfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caronte/caronte/internal/model"
)

func TestEmptyExpressionMatchesEverything(t *testing.T) {
	c, err := Compile("")
	require.NoError(t, err)

	ok, err := c.Match(model.Connection{ServicePort: 80})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompileRejectsInvalidExpression(t *testing.T) {
	_, err := Compile("service_port ==")
	require.Error(t, err)
}

func TestMatchEvaluatesFields(t *testing.T) {
	c, err := Compile(`service_port == 1337 && flagged_out`)
	require.NoError(t, err)

	ok, err := c.Match(model.Connection{ServicePort: 1337, FlaggedOut: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Match(model.Connection{ServicePort: 1337, FlaggedOut: false})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterPreservesOrder(t *testing.T) {
	c, err := Compile("service_port == 80")
	require.NoError(t, err)

	conns := []model.Connection{
		{ServicePort: 80, IPSrc: "a"},
		{ServicePort: 443, IPSrc: "b"},
		{ServicePort: 80, IPSrc: "c"},
	}

	out, err := c.Filter(conns)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].IPSrc)
	assert.Equal(t, "c", out[1].IPSrc)
}

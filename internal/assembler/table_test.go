package assembler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateOnlyCreatesOnce(t *testing.T) {
	tbl := NewTable()
	calls := 0
	create := func() *Flow {
		calls++
		return &Flow{Key: "k", LastSeen: time.Now()}
	}

	f1, created1 := tbl.GetOrCreate("k", create)
	f2, created2 := tbl.GetOrCreate("k", create)

	assert.True(t, created1)
	assert.False(t, created2)
	assert.Same(t, f1, f2)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, tbl.Len())
}

func TestRemoveDeletesFlow(t *testing.T) {
	tbl := NewTable()
	tbl.GetOrCreate("k", func() *Flow { return &Flow{Key: "k", LastSeen: time.Now()} })
	tbl.Remove("k")
	assert.Equal(t, 0, tbl.Len())
}

func TestSweepEvictsIdleFlowsOnly(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	tbl.GetOrCreate("old", func() *Flow { return &Flow{Key: "old", LastSeen: now.Add(-time.Minute)} })
	tbl.GetOrCreate("fresh", func() *Flow { return &Flow{Key: "fresh", LastSeen: now} })

	var evicted []string
	tbl.Sweep(now, 10*time.Second, func(f *Flow) { evicted = append(evicted, f.Key) })

	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0])
	assert.Equal(t, 1, tbl.Len())
}

func TestWithLockMutatesExistingFlow(t *testing.T) {
	tbl := NewTable()
	tbl.GetOrCreate("k", func() *Flow { return &Flow{Key: "k", LastSeen: time.Now()} })

	tbl.WithLock("k", func(f *Flow) { f.SawRST = true })

	tbl.WithLock("k", func(f *Flow) { assert.True(t, f.SawRST) })
}

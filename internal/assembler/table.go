package assembler

import (
	"hash/fnv"
	"sync"
	"time"
)

// shardCount is the number of flow-table shards, bounding lock
// contention under concurrent packet delivery per spec §5's concurrency
// model; grounded on the teacher's single-map StreamManager generalized
// to sharded access since the teacher never ingests packets concurrently
// across goroutines.
const shardCount = 32

type shard struct {
	mu    sync.Mutex
	flows map[string]*Flow
}

// Table is a sharded, concurrency-safe collection of in-flight Flows.
type Table struct {
	shards [shardCount]*shard
}

// NewTable creates an empty flow Table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &shard{flows: make(map[string]*Flow)}
	}
	return t
}

func (t *Table) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return t.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the Flow for key, creating it with create() if it
// does not exist yet. create is only invoked while holding the shard's
// lock, so two concurrent first-packets for the same flow never race.
func (t *Table) GetOrCreate(key string, create func() *Flow) (*Flow, bool) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if f, ok := sh.flows[key]; ok {
		return f, false
	}
	f := create()
	sh.flows[key] = f
	return f, true
}

// Remove deletes a flow from the table once it has been handed off to the
// persister, so a later reused 4-tuple starts a fresh Flow.
func (t *Table) Remove(key string) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.flows, key)
}

// WithLock runs fn with the owning shard locked, giving the Assembler a
// safe window to mutate a Flow found via GetOrCreate.
func (t *Table) WithLock(key string, fn func(*Flow)) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if f, ok := sh.flows[key]; ok {
		fn(f)
	}
}

// Sweep visits every flow whose LastSeen is older than idleTimeout and
// reports it to onIdle while holding that flow's shard lock, then removes
// it from the table. Used by the Assembler to enforce T_idle_flow.
func (t *Table) Sweep(now time.Time, idleTimeout time.Duration, onIdle func(*Flow)) {
	for _, sh := range t.shards {
		sh.mu.Lock()
		for key, f := range sh.flows {
			if now.Sub(f.LastSeen) > idleTimeout {
				onIdle(f)
				delete(sh.flows, key)
			}
		}
		sh.mu.Unlock()
	}
}

// Len returns the number of live flows across all shards.
func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		n += len(sh.flows)
		sh.mu.Unlock()
	}
	return n
}

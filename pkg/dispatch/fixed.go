package dispatch

import (
	"sort"
	"sync"

	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/types"
)

type fixedEntry struct {
	spec     *types.ServiceSpec
	listener Listener
}

// FixedQueue holds fixed-mode specs that still need instances. Every
// registry change sweeps it, placing one instance on each eligible agent
// that does not host the spec yet until placed plus in-flight instances
// reach the planned count.
type FixedQueue struct {
	mu      sync.Mutex
	entries map[string]*fixedEntry
	removed map[string]bool
	count   func(key string) int
}

// NewFixedQueue creates a queue that measures progress with count, the
// placed plus in-flight instances of a key across all agents
func NewFixedQueue(count func(key string) int) *FixedQueue {
	return &FixedQueue{
		entries: make(map[string]*fixedEntry),
		removed: make(map[string]bool),
		count:   count,
	}
}

// Add queues a spec. Adding a queued key replaces its spec and listener.
func (q *FixedQueue) Add(spec *types.ServiceSpec, listener Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[spec.Key()] = &fixedEntry{spec: spec, listener: listener}
	delete(q.removed, spec.Key())
}

// restore re-queues a spec whose placement failed after its entry may
// have been cleared. A newer entry for the key is left alone, and a key
// removed since it was queued stays removed.
func (q *FixedQueue) restore(spec *types.ServiceSpec, listener Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[spec.Key()]; !ok && !q.removed[spec.Key()] {
		q.entries[spec.Key()] = &fixedEntry{spec: spec, listener: listener}
	}
}

func (q *FixedQueue) entry(key string) *fixedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries[key]
}

// Remove drops a spec
func (q *FixedQueue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.entries[key]
	delete(q.entries, key)
	q.removed[key] = true
	return ok
}

// Update replaces the spec of a queued key
func (q *FixedQueue) Update(spec *types.ServiceSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[spec.Key()]; ok {
		e.spec = spec
	}
}

// Contains reports whether a key is queued
func (q *FixedQueue) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[key]
	return ok
}

// Outstanding returns how many instances of a queued key are still missing
func (q *FixedQueue) Outstanding(key string) int {
	q.mu.Lock()
	e, ok := q.entries[key]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	if n := e.spec.Planned - q.count(key); n > 0 {
		return n
	}
	return 0
}

// Len returns the number of queued specs
func (q *FixedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// snapshot returns the entries ordered by key
func (q *FixedQueue) snapshot() []*fixedEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*fixedEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].spec.Key() < out[j].spec.Key() })
	return out
}

// clearIfSaturated drops an entry whose spec reached its planned count,
// unless the entry was replaced meanwhile
func (q *FixedQueue) clearIfSaturated(e *fixedEntry) bool {
	key := e.spec.Key()
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries[key] != e {
		return false
	}
	if e.spec.Planned-q.count(key) > 0 {
		return false
	}
	delete(q.entries, key)
	return true
}

// Total returns the missing instances summed over every queued key
func (q *FixedQueue) Total() int {
	total := 0
	for _, e := range q.snapshot() {
		if n := e.spec.Planned - q.count(e.spec.Key()); n > 0 {
			total += n
		}
	}
	return total
}

func (q *FixedQueue) report() {
	metrics.FixedOutstanding.Set(float64(q.Total()))
}

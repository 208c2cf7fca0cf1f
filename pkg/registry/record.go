package registry

import (
	"sort"
	"sync"

	"github.com/cuemby/provisor/pkg/transport"
	"github.com/cuemby/provisor/pkg/types"
)

// Record is the registry's view of one agent. All fields are guarded by
// the record's own lock so placements against different agents never
// contend.
type Record struct {
	handle transport.AgentHandle

	mu             sync.Mutex
	limit          int
	capacity       *types.Capacity
	placed         map[string][]*types.Instance
	inFlight       map[string]int
	dynamicEnabled bool
}

func newRecord(handle transport.AgentHandle, capacity *types.Capacity, limit int, placed []*types.Instance) *Record {
	r := &Record{
		handle:         handle,
		inFlight:       make(map[string]int),
		dynamicEnabled: true,
	}
	r.update(capacity, limit, placed)
	return r
}

// ID returns the agent identity
func (r *Record) ID() string {
	return r.handle.ID()
}

// Handle returns the remote handle of the agent
func (r *Record) Handle() transport.AgentHandle {
	return r.handle
}

// State returns a consistent copy of the record
func (r *Record) State() *types.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Record) stateLocked() *types.AgentState {
	st := &types.AgentState{
		ID:             r.handle.ID(),
		Limit:          r.limit,
		Capacity:       r.capacity,
		Placed:         make(map[string]int, len(r.placed)),
		InFlight:       make(map[string]int, len(r.inFlight)),
		DynamicEnabled: r.dynamicEnabled,
	}
	for key, insts := range r.placed {
		st.Placed[key] = len(insts)
	}
	for key, n := range r.inFlight {
		st.InFlight[key] = n
	}
	return st
}

// Reserve runs check against the current state and, if it passes,
// counts one placement of key as in flight. Both happen under the record
// lock, so two concurrent reservations cannot both pass on the last free
// slot. Every successful Reserve must be followed by exactly one Release
// or Commit.
func (r *Record) Reserve(key string, check func(*types.AgentState) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !check(r.stateLocked()) {
		return false
	}
	r.inFlight[key]++
	return true
}

// Release gives back a reservation whose placement did not happen
func (r *Record) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(key)
}

func (r *Record) releaseLocked(key string) {
	if r.inFlight[key] <= 1 {
		delete(r.inFlight, key)
		return
	}
	r.inFlight[key]--
}

// Commit turns a reservation into a placed instance
func (r *Record) Commit(key string, inst *types.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.releaseLocked(key)
	r.placed[key] = append(r.placed[key], inst)
}

// RemoveInstance forgets a placed instance
func (r *Record) RemoveInstance(instanceID string) (*types.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, insts := range r.placed {
		for i, inst := range insts {
			if inst.ID != instanceID {
				continue
			}
			insts = append(insts[:i:i], insts[i+1:]...)
			if len(insts) == 0 {
				delete(r.placed, key)
			} else {
				r.placed[key] = insts
			}
			return inst, true
		}
	}
	return nil, false
}

// Instances returns every placed instance, ordered by spec key then sequence
func (r *Record) Instances() []*types.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*types.Instance
	for _, insts := range r.placed {
		out = append(out, insts...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpecKey != out[j].SpecKey {
			return out[i].SpecKey < out[j].SpecKey
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// InstancesOf returns the placed instances of one spec
func (r *Record) InstancesOf(key string) []*types.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Instance(nil), r.placed[key]...)
}

func (r *Record) update(capacity *types.Capacity, limit int, placed []*types.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.capacity = capacity
	r.limit = limit
	r.placed = make(map[string][]*types.Instance)
	for _, inst := range placed {
		r.placed[inst.SpecKey] = append(r.placed[inst.SpecKey], inst)
	}
}

func (r *Record) setDynamicEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dynamicEnabled = enabled
}

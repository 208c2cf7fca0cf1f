package dispatch

import (
	"github.com/cuemby/provisor/pkg/types"
)

// Kind distinguishes first placements from moves of existing instances
type Kind string

const (
	KindPlace    Kind = "place"    // Queued when no agent is eligible
	KindRelocate Kind = "relocate" // Reported to the listener when no agent is eligible
)

// Listener is told how a placement request ended
type Listener interface {
	// Placed is called once the agent accepted the instance. Returning an
	// error withdraws the instance from the agent.
	Placed(req *PlacementRequest, inst *types.Instance) error

	// Failed is called when a relocation found no eligible agent, or a
	// placement could not be submitted
	Failed(req *PlacementRequest, err error)
}

// PlacementRequest asks for one instance of a spec to be placed
type PlacementRequest struct {
	ID       string
	Spec     *types.ServiceSpec
	Kind     Kind
	Target   string   // Only this agent is considered when set
	Exclude  []string // Agents never considered
	Clean    bool
	Listener Listener
	Index    int64 // Orders the pending queue

	tried  map[string]bool
	queued bool
	fixed  bool
}

func (r *PlacementRequest) skip(agentID string) bool {
	if r.Target != "" && r.Target != agentID {
		return true
	}
	if r.tried[agentID] {
		return true
	}
	for _, id := range r.Exclude {
		if id == agentID {
			return true
		}
	}
	return false
}

func (r *PlacementRequest) markTried(agentID string) {
	if r.tried == nil {
		r.tried = make(map[string]bool)
	}
	r.tried[agentID] = true
}

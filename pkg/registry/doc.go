/*
Package registry tracks the agents that may host service instances.

An agent joins by registering with its handle, a capacity snapshot, a
service limit and the instances it already hosts. The registry wraps it
in a Record, pairs the record with a lease in a Slot and adds the slot to
the Selector. Feedback replaces the record's capacity, limit and placed
instances. Every registration, feedback and eligibility change runs the
OnChange hooks, which the coordinator uses to sweep fixed services and
drain the pending queue.

# Architecture

	┌──────────────────────── REGISTRY ─────────────────────────┐
	│                                                            │
	│  slots map[agentID]*Slot          (registry lock)          │
	│        │                                                   │
	│        ├── Slot: lease id, expiry, clock timer             │
	│        │     └── Record (record lock)                      │
	│        │           limit, capacity, placed, in-flight      │
	│        │                                                   │
	│  Selector                          (selector lock)         │
	│        RoundRobinSelector   rotate start offset per call   │
	│        LeastActiveSelector  rotate, then stable sort by    │
	│                             placed + in-flight             │
	└────────────────────────────────────────────────────────────┘

Lock order is registry, then selector, then record. Record locks are
never held while the registry or selector lock is taken, and the
admission check passed to Reserve must not call back into the registry.

# Leases

Leases run on a juju/clock Clock so tests drive expiry with testclock.
Renew moves the deadline without touching the record. A lease that
expires, an agent that cancels, and an agent reported lost by fault
detection all end the same way: the slot leaves the map and the selector
under one registry lock, and an agent.removed event lists the orphaned
instances. The registry never re-places orphans; that is driven by the
coordinator's agent-lost handling.

# Reservations

	if slot.Record().Reserve(key, func(st *types.AgentState) bool {
		decision, ok = admission.Evaluate(spec, st)
		return ok
	}) {
		// in-flight count for key is now +1
	}

A successful Reserve must be balanced by exactly one Release (placement
did not happen) or Commit (placement succeeded).
*/
package registry

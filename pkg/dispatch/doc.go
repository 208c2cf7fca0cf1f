/*
Package dispatch turns placement requests into running instances.

The Dispatcher scans the registry's selector snapshot and reserves the
first agent that admission control accepts. Ties are broken by selector
order alone. The reservation raises the agent's in-flight count for the
spec; the remote Place call then runs on the bounded worker Pool.

# Placement Flow

	Dispatch(req)
	    │
	    ▼
	reserve: snapshot ──► Record.Reserve(admission.Evaluate) ── none ──► exhausted
	    │                                                                  │
	    ▼                                                       place: PendingQueue
	Pool.Submit(place)                                          + provision.failed
	    │                                                    relocate: Listener.Failed
	    ▼
	Place ──fail──► retry same agent (Retries, linear Backoff)
	    │                 └── still failing: Release, mark tried, rescan
	    ▼
	Commit ──► Listener.Placed ──refused──► withdraw instance
	    │
	    ▼
	instance.placed

Every reservation ends in exactly one Release or Commit, whatever the
path, so admission capacity never leaks. A failing agent is skipped only
for the rest of that request; the registry alone decides when an agent
is gone.

# Queues

PendingQueue keeps placement requests no agent could take, ordered by
request index. It is drained by Retrigger, which the coordinator calls on
every registry change. There is no timer.

FixedQueue keeps fixed-mode specs. Sweep places one instance on every
eligible agent that does not host the spec yet, until placed plus
in-flight instances across all agents reach the planned count, and then
drops the entry. Sweeps are serialized. A fixed placement that fails puts
its spec back, unless the spec was cancelled meanwhile, and rescans the
agents at once, skipping every agent that already failed that instance.

	reg.OnChange(disp.OnRegistryChange) // Sweep, then Retrigger

# Worker Pool

Pool has a fixed number of goroutines and a bounded queue. Submit never
blocks: a full queue returns ErrPoolSaturated and the dispatcher treats
the request as not placed, so it waits in the pending queue for the next
registry change. Stop lets queued tasks finish.
*/
package dispatch

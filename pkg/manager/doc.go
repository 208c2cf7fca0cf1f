/*
Package manager assembles a provisor coordinator node.

A coordinator accepts agent registrations, places service instances on
them and agrees with its sibling coordinators on which of them owns each
deployment. The Manager builds every component from one Config and
drives their lifecycle; it adds no provisioning logic of its own.

# Architecture

	┌──────────────────────── COORDINATOR ─────────────────────────┐
	│                                                                │
	│  ┌───────────────┐   OnChange   ┌──────────────────────────┐   │
	│  │   registry    │─────────────►│        dispatch          │   │
	│  │  agent leases │              │  pending, fixed, pool    │   │
	│  └───────┬───────┘              └────────────┬─────────────┘   │
	│          │                                   │                 │
	│          │         ┌─────────────────────────▼─────────────┐   │
	│          └────────►│               deploy                  │   │
	│                    │  owners, trackers, redeploy, windows  │◄──┼── scheduler
	│                    └───────┬─────────────────────┬─────────┘   │
	│                            │                     │             │
	│                  ┌─────────▼────────┐  ┌─────────▼─────────┐   │
	│                  │      peer        │  │     storage       │   │
	│                  │ conflict, backup │  │ journal, records  │   │
	│                  └─────────┬────────┘  └───────────────────┘   │
	│                            │                                   │
	└────────────────────────────┼───────────────────────────────────┘
	                             ▼
	                   sibling coordinators

Every component publishes to one events.Broker. The manager subscribes a
handler that keeps the health checker current, and the peer coordinator
forwards deployment events to its siblings.

# Startup

	1. broker and scheduler start
	2. load state becomes loading
	3. owned deployments are recovered from the journal
	4. load state becomes loaded
	5. the node joins discovery and resolves conflicts with its siblings

A coordinator never settles an ownership conflict before step 4, so a
restarting node cannot win a deployment it has not yet read back.

# Persistence

With a DataDir the journal in package storage keeps the deployment
snapshot and per-deployment records. Without one state lives in memory,
which suits tests and single-shot runs.

# Fault Detection

Fault detection is external. Whatever watches agents and siblings reports
through OnAgentLost and OnPeerLost:

	mgr.OnAgentLost("agent-7")   // instances on agent-7 are replaced
	mgr.OnPeerLost("coord-2")    // deployments coord-2 owned fail over

# Metrics

A MetricsCollector samples deployment status, running instances, known
peers and journal size every 15 seconds. Counters and histograms are
updated inline by the components themselves.
*/
package manager

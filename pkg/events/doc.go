/*
Package events provides the in-memory event broker used by provisor
components to announce provisioning and ownership changes.

Components publish; the coordinator, the peer layer and any observers
consume. Publishing never waits on a consumer: events go onto a buffered
publish queue and a single broadcast loop fans them out.

# Architecture

	┌──────────────────── EVENT BROKER ─────────────────────┐
	│                                                        │
	│  Publish ──► eventCh (buffer 256) ──► broadcast loop   │
	│                                          │             │
	│              ┌───────────────────────────┼──────────┐  │
	│              ▼                           ▼          ▼  │
	│   Subscriber channels          Handler queues (128)    │
	│   (buffer 50, skip if full)    one goroutine each      │
	└────────────────────────────────────────────────────────┘

Subscriber channels suit observers that poll (tests, the CLI). Handlers
suit components that must react to every event in order, such as the
peer coordinator forwarding deployment changes to its siblings. Each
handler owns a bounded queue and a delivery goroutine, so a slow handler
only delays itself. A handler whose queue is full loses the event and the
broker logs a warning.

# Event Types

	agent.registered        an agent obtained a lease
	agent.removed           lease expired, cancelled or agent lost;
	                        Payload lists orphaned instances
	provision.failed        no eligible agent; metadata "considered"
	instance.placed         an agent accepted a placement
	instance.lost           an instance disappeared with its agent
	deployment.deployed     first instance of a deploy cycle placed
	deployment.updated      spec, replica or date change
	deployment.undeployed   deployment removed
	deployment.ownership    mode flipped between owner and backup
	peer.joined             a sibling coordinator was discovered
	peer.lost               a sibling coordinator disappeared

Deployment events carry the *types.DeploymentSpec as Payload. Payloads
are shared between consumers and must be treated as read-only.

# Usage

	broker := events.NewBroker(events.Config{Logger: logger})
	broker.Start()
	defer broker.Stop()

	broker.Handle("audit", func(ev *events.Event) {
		record(ev)
	})

	broker.HandleAll("peer", func(ev *events.Event) {
		if ev.Type == events.EventDeploymentUpdated {
			forward(ev)
		}
	})

	broker.Publish(&events.Event{
		Type:     events.EventAgentRegistered,
		Message:  "agent registered",
		Metadata: map[string]string{events.MetaAgent: id},
	})

ID and Timestamp are filled in by Publish when empty.

A Handle callback has a bounded queue and loses events once it falls that
far behind. A HandleAll callback queues without bound and sees every event
in order.
*/
package events

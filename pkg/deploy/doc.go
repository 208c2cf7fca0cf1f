/*
Package deploy keeps the lifecycle of named deployments on a coordinator.

A deployment is a set of services provisioned together, optionally with
nested deployments and a schedule. The Manager holds one Owner per
deployment it knows about. An Owner is in one of two modes:

	owner   this coordinator places, replaces and terminates instances
	backup  a sibling owns the deployment; this copy only mirrors it

Mutations reach a backup as *types.NotOwnerError naming the owner when a
resolver knows it. Redeploy is the exception: a backup forwards it to the
owner.

# Lifecycle

	Deploy ──► scheduled ──(StartDate)──► deployed ──(Duration)──► scheduled
	                                        │   ▲                      │
	                             AgentLost  │   │ Placed        (RepeatInterval)
	                                        ▼   │                      │
	                                       broken                      ▼
	                                                          last window: Undeploy

Opening a deploy cycle adopts instances of the deployment still running on
registered agents, up to each service's planned count, and then
dispatches what is missing:

	dynamic   planned - placed - pending requests
	fixed     queued with the dispatcher, swept on every registry change
	external  tracked only

The first placement of a cycle appends a deploy date. Dates decide
ownership conflicts between coordinators, so they are merged, never
replaced, when a backup applies an update.

# Status

	scheduled    waiting for a deploy window
	broken       a placed service has no instances
	compromised  a service has fewer instances than planned
	intact       every service has its planned instances

# Timers

Deploy windows and delayed redeployments run on the scheduler. Only one
redeployment may wait per target; a second request gets
*types.AlreadyScheduledError with the time left.

	err := mgr.Redeploy(types.RedeployRequest{
		Deployment: "shop",
		Service:    "web",
		Delay:      time.Minute,
	})

A redeployment terminates the old instance before placing its
replacement. Sticky requests relocate to the old agent and fall back to
any agent when it has no room.

# Persistence

Owned deployments are written to the Persister after every change as one
JSON snapshot, with their parent, repeat count and instance sequences.
Recover restores them on startup. When a DeploymentStore is configured a
per-deployment record is kept for operators as well.

# Locking

Locks are taken in this order and never held across a dispatcher call
that can reach a listener:

	Manager.mu ──► Owner.modeMu ──► Owner.mu ──► registry, queues

Placements are issued with modeMu read locked, so SetMode(backup) waits
for them and nothing is placed after it returns.
*/
package deploy

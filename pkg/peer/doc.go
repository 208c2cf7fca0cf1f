/*
Package peer settles which sibling coordinator owns each deployment.

Every coordinator runs a Coordinator next to its deployment manager. It
keeps the table of known siblings, forwards local deployment events to
them and applies theirs. There is no external consensus service: two
coordinators that both claim a deployment each evaluate Resolve with the
arguments swapped, and exactly one of them steps down.

# Identity

	ID           stable id, a uuid unless configured
	Address      where siblings reach it
	TieBreak     random number drawn at startup
	BackupCount  standbys registered for deployments owned here
	LoadState    pending, loading or loaded

Identities are ordered by TieBreak, then Address, then ID. Conflicts are
only settled when both sides have finished loading their persisted
deployments, because the claims of a coordinator still loading are
incomplete. Changes of load state and backup count are announced.

# Conflict Resolution

	neither side deployed  smaller identity keeps the deployment
	one side deployed      the deployed side keeps it
	both sides deployed    earlier most-recent deploy date keeps it,
	                       equal dates fall back to identity

The loser flips its copy to backup and registers with the winner through
AddBackup. Checks run when a sibling is discovered, when it announces
itself and when one of its deployment events names a deployment owned
here. Running a check twice changes nothing.

# Failover

	sibling lost ──► deployments it owned and backed up here flip to owner
	             ──► ownership event to the remaining siblings
	             ──► conflict check against every loaded sibling

Several backups may flip at once; the conflict checks that follow leave a
single owner.

# Change Propagation

Local deployment.deployed, updated, undeployed and ownership events are
sent to every sibling with Notify. A backup applies an owner's update with
deploy.Manager.ApplyUpdate, merging deploy dates, and drops its copy when
the owner undeploys. A new sibling receives every deployment owned here
when it is discovered.

	coord, err := peer.New(peer.Config{
		ID:          "coord-1",
		Deployments: deployments,
		Broker:      broker,
		Discovery:   network,
	})
	coord.SetLoadState(types.LoadLoaded)
	err = coord.Start()
*/
package peer

/*
Package inproc implements the transport interfaces inside one process.

Agent is a scriptable agent: it accepts placements, can be told to fail
the next n calls or go down entirely, and records every order and
termination so tests can assert on them.

	agent := inproc.NewAgent("agent-1")
	agent.FailNext(1)

Network joins coordinators. Join introduces the newcomer to every member
in both directions; Leave reports PeerLost to the members that remain,
standing in for a fault detector. Handle calls run synchronously on the
caller's goroutine, so callers must not hold their own locks across them.
*/
package inproc

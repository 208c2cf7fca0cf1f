/*
Package transport defines how provisor reaches agents and sibling
coordinators.

The wire protocol is not part of provisor. Each role is one small
interface with one implementation per transport:

	AgentHandle          placement and termination calls to an agent
	CoordinatorHandle    calls from one coordinator to a sibling
	CoordinatorService   what a coordinator serves to its siblings
	Discovery            membership of the coordinator group
	PeerListener         discovery and loss notifications

Calls that cross the network take a context.Context; implementations
must honor its deadline. The dispatcher bounds retries itself and never
relies on a handle to give up.

Package inproc implements every interface inside one process. It backs
the single-binary mode of cmd/provisor and all multi-coordinator tests.
*/
package transport

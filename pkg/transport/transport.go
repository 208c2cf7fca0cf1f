package transport

import (
	"context"

	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/types"
)

// AgentHandle reaches one agent
type AgentHandle interface {
	// ID returns the agent's stable identity
	ID() string

	// Place asks the agent to host an instance. The returned instance
	// carries the agent-assigned ID.
	Place(ctx context.Context, order *types.PlacementOrder) (*types.Instance, error)

	// Terminate asks the agent to stop an instance
	Terminate(ctx context.Context, instanceID string) error
}

// CoordinatorHandle reaches a sibling coordinator
type CoordinatorHandle interface {
	// Identity returns the identity the sibling last announced
	Identity() types.PeerIdentity

	// Claims lists the deployments the sibling currently owns
	Claims(ctx context.Context) ([]types.Claim, error)

	// AddBackup registers backup as a standby for a deployment the
	// sibling owns
	AddBackup(ctx context.Context, deployment string, backup types.PeerIdentity) error

	// Announce tells the sibling about a change of the caller's identity
	Announce(ctx context.Context, id types.PeerIdentity) error

	// Notify delivers a deployment event. Delivery is at least once.
	Notify(ctx context.Context, from types.PeerIdentity, ev *events.Event) error

	// Redeploy forwards a redeployment request to the sibling
	Redeploy(ctx context.Context, req types.RedeployRequest) error
}

// CoordinatorService is the receiving side of CoordinatorHandle, served by
// every coordinator
type CoordinatorService interface {
	Identity() types.PeerIdentity
	Claims() []types.Claim
	AddBackup(deployment string, backup types.PeerIdentity) error
	Announce(id types.PeerIdentity)
	HandleEvent(from types.PeerIdentity, ev *events.Event)
	Redeploy(req types.RedeployRequest) error
}

// PeerListener is told about siblings appearing and disappearing. PeerLost
// is the fault-detection callback for coordinators.
type PeerListener interface {
	PeerDiscovered(h CoordinatorHandle)
	PeerLost(id string)
}

// Discovery finds sibling coordinators
type Discovery interface {
	// Join makes svc reachable by its siblings. The listener is called
	// for every sibling already present and for every later arrival.
	Join(svc CoordinatorService, l PeerListener) error

	// Leave withdraws a coordinator; remaining members see PeerLost
	Leave(id string)
}

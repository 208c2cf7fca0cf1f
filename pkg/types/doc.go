/*
Package types defines the data model shared by every provisor package.

The types in this package describe what operators declare (deployments and
the services inside them), what agents report about themselves (capacity,
measured resources and platform capabilities), and what the engine produces
(placed instances and ownership claims). They carry no behavior beyond small
helpers, so that admission, registry, dispatch and deployment logic can all
agree on one vocabulary.

# Core Types

Declarations:
  - DeploymentSpec: a named, ordered set of ServiceSpecs, optional nested
    deployments, a Schedule, a status and the deployment-date history
  - ServiceSpec: one service, its ProvisionMode, planned count, per-agent
    limit, machine affinity, associations and Requirements
  - Requirements: quantitative Thresholds keyed by resource id (SYSTEM is the
    aggregate utilization) and qualitative CapabilityRequirements, each
    optionally carrying StageableSoftware

Agent reports:
  - Capacity: measured resources with their healthy range, platform
    capabilities (a storage capability reports free bytes) and whether the
    agent can stage missing software
  - AgentState: the read-only view of an agent record used by admission

Results:
  - Instance: a placed service instance and the agent hosting it
  - PlacementOrder: what an agent receives when asked to host an instance

Coordination:
  - PeerIdentity: a coordinator's identity, totally ordered by tie-break
    number, address and id
  - Claim: a coordinator's assertion of ownership with its deploy dates

# Identity

A ServiceSpec is identified by Key(), "deployment/name". Specs are treated as
immutable once handed to the engine; an update builds a new spec and every
tracker keyed on Key() swaps its pointer. Helpers such as WithStaging and
WithInstance return copies for a single placement call:

	spec := &types.ServiceSpec{
		Deployment: "shop",
		Name:       "cart",
		Mode:       types.ProvisionDynamic,
		Planned:    2,
	}

	order := &types.PlacementOrder{
		RequestID: uuid.New().String(),
		Spec:      spec.WithInstance(3),
	}

# Errors

errors.go holds the error taxonomy. Callers match with errors.Is against the
sentinels (ErrAdmissionRejected, ErrUnknownLease, ErrNotOwner,
ErrAlreadyScheduled, ErrUnresolvableRequirement, ErrMalformedDeployment,
ErrNotFound). NotOwnerError, AlreadyScheduledError, MalformedError and
RejectedError add detail and unwrap to their sentinel. ErrOwnershipConflict
exists for internal bookkeeping and is never returned by the public API.

# Thread Safety

Values are safe for concurrent reads. Nothing here locks; owners of mutable
state (pkg/registry, pkg/deploy) copy before publishing.
*/
package types

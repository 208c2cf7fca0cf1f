/*
Package admission implements the predicate that decides whether an agent
may host an instance of a service right now.

The predicate is pure: it reads a types.AgentState snapshot and a
types.ServiceSpec and never modifies either. The registry evaluates it
while holding the agent record's lock so that the decision and the
in-flight reservation that follows are atomic.

# Checks

Checks run in a fixed order and stop at the first failure:

	1  planned          spec has planned instances
	2  service-limit    placed + in-flight across all specs < agent limit
	3  max-per-agent    placed + in-flight of this spec < MaxPerAgent
	4  fixed-planned    fixed specs: Planned - count on agent > 0
	5  associations     colocated targets resident, opposed targets absent
	6  breached         no measured resource outside its own range
	7  affinity         address or hostname listed (case-insensitive)
	8  thresholds       each declared id measured and within [Low, High];
	                    SYSTEM compares utilization against High
	9  capabilities     every requirement matched, or staged

A capability requirement the agent lacks can still be satisfied when the
agent supports persistent provisioning, every missing requirement carries
stageable software of known size, and the agent's storage capability has
room for all of it including post-install payloads. The accepted Decision
then carries a copy of the spec whose Staging lists that software.

# Usage

	if d, ok := admission.Evaluate(spec, state); ok {
		order := &types.PlacementOrder{Spec: d.Spec}
		...
	}

	// For logs and failure events
	if err := admission.Explain(spec, state); err != nil {
		step, _ := admission.StepOf(err)
		logger.Debug().Err(err).Stringer("step", step).Msg("Agent rejected")
	}

CanPlace, Evaluate and Explain share one code path, so a rejected input
is rejected again for as long as neither the spec nor the agent changes.
Rejections unwrap to types.ErrAdmissionRejected, or to
types.ErrUnresolvableRequirement for step 9.
*/
package admission

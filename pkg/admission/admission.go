package admission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/provisor/pkg/types"
	"github.com/dustin/go-humanize"
)

// Step identifies one check of the admission predicate
type Step int

const (
	StepPlanned Step = iota + 1
	StepServiceLimit
	StepMaxPerAgent
	StepFixedPlanned
	StepAssociations
	StepBreached
	StepAffinity
	StepThresholds
	StepCapabilities
)

var stepNames = map[Step]string{
	StepPlanned:      "planned",
	StepServiceLimit: "service-limit",
	StepMaxPerAgent:  "max-per-agent",
	StepFixedPlanned: "fixed-planned",
	StepAssociations: "associations",
	StepBreached:     "capacity-breached",
	StepAffinity:     "machine-affinity",
	StepThresholds:   "thresholds",
	StepCapabilities: "capabilities",
}

func (s Step) String() string {
	if n, ok := stepNames[s]; ok {
		return n
	}
	return fmt.Sprintf("step-%d", int(s))
}

// Rejection explains why an agent may not host a spec. It unwraps to
// types.ErrAdmissionRejected, or types.ErrUnresolvableRequirement when a
// capability can be neither matched nor staged.
type Rejection struct {
	Step   Step
	Reason string
	cause  error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s at %s: %s", r.cause, r.Step, r.Reason)
}

func (r *Rejection) Unwrap() error { return r.cause }

func reject(step Step, format string, args ...interface{}) *Rejection {
	return &Rejection{Step: step, Reason: fmt.Sprintf(format, args...), cause: types.ErrAdmissionRejected}
}

func unresolvable(format string, args ...interface{}) *Rejection {
	return &Rejection{Step: StepCapabilities, Reason: fmt.Sprintf(format, args...), cause: types.ErrUnresolvableRequirement}
}

// Decision is the outcome of an accepted evaluation
type Decision struct {
	// Spec is the spec to send to the agent. It is the input spec itself
	// unless software has to be staged, in which case it is a copy
	// carrying the staging list.
	Spec *types.ServiceSpec

	// Staging lists software the agent must install before hosting
	Staging []*types.StageableSoftware
}

// CanPlace reports whether the agent may host an instance of spec
func CanPlace(spec *types.ServiceSpec, agent *types.AgentState) bool {
	_, err := evaluate(spec, agent)
	return err == nil
}

// Evaluate runs the predicate and returns the placement decision on
// acceptance. Neither argument is modified.
func Evaluate(spec *types.ServiceSpec, agent *types.AgentState) (*Decision, bool) {
	d, err := evaluate(spec, agent)
	if err != nil {
		return nil, false
	}
	return d, true
}

// Explain returns nil when the agent may host spec, otherwise the first
// failing check as a *Rejection
func Explain(spec *types.ServiceSpec, agent *types.AgentState) error {
	_, err := evaluate(spec, agent)
	if err != nil {
		return err
	}
	return nil
}

// StepOf returns the failing step of an error produced by Explain
func StepOf(err error) (Step, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Step, true
	}
	return 0, false
}

func evaluate(spec *types.ServiceSpec, agent *types.AgentState) (*Decision, *Rejection) {
	key := spec.Key()

	// 1. Nothing planned
	if spec.Planned == 0 {
		return nil, reject(StepPlanned, "%s has no planned instances", key)
	}

	// 2. Agent full
	if total := agent.Total(); total >= agent.Limit {
		return nil, reject(StepServiceLimit, "agent %s hosts %d of %d services", agent.ID, total, agent.Limit)
	}

	count := agent.Count(key)

	// 3. Per-agent cap
	if spec.MaxPerAgent > 0 && count >= spec.MaxPerAgent {
		return nil, reject(StepMaxPerAgent, "agent %s hosts %d of %d allowed %s instances", agent.ID, count, spec.MaxPerAgent, key)
	}

	// 4. Fixed services stop at planned
	if spec.Mode == types.ProvisionFixed && spec.Planned-count <= 0 {
		return nil, reject(StepFixedPlanned, "agent %s already hosts %d of %d planned %s instances", agent.ID, count, spec.Planned, key)
	}

	// 5. Associations
	for _, a := range spec.Associations {
		target := a.TargetKey()
		switch a.Type {
		case types.AssociationColocated:
			if !agent.Hosts(target) {
				return nil, reject(StepAssociations, "colocated %s is not resident on agent %s", target, agent.ID)
			}
		case types.AssociationOpposed:
			if agent.Count(target) > 0 {
				return nil, reject(StepAssociations, "opposed %s is resident on agent %s", target, agent.ID)
			}
		}
	}

	capacity := agent.Capacity
	if capacity == nil {
		capacity = &types.Capacity{}
	}

	// 6. Agent reports a breached resource
	if capacity.Breached() {
		return nil, reject(StepBreached, "agent %s has a breached resource", agent.ID)
	}

	// 7. Cluster and hostname affinity
	if len(spec.MachineAffinity) > 0 && !matchesAffinity(spec.MachineAffinity, capacity) {
		return nil, reject(StepAffinity, "agent %s (%s, %s) is not in the affinity list", agent.ID, capacity.Address, capacity.Hostname)
	}

	reqs := spec.Requirements
	if reqs == nil {
		return &Decision{Spec: spec}, nil
	}

	// 8. Quantitative thresholds
	if r := checkThresholds(reqs.Thresholds, capacity, agent.ID); r != nil {
		return nil, r
	}

	// 9. Qualitative requirements, possibly satisfied by staging software
	staging, r := checkCapabilities(reqs.Capabilities, capacity, agent.ID)
	if r != nil {
		return nil, r
	}
	if len(staging) == 0 {
		return &Decision{Spec: spec}, nil
	}
	return &Decision{Spec: spec.WithStaging(staging), Staging: staging}, nil
}

func matchesAffinity(affinity []string, capacity *types.Capacity) bool {
	for _, m := range affinity {
		if (capacity.Address != "" && strings.EqualFold(m, capacity.Address)) ||
			(capacity.Hostname != "" && strings.EqualFold(m, capacity.Hostname)) {
			return true
		}
	}
	return false
}

func checkThresholds(thresholds map[string]types.Threshold, capacity *types.Capacity, agentID string) *Rejection {
	for id, th := range thresholds {
		if id == types.SystemResource {
			if capacity.Utilization > th.High {
				return reject(StepThresholds, "agent %s utilization %.2f exceeds %.2f", agentID, capacity.Utilization, th.High)
			}
			continue
		}
		m, ok := capacity.Measurement(id)
		if !ok {
			return reject(StepThresholds, "agent %s does not measure %s", agentID, id)
		}
		if !th.Contains(m.Value) {
			return reject(StepThresholds, "agent %s %s=%.2f outside [%.2f, %.2f]", agentID, id, m.Value, th.Low, th.High)
		}
	}
	return nil
}

func checkCapabilities(reqs []*types.CapabilityRequirement, capacity *types.Capacity, agentID string) ([]*types.StageableSoftware, *Rejection) {
	var unmatched []*types.CapabilityRequirement
	for _, req := range reqs {
		if !supported(req, capacity) {
			unmatched = append(unmatched, req)
		}
	}
	if len(unmatched) == 0 {
		return nil, nil
	}

	if !capacity.PersistentProvisioning {
		return nil, unresolvable("agent %s lacks %s and cannot stage software", agentID, unmatched[0].Name)
	}

	var (
		needed  int64
		staging []*types.StageableSoftware
	)
	for _, req := range unmatched {
		if req.Software == nil {
			return nil, unresolvable("%s has no stageable software", req.Name)
		}
		size := req.Software.TotalSize()
		if size < 0 {
			return nil, unresolvable("%s has no known size", req.Name)
		}
		needed += size
		staging = append(staging, req.Software)
	}

	storage := capacity.Storage()
	if storage == nil {
		return nil, unresolvable("agent %s reports no storage capability", agentID)
	}
	if storage.Available < needed {
		return nil, unresolvable("agent %s has %s free, staging needs %s",
			agentID, humanize.IBytes(uint64(max(storage.Available, 0))), humanize.IBytes(uint64(needed)))
	}
	return staging, nil
}

func supported(req *types.CapabilityRequirement, capacity *types.Capacity) bool {
	for _, pc := range capacity.Capabilities {
		if pc.Supports(req) {
			return true
		}
	}
	return false
}

package admission

import (
	"errors"
	"testing"

	"github.com/cuemby/provisor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1024 * 1024

func newAgent(id string, limit int) *types.AgentState {
	return &types.AgentState{
		ID:    id,
		Limit: limit,
		Capacity: &types.Capacity{
			Address:  "10.0.0.1",
			Hostname: "node-1",
		},
		Placed:         map[string]int{},
		InFlight:       map[string]int{},
		DynamicEnabled: true,
	}
}

func newSpec(mode types.ProvisionMode, planned int) *types.ServiceSpec {
	return &types.ServiceSpec{Deployment: "shop", Name: "web", Mode: mode, Planned: planned}
}

func TestExplainSteps(t *testing.T) {
	tests := []struct {
		name   string
		spec   func() *types.ServiceSpec
		agent  func() *types.AgentState
		step   Step
		accept bool
	}{
		{
			name:   "accepts plain dynamic spec",
			spec:   func() *types.ServiceSpec { return newSpec(types.ProvisionDynamic, 1) },
			agent:  func() *types.AgentState { return newAgent("a1", 2) },
			accept: true,
		},
		{
			name:  "rejects zero planned",
			spec:  func() *types.ServiceSpec { return newSpec(types.ProvisionDynamic, 0) },
			agent: func() *types.AgentState { return newAgent("a1", 2) },
			step:  StepPlanned,
		},
		{
			name: "rejects agent at limit counting in-flight",
			spec: func() *types.ServiceSpec { return newSpec(types.ProvisionDynamic, 1) },
			agent: func() *types.AgentState {
				a := newAgent("a1", 2)
				a.Placed["other/x"] = 1
				a.InFlight["other/y"] = 1
				return a
			},
			step: StepServiceLimit,
		},
		{
			name: "rejects max per agent",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 5)
				s.MaxPerAgent = 1
				return s
			},
			agent: func() *types.AgentState {
				a := newAgent("a1", 10)
				a.InFlight["shop/web"] = 1
				return a
			},
			step: StepMaxPerAgent,
		},
		{
			name: "rejects fixed spec at planned",
			spec: func() *types.ServiceSpec { return newSpec(types.ProvisionFixed, 1) },
			agent: func() *types.AgentState {
				a := newAgent("a1", 10)
				a.Placed["shop/web"] = 1
				return a
			},
			step: StepFixedPlanned,
		},
		{
			name: "rejects missing colocated target",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.Associations = []*types.Association{{Type: types.AssociationColocated, Deployment: "shop", Name: "db"}}
				return s
			},
			agent: func() *types.AgentState { return newAgent("a1", 2) },
			step:  StepAssociations,
		},
		{
			name: "accepts resident colocated target",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.Associations = []*types.Association{{Type: types.AssociationColocated, Deployment: "shop", Name: "db"}}
				return s
			},
			agent: func() *types.AgentState {
				a := newAgent("a1", 3)
				a.Placed["shop/db"] = 1
				return a
			},
			accept: true,
		},
		{
			name: "rejects resident opposed target",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.Associations = []*types.Association{{Type: types.AssociationOpposed, Deployment: "shop", Name: "db"}}
				return s
			},
			agent: func() *types.AgentState {
				a := newAgent("a1", 3)
				a.InFlight["shop/db"] = 1
				return a
			},
			step: StepAssociations,
		},
		{
			name: "rejects breached capacity",
			spec: func() *types.ServiceSpec { return newSpec(types.ProvisionDynamic, 1) },
			agent: func() *types.AgentState {
				a := newAgent("a1", 2)
				a.Capacity.Measured = []types.MeasuredResource{{ID: "cpu", Value: 0.99, Low: 0, High: 0.9}}
				return a
			},
			step: StepBreached,
		},
		{
			name: "rejects affinity mismatch",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.MachineAffinity = []string{"node-9", "10.0.0.9"}
				return s
			},
			agent: func() *types.AgentState { return newAgent("a1", 2) },
			step:  StepAffinity,
		},
		{
			name: "accepts hostname affinity ignoring case",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.MachineAffinity = []string{"NODE-1"}
				return s
			},
			agent:  func() *types.AgentState { return newAgent("a1", 2) },
			accept: true,
		},
		{
			name: "rejects missing measurement",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.Requirements = &types.Requirements{Thresholds: map[string]types.Threshold{"memory": {Low: 0, High: 0.5}}}
				return s
			},
			agent: func() *types.AgentState { return newAgent("a1", 2) },
			step:  StepThresholds,
		},
		{
			name: "rejects measurement outside threshold",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.Requirements = &types.Requirements{Thresholds: map[string]types.Threshold{"memory": {Low: 0, High: 0.5}}}
				return s
			},
			agent: func() *types.AgentState {
				a := newAgent("a1", 2)
				a.Capacity.Measured = []types.MeasuredResource{{ID: "memory", Value: 0.7, Low: 0, High: 1}}
				return a
			},
			step: StepThresholds,
		},
		{
			name: "rejects system utilization above high",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.Requirements = &types.Requirements{Thresholds: map[string]types.Threshold{types.SystemResource: {High: 0.8}}}
				return s
			},
			agent: func() *types.AgentState {
				a := newAgent("a1", 2)
				a.Capacity.Utilization = 0.85
				return a
			},
			step: StepThresholds,
		},
		{
			name: "accepts matched capability",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.Requirements = &types.Requirements{Capabilities: []*types.CapabilityRequirement{{Name: "java", Version: "17"}}}
				return s
			},
			agent: func() *types.AgentState {
				a := newAgent("a1", 2)
				a.Capacity.Capabilities = []*types.PlatformCapability{{Type: types.CapabilitySoftware, Name: "Java", Version: "17"}}
				return a
			},
			accept: true,
		},
		{
			name: "rejects unmatched capability without persistent provisioning",
			spec: func() *types.ServiceSpec {
				s := newSpec(types.ProvisionDynamic, 1)
				s.Requirements = &types.Requirements{Capabilities: []*types.CapabilityRequirement{
					{Name: "java", Software: &types.StageableSoftware{Name: "jdk", Size: mb}},
				}}
				return s
			},
			agent: func() *types.AgentState { return newAgent("a1", 2) },
			step:  StepCapabilities,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec()
			agent := tt.agent()

			err := Explain(spec, agent)
			assert.Equal(t, tt.accept, CanPlace(spec, agent))
			if tt.accept {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			step, ok := StepOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.step, step)
		})
	}
}

func stagingAgent(free int64) *types.AgentState {
	a := newAgent("a1", 4)
	a.Capacity.PersistentProvisioning = true
	a.Capacity.Capabilities = []*types.PlatformCapability{
		{Type: types.CapabilityStorage, Name: "disk", Available: free},
	}
	return a
}

func stagingSpec() *types.ServiceSpec {
	s := newSpec(types.ProvisionDynamic, 1)
	s.Requirements = &types.Requirements{Capabilities: []*types.CapabilityRequirement{
		{Name: "analytics", Software: &types.StageableSoftware{
			Name: "analytics", Size: 400 * mb,
			PostInstall: []*types.StageableSoftware{{Name: "models", Size: 100 * mb}},
		}},
	}}
	return s
}

func TestStagingNeedsFreeStorage(t *testing.T) {
	spec := stagingSpec()

	_, ok := Evaluate(spec, stagingAgent(400*mb))
	assert.False(t, ok)
	err := Explain(spec, stagingAgent(400*mb))
	assert.True(t, errors.Is(err, types.ErrUnresolvableRequirement))
	assert.Contains(t, err.Error(), "400 MiB")

	d, ok := Evaluate(spec, stagingAgent(600*mb))
	require.True(t, ok)
	require.Len(t, d.Spec.Staging, 1)
	assert.Equal(t, "analytics", d.Spec.Staging[0].Name)
	assert.Equal(t, int64(500*mb), d.Spec.Staging[0].TotalSize())
	assert.Equal(t, d.Staging, d.Spec.Staging)

	assert.Empty(t, spec.Staging, "input spec must not be modified")
	assert.NotSame(t, spec, d.Spec)
}

func TestStagingRejectsUnknownSize(t *testing.T) {
	spec := stagingSpec()
	spec.Requirements.Capabilities[0].Software.PostInstall[0].Size = -1

	err := Explain(spec, stagingAgent(10000*mb))
	assert.ErrorIs(t, err, types.ErrUnresolvableRequirement)
}

func TestStagingRejectsMissingDescriptor(t *testing.T) {
	spec := newSpec(types.ProvisionDynamic, 1)
	spec.Requirements = &types.Requirements{Capabilities: []*types.CapabilityRequirement{{Name: "gpu"}}}

	assert.False(t, CanPlace(spec, stagingAgent(10000*mb)))
}

func TestAcceptWithoutStagingReturnsSameSpec(t *testing.T) {
	spec := newSpec(types.ProvisionDynamic, 1)
	d, ok := Evaluate(spec, newAgent("a1", 1))
	require.True(t, ok)
	assert.Same(t, spec, d.Spec)
	assert.Empty(t, d.Staging)
}

func TestRejectionIsDeterministic(t *testing.T) {
	spec := newSpec(types.ProvisionDynamic, 1)
	spec.MaxPerAgent = 1
	agent := newAgent("a1", 4)
	agent.Placed["shop/web"] = 1

	first := Explain(spec, agent)
	for i := 0; i < 10; i++ {
		assert.False(t, CanPlace(spec, agent))
		assert.Equal(t, first.Error(), Explain(spec, agent).Error())
	}
	assert.Equal(t, 1, agent.Placed["shop/web"])
	assert.Empty(t, agent.InFlight)
}

func TestNilCapacity(t *testing.T) {
	agent := newAgent("a1", 1)
	agent.Capacity = nil

	assert.True(t, CanPlace(newSpec(types.ProvisionDynamic, 1), agent))

	spec := newSpec(types.ProvisionDynamic, 1)
	spec.MachineAffinity = []string{"node-1"}
	assert.False(t, CanPlace(spec, agent))
}

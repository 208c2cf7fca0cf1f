package dispatch

import (
	"fmt"
	"testing"

	"github.com/cuemby/provisor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSpec(planned int) *types.ServiceSpec {
	return &types.ServiceSpec{Deployment: "shop", Name: "agentd", Mode: types.ProvisionFixed, Planned: planned}
}

func TestFixedPlacesOnNewAgents(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", 4)
	f.register(t, "a2", 4)
	listener := &recordingListener{}
	spec := fixedSpec(3)

	require.NoError(t, f.disp.PlaceFixed(spec, listener))
	f.disp.Pool().Wait()

	assert.Equal(t, 2, listener.placedCount())
	assert.Equal(t, 2, f.reg.Count(spec.Key()))
	assert.Equal(t, 1, f.disp.Fixed().Outstanding(spec.Key()))
	assert.True(t, f.disp.Fixed().Contains(spec.Key()))

	f.register(t, "a3", 4)
	f.disp.Pool().Wait()

	assert.Equal(t, 3, listener.placedCount())
	assert.Equal(t, 3, f.reg.Count(spec.Key()))
	assert.False(t, f.disp.Fixed().Contains(spec.Key()))
	assert.Equal(t, 0, f.disp.Fixed().Outstanding(spec.Key()))
	for _, id := range []string{"a1", "a2", "a3"} {
		assert.Equal(t, 1, f.state(id).Placed[spec.Key()], id)
	}
}

func TestFixedSaturatesEveryEligibleAgent(t *testing.T) {
	for _, n := range []int{1, 3, 6} {
		t.Run(fmt.Sprintf("planned=%d", n), func(t *testing.T) {
			f := newFixture(t)
			for i := 0; i < n; i++ {
				f.register(t, fmt.Sprintf("a%d", i), 2)
			}
			spec := fixedSpec(n)
			spec.MaxPerAgent = 1

			require.NoError(t, f.disp.PlaceFixed(spec, nil))
			f.disp.Pool().Wait()

			// Further registry churn must not over-place
			require.NoError(t, f.reg.Feedback("a0", nil, 2, f.reg.Lookup("a0").Record().Instances()))
			f.disp.Pool().Wait()

			for i := 0; i < n; i++ {
				assert.Equal(t, 1, f.state(fmt.Sprintf("a%d", i)).Placed[spec.Key()])
			}
			assert.Equal(t, n, f.reg.Count(spec.Key()))
			assert.Equal(t, 0, f.disp.Fixed().Len())
		})
	}
}

func TestFixedFailureRequeues(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", 2).SetDown(true)
	spec := fixedSpec(1)

	require.NoError(t, f.disp.PlaceFixed(spec, nil))
	f.disp.Pool().Wait()

	assert.Equal(t, 0, f.reg.Count(spec.Key()))
	assert.True(t, f.disp.Fixed().Contains(spec.Key()))

	f.agents["a1"].SetDown(false)
	f.disp.Sweep()
	f.disp.Pool().Wait()
	assert.Equal(t, 1, f.reg.Count(spec.Key()))
	assert.False(t, f.disp.Fixed().Contains(spec.Key()))
}

func TestFixedFailureMovesToNextAgent(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", 2).SetDown(true)
	f.register(t, "a2", 2)
	f.register(t, "a3", 2)
	listener := &recordingListener{}
	spec := fixedSpec(2)

	// The first sweep reserves a1 and a2, a1 fails and a3 takes its place
	// without any further registry change
	require.NoError(t, f.disp.PlaceFixed(spec, listener))
	f.disp.Pool().Wait()

	assert.Equal(t, 2, f.reg.Count(spec.Key()))
	assert.Equal(t, 2, listener.placedCount())
	assert.Equal(t, 0, f.state("a1").Placed[spec.Key()])
	assert.Equal(t, 1, f.state("a2").Placed[spec.Key()])
	assert.Equal(t, 1, f.state("a3").Placed[spec.Key()])
	assert.False(t, f.disp.Fixed().Contains(spec.Key()))

	// One call plus one retry, then a1 is skipped for the rest of the rescan
	assert.Len(t, f.agents["a1"].Orders(), 2)
}

func TestFixedFailureWithoutAlternativeWaits(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", 2).SetDown(true)
	f.register(t, "a2", 2).SetDown(true)
	spec := fixedSpec(1)

	require.NoError(t, f.disp.PlaceFixed(spec, nil))
	f.disp.Pool().Wait()

	assert.Equal(t, 0, f.reg.Count(spec.Key()))
	assert.True(t, f.disp.Fixed().Contains(spec.Key()))
	assert.Len(t, f.agents["a1"].Orders(), 2)
	assert.Len(t, f.agents["a2"].Orders(), 2)
}

func TestFixedCancelledSpecStaysRemoved(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", 2).SetDown(true)
	spec := fixedSpec(2)

	require.NoError(t, f.disp.PlaceFixed(spec, nil))
	f.disp.Cancel(spec.Key())
	f.disp.Pool().Wait()

	assert.False(t, f.disp.Fixed().Contains(spec.Key()))
}

func TestPlaceFixedRejectsDynamic(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.disp.PlaceFixed(dynamicSpec(1), nil))
}

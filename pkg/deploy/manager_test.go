package deploy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/provisor/pkg/dispatch"
	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/registry"
	"github.com/cuemby/provisor/pkg/scheduler"
	"github.com/cuemby/provisor/pkg/storage"
	"github.com/cuemby/provisor/pkg/transport/inproc"
	"github.com/cuemby/provisor/pkg/types"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clk       *testclock.Clock
	reg       *registry.Registry
	disp      *dispatch.Dispatcher
	sched     *scheduler.Scheduler
	broker    *events.Broker
	persister *storage.MemoryPersister
	mgr       *Manager
	agents    map[string]*inproc.Agent
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, storage.NewMemoryPersister())
}

func newFixtureWith(t *testing.T, persister *storage.MemoryPersister) *fixture {
	t.Helper()

	broker := events.NewBroker(events.Config{Logger: zerolog.Nop()})
	broker.Start()
	t.Cleanup(broker.Stop)

	// Leases run on the wall clock so the test clock only carries
	// scheduler timers
	clk := testclock.NewClock(epoch)
	reg := registry.New(registry.Config{Clock: clock.WallClock, Broker: broker, Logger: zerolog.Nop()})

	disp, err := dispatch.New(dispatch.Config{
		Registry: reg,
		Pool:     dispatch.NewPool(4, 128),
		Broker:   broker,
		Clock:    clk,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(disp.Stop)
	reg.OnChange(disp.OnRegistryChange)

	sched := scheduler.NewScheduler(scheduler.Config{Clock: clk, Logger: zerolog.Nop()})
	mgr, err := New(Config{
		Dispatcher: disp,
		Registry:   reg,
		Scheduler:  sched,
		Broker:     broker,
		Persister:  persister,
		Clock:      clk,
		Logger:     zerolog.Nop(),
		Origin:     "coord-1",
	})
	require.NoError(t, err)
	sched.Start()
	t.Cleanup(sched.Stop)

	return &fixture{
		clk:       clk,
		reg:       reg,
		disp:      disp,
		sched:     sched,
		broker:    broker,
		persister: persister,
		mgr:       mgr,
		agents:    make(map[string]*inproc.Agent),
	}
}

func (f *fixture) register(t *testing.T, id string, limit int, placed ...*types.Instance) *inproc.Agent {
	t.Helper()
	agent := inproc.NewAgent(id)
	f.agents[id] = agent
	_, err := f.reg.Register(agent, &types.Capacity{Hostname: id}, limit, placed, time.Hour)
	require.NoError(t, err)
	f.settle()
	return agent
}

// settle waits for placements and background terminations
func (f *fixture) settle() {
	f.disp.Pool().Wait()
	f.mgr.Wait()
	f.disp.Pool().Wait()
}

func shop(services ...*types.ServiceSpec) *types.DeploymentSpec {
	return &types.DeploymentSpec{Name: "shop", Services: services}
}

func dynamic(name string, planned int) *types.ServiceSpec {
	return &types.ServiceSpec{Name: name, Mode: types.ProvisionDynamic, Planned: planned}
}

func fixed(name string, planned int) *types.ServiceSpec {
	return &types.ServiceSpec{Name: name, Mode: types.ProvisionFixed, Planned: planned}
}

type recordingListener struct {
	mu     sync.Mutex
	placed []*types.Instance
	failed []error
}

func (l *recordingListener) Placed(inst *types.Instance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.placed = append(l.placed, inst)
}

func (l *recordingListener) Failed(spec string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, err)
}

func (l *recordingListener) placedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.placed)
}

func TestDeploySinglePlacement(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 2)
	listener := &recordingListener{}

	results, err := f.mgr.Deploy(shop(dynamic("web", 1)), listener)
	require.NoError(t, err)
	assert.Empty(t, results)
	f.settle()

	assert.Len(t, agent.Orders(), 1)
	assert.Equal(t, 1, f.reg.Lookup("a1").Record().State().Placed["shop/web"])
	assert.Equal(t, 1, listener.placedCount())

	o := f.mgr.Owner("shop")
	require.NotNil(t, o)
	assert.Len(t, o.Instances("web"), 1)
	assert.True(t, f.mgr.IsOwner("shop"))

	status, err := f.mgr.Status("shop")
	require.NoError(t, err)
	assert.Equal(t, types.StatusIntact, status)

	// The first placement dates the deploy cycle
	assert.Eventually(t, func() bool { return len(o.Dates()) == 1 }, time.Second, 10*time.Millisecond)
	assert.True(t, epoch.Equal(o.Dates()[0]))
}

func TestDeployRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		spec *types.DeploymentSpec
	}{
		{name: "no name", spec: &types.DeploymentSpec{Services: []*types.ServiceSpec{dynamic("web", 1)}}},
		{name: "duplicate service", spec: shop(dynamic("web", 1), dynamic("web", 2))},
		{name: "bad mode", spec: shop(&types.ServiceSpec{Name: "web", Mode: "sometimes", Planned: 1})},
		{
			name: "malformed nested",
			spec: &types.DeploymentSpec{
				Name:     "shop",
				Services: []*types.ServiceSpec{dynamic("web", 1)},
				Nested:   []*types.DeploymentSpec{{Name: ""}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			agent := f.register(t, "a1", 4)

			_, err := f.mgr.Deploy(tt.spec, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrMalformedDeployment)
			f.settle()

			assert.Empty(t, f.mgr.Deployments())
			assert.Empty(t, agent.Orders())
			assert.Zero(t, f.persister.Count())
		})
	}
}

func TestDeployFixedWaitsForAgents(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", 4)
	f.register(t, "a2", 4)

	_, err := f.mgr.Deploy(shop(fixed("agent", 3)), nil)
	require.NoError(t, err)
	f.settle()

	o := f.mgr.Owner("shop")
	assert.Len(t, o.Instances("agent"), 2)
	assert.Equal(t, 1, f.disp.Fixed().Outstanding("shop/agent"))
	assert.Equal(t, types.StatusCompromised, o.Status())

	f.register(t, "a3", 4)
	assert.Len(t, o.Instances("agent"), 3)
	assert.Equal(t, 0, f.disp.Fixed().Len())
	assert.Equal(t, types.StatusIntact, o.Status())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Deploy(shop(dynamic("web", 2), &types.ServiceSpec{Name: "db", Mode: types.ProvisionExternal, Planned: 1}), nil)
	require.NoError(t, err)
	f.settle()

	status, err := f.mgr.Status("shop")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBroken, status)
	assert.Equal(t, 2, f.disp.Pending().Count("shop/web"))

	f.register(t, "a1", 1)
	status, _ = f.mgr.Status("shop")
	assert.Equal(t, types.StatusCompromised, status)

	f.register(t, "a2", 1)
	status, _ = f.mgr.Status("shop")
	assert.Equal(t, types.StatusIntact, status)

	_, err = f.mgr.Status("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUndeploy(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	sub := f.broker.Subscribe()
	defer f.broker.Unsubscribe(sub)

	_, err := f.mgr.Deploy(shop(dynamic("web", 2)), nil)
	require.NoError(t, err)
	f.settle()
	require.Len(t, agent.Instances(), 2)

	ok, err := f.mgr.Undeploy("shop", true)
	require.NoError(t, err)
	assert.True(t, ok)
	f.settle()

	assert.Empty(t, agent.Instances())
	assert.Len(t, agent.Terminated(), 2)
	assert.Empty(t, f.mgr.OwnedDeployments())
	assert.Zero(t, f.reg.Count("shop/web"))

	ok, err = f.mgr.Undeploy("shop", true)
	require.NoError(t, err)
	assert.False(t, ok)

	seen := map[events.EventType]bool{}
	timeout := time.After(time.Second)
	for !seen[events.EventDeploymentUndeployed] {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatal("no undeployed event")
		}
	}
	assert.True(t, seen[events.EventDeploymentDeployed])
}

func TestUndeployKeepsInstances(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	_, err := f.mgr.Deploy(shop(dynamic("web", 1)), nil)
	require.NoError(t, err)
	f.settle()

	ok, err := f.mgr.Undeploy("shop", false)
	require.NoError(t, err)
	assert.True(t, ok)
	f.settle()

	assert.Len(t, agent.Instances(), 1)
	assert.Empty(t, agent.Terminated())
}

func TestNestedDeployments(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	spec := &types.DeploymentSpec{
		Name:     "shop",
		Services: []*types.ServiceSpec{dynamic("web", 1)},
		Nested: []*types.DeploymentSpec{{
			Name:     "payments",
			Services: []*types.ServiceSpec{dynamic("api", 1)},
		}},
	}
	_, err := f.mgr.Deploy(spec, nil)
	require.NoError(t, err)
	f.settle()

	assert.Equal(t, []string{"payments", "shop"}, f.mgr.Deployments())
	assert.Len(t, agent.Instances(), 2)

	got, err := f.mgr.Deployment("shop")
	require.NoError(t, err)
	require.Len(t, got.Nested, 1)
	assert.Equal(t, "payments", got.Nested[0].Name)
	assert.Equal(t, "payments", got.Nested[0].Services[0].Deployment)

	ok, err := f.mgr.Undeploy("shop", true)
	require.NoError(t, err)
	assert.True(t, ok)
	f.settle()

	assert.Empty(t, f.mgr.Deployments())
	assert.Empty(t, agent.Instances())
}

func TestServiceMutations(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 8)

	_, err := f.mgr.Deploy(shop(dynamic("web", 1)), nil)
	require.NoError(t, err)
	f.settle()
	o := f.mgr.Owner("shop")

	require.NoError(t, f.mgr.AddServiceSpec("shop", dynamic("cache", 2)))
	f.settle()
	assert.Len(t, o.Instances("cache"), 2)

	err = f.mgr.AddServiceSpec("shop", dynamic("cache", 1))
	assert.ErrorIs(t, err, types.ErrMalformedDeployment)

	require.NoError(t, f.mgr.UpdateServiceSpec("shop", dynamic("web", 3)))
	f.settle()
	assert.Len(t, o.Instances("web"), 3)

	require.NoError(t, f.mgr.UpdateServiceSpec("shop", dynamic("web", 1)))
	f.settle()
	web := o.Instances("web")
	require.Len(t, web, 1)
	assert.Equal(t, int64(1), web[0].Seq, "newest instances go first")

	require.NoError(t, f.mgr.RemoveServiceSpec("shop", "cache", true))
	f.settle()
	assert.Nil(t, o.Instances("cache"))
	assert.Zero(t, f.reg.Count("shop/cache"))
	assert.Len(t, agent.Instances(), 1)

	err = f.mgr.RemoveServiceSpec("shop", "cache", true)
	assert.ErrorIs(t, err, types.ErrNotFound)
	err = f.mgr.UpdateServiceSpec("nope", dynamic("web", 1))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestReplicaCounts(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 8)

	_, err := f.mgr.Deploy(shop(dynamic("web", 1)), nil)
	require.NoError(t, err)
	f.settle()
	o := f.mgr.Owner("shop")

	listener := &recordingListener{}
	require.NoError(t, f.mgr.IncrementReplica("shop/web", listener))
	f.settle()
	assert.Len(t, o.Instances("web"), 2)
	assert.Equal(t, 1, listener.placedCount())

	victim := o.Instances("web")[0]
	require.NoError(t, f.mgr.DecrementReplica("shop/web", victim.ID))
	f.settle()
	remaining := o.Instances("web")
	require.Len(t, remaining, 1)
	assert.NotEqual(t, victim.ID, remaining[0].ID)
	assert.Contains(t, agent.Terminated(), victim.ID)

	err = f.mgr.DecrementReplica("shop/web", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	err = f.mgr.IncrementReplica("shop/nope", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
	err = f.mgr.IncrementReplica("nokey", nil)
	assert.ErrorIs(t, err, types.ErrMalformedDeployment)
}

func TestTrimPending(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", 1)

	_, err := f.mgr.Deploy(shop(dynamic("web", 4)), nil)
	require.NoError(t, err)
	f.settle()
	require.Equal(t, 3, f.disp.Pending().Count("shop/web"))

	n, err := f.mgr.Trim("shop/web", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.disp.Pending().Count("shop/web"))

	got, err := f.mgr.Deployment("shop")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Service("web").Planned)

	n, err = f.mgr.Trim("shop/web", -1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.disp.Pending().Len())
}

func TestDecrementDropsPendingFirst(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 1)

	_, err := f.mgr.Deploy(shop(dynamic("web", 2)), nil)
	require.NoError(t, err)
	f.settle()
	require.Equal(t, 1, f.disp.Pending().Count("shop/web"))

	require.NoError(t, f.mgr.DecrementReplica("shop/web", ""))
	f.settle()
	assert.Zero(t, f.disp.Pending().Count("shop/web"))
	assert.Len(t, agent.Instances(), 1)
	assert.Empty(t, agent.Terminated())
}

type fakeResolver struct {
	owner     string
	forwarded []types.RedeployRequest
}

func (r *fakeResolver) OwnerOf(deployment string) (string, bool) {
	return r.owner, r.owner != ""
}

func (r *fakeResolver) ForwardRedeploy(req types.RedeployRequest) error {
	r.forwarded = append(r.forwarded, req)
	return nil
}

func TestBackupRejectsMutations(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)
	resolver := &fakeResolver{owner: "coord-2"}
	f.mgr.SetResolver(resolver)

	require.NoError(t, f.mgr.Track(shop(dynamic("web", 1))))
	f.settle()
	assert.Empty(t, agent.Orders())
	assert.False(t, f.mgr.IsOwner("shop"))

	var notOwner *types.NotOwnerError
	err := f.mgr.AddServiceSpec("shop", dynamic("cache", 1))
	require.ErrorAs(t, err, &notOwner)
	assert.Equal(t, "coord-2", notOwner.Owner)

	_, err = f.mgr.Undeploy("shop", true)
	assert.ErrorIs(t, err, types.ErrNotOwner)
	assert.ErrorIs(t, f.mgr.IncrementReplica("shop/web", nil), types.ErrNotOwner)
	_, err = f.mgr.Deploy(shop(dynamic("web", 1)), nil)
	assert.ErrorIs(t, err, types.ErrNotOwner)

	// Redeploy is advisory and goes to the owner
	require.NoError(t, f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop"}))
	assert.Len(t, resolver.forwarded, 1)

	resolver.owner = ""
	err = f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop"})
	assert.ErrorIs(t, err, types.ErrNotOwner)
}

func TestSetModeOwnerResumesPlacement(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	deployed := epoch.Add(-time.Hour)
	spec := shop(dynamic("web", 2))
	spec.DeployDates = []time.Time{deployed}
	require.NoError(t, f.mgr.Track(spec))

	sub := f.broker.Subscribe()
	defer f.broker.Unsubscribe(sub)

	require.NoError(t, f.mgr.SetMode("shop", ModeOwner))
	f.settle()
	assert.Len(t, agent.Instances(), 2)
	assert.True(t, f.mgr.IsOwner("shop"))

	timeout := time.After(time.Second)
	for {
		var ev *events.Event
		select {
		case ev = <-sub:
		case <-timeout:
			t.Fatal("no ownership event")
		}
		if ev.Type == events.EventDeploymentOwnership {
			assert.Equal(t, string(ModeOwner), ev.Get(events.MetaMode))
			assert.Equal(t, "coord-1", ev.Get(events.MetaOrigin))
			break
		}
	}

	// Setting the same mode again is a no-op
	require.NoError(t, f.mgr.SetMode("shop", ModeOwner))
	assert.ErrorIs(t, f.mgr.SetMode("nope", ModeOwner), types.ErrNotFound)
}

func TestSetModeBackupStopsPlacement(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 1)

	_, err := f.mgr.Deploy(shop(dynamic("web", 3)), nil)
	require.NoError(t, err)
	f.settle()
	require.Equal(t, 2, f.disp.Pending().Count("shop/web"))

	require.NoError(t, f.mgr.SetMode("shop", ModeBackup))
	assert.Zero(t, f.disp.Pending().Count("shop/web"))

	// Placed instances stay where they are
	assert.Len(t, agent.Instances(), 1)
	assert.Len(t, f.mgr.Owner("shop").Instances("web"), 1)

	// New capacity does not place anything for a backup
	f.register(t, "a2", 4)
	assert.Empty(t, f.agents["a2"].Orders())
	assert.Empty(t, f.mgr.Claims())
}

func TestApplyUpdateMergesDates(t *testing.T) {
	f := newFixture(t)

	d1 := epoch.Add(-2 * time.Hour)
	d2 := epoch.Add(-time.Hour)

	spec := shop(dynamic("web", 1))
	spec.DeployDates = []time.Time{d1}
	require.True(t, f.mgr.ApplyUpdate(spec))

	update := shop(dynamic("web", 2), dynamic("cache", 1))
	update.DeployDates = []time.Time{d2, d1}
	require.True(t, f.mgr.ApplyUpdate(update))
	require.True(t, f.mgr.ApplyUpdate(update))

	o := f.mgr.Owner("shop")
	assert.Equal(t, ModeBackup, o.Mode())
	dates := o.Dates()
	require.Len(t, dates, 2)
	assert.True(t, d1.Equal(dates[0]))
	assert.True(t, d2.Equal(dates[1]))

	got, err := f.mgr.Deployment("shop")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Service("web").Planned)
	assert.NotNil(t, got.Service("cache"))

	assert.True(t, f.mgr.Forget("shop"))
	assert.False(t, f.mgr.Forget("shop"))
	assert.Nil(t, f.mgr.Owner("shop"))
}

func TestApplyUpdateIgnoresOwned(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Deploy(shop(dynamic("web", 1)), nil)
	require.NoError(t, err)

	assert.False(t, f.mgr.ApplyUpdate(shop(dynamic("web", 5))))
	assert.False(t, f.mgr.Forget("shop"))
	assert.ErrorIs(t, f.mgr.Track(shop(dynamic("web", 1))), types.ErrOwnershipConflict)

	claims := f.mgr.Claims()
	require.Len(t, claims, 1)
	assert.Equal(t, "shop", claims[0].Deployment)
}

func TestRedeploy(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	_, err := f.mgr.Deploy(shop(dynamic("web", 2)), nil)
	require.NoError(t, err)
	f.settle()
	o := f.mgr.Owner("shop")
	before := o.Instances("web")
	require.Len(t, before, 2)

	require.NoError(t, f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop", Service: "web", InstanceID: before[0].ID, Clean: true}))
	f.settle()

	after := o.Instances("web")
	require.Len(t, after, 2)
	assert.NotContains(t, []string{after[0].ID, after[1].ID}, before[0].ID)
	assert.Contains(t, agent.Terminated(), before[0].ID)

	orders := agent.Orders()
	assert.True(t, orders[len(orders)-1].Clean)
	assert.Equal(t, int64(3), orders[len(orders)-1].Spec.Instance)

	err = f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop", Service: "nope"})
	assert.ErrorIs(t, err, types.ErrNotFound)
	err = f.mgr.Redeploy(types.RedeployRequest{Deployment: "nope"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStickyRedeploy(t *testing.T) {
	f := newFixture(t)
	a1 := f.register(t, "a1", 4)

	_, err := f.mgr.Deploy(shop(dynamic("web", 1)), nil)
	require.NoError(t, err)
	f.settle()
	a2 := f.register(t, "a2", 4)

	require.NoError(t, f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop", Sticky: true}))
	f.settle()

	assert.Len(t, a1.Instances(), 1)
	assert.Empty(t, a2.Orders())
	assert.Len(t, a1.Terminated(), 1)
}

func TestStickyRedeployFallsBack(t *testing.T) {
	f := newFixture(t)
	a1 := f.register(t, "a1", 4)

	_, err := f.mgr.Deploy(shop(dynamic("web", 1)), nil)
	require.NoError(t, err)
	f.settle()
	a2 := f.register(t, "a2", 4)

	// The old agent stops taking placements
	require.NoError(t, f.reg.SetDynamicEnabled("a1", false))
	f.settle()

	require.NoError(t, f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop", Sticky: true}))
	f.settle()

	assert.Empty(t, a1.Instances())
	assert.Len(t, a2.Instances(), 1)
	assert.Len(t, f.mgr.Owner("shop").Instances("web"), 1)
}

func TestDelayedRedeployIsExclusive(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	_, err := f.mgr.Deploy(shop(dynamic("web", 1)), nil)
	require.NoError(t, err)
	f.settle()
	old := f.mgr.Owner("shop").Instances("web")[0]

	req := types.RedeployRequest{Deployment: "shop", Service: "web", Delay: time.Minute}
	require.NoError(t, f.mgr.Redeploy(req))

	require.NoError(t, f.clk.WaitAdvance(20*time.Second, time.Second, 1))

	var scheduled *types.AlreadyScheduledError
	err = f.mgr.Redeploy(req)
	require.ErrorAs(t, err, &scheduled)
	assert.Equal(t, 40*time.Second, scheduled.Remaining)
	assert.Contains(t, err.Error(), "40 seconds remaining")

	// An immediate request for the same target is refused too
	err = f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop", Service: "web"})
	assert.ErrorIs(t, err, types.ErrAlreadyScheduled)

	require.NoError(t, f.clk.WaitAdvance(40*time.Second, time.Second, 1))
	assert.Eventually(t, func() bool {
		return len(agent.Terminated()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, old.ID, agent.Terminated()[0])
}

func TestDelayedDeploymentRedeployCoversServices(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", 4)

	_, err := f.mgr.Deploy(shop(dynamic("web", 2)), nil)
	require.NoError(t, err)
	f.settle()
	inst := f.mgr.Owner("shop").Instances("web")[0]

	require.NoError(t, f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop", Delay: time.Minute}))

	tests := []struct {
		name string
		req  types.RedeployRequest
	}{
		{name: "service now", req: types.RedeployRequest{Deployment: "shop", Service: "web"}},
		{name: "service later", req: types.RedeployRequest{Deployment: "shop", Service: "web", Delay: time.Second}},
		{name: "instance now", req: types.RedeployRequest{Deployment: "shop", Service: "web", InstanceID: inst.ID}},
		{name: "deployment now", req: types.RedeployRequest{Deployment: "shop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var scheduled *types.AlreadyScheduledError
			err := f.mgr.Redeploy(tt.req)
			require.ErrorAs(t, err, &scheduled)
			assert.Equal(t, time.Minute, scheduled.Remaining)
		})
	}
	assert.Len(t, f.sched.Tasks("shop"), 1)
}

func TestDelayedServiceRedeployLeavesSiblingsFree(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	_, err := f.mgr.Deploy(shop(dynamic("web", 1), dynamic("api", 1)), nil)
	require.NoError(t, err)
	f.settle()
	api := f.mgr.Owner("shop").Instances("api")[0]

	require.NoError(t, f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop", Service: "web", Delay: time.Minute}))
	require.NoError(t, f.mgr.Redeploy(types.RedeployRequest{Deployment: "shop", Service: "api"}))

	assert.Eventually(t, func() bool {
		return len(agent.Terminated()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, api.ID, agent.Terminated()[0])
}

func TestRedeclareWithChangedScheduleFails(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	spec := shop(dynamic("web", 1))
	spec.Schedule = &types.Schedule{StartDate: epoch.Add(time.Hour)}
	_, err := f.mgr.Deploy(spec, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		schedule *types.Schedule
	}{
		{name: "later start", schedule: &types.Schedule{StartDate: epoch.Add(2 * time.Hour)}},
		{name: "bounded window", schedule: &types.Schedule{StartDate: epoch.Add(time.Hour), Duration: time.Minute}},
		{name: "schedule dropped", schedule: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed := shop(dynamic("web", 3))
			changed.Schedule = tt.schedule
			_, err := f.mgr.Deploy(changed, nil)
			assert.ErrorIs(t, err, types.ErrScheduleChange)
		})
	}

	// Nothing from the refused declarations was applied
	o := f.mgr.Owner("shop")
	assert.Equal(t, StateScheduled, o.State())
	assert.Equal(t, 1, o.Spec().Service("web").Planned)
	assert.Empty(t, agent.Orders())

	// The same schedule is an ordinary update
	same := shop(dynamic("web", 2))
	same.Schedule = &types.Schedule{StartDate: epoch.Add(time.Hour)}
	_, err = f.mgr.Deploy(same, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.mgr.Owner("shop").Spec().Service("web").Planned)
}

func TestScheduledDeployment(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	spec := shop(dynamic("web", 1))
	spec.Schedule = &types.Schedule{StartDate: epoch.Add(time.Minute)}
	_, err := f.mgr.Deploy(spec, nil)
	require.NoError(t, err)
	f.settle()

	status, _ := f.mgr.Status("shop")
	assert.Equal(t, types.StatusScheduled, status)
	assert.Empty(t, agent.Orders())

	require.NoError(t, f.clk.WaitAdvance(time.Minute, time.Second, 1))
	assert.Eventually(t, func() bool {
		return len(agent.Instances()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDeployed, f.mgr.Owner("shop").State())
}

func TestBoundedWindowRepeats(t *testing.T) {
	f := newFixture(t)
	agent := f.register(t, "a1", 4)

	spec := shop(dynamic("web", 1))
	spec.Schedule = &types.Schedule{
		StartDate:      epoch,
		Duration:       10 * time.Minute,
		RepeatCount:    1,
		RepeatInterval: time.Hour,
	}
	_, err := f.mgr.Deploy(spec, nil)
	require.NoError(t, err)

	// The first window opens at once
	assert.Eventually(t, func() bool {
		return len(agent.Instances()) == 1
	}, time.Second, 10*time.Millisecond)

	// Window closes, next one is armed an hour after the first opened
	require.NoError(t, f.clk.WaitAdvance(10*time.Minute, time.Second, 1))
	assert.Eventually(t, func() bool {
		return len(agent.Instances()) == 0 && f.mgr.Owner("shop").State() == StateScheduled
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.clk.WaitAdvance(50*time.Minute, time.Second, 1))
	assert.Eventually(t, func() bool {
		return len(agent.Instances()) == 1
	}, time.Second, 10*time.Millisecond)

	// The repeat was the last window, so closing it undeploys
	require.NoError(t, f.clk.WaitAdvance(10*time.Minute, time.Second, 1))
	assert.Eventually(t, func() bool {
		return f.mgr.Owner("shop") == nil && len(agent.Instances()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestAgentLostReplacesInstances(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1", 4)

	_, err := f.mgr.Deploy(shop(dynamic("web", 1), fixed("agent", 2)), nil)
	require.NoError(t, err)
	f.settle()
	a2 := f.register(t, "a2", 4)
	a3 := f.register(t, "a3", 4)

	o := f.mgr.Owner("shop")
	require.Len(t, o.Instances("web"), 1)
	require.Equal(t, "a1", o.Instances("web")[0].AgentID)

	_, err = f.reg.AgentLost("a1")
	require.NoError(t, err)
	lost := f.mgr.AgentLost("a1")
	f.settle()

	assert.Equal(t, 2, lost)
	web := o.Instances("web")
	require.Len(t, web, 1)
	assert.NotEqual(t, "a1", web[0].AgentID)
	assert.Len(t, o.Instances("agent"), 2)
	assert.Equal(t, 3, len(a2.Instances())+len(a3.Instances()))
	assert.Zero(t, f.mgr.AgentLost("a1"))
}

func TestRecoverAdoptsRunningInstances(t *testing.T) {
	persister := storage.NewMemoryPersister()
	first := newFixtureWith(t, persister)
	agent := first.register(t, "a1", 4)

	_, err := first.mgr.Deploy(shop(dynamic("web", 2)), nil)
	require.NoError(t, err)
	first.settle()
	running := agent.Instances()
	require.Len(t, running, 2)

	// A restarted coordinator sees the agent report what it still runs
	second := newFixtureWith(t, persister)
	_, err = second.reg.Register(agent, &types.Capacity{Hostname: "a1"}, 4, running, time.Hour)
	require.NoError(t, err)
	ordersBefore := len(agent.Orders())

	n, err := second.mgr.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	second.settle()

	assert.Len(t, agent.Orders(), ordersBefore)
	assert.Len(t, second.mgr.Owner("shop").Instances("web"), 2)
	assert.True(t, second.mgr.IsOwner("shop"))

	// Sequence numbers continue after the recovered ones
	require.NoError(t, second.mgr.IncrementReplica("shop/web", nil))
	second.settle()
	orders := agent.Orders()
	assert.Equal(t, int64(3), orders[len(orders)-1].Spec.Instance)

	// Recovering twice restores nothing new
	n, err = second.mgr.Recover()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeploymentRecords(t *testing.T) {
	f := newFixture(t)
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	f.mgr.records = store

	f.register(t, "a1", 4)
	_, err = f.mgr.Deploy(shop(dynamic("web", 1)), nil)
	require.NoError(t, err)
	f.settle()

	rec, err := store.GetDeployment("shop")
	require.NoError(t, err)
	assert.Equal(t, "owner", rec.Mode)
	assert.Equal(t, 1, rec.Services)

	_, err = f.mgr.Undeploy("shop", true)
	require.NoError(t, err)
	_, err = store.GetDeployment("shop")
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

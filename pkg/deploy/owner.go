package deploy

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/provisor/pkg/types"
)

// Mode is whether this coordinator manages a deployment or only mirrors it
type Mode string

const (
	ModeOwner  Mode = "owner"
	ModeBackup Mode = "backup"
)

// State is where a deployment is in its lifecycle
type State string

const (
	StateScheduled  State = "scheduled"
	StateDeployed   State = "deployed"
	StateUndeployed State = "undeployed"
	StateBroken     State = "broken"
)

// tracker holds the placed instances of one service
type tracker struct {
	spec      *types.ServiceSpec
	instances map[string]*types.Instance
}

func newTracker(spec *types.ServiceSpec) *tracker {
	return &tracker{spec: spec, instances: make(map[string]*types.Instance)}
}

func (t *tracker) sorted() []*types.Instance {
	out := make([]*types.Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *tracker) maxSeq() int64 {
	var max int64
	for _, inst := range t.instances {
		if inst.Seq > max {
			max = inst.Seq
		}
	}
	return max
}

// Owner is the per-deployment state machine.
//
// modeMu guards the mode. Placement requests are issued with modeMu read
// locked, so once SetMode returns no new request can start for a backup.
// mu guards everything else and is never held while calling the
// dispatcher. Lock order is modeMu before mu.
type Owner struct {
	name string

	modeMu sync.RWMutex
	mode   Mode

	mu        sync.Mutex
	spec      *types.DeploymentSpec
	state     State
	services  []string // Declaration order
	trackers  map[string]*tracker
	dates     []time.Time
	dated     bool // A date was appended for the current deploy cycle
	repeats   int
	cycleAt   time.Time
	parent    *Owner
	children  []*Owner
	listener  Listener
	sequences map[string]int64
}

func newOwner(spec *types.DeploymentSpec, mode Mode, listener Listener) *Owner {
	o := &Owner{
		name:      spec.Name,
		mode:      mode,
		spec:      spec,
		state:     StateScheduled,
		trackers:  make(map[string]*tracker),
		dates:     append([]time.Time(nil), spec.DeployDates...),
		listener:  listener,
		sequences: make(map[string]int64),
	}
	for _, svc := range spec.Services {
		o.addServiceLocked(svc)
	}
	return o
}

// Name returns the deployment name
func (o *Owner) Name() string {
	return o.name
}

// Mode returns the current mode
func (o *Owner) Mode() Mode {
	o.modeMu.RLock()
	defer o.modeMu.RUnlock()
	return o.mode
}

// State returns the lifecycle state
func (o *Owner) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Spec returns a copy of the deployment with current services, dates,
// status and nested deployments
func (o *Owner) Spec() *types.DeploymentSpec {
	o.mu.Lock()
	spec := o.specLocked()
	children := append([]*Owner(nil), o.children...)
	o.mu.Unlock()

	spec.Nested = spec.Nested[:0]
	for _, c := range children {
		spec.Nested = append(spec.Nested, c.Spec())
	}
	return spec
}

func (o *Owner) specLocked() *types.DeploymentSpec {
	spec := o.spec.Clone()
	spec.Services = make([]*types.ServiceSpec, 0, len(o.services))
	for _, name := range o.services {
		spec.Services = append(spec.Services, o.trackers[name].spec)
	}
	spec.DeployDates = append([]time.Time(nil), o.dates...)
	spec.Status = o.statusLocked()
	return spec
}

// placing reports whether the deployment is inside a deploy cycle
func (o *Owner) placing() bool {
	s := o.State()
	return s == StateDeployed || s == StateBroken
}

// Status summarizes how well the deployment is provisioned
func (o *Owner) Status() types.DeploymentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statusLocked()
}

func (o *Owner) statusLocked() types.DeploymentStatus {
	if o.state == StateScheduled {
		return types.StatusScheduled
	}

	status := types.StatusIntact
	for _, name := range o.services {
		t := o.trackers[name]
		if t.spec.Mode == types.ProvisionExternal || t.spec.Planned == 0 {
			continue
		}
		switch n := len(t.instances); {
		case n == 0:
			return types.StatusBroken
		case n < t.spec.Planned:
			status = types.StatusCompromised
		}
	}
	return status
}

// Instances returns the placed instances of a service ordered by sequence
func (o *Owner) Instances(service string) []*types.Instance {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.trackers[service]
	if !ok {
		return nil
	}
	return t.sorted()
}

// Dates returns the deployment-date history
func (o *Owner) Dates() []time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Time(nil), o.dates...)
}

func (o *Owner) addServiceLocked(svc *types.ServiceSpec) {
	if _, ok := o.trackers[svc.Name]; ok {
		o.trackers[svc.Name].spec = svc
		return
	}
	o.services = append(o.services, svc.Name)
	o.trackers[svc.Name] = newTracker(svc)
}

func (o *Owner) removeServiceLocked(name string) *tracker {
	t, ok := o.trackers[name]
	if !ok {
		return nil
	}
	delete(o.trackers, name)
	for i, n := range o.services {
		if n == name {
			o.services = append(o.services[:i], o.services[i+1:]...)
			break
		}
	}
	return t
}

// allInstancesLocked returns every tracked instance of every service
func (o *Owner) allInstancesLocked() []*types.Instance {
	var out []*types.Instance
	for _, name := range o.services {
		out = append(out, o.trackers[name].sorted()...)
	}
	return out
}

func (o *Owner) instanceCountLocked() int {
	n := 0
	for _, t := range o.trackers {
		n += len(t.instances)
	}
	return n
}

// mergeDatesLocked adds dates not already in the history, keeping it sorted
func (o *Owner) mergeDatesLocked(dates []time.Time) bool {
	changed := false
	for _, d := range dates {
		found := false
		for _, have := range o.dates {
			if have.Equal(d) {
				found = true
				break
			}
		}
		if !found {
			o.dates = append(o.dates, d)
			changed = true
		}
	}
	if changed {
		sort.Slice(o.dates, func(i, j int) bool { return o.dates[i].Before(o.dates[j]) })
	}
	return changed
}

func (o *Owner) specs() []*types.ServiceSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.ServiceSpec, 0, len(o.services))
	for _, name := range o.services {
		out = append(out, o.trackers[name].spec)
	}
	return out
}

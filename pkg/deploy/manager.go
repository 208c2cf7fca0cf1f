package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/provisor/pkg/dispatch"
	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/registry"
	"github.com/cuemby/provisor/pkg/scheduler"
	"github.com/cuemby/provisor/pkg/storage"
	"github.com/cuemby/provisor/pkg/types"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// OwnerResolver finds the coordinator that owns a deployment this
// coordinator only backs up
type OwnerResolver interface {
	OwnerOf(deployment string) (string, bool)
	ForwardRedeploy(req types.RedeployRequest) error
}

// Config holds deployment manager configuration
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Scheduler  *scheduler.Scheduler
	Broker     *events.Broker
	Persister  storage.Persister
	Records    storage.DeploymentStore
	Clock      clock.Clock
	Logger     zerolog.Logger

	// Origin identifies this coordinator in published events
	Origin string
}

// Manager keeps one Owner per deployment known to this coordinator
type Manager struct {
	mu       sync.RWMutex
	owners   map[string]*Owner
	resolver OwnerResolver

	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	scheduler  *scheduler.Scheduler
	broker     *events.Broker
	persister  storage.Persister
	records    storage.DeploymentStore
	clock      clock.Clock
	logger     zerolog.Logger
	origin     string

	persistMu sync.Mutex
	wg        sync.WaitGroup
}

// New creates a manager and installs it as the scheduler's task handler
func New(cfg Config) (*Manager, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	m := &Manager{
		owners:     make(map[string]*Owner),
		dispatcher: cfg.Dispatcher,
		registry:   cfg.Registry,
		scheduler:  cfg.Scheduler,
		broker:     cfg.Broker,
		persister:  cfg.Persister,
		records:    cfg.Records,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		origin:     cfg.Origin,
	}
	cfg.Scheduler.SetHandler(m)
	return m, nil
}

// SetResolver installs the resolver used to find remote owners
func (m *Manager) SetResolver(r OwnerResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolver = r
}

// Wait blocks until background terminations and redeployments finish
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Deploy declares a deployment and starts placing its services, now or
// when its schedule says. The returned map holds the services that could
// not be handed to the dispatcher, keyed by service key. A malformed
// deployment is rejected with nothing applied.
//
// Deploying a name this coordinator already owns applies the declaration
// as an update: new services are added and existing ones replaced. The
// schedule of an owned deployment cannot change that way; such a
// declaration fails with ErrScheduleChange and nothing is applied.
func (m *Manager) Deploy(spec *types.DeploymentSpec, listener Listener) (map[string]error, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := m.checkBackups(spec); err != nil {
		return nil, err
	}
	if err := m.checkSchedules(spec); err != nil {
		return nil, err
	}

	results := make(map[string]error)
	m.deploy(spec.Clone(), nil, listener, results)
	m.persist()
	return results, nil
}

// checkBackups fails when any deployment in the tree is backed up here
func (m *Manager) checkBackups(spec *types.DeploymentSpec) error {
	if o := m.Owner(spec.Name); o != nil && o.Mode() == ModeBackup {
		return m.notOwner(spec.Name)
	}
	for _, n := range spec.Nested {
		if err := m.checkBackups(n); err != nil {
			return err
		}
	}
	return nil
}

// checkSchedules fails when a deployment in the tree is owned here under
// a different schedule
func (m *Manager) checkSchedules(spec *types.DeploymentSpec) error {
	if o := m.Owner(spec.Name); o != nil {
		o.mu.Lock()
		current := o.spec.Schedule
		o.mu.Unlock()
		if !current.Equal(spec.Schedule) {
			return fmt.Errorf("deployment %s: %w", spec.Name, types.ErrScheduleChange)
		}
	}
	for _, n := range spec.Nested {
		if err := m.checkSchedules(n); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) deploy(spec *types.DeploymentSpec, parent *Owner, listener Listener, results map[string]error) *Owner {
	normalize(spec)
	nested := spec.Nested
	spec.Nested = nil

	m.mu.Lock()
	o, existing := m.owners[spec.Name]
	if !existing {
		o = newOwner(spec, ModeOwner, listener)
		m.owners[spec.Name] = o
	}
	m.mu.Unlock()

	if parent != nil {
		link(parent, o)
	}
	for _, n := range nested {
		m.deploy(n, o, listener, results)
	}

	if existing {
		for _, svc := range spec.Services {
			var err error
			if o.hasService(svc.Name) {
				err = m.updateService(o, svc)
			} else {
				err = m.addService(o, svc)
			}
			if err != nil {
				results[svc.Key()] = err
			}
		}
		m.changed(o, "deployment redeclared")
		return o
	}

	m.logger.Info().
		Str("deployment", spec.Name).
		Int("services", len(spec.Services)).
		Msg("Deployment declared")

	m.start(o, results)
	m.publish(o, events.EventDeploymentDeployed, "deployment deployed")
	m.record(o)
	m.report()
	return o
}

// normalize makes every service belong to its deployment
func normalize(spec *types.DeploymentSpec) {
	for i, svc := range spec.Services {
		if svc.Deployment != spec.Name {
			c := svc.Clone()
			c.Deployment = spec.Name
			spec.Services[i] = c
		}
	}
}

func link(parent, child *Owner) {
	child.mu.Lock()
	if child.parent != nil {
		child.mu.Unlock()
		return
	}
	child.parent = parent
	child.mu.Unlock()

	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()
}

func unlink(parent, child *Owner) {
	parent.mu.Lock()
	for i, c := range parent.children {
		if c == child {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	parent.mu.Unlock()
}

// start opens a deploy cycle now, or arms the schedule for later
func (m *Manager) start(o *Owner, results map[string]error) {
	now := m.clock.Now()

	o.mu.Lock()
	sched := o.spec.Schedule
	deferred := sched.Deferred(now)
	if deferred {
		o.state = StateScheduled
	}
	o.mu.Unlock()

	if !deferred {
		m.beginCycle(o, results)
		return
	}

	at := sched.StartDate
	if at.Before(now) {
		at = now
	}
	m.schedule(o, scheduler.KindDeploy, at)
}

func (m *Manager) schedule(o *Owner, kind scheduler.Kind, at time.Time) {
	task := scheduler.Task{
		Key: scheduler.Key{Deployment: o.name, Kind: kind},
		At:  at,
	}
	if err := m.scheduler.Schedule(task, true); err != nil {
		m.logger.Error().Err(err).Str("deployment", o.name).Msg("Failed to schedule task")
	}
}

// beginCycle marks the deployment deployed and places its services
func (m *Manager) beginCycle(o *Owner, results map[string]error) {
	now := m.clock.Now()

	o.mu.Lock()
	o.state = StateDeployed
	o.dated = false
	o.cycleAt = now
	sched := o.spec.Schedule
	o.mu.Unlock()

	m.adopt(o)
	if results == nil {
		results = make(map[string]error)
	}
	m.provision(o, results)
	for key, err := range results {
		m.logger.Warn().Err(err).Str("spec", key).Msg("Service not dispatched")
	}

	if sched != nil && sched.Duration > 0 {
		m.schedule(o, scheduler.KindUndeploy, now.Add(sched.Duration))
	}
}

// endCycle closes a bounded deploy window
func (m *Manager) endCycle(o *Owner) {
	now := m.clock.Now()

	o.mu.Lock()
	o.repeats++
	sched := o.spec.Schedule
	if sched == nil || (sched.RepeatCount >= 0 && o.repeats > sched.RepeatCount) {
		o.mu.Unlock()
		m.logger.Info().Str("deployment", o.name).Msg("Final deploy window closed")
		if _, err := m.Undeploy(o.name, true); err != nil {
			m.logger.Warn().Err(err).Str("deployment", o.name).Msg("Failed to undeploy after final window")
		}
		return
	}

	insts := o.allInstancesLocked()
	for _, t := range o.trackers {
		t.instances = make(map[string]*types.Instance)
	}
	o.state = StateScheduled
	next := now
	if n := o.cycleAt.Add(sched.RepeatInterval); n.After(now) {
		next = n
	}
	o.mu.Unlock()

	for _, svc := range o.specs() {
		m.dispatcher.Cancel(svc.Key())
	}
	m.terminate(insts)
	m.schedule(o, scheduler.KindDeploy, next)
	m.changed(o, "deploy window closed")
}

// adopt tracks instances of the deployment already running on live
// agents, up to each service's planned count
func (m *Manager) adopt(o *Owner) {
	slots := m.registry.Slots()

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, name := range o.services {
		t := o.trackers[name]
		key := t.spec.Key()
		for _, slot := range slots {
			for _, inst := range slot.Record().InstancesOf(key) {
				if len(t.instances) >= t.spec.Planned {
					break
				}
				if _, ok := t.instances[inst.ID]; !ok {
					t.instances[inst.ID] = inst
				}
			}
		}
		seq := t.maxSeq()
		if o.sequences[name] > seq {
			seq = o.sequences[name]
		}
		m.dispatcher.SeedSequence(key, seq)
	}
}

// provision dispatches whatever every service is missing
func (m *Manager) provision(o *Owner, results map[string]error) {
	o.modeMu.RLock()
	defer o.modeMu.RUnlock()
	if o.mode != ModeOwner {
		return
	}
	for _, svc := range o.specs() {
		if err := m.provisionLocked(o, svc, nil); err != nil {
			results[svc.Key()] = err
		}
	}
}

// provisionLocked must be called with o.modeMu read locked
func (m *Manager) provisionLocked(o *Owner, svc *types.ServiceSpec, listener Listener) error {
	if o.mode != ModeOwner || !o.placing() {
		return nil
	}
	l := m.listenerFor(o, svc.Name, listener)

	switch svc.Mode {
	case types.ProvisionFixed:
		return m.dispatcher.PlaceFixed(svc, l)
	case types.ProvisionDynamic:
		key := svc.Key()
		missing := svc.Planned - m.registry.Count(key) - m.dispatcher.Pending().Count(key)
		for i := 0; i < missing; i++ {
			req := &dispatch.PlacementRequest{Spec: svc, Kind: dispatch.KindPlace, Listener: l}
			if err := m.dispatcher.Dispatch(req); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) listenerFor(o *Owner, service string, listener Listener) *serviceListener {
	if listener == nil {
		o.mu.Lock()
		listener = o.listener
		o.mu.Unlock()
	}
	return &serviceListener{m: m, owner: o, service: service, external: listener}
}

// Undeploy removes a deployment and its nested deployments, optionally
// terminating their instances. It reports false when the name is unknown.
func (m *Manager) Undeploy(name string, terminate bool) (bool, error) {
	m.mu.Lock()
	o, ok := m.owners[name]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if o.Mode() != ModeOwner {
		m.mu.Unlock()
		return false, m.notOwner(name)
	}
	removed := m.subtreeLocked(o)
	for _, x := range removed {
		delete(m.owners, x.name)
	}
	m.mu.Unlock()

	o.mu.Lock()
	parent := o.parent
	o.mu.Unlock()
	if parent != nil {
		unlink(parent, o)
	}

	for _, x := range removed {
		m.scheduler.CancelDeployment(x.name)

		x.mu.Lock()
		x.state = StateUndeployed
		insts := x.allInstancesLocked()
		x.mu.Unlock()

		for _, svc := range x.specs() {
			m.dispatcher.Cancel(svc.Key())
		}
		if terminate {
			m.terminate(insts)
		}

		m.logger.Info().
			Str("deployment", x.name).
			Bool("terminate", terminate).
			Int("instances", len(insts)).
			Msg("Deployment undeployed")
		m.publish(x, events.EventDeploymentUndeployed, "deployment undeployed")
		m.forgetRecord(x.name)
	}

	m.persist()
	m.report()
	return true, nil
}

// subtreeLocked returns o and every nested owner that is locally owned,
// children first
func (m *Manager) subtreeLocked(o *Owner) []*Owner {
	o.mu.Lock()
	children := append([]*Owner(nil), o.children...)
	o.mu.Unlock()

	var out []*Owner
	for _, c := range children {
		if c.Mode() == ModeOwner && m.owners[c.name] == c {
			out = append(out, m.subtreeLocked(c)...)
		}
	}
	return append(out, o)
}

// AddServiceSpec adds a service to an owned deployment
func (m *Manager) AddServiceSpec(deployment string, svc *types.ServiceSpec) error {
	o, err := m.ownerFor(deployment)
	if err != nil {
		return err
	}
	svc, err = validService(deployment, svc)
	if err != nil {
		return err
	}
	if o.hasService(svc.Name) {
		return &types.MalformedError{Reason: fmt.Sprintf("service %s already exists", svc.Key())}
	}
	if err := m.addService(o, svc); err != nil {
		return err
	}
	m.changed(o, "service added")
	return nil
}

func (m *Manager) addService(o *Owner, svc *types.ServiceSpec) error {
	o.mu.Lock()
	o.addServiceLocked(svc)
	o.mu.Unlock()

	m.logger.Info().Str("spec", svc.Key()).Int("planned", svc.Planned).Msg("Service added")

	o.modeMu.RLock()
	defer o.modeMu.RUnlock()
	return m.provisionLocked(o, svc, nil)
}

// RemoveServiceSpec removes a service from an owned deployment
func (m *Manager) RemoveServiceSpec(deployment, service string, terminate bool) error {
	o, err := m.ownerFor(deployment)
	if err != nil {
		return err
	}

	o.mu.Lock()
	t := o.removeServiceLocked(service)
	o.mu.Unlock()
	if t == nil {
		return fmt.Errorf("service %s: %w", types.SpecKey(deployment, service), types.ErrNotFound)
	}

	m.dispatcher.Cancel(t.spec.Key())
	if terminate {
		m.terminate(t.sorted())
	}

	m.logger.Info().Str("spec", t.spec.Key()).Bool("terminate", terminate).Msg("Service removed")
	m.changed(o, "service removed")
	return nil
}

// UpdateServiceSpec replaces a service's spec. Instances beyond a lowered
// planned count are terminated newest first; a raised count is placed.
func (m *Manager) UpdateServiceSpec(deployment string, svc *types.ServiceSpec) error {
	o, err := m.ownerFor(deployment)
	if err != nil {
		return err
	}
	svc, err = validService(deployment, svc)
	if err != nil {
		return err
	}
	if !o.hasService(svc.Name) {
		return fmt.Errorf("service %s: %w", svc.Key(), types.ErrNotFound)
	}
	if err := m.updateService(o, svc); err != nil {
		return err
	}
	m.changed(o, "service updated")
	return nil
}

func (m *Manager) updateService(o *Owner, svc *types.ServiceSpec) error {
	key := svc.Key()

	o.mu.Lock()
	t := o.trackers[svc.Name]
	t.spec = svc
	excess := excessLocked(t, svc.Planned)
	o.mu.Unlock()

	m.dispatcher.Update(svc)
	m.terminate(excess)

	if svc.Mode == types.ProvisionDynamic {
		over := m.registry.Count(key) + m.dispatcher.Pending().Count(key) - svc.Planned
		if over > 0 {
			m.dispatcher.Pending().Trim(key, over)
		}
	}

	m.logger.Info().Str("spec", key).Int("planned", svc.Planned).Int("terminated", len(excess)).Msg("Service updated")

	o.modeMu.RLock()
	defer o.modeMu.RUnlock()
	return m.provisionLocked(o, svc, nil)
}

// excessLocked drops the newest instances above planned from the tracker
func excessLocked(t *tracker, planned int) []*types.Instance {
	sorted := t.sorted()
	if len(sorted) <= planned {
		return nil
	}
	excess := sorted[planned:]
	for _, inst := range excess {
		delete(t.instances, inst.ID)
	}
	return excess
}

func validService(deployment string, svc *types.ServiceSpec) (*types.ServiceSpec, error) {
	if svc == nil {
		return nil, &types.MalformedError{Reason: "service is nil"}
	}
	c := svc.Clone()
	if c.Deployment == "" {
		c.Deployment = deployment
	}
	check := &types.DeploymentSpec{Name: deployment, Services: []*types.ServiceSpec{c}}
	if err := check.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// IncrementReplica raises a service's planned count by one and places the
// new instance
func (m *Manager) IncrementReplica(key string, listener Listener) error {
	o, t, err := m.serviceFor(key)
	if err != nil {
		return err
	}

	o.mu.Lock()
	spec := t.spec.WithPlanned(t.spec.Planned + 1)
	t.spec = spec
	o.mu.Unlock()

	m.dispatcher.Update(spec)

	o.modeMu.RLock()
	if spec.Mode == types.ProvisionDynamic && o.mode == ModeOwner && o.placing() {
		err = m.dispatcher.Dispatch(&dispatch.PlacementRequest{
			Spec:     spec,
			Kind:     dispatch.KindPlace,
			Listener: m.listenerFor(o, spec.Name, listener),
		})
	} else {
		err = m.provisionLocked(o, spec, listener)
	}
	o.modeMu.RUnlock()

	m.changed(o, "replica added")
	return err
}

// DecrementReplica lowers a service's planned count by one. The given
// instance is terminated; without one a pending placement is dropped if
// there is any, otherwise the newest instance is terminated.
func (m *Manager) DecrementReplica(key, instanceID string) error {
	o, t, err := m.serviceFor(key)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if t.spec.Planned == 0 {
		o.mu.Unlock()
		return &types.MalformedError{Reason: fmt.Sprintf("service %s has no planned instances", key)}
	}

	var victim *types.Instance
	if instanceID != "" {
		inst, ok := t.instances[instanceID]
		if !ok {
			o.mu.Unlock()
			return fmt.Errorf("instance %s of %s: %w", instanceID, key, types.ErrNotFound)
		}
		victim = inst
		delete(t.instances, instanceID)
	}
	spec := t.spec.WithPlanned(t.spec.Planned - 1)
	t.spec = spec
	if victim == nil && len(t.instances) > 0 && m.dispatcher.Pending().Count(key) == 0 {
		if excess := excessLocked(t, len(t.instances)-1); len(excess) > 0 {
			victim = excess[0]
		}
	}
	o.mu.Unlock()

	m.dispatcher.Update(spec)
	if victim != nil {
		m.terminate([]*types.Instance{victim})
	} else {
		m.dispatcher.Pending().Trim(key, 1)
	}

	m.changed(o, "replica removed")
	return nil
}

// Trim drops up to count placements still waiting for an agent and
// lowers the planned count to match. A negative count trims all of them.
func (m *Manager) Trim(key string, count int) (int, error) {
	o, t, err := m.serviceFor(key)
	if err != nil {
		return 0, err
	}

	o.mu.Lock()
	spec := t.spec
	o.mu.Unlock()

	var trimmed int
	switch spec.Mode {
	case types.ProvisionDynamic:
		trimmed = m.dispatcher.Pending().Trim(key, count)
	case types.ProvisionFixed:
		outstanding := spec.Planned - m.registry.Count(key)
		if outstanding < 0 {
			outstanding = 0
		}
		trimmed = outstanding
		if count >= 0 && count < outstanding {
			trimmed = count
		}
	}
	if trimmed == 0 {
		return 0, nil
	}

	o.mu.Lock()
	spec = t.spec.WithPlanned(t.spec.Planned - trimmed)
	t.spec = spec
	o.mu.Unlock()

	m.dispatcher.Update(spec)
	if spec.Mode == types.ProvisionFixed {
		// Clears the entry once the lower count is met
		m.dispatcher.Sweep()
	}

	m.logger.Info().Str("spec", key).Int("trimmed", trimmed).Msg("Pending instances trimmed")
	m.changed(o, "pending trimmed")
	return trimmed, nil
}

// AgentLost drops the instances a lost agent was hosting and places
// replacements for owned deployments. It returns the number of instances
// lost.
func (m *Manager) AgentLost(agentID string) int {
	lost := 0
	for _, o := range m.all() {
		o.mu.Lock()
		var gone []*types.Instance
		for _, name := range o.services {
			t := o.trackers[name]
			for id, inst := range t.instances {
				if inst.AgentID == agentID {
					delete(t.instances, id)
					gone = append(gone, inst)
				}
			}
		}
		if len(gone) > 0 && o.state == StateDeployed && o.statusLocked() == types.StatusBroken {
			o.state = StateBroken
		}
		o.mu.Unlock()
		if len(gone) == 0 {
			continue
		}
		lost += len(gone)

		for _, inst := range gone {
			m.logger.Warn().
				Str("deployment", o.name).
				Str("instance_id", inst.ID).
				Str("agent_id", agentID).
				Msg("Instance lost with its agent")
			m.publishEvent(&events.Event{
				Type:    events.EventInstanceLost,
				Message: fmt.Sprintf("%s lost on %s", inst.SpecKey, agentID),
				Metadata: map[string]string{
					events.MetaDeployment: o.name,
					events.MetaSpec:       inst.SpecKey,
					events.MetaInstance:   inst.ID,
					events.MetaAgent:      agentID,
					events.MetaOrigin:     m.origin,
				},
				Payload: inst,
			})
		}

		results := make(map[string]error)
		m.provision(o, results)
		for key, err := range results {
			m.logger.Warn().Err(err).Str("spec", key).Msg("Replacement not dispatched")
		}
	}
	return lost
}

// Redeploy replaces running instances with fresh ones, now or after
// req.Delay. Only one redeployment may wait per target. On a backup the
// request is forwarded to the owner when it is known.
func (m *Manager) Redeploy(req types.RedeployRequest) error {
	o := m.Owner(req.Deployment)
	if o == nil {
		return fmt.Errorf("deployment %s: %w", req.Deployment, types.ErrNotFound)
	}
	if o.Mode() != ModeOwner {
		if r := m.getResolver(); r != nil {
			if _, ok := r.OwnerOf(req.Deployment); ok {
				return r.ForwardRedeploy(req)
			}
		}
		return m.notOwner(req.Deployment)
	}

	if err := o.checkTarget(req); err != nil {
		return err
	}

	if err := m.pendingRedeploy(req); err != nil {
		return err
	}
	if req.Delay > 0 {
		return m.scheduler.Schedule(scheduler.Task{
			Key:     redeployKey(req),
			At:      m.clock.Now().Add(req.Delay),
			Payload: req,
		}, false)
	}

	m.redeploy(o, req)
	return nil
}

func redeployKey(req types.RedeployRequest) scheduler.Key {
	return scheduler.Key{Deployment: req.Deployment, Kind: scheduler.KindRedeploy, Target: req.Target()}
}

// pendingRedeploy fails when a redeployment of req's target, or of the
// service or deployment containing it, is already waiting
func (m *Manager) pendingRedeploy(req types.RedeployRequest) error {
	scopes := []types.RedeployRequest{{Deployment: req.Deployment}}
	if req.Service != "" {
		scopes = append(scopes, types.RedeployRequest{Deployment: req.Deployment, Service: req.Service})
	}
	if req.InstanceID != "" {
		scopes = append(scopes, req)
	}

	for _, scope := range scopes {
		key := redeployKey(scope)
		if remaining, ok := m.scheduler.Remaining(key); ok {
			if remaining < 0 {
				remaining = 0
			}
			return &types.AlreadyScheduledError{Key: key.String(), Remaining: remaining}
		}
	}
	return nil
}

func (o *Owner) checkTarget(req types.RedeployRequest) error {
	if req.Service == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.trackers[req.Service]
	if !ok {
		return fmt.Errorf("service %s: %w", types.SpecKey(req.Deployment, req.Service), types.ErrNotFound)
	}
	if req.InstanceID != "" {
		if _, ok := t.instances[req.InstanceID]; !ok {
			return fmt.Errorf("instance %s: %w", req.InstanceID, types.ErrNotFound)
		}
	}
	return nil
}

type replacement struct {
	spec *types.ServiceSpec
	old  *types.Instance
}

// redeploy terminates the targeted instances and places replacements in
// the background
func (m *Manager) redeploy(o *Owner, req types.RedeployRequest) {
	o.mu.Lock()
	var work []replacement
	for _, name := range o.services {
		if req.Service != "" && name != req.Service {
			continue
		}
		t := o.trackers[name]
		if t.spec.Mode == types.ProvisionExternal {
			continue
		}
		for _, inst := range t.sorted() {
			if req.InstanceID != "" && inst.ID != req.InstanceID {
				continue
			}
			delete(t.instances, inst.ID)
			work = append(work, replacement{spec: t.spec, old: inst})
		}
	}
	o.mu.Unlock()

	if len(work) == 0 {
		return
	}
	for _, w := range work {
		if slot := m.registry.Lookup(w.old.AgentID); slot != nil {
			slot.Record().RemoveInstance(w.old.ID)
		}
	}

	m.logger.Info().
		Str("deployment", o.name).
		Str("target", req.Target()).
		Int("instances", len(work)).
		Bool("sticky", req.Sticky).
		Msg("Redeploying")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, w := range work {
			m.replace(o, w, req)
		}
	}()
}

func (m *Manager) replace(o *Owner, w replacement, req types.RedeployRequest) {
	if err := m.dispatcher.Terminate(context.Background(), w.old); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", w.old.ID).Msg("Failed to terminate instance for redeployment")
	}

	o.modeMu.RLock()
	defer o.modeMu.RUnlock()
	if o.mode != ModeOwner || !o.placing() {
		return
	}

	if w.spec.Mode == types.ProvisionFixed {
		if err := m.dispatcher.PlaceFixed(w.spec, m.listenerFor(o, w.spec.Name, nil)); err != nil {
			m.logger.Warn().Err(err).Str("spec", w.spec.Key()).Msg("Replacement not dispatched")
		}
		return
	}

	place := &dispatch.PlacementRequest{
		Spec:     w.spec,
		Kind:     dispatch.KindPlace,
		Clean:    req.Clean,
		Listener: m.listenerFor(o, w.spec.Name, nil),
	}
	next := place
	if req.Sticky {
		l := m.listenerFor(o, w.spec.Name, nil)
		l.fallback = place
		next = &dispatch.PlacementRequest{
			Spec:     w.spec,
			Kind:     dispatch.KindRelocate,
			Target:   w.old.AgentID,
			Clean:    req.Clean,
			Listener: l,
		}
	}
	if err := m.dispatcher.Dispatch(next); err != nil {
		m.logger.Warn().Err(err).Str("spec", w.spec.Key()).Msg("Replacement not dispatched")
	}
}

// RunTask handles a fired scheduler task
func (m *Manager) RunTask(task scheduler.Task) {
	o := m.Owner(task.Key.Deployment)
	if o == nil || o.Mode() != ModeOwner || o.State() == StateUndeployed {
		m.logger.Debug().Str("task", task.Key.String()).Msg("Task skipped, deployment not owned")
		return
	}

	switch task.Key.Kind {
	case scheduler.KindDeploy:
		m.beginCycle(o, nil)
		m.changed(o, "deploy window opened")
	case scheduler.KindUndeploy:
		m.endCycle(o)
	case scheduler.KindRedeploy:
		req, ok := task.Payload.(types.RedeployRequest)
		if !ok {
			m.logger.Error().Str("task", task.Key.String()).Msg("Redeploy task without a request")
			return
		}
		m.redeploy(o, req)
	}
}

// terminate removes instances from their agents' records now and asks
// the agents to stop them in the background
func (m *Manager) terminate(insts []*types.Instance) {
	if len(insts) == 0 {
		return
	}
	for _, inst := range insts {
		if slot := m.registry.Lookup(inst.AgentID); slot != nil {
			slot.Record().RemoveInstance(inst.ID)
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, inst := range insts {
			err := m.dispatcher.Terminate(context.Background(), inst)
			switch {
			case err == nil:
			case errors.Is(err, types.ErrUnknownLease):
				m.logger.Debug().Str("instance_id", inst.ID).Msg("Agent gone, nothing to terminate")
			default:
				m.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("Failed to terminate instance")
			}
		}
	}()
}

// Owner returns the owner of a deployment, or nil
func (m *Manager) Owner(name string) *Owner {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owners[name]
}

func (m *Manager) all() []*Owner {
	m.mu.RLock()
	out := make([]*Owner, 0, len(m.owners))
	for _, o := range m.owners {
		out = append(out, o)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (m *Manager) ownerFor(name string) (*Owner, error) {
	o := m.Owner(name)
	if o == nil {
		return nil, fmt.Errorf("deployment %s: %w", name, types.ErrNotFound)
	}
	if o.Mode() != ModeOwner {
		return nil, m.notOwner(name)
	}
	return o, nil
}

func (m *Manager) serviceFor(key string) (*Owner, *tracker, error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return nil, nil, &types.MalformedError{Reason: fmt.Sprintf("bad service key %q", key)}
	}
	o, err := m.ownerFor(key[:i])
	if err != nil {
		return nil, nil, err
	}
	o.mu.Lock()
	t, ok := o.trackers[key[i+1:]]
	o.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("service %s: %w", key, types.ErrNotFound)
	}
	return o, t, nil
}

func (o *Owner) hasService(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.trackers[name]
	return ok
}

func (m *Manager) getResolver() OwnerResolver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolver
}

func (m *Manager) notOwner(name string) error {
	e := &types.NotOwnerError{Deployment: name}
	if r := m.getResolver(); r != nil {
		e.Owner, _ = r.OwnerOf(name)
	}
	return e
}

// OwnedDeployments returns the deployments this coordinator owns
func (m *Manager) OwnedDeployments() []*types.DeploymentSpec {
	var out []*types.DeploymentSpec
	for _, o := range m.all() {
		if o.Mode() == ModeOwner {
			out = append(out, o.Spec())
		}
	}
	return out
}

// IsOwner reports whether this coordinator owns the deployment
func (m *Manager) IsOwner(name string) bool {
	o := m.Owner(name)
	return o != nil && o.Mode() == ModeOwner
}

// Status returns the provisioning status of a deployment
func (m *Manager) Status(name string) (types.DeploymentStatus, error) {
	o := m.Owner(name)
	if o == nil {
		return "", fmt.Errorf("deployment %s: %w", name, types.ErrNotFound)
	}
	return o.Status(), nil
}

// Deployment returns a copy of a deployment known to this coordinator
func (m *Manager) Deployment(name string) (*types.DeploymentSpec, error) {
	o := m.Owner(name)
	if o == nil {
		return nil, fmt.Errorf("deployment %s: %w", name, types.ErrNotFound)
	}
	return o.Spec(), nil
}

// Deployments returns the names of every known deployment
func (m *Manager) Deployments() []string {
	owners := m.all()
	names := make([]string, 0, len(owners))
	for _, o := range owners {
		names = append(names, o.name)
	}
	return names
}

// changed persists an owned deployment and tells peers about it
func (m *Manager) changed(o *Owner, reason string) {
	m.logger.Debug().Str("deployment", o.name).Str("reason", reason).Msg("Deployment changed")
	m.persist()
	m.record(o)
	if o.Mode() == ModeOwner {
		m.publish(o, events.EventDeploymentUpdated, reason)
	}
}

func (m *Manager) publish(o *Owner, t events.EventType, message string) {
	m.publishEvent(&events.Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			events.MetaDeployment: o.name,
			events.MetaMode:       string(o.Mode()),
			events.MetaOrigin:     m.origin,
		},
		Payload: o.Spec(),
	})
}

func (m *Manager) publishEvent(ev *events.Event) {
	if m.broker != nil {
		m.broker.Publish(ev)
	}
}

func (m *Manager) report() {
	counts := map[Mode]int{ModeOwner: 0, ModeBackup: 0}
	for _, o := range m.all() {
		counts[o.Mode()]++
	}
	for mode, n := range counts {
		metrics.DeploymentsTotal.WithLabelValues(string(mode)).Set(float64(n))
	}
}

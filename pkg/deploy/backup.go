package deploy

import (
	"fmt"
	"time"

	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/scheduler"
	"github.com/cuemby/provisor/pkg/types"
)

// Mode returns the mode of a deployment, if it is known
func (m *Manager) Mode(name string) (Mode, bool) {
	o := m.Owner(name)
	if o == nil {
		return "", false
	}
	return o.Mode(), true
}

// SetMode flips a deployment between owner and backup. A new backup stops
// issuing placements at once; placements already in flight still
// complete and the instances it placed stay where they are. A new owner
// adopts running instances and places what is missing.
func (m *Manager) SetMode(name string, mode Mode) error {
	o := m.Owner(name)
	if o == nil {
		return fmt.Errorf("deployment %s: %w", name, types.ErrNotFound)
	}

	o.modeMu.Lock()
	prev := o.mode
	o.mode = mode
	o.modeMu.Unlock()
	if prev == mode {
		return nil
	}

	metrics.OwnershipChangesTotal.WithLabelValues(string(mode)).Inc()
	m.logger.Info().
		Str("deployment", name).
		Str("from", string(prev)).
		Str("to", string(mode)).
		Msg("Ownership changed")

	switch mode {
	case ModeBackup:
		m.scheduler.CancelDeployment(name)
		for _, svc := range o.specs() {
			m.dispatcher.Cancel(svc.Key())
		}
	case ModeOwner:
		m.resume(o)
	}

	m.publishEvent(&events.Event{
		Type:    events.EventDeploymentOwnership,
		Message: fmt.Sprintf("%s is now %s here", name, mode),
		Metadata: map[string]string{
			events.MetaDeployment: name,
			events.MetaMode:       string(mode),
			events.MetaOrigin:     m.origin,
		},
		Payload: o.Spec(),
	})

	m.persist()
	m.record(o)
	m.report()
	return nil
}

// resume picks up a deployment this coordinator just became owner of
func (m *Manager) resume(o *Owner) {
	now := m.clock.Now()

	o.mu.Lock()
	state := o.state
	sched := o.spec.Schedule
	o.mu.Unlock()

	switch state {
	case StateScheduled:
		at := now
		if sched != nil && sched.StartDate.After(now) {
			at = sched.StartDate
		}
		m.schedule(o, scheduler.KindDeploy, at)
	case StateDeployed, StateBroken:
		m.adopt(o)
		results := make(map[string]error)
		m.provision(o, results)
		for key, err := range results {
			m.logger.Warn().Err(err).Str("spec", key).Msg("Service not dispatched")
		}
		if sched != nil && sched.Duration > 0 {
			m.schedule(o, scheduler.KindUndeploy, now.Add(sched.Duration))
		}
	}
}

// Track starts mirroring a deployment owned elsewhere. Nested deployments
// are tracked too. Tracking a name that is already a backup refreshes it.
func (m *Manager) Track(spec *types.DeploymentSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := m.track(spec.Clone(), nil); err != nil {
		return err
	}
	m.report()
	return nil
}

func (m *Manager) track(spec *types.DeploymentSpec, parent *Owner) error {
	normalize(spec)
	nested := spec.Nested
	spec.Nested = nil

	m.mu.Lock()
	o, existing := m.owners[spec.Name]
	if !existing {
		o = newOwner(spec, ModeBackup, nil)
		o.state = stateOf(spec)
		m.owners[spec.Name] = o
	}
	m.mu.Unlock()

	if existing {
		if o.Mode() == ModeOwner {
			return fmt.Errorf("deployment %s: %w", spec.Name, types.ErrOwnershipConflict)
		}
		o.apply(spec)
	} else {
		m.logger.Info().Str("deployment", spec.Name).Msg("Tracking deployment as backup")
	}

	if parent != nil {
		link(parent, o)
	}
	for _, n := range nested {
		if err := m.track(n, o); err != nil {
			return err
		}
	}
	m.record(o)
	return nil
}

func stateOf(spec *types.DeploymentSpec) State {
	if spec.Status == types.StatusScheduled {
		return StateScheduled
	}
	return StateDeployed
}

// apply refreshes a backup from the owner's copy. Dates are merged so a
// duplicate or late update never loses history.
func (o *Owner) apply(spec *types.DeploymentSpec) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	keep := make(map[string]bool, len(spec.Services))
	for _, svc := range spec.Services {
		keep[svc.Name] = true
		o.addServiceLocked(svc)
	}
	for _, name := range append([]string(nil), o.services...) {
		if !keep[name] {
			o.removeServiceLocked(name)
		}
	}

	base := spec.Clone()
	base.Services = nil
	base.Nested = nil
	base.DeployDates = nil
	o.spec = base
	o.state = stateOf(spec)
	o.mergeDatesLocked(spec.DeployDates)
	return true
}

// ApplyUpdate refreshes the backup copy of a deployment, creating it if
// needed. Nothing is published. It reports false when the deployment is
// owned here, which the caller treats as a conflict to resolve.
func (m *Manager) ApplyUpdate(spec *types.DeploymentSpec) bool {
	if spec == nil || spec.Validate() != nil {
		return false
	}
	o := m.Owner(spec.Name)
	if o == nil {
		return m.Track(spec) == nil
	}
	if o.Mode() == ModeOwner {
		return false
	}

	c := spec.Clone()
	normalize(c)
	o.apply(c)
	m.record(o)
	return true
}

// Forget drops a backup copy and its backed-up nested deployments. Owned
// deployments are never forgotten.
func (m *Manager) Forget(name string) bool {
	m.mu.Lock()
	o, ok := m.owners[name]
	if !ok || o.Mode() != ModeBackup {
		m.mu.Unlock()
		return false
	}
	var dropped []*Owner
	var walk func(x *Owner)
	walk = func(x *Owner) {
		x.mu.Lock()
		children := append([]*Owner(nil), x.children...)
		x.mu.Unlock()
		for _, c := range children {
			if c.Mode() == ModeBackup && m.owners[c.name] == c {
				walk(c)
			}
		}
		delete(m.owners, x.name)
		dropped = append(dropped, x)
	}
	walk(o)
	m.mu.Unlock()

	o.mu.Lock()
	parent := o.parent
	o.mu.Unlock()
	if parent != nil {
		unlink(parent, o)
	}

	for _, x := range dropped {
		x.mu.Lock()
		x.state = StateUndeployed
		x.mu.Unlock()
		m.forgetRecord(x.name)
		m.logger.Info().Str("deployment", x.name).Msg("Backup copy dropped")
	}
	m.report()
	return true
}

// Claims lists the deployments this coordinator owns with their dates
func (m *Manager) Claims() []types.Claim {
	var claims []types.Claim
	for _, o := range m.all() {
		if o.Mode() != ModeOwner {
			continue
		}
		claims = append(claims, types.Claim{
			Deployment:  o.name,
			DeployDates: o.Dates(),
		})
	}
	return claims
}

// LastDeployed returns the most recent deployment date of a deployment
func (m *Manager) LastDeployed(name string) (time.Time, bool) {
	o := m.Owner(name)
	if o == nil {
		return time.Time{}, false
	}
	return (&types.DeploymentSpec{DeployDates: o.Dates()}).LastDeployed()
}

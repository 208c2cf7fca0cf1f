package deploy

import (
	"fmt"

	"github.com/cuemby/provisor/pkg/dispatch"
	"github.com/cuemby/provisor/pkg/types"
)

// Listener is told about placements made for a deployment
type Listener interface {
	Placed(inst *types.Instance)
	Failed(spec string, err error)
}

// serviceListener records placements into the owner's tracker
type serviceListener struct {
	m        *Manager
	owner    *Owner
	service  string
	external Listener

	// fallback is dispatched when a sticky relocation finds no room on
	// the old agent
	fallback *dispatch.PlacementRequest
}

func (l *serviceListener) Placed(req *dispatch.PlacementRequest, inst *types.Instance) error {
	o := l.owner

	o.mu.Lock()
	if o.state == StateUndeployed {
		o.mu.Unlock()
		return fmt.Errorf("deployment %s is undeployed", o.name)
	}
	t, ok := o.trackers[l.service]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("service %s: %w", req.Spec.Key(), types.ErrNotFound)
	}
	if len(t.instances) >= t.spec.Planned {
		o.mu.Unlock()
		return fmt.Errorf("service %s already has %d of %d instances", req.Spec.Key(), len(t.instances), t.spec.Planned)
	}
	t.instances[inst.ID] = inst
	if inst.Seq > o.sequences[l.service] {
		o.sequences[l.service] = inst.Seq
	}

	// The first placement of a deploy cycle dates it
	dated := false
	if !o.dated {
		o.dates = append(o.dates, l.m.clock.Now())
		o.dated = true
		dated = true
	}
	if o.state == StateBroken {
		o.state = StateDeployed
	}
	o.mu.Unlock()

	if dated {
		l.m.changed(o, "deployment dated")
	}
	if l.external != nil {
		l.external.Placed(inst)
	}
	return nil
}

func (l *serviceListener) Failed(req *dispatch.PlacementRequest, err error) {
	if l.fallback != nil {
		// Failed may run while the caller holds the owner's mode lock, so
		// the fallback is issued from its own goroutine
		fallback := l.fallback
		l.fallback = nil
		l.m.logger.Debug().
			Err(err).
			Str("spec", req.Spec.Key()).
			Msg("Sticky placement failed, placing anywhere")

		l.m.wg.Add(1)
		go func() {
			defer l.m.wg.Done()
			o := l.owner
			o.modeMu.RLock()
			defer o.modeMu.RUnlock()
			if o.mode != ModeOwner || !o.placing() {
				return
			}
			if derr := l.m.dispatcher.Dispatch(fallback); derr != nil {
				l.fail(fallback, derr)
			}
		}()
		return
	}
	l.fail(req, err)
}

func (l *serviceListener) fail(req *dispatch.PlacementRequest, err error) {
	l.m.logger.Warn().
		Err(err).
		Str("deployment", l.owner.name).
		Str("spec", req.Spec.Key()).
		Msg("Placement failed")
	if l.external != nil {
		l.external.Failed(req.Spec.Key(), err)
	}
}

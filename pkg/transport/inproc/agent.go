package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/provisor/pkg/types"
	"github.com/google/uuid"
)

// ErrUnreachable is returned by handles whose target is down or gone
var ErrUnreachable = errors.New("unreachable")

// PlaceHook runs before an agent accepts an order. A non-nil error fails
// the call.
type PlaceHook func(order *types.PlacementOrder) error

// Agent is an in-process agent. It accepts every order unless told to
// fail, and records what it was asked to do.
type Agent struct {
	id string

	mu         sync.Mutex
	instances  map[string]*types.Instance
	orders     []*types.PlacementOrder
	terminated []string
	failNext   int
	down       bool
	hook       PlaceHook
}

// NewAgent creates an agent with the given identity
func NewAgent(id string) *Agent {
	return &Agent{
		id:        id,
		instances: make(map[string]*types.Instance),
	}
}

// ID returns the agent identity
func (a *Agent) ID() string {
	return a.id
}

// Place hosts an instance of the ordered spec
func (a *Agent) Place(ctx context.Context, order *types.PlacementOrder) (*types.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	hook := a.hook
	a.orders = append(a.orders, order)
	if a.down {
		a.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", a.id, ErrUnreachable)
	}
	if a.failNext > 0 {
		a.failNext--
		a.mu.Unlock()
		return nil, fmt.Errorf("agent %s: placement refused", a.id)
	}
	a.mu.Unlock()

	if hook != nil {
		if err := hook(order); err != nil {
			return nil, err
		}
	}

	inst := &types.Instance{
		ID:       uuid.New().String(),
		SpecKey:  order.Spec.Key(),
		Seq:      order.Spec.Instance,
		AgentID:  a.id,
		PlacedAt: time.Now(),
	}

	a.mu.Lock()
	a.instances[inst.ID] = inst
	a.mu.Unlock()
	return inst, nil
}

// Terminate stops an instance
func (a *Agent) Terminate(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.down {
		return fmt.Errorf("agent %s: %w", a.id, ErrUnreachable)
	}
	if _, ok := a.instances[instanceID]; !ok {
		return fmt.Errorf("instance %s on agent %s: %w", instanceID, a.id, types.ErrNotFound)
	}
	delete(a.instances, instanceID)
	a.terminated = append(a.terminated, instanceID)
	return nil
}

// FailNext makes the next n Place calls fail
func (a *Agent) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = n
}

// SetDown makes every call fail until reset
func (a *Agent) SetDown(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.down = down
}

// SetPlaceHook installs a hook run by every accepted Place call
func (a *Agent) SetPlaceHook(hook PlaceHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hook = hook
}

// Orders returns every order received, including failed ones
func (a *Agent) Orders() []*types.PlacementOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*types.PlacementOrder(nil), a.orders...)
}

// Instances returns the instances the agent currently hosts
func (a *Agent) Instances() []*types.Instance {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*types.Instance, 0, len(a.instances))
	for _, inst := range a.instances {
		out = append(out, inst)
	}
	return out
}

// Terminated returns the ids of terminated instances in call order
func (a *Agent) Terminated() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.terminated...)
}

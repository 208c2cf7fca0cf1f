package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/provisor/pkg/admission"
	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/registry"
	"github.com/cuemby/provisor/pkg/types"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Config holds dispatcher configuration
type Config struct {
	Registry *registry.Registry
	Pool     *Pool
	Broker   *events.Broker
	Clock    clock.Clock
	Logger   zerolog.Logger

	// Retries is how many times a failed Place call is repeated against
	// the same agent before moving on to the next one
	Retries int

	// Backoff is the delay before the first retry; it grows linearly
	Backoff time.Duration

	// CallTimeout bounds a single remote call
	CallTimeout time.Duration
}

// Dispatcher matches placement requests to agents
type Dispatcher struct {
	registry    *registry.Registry
	pool        *Pool
	broker      *events.Broker
	clock       clock.Clock
	logger      zerolog.Logger
	retries     int
	backoff     time.Duration
	callTimeout time.Duration

	pending *PendingQueue
	fixed   *FixedQueue

	// sweepMu serializes fixed sweeps so two sweeps cannot both fill the
	// last missing instance
	sweepMu sync.Mutex

	index atomic.Int64
	seqMu sync.Mutex
	seq   map[string]int64
}

// New creates a dispatcher
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Pool == nil {
		cfg.Pool = NewPool(4, 64)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		registry:    cfg.Registry,
		pool:        cfg.Pool,
		broker:      cfg.Broker,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		retries:     cfg.Retries,
		backoff:     cfg.Backoff,
		callTimeout: cfg.CallTimeout,
		pending:     NewPendingQueue(),
		seq:         make(map[string]int64),
	}
	d.fixed = NewFixedQueue(cfg.Registry.Count)
	return d, nil
}

// Pending returns the pending queue
func (d *Dispatcher) Pending() *PendingQueue {
	return d.pending
}

// Fixed returns the fixed queue
func (d *Dispatcher) Fixed() *FixedQueue {
	return d.fixed
}

// Pool returns the worker pool
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// Stop stops the worker pool after queued placements finish
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

// Dispatch places one instance on the first agent, in selector order, that
// admission control accepts. The call returns once the placement has been
// handed to the worker pool or the request has been queued or failed.
func (d *Dispatcher) Dispatch(req *PlacementRequest) error {
	if req == nil || req.Spec == nil {
		return errors.New("placement request without a spec")
	}
	if req.Spec.Mode == types.ProvisionExternal {
		return fmt.Errorf("%s is externally provisioned", req.Spec.Key())
	}
	if req.Kind == "" {
		req.Kind = KindPlace
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Index == 0 {
		req.Index = d.index.Add(1)
	}
	if req.Spec.Instance == 0 {
		req.Spec = req.Spec.WithInstance(d.nextSeq(req.Spec.Key()))
	}

	d.attempt(req)
	return nil
}

// PlaceFixed queues a fixed-mode spec and sweeps immediately
func (d *Dispatcher) PlaceFixed(spec *types.ServiceSpec, listener Listener) error {
	if spec.Mode != types.ProvisionFixed {
		return fmt.Errorf("%s is not fixed-mode", spec.Key())
	}
	d.fixed.Add(spec, listener)
	d.Sweep()
	return nil
}

// OnRegistryChange sweeps fixed specs, then drains the pending queue
func (d *Dispatcher) OnRegistryChange() {
	d.Sweep()
	d.Retrigger()
}

// Retrigger re-dispatches every pending request in index order
func (d *Dispatcher) Retrigger() {
	for _, req := range d.pending.Drain() {
		d.attempt(req)
	}
}

// Update replaces a spec in both queues
func (d *Dispatcher) Update(spec *types.ServiceSpec) {
	d.pending.Update(spec)
	d.fixed.Update(spec)
}

// Cancel drops every queued request for a spec key
func (d *Dispatcher) Cancel(key string) {
	d.pending.Remove(key)
	d.fixed.Remove(key)
	d.fixed.report()
}

// Sweep places fixed specs on every eligible agent that does not host
// them yet
func (d *Dispatcher) Sweep() {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	for _, e := range d.fixed.snapshot() {
		d.sweepEntry(e, nil)
	}
	d.fixed.report()
}

// resweep fills the instance a failed fixed placement left missing,
// skipping agents that already failed it
func (d *Dispatcher) resweep(key string, tried map[string]bool) {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	if e := d.fixed.entry(key); e != nil {
		d.sweepEntry(e, tried)
	}
	d.fixed.report()
}

func (d *Dispatcher) sweepEntry(e *fixedEntry, tried map[string]bool) {
	spec := e.spec
	key := spec.Key()

	outstanding := spec.Planned - d.registry.Count(key)
	for _, slot := range d.registry.Snapshot() {
		if outstanding <= 0 {
			break
		}
		if tried[slot.AgentID()] {
			continue
		}

		var decision *admission.Decision
		reserved := slot.Record().Reserve(key, func(st *types.AgentState) bool {
			if st.Count(key) > 0 {
				return false
			}
			var ok bool
			decision, ok = admission.Evaluate(spec, st)
			return ok
		})
		if !reserved {
			continue
		}

		req := &PlacementRequest{
			ID:       uuid.New().String(),
			Spec:     spec.WithInstance(d.nextSeq(key)),
			Kind:     KindPlace,
			Listener: e.listener,
			Index:    d.index.Add(1),
			fixed:    true,
		}
		for id := range tried {
			req.markTried(id)
		}
		d.submit(req, slot, decision, 1)
		outstanding--
	}

	if d.fixed.clearIfSaturated(e) {
		d.logger.Debug().Str("spec", key).Msg("Fixed spec saturated")
	}
}

// Terminate asks the hosting agent to stop an instance and removes it
// from the agent's record
func (d *Dispatcher) Terminate(ctx context.Context, inst *types.Instance) error {
	slot := d.registry.Lookup(inst.AgentID)
	if slot == nil {
		return fmt.Errorf("terminate %s on agent %s: %w", inst.ID, inst.AgentID, types.ErrUnknownLease)
	}
	slot.Record().RemoveInstance(inst.ID)

	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	if err := slot.Record().Handle().Terminate(ctx, inst.ID); err != nil {
		return fmt.Errorf("terminate %s on agent %s: %w", inst.ID, inst.AgentID, err)
	}
	return nil
}

func (d *Dispatcher) attempt(req *PlacementRequest) {
	slot, decision, considered := d.reserve(req)
	if slot == nil {
		d.exhausted(req, considered)
		return
	}
	d.submit(req, slot, decision, considered)
}

// reserve scans the selector snapshot and reserves the first slot that
// admission control accepts
func (d *Dispatcher) reserve(req *PlacementRequest) (*registry.Slot, *admission.Decision, int) {
	spec := req.Spec
	key := spec.Key()
	considered := 0

	for _, slot := range d.registry.Snapshot() {
		agentID := slot.AgentID()
		if req.skip(agentID) {
			continue
		}
		considered++

		var decision *admission.Decision
		reserved := slot.Record().Reserve(key, func(st *types.AgentState) bool {
			if spec.Mode == types.ProvisionDynamic && !st.DynamicEnabled {
				return false
			}
			var ok bool
			decision, ok = admission.Evaluate(spec, st)
			if !ok && d.logger.Debug().Enabled() {
				d.logger.Debug().
					Err(admission.Explain(spec, st)).
					Str("spec", key).
					Str("agent_id", agentID).
					Msg("Agent rejected")
			}
			return ok
		})
		if reserved {
			return slot, decision, considered
		}
		metrics.AdmissionRejectionsTotal.Inc()
	}
	return nil, nil, considered
}

func (d *Dispatcher) submit(req *PlacementRequest, slot *registry.Slot, decision *admission.Decision, considered int) {
	err := d.pool.Submit(func() {
		d.place(req, slot, decision)
	})
	if err == nil {
		return
	}

	slot.Record().Release(req.Spec.Key())
	d.logger.Warn().
		Err(err).
		Str("spec", req.Spec.Key()).
		Str("request_id", req.ID).
		Msg("Placement not submitted")

	if req.fixed {
		d.fixed.restore(req.Spec, req.Listener)
		return
	}
	d.exhausted(req, considered)
}

// place runs on a pool worker. It balances the reservation made by
// reserve exactly once: Commit on success, Release on failure.
func (d *Dispatcher) place(req *PlacementRequest, slot *registry.Slot, decision *admission.Decision) {
	key := req.Spec.Key()
	rec := slot.Record()
	timer := metrics.NewTimer()

	order := &types.PlacementOrder{
		RequestID: req.ID,
		Spec:      decision.Spec.WithInstance(req.Spec.Instance),
		Clean:     req.Clean,
	}

	var (
		inst *types.Instance
		err  error
	)
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 && d.backoff > 0 {
			<-d.clock.After(time.Duration(attempt) * d.backoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.callTimeout)
		inst, err = rec.Handle().Place(ctx, order)
		cancel()
		if err == nil {
			break
		}
		d.logger.Debug().
			Err(err).
			Str("spec", key).
			Str("agent_id", rec.ID()).
			Int("attempt", attempt+1).
			Msg("Place call failed")
	}

	if err != nil {
		rec.Release(key)
		metrics.PlacementsTotal.WithLabelValues("retry").Inc()
		d.logger.Warn().
			Err(err).
			Str("spec", key).
			Str("agent_id", rec.ID()).
			Msg("Agent unreachable for placement, trying next agent")

		req.markTried(rec.ID())
		if req.fixed {
			d.fixed.restore(req.Spec, req.Listener)
			d.resweep(key, req.tried)
			return
		}
		d.attempt(req)
		return
	}

	rec.Commit(key, inst)
	timer.ObserveDuration(metrics.PlacementLatency)
	metrics.PlacementsTotal.WithLabelValues("placed").Inc()

	d.logger.Info().
		Str("spec", key).
		Str("agent_id", rec.ID()).
		Str("instance_id", inst.ID).
		Int64("seq", inst.Seq).
		Msg("Instance placed")

	if req.Listener != nil {
		if lerr := req.Listener.Placed(req, inst); lerr != nil {
			d.withdraw(rec, inst, lerr)
			return
		}
	}

	d.publish(&events.Event{
		Type:    events.EventInstancePlaced,
		Message: fmt.Sprintf("%s placed on %s", key, rec.ID()),
		Metadata: map[string]string{
			events.MetaSpec:       key,
			events.MetaDeployment: req.Spec.Deployment,
			events.MetaAgent:      rec.ID(),
			events.MetaInstance:   inst.ID,
		},
		Payload: inst,
	})
}

// withdraw undoes a placement the listener refused
func (d *Dispatcher) withdraw(rec *registry.Record, inst *types.Instance, reason error) {
	rec.RemoveInstance(inst.ID)
	metrics.PlacementsTotal.WithLabelValues("withdrawn").Inc()

	ctx, cancel := context.WithTimeout(context.Background(), d.callTimeout)
	defer cancel()
	if err := rec.Handle().Terminate(ctx, inst.ID); err != nil {
		d.logger.Warn().
			Err(err).
			Str("instance_id", inst.ID).
			Str("agent_id", rec.ID()).
			Msg("Failed to withdraw refused instance")
		return
	}
	d.logger.Info().
		AnErr("reason", reason).
		Str("instance_id", inst.ID).
		Str("agent_id", rec.ID()).
		Msg("Withdrew refused instance")
}

func (d *Dispatcher) exhausted(req *PlacementRequest, considered int) {
	key := req.Spec.Key()
	req.tried = nil
	metrics.PlacementsTotal.WithLabelValues("rejected").Inc()

	rejected := &types.RejectedError{Spec: key, Considered: considered}

	if req.Kind == KindRelocate {
		d.logger.Warn().Str("spec", key).Int("considered", considered).Msg("Relocation found no eligible agent")
		if req.Listener != nil {
			req.Listener.Failed(req, rejected)
		}
		return
	}

	first := !req.queued
	req.queued = true
	d.pending.Add(req)
	if !first {
		return
	}

	d.logger.Warn().
		Str("spec", key).
		Str("request_id", req.ID).
		Int("considered", considered).
		Msg("No eligible agent, placement pending")

	d.publish(&events.Event{
		Type:    events.EventProvisionFailed,
		Message: rejected.Error(),
		Metadata: map[string]string{
			events.MetaSpec:       key,
			events.MetaDeployment: req.Spec.Deployment,
			events.MetaConsidered: strconv.Itoa(considered),
		},
		Payload: rejected,
	})
}

func (d *Dispatcher) nextSeq(key string) int64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.seq[key]++
	return d.seq[key]
}

// SeedSequence makes future instance numbers of key start after seq
func (d *Dispatcher) SeedSequence(key string, seq int64) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if seq > d.seq[key] {
		d.seq[key] = seq
	}
}

func (d *Dispatcher) publish(ev *events.Event) {
	if d.broker != nil {
		d.broker.Publish(ev)
	}
}

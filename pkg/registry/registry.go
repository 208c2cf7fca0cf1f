package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/transport"
	"github.com/cuemby/provisor/pkg/types"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Removal reasons
const (
	ReasonExpired   = "expired"
	ReasonCancelled = "cancelled"
	ReasonLost      = "lost"
)

// DefaultLease is used when a registration asks for no duration
const DefaultLease = 30 * time.Second

// Slot pairs a lease with one agent record
type Slot struct {
	LeaseID string
	record  *Record

	mu     sync.Mutex
	expiry time.Time
	timer  clock.Timer
	gen    uint64
}

// Record returns the agent record
func (s *Slot) Record() *Record {
	return s.record
}

// AgentID returns the identity of the leased agent
func (s *Slot) AgentID() string {
	return s.record.ID()
}

// Expiry returns when the lease runs out
func (s *Slot) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

// Removed describes an agent that left the registry
type Removed struct {
	AgentID  string
	Reason   string
	Orphaned []*types.Instance
}

// Config holds registry configuration
type Config struct {
	Clock        clock.Clock
	Selector     Selector
	Broker       *events.Broker
	Logger       zerolog.Logger
	DefaultLease time.Duration
}

// Registry is the lease-backed table of live agents
type Registry struct {
	mu       sync.RWMutex
	slots    map[string]*Slot
	selector Selector

	hooksMu sync.RWMutex
	hooks   []func()

	clock        clock.Clock
	broker       *events.Broker
	logger       zerolog.Logger
	defaultLease time.Duration
}

// New creates a registry
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Selector == nil {
		cfg.Selector = NewRoundRobinSelector()
	}
	if cfg.DefaultLease <= 0 {
		cfg.DefaultLease = DefaultLease
	}
	return &Registry{
		slots:        make(map[string]*Slot),
		selector:     cfg.Selector,
		clock:        cfg.Clock,
		broker:       cfg.Broker,
		logger:       cfg.Logger,
		defaultLease: cfg.DefaultLease,
	}
}

// OnChange registers a hook run after every registration, feedback and
// eligibility change. Hooks run in registration order on the caller's
// goroutine with no registry lock held.
func (r *Registry) OnChange(fn func()) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

func (r *Registry) changed() {
	r.hooksMu.RLock()
	hooks := append([]func(){}, r.hooks...)
	r.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn()
	}
}

// Register grants a lease to an agent and triggers placement sweeps. An
// agent that registers again replaces its previous slot.
func (r *Registry) Register(handle transport.AgentHandle, capacity *types.Capacity, limit int, placed []*types.Instance, duration time.Duration) (*Slot, error) {
	if handle == nil || handle.ID() == "" {
		return nil, errors.New("agent handle with an id is required")
	}
	if limit < 0 {
		return nil, fmt.Errorf("agent %s: negative service limit %d", handle.ID(), limit)
	}
	if duration <= 0 {
		duration = r.defaultLease
	}

	slot := &Slot{
		LeaseID: uuid.New().String(),
		record:  newRecord(handle, capacity, limit, placed),
	}

	r.mu.Lock()
	old := r.slots[handle.ID()]
	if old != nil {
		r.selector.Remove(old)
	}
	r.slots[handle.ID()] = slot
	r.selector.Add(slot)
	count := len(r.slots)
	r.mu.Unlock()

	if old != nil {
		old.stop()
	}
	r.grant(slot, duration)

	metrics.AgentsRegistered.Set(float64(count))
	metrics.AgentRegistrationsTotal.Inc()

	r.logger.Info().
		Str("agent_id", handle.ID()).
		Str("lease_id", slot.LeaseID).
		Int("limit", limit).
		Int("placed", len(placed)).
		Dur("lease", duration).
		Msg("Agent registered")

	r.publish(&events.Event{
		Type:     events.EventAgentRegistered,
		Message:  fmt.Sprintf("agent %s registered", handle.ID()),
		Metadata: map[string]string{events.MetaAgent: handle.ID()},
	})

	r.changed()
	return slot, nil
}

// Feedback replaces an agent's capacity, limit and placed instances, then
// triggers placement sweeps
func (r *Registry) Feedback(agentID string, capacity *types.Capacity, limit int, placed []*types.Instance) error {
	slot := r.Lookup(agentID)
	if slot == nil {
		metrics.FeedbackTotal.WithLabelValues("unknown").Inc()
		return fmt.Errorf("feedback from agent %s: %w", agentID, types.ErrUnknownLease)
	}

	slot.record.update(capacity, limit, placed)
	metrics.FeedbackTotal.WithLabelValues("accepted").Inc()

	r.logger.Debug().
		Str("agent_id", agentID).
		Int("limit", limit).
		Int("placed", len(placed)).
		Msg("Agent feedback")

	r.changed()
	return nil
}

// Renew extends an agent's lease without touching its record
func (r *Registry) Renew(agentID string, duration time.Duration) error {
	slot := r.Lookup(agentID)
	if slot == nil {
		return fmt.Errorf("renew lease of agent %s: %w", agentID, types.ErrUnknownLease)
	}
	if duration <= 0 {
		duration = r.defaultLease
	}
	r.grant(slot, duration)
	return nil
}

// SetDynamicEnabled controls whether dynamic services may be placed on
// the agent
func (r *Registry) SetDynamicEnabled(agentID string, enabled bool) error {
	slot := r.Lookup(agentID)
	if slot == nil {
		return fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownLease)
	}
	slot.record.setDynamicEnabled(enabled)
	r.changed()
	return nil
}

// Cancel removes an agent at its own request
func (r *Registry) Cancel(agentID string) (*Removed, error) {
	removed := r.remove(agentID, nil, ReasonCancelled)
	if removed == nil {
		return nil, fmt.Errorf("cancel lease of agent %s: %w", agentID, types.ErrUnknownLease)
	}
	return removed, nil
}

// AgentLost removes an agent reported dead by fault detection
func (r *Registry) AgentLost(agentID string) (*Removed, error) {
	removed := r.remove(agentID, nil, ReasonLost)
	if removed == nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, types.ErrUnknownLease)
	}
	return removed, nil
}

// Lookup returns the live slot of an agent, or nil
func (r *Registry) Lookup(agentID string) *Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[agentID]
}

// Slots returns every live slot ordered by agent id
func (r *Registry) Slots() []*Slot {
	r.mu.RLock()
	out := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID() < out[j].AgentID() })
	return out
}

// Snapshot returns the slots in selector order for one placement sweep
func (r *Registry) Snapshot() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selector.Snapshot()
}

// Count returns placed plus in-flight instances of key across all agents
func (r *Registry) Count(key string) int {
	n := 0
	for _, s := range r.Slots() {
		n += s.record.State().Count(key)
	}
	return n
}

// Len returns the number of live slots
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

func (r *Registry) grant(slot *Slot, d time.Duration) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	slot.gen++
	gen := slot.gen
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.expiry = r.clock.Now().Add(d)
	slot.timer = r.clock.AfterFunc(d, func() {
		r.expire(slot, gen)
	})
}

func (r *Registry) expire(slot *Slot, gen uint64) {
	slot.mu.Lock()
	current := slot.gen == gen
	slot.mu.Unlock()
	if !current {
		return
	}
	r.remove(slot.AgentID(), slot, ReasonExpired)
}

// remove deletes the agent's slot. When want is set, only that exact slot
// is removed so a stale expiry cannot evict a newer registration.
func (r *Registry) remove(agentID string, want *Slot, reason string) *Removed {
	r.mu.Lock()
	slot, ok := r.slots[agentID]
	if !ok || (want != nil && slot != want) {
		r.mu.Unlock()
		return nil
	}
	delete(r.slots, agentID)
	r.selector.Remove(slot)
	count := len(r.slots)
	r.mu.Unlock()

	slot.stop()

	removed := &Removed{
		AgentID:  agentID,
		Reason:   reason,
		Orphaned: slot.record.Instances(),
	}

	metrics.AgentsRegistered.Set(float64(count))
	metrics.AgentRemovalsTotal.WithLabelValues(reason).Inc()

	r.logger.Info().
		Str("agent_id", agentID).
		Str("reason", reason).
		Int("orphaned", len(removed.Orphaned)).
		Msg("Agent removed")

	r.publish(&events.Event{
		Type:    events.EventAgentRemoved,
		Message: fmt.Sprintf("agent %s removed (%s)", agentID, reason),
		Metadata: map[string]string{
			events.MetaAgent:  agentID,
			events.MetaReason: reason,
		},
		Payload: removed,
	})
	return removed
}

func (s *Slot) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (r *Registry) publish(ev *events.Event) {
	if r.broker != nil {
		r.broker.Publish(ev)
	}
}

package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType represents the type of event
type EventType string

const (
	EventAgentRegistered      EventType = "agent.registered"
	EventAgentRemoved         EventType = "agent.removed"
	EventProvisionFailed      EventType = "provision.failed"
	EventInstancePlaced       EventType = "instance.placed"
	EventInstanceLost         EventType = "instance.lost"
	EventDeploymentDeployed   EventType = "deployment.deployed"
	EventDeploymentUpdated    EventType = "deployment.updated"
	EventDeploymentUndeployed EventType = "deployment.undeployed"
	EventDeploymentOwnership  EventType = "deployment.ownership"
	EventPeerJoined           EventType = "peer.joined"
	EventPeerLost             EventType = "peer.lost"
)

// Metadata keys used across event types
const (
	MetaAgent      = "agent_id"
	MetaDeployment = "deployment"
	MetaSpec       = "spec"
	MetaInstance   = "instance_id"
	MetaMode       = "mode"
	MetaPeer       = "peer_id"
	MetaReason     = "reason"
	MetaConsidered = "considered"
	MetaOrigin     = "origin"
)

// Event represents a provisioning event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string

	// Payload carries a typed value for in-process consumers, for example
	// the *types.DeploymentSpec of a deployment event. It is never mutated
	// after publication.
	Payload interface{}
}

// Get returns a metadata value, or "" when absent
func (e *Event) Get(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Handler is a callback that receives events on its own delivery goroutine
type Handler func(*Event)

type handlerSub struct {
	name string
	fn   Handler
	ch   chan *Event
	done chan struct{}

	// Lossless handlers queue without bound instead of dropping
	lossless bool
	mu       sync.Mutex
	backlog  []*Event
	wake     chan struct{}
}

// push queues an event for a lossless handler and wakes its goroutine
func (h *handlerSub) push(event *Event) {
	h.mu.Lock()
	h.backlog = append(h.backlog, event)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *handlerSub) take() []*Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.backlog
	h.backlog = nil
	return out
}

// Config holds broker configuration
type Config struct {
	// Buffer is the depth of the publish queue
	Buffer int

	// HandlerBuffer is the depth of each handler's delivery queue
	HandlerBuffer int

	Logger zerolog.Logger
}

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	handlers    map[string]*handlerSub
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	handlerBuffer int
	logger        zerolog.Logger
}

// NewBroker creates a new event broker
func NewBroker(cfg Config) *Broker {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.HandlerBuffer <= 0 {
		cfg.HandlerBuffer = 128
	}
	return &Broker{
		subscribers:   make(map[Subscriber]bool),
		handlers:      make(map[string]*handlerSub),
		eventCh:       make(chan *Event, cfg.Buffer),
		stopCh:        make(chan struct{}),
		handlerBuffer: cfg.HandlerBuffer,
		logger:        cfg.Logger,
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop stops the broker and its handler goroutines
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Handle registers a named callback. Each handler has its own bounded
// queue and goroutine, so events reach it in publication order and a slow
// handler delays nobody but itself. Registering a name twice replaces the
// earlier handler.
func (b *Broker) Handle(name string, fn Handler) {
	b.register(&handlerSub{
		name: name,
		fn:   fn,
		ch:   make(chan *Event, b.handlerBuffer),
		done: make(chan struct{}),
	})
}

// HandleAll registers a named callback that never loses an event. Its
// queue grows while the handler falls behind, so it suits handlers that
// must see every state change, such as forwarding to siblings.
func (b *Broker) HandleAll(name string, fn Handler) {
	b.register(&handlerSub{
		name:     name,
		fn:       fn,
		done:     make(chan struct{}),
		lossless: true,
		wake:     make(chan struct{}, 1),
	})
}

func (b *Broker) register(h *handlerSub) {
	name := h.name

	b.mu.Lock()
	old := b.handlers[name]
	b.handlers[name] = h
	b.mu.Unlock()

	if old != nil {
		close(old.done)
	}

	b.wg.Add(1)
	go b.deliver(h)
}

// RemoveHandler stops delivering to the named handler
func (b *Broker) RemoveHandler(name string) {
	b.mu.Lock()
	h := b.handlers[name]
	delete(b.handlers, name)
	b.mu.Unlock()

	if h != nil {
		close(h.done)
	}
}

// Publish publishes an event to all subscribers. It blocks only while the
// publish queue is full.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}

	for _, h := range b.handlers {
		if h.lossless {
			h.push(event)
			continue
		}
		select {
		case h.ch <- event:
		default:
			b.logger.Warn().
				Str("handler", h.name).
				Str("event", string(event.Type)).
				Msg("Event handler queue full, dropping event")
		}
	}
}

func (b *Broker) deliver(h *handlerSub) {
	defer b.wg.Done()
	if h.lossless {
		b.drain(h)
		return
	}
	for {
		select {
		case event := <-h.ch:
			h.fn(event)
		case <-h.done:
			return
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) drain(h *handlerSub) {
	for {
		select {
		case <-h.wake:
			for _, event := range h.take() {
				select {
				case <-h.done:
					return
				case <-b.stopCh:
					return
				default:
				}
				h.fn(event)
			}
		case <-h.done:
			return
		case <-b.stopCh:
			return
		}
	}
}

// SubscriberCount returns the number of active subscribers and handlers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers) + len(b.handlers)
}

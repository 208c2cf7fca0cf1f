package manager

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/provisor/pkg/deploy"
	"github.com/cuemby/provisor/pkg/dispatch"
	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/log"
	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/peer"
	"github.com/cuemby/provisor/pkg/reconciler"
	"github.com/cuemby/provisor/pkg/registry"
	"github.com/cuemby/provisor/pkg/scheduler"
	"github.com/cuemby/provisor/pkg/storage"
	"github.com/cuemby/provisor/pkg/transport"
	"github.com/cuemby/provisor/pkg/types"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Health component names
const (
	ComponentRegistry   = "registry"
	ComponentDispatcher = "dispatcher"
	ComponentPeers      = "peers"
	ComponentStorage    = "storage"
)

// Manager represents a provisor coordinator node
type Manager struct {
	nodeID string

	broker      *events.Broker
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	scheduler   *scheduler.Scheduler
	reconciler  *reconciler.Reconciler
	deployments *deploy.Manager
	peers       *peer.Coordinator
	journal     *storage.Journal
	health      *metrics.HealthChecker
	collector   *MetricsCollector

	logger zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	Address  string
	TieBreak int64

	// DataDir holds the journal. Without one state is kept in memory
	// and lost on restart.
	DataDir         string
	CheckpointEvery int

	Workers     int
	QueueDepth  int
	EventBuffer int

	Retries     int
	Backoff     time.Duration
	CallTimeout time.Duration

	DefaultLease time.Duration
	Selector     string

	CollectInterval   time.Duration
	ReconcileInterval time.Duration

	Discovery transport.Discovery
	Health    *metrics.HealthChecker
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// NewManager wires the components of a coordinator. Nothing runs until
// Start.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Health == nil {
		cfg.Health = metrics.NewHealthChecker("", ComponentRegistry, ComponentDispatcher, ComponentPeers)
	}
	logger := cfg.Logger

	selector, err := registry.NewSelector(cfg.Selector)
	if err != nil {
		return nil, err
	}

	var (
		journal   *storage.Journal
		persister storage.Persister
		records   storage.DeploymentStore
	)
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		journal, err = storage.OpenJournal(storage.JournalConfig{
			DataDir:         cfg.DataDir,
			CheckpointEvery: cfg.CheckpointEvery,
			Logger:          log.WithComponent(logger, "storage"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		persister = journal
		records = journal.Store()
	} else {
		persister = storage.NewMemoryPersister()
	}

	broker := events.NewBroker(events.Config{
		Buffer: cfg.EventBuffer,
		Logger: log.WithComponent(logger, "events"),
	})

	reg := registry.New(registry.Config{
		Clock:        cfg.Clock,
		Selector:     selector,
		Broker:       broker,
		Logger:       log.WithComponent(logger, "registry"),
		DefaultLease: cfg.DefaultLease,
	})

	disp, err := dispatch.New(dispatch.Config{
		Registry:    reg,
		Pool:        dispatch.NewPool(cfg.Workers, cfg.QueueDepth),
		Broker:      broker,
		Clock:       cfg.Clock,
		Logger:      log.WithComponent(logger, "dispatch"),
		Retries:     cfg.Retries,
		Backoff:     cfg.Backoff,
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		closeJournal(journal)
		return nil, err
	}
	reg.OnChange(disp.OnRegistryChange)

	sched := scheduler.NewScheduler(scheduler.Config{
		Clock:  cfg.Clock,
		Logger: log.WithComponent(logger, "scheduler"),
	})

	recon, err := reconciler.NewReconciler(reconciler.Config{
		Dispatcher: disp,
		Clock:      cfg.Clock,
		Interval:   cfg.ReconcileInterval,
		Logger:     log.WithComponent(logger, "reconciler"),
	})
	if err != nil {
		closeJournal(journal)
		return nil, err
	}

	deployments, err := deploy.New(deploy.Config{
		Dispatcher: disp,
		Registry:   reg,
		Scheduler:  sched,
		Broker:     broker,
		Persister:  persister,
		Records:    records,
		Clock:      cfg.Clock,
		Logger:     log.WithComponent(logger, "deploy"),
		Origin:     cfg.NodeID,
	})
	if err != nil {
		closeJournal(journal)
		return nil, err
	}

	peers, err := peer.New(peer.Config{
		ID:          cfg.NodeID,
		Address:     cfg.Address,
		TieBreak:    cfg.TieBreak,
		Deployments: deployments,
		Broker:      broker,
		Discovery:   cfg.Discovery,
		CallTimeout: cfg.CallTimeout,
		Logger:      log.WithComponent(logger, "peer"),
	})
	if err != nil {
		closeJournal(journal)
		return nil, err
	}

	m := &Manager{
		nodeID:      peers.ID(),
		broker:      broker,
		registry:    reg,
		dispatcher:  disp,
		scheduler:   sched,
		reconciler:  recon,
		deployments: deployments,
		peers:       peers,
		journal:     journal,
		health:      cfg.Health,
		logger:      log.WithPeer(logger, peers.ID()),
	}
	m.collector = NewMetricsCollector(m, cfg.CollectInterval)
	return m, nil
}

// Start recovers persisted deployments, then joins the sibling
// coordinators
func (m *Manager) Start() error {
	m.broker.Start()
	m.broker.Handle("health", m.observe)
	m.scheduler.Start()
	m.health.Update(ComponentRegistry, true, "")
	m.health.Update(ComponentDispatcher, true, "")
	m.health.Update(ComponentPeers, false, "loading deployments")

	m.peers.SetLoadState(types.LoadLoading)
	n, err := m.deployments.Recover()
	if err != nil {
		m.health.Update(ComponentStorage, false, err.Error())
		return fmt.Errorf("failed to recover deployments: %w", err)
	}
	if m.journal != nil {
		m.health.Update(ComponentStorage, true, "")
	}
	m.peers.SetLoadState(types.LoadLoaded)

	if err := m.peers.Start(); err != nil {
		return err
	}
	m.health.Update(ComponentPeers, true, "")
	m.reconciler.Start()
	m.collector.Start()

	m.logger.Info().
		Int("recovered", n).
		Bool("durable", m.journal != nil).
		Msg("Coordinator started")
	return nil
}

// Shutdown stops the coordinator. Placements already handed to the worker
// pool finish first.
func (m *Manager) Shutdown() error {
	m.collector.Stop()
	m.reconciler.Stop()
	m.peers.Stop()
	m.scheduler.Stop()
	m.dispatcher.Stop()
	m.deployments.Wait()
	m.broker.Stop()

	if m.journal != nil {
		if err := m.journal.Close(); err != nil {
			return fmt.Errorf("failed to close journal: %w", err)
		}
	}
	m.logger.Info().Msg("Coordinator stopped")
	return nil
}

// NodeID returns the coordinator's peer id
func (m *Manager) NodeID() string {
	return m.nodeID
}

// RegisterAgent grants an agent a lease. The registration triggers fixed
// and pending placements.
func (m *Manager) RegisterAgent(handle transport.AgentHandle, capacity *types.Capacity, limit int, placed []*types.Instance, lease time.Duration) (*registry.Slot, error) {
	return m.registry.Register(handle, capacity, limit, placed, lease)
}

// OnAgentLost handles an agent reported dead by fault detection: its
// record is removed and the instances it hosted are replaced
func (m *Manager) OnAgentLost(agentID string) int {
	if _, err := m.registry.AgentLost(agentID); err != nil && !errors.Is(err, types.ErrUnknownLease) {
		m.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to remove lost agent")
	}
	return m.deployments.AgentLost(agentID)
}

// OnPeerLost handles a sibling coordinator reported dead by fault
// detection
func (m *Manager) OnPeerLost(peerID string) {
	m.peers.PeerLost(peerID)
}

// Deploy declares a deployment
func (m *Manager) Deploy(spec *types.DeploymentSpec, listener deploy.Listener) (map[string]error, error) {
	return m.deployments.Deploy(spec, listener)
}

// Undeploy removes a deployment
func (m *Manager) Undeploy(name string, terminate bool) (bool, error) {
	return m.deployments.Undeploy(name, terminate)
}

// Redeploy replaces running instances of a deployment
func (m *Manager) Redeploy(req types.RedeployRequest) error {
	return m.deployments.Redeploy(req)
}

// OwnedDeployments returns the deployments this coordinator owns
func (m *Manager) OwnedDeployments() []*types.DeploymentSpec {
	return m.deployments.OwnedDeployments()
}

// IsOwner reports whether this coordinator owns a deployment
func (m *Manager) IsOwner(name string) bool {
	return m.deployments.IsOwner(name)
}

// Broker returns the event broker
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// Registry returns the agent registry
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Dispatcher returns the placement dispatcher
func (m *Manager) Dispatcher() *dispatch.Dispatcher {
	return m.dispatcher
}

// Deployments returns the deployment manager
func (m *Manager) Deployments() *deploy.Manager {
	return m.deployments
}

// Peers returns the peer coordinator
func (m *Manager) Peers() *peer.Coordinator {
	return m.peers
}

// Health returns the health checker
func (m *Manager) Health() *metrics.HealthChecker {
	return m.health
}

// observe keeps component health in step with events
func (m *Manager) observe(ev *events.Event) {
	switch ev.Type {
	case events.EventAgentRegistered, events.EventAgentRemoved:
		n := m.registry.Len()
		m.health.Update(ComponentRegistry, true, fmt.Sprintf("%d agents", n))
	case events.EventPeerJoined, events.EventPeerLost:
		m.health.Update(ComponentPeers, true, fmt.Sprintf("%d peers", len(m.peers.Peers())))
	}
}

func closeJournal(j *storage.Journal) {
	if j != nil {
		_ = j.Close()
	}
}

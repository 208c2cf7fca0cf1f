package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/provisor/pkg/deploy"
	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/transport"
	"github.com/cuemby/provisor/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultCallTimeout bounds a single call to a sibling
	DefaultCallTimeout = 10 * time.Second

	forwardHandler = "peer-forward"
)

// Config holds peer coordinator configuration
type Config struct {
	// ID defaults to a random uuid
	ID      string
	Address string

	// TieBreak defaults to a random number. The smaller identity wins
	// ownership of a deployment nobody has deployed yet.
	TieBreak int64

	Deployments *deploy.Manager
	Broker      *events.Broker
	Discovery   transport.Discovery
	CallTimeout time.Duration
	Logger      zerolog.Logger
}

// Coordinator keeps the peer table of one coordinator and settles which
// sibling owns each deployment
type Coordinator struct {
	mu    sync.RWMutex
	self  types.PeerIdentity
	peers map[string]transport.CoordinatorHandle

	// owners maps a deployment backed up here to the peer that owns it
	owners map[string]string

	// backups maps a deployment owned here to the peers standing by for it
	backups map[string]map[string]types.PeerIdentity

	deployments *deploy.Manager
	broker      *events.Broker
	discovery   transport.Discovery
	callTimeout time.Duration
	logger      zerolog.Logger

	wg sync.WaitGroup
}

// New creates a coordinator and installs it as the deployment manager's
// owner resolver
func New(cfg Config) (*Coordinator, error) {
	if cfg.Deployments == nil {
		return nil, errors.New("deployment manager is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.TieBreak == 0 {
		cfg.TieBreak = rand.Int64()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	c := &Coordinator{
		self: types.PeerIdentity{
			ID:        cfg.ID,
			Address:   cfg.Address,
			TieBreak:  cfg.TieBreak,
			LoadState: types.LoadPending,
		},
		peers:       make(map[string]transport.CoordinatorHandle),
		owners:      make(map[string]string),
		backups:     make(map[string]map[string]types.PeerIdentity),
		deployments: cfg.Deployments,
		broker:      cfg.Broker,
		discovery:   cfg.Discovery,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
	}
	cfg.Deployments.SetResolver(c)
	return c, nil
}

// Start forwards local deployment events to siblings and joins discovery
func (c *Coordinator) Start() error {
	if c.broker != nil {
		c.broker.HandleAll(forwardHandler, c.forward)
	}
	if c.discovery != nil {
		if err := c.discovery.Join(c, c); err != nil {
			return fmt.Errorf("failed to join peers: %w", err)
		}
	}
	c.logger.Info().
		Str("peer_id", c.ID()).
		Int64("tie_break", c.Identity().TieBreak).
		Msg("Peer coordinator started")
	return nil
}

// Stop leaves discovery and waits for background announcements
func (c *Coordinator) Stop() {
	if c.discovery != nil {
		c.discovery.Leave(c.ID())
	}
	if c.broker != nil {
		c.broker.RemoveHandler(forwardHandler)
	}
	c.wg.Wait()
}

// Wait blocks until background announcements finish
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// ID returns the local peer id
func (c *Coordinator) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self.ID
}

// Identity returns the local identity
func (c *Coordinator) Identity() types.PeerIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// SetLoadState records how far loading persisted deployments got. Peers
// only settle conflicts with a coordinator that has finished loading, so
// a change is announced.
func (c *Coordinator) SetLoadState(state types.LoadState) {
	c.mu.Lock()
	changed := c.self.LoadState != state
	c.self.LoadState = state
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info().Str("load_state", string(state)).Msg("Load state changed")
	c.announce()
}

// Peers returns the ids of known siblings
func (c *Coordinator) Peers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Backups returns the peers standing by for a deployment owned here
func (c *Coordinator) Backups(deployment string) []types.PeerIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.PeerIdentity, 0, len(c.backups[deployment]))
	for _, id := range c.backups[deployment] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Claims lists the deployments owned here
func (c *Coordinator) Claims() []types.Claim {
	self := c.Identity()
	claims := c.deployments.Claims()
	for i := range claims {
		claims[i].Peer = self
	}
	return claims
}

// AddBackup registers a sibling as standing by for a deployment owned here
func (c *Coordinator) AddBackup(deployment string, backup types.PeerIdentity) error {
	if !c.deployments.IsOwner(deployment) {
		return &types.NotOwnerError{Deployment: deployment, Owner: c.owner(deployment)}
	}

	c.mu.Lock()
	set, ok := c.backups[deployment]
	if !ok {
		set = make(map[string]types.PeerIdentity)
		c.backups[deployment] = set
	}
	_, known := set[backup.ID]
	set[backup.ID] = backup
	c.mu.Unlock()

	if known {
		return nil
	}
	c.logger.Info().
		Str("deployment", deployment).
		Str("peer_id", backup.ID).
		Msg("Backup registered")
	c.backupsChanged()
	return nil
}

// Announce records a sibling's new identity and, once it has loaded its
// deployments, checks it for conflicting claims
func (c *Coordinator) Announce(id types.PeerIdentity) {
	h := c.handle(id.ID)
	if h == nil {
		c.logger.Debug().Str("peer_id", id.ID).Msg("Announcement from unknown peer")
		return
	}
	c.logger.Debug().
		Str("peer_id", id.ID).
		Str("load_state", string(id.LoadState)).
		Int("backups", id.BackupCount).
		Msg("Peer announced")
	c.checkConflicts(h, id)
}

// HandleEvent applies a deployment event forwarded by a sibling.
// Delivering the same event twice leaves the same state.
func (c *Coordinator) HandleEvent(from types.PeerIdentity, ev *events.Event) {
	if from.ID == c.ID() {
		return
	}
	name := ev.Get(events.MetaDeployment)
	if name == "" {
		return
	}

	switch ev.Type {
	case events.EventDeploymentDeployed, events.EventDeploymentUpdated:
		spec, ok := ev.Payload.(*types.DeploymentSpec)
		if !ok {
			c.logger.Warn().Str("event", string(ev.Type)).Msg("Deployment event without a spec")
			return
		}
		c.remoteOwner(from, spec)

	case events.EventDeploymentOwnership:
		if ev.Get(events.MetaMode) != string(deploy.ModeOwner) {
			return
		}
		if spec, ok := ev.Payload.(*types.DeploymentSpec); ok {
			c.remoteOwner(from, spec)
		}

	case events.EventDeploymentUndeployed:
		c.mu.Lock()
		owned := c.owners[name] == from.ID
		if owned {
			delete(c.owners, name)
		}
		c.mu.Unlock()
		if owned && c.deployments.Forget(name) {
			c.logger.Info().Str("deployment", name).Str("peer_id", from.ID).Msg("Owner undeployed, backup dropped")
		}
	}
}

// remoteOwner handles a sibling asserting it owns spec
func (c *Coordinator) remoteOwner(from types.PeerIdentity, spec *types.DeploymentSpec) {
	name := spec.Name

	if c.deployments.IsOwner(name) {
		h := c.handle(from.ID)
		if h == nil || !loaded(c.Identity(), from) {
			return
		}
		local, ok := c.claim(name)
		if !ok {
			return
		}
		c.settle(h, local, types.Claim{Deployment: name, Peer: from, DeployDates: spec.DeployDates})
		return
	}

	_, known := c.deployments.Mode(name)
	if !c.deployments.ApplyUpdate(spec) {
		return
	}

	c.mu.Lock()
	prev := c.owners[name]
	c.owners[name] = from.ID
	c.mu.Unlock()

	if known && prev == from.ID {
		return
	}
	// A new owner learns it has one more standby
	if h := c.handle(from.ID); h != nil {
		ctx, cancel := c.ctx()
		defer cancel()
		if err := h.AddBackup(ctx, name, c.Identity()); err != nil {
			c.logger.Debug().Err(err).Str("deployment", name).Str("peer_id", from.ID).Msg("Failed to register as backup")
		}
	}
}

// Redeploy runs a redeployment forwarded by a sibling
func (c *Coordinator) Redeploy(req types.RedeployRequest) error {
	return c.deployments.Redeploy(req)
}

// PeerDiscovered adds a sibling and checks it for conflicting claims
func (c *Coordinator) PeerDiscovered(h transport.CoordinatorHandle) {
	id := h.Identity()
	if id.ID == c.ID() {
		return
	}

	c.mu.Lock()
	_, known := c.peers[id.ID]
	c.peers[id.ID] = h
	n := len(c.peers)
	c.mu.Unlock()

	metrics.PeersKnown.Set(float64(n))
	if !known {
		c.logger.Info().Str("peer_id", id.ID).Str("address", id.Address).Msg("Peer discovered")
		c.publish(events.EventPeerJoined, id.ID, "peer joined")
	}

	c.checkConflicts(h, id)
	c.share(h)
}

// PeerLost hands every deployment the lost sibling owned to this
// coordinator when it was standing by for it. Siblings that flip at the
// same moment settle it through the usual conflict check.
func (c *Coordinator) PeerLost(id string) {
	c.mu.Lock()
	if _, ok := c.peers[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.peers, id)
	n := len(c.peers)

	var orphaned []string
	for name, owner := range c.owners {
		if owner == id {
			orphaned = append(orphaned, name)
			delete(c.owners, name)
		}
	}
	dropped := 0
	for _, set := range c.backups {
		if _, ok := set[id]; ok {
			delete(set, id)
			dropped++
		}
	}
	c.mu.Unlock()

	sort.Strings(orphaned)
	metrics.PeersKnown.Set(float64(n))
	c.logger.Warn().
		Str("peer_id", id).
		Int("orphaned", len(orphaned)).
		Msg("Peer lost")
	c.publish(events.EventPeerLost, id, "peer lost")

	for _, name := range orphaned {
		if mode, ok := c.deployments.Mode(name); !ok || mode != deploy.ModeBackup {
			continue
		}
		if err := c.deployments.SetMode(name, deploy.ModeOwner); err != nil {
			c.logger.Warn().Err(err).Str("deployment", name).Msg("Failed to take over deployment")
			continue
		}
		c.logger.Info().Str("deployment", name).Str("peer_id", id).Msg("Took over deployment from lost peer")
	}
	if dropped > 0 {
		c.backupsChanged()
	}

	if len(orphaned) > 0 {
		for _, h := range c.handles() {
			c.checkConflicts(h, h.Identity())
		}
	}
}

// OwnerOf returns the peer that owns a deployment backed up here
func (c *Coordinator) OwnerOf(deployment string) (string, bool) {
	owner := c.owner(deployment)
	return owner, owner != ""
}

// ForwardRedeploy sends a redeployment to the owner of the deployment
func (c *Coordinator) ForwardRedeploy(req types.RedeployRequest) error {
	owner := c.owner(req.Deployment)
	h := c.handle(owner)
	if h == nil {
		return &types.NotOwnerError{Deployment: req.Deployment, Owner: owner}
	}

	ctx, cancel := c.ctx()
	defer cancel()
	if err := h.Redeploy(ctx, req); err != nil {
		return fmt.Errorf("failed to forward redeployment to %s: %w", owner, err)
	}
	return nil
}

// checkConflicts asks a loaded sibling for its claims and settles every
// deployment both sides own
func (c *Coordinator) checkConflicts(h transport.CoordinatorHandle, remote types.PeerIdentity) {
	self := c.Identity()
	if remote.ID == self.ID || !loaded(self, remote) {
		return
	}

	local := make(map[string]types.Claim)
	for _, cl := range c.Claims() {
		local[cl.Deployment] = cl
	}
	if len(local) == 0 {
		return
	}

	ctx, cancel := c.ctx()
	claims, err := h.Claims(ctx)
	cancel()
	if err != nil {
		c.logger.Warn().Err(err).Str("peer_id", remote.ID).Msg("Failed to fetch peer claims")
		return
	}

	for _, rc := range claims {
		lc, ok := local[rc.Deployment]
		if !ok {
			continue
		}
		if rc.Peer.ID == "" {
			rc.Peer = remote
		}
		c.settle(h, lc, rc)
	}
}

// settle applies Resolve to one contested deployment. Only the losing
// side acts: it steps down and registers with the winner.
func (c *Coordinator) settle(h transport.CoordinatorHandle, local, remote types.Claim) {
	name := local.Deployment

	if Resolve(local, remote) {
		c.logger.Info().
			Str("deployment", name).
			Str("peer_id", remote.Peer.ID).
			Msg("Ownership conflict won")
		return
	}

	if err := c.deployments.SetMode(name, deploy.ModeBackup); err != nil {
		c.logger.Warn().Err(err).Str("deployment", name).Msg("Failed to step down")
		return
	}

	c.mu.Lock()
	c.owners[name] = remote.Peer.ID
	_, hadBackups := c.backups[name]
	delete(c.backups, name)
	c.mu.Unlock()

	c.logger.Info().
		Str("deployment", name).
		Str("peer_id", remote.Peer.ID).
		Msg("Ownership conflict lost, now backup")

	ctx, cancel := c.ctx()
	defer cancel()
	if err := h.AddBackup(ctx, name, c.Identity()); err != nil {
		c.logger.Warn().Err(err).Str("deployment", name).Str("peer_id", remote.Peer.ID).Msg("Failed to register as backup")
	}
	if hadBackups {
		c.backupsChanged()
	}
}

// share sends the deployments owned here to a new sibling so it can stand
// by for them
func (c *Coordinator) share(h transport.CoordinatorHandle) {
	from := c.Identity()
	for _, spec := range c.deployments.OwnedDeployments() {
		ev := &events.Event{
			Type:    events.EventDeploymentUpdated,
			Message: "deployment shared with new peer",
			Metadata: map[string]string{
				events.MetaDeployment: spec.Name,
				events.MetaMode:       string(deploy.ModeOwner),
				events.MetaOrigin:     from.ID,
			},
			Payload: spec,
		}
		ctx, cancel := c.ctx()
		err := h.Notify(ctx, from, ev)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("deployment", spec.Name).Msg("Failed to share deployment")
			return
		}
	}
}

// forward sends locally originated deployment events to every sibling
func (c *Coordinator) forward(ev *events.Event) {
	switch ev.Type {
	case events.EventDeploymentDeployed,
		events.EventDeploymentUpdated,
		events.EventDeploymentUndeployed,
		events.EventDeploymentOwnership:
	default:
		return
	}
	from := c.Identity()
	if ev.Get(events.MetaOrigin) != from.ID {
		return
	}

	for _, h := range c.handles() {
		ctx, cancel := c.ctx()
		err := h.Notify(ctx, from, ev)
		cancel()
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("event", string(ev.Type)).
				Str("deployment", ev.Get(events.MetaDeployment)).
				Msg("Failed to notify peer")
		}
	}
}

// backupsChanged recounts standbys and announces the new identity
func (c *Coordinator) backupsChanged() {
	c.mu.Lock()
	n := 0
	for _, set := range c.backups {
		n += len(set)
	}
	changed := c.self.BackupCount != n
	c.self.BackupCount = n
	c.mu.Unlock()

	if changed {
		c.announce()
	}
}

// announce runs in the background so a sibling reacting to it can call
// back into this coordinator
func (c *Coordinator) announce() {
	id := c.Identity()
	handles := c.handles()
	if len(handles) == 0 {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, h := range handles {
			ctx, cancel := c.ctx()
			err := h.Announce(ctx, id)
			cancel()
			if err != nil {
				c.logger.Debug().Err(err).Msg("Failed to announce to peer")
			}
		}
	}()
}

// loaded reports whether both sides finished loading their deployments.
// Claims of a coordinator still loading are incomplete.
func loaded(self, remote types.PeerIdentity) bool {
	return self.LoadState == types.LoadLoaded && remote.LoadState == types.LoadLoaded
}

func (c *Coordinator) claim(name string) (types.Claim, bool) {
	for _, cl := range c.Claims() {
		if cl.Deployment == name {
			return cl, true
		}
	}
	return types.Claim{}, false
}

func (c *Coordinator) owner(deployment string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owners[deployment]
}

func (c *Coordinator) handle(id string) transport.CoordinatorHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peers[id]
}

// handles returns the sibling handles ordered by id
func (c *Coordinator) handles() []transport.CoordinatorHandle {
	c.mu.RLock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]transport.CoordinatorHandle, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.peers[id])
	}
	c.mu.RUnlock()
	return out
}

func (c *Coordinator) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.callTimeout)
}

func (c *Coordinator) publish(t events.EventType, peerID, message string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			events.MetaPeer:   peerID,
			events.MetaOrigin: c.ID(),
		},
	})
}

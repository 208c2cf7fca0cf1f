package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/transport"
	"github.com/cuemby/provisor/pkg/types"
)

type member struct {
	svc      transport.CoordinatorService
	listener transport.PeerListener
}

// Network connects coordinators running in the same process. Calls are
// delivered synchronously on the caller's goroutine.
type Network struct {
	mu      sync.RWMutex
	members map[string]*member
	last    map[string]types.PeerIdentity
}

// NewNetwork creates an empty network
func NewNetwork() *Network {
	return &Network{
		members: make(map[string]*member),
		last:    make(map[string]types.PeerIdentity),
	}
}

// Join adds a coordinator and introduces it to every current member
func (n *Network) Join(svc transport.CoordinatorService, l transport.PeerListener) error {
	id := svc.Identity().ID

	n.mu.Lock()
	if _, exists := n.members[id]; exists {
		n.mu.Unlock()
		return fmt.Errorf("coordinator %s already joined", id)
	}
	others := make([]*member, 0, len(n.members))
	for _, m := range n.members {
		others = append(others, m)
	}
	n.members[id] = &member{svc: svc, listener: l}
	n.last[id] = svc.Identity()
	n.mu.Unlock()

	for _, m := range others {
		l.PeerDiscovered(n.Handle(m.svc.Identity().ID))
		m.listener.PeerDiscovered(n.Handle(id))
	}
	return nil
}

// Leave removes a coordinator. Remaining members see PeerLost.
func (n *Network) Leave(id string) {
	n.mu.Lock()
	if _, exists := n.members[id]; !exists {
		n.mu.Unlock()
		return
	}
	delete(n.members, id)
	others := make([]*member, 0, len(n.members))
	for _, m := range n.members {
		others = append(others, m)
	}
	n.mu.Unlock()

	for _, m := range others {
		m.listener.PeerLost(id)
	}
}

// Members returns the ids of joined coordinators
func (n *Network) Members() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := make([]string, 0, len(n.members))
	for id := range n.members {
		ids = append(ids, id)
	}
	return ids
}

// Handle returns a handle to the coordinator with the given id
func (n *Network) Handle(id string) transport.CoordinatorHandle {
	return &coordinatorHandle{net: n, id: id}
}

func (n *Network) lookup(id string) (transport.CoordinatorService, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	m, ok := n.members[id]
	if !ok {
		return nil, fmt.Errorf("coordinator %s: %w", id, ErrUnreachable)
	}
	return m.svc, nil
}

type coordinatorHandle struct {
	net *Network
	id  string
}

func (h *coordinatorHandle) Identity() types.PeerIdentity {
	svc, err := h.net.lookup(h.id)
	if err != nil {
		h.net.mu.RLock()
		defer h.net.mu.RUnlock()
		return h.net.last[h.id]
	}
	id := svc.Identity()
	h.net.mu.Lock()
	h.net.last[h.id] = id
	h.net.mu.Unlock()
	return id
}

func (h *coordinatorHandle) Claims(ctx context.Context) ([]types.Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	svc, err := h.net.lookup(h.id)
	if err != nil {
		return nil, err
	}
	return svc.Claims(), nil
}

func (h *coordinatorHandle) AddBackup(ctx context.Context, deployment string, backup types.PeerIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	svc, err := h.net.lookup(h.id)
	if err != nil {
		return err
	}
	return svc.AddBackup(deployment, backup)
}

func (h *coordinatorHandle) Announce(ctx context.Context, id types.PeerIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	svc, err := h.net.lookup(h.id)
	if err != nil {
		return err
	}
	svc.Announce(id)
	return nil
}

func (h *coordinatorHandle) Notify(ctx context.Context, from types.PeerIdentity, ev *events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	svc, err := h.net.lookup(h.id)
	if err != nil {
		return err
	}
	svc.HandleEvent(from, ev)
	return nil
}

func (h *coordinatorHandle) Redeploy(ctx context.Context, req types.RedeployRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	svc, err := h.net.lookup(h.id)
	if err != nil {
		return err
	}
	return svc.Redeploy(req)
}

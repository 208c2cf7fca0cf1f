package deploy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/provisor/pkg/events"
	"github.com/cuemby/provisor/pkg/storage"
	"github.com/cuemby/provisor/pkg/types"
)

// snapshot is the persisted form of the deployments this coordinator owns
type snapshot struct {
	Deployments []persisted `json:"deployments"`
}

type persisted struct {
	Spec      *types.DeploymentSpec `json:"spec"`
	Parent    string                `json:"parent,omitempty"`
	State     State                 `json:"state"`
	Repeats   int                   `json:"repeats,omitempty"`
	Sequences map[string]int64      `json:"sequences,omitempty"`
}

func (m *Manager) buildSnapshot() *snapshot {
	snap := &snapshot{}
	for _, o := range m.all() {
		if o.Mode() != ModeOwner {
			continue
		}
		o.mu.Lock()
		p := persisted{
			Spec:      o.specLocked(),
			State:     o.state,
			Repeats:   o.repeats,
			Sequences: make(map[string]int64, len(o.trackers)),
		}
		if o.parent != nil {
			p.Parent = o.parent.name
		}
		for name, t := range o.trackers {
			seq := t.maxSeq()
			if o.sequences[name] > seq {
				seq = o.sequences[name]
			}
			if seq > 0 {
				p.Sequences[name] = seq
			}
		}
		o.mu.Unlock()

		p.Spec.Nested = nil
		snap.Deployments = append(snap.Deployments, p)
	}
	return snap
}

// persist snapshots every owned deployment
func (m *Manager) persist() {
	if m.persister == nil {
		return
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	data, err := json.Marshal(m.buildSnapshot())
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to encode deployment snapshot")
		return
	}
	if err := m.persister.Snapshot(data); err != nil {
		m.logger.Error().Err(err).Msg("Failed to persist deployment snapshot")
	}
}

func (m *Manager) record(o *Owner) {
	if m.records == nil {
		return
	}

	mode := o.Mode()
	o.mu.Lock()
	rec := &storage.DeploymentRecord{
		Name:        o.name,
		Mode:        string(mode),
		State:       string(o.state),
		Status:      string(o.statusLocked()),
		Services:    len(o.services),
		Instances:   o.instanceCountLocked(),
		DeployDates: append([]time.Time(nil), o.dates...),
		UpdatedAt:   m.clock.Now(),
	}
	o.mu.Unlock()

	if err := m.records.PutDeployment(rec); err != nil {
		m.logger.Error().Err(err).Str("deployment", o.name).Msg("Failed to write deployment record")
	}
}

func (m *Manager) forgetRecord(name string) {
	if m.records == nil {
		return
	}
	if err := m.records.DeleteDeployment(name); err != nil {
		m.logger.Error().Err(err).Str("deployment", name).Msg("Failed to delete deployment record")
	}
}

// Recover redeploys what the persister holds and returns how many
// deployments were restored. Deployments already known are left alone.
// Instances still running on registered agents are adopted rather than
// placed again.
func (m *Manager) Recover() (int, error) {
	if m.persister == nil {
		return 0, nil
	}
	data, err := m.persister.Recover()
	if err != nil {
		return 0, fmt.Errorf("failed to recover deployments: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("failed to decode deployment snapshot: %w", err)
	}

	var restored []*Owner
	m.mu.Lock()
	for _, p := range snap.Deployments {
		if p.Spec == nil || m.owners[p.Spec.Name] != nil {
			continue
		}
		if err := p.Spec.Validate(); err != nil {
			m.logger.Warn().Err(err).Msg("Skipping invalid persisted deployment")
			continue
		}
		o := newOwner(p.Spec, ModeOwner, nil)
		o.repeats = p.Repeats
		for name, seq := range p.Sequences {
			o.sequences[name] = seq
		}
		m.owners[o.name] = o
		restored = append(restored, o)
	}
	parents := make(map[*Owner]*Owner)
	for _, p := range snap.Deployments {
		if p.Spec == nil || p.Parent == "" {
			continue
		}
		child, parent := m.owners[p.Spec.Name], m.owners[p.Parent]
		if child != nil && parent != nil {
			parents[child] = parent
		}
	}
	m.mu.Unlock()

	for child, parent := range parents {
		link(parent, child)
	}

	for _, o := range restored {
		m.logger.Info().Str("deployment", o.name).Msg("Deployment recovered")
		m.start(o, nil)
		m.publish(o, events.EventDeploymentDeployed, "deployment recovered")
		m.record(o)
	}

	m.persist()
	m.report()
	return len(restored), nil
}

package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Selector orders the registered slots for one placement sweep.
// Implementations must rotate their output between calls so repeated
// sweeps do not always favor the same agent.
type Selector interface {
	Add(s *Slot)
	Remove(s *Slot)
	Snapshot() []*Slot
	Len() int
}

// Selector strategy names accepted by NewSelector
const (
	StrategyRoundRobin  = "round-robin"
	StrategyLeastActive = "least-active"
)

// NewSelector creates a selector by strategy name
func NewSelector(strategy string) (Selector, error) {
	switch strategy {
	case "", StrategyRoundRobin:
		return NewRoundRobinSelector(), nil
	case StrategyLeastActive:
		return NewLeastActiveSelector(), nil
	default:
		return nil, fmt.Errorf("unknown selector strategy %q", strategy)
	}
}

// RoundRobinSelector returns slots in registration order, starting one
// position further on every call
type RoundRobinSelector struct {
	mu     sync.Mutex
	slots  []*Slot
	offset int
}

// NewRoundRobinSelector creates an empty round-robin selector
func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

// Add appends a slot
func (s *RoundRobinSelector) Add(slot *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.slots {
		if existing == slot {
			return
		}
	}
	s.slots = append(s.slots, slot)
}

// Remove drops a slot
func (s *RoundRobinSelector) Remove(slot *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.slots {
		if existing == slot {
			s.slots = append(s.slots[:i:i], s.slots[i+1:]...)
			if i < s.offset {
				s.offset--
			}
			break
		}
	}
	if len(s.slots) == 0 || s.offset >= len(s.slots) {
		s.offset = 0
	}
}

// Snapshot returns the rotated slot list and advances the offset
func (s *RoundRobinSelector) Snapshot() []*Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *RoundRobinSelector) rotateLocked() []*Slot {
	n := len(s.slots)
	if n == 0 {
		return nil
	}
	out := make([]*Slot, 0, n)
	out = append(out, s.slots[s.offset:]...)
	out = append(out, s.slots[:s.offset]...)
	s.offset = (s.offset + 1) % n
	return out
}

// Len returns the number of slots
func (s *RoundRobinSelector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// LeastActiveSelector orders slots by placed plus in-flight instances,
// fewest first. Agents with equal load keep their round-robin order.
type LeastActiveSelector struct {
	RoundRobinSelector
}

// NewLeastActiveSelector creates an empty least-active selector
func NewLeastActiveSelector() *LeastActiveSelector {
	return &LeastActiveSelector{}
}

// Snapshot returns slots sorted by load
func (s *LeastActiveSelector) Snapshot() []*Slot {
	s.mu.Lock()
	out := s.rotateLocked()
	s.mu.Unlock()

	// Record locks are taken after the selector lock is released
	load := make(map[*Slot]int, len(out))
	for _, slot := range out {
		load[slot] = slot.Record().State().Total()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return load[out[i]] < load[out[j]]
	})
	return out
}

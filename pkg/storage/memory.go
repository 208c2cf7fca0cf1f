package storage

import "sync"

// MemoryPersister keeps snapshots in memory
type MemoryPersister struct {
	mu    sync.Mutex
	state []byte
	count int
}

// NewMemoryPersister creates an empty persister
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

// Snapshot stores a copy of state
func (m *MemoryPersister) Snapshot(state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = append([]byte(nil), state...)
	m.count++
	return nil
}

// Recover returns a copy of the last snapshot
func (m *MemoryPersister) Recover() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	return append([]byte(nil), m.state...), nil
}

// Count returns how many snapshots were taken
func (m *MemoryPersister) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

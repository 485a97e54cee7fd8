package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a map-backed Store for tests and dry runs. Checkpoints are
// stored as deep copies so callers cannot alias stored snapshots.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]*Checkpoint)}
}

func (m *MemoryStore) SaveCheckpoint(cp *Checkpoint) error {
	clone, err := cloneCheckpoint(cp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = clone
	return nil
}

func (m *MemoryStore) LoadCheckpoint(id string) (*Checkpoint, error) {
	m.mu.RLock()
	cp, ok := m.checkpoints[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	return cloneCheckpoint(cp)
}

func (m *MemoryStore) PendingCheckpoints() ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*Checkpoint
	for _, cp := range m.checkpoints {
		if !cp.Pending() {
			continue
		}
		clone, err := cloneCheckpoint(cp)
		if err != nil {
			return nil, err
		}
		pending = append(pending, clone)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func cloneCheckpoint(cp *Checkpoint) (*Checkpoint, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("clone checkpoint %s: %w", cp.ID, err)
	}
	var clone Checkpoint
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("clone checkpoint %s: %w", cp.ID, err)
	}
	return &clone, nil
}

package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRunNotFound is returned when a run ID has no persisted state.
var ErrRunNotFound = errors.New("run not found")

// Persistence is the durable layer behind a state store. Implementations
// must provide atomic put and read-after-write consistency, keyed by run ID,
// and support concurrent independent runs.
type Persistence interface {
	SaveState(state *State) error
	LoadState(runID string) (*State, error)
}

// StateStore exclusively owns one run's State and provides atomic
// read/update with write-through persistence. The executor is single-
// threaded per run, but checkpoint review arrives from other goroutines,
// so updates are serialized here.
type StateStore struct {
	mu      sync.Mutex
	state   *State
	persist Persistence
}

// NewStateStore wraps a state with write-through persistence. A nil
// Persistence keeps the run memory-only (tests, dry runs).
func NewStateStore(state *State, persist Persistence) *StateStore {
	return &StateStore{state: state, persist: persist}
}

// OpenStateStore re-hydrates a parked run from persistence.
func OpenStateStore(runID string, persist Persistence) (*StateStore, error) {
	if persist == nil {
		return nil, fmt.Errorf("open run %s: no persistence configured", runID)
	}
	state, err := persist.LoadState(runID)
	if err != nil {
		return nil, fmt.Errorf("open run %s: %w", runID, err)
	}
	return &StateStore{state: state, persist: persist}, nil
}

// RunID returns the owned run's ID.
func (ss *StateStore) RunID() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.RunID
}

// Snapshot returns a deep copy for readers. Mutations of the copy never
// touch the live state.
func (ss *StateStore) Snapshot() (*State, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state.Clone()
}

// View runs fn against the live state under the lock, without the clone
// cost of Snapshot. fn must not mutate the state or retain it past the call.
func (ss *StateStore) View(fn func(*State)) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	fn(ss.state)
}

// Update applies fn to the live state atomically and persists the result.
// If fn returns an error the state is left as fn left it but not persisted;
// callers treat that as a failed update.
func (ss *StateStore) Update(fn func(*State) error) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if err := fn(ss.state); err != nil {
		return err
	}
	return ss.flushLocked()
}

// Replace swaps in a new state object (resume-from-checkpoint) and persists it.
func (ss *StateStore) Replace(state *State) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.state = state
	return ss.flushLocked()
}

// Flush persists the current state unchanged.
func (ss *StateStore) Flush() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.flushLocked()
}

func (ss *StateStore) flushLocked() error {
	if ss.persist == nil {
		return nil
	}
	if err := ss.persist.SaveState(ss.state); err != nil {
		return fmt.Errorf("persist run %s: %w", ss.state.RunID, err)
	}
	return nil
}

// MemoryPersistence is a map-backed Persistence for tests and dry runs.
// Each run is stored as a deep copy so callers cannot alias the stored state.
type MemoryPersistence struct {
	mu   sync.RWMutex
	runs map[string]*State
}

func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{runs: make(map[string]*State)}
}

func (m *MemoryPersistence) SaveState(state *State) error {
	clone, err := state.Clone()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[state.RunID] = clone
	return nil
}

func (m *MemoryPersistence) LoadState(runID string) (*State, error) {
	m.mu.RLock()
	stored, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return stored.Clone()
}

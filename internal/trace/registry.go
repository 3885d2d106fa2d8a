package trace

import (
	"sync"

	"github.com/storyforge/orchestrator/internal/store"
)

// Registry tracks the live bus of every in-flight run so late-attaching
// consumers can join a stream by run id. Finished runs have no live bus;
// their history comes straight from the store.
type Registry struct {
	store store.Store

	mu    sync.RWMutex
	buses map[string]*Bus
}

// NewRegistry creates an empty registry backed by the given store.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st, buses: make(map[string]*Bus)}
}

// Open creates and registers the bus for a new run.
func (r *Registry) Open(runID string) *Bus {
	bus := NewBus(runID, r.store)
	r.mu.Lock()
	r.buses[runID] = bus
	r.mu.Unlock()
	return bus
}

// Lookup returns the live bus for a run, or nil when the run has finished
// (or never existed).
func (r *Registry) Lookup(runID string) *Bus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buses[runID]
}

// Release closes a run's bus and forgets it.
func (r *Registry) Release(runID string) {
	r.mu.Lock()
	bus := r.buses[runID]
	delete(r.buses, runID)
	r.mu.Unlock()
	if bus != nil {
		bus.Close()
	}
}

package runner

import (
	"sync"

	"github.com/convergio/core/internal/eventbus"
	"github.com/convergio/core/internal/orchestrator"
)

// record is what the Service tracks for each run still considered
// active (i.e. a goroutine is still draining its Handle.Wait()).
type record struct {
	handle   *orchestrator.Handle
	bus      *eventbus.Bus
	tenantID string
}

// registry is a plain concurrent map keyed by run ID, split out of
// Service so admission bookkeeping stays easy to reason about under
// concurrent Start/Cancel/Status calls.
type registry struct {
	mu   sync.RWMutex
	byID map[string]record
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]record)}
}

func (r *registry) put(id string, rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = rec
}

func (r *registry) get(id string) (record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

func (r *registry) finish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		rec.bus.Close()
		delete(r.byID, id)
	}
}

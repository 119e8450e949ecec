package engine

import (
	"context"
	"sync"

	"github.com/modelgrid/inferd/pkg/inferr"
)

// cancelRegistry tracks in-flight requests so an external Cancel can reach
// them. Entries are tenant-scoped: a tenant can only cancel its own work.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[string]cancelEntry
}

type cancelEntry struct {
	tenantID string
	cancel   context.CancelCauseFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{entries: make(map[string]cancelEntry)}
}

// register derives a cancellable context for the request and tracks it. The
// returned release must be called exactly once, after the request settles.
func (r *cancelRegistry) register(ctx context.Context, requestID, tenantID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	r.mu.Lock()
	r.entries[requestID] = cancelEntry{tenantID: tenantID, cancel: cancel}
	r.mu.Unlock()
	return ctx, func() {
		r.mu.Lock()
		delete(r.entries, requestID)
		r.mu.Unlock()
		cancel(nil)
	}
}

// fire cancels the request if it is in flight and owned by the tenant.
func (r *cancelRegistry) fire(requestID, tenantID string) bool {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	r.mu.Unlock()
	if !ok || e.tenantID != tenantID {
		return false
	}
	e.cancel(inferr.Cancelled(requestID))
	return true
}

func (r *cancelRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

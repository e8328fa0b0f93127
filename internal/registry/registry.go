// Package registry tracks in-flight chat requests so they can be aborted
// cooperatively. Process-local by design: in a horizontally scaled deployment
// abort reaches only the instance that owns the request.
package registry

import (
	"context"
	"sync"

	"github.com/nexushq/relay/internal/observability"
)

// Registry maps request ids to their cancellation functions.
type Registry struct {
	mu      sync.Mutex
	active  map[string]context.CancelFunc
	metrics *observability.Metrics
}

// New creates an empty registry. metrics may be nil.
func New(metrics *observability.Metrics) *Registry {
	return &Registry{
		active:  make(map[string]context.CancelFunc),
		metrics: metrics,
	}
}

// Register derives a cancellable context for the request and tracks its
// cancel function. Registering an id that is already active returns false
// and leaves the existing entry untouched; the caller must pick a new id.
// Every successful Register must be paired with Unregister.
func (r *Registry) Register(ctx context.Context, requestID string) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[requestID]; exists {
		return nil, false
	}
	reqCtx, cancel := context.WithCancel(ctx)
	r.active[requestID] = cancel
	if r.metrics != nil {
		r.metrics.ActiveRequests.Inc()
	}
	return reqCtx, true
}

// Unregister removes the entry and releases its cancel function. Idempotent.
func (r *Registry) Unregister(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.active[requestID]
	if !ok {
		return
	}
	delete(r.active, requestID)
	// Release the context even if the request completed normally.
	cancel()
	if r.metrics != nil {
		r.metrics.ActiveRequests.Dec()
	}
}

// Abort cancels the request if it is active. Returns false for unknown ids;
// repeated aborts of the same id are safe.
func (r *Registry) Abort(requestID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[requestID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// AbortAll cancels every active request. Used during graceful shutdown.
func (r *Registry) AbortAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.active))
	for _, cancel := range r.active {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// ListActive returns the currently registered request ids.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

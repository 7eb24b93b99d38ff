package realtime

import "sync"

// Registry tracks live call session controllers by call id. At most one
// controller may be attached per call id at a time; a second attach for
// the same id is refused, which makes controller start idempotent for
// duplicate attach requests.
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Controller)}
}

// Attach registers c under callID. It reports false when another
// controller already owns the id.
func (r *Registry) Attach(callID string, c *Controller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[callID]; ok {
		return false
	}
	r.calls[callID] = c
	return true
}

// Get returns the controller attached under callID.
func (r *Registry) Get(callID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	return c, ok
}

// Release removes callID only when it is still owned by c. A stale
// release from an already-replaced controller is a no-op.
func (r *Registry) Release(callID string, c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[callID] == c {
		delete(r.calls, callID)
	}
}

// Len reports the number of attached controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// CloseAll requests teardown of every attached controller with the given
// disconnection reason. Used for graceful server shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.calls))
	for _, c := range r.calls {
		controllers = append(controllers, c)
	}
	r.mu.Unlock()

	for _, c := range controllers {
		c.Close(reason)
	}
}

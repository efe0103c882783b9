package rdma

import "sync"

// registry maps identifier handles to the endpoints that own them. It holds
// no ownership: endpoints register themselves before arming resolution and
// unregister during Destroy.
type registry struct {
	endpoints map[IDHandle]*Endpoint
	mu        sync.RWMutex
}

func newRegistry() *registry {
	return &registry{endpoints: make(map[IDHandle]*Endpoint)}
}

func (r *registry) add(h IDHandle, ep *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.endpoints[h] = ep
}

func (r *registry) remove(h IDHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.endpoints, h)
}

func (r *registry) lookup(h IDHandle) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[h]

	return ep, ok
}

// Len returns the number of registered endpoints.
func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.endpoints)
}

package netbind

import (
	"sync"

	"github.com/earthring/netbind/internal/replica"
)

// EntityHandler receives ownership and unbind notifications for one entity.
type EntityHandler interface {
	// OnEntityAcceptChangeOwnership decides whether requestor may take over.
	OnEntityAcceptChangeOwnership(requestor replica.PeerID, rc replica.Context) bool
	OnEntityChangeOwnership(rc replica.Context)
	OnEntityUnbound()
}

// Registry maps entities to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EntityID]EntityHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[EntityID]EntityHandler)}
}

// Register installs h for id, replacing any previous handler.
func (r *Registry) Register(id EntityID, h EntityHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[id] = h
}

func (r *Registry) Unregister(id EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

func (r *Registry) Lookup(id EntityID) (EntityHandler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// EntityHandlerFuncs adapts plain functions to EntityHandler. Nil fields
// accept ownership changes and ignore notifications.
type EntityHandlerFuncs struct {
	AcceptChangeOwnership func(requestor replica.PeerID, rc replica.Context) bool
	ChangeOwnership       func(rc replica.Context)
	Unbound               func()
}

func (f EntityHandlerFuncs) OnEntityAcceptChangeOwnership(requestor replica.PeerID, rc replica.Context) bool {
	if f.AcceptChangeOwnership == nil {
		return true
	}
	return f.AcceptChangeOwnership(requestor, rc)
}

func (f EntityHandlerFuncs) OnEntityChangeOwnership(rc replica.Context) {
	if f.ChangeOwnership != nil {
		f.ChangeOwnership(rc)
	}
}

func (f EntityHandlerFuncs) OnEntityUnbound() {
	if f.Unbound != nil {
		f.Unbound()
	}
}

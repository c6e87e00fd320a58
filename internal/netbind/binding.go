package netbind

import "github.com/earthring/netbind/internal/replica"

// BindingComponent ties a local entity to its replication chunk. The chunk
// only holds a weak reference; the entity controls the lifetime.
type BindingComponent struct {
	entity     Entity
	levelSlice bool
	chunk      *Chunk
	replicaID  replica.ID
	onUnbind   []func(*BindingComponent)
}

// NewBindingComponent creates an unbound component for e. levelSlice marks
// entities authored directly in level content.
func NewBindingComponent(e Entity, levelSlice bool) *BindingComponent {
	return &BindingComponent{entity: e, levelSlice: levelSlice}
}

func (b *BindingComponent) Entity() Entity {
	return b.entity
}

func (b *BindingComponent) EntityID() EntityID {
	return b.entity.ID()
}

func (b *BindingComponent) IsLevelSliceEntity() bool {
	return b.levelSlice
}

// IsBound reports whether the component is attached to a chunk.
func (b *BindingComponent) IsBound() bool {
	return b.chunk != nil
}

// ReplicaID returns the replica the entity was last bound to.
func (b *BindingComponent) ReplicaID() replica.ID {
	return b.replicaID
}

// OnUnbind registers fn to run when the component leaves the network.
func (b *BindingComponent) OnUnbind(fn func(*BindingComponent)) {
	b.onUnbind = append(b.onUnbind, fn)
}

// UnbindFromNetwork detaches the component from its chunk. Calling it on an
// unbound component does nothing.
func (b *BindingComponent) UnbindFromNetwork() {
	c := b.chunk
	if c == nil {
		return
	}
	b.chunk = nil
	if c.binding == b {
		c.binding = nil
	}
	for _, fn := range b.onUnbind {
		fn(b)
	}
}

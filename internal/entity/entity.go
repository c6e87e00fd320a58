// Package entity is the game-side world netbind replicates: entities with
// typed components, loaded from level manifests or spawned at runtime.
package entity

import (
	"maps"

	"github.com/earthring/netbind/internal/netbind"
)

// Component is a typed bag of fields on an entity.
type Component struct {
	Type   string            `yaml:"type" cbor:"type" json:"type" validate:"required"`
	Fields map[string]string `yaml:"fields,omitempty" cbor:"fields,omitempty" json:"fields,omitempty"`
}

// Entity is one object in the world.
type Entity struct {
	RuntimeID  netbind.EntityID `cbor:"id" json:"id"`
	Name       string           `cbor:"name" json:"name"`
	Components []Component      `cbor:"components,omitempty" json:"components,omitempty"`
}

func (e *Entity) ID() netbind.EntityID {
	return e.RuntimeID
}

// Component returns the first component of the given type.
func (e *Entity) Component(typ string) (Component, bool) {
	for _, c := range e.Components {
		if c.Type == typ {
			return c, true
		}
	}
	return Component{}, false
}

// Clone returns a deep copy of e.
func (e *Entity) Clone() *Entity {
	out := &Entity{RuntimeID: e.RuntimeID, Name: e.Name}
	if e.Components != nil {
		out.Components = make([]Component, len(e.Components))
		for i, c := range e.Components {
			out.Components[i] = Component{Type: c.Type, Fields: maps.Clone(c.Fields)}
		}
	}
	return out
}

// OwnershipLocked reports whether the entity refuses ownership changes.
func (e *Entity) OwnershipLocked() bool {
	c, ok := e.Component("ownership")
	return ok && c.Fields["locked"] == "true"
}

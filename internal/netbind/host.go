// Package netbind replicates the spawn of networked entities. The master
// peer captures how an entity can be recreated, either as a full serialized
// snapshot or as a reference into a slice asset, and proxy peers spawn a
// mirror entity from that description.
package netbind

import (
	"io"

	"github.com/google/uuid"

	"github.com/earthring/netbind/internal/replica"
)

// EntityID is the runtime or static id of an entity.
type EntityID uint64

// Entity is the minimum the binding needs from a host entity.
type Entity interface {
	ID() EntityID
}

// ContextID names a loaded level or slice namespace.
type ContextID = uuid.UUID

// InstanceID is the handle of a dynamically spawned slice instance.
type InstanceID uint64

// SliceInstanceAddress locates the slice an entity belongs to. Asset is nil
// when the slice asset is unknown; Instance is zero for entities that were
// not spawned as part of a dynamic slice instance.
type SliceInstanceAddress struct {
	Asset    *SliceAssetID
	Instance InstanceID
}

// SliceContext is everything a proxy needs to spawn an entity from a slice.
type SliceContext struct {
	ContextSequence ContextSequence
	SliceAssetID    SliceAssetID
	RuntimeEntityID EntityID
	StaticEntityID  EntityID
}

// Host is the game-side world the chunk talks to.
type Host interface {
	// GetOwningContextID reports the context that loaded id, if any.
	GetOwningContextID(id EntityID) (ContextID, bool)
	GetCurrentContextSequence() ContextSequence
	GetOwningSlice(id EntityID) (SliceInstanceAddress, bool)
	GetStaticIDFromEntityID(id EntityID) EntityID

	// SerializeEntity writes a complete binary snapshot of e.
	SerializeEntity(w io.Writer, e Entity) error

	SpawnEntityFromStream(r io.Reader, runtimeID EntityID, replicaID replica.ID, ctx ContextSequence) error
	SpawnEntityFromSlice(replicaID replica.ID, sc SliceContext) error
}

package netbind

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/earthring/netbind/internal/wire"
)

// ContextSequence is the generation counter of a world/level load.
type ContextSequence uint32

// UnspecifiedContextSequence marks a spawn that is not tied to any load.
const UnspecifiedContextSequence ContextSequence = 0

// SliceAssetID identifies a pre-authored slice asset.
type SliceAssetID struct {
	GUID  uuid.UUID
	SubID uint32
}

// IsZero reports whether the id was never set.
func (a SliceAssetID) IsZero() bool {
	return a.GUID == uuid.Nil && a.SubID == 0
}

func (a SliceAssetID) String() string {
	return fmt.Sprintf("%s:%d", a.GUID, a.SubID)
}

// SpawnInfo describes how a proxy peer recreates a networked entity.
// SerializedState and the slice fields are mutually exclusive; a non-empty
// SerializedState selects the cloning path.
type SpawnInfo struct {
	OwningContextID ContextSequence
	RuntimeEntityID EntityID
	SerializedState []byte
	SliceAssetID    SliceAssetID
	StaticEntityID  EntityID
}

// NewSpawnInfo returns the empty spawn descriptor.
func NewSpawnInfo() SpawnInfo {
	return SpawnInfo{OwningContextID: UnspecifiedContextSequence}
}

func (s SpawnInfo) ContainsSerializedState() bool {
	return len(s.SerializedState) > 0
}

// Equal compares all five fields. Nil and empty state compare equal.
func (s SpawnInfo) Equal(o SpawnInfo) bool {
	return s.OwningContextID == o.OwningContextID &&
		s.RuntimeEntityID == o.RuntimeEntityID &&
		s.StaticEntityID == o.StaticEntityID &&
		bytes.Equal(s.SerializedState, o.SerializedState) &&
		s.SliceAssetID == o.SliceAssetID
}

// Clone returns a copy that shares no memory with s.
func (s SpawnInfo) Clone() SpawnInfo {
	s.SerializedState = slices.Clone(s.SerializedState)
	return s
}

// SpawnInfoMarshaler is the wire codec for SpawnInfo.
type SpawnInfoMarshaler struct{}

func (SpawnInfoMarshaler) Marshal(wb *wire.WriteBuffer, s SpawnInfo) {
	wb.WriteVlqU32(uint32(s.OwningContextID))
	wb.WriteU64(uint64(s.RuntimeEntityID))

	useSerializedState := s.ContainsSerializedState()
	wb.WriteBool(useSerializedState)
	if useSerializedState {
		wb.WriteBytes(s.SerializedState)
		return
	}
	wb.WriteUUID(s.SliceAssetID.GUID)
	wb.WriteU32(s.SliceAssetID.SubID)
	wb.WriteU64(uint64(s.StaticEntityID))
}

func (SpawnInfoMarshaler) Unmarshal(rb *wire.ReadBuffer) (SpawnInfo, error) {
	s := NewSpawnInfo()

	ctx, err := rb.ReadVlqU32()
	if err != nil {
		return s, fmt.Errorf("failed to read owning context: %w", err)
	}
	s.OwningContextID = ContextSequence(ctx)

	runtimeID, err := rb.ReadU64()
	if err != nil {
		return s, fmt.Errorf("failed to read runtime entity id: %w", err)
	}
	s.RuntimeEntityID = EntityID(runtimeID)

	hasSerializedState, err := rb.ReadBool()
	if err != nil {
		return s, fmt.Errorf("failed to read state flag: %w", err)
	}
	if hasSerializedState {
		if s.SerializedState, err = rb.ReadBytes(); err != nil {
			return s, fmt.Errorf("failed to read serialized state: %w", err)
		}
		return s, nil
	}

	if s.SliceAssetID.GUID, err = rb.ReadUUID(); err != nil {
		return s, fmt.Errorf("failed to read slice asset guid: %w", err)
	}
	if s.SliceAssetID.SubID, err = rb.ReadU32(); err != nil {
		return s, fmt.Errorf("failed to read slice asset sub id: %w", err)
	}
	staticID, err := rb.ReadU64()
	if err != nil {
		return s, fmt.Errorf("failed to read static entity id: %w", err)
	}
	s.StaticEntityID = EntityID(staticID)
	return s, nil
}

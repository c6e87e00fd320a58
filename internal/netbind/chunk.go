package netbind

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/performance"
	"github.com/earthring/netbind/internal/replica"
	"github.com/earthring/netbind/internal/wire"
)

// ChunkType is the replica chunk type id of the binding chunk.
const ChunkType replica.ChunkTypeID = 1

// State is the lifecycle state of a Chunk.
type State uint8

const (
	StateInactive State = iota
	StateActivating
	StateActive
	StateDeactivating
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Deps are the collaborators a Chunk calls out to.
type Deps struct {
	Host     Host
	Events   *Registry
	Profiler *performance.Profiler
	// MaxStateBytes bounds the serialized state a master publishes. Zero
	// means wire.MaxBlobSize, the most a proxy will read.
	MaxStateBytes int
}

// Chunk replicates the spawn of one networked entity. On the master it
// captures a SpawnInfo from the bound entity; on proxies it asks the host
// to spawn a mirror entity from the replicated SpawnInfo.
type Chunk struct {
	role      replica.Role
	state     State
	replicaID replica.ID

	spawnInfo *replica.Record[SpawnInfo]
	bindMap   *replica.Record[BindMap]
	binding   *BindingComponent

	host     Host
	events   *Registry
	profiler *performance.Profiler
	maxState int
	logger   zerolog.Logger

	onActivate   func(*Chunk)
	onDeactivate func(*Chunk)
}

// NewChunk creates an inactive chunk with the given role.
func NewChunk(role replica.Role, deps Deps) *Chunk {
	c := &Chunk{
		role:      role,
		spawnInfo: replica.NewRecord("SpawnInfo", NewSpawnInfo(), SpawnInfoMarshaler{}),
		bindMap:   replica.NewRecord[BindMap]("ComponentBindMap", nil, BindMapMarshaler{}),
		host:      deps.Host,
		events:    deps.Events,
		profiler:  deps.Profiler,
		maxState:  deps.MaxStateBytes,
		logger:    logging.Component("netbind"),
	}
	if c.maxState <= 0 || c.maxState > wire.MaxBlobSize {
		c.maxState = wire.MaxBlobSize
	}
	c.spawnInfo.SetMaxIdleTime(0)
	c.bindMap.SetMaxIdleTime(0)
	return c
}

func (c *Chunk) TypeID() replica.ChunkTypeID {
	return ChunkType
}

func (c *Chunk) DataSets() []replica.DataSet {
	return []replica.DataSet{c.spawnInfo, c.bindMap}
}

func (c *Chunk) SetRole(role replica.Role) {
	c.role = role
}

func (c *Chunk) Role() replica.Role {
	return c.role
}

func (c *Chunk) IsMaster() bool {
	return c.role == replica.RoleMaster
}

func (c *Chunk) State() State {
	return c.state
}

// ReplicaID returns the replica the chunk is attached to. It is zero while
// the chunk has never been activated.
func (c *Chunk) ReplicaID() replica.ID {
	return c.replicaID
}

// SpawnInfo returns the current replicated spawn descriptor.
func (c *Chunk) SpawnInfo() SpawnInfo {
	return c.spawnInfo.Get()
}

// Binding returns the bound component, or nil.
func (c *Chunk) Binding() *BindingComponent {
	return c.binding
}

// Bind attaches b to the chunk, detaching whatever was bound before.
func (c *Chunk) Bind(b *BindingComponent) {
	if c.binding != nil && c.binding != b {
		c.binding.chunk = nil
	}
	c.binding = b
	b.chunk = c
	if c.replicaID != 0 {
		b.replicaID = c.replicaID
	}
}

// OnActivate runs when the chunk attaches to a live replica.
func (c *Chunk) OnActivate(rc replica.Context) {
	c.state = StateActivating
	c.replicaID = rc.ReplicaID
	if c.onActivate != nil {
		c.onActivate(c)
	}

	if c.IsMaster() {
		c.captureSpawnInfo(rc)
	} else {
		c.spawnProxy(rc)
	}
	c.state = StateActive
}

func (c *Chunk) captureSpawnInfo(rc replica.Context) {
	if c.binding == nil {
		panic("netbind: entity binding is invalid")
	}
	op := c.profiler.Start("netbind.capture")
	defer op.End()

	b := c.binding
	b.replicaID = rc.ReplicaID

	_, err := c.spawnInfo.Modify(func(info SpawnInfo) (SpawnInfo, bool) {
		id := b.EntityID()
		info.RuntimeEntityID = id

		isProcedural := true
		var slice SliceInstanceAddress
		var sliceOK bool

		if _, ok := c.host.GetOwningContextID(id); ok {
			info.OwningContextID = c.host.GetCurrentContextSequence()

			slice, sliceOK = c.host.GetOwningSlice(id)
			isDynamicSliceEntity := sliceOK && slice.Asset != nil && slice.Instance != 0

			isProcedural = !b.IsLevelSliceEntity() && !isDynamicSliceEntity
		}

		if isProcedural {
			var buf bytes.Buffer
			if err := c.host.SerializeEntity(&buf, b.Entity()); err != nil {
				c.logger.Error().Err(err).Uint64("entity", uint64(id)).Msg("failed to serialize entity")
				return info, false
			}
			if buf.Len() > c.maxState {
				c.logger.Error().
					Uint64("entity", uint64(id)).
					Int("size", buf.Len()).
					Int("limit", c.maxState).
					Msg("serialized entity exceeds state limit")
				return info, false
			}
			info.SerializedState = buf.Bytes()
			info.SliceAssetID = SliceAssetID{}
			info.StaticEntityID = 0
			return info, true
		}

		info.SerializedState = nil
		if sliceOK && slice.Asset != nil {
			info.SliceAssetID = *slice.Asset
		}
		info.StaticEntityID = c.host.GetStaticIDFromEntityID(id)
		return info, true
	})
	if err != nil {
		c.logger.Error().Err(err).Uint64("replica", uint64(rc.ReplicaID)).Msg("failed to capture spawn info")
		return
	}

	info := c.spawnInfo.Get()
	c.logger.Debug().
		Uint64("replica", uint64(rc.ReplicaID)).
		Uint64("entity", uint64(info.RuntimeEntityID)).
		Bool("serialized", info.ContainsSerializedState()).
		Msg("captured spawn info")
}

func (c *Chunk) spawnProxy(rc replica.Context) {
	op := c.profiler.Start("netbind.spawn")
	defer op.End()

	info := c.spawnInfo.Get()

	var err error
	if info.ContainsSerializedState() {
		err = c.host.SpawnEntityFromStream(bytes.NewReader(info.SerializedState), info.RuntimeEntityID, rc.ReplicaID, info.OwningContextID)
	} else {
		err = c.host.SpawnEntityFromSlice(rc.ReplicaID, SliceContext{
			ContextSequence: info.OwningContextID,
			SliceAssetID:    info.SliceAssetID,
			RuntimeEntityID: info.RuntimeEntityID,
			StaticEntityID:  info.StaticEntityID,
		})
	}
	if err != nil {
		c.logger.Error().
			Err(err).
			Uint64("replica", uint64(rc.ReplicaID)).
			Uint64("entity", uint64(info.RuntimeEntityID)).
			Msg("failed to spawn proxy entity")
	}
}

// OnDeactivate unbinds the local component, if one is still attached.
func (c *Chunk) OnDeactivate(rc replica.Context) {
	c.state = StateDeactivating
	if b := c.binding; b != nil {
		b.UnbindFromNetwork()
		if h, ok := c.events.Lookup(b.EntityID()); ok {
			h.OnEntityUnbound()
		}
	}
	if c.onDeactivate != nil {
		c.onDeactivate(c)
	}
	c.state = StateInactive
}

// AcceptChangeOwnership relays the decision to the bound entity. With no
// binding or no registered handler the change is accepted.
func (c *Chunk) AcceptChangeOwnership(requestor replica.PeerID, rc replica.Context) bool {
	result := true
	if c.binding != nil {
		if h, ok := c.events.Lookup(c.binding.EntityID()); ok {
			result = h.OnEntityAcceptChangeOwnership(requestor, rc)
		}
	}
	return result
}

func (c *Chunk) OnChangeOwnership(rc replica.Context) {
	if c.binding == nil {
		return
	}
	if h, ok := c.events.Lookup(c.binding.EntityID()); ok {
		h.OnEntityChangeOwnership(rc)
	}
}

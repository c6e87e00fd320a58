package entity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/netbind"
	"github.com/earthring/netbind/internal/replica"
)

var (
	ErrUnknownEntity       = errors.New("entity: unknown entity")
	ErrUnknownSliceAsset   = errors.New("entity: unknown slice asset")
	ErrUnknownStaticEntity = errors.New("entity: no level entity with static id")
	ErrNoSystem            = errors.New("entity: world not attached to a netbind system")
)

// runtimeIDShift leaves the high bits of runtime ids for the allocating peer.
const runtimeIDShift = replica.PeerIDShift

type record struct {
	entity    *Entity
	binding   *netbind.BindingComponent
	inContext bool
	levelRoot bool
	inSlice   bool
	slice     netbind.SliceInstanceAddress
	staticID  netbind.EntityID
}

type pendingSpawn struct {
	seq       netbind.ContextSequence
	replicaID replica.ID
	runtimeID netbind.EntityID
	stream    []byte
	slice     *netbind.SliceContext
}

// Options configures a World.
type Options struct {
	Peer       replica.PeerID
	Serializer *Serializer
	Sequences  SequenceStore
	StaticIDs  StaticIDStore
}

// World holds the entities of one peer and implements netbind.Host.
type World struct {
	mu           sync.Mutex
	peer         replica.PeerID
	nextLocal    uint64
	nextInstance netbind.InstanceID
	records      map[netbind.EntityID]*record

	level     string
	contextID uuid.UUID
	sequence  netbind.ContextSequence
	assets    map[netbind.SliceAssetID]SliceDef
	pending   []pendingSpawn

	serializer *Serializer
	sequences  SequenceStore
	staticIDs  StaticIDStore
	system     *netbind.System
	logger     zerolog.Logger
}

var _ netbind.Host = (*World)(nil)

// NewWorld creates an empty world with no level loaded.
func NewWorld(opts Options) *World {
	w := &World{
		peer:       opts.Peer,
		records:    make(map[netbind.EntityID]*record),
		assets:     make(map[netbind.SliceAssetID]SliceDef),
		serializer: opts.Serializer,
		sequences:  opts.Sequences,
		staticIDs:  opts.StaticIDs,
		logger:     logging.Component("world"),
	}
	if w.sequences == nil {
		w.sequences = &MemorySequenceStore{}
	}
	if w.staticIDs == nil {
		w.staticIDs = NewMemoryStaticIDStore(0)
	}
	return w
}

// Attach connects the world to the system that binds its entities.
func (w *World) Attach(system *netbind.System) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.system = system
	system.OnChunkReleased(w.dropPending)
}

// dropPending forgets deferred spawns of a replica that was destroyed
// before its context loaded.
func (w *World) dropPending(id replica.ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.pending[:0]
	for _, p := range w.pending {
		if p.replicaID != id {
			kept = append(kept, p)
		}
	}
	clear(w.pending[len(kept):])
	w.pending = kept
}

// SetPeer sets the peer id used for new runtime ids.
func (w *World) SetPeer(peer replica.PeerID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.peer = peer
}

func (w *World) allocIDLocked() netbind.EntityID {
	w.nextLocal++
	return netbind.EntityID(uint64(w.peer)<<runtimeIDShift | w.nextLocal)
}

// LoadLevel starts a new context from m. The master binds every entity it
// creates; a proxy only loads the level entities and waits for the master
// to bind them. Spawns deferred for this context are replayed afterwards.
func (w *World) LoadLevel(ctx context.Context, m *Manifest, role replica.Role) error {
	seq, err := w.sequences.NextSequence(ctx, m.Level)
	if err != nil {
		return fmt.Errorf("failed to allocate context sequence: %w", err)
	}

	w.mu.Lock()
	if w.system == nil {
		w.mu.Unlock()
		return ErrNoSystem
	}
	w.level = m.Level
	w.contextID = uuid.New()
	w.sequence = seq
	w.assets = make(map[netbind.SliceAssetID]SliceDef, len(m.Slices))
	for _, s := range m.Slices {
		w.assets[s.AssetID()] = s
	}

	var bind []*netbind.BindingComponent
	for _, def := range m.Entities {
		sid := netbind.EntityID(def.StaticID)
		if sid == 0 {
			if sid, err = w.staticIDs.StaticID(ctx, m.Level, def.Name); err != nil {
				w.mu.Unlock()
				return fmt.Errorf("failed to resolve static id for %s: %w", def.Name, err)
			}
		}
		rec := &record{
			entity:    newEntity(w.allocIDLocked(), def),
			inContext: true,
			levelRoot: true,
			staticID:  sid,
		}
		bind = append(bind, w.addLocked(rec))
	}

	if role == replica.RoleMaster {
		for _, inst := range m.Instances {
			def, _ := m.Slice(inst.Slice)
			bind = append(bind, w.instantiateLocked(def)...)
		}
		for _, def := range m.Procedural {
			rec := &record{entity: newEntity(w.allocIDLocked(), def.EntityDef), inContext: def.InContext}
			bind = append(bind, w.addLocked(rec))
		}
	} else {
		bind = nil
	}

	pending := w.pending
	w.pending = nil
	system := w.system
	w.mu.Unlock()

	w.logger.Info().
		Str("level", m.Level).
		Uint32("sequence", uint32(seq)).
		Str("role", role.String()).
		Msg("level loaded")

	for _, b := range bind {
		if _, err := system.BindToNetwork(b); err != nil {
			return fmt.Errorf("failed to bind entity %d: %w", b.EntityID(), err)
		}
	}

	if len(pending) > 0 {
		system.Manager().Do(func() {
			for _, p := range pending {
				w.replay(p)
			}
		})
	}
	return nil
}

func (w *World) replay(p pendingSpawn) {
	var err error
	if p.slice != nil {
		err = w.SpawnEntityFromSlice(p.replicaID, *p.slice)
	} else {
		err = w.SpawnEntityFromStream(bytes.NewReader(p.stream), p.runtimeID, p.replicaID, p.seq)
	}
	if err != nil {
		w.logger.Warn().Err(err).Uint64("replica", uint64(p.replicaID)).Msg("deferred spawn failed")
	}
}

func newEntity(id netbind.EntityID, def EntityDef) *Entity {
	tmpl := &Entity{Name: def.Name, Components: def.Components}
	e := tmpl.Clone()
	e.RuntimeID = id
	return e
}

func templateStaticID(def EntityDef, index int) netbind.EntityID {
	if def.StaticID != 0 {
		return netbind.EntityID(def.StaticID)
	}
	return netbind.EntityID(index + 1)
}

func (w *World) instantiateLocked(def SliceDef) []*netbind.BindingComponent {
	w.nextInstance++
	asset := def.AssetID()
	out := make([]*netbind.BindingComponent, 0, len(def.Entities))
	for i, tmpl := range def.Entities {
		rec := &record{
			entity:    newEntity(w.allocIDLocked(), tmpl),
			inContext: true,
			inSlice:   true,
			slice:     netbind.SliceInstanceAddress{Asset: &asset, Instance: w.nextInstance},
			staticID:  templateStaticID(tmpl, i),
		}
		out = append(out, w.addLocked(rec))
	}
	return out
}

// addLocked stores rec and gives it a binding that removes the entity when
// it leaves the network.
func (w *World) addLocked(rec *record) *netbind.BindingComponent {
	b := netbind.NewBindingComponent(rec.entity, rec.levelRoot)
	b.OnUnbind(w.onUnbind)
	rec.binding = b
	w.records[rec.entity.RuntimeID] = rec
	w.registerHandlerLocked(rec.entity)
	return b
}

func (w *World) registerHandlerLocked(e *Entity) {
	if w.system == nil {
		return
	}
	id := e.RuntimeID
	events := w.system.Events()
	events.Register(id, netbind.EntityHandlerFuncs{
		AcceptChangeOwnership: func(requestor replica.PeerID, rc replica.Context) bool {
			return !e.OwnershipLocked()
		},
		ChangeOwnership: func(rc replica.Context) {
			w.logger.Info().
				Uint64("entity", uint64(id)).
				Uint32("owner", uint32(rc.Owner)).
				Msg("entity ownership changed")
		},
		Unbound: func() {
			events.Unregister(id)
		},
	})
}

func (w *World) onUnbind(b *netbind.BindingComponent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := b.EntityID()
	if rec, ok := w.records[id]; ok && rec.binding == b {
		delete(w.records, id)
	}
}

// SpawnProcedural creates an entity outside any context and binds it.
func (w *World) SpawnProcedural(name string, components ...Component) (netbind.EntityID, error) {
	w.mu.Lock()
	if w.system == nil {
		w.mu.Unlock()
		return 0, ErrNoSystem
	}
	rec := &record{entity: newEntity(w.allocIDLocked(), EntityDef{Name: name, Components: components})}
	b := w.addLocked(rec)
	system := w.system
	w.mu.Unlock()

	if _, err := system.BindToNetwork(b); err != nil {
		return 0, err
	}
	return rec.entity.RuntimeID, nil
}

// SpawnSlice instantiates a dynamic slice instance of the named asset.
func (w *World) SpawnSlice(name string) ([]netbind.EntityID, error) {
	w.mu.Lock()
	if w.system == nil {
		w.mu.Unlock()
		return nil, ErrNoSystem
	}
	var def SliceDef
	found := false
	for _, d := range w.assets {
		if d.Name == name {
			def, found = d, true
			break
		}
	}
	if !found {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSliceAsset, name)
	}
	bindings := w.instantiateLocked(def)
	system := w.system
	w.mu.Unlock()

	ids := make([]netbind.EntityID, 0, len(bindings))
	for _, b := range bindings {
		if _, err := system.BindToNetwork(b); err != nil {
			return ids, err
		}
		ids = append(ids, b.EntityID())
	}
	return ids, nil
}

// Despawn removes a master entity and its proxies.
func (w *World) Despawn(id netbind.EntityID) error {
	w.mu.Lock()
	rec, ok := w.records[id]
	system := w.system
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if system == nil {
		return ErrNoSystem
	}
	return system.Release(rec.binding)
}

// RequestOwnership asks the owner of id to hand it to this peer.
func (w *World) RequestOwnership(id netbind.EntityID) error {
	w.mu.Lock()
	rec, ok := w.records[id]
	system := w.system
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
	}
	if system == nil {
		return ErrNoSystem
	}
	return system.RequestOwnership(rec.binding)
}

// Entity returns a copy of the entity with the given runtime id.
func (w *World) Entity(id netbind.EntityID) (*Entity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[id]
	if !ok {
		return nil, false
	}
	return rec.entity.Clone(), true
}

// Binding returns the binding component of id.
func (w *World) Binding(id netbind.EntityID) (*netbind.BindingComponent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[id]
	if !ok {
		return nil, false
	}
	return rec.binding, true
}

// Entities returns copies of all entities ordered by runtime id.
func (w *World) Entities() []*Entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Entity, 0, len(w.records))
	for _, rec := range w.records {
		out = append(out, rec.entity.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuntimeID < out[j].RuntimeID })
	return out
}

// PendingSpawns returns the number of spawns waiting for a future context.
func (w *World) PendingSpawns() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *World) GetOwningContextID(id netbind.EntityID) (netbind.ContextID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[id]
	if !ok || !rec.inContext {
		return uuid.Nil, false
	}
	return w.contextID, true
}

func (w *World) GetCurrentContextSequence() netbind.ContextSequence {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

func (w *World) GetOwningSlice(id netbind.EntityID) (netbind.SliceInstanceAddress, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[id]
	if !ok || !rec.inSlice {
		return netbind.SliceInstanceAddress{}, false
	}
	return rec.slice, true
}

func (w *World) GetStaticIDFromEntityID(id netbind.EntityID) netbind.EntityID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rec, ok := w.records[id]; ok {
		return rec.staticID
	}
	return 0
}

func (w *World) SerializeEntity(out io.Writer, e netbind.Entity) error {
	return w.serializer.Serialize(out, e)
}

type sequenceCheck int

const (
	sequenceCurrent sequenceCheck = iota
	sequenceFuture
	sequenceStale
)

func (w *World) checkSequenceLocked(seq netbind.ContextSequence) sequenceCheck {
	switch {
	case seq == netbind.UnspecifiedContextSequence || seq == w.sequence:
		return sequenceCurrent
	case w.sequence == netbind.UnspecifiedContextSequence || seq > w.sequence:
		return sequenceFuture
	default:
		return sequenceStale
	}
}

// SpawnEntityFromStream recreates a procedural entity from its snapshot.
// Spawns for a context that is not loaded yet are deferred; spawns for an
// older context are dropped.
func (w *World) SpawnEntityFromStream(r io.Reader, runtimeID netbind.EntityID, replicaID replica.ID, seq netbind.ContextSequence) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read entity stream: %w", err)
	}

	w.mu.Lock()
	switch w.checkSequenceLocked(seq) {
	case sequenceFuture:
		w.pending = append(w.pending, pendingSpawn{seq: seq, replicaID: replicaID, runtimeID: runtimeID, stream: data})
		w.mu.Unlock()
		w.logger.Debug().Uint64("replica", uint64(replicaID)).Uint32("sequence", uint32(seq)).Msg("deferring spawn for future context")
		return nil
	case sequenceStale:
		w.mu.Unlock()
		w.logger.Debug().Uint64("replica", uint64(replicaID)).Uint32("sequence", uint32(seq)).Msg("dropping spawn for stale context")
		return nil
	}
	w.mu.Unlock()

	e, err := w.serializer.Deserialize(bytes.NewReader(data))
	if err != nil {
		return err
	}
	e.RuntimeID = runtimeID

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkChunkLocked(replicaID); err != nil {
		return err
	}
	b := w.addLocked(&record{entity: e, inContext: seq != netbind.UnspecifiedContextSequence})
	return w.system.BindSpawned(replicaID, b)
}

// checkChunkLocked reports whether replicaID still has an active chunk to
// bind a spawned entity to. Nothing may be added to the world before it
// passes.
func (w *World) checkChunkLocked(replicaID replica.ID) error {
	if w.system == nil {
		return ErrNoSystem
	}
	if _, ok := w.system.Chunk(replicaID); !ok {
		return fmt.Errorf("%w: %d", netbind.ErrUnknownChunk, replicaID)
	}
	return nil
}

// SpawnEntityFromSlice binds a level entity by static id, or instantiates
// the template entity from a known slice asset.
func (w *World) SpawnEntityFromSlice(replicaID replica.ID, sc netbind.SliceContext) error {
	w.mu.Lock()
	switch w.checkSequenceLocked(sc.ContextSequence) {
	case sequenceFuture:
		w.pending = append(w.pending, pendingSpawn{seq: sc.ContextSequence, replicaID: replicaID, slice: &sc})
		w.mu.Unlock()
		return nil
	case sequenceStale:
		w.mu.Unlock()
		w.logger.Debug().Uint64("replica", uint64(replicaID)).Msg("dropping slice spawn for stale context")
		return nil
	}

	defer w.mu.Unlock()
	if sc.SliceAssetID.IsZero() {
		id, rec, err := w.findLevelEntityLocked(sc.StaticEntityID)
		if err != nil {
			return err
		}
		if err := w.checkChunkLocked(replicaID); err != nil {
			return err
		}
		return w.system.BindSpawned(replicaID, w.adoptLocked(id, rec, sc.RuntimeEntityID))
	}

	tmpl, err := w.findTemplateLocked(sc)
	if err != nil {
		return err
	}
	if err := w.checkChunkLocked(replicaID); err != nil {
		return err
	}
	w.nextInstance++
	asset := sc.SliceAssetID
	b := w.addLocked(&record{
		entity:    newEntity(sc.RuntimeEntityID, tmpl),
		inContext: true,
		inSlice:   true,
		slice:     netbind.SliceInstanceAddress{Asset: &asset, Instance: w.nextInstance},
		staticID:  sc.StaticEntityID,
	})
	return w.system.BindSpawned(replicaID, b)
}

// findLevelEntityLocked returns the unbound level entity with staticID.
func (w *World) findLevelEntityLocked(staticID netbind.EntityID) (netbind.EntityID, *record, error) {
	for id, rec := range w.records {
		if rec.levelRoot && rec.staticID == staticID && !rec.binding.IsBound() {
			return id, rec, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: %d", ErrUnknownStaticEntity, staticID)
}

// adoptLocked re-keys a locally loaded level entity with the master's
// runtime id.
func (w *World) adoptLocked(id netbind.EntityID, rec *record, runtimeID netbind.EntityID) *netbind.BindingComponent {
	delete(w.records, id)
	w.system.Events().Unregister(id)
	rec.entity.RuntimeID = runtimeID
	return w.addLocked(rec)
}

func (w *World) findTemplateLocked(sc netbind.SliceContext) (EntityDef, error) {
	def, ok := w.assets[sc.SliceAssetID]
	if !ok {
		return EntityDef{}, fmt.Errorf("%w: %s", ErrUnknownSliceAsset, sc.SliceAssetID)
	}
	for i, tmpl := range def.Entities {
		if templateStaticID(tmpl, i) == sc.StaticEntityID {
			return tmpl, nil
		}
	}
	return EntityDef{}, fmt.Errorf("%w: %d in slice %s", ErrUnknownStaticEntity, sc.StaticEntityID, def.Name)
}

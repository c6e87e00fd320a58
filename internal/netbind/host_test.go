package netbind

import (
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/earthring/netbind/internal/replica"
)

type testEntity EntityID

func (e testEntity) ID() EntityID { return EntityID(e) }

type streamSpawn struct {
	state     []byte
	runtimeID EntityID
	replicaID replica.ID
	ctx       ContextSequence
}

type sliceSpawn struct {
	replicaID replica.ID
	sc        SliceContext
}

// fakeHost records every call the chunk makes.
type fakeHost struct {
	contexts  map[EntityID]ContextID
	sequence  ContextSequence
	slices    map[EntityID]SliceInstanceAddress
	staticIDs map[EntityID]EntityID

	snapshot     []byte
	serializeErr error
	serialized   int

	streamSpawns []streamSpawn
	sliceSpawns  []sliceSpawn
	onSpawn      func(replicaID replica.ID, runtimeID EntityID)
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		contexts:  make(map[EntityID]ContextID),
		sequence:  4,
		slices:    make(map[EntityID]SliceInstanceAddress),
		staticIDs: make(map[EntityID]EntityID),
		snapshot:  []byte{0xCA, 0xFE},
	}
}

func (h *fakeHost) inContext(id EntityID) {
	h.contexts[id] = uuid.New()
}

func (h *fakeHost) GetOwningContextID(id EntityID) (ContextID, bool) {
	c, ok := h.contexts[id]
	return c, ok
}

func (h *fakeHost) GetCurrentContextSequence() ContextSequence {
	return h.sequence
}

func (h *fakeHost) GetOwningSlice(id EntityID) (SliceInstanceAddress, bool) {
	s, ok := h.slices[id]
	return s, ok
}

func (h *fakeHost) GetStaticIDFromEntityID(id EntityID) EntityID {
	return h.staticIDs[id]
}

func (h *fakeHost) SerializeEntity(w io.Writer, e Entity) error {
	h.serialized++
	if h.serializeErr != nil {
		return h.serializeErr
	}
	_, err := w.Write(h.snapshot)
	return err
}

func (h *fakeHost) SpawnEntityFromStream(r io.Reader, runtimeID EntityID, replicaID replica.ID, ctx ContextSequence) error {
	state, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	h.streamSpawns = append(h.streamSpawns, streamSpawn{state: state, runtimeID: runtimeID, replicaID: replicaID, ctx: ctx})
	if h.onSpawn != nil {
		h.onSpawn(replicaID, runtimeID)
	}
	return nil
}

func (h *fakeHost) SpawnEntityFromSlice(replicaID replica.ID, sc SliceContext) error {
	h.sliceSpawns = append(h.sliceSpawns, sliceSpawn{replicaID: replicaID, sc: sc})
	if h.onSpawn != nil {
		h.onSpawn(replicaID, sc.RuntimeEntityID)
	}
	return nil
}

var errSerialize = errors.New("serializer unavailable")

package replica

import (
	"fmt"
	"time"

	"github.com/earthring/netbind/internal/wire"
)

// Replica is the local copy of a replicated object.
type Replica struct {
	id     ID
	owner  PeerID
	role   Role
	chunks []Chunk
	active bool
}

func newReplica(id ID, owner PeerID, role Role, chunks []Chunk) *Replica {
	r := &Replica{id: id, owner: owner, chunks: chunks}
	r.setRole(role)
	return r
}

func (r *Replica) ID() ID {
	return r.id
}

// Owner returns the peer holding the master copy.
func (r *Replica) Owner() PeerID {
	return r.owner
}

func (r *Replica) Role() Role {
	return r.role
}

func (r *Replica) IsMaster() bool {
	return r.role == RoleMaster
}

// Chunks returns the attached chunks in attachment order.
func (r *Replica) Chunks() []Chunk {
	return r.chunks
}

func (r *Replica) setRole(role Role) {
	r.role = role
	for _, c := range r.chunks {
		c.SetRole(role)
		for _, ds := range c.DataSets() {
			ds.setReadOnly(role != RoleMaster)
		}
	}
}

func (r *Replica) context(local PeerID, now time.Time) Context {
	return Context{LocalPeer: local, ReplicaID: r.id, Owner: r.owner, Time: now}
}

func (r *Replica) activate(rc Context) {
	if r.active {
		return
	}
	r.active = true
	for _, c := range r.chunks {
		c.OnActivate(rc)
	}
}

func (r *Replica) deactivate(rc Context) {
	if !r.active {
		return
	}
	r.active = false
	for i := len(r.chunks) - 1; i >= 0; i-- {
		r.chunks[i].OnDeactivate(rc)
	}
}

// marshalCreate writes the owner, then every chunk's type and full state.
func (r *Replica) marshalCreate(wb *wire.WriteBuffer, now time.Time) {
	wb.WriteVlqU32(uint32(r.owner))
	wb.WriteVlqU32(uint32(len(r.chunks)))
	for _, c := range r.chunks {
		wb.WriteVlqU32(uint32(c.TypeID()))
		for _, ds := range c.DataSets() {
			ds.marshal(wb)
			ds.markSent(now)
		}
	}
}

type dirtyEntry struct {
	chunk   int
	dataSet int
	ds      DataSet
}

// marshalDelta writes every dataset that changed, or that has been idle
// longer than its max idle time. It returns false when nothing is due.
func (r *Replica) marshalDelta(wb *wire.WriteBuffer, now time.Time) bool {
	var due []dirtyEntry
	for ci, c := range r.chunks {
		for di, ds := range c.DataSets() {
			idle := ds.MaxIdleTime() > 0 && ds.idleSince(now) >= ds.MaxIdleTime()
			if ds.IsDirty() || idle {
				due = append(due, dirtyEntry{chunk: ci, dataSet: di, ds: ds})
			}
		}
	}
	if len(due) == 0 {
		return false
	}

	wb.WriteVlqU32(uint32(len(due)))
	for _, e := range due {
		wb.WriteVlqU32(uint32(e.chunk))
		wb.WriteVlqU32(uint32(e.dataSet))
		e.ds.marshal(wb)
		e.ds.markSent(now)
	}
	return true
}

func (r *Replica) unmarshalDelta(rb *wire.ReadBuffer) error {
	count, err := rb.ReadVlqU32()
	if err != nil {
		return fmt.Errorf("failed to read update count: %w", err)
	}
	for i := uint32(0); i < count; i++ {
		ci, err := rb.ReadVlqU32()
		if err != nil {
			return fmt.Errorf("failed to read chunk index: %w", err)
		}
		di, err := rb.ReadVlqU32()
		if err != nil {
			return fmt.Errorf("failed to read dataset index: %w", err)
		}
		if int(ci) >= len(r.chunks) {
			return fmt.Errorf("chunk index %d out of range (%d chunks)", ci, len(r.chunks))
		}
		sets := r.chunks[ci].DataSets()
		if int(di) >= len(sets) {
			return fmt.Errorf("dataset index %d out of range (%d datasets)", di, len(sets))
		}
		if err := sets[di].unmarshal(rb); err != nil {
			return fmt.Errorf("failed to read dataset %s: %w", sets[di].Name(), err)
		}
	}
	return nil
}

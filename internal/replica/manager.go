package replica

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/performance"
	"github.com/earthring/netbind/internal/wire"
)

// maxChunksPerReplica bounds the chunk count accepted in a create frame.
const maxChunksPerReplica = 64

var (
	ErrUnknownReplica   = errors.New("replica: unknown replica")
	ErrUnknownChunkType = errors.New("replica: no factory for chunk type")
	ErrNotOwner         = errors.New("replica: sender does not own replica")
	ErrNoChunks         = errors.New("replica: replica needs at least one chunk")
)

// Transport delivers encoded frames to remote peers.
type Transport interface {
	Send(peer PeerID, data []byte) error
	// Broadcast sends to every connected peer except exclude.
	Broadcast(exclude PeerID, data []byte)
}

// Options configures a Manager.
type Options struct {
	LocalPeer PeerID
	// Relay makes the manager forward frames between peers. The server runs
	// in relay mode; clients do not.
	Relay    bool
	Profiler *performance.Profiler
	Now      func() time.Time
}

// Manager owns the local replicas and exchanges frames with remote
// managers through a Transport.
type Manager struct {
	mu        sync.Mutex
	local     PeerID
	relay     bool
	transport Transport
	factories map[ChunkTypeID]ChunkFactory
	replicas  map[ID]*Replica
	nextID    uint64
	profiler  *performance.Profiler
	now       func() time.Time
	logger    zerolog.Logger
}

// NewManager creates a manager. transport may be nil until SetTransport.
func NewManager(opts Options, transport Transport) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		local:     opts.LocalPeer,
		relay:     opts.Relay,
		transport: transport,
		factories: make(map[ChunkTypeID]ChunkFactory),
		replicas:  make(map[ID]*Replica),
		profiler:  opts.Profiler,
		now:       now,
		logger:    logging.Component("replica").With().Uint32("peer", uint32(opts.LocalPeer)).Logger(),
	}
}

// LocalPeer returns the id of this manager's peer.
func (m *Manager) LocalPeer() PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// SetLocalPeer changes the local peer id. Used by clients once the server
// has assigned one.
func (m *Manager) SetLocalPeer(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = peer
	m.logger = logging.Component("replica").With().Uint32("peer", uint32(peer)).Logger()
}

func (m *Manager) SetTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
}

// RegisterChunkType registers the factory used when a create frame names id.
func (m *Manager) RegisterChunkType(id ChunkTypeID, factory ChunkFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[id] = factory
}

// AddMaster creates a replica owned by the local peer, activates its chunks
// and announces it to remote peers.
func (m *Manager) AddMaster(chunks ...Chunk) (*Replica, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := ID(uint64(m.local)<<PeerIDShift | m.nextID)
	r := newReplica(id, m.local, RoleMaster, chunks)
	m.replicas[id] = r

	now := m.now()
	r.activate(r.context(m.local, now))

	wb := wire.NewWriteBuffer(64)
	r.marshalCreate(wb, now)
	m.broadcast(InvalidPeerID, Frame{Type: FrameCreate, ReplicaID: id, Payload: wb.Bytes()})

	m.logger.Debug().Uint64("replica", uint64(id)).Int("chunks", len(chunks)).Msg("master replica added")
	return r, nil
}

// Remove deactivates a replica. Removing a master replica tells remote
// peers to destroy their proxies.
func (m *Manager) Remove(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.replicas[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownReplica, id)
	}
	m.destroy(r)
	if r.IsMaster() {
		m.broadcast(InvalidPeerID, Frame{Type: FrameDestroy, ReplicaID: id})
	}
	return nil
}

// Do runs fn while holding the manager lock, so fn may touch records and
// chunks without racing frame handling or Tick. fn must not call back into
// the manager.
func (m *Manager) Do(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// Get looks up a replica by id.
func (m *Manager) Get(id ID) (*Replica, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replicas[id]
	return r, ok
}

// Count returns the number of live replicas.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// Info describes one replica for diagnostics.
type Info struct {
	ID     ID            `json:"id"`
	Owner  PeerID        `json:"owner"`
	Role   string        `json:"role"`
	Chunks []ChunkTypeID `json:"chunks"`
}

// Snapshot lists the live replicas ordered by id.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.replicas))
	for _, r := range m.replicas {
		types := make([]ChunkTypeID, 0, len(r.chunks))
		for _, c := range r.chunks {
			types = append(types, c.TypeID())
		}
		out = append(out, Info{ID: r.id, Owner: r.owner, Role: r.role.String(), Chunks: types})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tick publishes pending changes of every master replica.
func (m *Manager) Tick() {
	op := m.profiler.Start("replica.tick")
	defer op.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, r := range m.replicas {
		if !r.IsMaster() {
			continue
		}
		wb := wire.NewWriteBuffer(32)
		if !r.marshalDelta(wb, now) {
			continue
		}
		m.broadcast(InvalidPeerID, Frame{Type: FrameUpdate, ReplicaID: id, Payload: wb.Bytes()})
	}
}

// PeerJoined sends create frames to a newly connected peer. In relay mode
// this includes proxies of replicas owned by other peers.
func (m *Manager) PeerJoined(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, r := range m.replicas {
		if !r.IsMaster() && !m.relay {
			continue
		}
		if r.owner == peer {
			continue
		}
		wb := wire.NewWriteBuffer(64)
		r.marshalCreate(wb, now)
		m.send(peer, Frame{Type: FrameCreate, ReplicaID: id, Payload: wb.Bytes()})
	}
}

// PeerLeft destroys every replica owned by peer. In relay mode the
// remaining peers are told to do the same.
func (m *Manager) PeerLeft(peer PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.replicas {
		if r.owner != peer || r.IsMaster() {
			continue
		}
		m.destroy(r)
		if m.relay {
			m.broadcast(peer, Frame{Type: FrameDestroy, ReplicaID: id})
		}
	}
}

// RequestOwnership asks the current owner of id to hand the replica over
// to the local peer. The answer arrives later as a transfer or denied frame.
func (m *Manager) RequestOwnership(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.replicas[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownReplica, id)
	}
	if r.IsMaster() {
		return nil
	}
	frame := Frame{Type: FrameOwnershipRequest, ReplicaID: id, Payload: peerPayload(m.local)}
	if m.relay {
		m.send(r.owner, frame)
	} else {
		m.broadcast(InvalidPeerID, frame)
	}
	return nil
}

// HandleFrame applies a frame received from peer from.
func (m *Manager) HandleFrame(from PeerID, data []byte) error {
	op := m.profiler.Start("replica.handle_frame")
	defer op.End()

	f, err := DecodeFrame(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch f.Type {
	case FrameCreate:
		err = m.handleCreate(from, f)
	case FrameUpdate:
		err = m.handleUpdate(from, f)
	case FrameDestroy:
		err = m.handleDestroy(from, f)
	case FrameOwnershipRequest:
		err = m.handleOwnershipRequest(from, f)
	case FrameOwnershipTransfer:
		err = m.handleOwnershipTransfer(from, f)
	case FrameOwnershipDenied:
		err = m.handleOwnershipDenied(f)
	}
	if err != nil {
		return fmt.Errorf("%s frame for replica %d: %w", f.Type, f.ReplicaID, err)
	}

	if m.relay && f.Type != FrameOwnershipRequest && f.Type != FrameOwnershipDenied {
		m.transportBroadcast(from, data)
	}
	return nil
}

func (m *Manager) handleCreate(from PeerID, f Frame) error {
	rb := wire.NewReadBuffer(f.Payload)
	owner, err := rb.ReadVlqU32()
	if err != nil {
		return fmt.Errorf("failed to read owner: %w", err)
	}
	if m.relay && PeerID(owner) != from {
		return ErrNotOwner
	}
	if _, exists := m.replicas[f.ReplicaID]; exists {
		m.logger.Debug().Uint64("replica", uint64(f.ReplicaID)).Msg("ignoring duplicate create")
		return nil
	}

	count, err := rb.ReadVlqU32()
	if err != nil {
		return fmt.Errorf("failed to read chunk count: %w", err)
	}
	if count == 0 {
		return ErrNoChunks
	}
	if count > maxChunksPerReplica {
		return fmt.Errorf("too many chunks: %d", count)
	}

	chunks := make([]Chunk, 0, count)
	for i := uint32(0); i < count; i++ {
		typeID, err := rb.ReadVlqU32()
		if err != nil {
			return fmt.Errorf("failed to read chunk type: %w", err)
		}
		factory, ok := m.factories[ChunkTypeID(typeID)]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownChunkType, typeID)
		}
		c := factory(RoleProxy)
		for _, ds := range c.DataSets() {
			if err := ds.unmarshal(rb); err != nil {
				return fmt.Errorf("failed to read dataset %s: %w", ds.Name(), err)
			}
		}
		chunks = append(chunks, c)
	}

	r := newReplica(f.ReplicaID, PeerID(owner), RoleProxy, chunks)
	m.replicas[f.ReplicaID] = r
	r.activate(r.context(m.local, m.now()))

	m.logger.Debug().Uint64("replica", uint64(f.ReplicaID)).Uint32("owner", owner).Msg("proxy replica created")
	return nil
}

func (m *Manager) handleUpdate(from PeerID, f Frame) error {
	r, ok := m.replicas[f.ReplicaID]
	if !ok {
		return ErrUnknownReplica
	}
	if m.relay && r.owner != from {
		return ErrNotOwner
	}
	if r.IsMaster() {
		m.logger.Debug().Uint64("replica", uint64(f.ReplicaID)).Msg("dropping stale update for master replica")
		return nil
	}
	return r.unmarshalDelta(wire.NewReadBuffer(f.Payload))
}

func (m *Manager) handleDestroy(from PeerID, f Frame) error {
	r, ok := m.replicas[f.ReplicaID]
	if !ok {
		return ErrUnknownReplica
	}
	if m.relay && r.owner != from {
		return ErrNotOwner
	}
	m.destroy(r)
	return nil
}

func (m *Manager) handleOwnershipRequest(from PeerID, f Frame) error {
	requestor, err := readPeerPayload(f.Payload)
	if err != nil {
		return err
	}
	r, ok := m.replicas[f.ReplicaID]
	if !ok {
		return ErrUnknownReplica
	}
	if m.relay && requestor != from {
		return fmt.Errorf("request for peer %d sent by peer %d", requestor, from)
	}

	if !r.IsMaster() {
		if !m.relay {
			return ErrNotOwner
		}
		m.send(r.owner, f)
		return nil
	}

	rc := r.context(m.local, m.now())
	for _, c := range r.chunks {
		if !c.AcceptChangeOwnership(requestor, rc) {
			m.logger.Info().
				Uint64("replica", uint64(r.id)).
				Uint32("requestor", uint32(requestor)).
				Msg("ownership request refused")
			m.send(from, Frame{Type: FrameOwnershipDenied, ReplicaID: r.id, Payload: peerPayload(requestor)})
			return nil
		}
	}

	m.transfer(r, requestor)
	m.broadcast(InvalidPeerID, Frame{Type: FrameOwnershipTransfer, ReplicaID: r.id, Payload: peerPayload(requestor)})
	return nil
}

func (m *Manager) handleOwnershipTransfer(from PeerID, f Frame) error {
	newOwner, err := readPeerPayload(f.Payload)
	if err != nil {
		return err
	}
	r, ok := m.replicas[f.ReplicaID]
	if !ok {
		return ErrUnknownReplica
	}
	if m.relay && r.owner != from {
		return ErrNotOwner
	}
	m.transfer(r, newOwner)
	return nil
}

func (m *Manager) handleOwnershipDenied(f Frame) error {
	requestor, err := readPeerPayload(f.Payload)
	if err != nil {
		return err
	}
	if requestor == m.local {
		m.logger.Info().Uint64("replica", uint64(f.ReplicaID)).Msg("ownership request denied")
		return nil
	}
	if m.relay {
		m.send(requestor, f)
	}
	return nil
}

// transfer moves ownership of r to owner and notifies its chunks.
func (m *Manager) transfer(r *Replica, owner PeerID) {
	r.owner = owner
	role := RoleProxy
	if owner == m.local {
		role = RoleMaster
	}
	r.setRole(role)

	rc := r.context(m.local, m.now())
	for _, c := range r.chunks {
		c.OnChangeOwnership(rc)
	}
	m.logger.Info().
		Uint64("replica", uint64(r.id)).
		Uint32("owner", uint32(owner)).
		Str("role", role.String()).
		Msg("replica ownership changed")
}

func (m *Manager) destroy(r *Replica) {
	r.deactivate(r.context(m.local, m.now()))
	delete(m.replicas, r.id)
}

func (m *Manager) send(peer PeerID, f Frame) {
	if m.transport == nil {
		return
	}
	if err := m.transport.Send(peer, EncodeFrame(f)); err != nil {
		m.logger.Warn().Err(err).Uint32("to", uint32(peer)).Str("frame", f.Type.String()).Msg("failed to send frame")
	}
}

func (m *Manager) broadcast(exclude PeerID, f Frame) {
	m.transportBroadcast(exclude, EncodeFrame(f))
}

func (m *Manager) transportBroadcast(exclude PeerID, data []byte) {
	if m.transport == nil {
		return
	}
	m.transport.Broadcast(exclude, data)
}

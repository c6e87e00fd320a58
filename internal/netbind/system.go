package netbind

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/performance"
	"github.com/earthring/netbind/internal/replica"
)

var (
	ErrAlreadyBound = errors.New("netbind: entity already bound")
	ErrNotBound     = errors.New("netbind: entity not bound")
	ErrUnknownChunk = errors.New("netbind: no active chunk for replica")
)

// System creates binding chunks for the replica manager and tracks the
// active ones so spawned entities can be bound to their chunk.
type System struct {
	mu       sync.Mutex
	manager  *replica.Manager
	host     Host
	events   *Registry
	profiler *performance.Profiler
	chunks   map[replica.ID]*Chunk
	maxState int
	released []func(replica.ID)
	logger   zerolog.Logger
}

// NewSystem registers the binding chunk type with manager. The host may be
// set later with SetHost when it depends on the system itself.
func NewSystem(manager *replica.Manager, host Host, profiler *performance.Profiler) *System {
	s := &System{
		manager:  manager,
		host:     host,
		events:   NewRegistry(),
		profiler: profiler,
		chunks:   make(map[replica.ID]*Chunk),
		logger:   logging.Component("netbind"),
	}
	manager.RegisterChunkType(ChunkType, func(role replica.Role) replica.Chunk {
		return s.newChunk(role)
	})
	return s
}

func (s *System) SetHost(host Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
}

// SetMaxStateBytes bounds the serialized state captured by new master
// chunks, so snapshots always fit the transport's frame limit.
func (s *System) SetMaxStateBytes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxState = n
}

// Events returns the registry consulted for ownership decisions.
func (s *System) Events() *Registry {
	return s.events
}

func (s *System) Manager() *replica.Manager {
	return s.manager
}

func (s *System) newChunk(role replica.Role) *Chunk {
	s.mu.Lock()
	host, maxState := s.host, s.maxState
	s.mu.Unlock()

	c := NewChunk(role, Deps{Host: host, Events: s.events, Profiler: s.profiler, MaxStateBytes: maxState})
	c.onActivate = s.track
	c.onDeactivate = s.untrack
	return c
}

func (s *System) track(c *Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[c.replicaID] = c
}

func (s *System) untrack(c *Chunk) {
	s.mu.Lock()
	if s.chunks[c.replicaID] == c {
		delete(s.chunks, c.replicaID)
	}
	released := s.released
	s.mu.Unlock()

	for _, fn := range released {
		fn(c.replicaID)
	}
}

// OnChunkReleased registers fn to run after a chunk deactivates, with the
// id of the replica it was attached to. fn runs without the system lock.
func (s *System) OnChunkReleased(fn func(replica.ID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, fn)
}

// Chunk returns the active chunk attached to id.
func (s *System) Chunk(id replica.ID) (*Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[id]
	return c, ok
}

// ActiveChunks returns the number of active chunks.
func (s *System) ActiveChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// BindToNetwork makes the local peer the master of b's entity and
// announces it to remote peers.
func (s *System) BindToNetwork(b *BindingComponent) (replica.ID, error) {
	if b.IsBound() {
		return 0, fmt.Errorf("%w: %d", ErrAlreadyBound, b.EntityID())
	}
	c := s.newChunk(replica.RoleMaster)
	c.Bind(b)

	r, err := s.manager.AddMaster(c)
	if err != nil {
		b.UnbindFromNetwork()
		return 0, fmt.Errorf("failed to add master replica: %w", err)
	}
	s.logger.Info().Uint64("entity", uint64(b.EntityID())).Uint64("replica", uint64(r.ID())).Msg("entity bound to network")
	return r.ID(), nil
}

// BindSpawned attaches an entity spawned for a proxy replica to its chunk.
func (s *System) BindSpawned(id replica.ID, b *BindingComponent) error {
	c, ok := s.Chunk(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChunk, id)
	}
	c.Bind(b)
	return nil
}

// Release removes the master replica of b, destroying remote proxies.
func (s *System) Release(b *BindingComponent) error {
	if !b.IsBound() {
		return fmt.Errorf("%w: %d", ErrNotBound, b.EntityID())
	}
	return s.manager.Remove(b.ReplicaID())
}

// RequestOwnership asks the owner of b's replica to hand it over.
func (s *System) RequestOwnership(b *BindingComponent) error {
	if !b.IsBound() {
		return fmt.Errorf("%w: %d", ErrNotBound, b.EntityID())
	}
	return s.manager.RequestOwnership(b.ReplicaID())
}

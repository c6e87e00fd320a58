package entity

import (
	"context"
	"sync"

	"github.com/earthring/netbind/internal/netbind"
)

// SequenceStore hands out context sequences, one per level load.
type SequenceStore interface {
	NextSequence(ctx context.Context, level string) (netbind.ContextSequence, error)
}

// StaticIDStore resolves stable ids for authored level entities that do
// not carry one in the manifest.
type StaticIDStore interface {
	StaticID(ctx context.Context, level, name string) (netbind.EntityID, error)
}

// MemorySequenceStore counts loads in memory.
type MemorySequenceStore struct {
	mu   sync.Mutex
	last netbind.ContextSequence
}

func (s *MemorySequenceStore) NextSequence(ctx context.Context, level string) (netbind.ContextSequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	if s.last == netbind.UnspecifiedContextSequence {
		s.last++
	}
	return s.last, nil
}

// MemoryStaticIDStore assigns ids per level in first-seen order, starting
// at base+1. Loading the same manifest yields the same ids on every peer.
type MemoryStaticIDStore struct {
	mu     sync.Mutex
	base   netbind.EntityID
	ids    map[string]netbind.EntityID
	counts map[string]netbind.EntityID
}

func NewMemoryStaticIDStore(base netbind.EntityID) *MemoryStaticIDStore {
	return &MemoryStaticIDStore{
		base:   base,
		ids:    make(map[string]netbind.EntityID),
		counts: make(map[string]netbind.EntityID),
	}
}

func (s *MemoryStaticIDStore) StaticID(ctx context.Context, level, name string) (netbind.EntityID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := level + "/" + name
	if id, ok := s.ids[key]; ok {
		return id, nil
	}
	s.counts[level]++
	id := s.base + s.counts[level]
	s.ids[key] = id
	return id, nil
}

// FixedSequenceStore always returns the same sequence. Peers use it to load
// a level under the context sequence announced by the server.
type FixedSequenceStore struct {
	Sequence netbind.ContextSequence
}

func (s FixedSequenceStore) NextSequence(ctx context.Context, level string) (netbind.ContextSequence, error) {
	return s.Sequence, nil
}

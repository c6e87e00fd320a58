package api

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/logging"
	"github.com/earthring/netbind/internal/replica"
)

// sendQueueSize is the number of frames buffered per connection before the
// peer is considered too slow and dropped.
const sendQueueSize = 1024

var (
	ErrPeerNotConnected = errors.New("api: peer not connected")
	ErrPeerConnected    = errors.New("api: peer already connected")
	ErrSendQueueFull    = errors.New("api: send queue full")
)

// Hub tracks the connected peers and delivers replica frames to them. It
// implements replica.Transport for the server's manager.
type Hub struct {
	mu          sync.RWMutex
	connections map[replica.PeerID]*PeerConnection
	logger      zerolog.Logger
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		connections: make(map[replica.PeerID]*PeerConnection),
		logger:      logging.Component("hub"),
	}
}

func (h *Hub) register(c *PeerConnection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[c.peer]; ok {
		return fmt.Errorf("%w: %d", ErrPeerConnected, c.peer)
	}
	h.connections[c.peer] = c
	h.logger.Info().Uint32("peer", uint32(c.peer)).Str("version", c.version).Msg("peer connection registered")
	return nil
}

// unregister removes c and closes its send queue. It reports whether c was
// still registered.
func (h *Hub) unregister(c *PeerConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(c)
}

func (h *Hub) removeLocked(c *PeerConnection) bool {
	if h.connections[c.peer] != c {
		return false
	}
	delete(h.connections, c.peer)
	close(c.send)
	h.logger.Info().Uint32("peer", uint32(c.peer)).Msg("peer connection unregistered")
	return true
}

// Send queues data for peer.
func (h *Hub) Send(peer replica.PeerID, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.connections[peer]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPeerNotConnected, peer)
	}
	if !h.enqueueLocked(c, data) {
		return fmt.Errorf("%w: %d", ErrSendQueueFull, peer)
	}
	return nil
}

// Broadcast queues data for every connected peer except exclude.
func (h *Hub) Broadcast(exclude replica.PeerID, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for peer, c := range h.connections {
		if peer == exclude {
			continue
		}
		h.enqueueLocked(c, data)
	}
}

// enqueueLocked drops the connection when its queue is full. The read pump
// notices the closed socket and tells the manager the peer left.
func (h *Hub) enqueueLocked(c *PeerConnection, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		h.logger.Warn().Uint32("peer", uint32(c.peer)).Msg("send queue full, dropping peer")
		h.removeLocked(c)
		return false
	}
}

// Peers returns the connected peer ids in ascending order.
func (h *Hub) Peers() []replica.PeerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	peers := make([]replica.PeerID, 0, len(h.connections))
	for peer := range h.connections {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// Connected reports whether peer has a registered connection.
func (h *Hub) Connected(peer replica.PeerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[peer]
	return ok
}

// Count returns the number of connected peers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

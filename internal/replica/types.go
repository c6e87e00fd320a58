// Package replica distributes replicated objects between peers. Each replica
// is owned by exactly one peer (its master); every other peer holds a proxy.
package replica

import (
	"fmt"
	"time"
)

// ID identifies a replica across all peers.
type ID uint64

// PeerID identifies a peer in the session.
type PeerID uint32

// InvalidPeerID is never assigned to a peer.
const InvalidPeerID PeerID = 0

// Ids minted by a peer carry the peer id above PeerIDShift, so only the low
// 24 bits of a PeerID are usable.
const (
	PeerIDShift        = 40
	MaxPeerID   PeerID = 1<<(64-PeerIDShift) - 1
)

// Valid reports whether p can be assigned to a peer.
func (p PeerID) Valid() bool {
	return p != InvalidPeerID && p <= MaxPeerID
}

// Role tells whether the local copy of a replica is authoritative.
type Role uint8

const (
	RoleProxy Role = iota
	RoleMaster
)

// String returns the string representation of Role
func (r Role) String() string {
	switch r {
	case RoleProxy:
		return "proxy"
	case RoleMaster:
		return "master"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// Context is handed to chunk callbacks.
type Context struct {
	LocalPeer PeerID
	ReplicaID ID
	Owner     PeerID
	Time      time.Time
}

// ChunkTypeID selects the factory used to build proxy chunks.
type ChunkTypeID uint32

// Chunk is one replicated unit of state and behavior attached to a replica.
// Callbacks run on the manager's processing context, one at a time.
type Chunk interface {
	TypeID() ChunkTypeID
	DataSets() []DataSet
	SetRole(role Role)
	OnActivate(rc Context)
	OnDeactivate(rc Context)
	AcceptChangeOwnership(requestor PeerID, rc Context) bool
	OnChangeOwnership(rc Context)
}

// ChunkFactory builds an empty chunk for a replica created by a remote peer.
type ChunkFactory func(role Role) Chunk

package auth

import (
	"time"

	"github.com/earthring/netbind/internal/netbind"
	"github.com/earthring/netbind/internal/replica"
)

// JoinRequest represents a peer asking to join the session
type JoinRequest struct {
	Name   string `json:"name" validate:"required,min=3,max=32,alphanum"`
	Secret string `json:"secret" validate:"required"`
}

// JoinResponse carries the identity the server assigned to a peer
type JoinResponse struct {
	Token        string         `json:"token"`
	ExpiresAt    time.Time      `json:"expires_at"`
	PeerID       replica.PeerID `json:"peer_id"`
	ServerPeerID replica.PeerID `json:"server_peer_id"`

	// ContextSequence is the server's current level context. Peers load
	// their level under the same sequence.
	ContextSequence netbind.ContextSequence `json:"context_sequence"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

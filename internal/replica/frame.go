package replica

import (
	"errors"
	"fmt"

	"github.com/earthring/netbind/internal/wire"
)

// FrameType discriminates replication frames.
type FrameType uint8

const (
	FrameCreate FrameType = iota + 1
	FrameUpdate
	FrameDestroy
	FrameOwnershipRequest
	FrameOwnershipTransfer
	FrameOwnershipDenied
)

// String returns the string representation of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameCreate:
		return "create"
	case FrameUpdate:
		return "update"
	case FrameDestroy:
		return "destroy"
	case FrameOwnershipRequest:
		return "ownership_request"
	case FrameOwnershipTransfer:
		return "ownership_transfer"
	case FrameOwnershipDenied:
		return "ownership_denied"
	default:
		return fmt.Sprintf("unknown(%d)", ft)
	}
}

// FrameHeaderSize is the fixed part of every frame: type plus replica id.
const FrameHeaderSize = 1 + 8

var (
	ErrUnknownFrameType = errors.New("replica: unknown frame type")
	ErrShortFrame       = errors.New("replica: frame shorter than header")
)

// Frame is one message exchanged between replica managers. The transport
// supplies the message boundaries.
type Frame struct {
	Type      FrameType
	ReplicaID ID
	Payload   []byte
}

// EncodeFrame encodes f into a new byte slice.
func EncodeFrame(f Frame) []byte {
	wb := wire.NewWriteBuffer(FrameHeaderSize + len(f.Payload))
	wb.WriteU8(uint8(f.Type))
	wb.WriteU64(uint64(f.ReplicaID))
	wb.WriteRaw(f.Payload)
	return wb.Bytes()
}

// DecodeFrame parses a frame. The payload aliases data.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, ErrShortFrame
	}
	rb := wire.NewReadBuffer(data)
	t, _ := rb.ReadU8()
	id, _ := rb.ReadU64()
	ft := FrameType(t)
	if ft < FrameCreate || ft > FrameOwnershipDenied {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownFrameType, t)
	}
	return Frame{Type: ft, ReplicaID: ID(id), Payload: rb.Rest()}, nil
}

func peerPayload(peer PeerID) []byte {
	wb := wire.NewWriteBuffer(5)
	wb.WriteVlqU32(uint32(peer))
	return wb.Bytes()
}

func readPeerPayload(payload []byte) (PeerID, error) {
	v, err := wire.NewReadBuffer(payload).ReadVlqU32()
	if err != nil {
		return InvalidPeerID, fmt.Errorf("failed to read peer id: %w", err)
	}
	return PeerID(v), nil
}

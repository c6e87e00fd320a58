package api

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/earthring/netbind/internal/replica"
)

func newTestConnection(hub *Hub, peer replica.PeerID, queue int) *PeerConnection {
	return &PeerConnection{
		peer:   peer,
		send:   make(chan []byte, queue),
		hub:    hub,
		logger: zerolog.Nop(),
	}
}

func drain(c *PeerConnection) [][]byte {
	var out [][]byte
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub()
	a := newTestConnection(hub, 2, 4)

	if err := hub.register(a); err != nil {
		t.Fatalf("register() failed: %v", err)
	}
	if !hub.Connected(2) || hub.Count() != 1 {
		t.Fatal("peer 2 should be connected")
	}

	dup := newTestConnection(hub, 2, 4)
	if err := hub.register(dup); !errors.Is(err, ErrPeerConnected) {
		t.Errorf("expected ErrPeerConnected, got %v", err)
	}

	if hub.unregister(dup) {
		t.Error("unregistering a connection that was never registered should report false")
	}
	if !hub.unregister(a) {
		t.Error("unregister() should report true for the registered connection")
	}
	if hub.Connected(2) {
		t.Error("peer 2 should be gone")
	}
	if _, ok := <-a.send; ok {
		t.Error("send queue should be closed")
	}
}

func TestHub_SendAndBroadcast(t *testing.T) {
	hub := NewHub()
	a := newTestConnection(hub, 2, 4)
	b := newTestConnection(hub, 3, 4)
	hub.register(a)
	hub.register(b)

	if err := hub.Send(3, []byte("direct")); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if err := hub.Send(9, []byte("lost")); !errors.Is(err, ErrPeerNotConnected) {
		t.Errorf("expected ErrPeerNotConnected, got %v", err)
	}

	hub.Broadcast(2, []byte("all-but-2"))
	hub.Broadcast(replica.InvalidPeerID, []byte("all"))

	gotA := drain(a)
	if len(gotA) != 1 || string(gotA[0]) != "all" {
		t.Errorf("peer 2 got %q", gotA)
	}
	gotB := drain(b)
	if len(gotB) != 3 || string(gotB[0]) != "direct" || string(gotB[1]) != "all-but-2" {
		t.Errorf("peer 3 got %q", gotB)
	}

	if peers := hub.Peers(); len(peers) != 2 || peers[0] != 2 || peers[1] != 3 {
		t.Errorf("Peers() = %v", peers)
	}
}

func TestHub_SlowPeerDropped(t *testing.T) {
	hub := NewHub()
	slow := newTestConnection(hub, 2, 1)
	hub.register(slow)

	if err := hub.Send(2, []byte("one")); err != nil {
		t.Fatalf("first Send() failed: %v", err)
	}
	if err := hub.Send(2, []byte("two")); !errors.Is(err, ErrSendQueueFull) {
		t.Errorf("expected ErrSendQueueFull, got %v", err)
	}
	if hub.Connected(2) {
		t.Error("slow peer should have been dropped")
	}
	if got := drain(slow); len(got) != 1 || string(got[0]) != "one" {
		t.Errorf("queued frames = %q", got)
	}
}

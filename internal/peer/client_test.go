package peer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/earthring/netbind/internal/api"
	"github.com/earthring/netbind/internal/config"
	"github.com/earthring/netbind/internal/entity"
	"github.com/earthring/netbind/internal/netbind"
	"github.com/earthring/netbind/internal/replica"
	"github.com/earthring/netbind/internal/testutil"
)

type node struct {
	world   *entity.World
	system  *netbind.System
	manager *replica.Manager
}

func newNode(t *testing.T, peer replica.PeerID, relay bool, sequences entity.SequenceStore) *node {
	t.Helper()
	serializer, err := entity.NewSerializer()
	if err != nil {
		t.Fatalf("NewSerializer() failed: %v", err)
	}
	manager := replica.NewManager(replica.Options{LocalPeer: peer, Relay: relay}, nil)
	world := entity.NewWorld(entity.Options{Peer: peer, Serializer: serializer, Sequences: sequences})
	system := netbind.NewSystem(manager, world, nil)
	world.Attach(system)
	return &node{world: world, system: system, manager: manager}
}

func harbor(t *testing.T) *entity.Manifest {
	t.Helper()
	m, err := entity.LoadManifest(testutil.WriteManifest(t, testutil.HarborManifest))
	if err != nil {
		t.Fatalf("LoadManifest() failed: %v", err)
	}
	return m
}

// startServer runs a relay server with the harbor level loaded.
func startServer(t *testing.T) (*node, *httptest.Server) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testutil.TestPeerSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	cfg := &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-key-for-testing-only",
			PeerTokenExpiration: 15 * time.Minute,
			PeerSecretHash:      string(hash),
			BCryptCost:          bcrypt.MinCost,
		},
		Replication: config.ReplicationConfig{ServerPeerID: 1, MaxFrameBytes: 1 << 16},
		RateLimit:   config.RateLimitConfig{JoinRate: "100-M", FrameRate: "1000-S"},
	}

	server := newNode(t, 1, true, nil)
	srv, err := api.NewServer(cfg, server.manager, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	srv.Auth.SetContextSequenceSource(server.world.GetCurrentContextSequence)
	if err := server.world.LoadLevel(context.Background(), harbor(t), replica.RoleMaster); err != nil {
		t.Fatalf("server LoadLevel() failed: %v", err)
	}

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return server, ts
}

func names(w *entity.World) []string {
	var out []string
	for _, e := range w.Entities() {
		out = append(out, e.Name)
	}
	sort.Strings(out)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", true},
		{"https://relay.example/", "wss://relay.example/ws", true},
		{"https://relay.example/game", "wss://relay.example/game/ws", true},
		{"ws://localhost:8080", "ws://localhost:8080/ws", true},
		{"ftp://relay.example", "", false},
	}

	for _, tt := range tests {
		got, err := websocketURL(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("websocketURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoinRefused(t *testing.T) {
	_, ts := startServer(t)

	_, err := Join(context.Background(), Options{ServerURL: ts.URL, Name: "skiff", Secret: "harbor-wrong-secret"})
	var joinErr *JoinError
	if !errors.As(err, &joinErr) {
		t.Fatalf("expected JoinError, got %v", err)
	}
	if joinErr.Status != http.StatusUnauthorized || joinErr.Code != "InvalidCredentials" {
		t.Errorf("unexpected join error %+v", joinErr)
	}
}

func TestPeerMirrorsServerWorld(t *testing.T) {
	server, ts := startServer(t)
	ctx := context.Background()
	opts := Options{ServerURL: ts.URL, Name: "skiff", Secret: testutil.TestPeerSecret}

	session, err := Join(ctx, opts)
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	if session.PeerID != 2 || session.ContextSequence != server.world.GetCurrentContextSequence() {
		t.Fatalf("unexpected session %+v", session)
	}

	client := newNode(t, session.PeerID, false, entity.FixedSequenceStore{Sequence: session.ContextSequence})
	if err := client.world.LoadLevel(ctx, harbor(t), replica.RoleProxy); err != nil {
		t.Fatalf("client LoadLevel() failed: %v", err)
	}

	link, err := Dial(ctx, opts, session, client.manager)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer link.Close()

	want := strings.Join(names(server.world), ",")
	waitFor(t, "client mirror", func() bool {
		return strings.Join(names(client.world), ",") == want && client.system.ActiveChunks() == 6
	})

	for _, e := range server.world.Entities() {
		if _, ok := client.world.Entity(e.RuntimeID); !ok {
			t.Errorf("client has no entity with runtime id %d (%s)", e.RuntimeID, e.Name)
		}
	}
	if client.world.PendingSpawns() != 0 {
		t.Errorf("expected no pending spawns, got %d", client.world.PendingSpawns())
	}
}

func TestPeerSpawnsAndOwnership(t *testing.T) {
	server, ts := startServer(t)
	ctx := context.Background()
	opts := Options{ServerURL: ts.URL, Name: "skiff", Secret: testutil.TestPeerSecret}

	session, err := Join(ctx, opts)
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}
	client := newNode(t, session.PeerID, false, entity.FixedSequenceStore{Sequence: session.ContextSequence})
	if err := client.world.LoadLevel(ctx, harbor(t), replica.RoleProxy); err != nil {
		t.Fatalf("client LoadLevel() failed: %v", err)
	}
	link, err := Dial(ctx, opts, session, client.manager)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	waitFor(t, "client mirror", func() bool { return client.system.ActiveChunks() == 6 })

	skiff, err := client.world.SpawnProcedural("skiff", entity.Component{Type: "hull", Fields: map[string]string{"length": "4"}})
	if err != nil {
		t.Fatalf("SpawnProcedural() failed: %v", err)
	}
	waitFor(t, "server proxy of skiff", func() bool {
		e, ok := server.world.Entity(skiff)
		return ok && e.Name == "skiff"
	})
	if e, _ := server.world.Entity(skiff); !hasComponent(e, "hull") {
		t.Error("skiff lost its components on the way")
	}

	var box netbind.EntityID
	for _, e := range client.world.Entities() {
		if e.Name == "box" {
			box = e.RuntimeID
		}
	}
	if err := client.world.RequestOwnership(box); err != nil {
		t.Fatalf("RequestOwnership() failed: %v", err)
	}
	waitFor(t, "ownership of box", func() bool {
		b, ok := client.world.Binding(box)
		if !ok {
			return false
		}
		r, ok := client.manager.Get(b.ReplicaID())
		return ok && r.IsMaster()
	})

	if err := link.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if link.Err() != nil {
		t.Errorf("expected clean close, got %v", link.Err())
	}
	waitFor(t, "server teardown of peer entities", func() bool {
		_, hasSkiff := server.world.Entity(skiff)
		_, hasBox := server.world.Entity(box)
		return !hasSkiff && !hasBox
	})
	if err := link.Send(1, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func hasComponent(e *entity.Entity, typ string) bool {
	_, ok := e.Component(typ)
	return ok
}

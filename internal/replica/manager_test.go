package replica

import (
	"errors"
	"testing"
	"time"
)

const testChunkType ChunkTypeID = 7

type testChunk struct {
	counter *Record[uint32]
	role    Role
	accept  bool

	activated        int
	deactivated      int
	ownershipChanges int
}

func newTestChunk(role Role) Chunk {
	return &testChunk{
		counter: NewRecord[uint32]("counter", 0, u32Marshaler{}),
		role:    role,
		accept:  true,
	}
}

func (c *testChunk) TypeID() ChunkTypeID  { return testChunkType }
func (c *testChunk) DataSets() []DataSet { return []DataSet{c.counter} }
func (c *testChunk) SetRole(role Role)    { c.role = role }
func (c *testChunk) OnActivate(Context)   { c.activated++ }
func (c *testChunk) OnDeactivate(Context) { c.deactivated++ }
func (c *testChunk) OnChangeOwnership(Context) {
	c.ownershipChanges++
}
func (c *testChunk) AcceptChangeOwnership(PeerID, Context) bool {
	return c.accept
}

type envelope struct {
	from, to PeerID
	data     []byte
}

// testNet queues frames so that delivery never happens while a sender
// holds its manager lock.
type testNet struct {
	queue    []envelope
	managers map[PeerID]*Manager
	links    map[PeerID][]PeerID
}

type endpoint struct {
	net  *testNet
	self PeerID
}

func (e endpoint) Send(peer PeerID, data []byte) error {
	e.net.queue = append(e.net.queue, envelope{from: e.self, to: peer, data: append([]byte(nil), data...)})
	return nil
}

func (e endpoint) Broadcast(exclude PeerID, data []byte) {
	for _, p := range e.net.links[e.self] {
		if p != exclude {
			_ = e.Send(p, data)
		}
	}
}

func (n *testNet) flush(t *testing.T) {
	t.Helper()
	for len(n.queue) > 0 {
		env := n.queue[0]
		n.queue = n.queue[1:]
		if err := n.managers[env.to].HandleFrame(env.from, env.data); err != nil {
			t.Fatalf("peer %d failed to handle frame from %d: %v", env.to, env.from, err)
		}
	}
}

// join connects a client to the relay server.
func (n *testNet) join(peer PeerID) *Manager {
	m := NewManager(Options{LocalPeer: peer}, endpoint{net: n, self: peer})
	m.RegisterChunkType(testChunkType, newTestChunk)
	n.managers[peer] = m
	n.links[peer] = []PeerID{serverPeer}
	n.links[serverPeer] = append(n.links[serverPeer], peer)
	n.managers[serverPeer].PeerJoined(peer)
	return m
}

const serverPeer PeerID = 1

func newTestNet() *testNet {
	n := &testNet{
		managers: make(map[PeerID]*Manager),
		links:    make(map[PeerID][]PeerID),
	}
	server := NewManager(Options{LocalPeer: serverPeer, Relay: true}, endpoint{net: n, self: serverPeer})
	server.RegisterChunkType(testChunkType, newTestChunk)
	n.managers[serverPeer] = server
	return n
}

func chunkOf(t *testing.T, m *Manager, id ID) *testChunk {
	t.Helper()
	r, ok := m.Get(id)
	if !ok {
		t.Fatalf("peer %d has no replica %d", m.LocalPeer(), id)
	}
	return r.Chunks()[0].(*testChunk)
}

func TestAddMasterReplicatesToAllPeers(t *testing.T) {
	n := newTestNet()
	alice := n.join(2)
	bob := n.join(3)

	master := newTestChunk(RoleProxy).(*testChunk)
	_, _ = master.counter.Modify(func(uint32) (uint32, bool) { return 9, true })

	r, err := alice.AddMaster(master)
	if err != nil {
		t.Fatalf("AddMaster() failed: %v", err)
	}
	n.flush(t)

	if master.role != RoleMaster || master.activated != 1 {
		t.Errorf("master chunk role=%s activated=%d", master.role, master.activated)
	}
	if r.Owner() != 2 {
		t.Errorf("expected owner 2, got %d", r.Owner())
	}

	for _, m := range []*Manager{n.managers[serverPeer], bob} {
		proxy := chunkOf(t, m, r.ID())
		if proxy.role != RoleProxy {
			t.Errorf("peer %d: expected proxy role, got %s", m.LocalPeer(), proxy.role)
		}
		if proxy.activated != 1 {
			t.Errorf("peer %d: expected one activation, got %d", m.LocalPeer(), proxy.activated)
		}
		if proxy.counter.Get() != 9 {
			t.Errorf("peer %d: expected counter 9, got %d", m.LocalPeer(), proxy.counter.Get())
		}
	}
}

func TestTickPublishesOnlyChanges(t *testing.T) {
	n := newTestNet()
	alice := n.join(2)
	bob := n.join(3)

	master := newTestChunk(RoleProxy).(*testChunk)
	r, _ := alice.AddMaster(master)
	n.flush(t)

	alice.Tick()
	if len(n.queue) != 0 {
		t.Fatalf("expected no frames for clean replica, got %d", len(n.queue))
	}

	alice.Do(func() {
		_, _ = master.counter.Modify(func(v uint32) (uint32, bool) { return v + 5, true })
	})
	alice.Tick()
	n.flush(t)

	if got := chunkOf(t, bob, r.ID()).counter.Get(); got != 5 {
		t.Errorf("expected bob to see 5, got %d", got)
	}
	if master.counter.IsDirty() {
		t.Error("expected master record clean after tick")
	}
}

func TestIdleResend(t *testing.T) {
	n := newTestNet()
	now := time.Unix(1000, 0)
	alice := NewManager(Options{LocalPeer: 2, Now: func() time.Time { return now }}, endpoint{net: n, self: 2})
	n.managers[2] = alice
	n.links[2] = []PeerID{serverPeer}

	master := newTestChunk(RoleProxy).(*testChunk)
	master.counter.SetMaxIdleTime(time.Second)
	_, _ = alice.AddMaster(master)
	n.queue = nil

	now = now.Add(500 * time.Millisecond)
	alice.Tick()
	if len(n.queue) != 0 {
		t.Fatalf("expected no resend before max idle time, got %d frames", len(n.queue))
	}

	now = now.Add(time.Second)
	alice.Tick()
	if len(n.queue) != 1 {
		t.Fatalf("expected one idle resend, got %d frames", len(n.queue))
	}
}

func TestProxyCannotWrite(t *testing.T) {
	n := newTestNet()
	alice := n.join(2)
	bob := n.join(3)

	r, _ := alice.AddMaster(newTestChunk(RoleProxy))
	n.flush(t)

	proxy := chunkOf(t, bob, r.ID())
	_, err := proxy.counter.Modify(func(v uint32) (uint32, bool) { return 1, true })
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestOwnershipTransfer(t *testing.T) {
	n := newTestNet()
	alice := n.join(2)
	bob := n.join(3)

	master := newTestChunk(RoleProxy).(*testChunk)
	r, _ := alice.AddMaster(master)
	n.flush(t)

	if err := bob.RequestOwnership(r.ID()); err != nil {
		t.Fatalf("RequestOwnership() failed: %v", err)
	}
	n.flush(t)

	bobChunk := chunkOf(t, bob, r.ID())
	if bobChunk.role != RoleMaster || bobChunk.ownershipChanges != 1 {
		t.Errorf("bob: role=%s changes=%d, want master/1", bobChunk.role, bobChunk.ownershipChanges)
	}
	if master.role != RoleProxy || master.ownershipChanges != 1 {
		t.Errorf("alice: role=%s changes=%d, want proxy/1", master.role, master.ownershipChanges)
	}
	if sr, _ := n.managers[serverPeer].Get(r.ID()); sr.Owner() != 3 {
		t.Errorf("server: expected owner 3, got %d", sr.Owner())
	}

	bob.Do(func() {
		_, _ = bobChunk.counter.Modify(func(uint32) (uint32, bool) { return 77, true })
	})
	bob.Tick()
	n.flush(t)
	if master.counter.Get() != 77 {
		t.Errorf("expected alice to receive 77 from new owner, got %d", master.counter.Get())
	}
}

func TestOwnershipDenied(t *testing.T) {
	n := newTestNet()
	alice := n.join(2)
	bob := n.join(3)

	master := newTestChunk(RoleProxy).(*testChunk)
	master.accept = false
	r, _ := alice.AddMaster(master)
	n.flush(t)

	_ = bob.RequestOwnership(r.ID())
	n.flush(t)

	if master.role != RoleMaster {
		t.Errorf("expected alice to stay master, got %s", master.role)
	}
	if got := chunkOf(t, bob, r.ID()).role; got != RoleProxy {
		t.Errorf("expected bob to stay proxy, got %s", got)
	}
	if sr, _ := n.managers[serverPeer].Get(r.ID()); sr.Owner() != 2 {
		t.Errorf("server: expected owner 2, got %d", sr.Owner())
	}
}

func TestPeerLeftDestroysOwnedReplicas(t *testing.T) {
	n := newTestNet()
	alice := n.join(2)
	bob := n.join(3)

	r, _ := alice.AddMaster(newTestChunk(RoleProxy))
	n.flush(t)
	bobChunk := chunkOf(t, bob, r.ID())

	n.managers[serverPeer].PeerLeft(2)
	n.flush(t)

	if _, ok := n.managers[serverPeer].Get(r.ID()); ok {
		t.Error("server kept replica of departed peer")
	}
	if _, ok := bob.Get(r.ID()); ok {
		t.Error("bob kept replica of departed peer")
	}
	if bobChunk.deactivated != 1 {
		t.Errorf("expected one deactivation, got %d", bobChunk.deactivated)
	}
}

func TestLateJoinerReceivesExistingReplicas(t *testing.T) {
	n := newTestNet()
	alice := n.join(2)

	r, _ := alice.AddMaster(newTestChunk(RoleProxy))
	server, _ := n.managers[serverPeer].AddMaster(newTestChunk(RoleProxy))
	n.flush(t)

	carol := n.join(4)
	n.flush(t)

	for _, id := range []ID{r.ID(), server.ID()} {
		if _, ok := carol.Get(id); !ok {
			t.Errorf("late joiner missing replica %d", id)
		}
	}
}

func TestRelayRejectsUpdateFromNonOwner(t *testing.T) {
	n := newTestNet()
	alice := n.join(2)
	n.join(3)

	r, _ := alice.AddMaster(newTestChunk(RoleProxy))
	n.flush(t)

	update := EncodeFrame(Frame{Type: FrameUpdate, ReplicaID: r.ID(), Payload: []byte{0x00}})
	err := n.managers[serverPeer].HandleFrame(3, update)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestRemoveMasterDestroysProxies(t *testing.T) {
	n := newTestNet()
	alice := n.join(2)
	bob := n.join(3)

	master := newTestChunk(RoleProxy).(*testChunk)
	r, _ := alice.AddMaster(master)
	n.flush(t)

	if err := alice.Remove(r.ID()); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	n.flush(t)

	if master.deactivated != 1 {
		t.Errorf("expected master deactivated once, got %d", master.deactivated)
	}
	if bob.Count() != 0 {
		t.Errorf("expected bob to have no replicas, got %d", bob.Count())
	}
	if err := alice.Remove(r.ID()); !errors.Is(err, ErrUnknownReplica) {
		t.Errorf("expected ErrUnknownReplica on second remove, got %v", err)
	}
}

func TestHandleCreateUnknownChunkType(t *testing.T) {
	n := newTestNet()
	n.join(2)

	payload := []byte{0x02, 0x01, 0x63}
	err := n.managers[serverPeer].HandleFrame(2, EncodeFrame(Frame{Type: FrameCreate, ReplicaID: 5, Payload: payload}))
	if !errors.Is(err, ErrUnknownChunkType) {
		t.Fatalf("expected ErrUnknownChunkType, got %v", err)
	}
}

func TestAddMasterRequiresChunks(t *testing.T) {
	m := NewManager(Options{LocalPeer: 1}, nil)
	if _, err := m.AddMaster(); !errors.Is(err, ErrNoChunks) {
		t.Fatalf("expected ErrNoChunks, got %v", err)
	}
}

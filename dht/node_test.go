package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/kadcore/crypto"
	"github.com/opd-ai/kadcore/kbucket"
	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/transport"
)

// fakeAddr is a net.Addr over a plain "host:port" string, letting the fake
// bus route packets without touching real sockets.
type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeBus is an in-memory switch connecting every fakeTransport registered
// on it, so tests can wire up a small multi-node DHT without real network
// I/O.
type fakeBus struct {
	mu    sync.Mutex
	nodes map[string]*fakeTransport
}

func newFakeBus() *fakeBus {
	return &fakeBus{nodes: make(map[string]*fakeTransport)}
}

func (b *fakeBus) register(t *fakeTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[t.addr.String()] = t
}

func (b *fakeBus) lookup(addr string) (*fakeTransport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.nodes[addr]
	return t, ok
}

type fakeTransport struct {
	bus  *fakeBus
	addr fakeAddr

	mu       sync.Mutex
	handlers map[transport.PacketType]transport.PacketHandler
}

func newFakeTransport(bus *fakeBus, addr string) *fakeTransport {
	t := &fakeTransport{
		bus:      bus,
		addr:     fakeAddr(addr),
		handlers: make(map[transport.PacketType]transport.PacketHandler),
	}
	bus.register(t)
	return t
}

func (t *fakeTransport) Send(packet *transport.Packet, addr net.Addr) error {
	target, ok := t.bus.lookup(addr.String())
	if !ok {
		return fmt.Errorf("fake transport: no node at %s", addr.String())
	}
	target.mu.Lock()
	h, ok := target.handlers[packet.PacketType]
	target.mu.Unlock()
	if !ok {
		return fmt.Errorf("fake transport: no handler for packet type %d at %s", packet.PacketType, addr.String())
	}
	go h(packet, t.addr)
	return nil
}

func (t *fakeTransport) Close() error          { return nil }
func (t *fakeTransport) LocalAddr() net.Addr   { return t.addr }
func (t *fakeTransport) RegisterHandler(pt transport.PacketType, h transport.PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[pt] = h
}
func (t *fakeTransport) RendezvousPing(rendezvous, target net.Addr, timeout time.Duration) (bool, error) {
	return false, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	// K=2 so a two-node network can meet StoreValue's ceil(K*0.75) threshold.
	cfg.K = 2
	cfg.RPCTimeout = 2 * time.Second
	cfg.RefreshInterval = time.Hour
	cfg.RendezvousPingInterval = time.Hour
	return cfg
}

func mustID(t *testing.T) nodeid.ID {
	t.Helper()
	id, err := nodeid.Random()
	if err != nil {
		t.Fatalf("nodeid.Random() error: %v", err)
	}
	return id
}

func newTestNode(t *testing.T, bus *fakeBus, addr string) *Node {
	t.Helper()
	id := mustID(t)
	tr := newFakeTransport(bus, addr)
	n := New(id, testConfig(), tr, nil, nil, "")
	t.Cleanup(func() { _ = n.Leave() })
	return n
}

// newTestSignedNode builds a node with a real Ed25519Signer/Ed25519Verifier
// pair configured, exercising the non-anonymous Store authentication path.
func newTestSignedNode(t *testing.T, bus *fakeBus, addr string) *Node {
	t.Helper()
	id := mustID(t)
	signer, err := crypto.GenerateEd25519Signer()
	if err != nil {
		t.Fatalf("crypto.GenerateEd25519Signer() error: %v", err)
	}
	tr := newFakeTransport(bus, addr)
	n := New(id, testConfig(), tr, signer, crypto.Ed25519Verifier{}, "")
	t.Cleanup(func() { _ = n.Leave() })
	return n
}

func TestJoinDirectNAT(t *testing.T) {
	bus := newFakeBus()
	a := newTestNode(t, bus, "127.0.0.1:10001")
	b := newTestNode(t, bus, "127.0.0.1:10002")

	seed := kbucket.Contact{NodeID: b.ID(), HostIP: "127.0.0.1", HostPort: 10002}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.Join(ctx, []kbucket.Contact{seed}); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	a.mu.Lock()
	natType := a.natType
	a.mu.Unlock()
	if natType != NATDirect {
		t.Errorf("natType = %v, want %v", natType, NATDirect)
	}

	if _, ok := a.RoutingTable().GetContact(b.ID()); !ok {
		t.Error("expected bootstrap node to be present in A's routing table")
	}
	if _, ok := b.RoutingTable().GetContact(a.ID()); !ok {
		t.Error("expected newcomer to be present in B's routing table")
	}
}

func TestStoreAndFindValue(t *testing.T) {
	bus := newFakeBus()
	a := newTestNode(t, bus, "127.0.0.1:10011")
	b := newTestNode(t, bus, "127.0.0.1:10012")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seed := kbucket.Contact{NodeID: b.ID(), HostIP: "127.0.0.1", HostPort: 10012}
	if err := a.Join(ctx, []kbucket.Contact{seed}); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	key := Sha512Hasher{}.Hash([]byte("hello kademlia"))
	if err := a.StoreValue(ctx, key, []byte("hello kademlia"), time.Hour, true); err != nil {
		t.Fatalf("StoreValue() error: %v", err)
	}

	closest, values, err := b.lookup(ctx, key, lookupFindValue)
	if err != nil {
		t.Fatalf("lookup() error: %v", err)
	}
	_ = closest
	found := false
	for _, v := range values {
		if string(v) == "hello kademlia" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected to find stored value via FindValue lookup, values = %v", values)
	}
}

func TestStoreWithSignerAuthenticates(t *testing.T) {
	bus := newFakeBus()
	a := newTestSignedNode(t, bus, "127.0.0.1:10031")
	b := newTestSignedNode(t, bus, "127.0.0.1:10032")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seed := kbucket.Contact{NodeID: b.ID(), HostIP: "127.0.0.1", HostPort: 10032}
	if err := a.Join(ctx, []kbucket.Contact{seed}); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	key := Sha512Hasher{}.Hash([]byte("signed value"))
	if err := a.StoreValue(ctx, key, []byte("signed value"), time.Hour, true); err != nil {
		t.Fatalf("StoreValue() with configured signer error: %v", err)
	}

	if values := b.DataStore().Load(key); len(values) == 0 {
		t.Error("expected signed Store RPC to be accepted and stored on B")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	bus := newFakeBus()
	a := newTestNode(t, bus, "127.0.0.1:10021")

	if err := a.Leave(); err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	if err := a.Leave(); err != nil {
		t.Fatalf("second Leave() error: %v", err)
	}
}

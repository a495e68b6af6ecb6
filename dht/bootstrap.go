package dht

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/opd-ai/kadcore/kbucket"
	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/rpc"
	"github.com/opd-ai/kadcore/transport"
)

// bootstrapFanout is B of spec.md §4.5: the number of persisted/seed
// candidates a Join tries in parallel before giving up.
const bootstrapFanout = 8

// Join implements spec.md §4.5: load the persisted bootstrap snapshot (or
// fall back to seeds), self-bootstrap if both are empty, otherwise race
// Bootstrap RPCs against up to bootstrapFanout candidates and run the
// three-party NAT test against the first responder.
func (n *Node) Join(ctx context.Context, seeds []kbucket.Contact) error {
	contacts, err := n.loadBootstrapContacts()
	if err != nil {
		n.log.WithFields(map[string]any{"error": err.Error()}).Warn("bootstrap snapshot unreadable, falling back to seeds")
	}
	if len(contacts) == 0 {
		contacts = seeds
	}
	if len(contacts) == 0 {
		n.mu.Lock()
		n.natType = NATDirect
		n.offline = false
		n.mu.Unlock()
		return n.saveBootstrapSnapshot()
	}

	candidates := contacts
	if len(candidates) > bootstrapFanout {
		candidates = candidates[:bootstrapFanout]
	}

	chosen, err := n.raceBootstrap(ctx, candidates)
	if err != nil {
		return err
	}

	n.addContact(chosen.node)
	natType, rendezvous, err := n.detectNAT(ctx, chosen.node, chosen.extIP, chosen.extPort)
	if err != nil {
		return fmt.Errorf("nat detection: %w", err)
	}

	n.mu.Lock()
	n.natType = natType
	n.offline = false
	n.rendezvousFailure = 0
	if rendezvous != nil {
		rc := *rendezvous
		n.rendezvous = &rc
	} else {
		n.rendezvous = nil
	}
	n.mu.Unlock()

	return n.saveBootstrapSnapshot()
}

type bootstrapRaceResult struct {
	node    kbucket.Contact
	extIP   string
	extPort uint16
}

// raceBootstrap issues Bootstrap RPCs to every candidate concurrently and
// returns the first successful response.
func (n *Node) raceBootstrap(ctx context.Context, candidates []kbucket.Contact) (*bootstrapRaceResult, error) {
	resultCh := make(chan *bootstrapRaceResult, len(candidates))

	for _, c := range candidates {
		c := c
		go func() {
			resultCh <- n.tryBootstrap(ctx, c)
		}()
	}

	for i := 0; i < len(candidates); i++ {
		if r := <-resultCh; r != nil {
			return r, nil
		}
	}
	return nil, fmt.Errorf("bootstrap: no candidate responded out of %d", len(candidates))
}

func (n *Node) tryBootstrap(ctx context.Context, c kbucket.Contact) *bootstrapRaceResult {
	addr, err := contactAddr(c)
	if err != nil {
		return nil
	}

	args := bootstrapArgs{NewcomerID: n.id.Bytes()}
	if host, port, ok := splitHostPort(n.transport.LocalAddr()); ok {
		args.NewcomerLocalIP = host
		args.NewcomerLocalPort = port
	}

	rctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()
	respBytes, err := n.sendRPC(rctx, rpc.MethodBootstrap, addr, args)
	if err != nil {
		return nil
	}

	var res bootstrapResult
	if err := gobDecode(respBytes, &res); err != nil {
		return nil
	}
	bnID, err := nodeid.FromBytes(res.BootstrapID)
	if err != nil {
		return nil
	}
	bnContact := c
	bnContact.NodeID = bnID
	return &bootstrapRaceResult{node: bnContact, extIP: res.NewcomerExtIP, extPort: res.NewcomerExtPort}
}

// handleBootstrap answers a newcomer's Bootstrap request. The correlator
// has already rewritten NewcomerExtIP/Port with the observed sender
// address before this handler runs (see Node.rewriteBootstrapObservedAddress).
func (n *Node) handleBootstrap(argBytes []byte, senderAddr string) ([]byte, error) {
	var args bootstrapArgs
	if err := gobDecode(argBytes, &args); err != nil {
		return nil, err
	}

	newcomerID, err := nodeid.FromBytes(args.NewcomerID)
	if err != nil {
		return nil, err
	}
	n.addContact(kbucket.Contact{
		NodeID:    newcomerID,
		HostIP:    args.NewcomerExtIP,
		HostPort:  args.NewcomerExtPort,
		LocalIP:   args.NewcomerLocalIP,
		LocalPort: args.NewcomerLocalPort,
	})

	return gobEncode(bootstrapResult{
		BootstrapID:     n.id.Bytes(),
		NewcomerExtIP:   args.NewcomerExtIP,
		NewcomerExtPort: args.NewcomerExtPort,
		Result:          true,
	})
}

// detectNAT runs the three-party NAT test of spec.md §4.5 against
// bootstrapNode, which plays the role of "B". extIP/extPort are what B
// reported observing for this node (the newcomer, "A").
func (n *Node) detectNAT(ctx context.Context, bootstrapNode kbucket.Contact, extIP string, extPort uint16) (NATType, *kbucket.Contact, error) {
	self := kbucket.Contact{NodeID: n.id, HostIP: extIP, HostPort: extPort}

	bnAddr, err := contactAddr(bootstrapNode)
	if err != nil {
		return NATUnknown, nil, fmt.Errorf("resolve bootstrap node address: %w", err)
	}

	for _, testType := range []int{1, 2, 3} {
		args := natDetectionArgs{Type: testType, Newcomer: toWire(self), SenderID: n.id.Bytes()}
		rctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
		respBytes, err := n.sendRPC(rctx, methodNatDetection, bnAddr, args)
		cancel()
		if err != nil {
			continue
		}
		var res natDetectionResult
		if gobDecode(respBytes, &res) != nil || !res.Result {
			continue
		}
		switch testType {
		case 1:
			return NATDirect, nil, nil
		case 2, 3:
			rc := bootstrapNode
			return NATRestricted, &rc, nil
		}
	}

	if n.tryUPnP(ctx, extPort) {
		return NATDirect, nil, nil
	}
	return NATSymmetric, nil, fmt.Errorf("symmetric NAT detected and UPnP port mapping failed")
}

// handleNatDetection runs the bootstrap-node ("B") side of the three-party
// test: type 1 pings the newcomer directly; types 2 and 3 recruit a third
// peer ("C") to perform the direct ping or the rendezvous-relayed ping.
func (n *Node) handleNatDetection(argBytes []byte, senderAddr string) ([]byte, error) {
	var args natDetectionArgs
	if err := gobDecode(argBytes, &args); err != nil {
		return nil, err
	}
	newcomer, err := fromWire(args.Newcomer)
	if err != nil {
		return nil, err
	}

	switch args.Type {
	case 1:
		return gobEncode(natDetectionResult{Result: n.pingDirect(newcomer)})
	case 2:
		third, ok := n.randomOtherContact(newcomer.NodeID)
		if !ok {
			return gobEncode(natDetectionResult{Result: false})
		}
		return gobEncode(natDetectionResult{Result: n.askPeerToPingDirect(third, newcomer)})
	case 3:
		third, ok := n.randomOtherContact(newcomer.NodeID)
		if !ok {
			return gobEncode(natDetectionResult{Result: false})
		}
		return gobEncode(natDetectionResult{Result: n.askPeerToRendezvousPing(third, newcomer)})
	default:
		return nil, fmt.Errorf("nat detection: unsupported type %d", args.Type)
	}
}

// handleNatDetectionPing is the "C" side: ping Target directly, or, when
// Rendezvous is set, ask the local transport to relay the probe through
// Rendezvous (spec.md §4.5's "rendezvous-ping A via B" step).
func (n *Node) handleNatDetectionPing(argBytes []byte, senderAddr string) ([]byte, error) {
	var args natDetectionPingArgs
	if err := gobDecode(argBytes, &args); err != nil {
		return nil, err
	}
	target, err := fromWire(args.Target)
	if err != nil {
		return nil, err
	}

	if args.Rendezvous == nil {
		return gobEncode(natDetectionPingResult{Result: n.pingDirect(target)})
	}

	rendezvous, err := fromWire(*args.Rendezvous)
	if err != nil {
		return nil, err
	}
	rAddr, err := contactAddr(rendezvous)
	if err != nil {
		return nil, err
	}
	tAddr, err := contactAddr(target)
	if err != nil {
		return nil, err
	}
	ok, err := n.transport.RendezvousPing(rAddr, tAddr, n.cfg.RPCTimeout)
	if err != nil {
		ok = false
	}
	return gobEncode(natDetectionPingResult{Result: ok})
}

// handleRendezvousPingRelay serves the rendezvous ("B") role of
// transport.Transport.RendezvousPing: parse the probed target's address
// out of the packet, ping it directly, and echo a pong back to whoever
// asked if it answered.
func (n *Node) handleRendezvousPingRelay(packet *transport.Packet, addr net.Addr) error {
	targetAddr, err := net.ResolveUDPAddr("udp", string(packet.Data))
	if err != nil {
		return err
	}
	ok, err := n.pingRawAddr(targetAddr)
	if err != nil || !ok {
		return nil
	}
	return n.transport.Send(&transport.Packet{PacketType: transport.PacketRendezvousPong}, addr)
}

// pingRawAddr issues a bare Ping RPC to an arbitrary net.Addr, for the
// rendezvous-relay path where only a string address is known (no full
// Contact / NodeId).
func (n *Node) pingRawAddr(addr net.Addr) (bool, error) {
	ctx, cancel := n.rpcContext()
	defer cancel()
	respBytes, err := n.sendRPC(ctx, methodPing, addr, pingArgs{Sender: toWire(n.selfContact())})
	if err != nil {
		return false, err
	}
	var res pingResult
	if err := gobDecode(respBytes, &res); err != nil {
		return false, err
	}
	return res.Result, nil
}

// pingDirect issues a Ping RPC to target and reports whether it answered.
func (n *Node) pingDirect(target kbucket.Contact) bool {
	addr, err := contactAddr(target)
	if err != nil {
		return false
	}
	ok, err := n.pingRawAddr(addr)
	return err == nil && ok
}

// askPeerToPingDirect asks c to ping target directly on this node's
// behalf (the type-2 "C pings A" leg).
func (n *Node) askPeerToPingDirect(c kbucket.Contact, target kbucket.Contact) bool {
	addr, err := contactAddr(c)
	if err != nil {
		return false
	}
	args := natDetectionPingArgs{Target: toWire(target), SenderID: n.id.Bytes()}
	ctx, cancel := n.rpcContext()
	defer cancel()
	respBytes, err := n.sendRPC(ctx, methodNatDetectionPing, addr, args)
	if err != nil {
		return false
	}
	var res natDetectionPingResult
	return gobDecode(respBytes, &res) == nil && res.Result
}

// askPeerToRendezvousPing asks c to rendezvous-ping target via this node
// (the type-3 "C rendezvous-pings A via B" leg).
func (n *Node) askPeerToRendezvousPing(c kbucket.Contact, target kbucket.Contact) bool {
	addr, err := contactAddr(c)
	if err != nil {
		return false
	}
	self := toWire(n.selfContact())
	args := natDetectionPingArgs{Target: toWire(target), Rendezvous: &self, SenderID: n.id.Bytes()}
	ctx, cancel := n.rpcContext()
	defer cancel()
	respBytes, err := n.sendRPC(ctx, methodNatDetectionPing, addr, args)
	if err != nil {
		return false
	}
	var res natDetectionPingResult
	return gobDecode(respBytes, &res) == nil && res.Result
}

// randomOtherContact draws a pseudo-random known contact, excluding
// exclude and the node itself, by sampling the routing table around a
// random target key.
func (n *Node) randomOtherContact(exclude nodeid.ID) (kbucket.Contact, bool) {
	randKey, err := nodeid.Random()
	if err != nil {
		return kbucket.Contact{}, false
	}
	candidates := n.routing.FindCloseNodes(randKey, n.cfg.K, map[nodeid.ID]bool{exclude: true, n.id: true})
	if len(candidates) == 0 {
		return kbucket.Contact{}, false
	}
	idx, err := randIndex(len(candidates))
	if err != nil {
		idx = 0
	}
	return candidates[idx], true
}

func randIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("randIndex: n must be positive")
	}
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint64(b[:]) % uint64(n)), nil
}

// checkRendezvous pings the current rendezvous peer and, after
// RendezvousDeathLimit consecutive failures, marks the node offline and
// re-runs Join against the stored bootstrap list.
func (n *Node) checkRendezvous() {
	n.mu.Lock()
	rendezvous := n.rendezvous
	n.mu.Unlock()
	if rendezvous == nil {
		return
	}

	if n.pingDirect(*rendezvous) {
		n.mu.Lock()
		n.rendezvousFailure = 0
		n.mu.Unlock()
		return
	}

	n.mu.Lock()
	n.rendezvousFailure++
	failures := n.rendezvousFailure
	n.mu.Unlock()

	if failures < n.cfg.RendezvousDeathLimit {
		return
	}

	n.log.Warn("rendezvous peer presumed dead after consecutive failed pings, rejoining")
	n.mu.Lock()
	n.offline = true
	n.rendezvousFailure = 0
	n.mu.Unlock()
	go n.rejoin()
}

func (n *Node) rejoin() {
	contacts, err := n.loadBootstrapContacts()
	if err != nil || len(contacts) == 0 {
		n.log.Warn("rejoin skipped: no persisted bootstrap contacts")
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout*4)
	defer cancel()
	if err := n.Join(ctx, contacts); err != nil {
		n.log.WithFields(map[string]any{"error": err.Error()}).Error("rejoin failed")
	}
}

// tryUPnP attempts a UPnP port mapping for extPort as the type-3 fallback
// of spec.md §4.5. Returns false on any discovery or mapping failure.
func (n *Node) tryUPnP(ctx context.Context, extPort uint16) bool {
	client := transport.NewUPnPClient()
	if err := client.DiscoverGateway(ctx); err != nil {
		return false
	}
	mapping := transport.UPnPMapping{
		InternalPort: int(n.selfHostPort),
		ExternalPort: int(extPort),
		InternalIP:   n.selfHostIP,
		Protocol:     "UDP",
		Description:  "kadcore dht",
	}
	return client.AddPortMapping(ctx, mapping) == nil
}

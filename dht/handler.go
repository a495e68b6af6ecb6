package dht

import (
	"encoding/hex"
	"net"

	"github.com/opd-ai/kadcore/kbucket"
	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/rpc"
)

// registerRPCHandlers wires every spec.md §4.8 service handler into the
// correlator under serviceName.
func (n *Node) registerRPCHandlers() {
	n.correlator.RegisterHandler(serviceName, methodPing, n.handlePing)
	n.correlator.RegisterHandler(serviceName, methodFindNode, n.handleFind)
	n.correlator.RegisterHandler(serviceName, methodFindValue, n.handleFind)
	n.correlator.RegisterHandler(serviceName, methodStore, n.handleStore)
	n.correlator.RegisterHandler(serviceName, methodDownlist, n.handleDownlist)
	n.correlator.RegisterHandler(serviceName, rpc.MethodBootstrap, n.handleBootstrap)
	n.correlator.RegisterHandler(serviceName, methodNatDetection, n.handleNatDetection)
	n.correlator.RegisterHandler(serviceName, methodNatDetectionPing, n.handleNatDetectionPing)
}

// touchSender adds the sender of a well-formed inbound request to the
// routing table (no RTT is recorded for it), folding senderAddr's
// host:port into the contact if it didn't advertise one.
func (n *Node) touchSender(w contactWire, senderAddr string) {
	c, err := fromWire(w)
	if err != nil {
		return
	}
	if c.HostIP == "" {
		if host, port, ok := splitHostPort(addrFromString(senderAddr)); ok {
			c.HostIP = host
			c.HostPort = port
		}
	}
	n.addContact(c)
}

func addrFromString(s string) net.Addr {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return nil
	}
	return addr
}

// handlePing answers any well-formed Ping with an echo/pong.
func (n *Node) handlePing(argBytes []byte, senderAddr string) ([]byte, error) {
	var args pingArgs
	if err := gobDecode(argBytes, &args); err != nil {
		return nil, err
	}
	n.touchSender(args.Sender, senderAddr)
	return gobEncode(pingResult{Echo: "pong", Result: true, NodeID: n.id.Bytes()})
}

// handleFind serves both FindNode and FindValue (spec.md §4.8): FindValue
// first consults the local DataStore, falling through to FindNode
// behaviour when nothing is stored for the key.
func (n *Node) handleFind(argBytes []byte, senderAddr string) ([]byte, error) {
	var args findArgs
	if err := gobDecode(argBytes, &args); err != nil {
		return nil, err
	}
	n.touchSender(args.Sender, senderAddr)

	key, err := nodeid.FromBytes(args.Key)
	if err != nil {
		return nil, err
	}

	if args.WantValue {
		if values := n.data.Load(key); len(values) > 0 {
			return gobEncode(findResult{Result: true, Values: values, NodeID: n.id.Bytes()})
		}
	}

	exclude := map[nodeid.ID]bool{}
	if sender, err := fromWire(args.Sender); err == nil {
		exclude[sender.NodeID] = true
	}
	closest := n.routing.FindCloseNodes(key, n.cfg.K, exclude)
	if exact, ok := n.routing.GetContact(key); ok {
		found := false
		for _, c := range closest {
			if c.NodeID.Equal(exact.NodeID) {
				found = true
				break
			}
		}
		if !found {
			closest = append(closest, exact)
		}
	}
	return gobEncode(findResult{Result: true, ClosestNodes: toWireSlice(closest), NodeID: n.id.Bytes()})
}

// handleStore validates the request's authentication (the anonymous
// sentinel, or a real signature checked against a supplied public key) and
// then stores or refreshes the value per the Publish flag.
func (n *Node) handleStore(argBytes []byte, senderAddr string) ([]byte, error) {
	var args storeArgs
	if err := gobDecode(argBytes, &args); err != nil {
		return nil, err
	}
	n.touchSender(args.Sender, senderAddr)

	if !n.validateStoreAuth(args) {
		return gobEncode(storeResult{Result: false, NodeID: n.id.Bytes()})
	}

	key, err := nodeid.FromBytes(args.Key)
	if err != nil {
		return nil, err
	}

	var ok bool
	if args.Publish {
		ok = n.data.Store(key, args.Value, args.TTL)
	} else {
		ok = n.data.Refresh(key, args.Value)
		if !ok {
			ok = n.data.Store(key, args.Value, args.TTL)
		}
	}
	return gobEncode(storeResult{Result: ok, NodeID: n.id.Bytes()})
}

// validateStoreAuth implements spec.md §4.8's Store authentication: the
// well-known anonymous sentinel is always accepted; anything else must
// verify against the caller-supplied public key.
func (n *Node) validateStoreAuth(args storeArgs) bool {
	if args.SignedRequest == rpc.AnonymousSignatureSentinel {
		return true
	}
	if n.verifier == nil || len(args.PublicKey) != 32 {
		return false
	}
	sigBytes, err := hex.DecodeString(args.SignedRequest)
	if err != nil || len(sigBytes) == 0 {
		return false
	}
	var sig [64]byte
	copy(sig[:], sigBytes)
	var pub [32]byte
	copy(pub[:], args.PublicKey)
	message := append(append([]byte{}, args.Key...), args.Value...)
	ok, err := n.verifier.Verify(message, sig, pub)
	return err == nil && ok
}

// handleDownlist pings each advertised-dead contact and force-removes it
// from the routing table if the ping fails (spec.md §4.8).
func (n *Node) handleDownlist(argBytes []byte, senderAddr string) ([]byte, error) {
	var args downlistArgs
	if err := gobDecode(argBytes, &args); err != nil {
		return nil, err
	}
	n.touchSender(args.Sender, senderAddr)

	for _, w := range args.Dead {
		candidate, err := fromWire(w)
		if err != nil {
			continue
		}
		go n.verifyAndEvict(candidate)
	}
	return gobEncode(downlistResult{Result: true})
}

func (n *Node) verifyAndEvict(candidate kbucket.Contact) {
	if !n.pingDirect(candidate) {
		n.routing.RemoveContact(candidate.NodeID, true)
	}
}

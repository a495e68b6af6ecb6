package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/kadcore/crypto"
	"github.com/opd-ai/kadcore/kbucket"
	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/rpc"
	"github.com/opd-ai/kadcore/store"
	"github.com/opd-ai/kadcore/timeutil"
	"github.com/opd-ai/kadcore/transport"
)

// NATType is the three-party NAT classification of spec.md §4.5.
type NATType int

const (
	NATUnknown NATType = iota
	NATDirect
	NATRestricted
	NATSymmetric
)

func (t NATType) String() string {
	switch t {
	case NATDirect:
		return "direct"
	case NATRestricted:
		return "restricted"
	case NATSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// Config holds the node-wide tunables of spec.md §6. K must be consistent
// across a network; the rest may vary per node.
type Config struct {
	K                      int
	Alpha                  int
	Beta                   int
	RPCTimeout             time.Duration
	RefreshInterval        time.Duration
	RepublishInterval      time.Duration
	MinStoreSuccessRatio   float64
	FailedRPCTolerance     int
	RendezvousPingInterval time.Duration
	RendezvousDeathLimit   int
	MaxBootstrapContacts   int
}

// DefaultConfig returns spec.md §6's literal defaults.
func DefaultConfig() Config {
	return Config{
		K:                      20,
		Alpha:                  3,
		Beta:                   1,
		RPCTimeout:             10 * time.Second,
		RefreshInterval:        time.Hour,
		RepublishInterval:      12 * time.Hour,
		MinStoreSuccessRatio:   0.75,
		FailedRPCTolerance:     0,
		RendezvousPingInterval: 8 * time.Second,
		RendezvousDeathLimit:   3,
		MaxBootstrapContacts:   10000,
	}
}

// expireInterval is republish_interval + refresh_interval + 300s (spec.md §6).
func (c Config) expireInterval() time.Duration {
	return c.RepublishInterval + c.RefreshInterval + 300*time.Second
}

// admissionCandidate is one item in the bounded admission queue of spec.md
// §4.9: a contact that a full, non-holder bucket refused and that needs a
// liveness check against the bucket's LRU entry before either side wins.
type admissionCandidate struct {
	bucketIndex int
	contact     kbucket.Contact
}

// Node orchestrates bootstrap and NAT detection, iterative lookups, STORE
// dissemination, local refresh/republish timers, dead-rendezvous recovery,
// and the bounded contact-admission worker.
type Node struct {
	mu sync.Mutex

	id  nodeid.ID
	cfg Config

	transport  transport.Transport
	correlator *rpc.Correlator
	routing    *kbucket.RoutingTable
	data       *store.DataStore
	signer     crypto.Signer
	verifier   crypto.Verifier
	tp         timeutil.TimeProvider

	selfHostIP   string
	selfHostPort uint16

	natType           NATType
	rendezvous        *kbucket.Contact
	rendezvousFailure int
	offline           bool

	bootstrapPath string

	admissionQueue chan admissionCandidate

	ctx       context.Context
	cancel    context.CancelFunc
	leaveOnce sync.Once
	wg        sync.WaitGroup

	log *logrus.Entry
}

// New constructs a Node bound to t for wire I/O, authenticating STORE
// requests with signer/verifier, and persisting its bootstrap snapshot at
// bootstrapPath (see bootstrapfile.Store's Load/Save). The node registers its RPC
// handlers and starts its background workers immediately; callers still
// need to call Join to actually enter a network.
func New(id nodeid.ID, cfg Config, t transport.Transport, signer crypto.Signer, verifier crypto.Verifier, bootstrapPath string) *Node {
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		id:             id,
		cfg:            cfg,
		transport:      t,
		correlator:     rpc.NewCorrelator(),
		routing:        kbucket.New(id, cfg.K),
		data:           store.New(Sha512Hasher{}),
		signer:         signer,
		verifier:       verifier,
		tp:             timeutil.Default(),
		bootstrapPath:  bootstrapPath,
		admissionQueue: make(chan admissionCandidate, 256),
		ctx:            ctx,
		cancel:         cancel,
		log: logrus.WithFields(logrus.Fields{
			"package": "dht",
			"node_id": id.String()[:16],
		}),
	}

	if host, port, ok := splitHostPort(t.LocalAddr()); ok {
		n.selfHostIP = host
		n.selfHostPort = port
	}

	n.registerTransportHandlers()
	n.registerRPCHandlers()
	n.correlator.SetBootstrapAddressRewriter(n.rewriteBootstrapObservedAddress)

	n.wg.Add(2)
	go n.admissionWorker()
	go n.maintenanceLoop()

	return n
}

// SetTimeProvider overrides the clock of the node, its routing table, data
// store and correlator, for deterministic testing. The routing table's
// individual KBuckets keep their own clock.
func (n *Node) SetTimeProvider(tp timeutil.TimeProvider) {
	n.mu.Lock()
	n.tp = tp
	n.mu.Unlock()
	n.routing.SetTimeProvider(tp)
	n.data.SetTimeProvider(tp)
	n.correlator.SetTimeProvider(tp)
}

// ID returns the node's own NodeId.
func (n *Node) ID() nodeid.ID { return n.id }

// RoutingTable exposes the owned routing table, mainly for tests and
// diagnostics.
func (n *Node) RoutingTable() *kbucket.RoutingTable { return n.routing }

// DataStore exposes the owned data store, mainly for tests and diagnostics.
func (n *Node) DataStore() *store.DataStore { return n.data }

// selfContact builds this node's own ContactInfo as currently known
// (before any externally observed address has been learned, HostIP/Port
// reflect the local bind address).
func (n *Node) selfContact() kbucket.Contact {
	n.mu.Lock()
	defer n.mu.Unlock()
	return kbucket.Contact{
		NodeID:   n.id,
		HostIP:   n.selfHostIP,
		HostPort: n.selfHostPort,
		LastSeen: n.tp.Now(),
	}
}

// addContact runs a routing-table insertion and, on a Full rejection for a
// bucket other than the holder's, enqueues a liveness-check admission
// candidate per spec.md §4.9 rather than blocking the caller.
func (n *Node) addContact(c kbucket.Contact) {
	if c.NodeID.Equal(n.id) {
		return
	}
	outcome := n.routing.AddContact(c)
	if outcome == kbucket.AddRejected {
		idx := n.routing.BucketIndexFor(c.NodeID)
		select {
		case n.admissionQueue <- admissionCandidate{bucketIndex: idx, contact: c}:
		default:
			n.log.Debug("admission queue full, dropping candidate")
		}
	}
}

// Leave cancels all timers, drains in-flight RPCs, flushes the bootstrap
// snapshot, and clears the routing table (spec.md §5). A second call is a
// no-op.
func (n *Node) Leave() error {
	var err error
	n.leaveOnce.Do(func() {
		n.cancel()
		n.correlator.CancelAll()
		err = n.saveBootstrapSnapshot()
		n.wg.Wait()
		for {
			contacts := n.routing.FindCloseNodes(n.id, 64, nil)
			if len(contacts) == 0 {
				break
			}
			for _, c := range contacts {
				n.routing.RemoveContact(c.NodeID, true)
			}
		}
	})
	return err
}

// registerTransportHandlers wires every RPC request/response packet type
// to the shared envelope-dispatch path.
func (n *Node) registerTransportHandlers() {
	seen := make(map[transport.PacketType]bool)
	for _, pt := range requestPacketType {
		if seen[pt] {
			continue
		}
		seen[pt] = true
		n.transport.RegisterHandler(pt, n.handleIncomingPacket)
	}
	for _, pt := range responsePacketType {
		if seen[pt] {
			continue
		}
		seen[pt] = true
		n.transport.RegisterHandler(pt, n.handleIncomingPacket)
	}
	n.transport.RegisterHandler(transport.PacketRendezvousPing, n.handleRendezvousPingRelay)
}

// handleIncomingPacket decodes the envelope carried by packet and routes
// it through the correlator: responses complete a PendingRequest, requests
// are handed to their registered handler and the result wrapped back into
// a response envelope and sent to addr.
func (n *Node) handleIncomingPacket(packet *transport.Packet, addr net.Addr) error {
	var env rpc.Envelope
	if err := gobDecode(packet.Data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	respBytes, err := n.correlator.Dispatch(env, addr.String())
	if env.RPCType == rpc.Response {
		return err
	}
	if err != nil {
		n.log.WithFields(logrus.Fields{
			"method": env.Method,
			"error":  err.Error(),
		}).Debug("request dispatch failed")
		return err
	}

	respEnv := rpc.Envelope{
		RPCType:   rpc.Response,
		MessageID: env.MessageID,
		Service:   env.Service,
		Method:    env.Method,
		Args:      respBytes,
	}
	data, err := gobEncode(respEnv)
	if err != nil {
		return fmt.Errorf("encode response envelope: %w", err)
	}
	pt, ok := responsePacketType[env.Method]
	if !ok {
		return fmt.Errorf("no response packet type registered for method %q", env.Method)
	}
	return n.transport.Send(&transport.Packet{PacketType: pt, Data: data}, addr)
}

// rewriteBootstrapObservedAddress implements spec.md §4.4's special case:
// the correlator fills the newcomer's externally observed address into a
// Bootstrap request before handing it to the handler.
func (n *Node) rewriteBootstrapObservedAddress(args []byte, observedAddr string) []byte {
	var a bootstrapArgs
	if err := gobDecode(args, &a); err != nil {
		return args
	}
	host, portStr, err := net.SplitHostPort(observedAddr)
	if err != nil {
		return args
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return args
	}
	a.NewcomerExtIP = host
	a.NewcomerExtPort = port
	rewritten, err := gobEncode(a)
	if err != nil {
		return args
	}
	return rewritten
}

// sendRPC marshals args, registers a PendingRequest, sends the request
// envelope to addr over the transport, and blocks for the result or
// ctx cancellation.
func (n *Node) sendRPC(ctx context.Context, method string, addr net.Addr, args any) ([]byte, error) {
	argBytes, err := gobEncode(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", method, err)
	}

	resultCh := make(chan rpc.Result, 1)
	pr := n.correlator.Send(method, n.cfg.RPCTimeout, func(r rpc.Result) {
		resultCh <- r
	})

	env := rpc.Envelope{
		RPCType:   rpc.Request,
		MessageID: pr.RequestID,
		Service:   serviceName,
		Method:    method,
		Args:      argBytes,
	}
	data, err := gobEncode(env)
	if err != nil {
		n.correlator.Cancel(pr.RequestID)
		return nil, fmt.Errorf("encode %s envelope: %w", method, err)
	}

	pt := requestPacketType[method]
	if err := n.transport.Send(&transport.Packet{PacketType: pt, Data: data}, addr); err != nil {
		n.correlator.Fail(pr.RequestID, rpc.ErrPeerUnreachable)
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.Data, res.Err
	case <-ctx.Done():
		n.correlator.Cancel(pr.RequestID)
		return nil, ctx.Err()
	}
}

// rpcContext derives a timeout context from the node's lifetime context,
// for background operations (admission pings, downlist verification) that
// aren't driven by an existing request context.
func (n *Node) rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
}

// contactAddr resolves a Contact's directly-dialable net.Addr. Routing a
// request through a contact's rendezvous peer is not attempted here: the
// included transport implementations only relay the rendezvous liveness
// keep-alive (transport.Transport.RendezvousPing), not arbitrary RPC
// traffic, so a restricted contact is only reachable while its advertised
// host address happens to still accept inbound traffic (e.g. during the
// brief window of a NAT detection probe). See DESIGN.md.
func contactAddr(c kbucket.Contact) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(c.HostIP, fmt.Sprintf("%d", c.HostPort)))
}

func splitHostPort(addr net.Addr) (string, uint16, bool) {
	if addr == nil {
		return "", 0, false
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", 0, false
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, false
	}
	return host, port, true
}

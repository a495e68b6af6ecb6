package dht

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/opd-ai/kadcore/kbucket"
	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/rpc"
	"github.com/opd-ai/kadcore/transport"
)

// serviceName is the rpc.Correlator service namespace every DHT RPC
// handler registers under.
const serviceName = "DHT"

// Method names (spec.md §4.8); rpc.MethodBootstrap covers Bootstrap itself.
const (
	methodPing             = "Ping"
	methodFindNode         = "FindNode"
	methodFindValue        = "FindValue"
	methodStore            = "Store"
	methodDownlist         = "Downlist"
	methodNatDetection     = "NatDetection"
	methodNatDetectionPing = "NatDetectionPing"
)

// requestPacketType and responsePacketType map an RPC method name to the
// transport.PacketType that frames it on the wire, mirroring spec.md §6's
// message catalogue onto the packet types transport/packet.go defines.
var requestPacketType = map[string]transport.PacketType{
	methodPing:             transport.PacketPingRequest,
	methodFindNode:         transport.PacketFindNodeRequest,
	methodFindValue:        transport.PacketFindValueRequest,
	methodStore:            transport.PacketStoreRequest,
	methodDownlist:         transport.PacketDownlistRequest,
	rpc.MethodBootstrap:    transport.PacketBootstrapRequest,
	methodNatDetection:     transport.PacketNatDetectionRequest,
	methodNatDetectionPing: transport.PacketNatDetectionPingRequest,
}

var responsePacketType = map[string]transport.PacketType{
	methodPing:             transport.PacketPingResponse,
	methodFindNode:         transport.PacketFindNodeResponse,
	methodFindValue:        transport.PacketFindValueResponse,
	methodStore:            transport.PacketStoreResponse,
	methodDownlist:         transport.PacketDownlistResponse,
	rpc.MethodBootstrap:    transport.PacketBootstrapResponse,
	methodNatDetection:     transport.PacketNatDetectionResponse,
	methodNatDetectionPing: transport.PacketNatDetectionPingResponse,
}

// contactWire is the gob-friendly wire form of kbucket.Contact (spec.md
// §6's ContactInfo). Fixed-width arrays don't gob-encode as cleanly as
// byte slices, so NodeID travels as raw bytes.
type contactWire struct {
	NodeID         []byte
	HostIP         string
	HostPort       uint16
	LocalIP        string
	LocalPort      uint16
	RendezvousIP   string
	RendezvousPort uint16
}

func toWire(c kbucket.Contact) contactWire {
	return contactWire{
		NodeID:         c.NodeID.Bytes(),
		HostIP:         c.HostIP,
		HostPort:       c.HostPort,
		LocalIP:        c.LocalIP,
		LocalPort:      c.LocalPort,
		RendezvousIP:   c.RendezvousIP,
		RendezvousPort: c.RendezvousPort,
	}
}

func fromWire(w contactWire) (kbucket.Contact, error) {
	id, err := nodeid.FromBytes(w.NodeID)
	if err != nil {
		return kbucket.Contact{}, err
	}
	return kbucket.Contact{
		NodeID:         id,
		HostIP:         w.HostIP,
		HostPort:       w.HostPort,
		LocalIP:        w.LocalIP,
		LocalPort:      w.LocalPort,
		RendezvousIP:   w.RendezvousIP,
		RendezvousPort: w.RendezvousPort,
	}, nil
}

func toWireSlice(contacts []kbucket.Contact) []contactWire {
	out := make([]contactWire, len(contacts))
	for i, c := range contacts {
		out[i] = toWire(c)
	}
	return out
}

func fromWireSlice(wire []contactWire) []kbucket.Contact {
	out := make([]kbucket.Contact, 0, len(wire))
	for _, w := range wire {
		c, err := fromWire(w)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// pingArgs/pingResult implement spec.md §6's PingRequest/PingResponse.
type pingArgs struct {
	Sender contactWire
}

type pingResult struct {
	Echo   string
	Result bool
	NodeID []byte
}

// findArgs/findResult implement FindRequest/FindResponse; WantValue
// selects FindValue semantics (DataStore lookup before falling back to
// closest-nodes) over plain FindNode.
type findArgs struct {
	Key       []byte
	Sender    contactWire
	WantValue bool
}

type findResult struct {
	Result            bool
	ClosestNodes      []contactWire
	Values            [][]byte
	AlternativeHolder *contactWire
	NodeID            []byte
}

// storeArgs/storeResult implement StoreRequest/StoreResponse.
type storeArgs struct {
	Key           []byte
	Value         []byte
	TTL           time.Duration
	Publish       bool
	Sender        contactWire
	PublicKey     []byte
	SignedRequest string
}

type storeResult struct {
	Result bool
	NodeID []byte
}

// downlistArgs/downlistResult implement DownlistRequest/DownlistResponse.
type downlistArgs struct {
	Sender contactWire
	Dead   []contactWire
}

type downlistResult struct {
	Result bool
}

// bootstrapArgs/bootstrapResult implement BootstrapRequest/BootstrapResponse.
type bootstrapArgs struct {
	NewcomerID        []byte
	NewcomerLocalIP   string
	NewcomerLocalPort uint16
	NewcomerExtIP     string
	NewcomerExtPort   uint16
}

type bootstrapResult struct {
	BootstrapID     []byte
	NewcomerExtIP   string
	NewcomerExtPort uint16
	NatType         int
	Result          bool
}

// natDetectionArgs/natDetectionResult implement NatDetectionRequest and
// its response (spec.md §4.5's step in which newcomer A asks its bootstrap
// node B for a NAT check).
type natDetectionArgs struct {
	Type          int
	Newcomer      contactWire
	BootstrapNode contactWire
	SenderID      []byte
}

type natDetectionResult struct {
	Result bool
}

// natDetectionPingArgs/natDetectionPingResult implement the direct-ping
// leg of the three-party test (C or B pinging A's observed address).
// Rendezvous is nil for a direct ping of Target; when set, the recipient
// relays the probe to Target via Rendezvous instead (spec.md §4.5's
// "B asks C to rendezvous-ping A via B" step).
type natDetectionPingArgs struct {
	Target     contactWire
	Rendezvous *contactWire
	SenderID   []byte
}

type natDetectionPingResult struct {
	Result bool
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

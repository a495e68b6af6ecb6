// Package transport provides the network transport implementations the
// DHT core consumes through the Transport interface: connection
// establishment, size-prefixed framing, peer-address exposure, and a
// rendezvous-ping keep-alive. The core's UDT-specific implementation
// details are deliberately not mandated; this package supplies UDP and
// TCP instead.
//
// # Architecture
//
// The transport layer abstracts network I/O for the dht package. It
// follows Go's interface-based design with net.Addr, net.Conn,
// net.PacketConn, and net.Listener used throughout (no concrete types
// like *net.UDPAddr).
//
//	type Transport interface {
//	    Send(packet *Packet, addr net.Addr) error
//	    Close() error
//	    LocalAddr() net.Addr
//	    RegisterHandler(packetType PacketType, handler PacketHandler)
//	    RendezvousPing(rendezvous, target net.Addr, timeout time.Duration) (bool, error)
//	}
//
// # Transport Implementations
//
// UDP Transport:
//
//	transport, err := NewUDPTransport(":33445")
//	// Connectionless, low-latency; a request whose datagram is lost
//	// times out in the rpc package and is not resent.
//
// TCP Transport:
//
//	transport, err := NewTCPTransport(":33445")
//	// Connection-oriented, reliable delivery with length-prefixed
//	// framing; carries the rendezvous keep-alive relay.
//
// # UPnP Fallback
//
// UPnPClient performs SSDP discovery and port mapping for nodes that
// detect themselves behind a type-3 (symmetric) NAT and have no
// reachable rendezvous.
//
// # Packet Types
//
// Packet types mirror the RPC methods named in spec.md §6 plus the
// rendezvous keep-alive; see packet.go.
//
// # Thread Safety
//
// All transport implementations use sync.RWMutex/sync.Mutex for
// concurrent access safety. Handler maps and connection tables are
// protected from data races.
package transport

// Package transport implements network transport layers for the DHT core.
// This file provides a TCP-based transport with persistent connection
// management and length-prefixed stream framing.
//
// TCP is the transport of choice when reliability is prioritized over
// latency: connection establishment to a freshly dialed peer, and the
// rendezvous keep-alive relay for nodes behind a restricted NAT.
//
// Example usage:
//
//	transport, err := NewTCPTransport(":33445")
//	if err != nil {
//	    panic(err)
//	}
//	defer transport.Close()

package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// TCPTransport implements TCP-based communication.
// This structure provides a complete TCP transport layer that satisfies the
// Transport interface. It manages persistent client connections, handles
// connection acceptance, and processes packets over reliable streams.
//
// The transport maintains active client connections and automatically
// handles connection lifecycle including cleanup of disconnected clients.
// It provides stream framing to maintain packet boundaries over TCP.
//
type TCPTransport struct {
	listener   net.Listener                 // TCP listener for incoming connections
	listenAddr net.Addr                     // Local listening address
	handlers   map[PacketType]PacketHandler // Packet type to handler mappings
	clients    map[string]net.Conn          // Active client connections by address
	mu         sync.RWMutex                 // Protects clients map and handlers
	ctx        context.Context              // Context for graceful shutdown
	cancel     context.CancelFunc           // Cancel function for shutdown
}

// NewTCPTransport creates and initializes a new TCP transport listener.
// This function sets up a TCP listener on the specified address and starts
// the connection acceptance loop in a separate goroutine. The transport
// manages persistent connections and handles stream framing automatically.
//
// Parameters:
//   - listenAddr: The address to bind the TCP listener to (e.g., ":33445", "0.0.0.0:33445")
//
// Returns a Transport interface implementation and any error encountered.
//
func NewTCPTransport(listenAddr string) (Transport, error) {
	// Create TCP listener on specified address
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	transport := &TCPTransport{
		listener:   listener,
		listenAddr: listener.Addr(), // Store actual listening address
		handlers:   make(map[PacketType]PacketHandler),
		clients:    make(map[string]net.Conn), // Initialize client connection map
		ctx:        ctx,
		cancel:     cancel,
	}

	// Start connection acceptance loop in background goroutine
	go transport.acceptConnections()

	return transport, nil
}

// RegisterHandler registers a packet handler for a specific packet type.
// This method associates a PacketHandler function with a particular PacketType,
// enabling automatic routing of incoming packets from TCP streams.
// Handlers are called concurrently in separate goroutines.
//
// Thread safety: This method uses write locking to safely modify the handlers map.
//
// Parameters:
//   - packetType: The PacketType to handle
//   - handler: The PacketHandler function to process packets of this type
func (t *TCPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[packetType] = handler // Store handler with thread safety
}

// Send transmits a packet to the specified address over a TCP connection.
// This method manages TCP connections automatically, establishing new connections
// as needed and reusing existing ones. It uses stream framing with length prefixes
// to maintain packet boundaries over the TCP stream.
//
// The method handles connection lifecycle including cleanup on errors and
// concurrent access to the client connection map.
//
// Parameters:
//   - packet: The Packet to send
//   - addr: The destination network address
//
// Returns an error if connection establishment, serialization, or transmission fails.
func (t *TCPTransport) Send(packet *Packet, addr net.Addr) error {
	// Check for existing connection with read lock
	t.mu.RLock()
	conn, exists := t.clients[addr.String()]
	t.mu.RUnlock()

	if !exists {
		// Establish new connection if none exists
		var err error
		conn, err = net.Dial("tcp", addr.String())
		if err != nil {
			return err
		}

		// Store new connection in client map with write lock
		t.mu.Lock()
		t.clients[addr.String()] = conn
		t.mu.Unlock()

		// Start handling incoming data from this connection
		go t.handleConnection(conn)
	}

	// Serialize packet to binary format
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	// Create length prefix for stream framing (4 bytes big-endian)
	prefix := make([]byte, 4)
	prefix[0] = byte(len(data) >> 24)
	prefix[1] = byte(len(data) >> 16)
	prefix[2] = byte(len(data) >> 8)
	prefix[3] = byte(len(data))

	// Set write deadline to prevent hanging
	err = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err != nil {
		return err
	}

	// Write length prefix first
	_, err = conn.Write(prefix)
	if err != nil {
		// Clean up connection on write error
		t.mu.Lock()
		delete(t.clients, addr.String())
		t.mu.Unlock()
		conn.Close()
		return err
	}

	// Write packet data
	_, err = conn.Write(data)
	if err != nil {
		// Clean up connection on write error
		t.mu.Lock()
		delete(t.clients, addr.String())
		t.mu.Unlock()
		conn.Close()
		return err
	}

	return nil
}

// Close shuts down the TCP transport and releases all resources.
// This method cancels the context to stop accepting new connections,
// closes all active client connections, and shuts down the listener.
// After calling Close, the transport should not be used further.
//
// Returns an error if the listener close operation fails.
func (t *TCPTransport) Close() error {
	t.cancel() // Cancel context to stop connection acceptance

	// Close all active client connections
	t.mu.Lock()
	for _, conn := range t.clients {
		conn.Close()
	}
	t.mu.Unlock()

	return t.listener.Close()
}

// LocalAddr returns the local network address the transport is listening on.
// This method provides access to the actual address bound by the TCP listener,
// which may differ from the requested address (e.g., when binding to ":0"
// results in an automatically assigned port).
//
// Returns the local network address of the TCP listener.
func (t *TCPTransport) LocalAddr() net.Addr {
	return t.listenAddr // Return stored listening address
}

// RendezvousPing sends a PacketRendezvousPing naming target to rendezvous
// over its persistent TCP connection and waits up to timeout for a
// matching PacketRendezvousPong echoed back. The three-party NAT test's
// relayed probe uses it; the dead-rendezvous check pings the rendezvous
// peer directly instead.
func (t *TCPTransport) RendezvousPing(rendezvous, target net.Addr, timeout time.Duration) (bool, error) {
	packet := &Packet{PacketType: PacketRendezvousPing, Data: []byte(target.String())}
	if err := t.Send(packet, rendezvous); err != nil {
		return false, err
	}

	result := make(chan struct{}, 1)
	t.RegisterHandler(PacketRendezvousPong, func(p *Packet, addr net.Addr) error {
		select {
		case result <- struct{}{}:
		default:
		}
		return nil
	})

	select {
	case <-result:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	}
}

// acceptConnections runs the main connection acceptance loop for the TCP transport.
// This method continuously accepts incoming connections and spawns goroutines
// to handle each connection. It runs until the context is cancelled during
// transport shutdown, providing graceful termination of the acceptance loop.
//
// Each accepted connection is handled in a separate goroutine to maintain
// high concurrency and prevent blocking on slow connections.
func (t *TCPTransport) acceptConnections() {
	for {
		select {
		case <-t.ctx.Done():
			return // Exit loop when context is cancelled
		default:
			conn, err := t.listener.Accept()
			if err != nil {
				continue // Accept errors are dropped; keep accepting
			}

			// Handle each connection in separate goroutine for concurrency
			go t.handleConnection(conn)
		}
	}
}

// handleConnection processes data from a single TCP connection.
// This method manages the complete lifecycle of a TCP connection including
// client registration, stream reading with framing, packet parsing, and
// cleanup. It reads length-prefixed packets from the TCP stream and
// dispatches them to appropriate handlers.
//
// The method handles stream framing by reading a 4-byte length prefix
// followed by the packet data, ensuring proper packet boundaries over
// the TCP stream. Connection cleanup is performed automatically on
// errors or when the connection is closed.
//
// Parameters:
//   - conn: The TCP connection to handle
func (t *TCPTransport) handleConnection(conn net.Conn) {
	defer conn.Close() // Ensure connection is closed on function exit

	addr := conn.RemoteAddr()

	// Register connection in client map
	t.mu.Lock()
	t.clients[addr.String()] = conn
	t.mu.Unlock()

	// Ensure connection cleanup on function exit
	defer func() {
		t.mu.Lock()
		delete(t.clients, addr.String())
		t.mu.Unlock()
	}()

	// Read packets in a loop with stream framing
	header := make([]byte, 4) // Buffer for length prefix
	for {
		// Read 4-byte length prefix for stream framing
		_, err := io.ReadFull(conn, header)
		if err != nil {
			return // Connection closed or read error
		}

		// Decode length from big-endian 4-byte prefix
		length := (uint32(header[0]) << 24) |
			(uint32(header[1]) << 16) |
			(uint32(header[2]) << 8) |
			uint32(header[3])

		// Read packet data based on length prefix
		data := make([]byte, length)
		_, err = io.ReadFull(conn, data)
		if err != nil {
			return // Read error or connection closed
		}

		// Parse packet from received data
		packet, err := ParsePacket(data)
		if err != nil {
			continue // Skip malformed packets and continue processing
		}

		// Find and invoke appropriate handler for packet type
		t.mu.RLock()
		handler, exists := t.handlers[packet.PacketType]
		t.mu.RUnlock()

		if exists {
			// Handle packet in separate goroutine with error handling
			go func(p *Packet, a net.Addr) {
				if err := handler(p, a); err != nil {
					// Handler errors are dropped
				}
			}(packet, addr)
		}
	}
}

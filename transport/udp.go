// Package transport implements network transport layers for the DHT core.
// This file provides a UDP-based transport implementation with packet
// handling, concurrent processing, and context-based lifecycle management.
//
// UDP is the primary transport for DHT RPCs, where low latency is
// prioritized over reliability — a request whose datagram is dropped
// times out in the rpc package's correlator; it is not resent.
//
// Example usage:
//
//	transport, err := NewUDPTransport(":33445")
//	if err != nil {
//	    panic(err)
//	}
//	defer transport.Close()
//
//	transport.RegisterHandler(PacketPingRequest, func(packet *Packet, addr net.Addr) error {
//	    return nil
//	})

package transport

import (
	"context"
	"net"
	"sync"
	"time"
)

// UDPTransport implements UDP-based communication. It satisfies the
// Transport interface, maintaining a packet processing loop that
// continuously reads from the UDP socket and dispatches packets to
// registered handlers based on packet type.
type UDPTransport struct {
	conn       net.PacketConn               // UDP connection using interface type for flexibility
	listenAddr net.Addr                     // Local address (interface type instead of concrete)
	handlers   map[PacketType]PacketHandler // Packet type to handler mappings
	mu         sync.RWMutex                 // Protects handlers map for concurrent access
	ctx        context.Context              // Context for graceful shutdown
	cancel     context.CancelFunc           // Cancel function for shutdown
}

// NewUDPTransport creates and initializes a new UDP transport listener.
// This function sets up a UDP socket on the specified address and starts
// the packet processing loop in a separate goroutine. The transport is
// immediately ready to receive and handle packets after creation.
//
// Parameters:
//   - listenAddr: The address to bind the UDP socket to (e.g., ":33445", "0.0.0.0:33445")
//
// Returns a Transport interface implementation and any error encountered.
//
func NewUDPTransport(listenAddr string) (Transport, error) {
	// Use net.ListenPacket for interface abstraction instead of net.ListenUDP
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	transport := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(), // Store actual local address for reference
		handlers:   make(map[PacketType]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
	}

	// Start packet processing loop in background goroutine
	go transport.processPackets()

	return transport, nil
}

// RegisterHandler registers a packet handler for a specific packet type.
// This method associates a PacketHandler function with a particular PacketType,
// enabling automatic routing of incoming packets. Handlers are called
// concurrently in separate goroutines for each received packet.
//
// Thread safety: This method uses write locking to safely modify the handlers map.
//
// Parameters:
//   - packetType: The PacketType to handle
//   - handler: The PacketHandler function to process packets of this type
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler // Store handler with thread safety
}

// Send transmits a packet to the specified network address.
// This method serializes the packet and sends it over the UDP connection.
// The operation is non-blocking and returns immediately after queuing
// the packet for transmission.
//
// Parameters:
//   - packet: The Packet to send
//   - addr: The destination network address
//
// Returns an error if serialization or transmission fails.
//
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	// Serialize packet to binary format for network transmission
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	// Send packet data to specified address
	_, err = t.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the UDP transport and releases resources.
// This method cancels the packet processing context and closes the
// underlying UDP connection. After calling Close, the transport
// should not be used for further operations.
//
// Returns an error if the connection close operation fails.
//
func (t *UDPTransport) Close() error {
	t.cancel() // Cancel context to stop packet processing loop
	return t.conn.Close()
}

// processPackets runs the main packet processing loop for the UDP transport.
// This method continuously reads packets from the UDP socket and dispatches
// them to registered handlers. It uses non-blocking reads with timeouts to
// enable graceful shutdown through context cancellation.
//
// The loop handles various error conditions:
//   - Timeout errors are ignored and processing continues
//   - Message too long errors are discarded without logging
//   - Parse errors are discarded without logging and processing continues
//   - Context cancellation terminates the loop cleanly
//
// Each packet is processed in a separate goroutine to maintain high throughput.
func (t *UDPTransport) processPackets() {
	buffer := make([]byte, 2048) // Buffer for incoming packet data

	for {
		select {
		case <-t.ctx.Done():
			return // Exit loop when context is cancelled
		default:
			// Set read deadline for non-blocking operation with timeout
			_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, addr, err := t.conn.ReadFrom(buffer)
			if err != nil {
				// Handle timeout errors gracefully
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue // This is just a timeout, continue processing
				}
				// Handle oversized packets
				if opErr, ok := err.(*net.OpError); ok && opErr.Err.Error() == "message too long" {
					continue // Packet larger than buffer, discard
				}
				// Drop other network errors and continue
				continue
			}

			// Parse received data into packet structure
			packet, err := ParsePacket(buffer[:n])
			if err != nil {
				continue // Drop the malformed packet and keep processing
			}

			// Find and invoke appropriate handler for packet type
			t.mu.RLock()
			handler, exists := t.handlers[packet.PacketType]
			t.mu.RUnlock()

			if exists {
				// Handle packet in separate goroutine for concurrency
				go handler(packet, addr)
			}
		}
	}
}

// LocalAddr returns the local network address the transport is listening on.
// This method provides access to the actual address bound by the UDP socket,
// which may differ from the requested address (e.g., when binding to ":0"
// results in an automatically assigned port).
//
// Returns the local network address of the UDP socket.
//
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr() // Return actual local address from connection
}

// RendezvousPing sends a PacketRendezvousPing carrying target's address to
// rendezvous and waits up to timeout for a matching PacketRendezvousPong.
// UDP has no connection state to relay through, so this is a best-effort
// request/response exchange rather than a true relayed probe; callers
// that need an authoritative relay should prefer a TCP-backed transport.
func (t *UDPTransport) RendezvousPing(rendezvous, target net.Addr, timeout time.Duration) (bool, error) {
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

// Package transport implements the wire transport the DHT core consumes
// through a narrow interface: connection establishment, size-prefixed
// framing, peer-address exposure, and a rendezvous-ping keep-alive. This
// file defines packet framing and the PacketType values for each RPC
// method named in spec.md §6.
package transport

import (
	"errors"
)

// PacketType identifies which RPC method (request or response) a Packet
// carries.
type PacketType byte

const (
	PacketPingRequest PacketType = iota + 1
	PacketPingResponse
	PacketFindNodeRequest
	PacketFindNodeResponse
	PacketFindValueRequest
	PacketFindValueResponse
	PacketStoreRequest
	PacketStoreResponse
	PacketDownlistRequest
	PacketDownlistResponse
	PacketBootstrapRequest
	PacketBootstrapResponse
	PacketNatDetectionRequest
	PacketNatDetectionResponse
	PacketNatDetectionPingRequest
	PacketNatDetectionPingResponse
	PacketRendezvousPing
	PacketRendezvousPong
)

// Packet is the fundamental unit of communication: a packet type plus an
// opaque, already-serialized payload. Serialization of the payload's
// logical fields (spec.md §6's Envelope/Request/Response records) is left
// to the rpc package; transport only frames and routes by PacketType.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize produces the wire format: [packet_type(1)][data(variable)].
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)
	return result, nil
}

// ParsePacket parses the wire format produced by Serialize.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}
	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])
	return packet, nil
}

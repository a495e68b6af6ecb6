package rpc

import "strings"

// Type distinguishes a request envelope from a response envelope.
type Type int

const (
	// Request marks an outgoing call awaiting a Response.
	Request Type = iota
	// Response marks a reply to a previously issued Request.
	Response
)

// Envelope is the RPC message wrapper of spec.md §6: every message on the
// wire carries a type, a correlation id, a service/method pair, and an
// opaque argument payload whose concrete encoding is left to the caller.
type Envelope struct {
	RPCType   Type
	MessageID uint32
	Service   string
	Method    string
	Args      []byte
}

// MethodBootstrap is the well-known method name that triggers the
// correlator's observed-address rewrite special case (spec.md §4.4).
const MethodBootstrap = "Bootstrap"

// AnonymousSignatureSentinelLength is the wire length, in hex characters,
// of the sentinel below (one hex digit per 4 bits, 512 bits total).
const AnonymousSignatureSentinelLength = 128

// AnonymousSignatureSentinel is the 128-character all-'f' hex string that,
// when presented as a signed_request, skips signature verification
// (spec.md §6).
var AnonymousSignatureSentinel = strings.Repeat("f", AnonymousSignatureSentinelLength)

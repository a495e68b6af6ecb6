package rpc

import "errors"

// Error taxonomy surfaced to callers (spec.md §4.4, §7). Each pending
// callback is invoked exactly once with one of these, or with a
// successful result.
var (
	ErrTimedOut          = errors.New("rpc: request timed out")
	ErrCancelled         = errors.New("rpc: request cancelled")
	ErrPeerUnreachable   = errors.New("rpc: peer unreachable")
	ErrMalformedResponse = errors.New("rpc: malformed response")
	ErrUnknownRequest    = errors.New("rpc: unknown or already-resolved request id")
	ErrNoHandler         = errors.New("rpc: no handler registered for service/method")
)

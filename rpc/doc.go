// Package rpc implements the request/response correlation layer: request
// ID allocation, per-request deadline tracking with progress-based
// extension, exactly-once callback delivery, and per-service dispatch of
// incoming requests to handlers.
//
// Wire serialization stays external — Envelope.Args is opaque bytes, and
// callers supply their own encode/decode; rpc only correlates, times out,
// and dispatches.
package rpc

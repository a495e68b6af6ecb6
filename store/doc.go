// Package store implements the DHT's local data store: an in-memory
// key-to-multivalue map with per-item TTL, last-refresh tracking, and the
// hashable-key uniqueness constraint (a key that equals the hash of its
// value may carry only one value, and refreshes of it must match
// byte-for-byte).
//
// Expiry is lazy: nothing runs on a timer inside DataStore itself. Callers
// drive reaping by calling Reap, and read paths treat expired entries as
// absent without deleting them eagerly.
package store

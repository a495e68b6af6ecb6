// Package kbucket implements the DHT routing table: a contiguous,
// non-overlapping tiling of the 512-bit id space into k-buckets, with lazy
// splitting of the bucket that holds the local node's own id, a brother-
// bucket "Force-K" admission rule that protects the node's closest
// neighbours from churn, and per-bucket refresh scheduling.
//
// The split/Force-K algorithm follows the maidsafe-dht routing table this
// core descends from; every RoutingTable operation is serialized by a
// single lock, matching its single-threaded-per-table design.
package kbucket

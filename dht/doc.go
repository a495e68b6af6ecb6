// Package dht implements the Node: the orchestrator that ties the routing
// table, data store, RPC correlator, and transport together into a
// Kademlia-derived distributed hash table.
//
// A Node owns:
//   - bootstrap and three-party NAT detection (Join, detectNAT)
//   - the iterative FIND_NODE/FIND_VALUE lookup state machine (lookup)
//   - STORE dissemination and the periodic republish loop (StoreValue)
//   - the RPC service handlers answering peer requests (handlePing,
//     handleFind, handleStore, handleDownlist, handleNatDetection,
//     handleNatDetectionPing, handleBootstrap)
//   - bucket refresh, republish polling, rendezvous liveness, and bounded
//     contact admission (maintenanceLoop, admissionWorker)
//
// RPC arguments and results are gob-encoded rpc.Envelope payloads carried
// inside transport.Packet; transport.PacketType exists only to frame and
// demultiplex traffic by method, the envelope itself carries routing and
// correlation information.
package dht

package kbucket

import (
	"time"

	"github.com/opd-ai/kadcore/nodeid"
)

// Contact is one known peer in the routing table. Two contacts are equal
// when their NodeID matches; re-adding an existing contact updates its
// address fields and moves it to the MRU end of its bucket. A contact with
// empty rendezvous fields is directly reachable; otherwise it must be
// reached via its rendezvous peer.
type Contact struct {
	NodeID         nodeid.ID
	HostIP         string
	HostPort       uint16
	LocalIP        string
	LocalPort      uint16
	RendezvousIP   string
	RendezvousPort uint16
	LastSeen       time.Time
	FailedRPC      int
}

// HasRendezvous reports whether the contact must be reached via a
// rendezvous peer rather than directly.
func (c Contact) HasRendezvous() bool {
	return c.RendezvousIP != "" || c.RendezvousPort != 0
}

// Equal reports whether two contacts share the same NodeID.
func (c Contact) Equal(other Contact) bool {
	return c.NodeID == other.NodeID
}

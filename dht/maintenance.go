package dht

import (
	"context"
	"time"

	"github.com/opd-ai/kadcore/bootstrapfile"
	"github.com/opd-ai/kadcore/kbucket"
	"github.com/opd-ai/kadcore/nodeid"
)

// republishPollInterval is the fixed 2s poll of spec.md §4.7's refresh loop.
const republishPollInterval = 2 * time.Second

// admissionWorker is the single-consumer worker of spec.md §4.9: it drains
// the bounded admission queue so a full, non-holder bucket's liveness
// check never blocks an RPC service handler.
func (n *Node) admissionWorker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case cand := <-n.admissionQueue:
			n.processAdmissionCandidate(cand)
		}
	}
}

// processAdmissionCandidate pings the bucket's LRU contact; on failure the
// LRU is force-evicted and the candidate admitted, otherwise the candidate
// is discarded (spec.md §4.9).
func (n *Node) processAdmissionCandidate(cand admissionCandidate) {
	lru, ok := n.routing.GetLastSeen(cand.bucketIndex)
	if !ok {
		n.routing.AddContact(cand.contact)
		return
	}
	if n.pingDirect(lru) {
		return
	}
	n.routing.RemoveContact(lru.NodeID, true)
	n.routing.AddContact(cand.contact)
}

// maintenanceLoop drives the node's three periodic background tasks:
// bucket refresh (spec.md §4.3/§4.6), value republish/refresh polling
// (spec.md §4.7), and rendezvous liveness (spec.md §4.5).
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()

	refreshTicker := time.NewTicker(n.cfg.RefreshInterval)
	defer refreshTicker.Stop()
	republishTicker := time.NewTicker(republishPollInterval)
	defer republishTicker.Stop()
	rendezvousTicker := time.NewTicker(n.cfg.RendezvousPingInterval)
	defer rendezvousTicker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-refreshTicker.C:
			n.runRefresh()
		case <-republishTicker.C:
			n.runRepublish()
		case <-rendezvousTicker.C:
			n.checkRendezvous()
		}
	}
}

// runRefresh issues a FIND_NODE lookup for each bucket due a refresh
// (spec.md §4.3's get_refresh_list), repopulating stale buckets.
func (n *Node) runRefresh() {
	ids, err := n.routing.GetRefreshList(0, false)
	if err != nil {
		n.log.WithFields(map[string]any{"error": err.Error()}).Debug("refresh list unavailable")
		return
	}
	for _, id := range ids {
		id := id
		go func() {
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout*4)
			defer cancel()
			if _, _, err := n.lookup(ctx, id, lookupFindNode); err != nil {
				n.log.WithFields(map[string]any{"error": err.Error()}).Debug("bucket refresh lookup failed")
			}
		}()
	}
}

// runRepublish polls DataStore.ValuesToRefresh and re-runs the STORE flow
// with publish=false for every entry due a refresh (spec.md §4.7).
func (n *Node) runRepublish() {
	entries := n.data.ValuesToRefresh(n.cfg.RepublishInterval)
	for _, entry := range entries {
		entry := entry
		go func() {
			ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout*4)
			defer cancel()
			if err := n.StoreValue(ctx, entry.Key, entry.Value, entry.TTL, false); err != nil {
				n.log.WithFields(map[string]any{"error": err.Error()}).Debug("republish failed")
			}
		}()
	}
}

// loadBootstrapContacts reads the persisted .kadconfig snapshot and
// converts its records into routing-table Contacts.
func (n *Node) loadBootstrapContacts() ([]kbucket.Contact, error) {
	if n.bootstrapPath == "" {
		return nil, nil
	}
	records, err := bootstrapfile.New(n.bootstrapPath).Load()
	if err != nil {
		return nil, err
	}
	contacts := make([]kbucket.Contact, 0, len(records))
	for _, rec := range records {
		id, err := nodeid.FromString(rec.NodeID)
		if err != nil {
			continue
		}
		contacts = append(contacts, kbucket.Contact{
			NodeID:    id,
			HostIP:    rec.IP,
			HostPort:  rec.Port,
			LocalIP:   rec.LocalIP,
			LocalPort: rec.LocalPort,
		})
	}
	return contacts, nil
}

// saveBootstrapSnapshot persists the directly-connected (non-rendezvous)
// contacts among the first bootstrapfile.MaxRecords that FindCloseNodes
// returns for this node's own id, in that order (spec.md §6). The primary
// bootstrap contact is not tracked and gets no special position.
func (n *Node) saveBootstrapSnapshot() error {
	if n.bootstrapPath == "" {
		return nil
	}

	candidates := n.routing.FindCloseNodes(n.id, bootstrapfile.MaxRecords, nil)
	records := make([]bootstrapfile.Record, 0, len(candidates))
	for _, c := range candidates {
		if c.HasRendezvous() {
			continue
		}
		records = append(records, bootstrapfile.Record{
			NodeID:    c.NodeID.String(),
			IP:        c.HostIP,
			Port:      c.HostPort,
			LocalIP:   c.LocalIP,
			LocalPort: c.LocalPort,
		})
	}

	return bootstrapfile.New(n.bootstrapPath).Save(records)
}

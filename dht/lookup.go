package dht

import (
	"context"
	"fmt"
	"sort"

	"github.com/opd-ai/kadcore/kbucket"
	"github.com/opd-ai/kadcore/nodeid"
)

// lookupMethod selects the RPC a lookup issues on each probe.
type lookupMethod int

const (
	lookupFindNode lookupMethod = iota
	lookupFindValue
)

func (m lookupMethod) rpcMethod() string {
	if m == lookupFindValue {
		return methodFindValue
	}
	return methodFindNode
}

// shortListEntry is one (Contact, contacted_flag) pair of spec.md §3's
// LookupState.short_list.
type shortListEntry struct {
	contact   kbucket.Contact
	contacted bool
}

// probeResult is what an in-flight FindNode/FindValue RPC reports back to
// the owning lookup loop.
type probeResult struct {
	contact kbucket.Contact
	err     error
	closest []kbucket.Contact
	values  [][]byte
}

// lookup runs the iterative FIND_NODE/FIND_VALUE state machine of
// spec.md §4.6 against target, returning up to K closest contacts found
// (sorted ascending by distance) and, for lookupFindValue, any values a
// responder returned. active_probes and short_list mutation happen only
// on this goroutine, a single owning task serializing all short-list
// resorts; probes themselves run concurrently and report back over
// resultCh.
func (n *Node) lookup(ctx context.Context, target nodeid.ID, method lookupMethod) ([]kbucket.Contact, [][]byte, error) {
	shortList := make(map[nodeid.ID]*shortListEntry)
	addToShortList := func(c kbucket.Contact) {
		if c.NodeID.Equal(n.id) {
			return
		}
		if _, ok := shortList[c.NodeID]; !ok {
			shortList[c.NodeID] = &shortListEntry{contact: c}
		}
	}
	for _, c := range n.routing.FindCloseNodes(target, n.cfg.Alpha, nil) {
		addToShortList(c)
	}

	var activeContacts []kbucket.Contact
	activeProbes := make(map[nodeid.ID]bool)
	deadIDs := make(map[nodeid.ID]bool)
	downlist := make(map[nodeid.ID][]nodeid.ID)
	contactByID := make(map[nodeid.ID]kbucket.Contact)
	var valuesFound [][]byte

	resultCh := make(chan probeResult, n.cfg.Alpha*2+1)

	issue := func(c kbucket.Contact) {
		activeProbes[c.NodeID] = true
		contactByID[c.NodeID] = c
		go func() {
			addr, err := contactAddr(c)
			if err != nil {
				resultCh <- probeResult{contact: c, err: err}
				return
			}
			args := findArgs{
				Key:       target.Bytes(),
				Sender:    toWire(n.selfContact()),
				WantValue: method == lookupFindValue,
			}
			rctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
			defer cancel()
			respBytes, err := n.sendRPC(rctx, method.rpcMethod(), addr, args)
			if err != nil {
				resultCh <- probeResult{contact: c, err: err}
				return
			}
			var res findResult
			if err := gobDecode(respBytes, &res); err != nil {
				resultCh <- probeResult{contact: c, err: err}
				return
			}
			resultCh <- probeResult{contact: c, closest: fromWireSlice(res.ClosestNodes), values: res.Values}
		}()
	}

	sortedShortList := func() []*shortListEntry {
		out := make([]*shortListEntry, 0, len(shortList))
		for _, e := range shortList {
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool {
			return nodeid.CloserTo(out[i].contact.NodeID, out[j].contact.NodeID, target)
		})
		return out
	}
	sortActive := func() {
		sort.Slice(activeContacts, func(i, j int) bool {
			return nodeid.CloserTo(activeContacts[i].NodeID, activeContacts[j].NodeID, target)
		})
	}

	handleResult := func(r probeResult) {
		delete(activeProbes, r.contact.NodeID)
		if r.err != nil {
			n.routing.RemoveContact(r.contact.NodeID, true)
			deadIDs[r.contact.NodeID] = true
			return
		}
		activeContacts = append(activeContacts, r.contact)
		n.addContact(r.contact)
		given := make([]nodeid.ID, 0, len(r.closest))
		for _, cc := range r.closest {
			addToShortList(cc)
			given = append(given, cc.NodeID)
		}
		downlist[r.contact.NodeID] = append(downlist[r.contact.NodeID], given...)
		if method == lookupFindValue && len(r.values) > 0 {
			valuesFound = append(valuesFound, r.values...)
		}
	}

	finalIteration := false

	for {
		if method == lookupFindValue && len(valuesFound) > 0 && len(activeProbes) == 0 {
			break
		}

		if len(activeProbes) >= n.cfg.Beta {
			select {
			case r := <-resultCh:
				handleResult(r)
				continue
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		entries := sortedShortList()
		sortActive()

		if !finalIteration {
			closerExists := false
			for _, e := range entries {
				if e.contacted {
					continue
				}
				if len(activeContacts) == 0 || nodeid.CloserTo(e.contact.NodeID, activeContacts[len(activeContacts)-1].NodeID, target) {
					closerExists = true
					break
				}
			}
			if !closerExists {
				finalIteration = true
				continue
			}

			issued := 0
			for _, e := range entries {
				if issued >= n.cfg.Alpha {
					break
				}
				if e.contacted || activeProbes[e.contact.NodeID] {
					continue
				}
				e.contacted = true
				issue(e.contact)
				issued++
			}
			if issued == 0 && len(activeProbes) == 0 {
				finalIteration = true
				continue
			}
			select {
			case r := <-resultCh:
				handleResult(r)
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			continue
		}

		if len(activeContacts) >= n.cfg.K {
			kth := activeContacts[n.cfg.K-1]
			anyCloser := false
			for id := range activeProbes {
				if nodeid.CloserTo(id, kth.NodeID, target) {
					anyCloser = true
					break
				}
			}
			if !anyCloser {
				break
			}
			select {
			case r := <-resultCh:
				handleResult(r)
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			continue
		}

		rpcToSend := n.cfg.K - len(activeContacts)
		issued := 0
		for _, e := range entries {
			if issued >= rpcToSend {
				break
			}
			if e.contacted {
				continue
			}
			e.contacted = true
			issue(e.contact)
			issued++
		}
		if len(activeProbes) == 0 {
			break
		}
		select {
		case r := <-resultCh:
			handleResult(r)
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	n.disseminateDownlist(downlist, deadIDs, shortList, contactByID)

	sortActive()
	result := activeContacts
	if len(result) > n.cfg.K {
		result = result[:n.cfg.K]
	}
	return result, valuesFound, nil
}

// disseminateDownlist implements spec.md §4.6's post-callback step: for
// every giver G, the subset of candidates it named that ended up in
// dead_ids is sent to G as a Downlist RPC so G can confirm and evict them.
func (n *Node) disseminateDownlist(downlist map[nodeid.ID][]nodeid.ID, deadIDs map[nodeid.ID]bool, shortList map[nodeid.ID]*shortListEntry, contactByID map[nodeid.ID]kbucket.Contact) {
	for giverID, given := range downlist {
		var dead []kbucket.Contact
		for _, candidateID := range given {
			if !deadIDs[candidateID] {
				continue
			}
			if entry, ok := shortList[candidateID]; ok {
				dead = append(dead, entry.contact)
			}
		}
		if len(dead) == 0 {
			continue
		}
		giver, ok := contactByID[giverID]
		if !ok {
			giver, ok = n.routing.GetContact(giverID)
			if !ok {
				continue
			}
		}
		n.sendDownlist(giver, dead)
	}
}

// sendDownlist sends a Downlist RPC to giver and waits up to RPCTimeout for
// the reply. It is best-effort: a failure is only logged, and giver keeps
// its stale contacts a little longer.
func (n *Node) sendDownlist(giver kbucket.Contact, dead []kbucket.Contact) {
	addr, err := contactAddr(giver)
	if err != nil {
		return
	}
	args := downlistArgs{
		Sender: toWire(n.selfContact()),
		Dead:   toWireSlice(dead),
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
	defer cancel()
	if _, err := n.sendRPC(ctx, methodDownlist, addr, args); err != nil {
		n.log.WithFields(fieldsForDownlistFailure(giver, err)).Debug("downlist delivery failed")
	}
}

func fieldsForDownlistFailure(giver kbucket.Contact, err error) map[string]any {
	return map[string]any{
		"giver": giver.NodeID.String()[:16],
		"error": fmt.Sprintf("%v", err),
	}
}

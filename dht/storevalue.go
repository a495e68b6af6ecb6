package dht

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/opd-ai/kadcore/kbucket"
	"github.com/opd-ai/kadcore/nodeid"
	"github.com/opd-ai/kadcore/rpc"
)

// StoreValue implements spec.md §4.7: a FIND_NODE-style lookup for the K
// closest contacts to key, an optional local placement when this node is
// itself among the closest, and a parallel Store RPC fan-out with a
// success-ratio threshold. publish=false marks the call as a refresh of an
// already-published value rather than a first publication.
func (n *Node) StoreValue(ctx context.Context, key nodeid.ID, value []byte, ttl time.Duration, publish bool) error {
	closest, _, err := n.lookup(ctx, key, lookupFindNode)
	if err != nil {
		return fmt.Errorf("store lookup: %w", err)
	}

	targets := closest
	localPlacement := false
	if len(targets) < n.cfg.K || nodeid.CloserTo(n.id, targets[len(targets)-1].NodeID, key) {
		localPlacement = true
		n.data.Store(key, value, ttl)
		if len(targets) >= n.cfg.K {
			targets = targets[:len(targets)-1]
		}
	}

	required := int(math.Ceil(float64(n.cfg.K) * n.cfg.MinStoreSuccessRatio))
	successes := n.storeToTargets(ctx, targets, key, value, ttl, publish)
	if localPlacement {
		successes++
	}
	if successes < required {
		return fmt.Errorf("store dissemination: only %d/%d required replicas succeeded", successes, required)
	}
	return nil
}

// storeToTargets issues Store RPCs to targets with fan-out Alpha and
// returns the count that succeeded. Partial placements on failure are not
// rolled back, matching the acknowledged-unsound original behavior spec.md
// §9 preserves rather than silently fixing.
func (n *Node) storeToTargets(ctx context.Context, targets []kbucket.Contact, key nodeid.ID, value []byte, ttl time.Duration, publish bool) int {
	if len(targets) == 0 {
		return 0
	}

	type outcome struct {
		ok bool
	}
	resultCh := make(chan outcome, len(targets))
	sem := make(chan struct{}, n.cfg.Alpha)

	for _, target := range targets {
		target := target
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			resultCh <- outcome{ok: n.storeOne(ctx, target, key, value, ttl, publish)}
		}()
	}

	successes := 0
	for i := 0; i < len(targets); i++ {
		if (<-resultCh).ok {
			successes++
		}
	}
	return successes
}

// storeOne issues one Store RPC, signing the request if a signer is
// configured and falling back to the anonymous sentinel otherwise (spec.md
// §4.8's Store handler accepts either).
func (n *Node) storeOne(ctx context.Context, target kbucket.Contact, key nodeid.ID, value []byte, ttl time.Duration, publish bool) bool {
	addr, err := contactAddr(target)
	if err != nil {
		return false
	}

	args := storeArgs{
		Key:     key.Bytes(),
		Value:   value,
		TTL:     ttl,
		Publish: publish,
		Sender:  toWire(n.selfContact()),
	}
	n.signStoreArgs(&args, key, value)

	rctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()
	respBytes, err := n.sendRPC(rctx, methodStore, addr, args)
	if err != nil {
		return false
	}
	var res storeResult
	if err := gobDecode(respBytes, &res); err != nil {
		return false
	}
	return res.Result
}

// signStoreArgs fills PublicKey/SignedRequest when the node has a signer,
// or leaves SignedRequest as the anonymous sentinel when it doesn't.
func (n *Node) signStoreArgs(args *storeArgs, key nodeid.ID, value []byte) {
	if n.signer == nil {
		args.SignedRequest = anonymousSentinel()
		return
	}
	message := append(append([]byte{}, key.Bytes()...), value...)
	sig, err := n.signer.Sign(message)
	if err != nil {
		args.SignedRequest = anonymousSentinel()
		return
	}
	pub := n.signer.PublicKey()
	args.PublicKey = pub[:]
	args.SignedRequest = hex.EncodeToString(sig[:])
}

// anonymousSentinel returns rpc's well-known unsigned-store marker.
func anonymousSentinel() string {
	return rpc.AnonymousSignatureSentinel
}

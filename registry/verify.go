package registry

import (
	"time"

	"nhbchain/crypto"
	"nhbchain/params"
	"nhbchain/wire"
)

// IngestVerify applies one of the three PoSe challenge messages (§4.1,
// §4.6). Case 1 (request) carries no signature and is not cached here — the
// decision to reply belongs to the PoSeAudit component, which already knows
// whether the local node is itself a service node. Cases 2 (reply) and 3
// (broadcast) are validated and, for broadcasts, applied to ban-scores.
//
// requesterRank must be the auditor's (requester's) rank at block_height-1
// as computed by the election component; it is passed in rather than
// computed here to avoid a registry -> election import cycle.
func (r *Registry) IngestVerify(v wire.Verify, requesterRank int, now time.Time) IngestResult {
	if v.IsRequest() {
		return accepted()
	}

	hash := wire.DoubleSHA256(wire.MarshalVerify(v))
	r.mu.Lock()
	if _, ok := r.seenVerifies[hash]; ok {
		r.mu.Unlock()
		recordSeen("verify")
		return acceptedSeen()
	}
	r.mu.Unlock()

	replier := r.Lookup(v.ReplierVin)
	if replier == nil {
		recordRejected("verify_unknown_replier")
		return rejected(0, "verify references unknown replier outpoint")
	}

	replyDigest := wire.DoubleSHA256(wire.ReplySignedMessage(v.Addr, v.Nonce, blockHashOrZero(r, v.BlockHeight)))
	if !crypto.Verify(replyDigest[:], v.ReplierSig, replier.ServicePubKey) {
		recordRejected("bad_verify_reply_sig")
		return rejected(20, "verify reply signature does not match replier service pubkey")
	}

	if v.IsReply() {
		r.mu.Lock()
		r.seenVerifies[hash] = v
		r.mu.Unlock()
		recordAccepted("verify_reply")
		return accepted()
	}

	// Case 3: broadcast. Confirm the auditor's rank and the requester's
	// signature before mutating any ban-scores.
	if requesterRank == 0 || requesterRank > params.MaxRank {
		recordRejected("verify_auditor_not_ranked")
		return rejected(0, "verify broadcast auditor is not within the top rank")
	}
	requester := r.Lookup(v.RequesterVin)
	if requester == nil {
		recordRejected("verify_unknown_requester")
		return rejected(0, "verify references unknown requester outpoint")
	}
	broadcastDigest := wire.DoubleSHA256(wire.BroadcastSignedMessage(v.Addr, v.Nonce, blockHashOrZero(r, v.BlockHeight), v.ReplierVin, v.RequesterVin))
	if !crypto.Verify(broadcastDigest[:], v.RequesterSig, requester.ServicePubKey) {
		recordRejected("bad_verify_broadcast_sig")
		return rejected(20, "verify broadcast signature does not match requester service pubkey")
	}

	r.mu.Lock()
	r.seenVerifies[hash] = v
	if entry, ok := r.nodes[v.ReplierVin]; ok {
		entry.PoSeScore = wire.ClampPoSeScore(entry.PoSeScore - 1)
	}
	addr := replier.NetAddr.String()
	for op, entry := range r.nodes {
		if op == v.ReplierVin {
			continue
		}
		if entry.NetAddr.String() == addr {
			entry.PoSeScore = wire.ClampPoSeScore(entry.PoSeScore + 1)
		}
	}
	r.mu.Unlock()

	recordAccepted("verify_broadcast")
	return accepted()
}

func blockHashOrZero(r *Registry, height uint32) wire.Hash256 {
	hash, err := r.oracle.BlockHashAt(height)
	if err != nil {
		return wire.Hash256{}
	}
	return hash
}

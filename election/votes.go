package election

import (
	"errors"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/crypto"
	"nhbchain/params"
	"nhbchain/registry"
	"nhbchain/wire"
)

// ErrNoQuorum indicates fewer than VoteQuorum votes exist for a height,
// meaning the longest-chain fallback applies (§4.3 Transaction validity).
var ErrNoQuorum = errors.New("election: no quorum for block height")

// ErrPayeeMismatch indicates a coinbase failed payee/amount validation.
var ErrPayeeMismatch = errors.New("election: coinbase does not pay the elected script")

// VoteIngest applies the validation pipeline of §4.3 Vote ingest.
func (e *Election) VoteIngest(v wire.PaymentVote, tip uint32, now time.Time) registry.IngestResult {
	voter := e.reg.Lookup(v.VoterOutpoint)
	if voter == nil {
		return registry.IngestResult{Outcome: registry.Rejected, Reason: "vote from unknown outpoint"}
	}
	if voter.ProtocolVersion < e.minPaymentProto {
		return registry.IngestResult{Outcome: registry.Rejected, Reason: "vote voter protocol below minimum"}
	}

	lowerBound := int64(tip) - int64(e.storageLimit())
	upperBound := int64(tip) + params.VoteHeightLookahead
	if int64(v.BlockHeight) < lowerBound || int64(v.BlockHeight) > upperBound {
		return registry.IngestResult{Outcome: registry.Rejected, Reason: "vote block_height outside retention window"}
	}

	digest := wire.DoubleSHA256(v.SignedMessage())
	validSig := crypto.Verify(digest[:], v.Sig, voter.ServicePubKey)
	isFuture := int64(v.BlockHeight) > int64(tip)
	if !validSig {
		if isFuture {
			return registry.IngestResult{Outcome: registry.Rejected, DoS: 20, Reason: "bad vote signature for future block"}
		}
		return registry.IngestResult{Outcome: registry.Rejected, Reason: "bad vote signature for past block"}
	}

	rankHeight := int64(v.BlockHeight) - params.ElectionVoteLookback
	if rankHeight < 0 {
		rankHeight = 0
	}
	blockHash, err := e.oracle.BlockHashAt(uint32(rankHeight))
	if err != nil {
		return registry.IngestResult{Outcome: registry.Rejected, Reason: "rank block hash not yet available"}
	}
	candidates := make([]wire.Outpoint, 0)
	for _, entry := range e.reg.Enumerate() {
		if entry.LifecycleState == wire.Enabled {
			candidates = append(candidates, entry.Collateral)
		}
	}
	rank := Rank(blockHash, candidates, v.VoterOutpoint)
	if rank == 0 || rank > params.VoteConsidered {
		if rank > 2*params.VoteConsidered {
			return registry.IngestResult{Outcome: registry.Rejected, DoS: 20, Reason: "voter rank far outside the considered set"}
		}
		return registry.IngestResult{Outcome: registry.Rejected, Reason: "voter not within the considered rank"}
	}

	key := voteKey{voter: v.VoterOutpoint, height: v.BlockHeight}
	e.votesMu.Lock()
	if _, exists := e.votes[key]; exists {
		e.votesMu.Unlock()
		return registry.IngestResult{Outcome: registry.AcceptedSeen}
	}
	e.votes[key] = v
	e.votesMu.Unlock()

	voteHash := wire.DoubleSHA256(wire.MarshalPaymentVote(v))
	e.payeesMu.Lock()
	set, ok := e.payees[v.BlockHeight]
	if !ok {
		set = &wire.BlockPayeeSet{BlockHeight: v.BlockHeight}
		e.payees[v.BlockHeight] = set
	}
	bucket := set.BucketFor(v.PayeeScript)
	bucket.VoteHashes = append(bucket.VoteHashes, voteHash)
	e.payeesMu.Unlock()

	e.publishBucketMetrics(v.BlockHeight)
	return registry.IngestResult{Outcome: registry.Accepted}
}

// HasVoted reports whether voter already cast a vote for height, enforcing
// the at-most-once invariant (§5).
func (e *Election) HasVoted(voter wire.Outpoint, height uint32) bool {
	e.votesMu.RLock()
	defer e.votesMu.RUnlock()
	_, ok := e.votes[voteKey{voter: voter, height: height}]
	return ok
}

// Winner returns the leading payee bucket for height, or nil if no votes
// have been recorded.
func (e *Election) Winner(height uint32) *wire.PayeeBucket {
	e.payeesMu.RLock()
	defer e.payeesMu.RUnlock()
	set, ok := e.payees[height]
	if !ok {
		return nil
	}
	return set.Winner()
}

// storageLimit computes the sliding vote-retention window against the
// current registry size.
func (e *Election) storageLimit() uint32 {
	return params.StorageLimit(e.reg.Size())
}

// ValidateCoinbase implements §4.3's "Transaction validity": if a bucket at
// height h has reached quorum, tx must pay the elected script exactly
// payment_amount(h, tx.total_out); fewer than quorum votes anywhere falls
// back to accept (longest-chain fallback).
func (e *Election) ValidateCoinbase(h uint32, tx chainoracle.Tx) error {
	winner := e.Winner(h)
	if winner == nil || len(winner.VoteHashes) < params.VoteQuorum {
		return nil
	}
	wantAmount := e.paymentAmount(h, tx.TotalOut())
	for _, out := range tx.Outputs {
		if out.Amount == wantAmount && string(out.PayeeScript) == string(winner.PayeeScript) {
			return nil
		}
	}
	return ErrPayeeMismatch
}

// Fill appends the winning TxOut to a locally-produced coinbase, falling
// back to the locally-computed queue head when no vote winner exists yet
// (§4.3 Fill).
func (e *Election) Fill(h uint32, totalOut int64, now time.Time) (*chainoracle.TxOut, error) {
	if winner := e.Winner(h); winner != nil {
		return &chainoracle.TxOut{Amount: e.paymentAmount(h, totalOut), PayeeScript: winner.PayeeScript}, nil
	}
	entry, _, err := e.QueueForPayment(h, now)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	script := wire.PayoutScript(entry.CollateralPubKey)
	return &chainoracle.TxOut{Amount: e.paymentAmount(h, totalOut), PayeeScript: script}, nil
}

// SyncOutItem is a single vote plus its height, used for §4.3 "Sync out".
type SyncOutItem struct {
	Vote   wire.PaymentVote
	Height uint32
}

// SyncOut returns every verified vote for heights [tip, tip+VoteHeightLookahead),
// followed implicitly by a terminator count the caller appends to the wire
// SYNCSTATUSCOUNT message.
func (e *Election) SyncOut(tip uint32) []SyncOutItem {
	e.votesMu.RLock()
	defer e.votesMu.RUnlock()
	var out []SyncOutItem
	for key, v := range e.votes {
		if key.height >= tip && key.height < tip+params.VoteHeightLookahead {
			out = append(out, SyncOutItem{Vote: v, Height: key.height})
		}
	}
	return out
}

// LowDataHeights returns, for every height in the storage window with no
// quorum bucket and fewer than LowDataVoteThreshold total votes, the height
// that should be recovered via GetData(BLOCK) (§4.3 "Sync in"), batched by
// the caller to at most MaxInv per message.
func (e *Election) LowDataHeights(tip uint32) []uint32 {
	limit := e.storageLimit()
	var lo uint32
	if tip > limit {
		lo = tip - limit
	}
	e.payeesMu.RLock()
	defer e.payeesMu.RUnlock()
	var out []uint32
	for height := lo; height <= tip; height++ {
		set, ok := e.payees[height]
		total := 0
		hasQuorum := false
		if ok {
			for _, b := range set.Buckets {
				total += len(b.VoteHashes)
				if len(b.VoteHashes) >= params.VoteQuorum {
					hasQuorum = true
				}
			}
		}
		if !hasQuorum && total < params.LowDataVoteThreshold {
			out = append(out, height)
		}
	}
	return out
}

// VoteSnapshot is a persistable copy of every retained vote, used by the
// storage package to survive restarts (§6 persisted state).
func (e *Election) VoteSnapshot() []wire.PaymentVote {
	e.votesMu.RLock()
	defer e.votesMu.RUnlock()
	out := make([]wire.PaymentVote, 0, len(e.votes))
	for _, v := range e.votes {
		out = append(out, v)
	}
	return out
}

// RestoreVotes replays a previously captured VoteSnapshot back into the
// votes and payee-bucket maps, skipping anything that no longer resolves to
// a known voter so a pruned registry doesn't resurrect stale votes.
func (e *Election) RestoreVotes(votes []wire.PaymentVote) {
	for _, v := range votes {
		if e.reg.Lookup(v.VoterOutpoint) == nil {
			continue
		}
		key := voteKey{voter: v.VoterOutpoint, height: v.BlockHeight}
		e.votesMu.Lock()
		if _, exists := e.votes[key]; exists {
			e.votesMu.Unlock()
			continue
		}
		e.votes[key] = v
		e.votesMu.Unlock()

		voteHash := wire.DoubleSHA256(wire.MarshalPaymentVote(v))
		e.payeesMu.Lock()
		set, ok := e.payees[v.BlockHeight]
		if !ok {
			set = &wire.BlockPayeeSet{BlockHeight: v.BlockHeight}
			e.payees[v.BlockHeight] = set
		}
		bucket := set.BucketFor(v.PayeeScript)
		bucket.VoteHashes = append(bucket.VoteHashes, voteHash)
		e.payeesMu.Unlock()
	}
}

// Prune evicts votes and payee sets older than the sliding storage window
// (§3 lifecycle rules).
func (e *Election) Prune(tip uint32) int {
	limit := e.storageLimit()
	var lo uint32
	if tip > limit {
		lo = tip - limit
	}
	removed := 0
	e.votesMu.Lock()
	for key := range e.votes {
		if key.height < lo {
			delete(e.votes, key)
			removed++
		}
	}
	e.votesMu.Unlock()

	e.payeesMu.Lock()
	for height := range e.payees {
		if height < lo {
			delete(e.payees, height)
		}
	}
	e.payeesMu.Unlock()
	return removed
}

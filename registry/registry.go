// Package registry holds the gossiped, cryptographically authenticated
// directory of active service nodes (§4.1). It is the leaf component: it
// depends only on the signing primitive, a caller-supplied clock, and the
// chain oracle.
package registry

import (
	"sync"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/crypto"
	"nhbchain/observability/metrics"
	"nhbchain/params"
	"nhbchain/wire"
)

type seenAnnounce struct {
	firstSeen time.Time
	ann       wire.Announce
}

type askKey struct {
	peer string
	op   wire.Outpoint
}

// Registry is the node directory plus its gossip-replay state. All mutation
// paths serialize through mu (§5: registry.mu).
type Registry struct {
	mu sync.Mutex

	oracle chainoracle.Oracle
	net    params.Network

	nodes        map[wire.Outpoint]*wire.NodeEntry
	byServicePub map[string]wire.Outpoint

	seenAnnounces map[wire.Hash256]*seenAnnounce
	seenPings     map[wire.Hash256]wire.Ping
	seenVerifies  map[wire.Hash256]wire.Verify

	askedForEntry    map[askKey]time.Time
	askedForFullList map[string]time.Time

	// recoveryWaiting tracks outpoints a peer has asked us to recover;
	// goodReplies accumulates fresher Announces discovered for them while
	// the peer's recovery window is open (§4.1 step 2).
	recoveryWaiting map[wire.Outpoint]map[string]time.Time
	goodReplies     map[wire.Outpoint][]wire.Announce

	localServicePub string
	localStarted    bool

	heartbeatLimiter HeartbeatLimiter
}

// HeartbeatLimiter gates how many Pings a single outpoint may push through
// IngestPing within a rolling window, independent of the per-message replay
// guard. lifecycle.Checker implements this.
type HeartbeatLimiter interface {
	Precheck(op wire.Outpoint, now time.Time) bool
	Commit(op wire.Outpoint, now time.Time)
}

// SetHeartbeatLimiter attaches an optional abuse meter that IngestPing
// consults before accepting a ping and notifies after. A nil limiter (the
// default) disables the check.
func (r *Registry) SetHeartbeatLimiter(l HeartbeatLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeatLimiter = l
}

// New constructs an empty Registry bound to the supplied chain oracle and
// network selector.
func New(oracle chainoracle.Oracle, net params.Network) *Registry {
	return &Registry{
		oracle:            oracle,
		net:               net,
		nodes:             make(map[wire.Outpoint]*wire.NodeEntry),
		byServicePub:      make(map[string]wire.Outpoint),
		seenAnnounces:     make(map[wire.Hash256]*seenAnnounce),
		seenPings:         make(map[wire.Hash256]wire.Ping),
		seenVerifies:      make(map[wire.Hash256]wire.Verify),
		askedForEntry:     make(map[askKey]time.Time),
		askedForFullList:  make(map[string]time.Time),
		recoveryWaiting:   make(map[wire.Outpoint]map[string]time.Time),
		goodReplies:       make(map[wire.Outpoint][]wire.Announce),
	}
}

// SetLocalServicePubKey marks which service pubkey (if any) belongs to the
// local node, so IngestAnnounce can flip LocalNode to Started (§4.1 step 6).
func (r *Registry) SetLocalServicePubKey(pubIDHex string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localServicePub = pubIDHex
}

// LocalStarted reports whether the local node's own Announce has been
// accepted into the registry.
func (r *Registry) LocalStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localStarted
}

// Size returns the number of entries currently held, used throughout §4.2
// and §4.3 as |registry|.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// IngestAnnounce applies (or rejects) a remote Announce per the algorithm in
// §4.1.
func (r *Registry) IngestAnnounce(srcPeer string, ann wire.Announce, fRecovery bool, now time.Time) IngestResult {
	hash := wire.DoubleSHA256(ann.CanonicalBytes())

	r.mu.Lock()
	if cached, ok := r.seenAnnounces[hash]; ok {
		fresh := now.Sub(cached.firstSeen) < params.NewStartRequired-2*params.MinPing
		if fresh {
			r.maybeTrackRecoveryLocked(srcPeer, ann, now)
			r.mu.Unlock()
			recordSeen("announce")
			return acceptedSeen()
		}
		cached.firstSeen = now
		r.mu.Unlock()
	} else {
		r.mu.Unlock()
	}

	if res := simpleCheckAnnounce(ann, r.net, now); !res.Ok() {
		return res
	}

	r.mu.Lock()
	existing, hasExisting := r.nodes[ann.Collateral]
	if hasExisting && !fRecovery && ann.SigTime <= existing.SigTime {
		r.mu.Unlock()
		recordRejected("stale_sig_time")
		return rejected(0, "sig_time does not advance existing entry")
	}
	r.mu.Unlock()

	digest := wire.DoubleSHA256(ann.SignedMessage())
	if !crypto.Verify(digest[:], ann.BroadcastSig, ann.CollateralPubKey) {
		recordRejected("bad_announce_sig")
		return rejected(100, "announce signature does not match collateral pubkey")
	}

	if err := r.checkOutpoint(ann); err != nil {
		if err == chainoracle.ErrNotYetAvailable {
			r.mu.Lock()
			delete(r.seenAnnounces, hash)
			r.mu.Unlock()
			return rejected(0, "chain state not yet available")
		}
		recordRejected("bad_outpoint")
		return rejected(33, err.Error())
	}

	r.mu.Lock()
	r.seenAnnounces[hash] = &seenAnnounce{firstSeen: now, ann: ann}
	entry, existed := r.nodes[ann.Collateral]
	if !existed {
		entry = wire.NewEntryFromAnnounce(ann)
		r.nodes[ann.Collateral] = entry
	} else {
		entry.NetAddr = ann.NetAddr
		entry.CollateralPubKey = ann.CollateralPubKey
		entry.ServicePubKey = ann.ServicePubKey
		entry.ProtocolVersion = ann.ProtocolVersion
		entry.SigTime = ann.SigTime
		entry.BroadcastSig = ann.BroadcastSig
		if ann.LastPing != nil {
			entry.LastPing = ann.LastPing
		}
	}
	r.byServicePub[entry.ServicePubKey.ID()] = entry.Collateral
	if r.localServicePub != "" && entry.ServicePubKey.ID() == r.localServicePub {
		r.localStarted = true
	}
	r.mu.Unlock()

	metrics.ServiceNode().SetRegistrySize(r.Size())
	recordAccepted("announce")
	return accepted()
}

// maybeTrackRecoveryLocked implements the "good-replies" bucket described in
// §4.1 step 2: if srcPeer previously asked us to recover this outpoint and
// the fresh Announce carries a newer LastPing that would make the node
// auto-startable, stash it for the recovery response.
func (r *Registry) maybeTrackRecoveryLocked(srcPeer string, ann wire.Announce, now time.Time) {
	waiters, ok := r.recoveryWaiting[ann.Collateral]
	if !ok {
		return
	}
	if _, waiting := waiters[srcPeer]; !waiting {
		return
	}
	entry, ok := r.nodes[ann.Collateral]
	if !ok || ann.LastPing == nil || entry.LastPing == nil {
		return
	}
	if ann.LastPing.SigTime <= entry.LastPing.SigTime {
		return
	}
	if !entry.LifecycleState.IsValidStateForAutoStart() {
		return
	}
	r.goodReplies[ann.Collateral] = append(r.goodReplies[ann.Collateral], ann)
}

// DrainGoodReplies returns and clears any recovery Announces accumulated for
// outpoint, for the caller to push back to the waiting peer.
func (r *Registry) DrainGoodReplies(op wire.Outpoint) []wire.Announce {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.goodReplies[op]
	delete(r.goodReplies, op)
	delete(r.recoveryWaiting, op)
	return out
}

// NoteRecoveryRequest records that srcPeer asked to recover op, opening the
// good-replies window for it.
func (r *Registry) NoteRecoveryRequest(srcPeer string, op wire.Outpoint, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters, ok := r.recoveryWaiting[op]
	if !ok {
		waiters = make(map[string]time.Time)
		r.recoveryWaiting[op] = waiters
	}
	waiters[srcPeer] = now
}

// IngestPing applies a heart-beat per §4.1.
func (r *Registry) IngestPing(ping wire.Ping, now time.Time) IngestResult {
	hash := wire.DoubleSHA256(wire.MarshalPing(ping))
	r.mu.Lock()
	if _, ok := r.seenPings[hash]; ok {
		r.mu.Unlock()
		recordSeen("ping")
		return acceptedSeen()
	}
	r.mu.Unlock()

	if ping.SigTime > now.Add(params.FutureTimeBound).Unix() {
		recordRejected("ping_future")
		return rejected(1, "ping sig_time too far in the future")
	}

	tip, err := r.oracle.TipHeight()
	if err != nil {
		return rejected(0, "tip unavailable")
	}
	blockHash, err := r.blockHashForPing(ping, tip)
	if err != nil {
		if err == chainoracle.ErrNotYetAvailable {
			return rejected(0, "referenced block hash not yet available")
		}
		recordRejected("ping_bad_block_hash")
		return rejected(20, err.Error())
	}
	if blockHash != ping.BlockHash {
		recordRejected("ping_bad_block_hash")
		return rejected(20, "ping block_hash does not match the referenced height")
	}

	r.mu.Lock()
	entry, ok := r.nodes[ping.Collateral]
	if !ok {
		r.mu.Unlock()
		return rejected(0, "ping for unknown outpoint")
	}
	svcPub := entry.ServicePubKey
	lastPing := entry.LastPing
	limiter := r.heartbeatLimiter
	r.mu.Unlock()

	if limiter != nil && !limiter.Precheck(ping.Collateral, now) {
		recordRejected("ping_rate_limited")
		return rejected(1, "heartbeat rate limit exceeded for this epoch")
	}

	digest := wire.DoubleSHA256(ping.SignedMessage())
	if !crypto.Verify(digest[:], ping.Sig, svcPub) {
		recordRejected("bad_ping_sig")
		return rejected(100, "ping signature does not match service pubkey")
	}

	if lastPing != nil {
		gap := time.Duration(ping.SigTime-lastPing.SigTime) * time.Second
		if gap < params.PingReplayGuard {
			recordRejected("ping_replay")
			return rejected(1, "ping replay: spaced too closely to the previous one")
		}
	}

	r.mu.Lock()
	r.seenPings[hash] = ping
	entry.LastPing = &ping
	r.mu.Unlock()

	if limiter != nil {
		limiter.Commit(ping.Collateral, now)
	}

	recordAccepted("ping")
	return accepted()
}

func (r *Registry) blockHashForPing(ping wire.Ping, tip uint32) (wire.Hash256, error) {
	// The ping must reference a height no older than tip-24 (§4.1). We
	// cannot know the exact height the signer used without searching, so
	// scan the accepted window and accept a match anywhere inside it.
	lo := int64(tip) - params.PingBlockHashMaxAge
	if lo < 0 {
		lo = 0
	}
	var lastErr error
	for h := int64(tip); h >= lo; h-- {
		hash, err := r.oracle.BlockHashAt(uint32(h))
		if err != nil {
			lastErr = err
			continue
		}
		if hash == ping.BlockHash {
			return hash, nil
		}
	}
	if lastErr != nil {
		return wire.Hash256{}, lastErr
	}
	return wire.Hash256{}, chainoracle.ErrNotYetAvailable
}

// Lookup returns a defensive copy of the entry for outpoint, or nil.
func (r *Registry) Lookup(op wire.Outpoint) *wire.NodeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.nodes[op]
	if !ok {
		return nil
	}
	clone := *entry
	return &clone
}

// LookupByServicePubKey resolves an outpoint from its gossip pubkey ID.
func (r *Registry) LookupByServicePubKey(pubIDHex string) *wire.NodeEntry {
	r.mu.Lock()
	op, ok := r.byServicePub[pubIDHex]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Lookup(op)
}

// Enumerate returns a full, independently-mutable snapshot of the registry
// for election and UI consumers (§4.1).
func (r *Registry) Enumerate() []*wire.NodeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*wire.NodeEntry, 0, len(r.nodes))
	for _, entry := range r.nodes {
		clone := *entry
		out = append(out, &clone)
	}
	return out
}

// MutateLocked applies fn to the live entry for op while holding registry.mu,
// used by NodeLifecycle and PoSeAudit to update lifecycle_state / pose_score
// in place (§4.2, §4.6). fn is never called with a nil entry.
func (r *Registry) MutateLocked(op wire.Outpoint, fn func(*wire.NodeEntry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.nodes[op]
	if !ok {
		return false
	}
	fn(entry)
	return true
}

// Snapshot returns a struct copy of every entry, suitable for persistence by
// the storage package (§6). The copies share their pointer and map fields
// (keys, LastPing, LastPoSeVerifiedBy) with the live entries. Unlike
// Enumerate, the order is unspecified.
func (r *Registry) Snapshot() []wire.NodeEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.NodeEntry, 0, len(r.nodes))
	for _, entry := range r.nodes {
		out = append(out, *entry)
	}
	return out
}

// Restore repopulates the registry from a previously captured Snapshot,
// used on process start to reload persisted state (§6). It must be called
// before any gossip traffic is ingested.
func (r *Registry) Restore(entries []wire.NodeEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range entries {
		entry := entries[i]
		r.nodes[entry.Collateral] = &entry
		if entry.ServicePubKey != nil {
			r.byServicePub[entry.ServicePubKey.ID()] = entry.Collateral
		}
	}
}

// EntriesSharingAddr returns every outpoint whose NetAddr equals addr,
// feeding PoSeAudit.CheckSameAddr (§4.6).
func (r *Registry) EntriesSharingAddr(addr string) []wire.Outpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wire.Outpoint
	for op, entry := range r.nodes {
		if entry.NetAddr.String() == addr {
			out = append(out, op)
		}
	}
	return out
}

// AskPeerForEntry rate-limits a targeted DSEG fetch to once per (peer,
// outpoint) per DsegUpdateInterval (§4.1).
func (r *Registry) AskPeerForEntry(peer string, op wire.Outpoint, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := askKey{peer: peer, op: op}
	if last, ok := r.askedForEntry[key]; ok && now.Sub(last) < params.DsegUpdateInterval {
		return false
	}
	r.askedForEntry[key] = now
	return true
}

// AskPeerForFullList rate-limits a full-list DSEG fetch to once per peer per
// DsegUpdateInterval, and only honors requests that originate from a
// non-private address when isPrivate is true (§4.1).
func (r *Registry) AskPeerForFullList(peer string, isPrivate bool, now time.Time) bool {
	if isPrivate {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.askedForFullList[peer]; ok && now.Sub(last) < params.DsegUpdateInterval {
		return false
	}
	r.askedForFullList[peer] = now
	return true
}

// Prune evicts OutpointSpent entries and stale seen-caches (§4.1, driven by
// NodeLifecycle's tick).
func (r *Registry) Prune(tip uint32, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for op, entry := range r.nodes {
		if entry.LifecycleState == wire.OutpointSpent {
			delete(r.nodes, op)
			delete(r.byServicePub, entry.ServicePubKey.ID())
			removed++
		}
	}
	for hash, ping := range r.seenPings {
		if now.Sub(time.Unix(ping.SigTime, 0)) > params.NewStartRequired {
			delete(r.seenPings, hash)
		}
	}
	for hash, v := range r.seenVerifies {
		if tip > params.MaxPoseBlocks && v.BlockHeight < tip-params.MaxPoseBlocks {
			delete(r.seenVerifies, hash)
		}
	}
	return removed
}

// Package poseaudit drives the mutual Proof-of-Service challenge between
// service nodes: rank-gated peer selection, the three-message
// request/reply/broadcast exchange, and the periodic same-address ban sweep
// that catches impostors (§4.6).
package poseaudit

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/crypto"
	"nhbchain/election"
	"nhbchain/observability/metrics"
	"nhbchain/params"
	"nhbchain/registry"
	"nhbchain/wire"
)

// Transport is the outbound seam this package needs from the peer-to-peer
// layer.
type Transport interface {
	SendVerifyRequest(target wire.NodeEntry, v wire.Verify) error
	SendVerifyReply(to net.TCPAddr, v wire.Verify) error
	Broadcast(v wire.Verify) error
}

type pendingRequest struct {
	target      wire.Outpoint
	blockHeight uint32
	sentAt      time.Time
}

// PoSeAudit implements §4.6. It reads the Registry to rank and select
// candidates and mutates ban-scores through registry.IngestVerify and
// MutateLocked.
type PoSeAudit struct {
	mu sync.Mutex

	reg       *registry.Registry
	oracle    chainoracle.Oracle
	transport Transport

	servicePriv   *crypto.PrivateKey
	localOutpoint wire.Outpoint
	hasLocal      bool

	pending       map[uint64]pendingRequest
	answeredNonce map[uint64]time.Time

	// addrReputation tracks, per net_addr, how many same-address sweeps
	// found the group clean versus flagged an impostor, mirroring the
	// peer-to-peer layer's useful/misbehavior counters.
	addrReputation map[string]*addrStats
}

type addrStats struct {
	useful      uint64
	misbehavior uint64
}

// New constructs a PoSeAudit bound to reg, oracle and transport.
func New(reg *registry.Registry, oracle chainoracle.Oracle, transport Transport, servicePriv *crypto.PrivateKey) *PoSeAudit {
	return &PoSeAudit{
		reg:           reg,
		oracle:        oracle,
		transport:     transport,
		servicePriv:    servicePriv,
		pending:        make(map[uint64]pendingRequest),
		answeredNonce:  make(map[uint64]time.Time),
		addrReputation: make(map[string]*addrStats),
	}
}

// AddrReputation reports the cumulative useful/misbehavior counts a net_addr
// has accumulated across same-address sweeps, for operational inspection.
func (p *PoSeAudit) AddrReputation(addr string) (useful, misbehavior uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats, ok := p.addrReputation[addr]
	if !ok {
		return 0, 0
	}
	return stats.useful, stats.misbehavior
}

func (p *PoSeAudit) noteAddrOutcome(addr string, flagged bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats, ok := p.addrReputation[addr]
	if !ok {
		stats = &addrStats{}
		p.addrReputation[addr] = stats
	}
	if flagged {
		stats.misbehavior++
		return
	}
	stats.useful++
}

// SetLocalOutpoint marks which outpoint (if any) belongs to the local node;
// only a local service node participates as an auditor or replier.
func (p *PoSeAudit) SetLocalOutpoint(op wire.Outpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localOutpoint = op
	p.hasLocal = true
}

// HasLocalOutpoint reports whether SetLocalOutpoint has been called; until
// it has, Tick returns early without probing any peer.
func (p *PoSeAudit) HasLocalOutpoint() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasLocal
}

func enabledOutpoints(entries []*wire.NodeEntry) []wire.Outpoint {
	out := make([]wire.Outpoint, 0, len(entries))
	for _, e := range entries {
		if e.LifecycleState == wire.Enabled {
			out = append(out, e.Collateral)
		}
	}
	return out
}

// Tick computes the local node's rank at tip-1 and, if within the top
// MAX_RANK, selects up to MAX_CONNECTIONS peers and sends a Verify request
// to each (§4.6).
func (p *PoSeAudit) Tick(tip uint32, now time.Time) error {
	p.mu.Lock()
	hasLocal := p.hasLocal
	local := p.localOutpoint
	p.mu.Unlock()
	if !hasLocal {
		return nil
	}

	var rankHeight uint32
	if tip > 0 {
		rankHeight = tip - 1
	}
	blockHash, err := p.oracle.BlockHashAt(rankHeight)
	if err != nil {
		if err == chainoracle.ErrNotYetAvailable {
			return nil
		}
		return err
	}

	entries := p.reg.Enumerate()
	outpoints := enabledOutpoints(entries)
	myRank := election.Rank(blockHash, outpoints, local)
	if myRank == 0 || myRank > params.MaxRank {
		return nil
	}

	ordered := election.RankAll(blockHash, outpoints)
	offset := params.MaxRank + myRank
	selected := 0
	for i := offset; i < len(ordered) && selected < params.MaxConnections; i += params.MaxConnections {
		target := p.reg.Lookup(ordered[i])
		if target == nil || target.Collateral == local {
			continue
		}
		if target.LifecycleState == wire.PoSeBan {
			continue
		}
		if _, already := target.LastPoSeVerifiedBy[local]; already {
			continue
		}
		if err := p.sendRequest(*target, tip, now); err == nil {
			selected++
		}
	}
	return nil
}

func (p *PoSeAudit) sendRequest(target wire.NodeEntry, tip uint32, now time.Time) error {
	nonce, err := randomNonce()
	if err != nil {
		return err
	}
	v := wire.Verify{Addr: target.NetAddr, Nonce: nonce, BlockHeight: tip}
	p.mu.Lock()
	p.pending[nonce] = pendingRequest{target: target.Collateral, blockHeight: tip, sentAt: now}
	p.mu.Unlock()
	return p.transport.SendVerifyRequest(target, v)
}

func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// HandleRequest answers an incoming, unsigned Verify request. A node replies
// only if it is itself a service node, and at most once per nonce (§4.6
// case 1 → 2).
func (p *PoSeAudit) HandleRequest(from net.TCPAddr, v wire.Verify, now time.Time) error {
	p.mu.Lock()
	hasLocal := p.hasLocal
	local := p.localOutpoint
	if _, answered := p.answeredNonce[v.Nonce]; answered {
		p.mu.Unlock()
		return nil
	}
	p.answeredNonce[v.Nonce] = now
	p.mu.Unlock()
	if !hasLocal {
		return nil
	}

	blockHash, err := p.oracle.BlockHashAt(v.BlockHeight)
	if err != nil {
		return err
	}
	digest := wire.DoubleSHA256(wire.ReplySignedMessage(v.Addr, v.Nonce, blockHash))
	sig, err := crypto.Sign(digest[:], p.servicePriv)
	if err != nil {
		return err
	}
	reply := v
	reply.ReplierVin = local
	reply.ReplierSig = sig
	return p.transport.SendVerifyReply(from, reply)
}

// HandleReply processes an incoming signed Reply: validates it through the
// registry's replay/signature checks, then builds and relays the Broadcast
// (§4.6 case 2 → 3).
func (p *PoSeAudit) HandleReply(v wire.Verify, now time.Time) error {
	p.mu.Lock()
	pending, ok := p.pending[v.Nonce]
	local := p.localOutpoint
	p.mu.Unlock()
	if !ok || pending.target != v.ReplierVin {
		return nil
	}

	res := p.reg.IngestVerify(v, 0, now)
	if !res.Ok() {
		metrics.ServiceNode().RecordPoSeVerify("reply_rejected")
		return nil
	}

	blockHash, err := p.oracle.BlockHashAt(pending.blockHeight)
	if err != nil {
		return err
	}
	broadcastDigest := wire.DoubleSHA256(wire.BroadcastSignedMessage(v.Addr, v.Nonce, blockHash, v.ReplierVin, local))
	sig, err := crypto.Sign(broadcastDigest[:], p.servicePriv)
	if err != nil {
		return err
	}
	broadcast := v
	broadcast.RequesterVin = local
	broadcast.RequesterSig = sig

	if err := p.transport.Broadcast(broadcast); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.pending, v.Nonce)
	p.mu.Unlock()

	p.reg.MutateLocked(pending.target, func(live *wire.NodeEntry) {
		if live.LastPoSeVerifiedBy == nil {
			live.LastPoSeVerifiedBy = make(map[wire.Outpoint]struct{})
		}
		live.LastPoSeVerifiedBy[local] = struct{}{}
	})
	metrics.ServiceNode().RecordPoSeVerify("broadcast_sent")
	return nil
}

// HandleBroadcast validates and applies an incoming Verify broadcast from
// any peer (auditor or not), computing the auditor's rank at the message's
// block_height-1 before delegating to the registry's ban-score mutation
// (§4.6 case 3, §4.1).
func (p *PoSeAudit) HandleBroadcast(v wire.Verify, tip uint32, now time.Time) registry.IngestResult {
	var rankHeight uint32
	if v.BlockHeight > 0 {
		rankHeight = v.BlockHeight - 1
	}
	blockHash, err := p.oracle.BlockHashAt(rankHeight)
	if err != nil {
		return registry.IngestResult{Outcome: registry.Rejected, Reason: "rank block hash not yet available"}
	}
	entries := p.reg.Enumerate()
	outpoints := enabledOutpoints(entries)
	rank := election.Rank(blockHash, outpoints, v.RequesterVin)

	res := p.reg.IngestVerify(v, rank, now)
	if res.Outcome == registry.Accepted {
		metrics.ServiceNode().RecordPoSeVerify("broadcast_applied")
	}
	return res
}

// CheckSameAddr groups nodes by net_addr; any group containing a
// PoSe-verified member increments pose_score on every other member of the
// group, since a legitimate node's address cannot legitimately be shared
// with an impostor. Repeated triggers eventually push pose_score to +MAX,
// at which point NodeLifecycle's existing transition rule moves the entry
// to PoSeBan (§4.6, §4.2).
func (p *PoSeAudit) CheckSameAddr() int {
	entries := p.reg.Enumerate()

	byAddr := make(map[string][]*wire.NodeEntry)
	for _, e := range entries {
		byAddr[e.NetAddr.String()] = append(byAddr[e.NetAddr.String()], e)
	}

	flagged := 0
	for addr, group := range byAddr {
		if len(group) < 2 {
			continue
		}
		verifiedPresent := false
		for _, e := range group {
			if len(e.LastPoSeVerifiedBy) > 0 {
				verifiedPresent = true
				break
			}
		}
		if !verifiedPresent {
			continue
		}
		groupFlagged := false
		for _, e := range group {
			if len(e.LastPoSeVerifiedBy) > 0 {
				continue
			}
			applied := p.reg.MutateLocked(e.Collateral, func(live *wire.NodeEntry) {
				live.PoSeScore = wire.ClampPoSeScore(live.PoSeScore + 1)
			})
			if applied {
				flagged++
				groupFlagged = true
			}
		}
		p.noteAddrOutcome(addr, groupFlagged)
	}
	if flagged > 0 {
		metrics.ServiceNode().RecordPoSeVerify("same_addr_flagged")
	} else {
		metrics.ServiceNode().RecordPoSeVerify("same_addr_clean")
	}
	return flagged
}

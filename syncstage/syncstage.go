// Package syncstage drives the staged bootstrap that populates Registry and
// PaymentElection from connected peers before the local node starts gossiping
// on its own (§4.4).
package syncstage

import (
	"sync"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/election"
	"nhbchain/observability/metrics"
	"nhbchain/params"
	"nhbchain/registry"
)

// Stage identifies where the bootstrap driver currently stands. Stages are
// monotone except for Failed, which is reachable from any stage and retried
// after SyncFailureCooldown.
type Stage int

const (
	Initial Stage = iota
	Sporks
	List
	Votes
	Finished
	Failed
)

func (s Stage) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Sporks:
		return "SPORKS"
	case List:
		return "LIST"
	case Votes:
		return "VOTES"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ConnectedPeer describes a peer the driver may target this tick.
type ConnectedPeer struct {
	ID              string
	ServiceNodeOnly bool // "zeronode-only" peers are skipped entirely (§4.4)
}

// Transport is the narrow outbound seam Sync needs from the peer-to-peer
// layer: issuing the staged requests and freeing a peer's slot once it has
// fully served this node.
type Transport interface {
	RequestFeatureFlags(peer string) error
	RequestFullList(peer string) error
	RequestPaymentSync(peer string, storageLimit uint32) error
	RequestLowDataBlocks(peer string, heights []uint32) error
	Disconnect(peer string) error
}

type peerStageKey struct {
	peer  string
	stage Stage
}

// Sync is the bootstrap orchestrator. It owns no node data directly; it only
// issues requests against Registry/PaymentElection's existing ingest paths
// and tracks which peer has been asked what.
type Sync struct {
	mu sync.Mutex

	reg  *registry.Registry
	elec *election.Election

	oracle    chainoracle.Oracle
	transport Transport

	stage Stage

	stageEnteredAt time.Time
	lastActivity   time.Time
	failedAt       time.Time
	attemptedThis  bool

	featureFlagsAsked map[string]time.Time
	askedPerStage     map[peerStageKey]time.Time
	fullySynced       map[string]bool
}

// New constructs a Sync driver bound to reg, elec, oracle and transport.
func New(reg *registry.Registry, elec *election.Election, oracle chainoracle.Oracle, transport Transport) *Sync {
	return &Sync{
		reg:               reg,
		elec:              elec,
		oracle:            oracle,
		transport:         transport,
		stage:             Initial,
		featureFlagsAsked: make(map[string]time.Time),
		askedPerStage:     make(map[peerStageKey]time.Time),
		fullySynced:       make(map[string]bool),
	}
}

// Stage reports the driver's current stage.
func (s *Sync) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *Sync) enterLocked(stage Stage, now time.Time) {
	s.stage = stage
	s.stageEnteredAt = now
	s.lastActivity = now
	s.attemptedThis = false
	metrics.ServiceNode().SetSyncStage(int(stage))
}

// Tick runs one pass of the driver over peers, per §4.4.
func (s *Sync) Tick(peers []ConnectedPeer, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage == Failed {
		if now.Sub(s.failedAt) < params.SyncFailureCooldown {
			return
		}
		s.enterLocked(List, now)
	}

	synced := s.oracle.IsSynced()
	if !synced && s.stage != Initial && s.stage != Sporks {
		s.stageEnteredAt = now
		return
	}

	if s.stage == Initial {
		s.enterLocked(Sporks, now)
	}
	if s.stage == Sporks && synced {
		s.enterLocked(List, now)
	}

	for _, peer := range peers {
		if peer.ServiceNodeOnly {
			continue
		}
		if _, asked := s.featureFlagsAsked[peer.ID]; !asked {
			if err := s.transport.RequestFeatureFlags(peer.ID); err == nil {
				s.featureFlagsAsked[peer.ID] = now
			}
		}

		switch s.stage {
		case List:
			s.driveListLocked(peer, now)
		case Votes:
			s.driveVotesLocked(peer, now)
		}
	}

	if s.stage == List && s.quietTimedOutLocked(now) {
		s.handleTimeoutLocked(Votes, now)
	}
	if s.stage == Votes && s.quietTimedOutLocked(now) && s.attemptedThis {
		s.handleTimeoutLocked(Finished, now)
	}
}

func (s *Sync) driveListLocked(peer ConnectedPeer, now time.Time) {
	key := peerStageKey{peer: peer.ID, stage: List}
	if _, asked := s.askedPerStage[key]; asked {
		return
	}
	if err := s.transport.RequestFullList(peer.ID); err != nil {
		return
	}
	s.askedPerStage[key] = now
	s.attemptedThis = true
	s.lastActivity = now
}

func (s *Sync) driveVotesLocked(peer ConnectedPeer, now time.Time) {
	key := peerStageKey{peer: peer.ID, stage: Votes}
	if _, asked := s.askedPerStage[key]; asked {
		return
	}
	storageLimit := params.StorageLimit(s.reg.Size())
	if err := s.transport.RequestPaymentSync(peer.ID, storageLimit); err != nil {
		return
	}
	tip, err := s.oracle.TipHeight()
	if err == nil {
		heights := s.elec.LowDataHeights(tip)
		if len(heights) > 0 {
			if len(heights) > params.MaxInv {
				heights = heights[:params.MaxInv]
			}
			_ = s.transport.RequestLowDataBlocks(peer.ID, heights)
		}
	}
	s.askedPerStage[key] = now
	s.attemptedThis = true
	s.lastActivity = now
}

// quietTimedOutLocked reports whether the 30 s quiet-timeout has elapsed
// since the last successful exchange in the current stage.
func (s *Sync) quietTimedOutLocked(now time.Time) bool {
	return now.Sub(s.lastActivity) >= params.SyncQuietTimeout
}

func (s *Sync) handleTimeoutLocked(nextOnSuccess Stage, now time.Time) {
	if !s.attemptedThis {
		s.stage = Failed
		s.failedAt = now
		metrics.ServiceNode().SetSyncStage(int(Failed))
		return
	}
	s.enterLocked(nextOnSuccess, now)
}

// NoteBlockCountAndAdvance checks the Votes-stage advance condition —
// block_count > storage_limit AND vote_count > storage_limit*8 — against the
// caller's locally observed counters, advancing to Finished on success
// (§4.4 step "In stage Votes").
func (s *Sync) NoteBlockCountAndAdvance(blockCount, voteCount uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != Votes {
		return
	}
	limit := params.StorageLimit(s.reg.Size())
	if blockCount > limit && voteCount > limit*params.LowDataVoteThreshold {
		s.enterLocked(Finished, now)
	}
}

// MarkPeerFullySynced records that peer has served every stage this driver
// needed and frees its slot (§4.4: "After full sync from a peer, disconnect
// it").
func (s *Sync) MarkPeerFullySynced(peer string) {
	s.mu.Lock()
	already := s.fullySynced[peer]
	s.fullySynced[peer] = true
	s.mu.Unlock()
	if !already {
		_ = s.transport.Disconnect(peer)
	}
}

// Finished reports whether the bootstrap has completed.
func (s *Sync) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage == Finished
}

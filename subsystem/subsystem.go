// Package subsystem threads the six service-node components — Registry,
// NodeLifecycle, PaymentElection, Sync, LocalNode, and PoSeAudit — through a
// single value with one entry point per process, replacing what the source
// implementation kept as global mutable singletons (§9 "Global mutable
// singletons").
package subsystem

import (
	"log/slog"
	"sync"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/election"
	"nhbchain/localnode"
	"nhbchain/lifecycle"
	"nhbchain/params"
	"nhbchain/poseaudit"
	"nhbchain/registry"
	"nhbchain/storage"
	"nhbchain/syncstage"
)

// PeerLister supplies the connected-peer set each tick so Sync can drive its
// staged bootstrap without owning a transport dependency itself.
type PeerLister interface {
	ConnectedPeers() []syncstage.ConnectedPeer
}

// Subsystem is the concurrency coordinator of §5: one lock on the Registry
// (a plain sync.Mutex owned internally by Registry itself; it is not
// reentrant) plus the independent
// per-component locks of Election and the rest, all driven here by a single
// periodic tick.
type Subsystem struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Checker
	Election  *election.Election
	Sync      *syncstage.Sync
	LocalNode *localnode.LocalNode
	PoSeAudit *poseaudit.PoSeAudit

	oracle chainoracle.Oracle
	peers  PeerLister
	store  *storage.Store
	logger *slog.Logger

	mu       sync.Mutex
	quit     chan struct{}
	running  bool
	tickSeq  uint64
	saveEach uint64 // persist every saveEach ticks; 0 disables persistence
}

// Config collects the already-constructed components a Subsystem threads
// together. Tests build their own Config with fakes; the cmd binaries build
// one through cmd/internal/nodestack, which wires a chainoracle.Fake, a
// no-op gossip transport, and a local wallet.
type Config struct {
	Registry  *registry.Registry
	Lifecycle *lifecycle.Checker
	Election  *election.Election
	Sync      *syncstage.Sync
	LocalNode *localnode.LocalNode
	PoSeAudit *poseaudit.PoSeAudit
	Oracle    chainoracle.Oracle
	Peers     PeerLister
	Store     *storage.Store
	Logger    *slog.Logger
}

// New builds a Subsystem from cfg. Every field except Peers, Store and
// Logger is required; a nil Peers gives Sync an empty peer set each tick,
// Store being nil disables persistence (useful for tests), and a nil Logger
// falls back to slog.Default().
func New(cfg Config) *Subsystem {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Subsystem{
		Registry:  cfg.Registry,
		Lifecycle: cfg.Lifecycle,
		Election:  cfg.Election,
		Sync:      cfg.Sync,
		LocalNode: cfg.LocalNode,
		PoSeAudit: cfg.PoSeAudit,
		oracle:    cfg.Oracle,
		peers:     cfg.Peers,
		store:     cfg.Store,
		logger:    logger.With(slog.String("component", "subsystem")),
		saveEach:  10,
	}
}

// Tick runs one pass of every component in this order: NodeLifecycle,
// Registry pruning, PaymentElection pruning and last-paid refresh, Sync,
// LocalNode, then PoSeAudit. It is safe to call concurrently with gossip ingest paths,
// which serialize internally through Registry.mu and Election's own locks.
func (s *Subsystem) Tick(now time.Time) {
	tip, err := s.oracle.TipHeight()
	if err != nil {
		s.logger.Warn("tip height unavailable, skipping tick", slog.Any("error", err))
		return
	}

	s.Lifecycle.CheckAll(now, false)
	removed := s.Registry.Prune(tip, now)
	if removed > 0 {
		s.logger.Info("pruned outpoint-spent entries", slog.Int("removed", removed))
	}
	s.Election.Prune(tip)
	s.Election.RefreshLastPaid(tip, s.oracle.IsSynced())

	var connected []syncstage.ConnectedPeer
	if s.peers != nil {
		connected = s.peers.ConnectedPeers()
	}
	s.Sync.Tick(connected, now)

	if err := s.LocalNode.Manage(now); err != nil {
		s.logger.Warn("local node management failed", slog.Any("error", err))
	}
	if err := s.LocalNode.MaybePing(now); err != nil {
		s.logger.Warn("local node ping failed", slog.Any("error", err))
	}

	if err := s.PoSeAudit.Tick(tip, now); err != nil {
		s.logger.Warn("pose audit tick failed", slog.Any("error", err))
	}
	if flagged := s.PoSeAudit.CheckSameAddr(); flagged > 0 {
		s.logger.Info("pose same-address sweep flagged entries", slog.Int("flagged", flagged))
	}

	s.mu.Lock()
	s.tickSeq++
	seq := s.tickSeq
	s.mu.Unlock()
	if s.store != nil && s.saveEach > 0 && seq%s.saveEach == 0 {
		if err := s.persist(); err != nil {
			s.logger.Warn("periodic persistence failed", slog.Any("error", err))
		}
	}
}

func (s *Subsystem) persist() error {
	if err := s.store.SaveRegistry(s.Registry); err != nil {
		return err
	}
	return s.store.SaveVotes(s.Election)
}

// LoadState restores Registry and Election from the configured Store, if
// any. Call this once at startup before Run.
func (s *Subsystem) LoadState() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.LoadRegistry(s.Registry); err != nil {
		return err
	}
	return s.store.LoadVotes(s.Election)
}

// Run drives Tick on a params.SyncTickInterval cadence (§5 "periodic tick
// driver (6 s cadence)") until Stop is called. cmd/svnoded calls it once at
// startup and blocks in it; cmd/svnodectl runs it in a goroutine.
func (s *Subsystem) Run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.quit = make(chan struct{})
	quit := s.quit
	s.mu.Unlock()

	ticker := time.NewTicker(params.SyncTickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.Tick(now)
		case <-quit:
			return
		}
	}
}

// Stop halts a running Run loop and, if a Store is configured, flushes one
// final snapshot so a clean shutdown never loses the last tick's state.
func (s *Subsystem) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.quit)
	s.mu.Unlock()

	if s.store != nil {
		return s.persist()
	}
	return nil
}

// Package lifecycle implements the per-node state machine driven by time,
// chain state, and liveness proofs (§4.2).
package lifecycle

import (
	"sync"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/observability/metrics"
	"nhbchain/params"
	"nhbchain/registry"
	"nhbchain/wire"
)

// heartbeatEpoch is the rolling window the abuse meter counts Pings over.
// maxHeartbeatsPerEpoch bounds bursts that clear the replay guard but still
// flood the registry with technically-distinct pings.
const (
	heartbeatEpoch        = time.Hour
	maxHeartbeatsPerEpoch = 4
)

// Checker evaluates lifecycle transitions against a Registry on a timer.
type Checker struct {
	reg    *registry.Registry
	oracle chainoracle.Oracle

	minPaymentProto uint32

	lastCheck map[wire.Outpoint]time.Time

	// watchdogVotes records the last time each outpoint cast a watchdog
	// vote; callers (LocalNode/syncstage) feed this via NoteWatchdogVote.
	watchdogVotes map[wire.Outpoint]time.Time
	watchdogOn    bool

	registrySynced bool

	// heartbeatMu guards the per-outpoint ping abuse meter; it is touched
	// from whichever goroutine feeds gossip into the registry, separate
	// from the CheckAll timer goroutine.
	heartbeatMu sync.Mutex
	heartbeats  map[wire.Outpoint]*heartbeatWindow
}

type heartbeatWindow struct {
	epochStart time.Time
	count      int
}

// NewChecker constructs a lifecycle checker bound to the given registry and
// chain oracle.
func NewChecker(reg *registry.Registry, oracle chainoracle.Oracle, minPaymentProto uint32) *Checker {
	return &Checker{
		reg:             reg,
		oracle:          oracle,
		minPaymentProto: minPaymentProto,
		lastCheck:       make(map[wire.Outpoint]time.Time),
		watchdogVotes:   make(map[wire.Outpoint]time.Time),
		heartbeats:      make(map[wire.Outpoint]*heartbeatWindow),
	}
}

// Precheck reports whether op may still submit a heartbeat within its
// current rolling epoch, without mutating any state. Mirrors the
// potso.Engine Precheck/Commit split so a rejected ping never counts against
// the budget it was rejected under.
func (c *Checker) Precheck(op wire.Outpoint, now time.Time) bool {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	w, ok := c.heartbeats[op]
	if !ok || now.Sub(w.epochStart) >= heartbeatEpoch {
		return true
	}
	return w.count < maxHeartbeatsPerEpoch
}

// Commit records that op's heartbeat was accepted at now, advancing its
// epoch window if the previous one has elapsed.
func (c *Checker) Commit(op wire.Outpoint, now time.Time) {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	w, ok := c.heartbeats[op]
	if !ok || now.Sub(w.epochStart) >= heartbeatEpoch {
		w = &heartbeatWindow{epochStart: now}
		c.heartbeats[op] = w
	}
	w.count++
}

// SetRegistrySynced toggles whether the registry has completed its initial
// sync; while false, nodes that were never pinged stay in their start-up
// state instead of being forced to Expired/NewStartRequired (§4.2).
func (c *Checker) SetRegistrySynced(synced bool) {
	c.registrySynced = synced
}

// SetWatchdogEnabled toggles whether the watchdog-vote staleness rule is
// active (the original feature is operator/spork controlled).
func (c *Checker) SetWatchdogEnabled(enabled bool) {
	c.watchdogOn = enabled
}

// NoteWatchdogVote records that op cast a watchdog vote at now.
func (c *Checker) NoteWatchdogVote(op wire.Outpoint, now time.Time) {
	c.watchdogVotes[op] = now
}

// CheckAll evaluates every registry entry whose CheckInterval has elapsed,
// returning the number of entries that changed lifecycle state.
func (c *Checker) CheckAll(now time.Time, force bool) int {
	tip, err := c.oracle.TipHeight()
	if err != nil {
		return 0
	}
	changed := 0
	for _, entry := range c.reg.Enumerate() {
		if !force {
			if last, ok := c.lastCheck[entry.Collateral]; ok && now.Sub(last) < params.CheckInterval {
				continue
			}
		}
		c.lastCheck[entry.Collateral] = now
		if c.checkOne(entry, tip, now) {
			changed++
		}
	}
	metrics.ServiceNode().SetRegistrySize(c.reg.Size())
	return changed
}

// checkOne applies the transition table of §4.2 to a single entry, writing
// the result back into the registry.
func (c *Checker) checkOne(entry *wire.NodeEntry, tip uint32, now time.Time) bool {
	if entry.LifecycleState == wire.PoSeBan && tip >= entry.PoSeBanHeight {
		c.reg.MutateLocked(entry.Collateral, func(live *wire.NodeEntry) {
			live.PoSeScore = wire.ClampPoSeScore(live.PoSeScore - 1)
		})
		if fresh := c.reg.Lookup(entry.Collateral); fresh != nil {
			entry = fresh
		}
	}

	if utxo, err := c.oracle.UTXO(entry.Collateral); err == nil && utxo != nil && utxo.Height <= tip {
		if age := tip - utxo.Height; age != entry.CachedCollateralAge {
			c.reg.MutateLocked(entry.Collateral, func(live *wire.NodeEntry) {
				live.CachedCollateralAge = age
			})
			if fresh := c.reg.Lookup(entry.Collateral); fresh != nil {
				entry = fresh
			}
		}
	}

	target := c.evaluate(entry, tip, now)
	if target == entry.LifecycleState {
		return false
	}
	applied := c.reg.MutateLocked(entry.Collateral, func(live *wire.NodeEntry) {
		live.LifecycleState = target
		if target == wire.PoSeBan {
			live.PoSeBanHeight = tip + uint32(c.reg.Size())
		}
	})
	if applied {
		metrics.ServiceNode().RecordLifecycleTransition(target.String())
	}
	return applied
}

func (c *Checker) evaluate(entry *wire.NodeEntry, tip uint32, now time.Time) wire.LifecycleState {
	utxo, err := c.oracle.UTXO(entry.Collateral)
	if err == nil && utxo == nil {
		return wire.OutpointSpent
	}

	if entry.LifecycleState == wire.PoSeBan && tip < entry.PoSeBanHeight {
		return wire.PoSeBan
	}
	if entry.PoSeScore >= wire.MaxPoSeScore {
		return wire.PoSeBan
	}

	if entry.ProtocolVersion < c.minPaymentProto {
		return wire.UpdateRequired
	}

	waitingForFirstPing := entry.LastPing == nil
	if waitingForFirstPing && !c.registrySynced {
		return entry.LifecycleState
	}

	if entry.LastPing == nil {
		if now.Sub(time.Unix(entry.SigTime, 0)) > params.NewStartRequired {
			return wire.NewStartRequired
		}
		return entry.LifecycleState
	}

	if now.Sub(time.Unix(entry.LastPing.SigTime, 0)) > params.NewStartRequired {
		return wire.NewStartRequired
	}

	if c.watchdogOn {
		lastVote, ok := c.watchdogVotes[entry.Collateral]
		if !ok || now.Sub(lastVote) > params.WatchdogExpiration {
			return wire.WatchdogExpired
		}
	}

	if now.Sub(time.Unix(entry.LastPing.SigTime, 0)) > params.Expiration {
		return wire.Expired
	}

	if time.Duration(entry.LastPing.SigTime-entry.SigTime)*time.Second < params.MinPing {
		return wire.PreEnabled
	}

	return wire.Enabled
}

package election

import (
	"sort"
	"sync"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/observability/metrics"
	"nhbchain/params"
	"nhbchain/registry"
	"nhbchain/wire"
)

// PaymentAmountFunc computes the exact amount a winning payee must receive
// given the block height and the coinbase's total output value. The source
// implementation derives this from the block subsidy schedule, which lives
// outside this subsystem (§1 scope); callers wire in their own schedule.
type PaymentAmountFunc func(height uint32, totalOut int64) int64

// DefaultPaymentAmount reserves a fixed 20% service-node share of the
// coinbase, matching the reward split convention of the source network
// until a richer subsidy schedule is wired in.
func DefaultPaymentAmount(_ uint32, totalOut int64) int64 {
	return totalOut / 5
}

type voteKey struct {
	voter  wire.Outpoint
	height uint32
}

// Election collects payment votes, derives winners, and validates coinbase
// payees (§4.3). It reads the Registry to rank candidates but owns its own
// vote/payee maps so reads don't serialize behind vote ingest (§5).
type Election struct {
	reg    *registry.Registry
	oracle chainoracle.Oracle

	minPaymentProto uint32
	paymentAmount   PaymentAmountFunc

	votesMu sync.RWMutex
	votes   map[voteKey]wire.PaymentVote

	payeesMu sync.RWMutex
	payees   map[uint32]*wire.BlockPayeeSet

	localOutpoint wire.Outpoint
	hasLocal      bool

	// lastPaidMu guards lastPaidFirstRun, touched by RefreshLastPaid from
	// whichever goroutine drives the periodic tick.
	lastPaidMu       sync.Mutex
	lastPaidFirstRun bool
}

// New constructs an Election bound to reg and oracle.
func New(reg *registry.Registry, oracle chainoracle.Oracle, minPaymentProto uint32) *Election {
	return &Election{
		reg:              reg,
		oracle:           oracle,
		minPaymentProto:  minPaymentProto,
		paymentAmount:    DefaultPaymentAmount,
		votes:            make(map[voteKey]wire.PaymentVote),
		payees:           make(map[uint32]*wire.BlockPayeeSet),
		lastPaidFirstRun: true,
	}
}

// SetPaymentAmountFunc overrides the default 20% subsidy split.
func (e *Election) SetPaymentAmountFunc(fn PaymentAmountFunc) {
	if fn != nil {
		e.paymentAmount = fn
	}
}

// SetLocalOutpoint marks which outpoint (if any) belongs to the local node,
// used by ShouldVote.
func (e *Election) SetLocalOutpoint(op wire.Outpoint) {
	e.localOutpoint = op
	e.hasLocal = true
}

// HasLocalOutpoint reports whether SetLocalOutpoint has been called; until
// it has, ShouldVote always returns false.
func (e *Election) HasLocalOutpoint() bool {
	return e.hasLocal
}

// candidate pairs a live entry with its last-paid height for sorting.
type candidate struct {
	entry *wire.NodeEntry
}

// QueueForPayment derives the ordered payment queue at height h per §4.3
// steps 1-4, returning the winner (or nil if no candidate qualifies) plus
// the disqualification reason recorded for every dropped node.
func (e *Election) QueueForPayment(h uint32, now time.Time) (*wire.NodeEntry, map[wire.Outpoint]wire.DisqualifyReason, error) {
	entries := e.reg.Enumerate()
	registrySize := len(entries)

	scheduled := e.scheduledOutpoints(h, entries)

	reasons := make(map[wire.Outpoint]wire.DisqualifyReason)
	survivors, reasons := e.filterCandidates(entries, scheduled, registrySize, true, now, reasons)

	if len(survivors) < registrySize/3 {
		// §4.3 step 4: retry once with the sig-time filter disabled.
		reasons = make(map[wire.Outpoint]wire.DisqualifyReason)
		survivors, reasons = e.filterCandidates(entries, scheduled, registrySize, false, now, reasons)
	}

	if len(survivors) == 0 {
		return nil, reasons, nil
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i].entry, survivors[j].entry
		if a.CachedLastPaidBlock != b.CachedLastPaidBlock {
			return a.CachedLastPaidBlock < b.CachedLastPaidBlock
		}
		return a.Collateral.Less(b.Collateral)
	})

	tenth := len(survivors) / params.OldestTenthDivisor
	if tenth < 1 {
		tenth = len(survivors)
	}
	pool := survivors[:tenth]

	rankHeight := int64(h) - params.ElectionVoteLookback
	if rankHeight < 0 {
		rankHeight = 0
	}
	blockHash, err := e.oracle.BlockHashAt(uint32(rankHeight))
	if err != nil {
		return nil, reasons, err
	}

	var winner *wire.NodeEntry
	var winnerScore *scoredCandidate
	for _, c := range pool {
		score := Score(blockHash, c.entry.Collateral)
		if winnerScore == nil || score.Cmp(winnerScore.score) > 0 {
			winner = c.entry
			winnerScore = &scoredCandidate{op: c.entry.Collateral, score: score}
		}
	}
	return winner, reasons, nil
}

func (e *Election) filterCandidates(entries []*wire.NodeEntry, scheduled map[wire.Outpoint]bool, registrySize int, applySigTimeFilter bool, now time.Time, reasons map[wire.Outpoint]wire.DisqualifyReason) ([]candidate, map[wire.Outpoint]wire.DisqualifyReason) {
	var survivors []candidate
	sigTimeFloor := now.Add(-time.Duration(registrySize) * params.SigTimeFilterSecondsPerNode).Unix()
	for _, entry := range entries {
		if entry.LifecycleState != wire.Enabled {
			reasons[entry.Collateral] = wire.DisqualifyReason{Kind: wire.DisqualifyNotValidForPayment}
			continue
		}
		if entry.ProtocolVersion < e.minPaymentProto {
			reasons[entry.Collateral] = wire.DisqualifyReason{Kind: wire.DisqualifyOldProtocol, Protocol: entry.ProtocolVersion}
			continue
		}
		if scheduled[entry.Collateral] {
			reasons[entry.Collateral] = wire.DisqualifyReason{Kind: wire.DisqualifyScheduled}
			continue
		}
		if applySigTimeFilter && entry.SigTime > sigTimeFloor {
			reasons[entry.Collateral] = wire.DisqualifyReason{Kind: wire.DisqualifyTooNew, SigTime: entry.SigTime, QualifiesAt: sigTimeFloor}
			continue
		}
		if entry.CachedCollateralAge < uint32(registrySize) {
			reasons[entry.Collateral] = wire.DisqualifyReason{Kind: wire.DisqualifyYoungCollateral, CollatAge: entry.CachedCollateralAge, RequiredAge: uint32(registrySize)}
			continue
		}
		survivors = append(survivors, candidate{entry: entry})
	}
	return survivors, reasons
}

// scheduledOutpoints returns the set of outpoints already paid (or about
// to be paid) within the next ScheduleLookahead blocks. Scheduling is keyed
// on each node's own payout script, since BlockPayeeSet buckets only record
// scripts.
func (e *Election) scheduledOutpoints(h uint32, entries []*wire.NodeEntry) map[wire.Outpoint]bool {
	scriptToOutpoint := make(map[string]wire.Outpoint, len(entries))
	for _, entry := range entries {
		scriptToOutpoint[string(wire.PayoutScript(entry.CollateralPubKey))] = entry.Collateral
	}

	scheduled := make(map[wire.Outpoint]bool)
	e.payeesMu.RLock()
	defer e.payeesMu.RUnlock()
	for height := h; height < h+params.ScheduleLookahead; height++ {
		set, ok := e.payees[height]
		if !ok {
			continue
		}
		winner := set.Winner()
		if winner == nil {
			continue
		}
		if op, ok := scriptToOutpoint[string(winner.PayeeScript)]; ok {
			scheduled[op] = true
		}
	}
	return scheduled
}

// RefreshLastPaid derives CachedLastPaidBlock/CachedLastPaidTime for every
// registry entry, mirroring the original's CZeronodeMan::UpdateLastPaid.
// synced should reflect whether the vote/payee view has completed its
// initial catch-up; until it has (or on the very first call), the scan
// walks back the full storage-limit window instead of the tighter
// steady-state window, matching "every time is like the first time if
// winners list is not synced."
func (e *Election) RefreshLastPaid(tip uint32, synced bool) {
	e.lastPaidMu.Lock()
	firstRun := e.lastPaidFirstRun
	e.lastPaidFirstRun = false
	e.lastPaidMu.Unlock()

	scanBack := uint32(params.LastPaidScanBlocks)
	if firstRun || !synced {
		scanBack = params.StorageLimit(e.reg.Size())
	}
	for _, entry := range e.reg.Enumerate() {
		e.refreshEntryLastPaid(entry, tip, scanBack)
	}
}

// refreshEntryLastPaid walks backward from tip, up to scanBack blocks and
// never past the already-recorded CachedLastPaidBlock, looking for the most
// recent height whose quorum-reached payee bucket names entry's payout
// script and whose actual coinbase paid it the exact expected amount. The
// first (most recent) match wins; a miss leaves the cached value untouched.
func (e *Election) refreshEntryLastPaid(entry *wire.NodeEntry, tip uint32, scanBack uint32) {
	script := wire.PayoutScript(entry.CollateralPubKey)
	floor := int64(entry.CachedLastPaidBlock)
	scanned := uint32(0)
	for height := int64(tip); height > floor && scanned < scanBack; height-- {
		scanned++
		h := uint32(height)
		winner := e.Winner(h)
		if winner == nil || len(winner.VoteHashes) < params.VoteQuorum || string(winner.PayeeScript) != string(script) {
			continue
		}
		tx, err := e.oracle.ReadCoinbase(h)
		if err != nil {
			continue
		}
		wantAmount := e.paymentAmount(h, tx.TotalOut())
		for _, out := range tx.Outputs {
			if out.Amount != wantAmount || string(out.PayeeScript) != string(script) {
				continue
			}
			blockTime, err := e.oracle.BlockTimeAt(h)
			if err != nil {
				return
			}
			e.reg.MutateLocked(entry.Collateral, func(live *wire.NodeEntry) {
				live.CachedLastPaidBlock = h
				live.CachedLastPaidTime = blockTime
			})
			return
		}
	}
}

// ShouldVote reports whether the local node is ranked within the top
// VoteConsidered at height h-101, and if so the winner it should nominate
// for height h+PaymentVoteLeadTime (§4.3 Voting).
func (e *Election) ShouldVote(h uint32, now time.Time) (bool, *wire.NodeEntry, uint32, error) {
	if !e.hasLocal {
		return false, nil, 0, nil
	}
	rankHeight := int64(h) - params.ElectionVoteLookback
	if rankHeight < 0 {
		return false, nil, 0, nil
	}
	blockHash, err := e.oracle.BlockHashAt(uint32(rankHeight))
	if err != nil {
		return false, nil, 0, err
	}
	candidates := make([]wire.Outpoint, 0)
	for _, entry := range e.reg.Enumerate() {
		if entry.LifecycleState == wire.Enabled {
			candidates = append(candidates, entry.Collateral)
		}
	}
	rank := Rank(blockHash, candidates, e.localOutpoint)
	if rank == 0 || rank > params.VoteConsidered {
		return false, nil, 0, nil
	}
	winner, _, err := e.QueueForPayment(h, now)
	if err != nil {
		return false, nil, 0, err
	}
	return winner != nil, winner, h + params.PaymentVoteLeadTime, nil
}

// publishBucketMetrics publishes the current vote bucket size for height to the
// observability registry.
func (e *Election) publishBucketMetrics(height uint32) {
	e.payeesMu.RLock()
	set, ok := e.payees[height]
	e.payeesMu.RUnlock()
	if !ok {
		return
	}
	winner := set.Winner()
	if winner == nil {
		return
	}
	metrics.ServiceNode().SetVoteBucketSize(heightLabel(height), len(winner.VoteHashes))
}

func heightLabel(h uint32) string {
	const digits = "0123456789"
	if h == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for h > 0 {
		i--
		buf[i] = digits[h%10]
		h /= 10
	}
	return string(buf[i:])
}

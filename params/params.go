// Package params centralizes the timing and sizing constants shared across
// registry, lifecycle, election, syncstage, localnode, and poseaudit so the
// values named in the specification live in exactly one place.
package params

import "time"

// Network identifies which chain parameters (port, confirmation policy)
// apply.
type Network int

const (
	Mainnet Network = iota
	Testnet
	Regtest
)

const (
	// MaxPoSeScore bounds pose_score to [-MaxPoSeScore, +MaxPoSeScore] (§3).
	MaxPoSeScore = 5

	// MinConfirmations is the minimum confirmation depth required for a
	// collateral UTXO (§3, §4.1 check_outpoint).
	MinConfirmations = 15

	// CollateralAmount is the exact value (in base units) a collateral
	// UTXO must hold.
	CollateralAmount int64 = 5_000_000_00000000 // 5,000,000 coins at 1e8 base units

	// MainnetDefaultPort is the required port on mainnet; any other
	// network must use a different port (§3 port discipline).
	MainnetDefaultPort = 9940

	// CheckInterval is the minimum spacing between unforced
	// NodeLifecycle.Check evaluations per node (§4.2).
	CheckInterval = 5 * time.Second

	// MinPing is the minimum spacing between accepted heart-beats, and
	// the amount by which a fresh ping must postdate the owning
	// Announce's sig_time to leave PreEnabled (§3, §4.2).
	MinPing = 10 * time.Minute

	// PingReplayGuard is the window inside which a repeated ping is
	// rejected as spam/replay (§4.1: "MIN_PING - 60s").
	PingReplayGuard = MinPing - 60*time.Second

	// Expiration is the liveness window after which a node without a
	// fresh ping transitions to Expired (§4.2).
	Expiration = 65 * time.Minute

	// NewStartRequired is the liveness window after which a node without
	// any fresh ping transitions to NewStartRequired (§4.2) and the
	// staleness bound for cached Announces in the seen-cache (§4.1).
	NewStartRequired = 180 * time.Minute

	// WatchdogExpiration is the maximum age of the last watchdog vote
	// before a node is flagged WatchdogExpired (§4.2).
	WatchdogExpiration = 120 * time.Minute

	// DsegUpdateInterval rate-limits per-(peer, outpoint) targeted fetch
	// requests and per-peer full-list requests (§4.1).
	DsegUpdateInterval = 3 * time.Hour

	// FutureTimeBound is the maximum amount a signed message's sig_time
	// may exceed the local clock before it is rejected (§3).
	FutureTimeBound = 3600 * time.Second

	// PingBlockHashOffset is how far behind the signer's tip the Ping's
	// referenced block_hash must be (§3).
	PingBlockHashOffset = 12

	// PingBlockHashMaxAge is how old a Ping's block_hash is allowed to be
	// relative to our own tip before rejection (§4.1 ingest_ping).
	PingBlockHashMaxAge = 24

	// MaxPoseBlocks bounds how long a seen Verify stays cached before
	// eviction relative to tip (§4.1 seen caches).
	MaxPoseBlocks = 10

	// VoteQuorum is the number of signatures required for a payment
	// bucket to bind block validation (§3, §4.3).
	VoteQuorum = 6

	// VoteConsidered is the total number of top-ranked nodes whose votes
	// are solicited per block (§3).
	VoteConsidered = 10

	// MaxRank bounds PoSeAudit participation and the selection offset of
	// its targets (§4.6); vote ingest ranks against VoteConsidered instead.
	MaxRank = 10

	// MaxConnections bounds how many peers a single PoSeAudit tick probes
	// (§4.6).
	MaxConnections = 10

	// ElectionVoteLookback is the block-height offset used both to
	// determine voting eligibility and to rank the winner (h-101) (§4.3).
	ElectionVoteLookback = 101

	// VoteHeightLookahead bounds how far into the future a vote's
	// block_height may lie relative to tip (§4.3 vote ingest).
	VoteHeightLookahead = 20

	// PaymentVoteLeadTime is how far ahead of the voting height the
	// nominated payment height lies (h+5) (§4.3).
	PaymentVoteLeadTime = 5

	// ScheduleLookahead is how many upcoming blocks are considered
	// "already scheduled" when filtering election candidates (§4.3).
	ScheduleLookahead = 8

	// SigTimeFilterSecondsPerNode is the per-registry-size multiplier
	// used to derive the minimum sig_time age for election candidates
	// (§4.3: "|registry| x 156s").
	SigTimeFilterSecondsPerNode = 156 * time.Second

	// SigTimeFilterMinFraction is the minimum fraction of the registry
	// the sig-time filter must leave standing before it is disabled and
	// the queue retried (§4.3).
	SigTimeFilterMinFraction = 3 // |registry| / 3

	// OldestTenthDivisor selects the oldest-paid slice of survivors
	// considered for the final ranking pass (§4.3).
	OldestTenthDivisor = 10

	// MaxInv bounds how many items are batched into a single inventory
	// or GetData message (§4.3 sync-in).
	MaxInv = 50

	// StorageLimitMinimum is the floor of the sliding vote-retention
	// window regardless of registry size (§3, glossary "Storage limit").
	StorageLimitMinimum = 5000

	// StorageLimitRegistryFactor multiplies registry size to derive the
	// vote-retention window (§3).
	StorageLimitRegistryFactor = 1.25

	// LowDataVoteThreshold is the total vote count at a height below which
	// (absent a quorum bucket) the height is considered low-data and
	// eligible for block-based recovery; its value is the mean of
	// VoteQuorum and VoteConsidered, (6+10)/2 = 8 (§4.3).
	LowDataVoteThreshold = 8

	// MinPaymentProtoDefault is the default minimum protocol version
	// accepted for payment participation; operators may raise it via
	// config/spork in the future (§4.2, §4.3).
	MinPaymentProtoDefault = 70015

	// SyncTickInterval is the cadence of the Sync driver (§4.4).
	SyncTickInterval = 6 * time.Second

	// SyncQuietTimeout bounds how long Sync waits for a peer response
	// before switching peers or failing the stage (§4.4, §5).
	SyncQuietTimeout = 30 * time.Second

	// SyncFailureCooldown is the retry backoff after a Sync stage enters
	// Failed (§4.4).
	SyncFailureCooldown = 60 * time.Second

	// LastPaidScanBlocks bounds how many blocks the last-paid derivation
	// walks backward from tip once the winners list has already been
	// scanned once (§4.3 step 2, "UpdateLastPaid" scan-back window).
	LastPaidScanBlocks = 100
)

// PortFor returns the required listen port for the given network,
// implementing the port-discipline invariant of §3.
func PortFor(n Network) int {
	switch n {
	case Mainnet:
		return MainnetDefaultPort
	case Testnet:
		return 19940
	case Regtest:
		return 19941
	default:
		return MainnetDefaultPort
	}
}

// StorageLimit computes the sliding vote-retention window for a registry of
// the given size (§3, glossary).
func StorageLimit(registrySize int) uint32 {
	scaled := float64(registrySize) * StorageLimitRegistryFactor
	if scaled < StorageLimitMinimum {
		return StorageLimitMinimum
	}
	return uint32(scaled)
}

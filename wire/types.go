package wire

import (
	"fmt"
	"net"
	"strconv"

	"nhbchain/crypto"
)

// LifecycleState enumerates every state a NodeEntry can occupy. See
// lifecycle.Checker for the transition table.
type LifecycleState int

const (
	PreEnabled LifecycleState = iota
	Enabled
	Expired
	OutpointSpent
	UpdateRequired
	WatchdogExpired
	NewStartRequired
	PoSeBan
)

func (s LifecycleState) String() string {
	switch s {
	case PreEnabled:
		return "PRE_ENABLED"
	case Enabled:
		return "ENABLED"
	case Expired:
		return "EXPIRED"
	case OutpointSpent:
		return "OUTPOINT_SPENT"
	case UpdateRequired:
		return "UPDATE_REQUIRED"
	case WatchdogExpired:
		return "WATCHDOG_EXPIRED"
	case NewStartRequired:
		return "NEW_START_REQUIRED"
	case PoSeBan:
		return "POSE_BAN"
	default:
		return "UNKNOWN"
	}
}

// IsValidStateForAutoStart reports whether a node in this state is eligible
// to auto-resume from a cached recovery Announce (§4.1 step 2).
func (s LifecycleState) IsValidStateForAutoStart() bool {
	switch s {
	case PreEnabled, Enabled, WatchdogExpired:
		return true
	default:
		return false
	}
}

// Ping is the periodic signed heart-beat proving liveness and chain
// observation (§3).
type Ping struct {
	Collateral Outpoint
	BlockHash  Hash256
	SigTime    int64
	Sig        []byte
}

// SignedMessage returns the canonical byte-string signed for a Ping:
// outpoint_string || block_hash_string || sig_time_string.
func (p Ping) SignedMessage() []byte {
	s := p.Collateral.String() + hashString(p.BlockHash) + strconv.FormatInt(p.SigTime, 10)
	return []byte(s)
}

// Announce (a.k.a. Broadcast) is the wire form used to introduce or refresh
// a node; it is a superset of NodeEntry plus the last known Ping.
type Announce struct {
	Collateral       Outpoint
	NetAddr          net.TCPAddr
	CollateralPubKey *crypto.PublicKey
	ServicePubKey    *crypto.PublicKey
	ProtocolVersion  uint32
	SigTime          int64
	BroadcastSig     []byte
	LastPing         *Ping
}

// SignedMessage returns the canonical byte-string signed by the collateral
// key for an Announce: addr_str || sig_time || collateral_pubkey_id ||
// service_pubkey_id || protocol_version.
func (a Announce) SignedMessage() []byte {
	s := a.NetAddr.String() +
		strconv.FormatInt(a.SigTime, 10) +
		a.CollateralPubKey.ID() +
		a.ServicePubKey.ID() +
		strconv.FormatUint(uint64(a.ProtocolVersion), 10)
	return []byte(s)
}

// CanonicalBytes returns the byte-string hashed to produce the seen-announces
// cache key (§4.1 step 1). It must be stable across re-serialization.
func (a Announce) CanonicalBytes() []byte {
	s := a.Collateral.String() + "|" + string(a.SignedMessage()) + "|" + string(a.BroadcastSig)
	return []byte(s)
}

// NodeEntry is one registered service node.
type NodeEntry struct {
	Collateral          Outpoint
	NetAddr             net.TCPAddr
	CollateralPubKey    *crypto.PublicKey
	ServicePubKey       *crypto.PublicKey
	ProtocolVersion     uint32
	SigTime             int64
	BroadcastSig        []byte
	LastPing            *Ping
	LifecycleState      LifecycleState
	PoSeScore           int16
	PoSeBanHeight       uint32
	CachedCollateralAge uint32
	CachedLastPaidBlock uint32
	CachedLastPaidTime  int64
	LastPoSeVerifiedBy  map[Outpoint]struct{}
}

// MaxPoSeScore is the clamp bound for NodeEntry.PoSeScore.
const MaxPoSeScore int16 = 5

// NewEntryFromAnnounce builds a fresh NodeEntry from an accepted Announce.
func NewEntryFromAnnounce(ann Announce) *NodeEntry {
	return &NodeEntry{
		Collateral:         ann.Collateral,
		NetAddr:            ann.NetAddr,
		CollateralPubKey:   ann.CollateralPubKey,
		ServicePubKey:      ann.ServicePubKey,
		ProtocolVersion:    ann.ProtocolVersion,
		SigTime:            ann.SigTime,
		BroadcastSig:       ann.BroadcastSig,
		LastPing:           ann.LastPing,
		LifecycleState:     PreEnabled,
		LastPoSeVerifiedBy: make(map[Outpoint]struct{}),
	}
}

// ClampPoSeScore enforces the [-MaxPoSeScore, +MaxPoSeScore] invariant.
func ClampPoSeScore(score int16) int16 {
	if score > MaxPoSeScore {
		return MaxPoSeScore
	}
	if score < -MaxPoSeScore {
		return -MaxPoSeScore
	}
	return score
}

// PaymentVote nominates a payee script for a future block height.
type PaymentVote struct {
	VoterOutpoint Outpoint
	BlockHeight   uint32
	PayeeScript   []byte
	Sig           []byte
}

// SignedMessage returns the canonical byte-string signed for a vote:
// voter_outpoint_str || block_height_str || payee_script_asm.
func (v PaymentVote) SignedMessage() []byte {
	s := v.VoterOutpoint.String() + strconv.FormatUint(uint64(v.BlockHeight), 10) + scriptASM(v.PayeeScript)
	return []byte(s)
}

// PayeeBucket accumulates votes nominating the same payee script at a
// single block height.
type PayeeBucket struct {
	PayeeScript []byte
	VoteHashes  []Hash256
}

// BlockPayeeSet is the ordered set of payee buckets competing for a single
// block_height.
type BlockPayeeSet struct {
	BlockHeight uint32
	Buckets     []*PayeeBucket
}

// BucketFor returns the bucket for script, creating it if absent.
func (s *BlockPayeeSet) BucketFor(script []byte) *PayeeBucket {
	for _, b := range s.Buckets {
		if string(b.PayeeScript) == string(script) {
			return b
		}
	}
	b := &PayeeBucket{PayeeScript: append([]byte{}, script...)}
	s.Buckets = append(s.Buckets, b)
	return b
}

// Winner returns the bucket with the most votes, or nil if the set is empty.
func (s *BlockPayeeSet) Winner() *PayeeBucket {
	var winner *PayeeBucket
	for _, b := range s.Buckets {
		if winner == nil || len(b.VoteHashes) > len(winner.VoteHashes) {
			winner = b
		}
	}
	return winner
}

// Verify is the three-case PoSe challenge/reply/broadcast message.
type Verify struct {
	Addr         net.TCPAddr
	Nonce        uint64
	BlockHeight  uint32
	ReplierSig   []byte // vchSig1, set on reply
	ReplierVin   Outpoint
	RequesterVin Outpoint
	RequesterSig []byte // vchSig2, set on broadcast
}

// IsRequest reports whether v carries neither signature (case 1).
func (v Verify) IsRequest() bool { return len(v.ReplierSig) == 0 && len(v.RequesterSig) == 0 }

// IsReply reports whether v carries only the replier signature (case 2).
func (v Verify) IsReply() bool { return len(v.ReplierSig) != 0 && len(v.RequesterSig) == 0 }

// IsBroadcast reports whether v carries both signatures (case 3).
func (v Verify) IsBroadcast() bool { return len(v.RequesterSig) != 0 }

// ReplySignedMessage is the byte-string the replier signs:
// addr_str || nonce || block_hash_at(block_height).
func ReplySignedMessage(addr net.TCPAddr, nonce uint64, blockHash Hash256) []byte {
	return []byte(addr.String() + strconv.FormatUint(nonce, 10) + hashString(blockHash))
}

// BroadcastSignedMessage is the byte-string the requester signs:
// addr_str || nonce || block_hash || vin1_str || vin2_str.
func BroadcastSignedMessage(addr net.TCPAddr, nonce uint64, blockHash Hash256, vin1, vin2 Outpoint) []byte {
	return []byte(addr.String() + strconv.FormatUint(nonce, 10) + hashString(blockHash) + vin1.String() + vin2.String())
}

// DisqualifyReason explains why a node did not qualify for the payment
// queue, replacing the dynamic C-string "reason" of the original
// implementation with an explicit sum type (§9).
type DisqualifyReason struct {
	Kind         DisqualifyKind
	Protocol     uint32
	SigTime      int64
	QualifiesAt  int64
	CollatAge    uint32
	RequiredAge  uint32
}

type DisqualifyKind int

const (
	DisqualifyNone DisqualifyKind = iota
	DisqualifyNotValidForPayment
	DisqualifyOldProtocol
	DisqualifyScheduled
	DisqualifyTooNew
	DisqualifyYoungCollateral
)

func (r DisqualifyReason) String() string {
	switch r.Kind {
	case DisqualifyNone:
		return "qualified"
	case DisqualifyNotValidForPayment:
		return "not in ENABLED state"
	case DisqualifyOldProtocol:
		return fmt.Sprintf("protocol version %d below minimum", r.Protocol)
	case DisqualifyScheduled:
		return "already scheduled within the next 8 blocks"
	case DisqualifyTooNew:
		return fmt.Sprintf("sig_time %d does not qualify until %d", r.SigTime, r.QualifiesAt)
	case DisqualifyYoungCollateral:
		return fmt.Sprintf("collateral age %d below required %d", r.CollatAge, r.RequiredAge)
	default:
		return "unknown"
	}
}

func hashString(h Hash256) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(h)*2)
	for i, v := range h {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

// scriptASM renders a script's bytes as one contiguous lowercase hex string,
// sufficient for canonical signing purposes (not a full disassembler).
func scriptASM(script []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(script)*2)
	for i, v := range script {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

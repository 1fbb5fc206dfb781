// Package localnode drives self-activation: detecting the operator's own
// collateral (or existing registry entry), broadcasting an Announce, and
// emitting periodic Ping heart-beats once started (§4.5).
package localnode

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/crypto"
	"nhbchain/params"
	"nhbchain/registry"
	"nhbchain/wire"
)

// State is the coarse activation state of the local node.
type State int

const (
	Initial State = iota
	SyncInProcess
	InputTooNew
	NotCapable
	Started
)

func (s State) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case SyncInProcess:
		return "SYNC_IN_PROCESS"
	case InputTooNew:
		return "INPUT_TOO_NEW"
	case NotCapable:
		return "NOT_CAPABLE"
	case Started:
		return "STARTED"
	default:
		return "UNKNOWN"
	}
}

// SubType distinguishes how Started was reached.
type SubType int

const (
	Unknown SubType = iota
	Remote
	Local
)

func (s SubType) String() string {
	switch s {
	case Remote:
		return "REMOTE"
	case Local:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// ErrWalletLocked is surfaced in Status when the wallet path cannot proceed.
var ErrWalletLocked = errors.New("localnode: wallet is locked")

// ErrNoCollateral is surfaced in Status when the wallet has no eligible UTXO.
var ErrNoCollateral = errors.New("localnode: no collateral utxo available")

// Wallet is the narrow collateral seam this package needs; the wallet's own
// balance/unlock logic lives outside this subsystem (§1 scope).
type Wallet interface {
	IsUnlocked() bool
	CollateralUTXO() (wire.Outpoint, *crypto.PrivateKey, error)
	LockCoin(op wire.Outpoint) error
}

// Network is the transport seam for IP discovery, self-connect testing, and
// broadcasting the Announce/Ping this node produces.
type Network interface {
	DetectExternalIP() (net.IP, error)
	SelfConnectTest(addr net.TCPAddr) error
	BroadcastAnnounce(ann wire.Announce) error
	BroadcastPing(ping wire.Ping) error
}

// Status is a point-in-time snapshot suitable for CLI/RPC reporting.
type Status struct {
	State      State
	SubType    SubType
	Reason     string
	Collateral wire.Outpoint
}

// LocalNode implements the state machine of §4.5.
type LocalNode struct {
	mu sync.Mutex

	reg     *registry.Registry
	oracle  chainoracle.Oracle
	wallet  Wallet
	network Network

	net             params.Network
	protocolVersion uint32
	servicePriv     *crypto.PrivateKey

	configured bool

	state      State
	subType    SubType
	reason     string
	collateral wire.Outpoint

	pingerEnabled bool
	lastPingAt    time.Time
}

// New constructs a LocalNode. servicePriv signs every Ping; its public key is
// the ServicePubKey carried in the Local-path Announce, which itself is signed
// with the collateral key.
func New(reg *registry.Registry, oracle chainoracle.Oracle, wallet Wallet, network Network, net params.Network, protocolVersion uint32, servicePriv *crypto.PrivateKey) *LocalNode {
	return &LocalNode{
		reg:             reg,
		oracle:          oracle,
		wallet:          wallet,
		network:         network,
		net:             net,
		protocolVersion: protocolVersion,
		servicePriv:     servicePriv,
		state:           Initial,
	}
}

// SetConfigured marks whether the operator configured this process to run a
// service node at all (§4.5 step 1).
func (n *LocalNode) SetConfigured(configured bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.configured = configured
}

// Status returns a snapshot of the current activation state.
func (n *LocalNode) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{State: n.state, SubType: n.subType, Reason: n.reason, Collateral: n.collateral}
}

// Manage runs one pass of the activation state machine (§4.5).
func (n *LocalNode) Manage(now time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.configured {
		return nil
	}
	if !n.oracle.IsSynced() {
		n.state = SyncInProcess
		n.reason = ""
		return nil
	}

	ip, err := n.network.DetectExternalIP()
	if err != nil {
		n.setNotCapableLocked(fmt.Sprintf("external ip detection failed: %v", err))
		return nil
	}
	addr := net.TCPAddr{IP: ip, Port: params.PortFor(n.net)}
	if err := n.network.SelfConnectTest(addr); err != nil {
		n.setNotCapableLocked(fmt.Sprintf("self-connect test failed: %v", err))
		return nil
	}

	if n.tryRemoteLocked() {
		return nil
	}
	return n.tryLocalLocked(addr, now)
}

// tryRemoteLocked implements §4.5 step 4.
func (n *LocalNode) tryRemoteLocked() bool {
	entry := n.reg.LookupByServicePubKey(n.servicePriv.PubKey().ID())
	if entry == nil || !entry.LifecycleState.IsValidStateForAutoStart() {
		return false
	}
	n.collateral = entry.Collateral
	n.subType = Remote
	n.state = Started
	n.reason = ""
	n.pingerEnabled = true
	return true
}

// tryLocalLocked implements §4.5 step 5.
func (n *LocalNode) tryLocalLocked(addr net.TCPAddr, now time.Time) error {
	if !n.wallet.IsUnlocked() {
		n.setNotCapableLocked(ErrWalletLocked.Error())
		return nil
	}
	op, collateralKey, err := n.wallet.CollateralUTXO()
	if err != nil || collateralKey == nil {
		n.setNotCapableLocked(ErrNoCollateral.Error())
		return nil
	}

	utxo, err := n.oracle.UTXO(op)
	if err != nil {
		if err == chainoracle.ErrNotYetAvailable {
			return nil
		}
		return err
	}
	if utxo == nil {
		n.setNotCapableLocked("collateral utxo not found on chain")
		return nil
	}
	if utxo.Value != params.CollateralAmount {
		n.setNotCapableLocked("collateral utxo value does not match the required amount")
		return nil
	}

	tip, err := n.oracle.TipHeight()
	if err != nil {
		return err
	}
	if tip < utxo.Height {
		n.state = InputTooNew
		n.reason = "collateral utxo height is ahead of the local tip"
		return nil
	}
	confirmations := tip - utxo.Height + 1
	if confirmations < params.MinConfirmations {
		n.state = InputTooNew
		n.reason = fmt.Sprintf("collateral has %d confirmations, needs %d", confirmations, params.MinConfirmations)
		return nil
	}

	if err := n.wallet.LockCoin(op); err != nil {
		n.setNotCapableLocked(fmt.Sprintf("failed to lock collateral coin: %v", err))
		return nil
	}

	ann := wire.Announce{
		Collateral:       op,
		NetAddr:          addr,
		CollateralPubKey: collateralKey.PubKey(),
		ServicePubKey:    n.servicePriv.PubKey(),
		ProtocolVersion:  n.protocolVersion,
		SigTime:          now.Unix(),
	}
	digest := wire.DoubleSHA256(ann.SignedMessage())
	sig, err := crypto.Sign(digest[:], collateralKey)
	if err != nil {
		return err
	}
	ann.BroadcastSig = sig

	if err := n.network.BroadcastAnnounce(ann); err != nil {
		return err
	}

	n.collateral = op
	n.subType = Local
	n.state = Started
	n.reason = ""
	n.pingerEnabled = true
	return nil
}

func (n *LocalNode) setNotCapableLocked(reason string) {
	n.state = NotCapable
	n.subType = Unknown
	n.reason = reason
	n.pingerEnabled = false
}

// MaybePing emits a fresh Ping if the pinger is enabled and at least
// MIN_PING has elapsed since the last one (§4.5 step 6).
func (n *LocalNode) MaybePing(now time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.pingerEnabled {
		return nil
	}
	if !n.lastPingAt.IsZero() && now.Sub(n.lastPingAt) < params.MinPing {
		return nil
	}

	tip, err := n.oracle.TipHeight()
	if err != nil {
		return err
	}
	var hashHeight uint32
	if tip > params.PingBlockHashOffset {
		hashHeight = tip - params.PingBlockHashOffset
	}
	blockHash, err := n.oracle.BlockHashAt(hashHeight)
	if err != nil {
		return err
	}

	ping := wire.Ping{Collateral: n.collateral, BlockHash: blockHash, SigTime: now.Unix()}
	digest := wire.DoubleSHA256(ping.SignedMessage())
	sig, err := crypto.Sign(digest[:], n.servicePriv)
	if err != nil {
		return err
	}
	ping.Sig = sig

	if err := n.network.BroadcastPing(ping); err != nil {
		return err
	}
	n.lastPingAt = now
	return nil
}

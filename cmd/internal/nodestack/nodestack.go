// Package nodestack builds the per-alias component stack shared by svnoded
// and svnodectl: the chain oracle, wallet/network adapters, and the six
// service-node components threaded through a subsystem.Subsystem.
package nodestack

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/election"
	"nhbchain/lifecycle"
	"nhbchain/localnode"
	"nhbchain/params"
	"nhbchain/poseaudit"
	"nhbchain/registry"
	"nhbchain/storage"
	"nhbchain/subsystem"
	"nhbchain/syncstage"
	"nhbchain/wire"
)

// localWallet exposes the single operator-configured key as both the
// collateral signer and the LocalNode servicePriv, matching the single
// alias privkey named by the environment section (§6 "alias → (ip:port,
// privkey, txhash:vout)").
type localWallet struct {
	key *crypto.PrivateKey
	op  wire.Outpoint
}

func (w *localWallet) IsUnlocked() bool { return w.key != nil }

func (w *localWallet) CollateralUTXO() (wire.Outpoint, *crypto.PrivateKey, error) {
	if w.key == nil {
		return wire.Outpoint{}, nil, localnode.ErrNoCollateral
	}
	return w.op, w.key, nil
}

func (w *localWallet) LockCoin(op wire.Outpoint) error { return nil }

// hostNetwork is the default Network implementation: it performs a real
// external-IP/self-connect probe but leaves Announce/Ping broadcast to the
// gossip layer a production deployment wires in (§1 scope — the p2p
// transport for these message types lives outside this subsystem).
type hostNetwork struct{}

func (hostNetwork) DetectExternalIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("detect external ip: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("detect external ip: unexpected local address type")
	}
	return addr.IP, nil
}

func (hostNetwork) SelfConnectTest(addr net.TCPAddr) error {
	conn, err := net.DialTimeout("tcp", addr.String(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("self-connect test: %w", err)
	}
	return conn.Close()
}

func (hostNetwork) BroadcastAnnounce(ann wire.Announce) error { return nil }
func (hostNetwork) BroadcastPing(ping wire.Ping) error        { return nil }

// noopGossip satisfies syncstage.Transport and poseaudit.Transport for a
// node with no connected peers yet; the host process's p2p layer replaces
// this once it speaks MNANNOUNCE/MNPING/MNVERIFY (§6 message table).
type noopGossip struct{}

func (noopGossip) RequestFeatureFlags(peer string) error                     { return nil }
func (noopGossip) RequestFullList(peer string) error                        { return nil }
func (noopGossip) RequestPaymentSync(peer string, storageLimit uint32) error { return nil }
func (noopGossip) RequestLowDataBlocks(peer string, heights []uint32) error  { return nil }
func (noopGossip) Disconnect(peer string) error                             { return nil }

func (noopGossip) SendVerifyRequest(target wire.NodeEntry, v wire.Verify) error { return nil }
func (noopGossip) SendVerifyReply(to net.TCPAddr, v wire.Verify) error          { return nil }
func (noopGossip) Broadcast(v wire.Verify) error                                { return nil }

// Stack is the fully-wired per-alias component set.
type Stack struct {
	Alias     string
	Resolved  *config.ResolvedAlias
	Oracle    *chainoracle.Fake
	Registry  *registry.Registry
	Lifecycle *lifecycle.Checker
	Election  *election.Election
	Sync      *syncstage.Sync
	LocalNode *localnode.LocalNode
	PoSeAudit *poseaudit.PoSeAudit
	Store     *storage.Store
}

// Build resolves alias from cfg, opens its storage directory under dataDir,
// and constructs every component required to run or inspect it. The
// returned Stack's Store must be closed by the caller.
func Build(cfg *config.Config, alias, passphrase, dataDir string) (*Stack, bool, error) {
	network, err := cfg.ResolveNetwork()
	if err != nil {
		return nil, false, err
	}
	resolved, err := cfg.ResolveAlias(alias, passphrase)
	if err != nil {
		return nil, false, err
	}

	oracle := chainoracle.NewFake()
	oracle.SetSynced(true)
	oracle.SetTip(1)
	oracle.SetUTXO(resolved.Collateral, &chainoracle.UTXO{
		Value:  params.CollateralAmount,
		Height: 1,
	})

	reg := registry.New(oracle, network)
	reg.SetLocalServicePubKey(resolved.Key.PubKey().ID())
	elec := election.New(reg, oracle, params.MinPaymentProtoDefault)
	elec.SetLocalOutpoint(resolved.Collateral)
	checker := lifecycle.NewChecker(reg, oracle, params.MinPaymentProtoDefault)
	reg.SetHeartbeatLimiter(checker)
	syncDriver := syncstage.New(reg, elec, oracle, noopGossip{})
	node := localnode.New(reg, oracle, &localWallet{key: resolved.Key, op: resolved.Collateral}, hostNetwork{}, network, params.MinPaymentProtoDefault, resolved.Key)
	node.SetConfigured(true)
	audit := poseaudit.New(reg, oracle, noopGossip{}, resolved.Key)
	audit.SetLocalOutpoint(resolved.Collateral)

	if dataDir == "" {
		dataDir = "."
	}
	store, wasReset, err := storage.Open(filepath.Join(dataDir, alias, "svnode.db"))
	if err != nil {
		return nil, false, fmt.Errorf("open storage: %w", err)
	}
	if err := store.LoadRegistry(reg); err != nil {
		store.Close()
		return nil, false, fmt.Errorf("load registry: %w", err)
	}
	if err := store.LoadVotes(elec); err != nil {
		store.Close()
		return nil, false, fmt.Errorf("load votes: %w", err)
	}

	return &Stack{
		Alias:     alias,
		Resolved:  resolved,
		Oracle:    oracle,
		Registry:  reg,
		Lifecycle: checker,
		Election:  elec,
		Sync:      syncDriver,
		LocalNode: node,
		PoSeAudit: audit,
		Store:     store,
	}, wasReset, nil
}

// Subsystem builds a subsystem.Subsystem wrapping the stack, ready to Run.
func (s *Stack) Subsystem(logger *slog.Logger) *subsystem.Subsystem {
	return subsystem.New(subsystem.Config{
		Registry:  s.Registry,
		Lifecycle: s.Lifecycle,
		Election:  s.Election,
		Sync:      s.Sync,
		LocalNode: s.LocalNode,
		PoSeAudit: s.PoSeAudit,
		Oracle:    s.Oracle,
		Store:     s.Store,
		Logger:    logger,
	})
}

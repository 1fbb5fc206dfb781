package lifecycle

import (
	"net"
	"testing"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/crypto"
	"nhbchain/params"
	"nhbchain/registry"
	"nhbchain/wire"
)

func sampleOutpoint(b byte) wire.Outpoint {
	var op wire.Outpoint
	for i := range op.TxID {
		op.TxID[i] = b
	}
	op.Vout = uint32(b)
	return op
}

func setupRegistry(t *testing.T, sigTime int64) (*registry.Registry, *chainoracle.Fake, wire.Outpoint) {
	t.Helper()
	oracle := chainoracle.NewFake()
	oracle.SetTip(1000)
	for h := uint32(1); h <= 1000; h++ {
		oracle.SetBlockHash(h, wire.DoubleSHA256([]byte{byte(h), byte(h >> 8)}))
	}
	oracle.SetBlockTime(900, sigTime-1000)

	collat, _ := crypto.GeneratePrivateKey()
	svc, _ := crypto.GeneratePrivateKey()
	op := sampleOutpoint(21)
	oracle.SetUTXO(op, &chainoracle.UTXO{Value: params.CollateralAmount, Height: 900, SpendingPubKeyHex: pubKeyHexFor(collat)})

	reg := registry.New(oracle, params.Mainnet)
	ann := wire.Announce{
		Collateral:       op,
		NetAddr:          net.TCPAddr{IP: net.IPv4(5, 6, 7, 8), Port: params.MainnetDefaultPort},
		CollateralPubKey: collat.PubKey(),
		ServicePubKey:    svc.PubKey(),
		ProtocolVersion:  params.MinPaymentProtoDefault,
		SigTime:          sigTime,
	}
	digest := wire.DoubleSHA256(ann.SignedMessage())
	sig, _ := crypto.Sign(digest[:], collat)
	ann.BroadcastSig = sig

	res := reg.IngestAnnounce("peerA", ann, false, time.Unix(sigTime, 0))
	if res.Outcome != registry.Accepted {
		t.Fatalf("setup announce rejected: %+v", res)
	}
	return reg, oracle, op
}

func pubKeyHexFor(key *crypto.PrivateKey) string {
	const hexDigits = "0123456789abcdef"
	raw := key.PubKey().Bytes()
	out := make([]byte, len(raw)*2)
	for i, v := range raw {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

func withPing(reg *registry.Registry, op wire.Outpoint, sigTime int64) {
	reg.MutateLocked(op, func(e *wire.NodeEntry) {
		e.LastPing = &wire.Ping{Collateral: op, SigTime: sigTime}
	})
}

// S3 — Ping transitions to Enabled.
func TestS3PingTransitionsToEnabled(t *testing.T) {
	sigTime := int64(1_000_000)
	reg, oracle, op := setupRegistry(t, sigTime)
	withPing(reg, op, sigTime+700) // 11 minutes later

	checker := NewChecker(reg, oracle, params.MinPaymentProtoDefault)
	checker.SetRegistrySynced(true)
	checker.CheckAll(time.Unix(sigTime+700, 0), true)

	entry := reg.Lookup(op)
	if entry.LifecycleState != wire.Enabled {
		t.Fatalf("expected Enabled, got %v", entry.LifecycleState)
	}
}

// S4 — Expiry.
func TestS4Expiry(t *testing.T) {
	sigTime := int64(1_000_000)
	reg, oracle, op := setupRegistry(t, sigTime)
	withPing(reg, op, sigTime+700)

	checker := NewChecker(reg, oracle, params.MinPaymentProtoDefault)
	checker.SetRegistrySynced(true)
	later := time.Unix(sigTime+700, 0).Add(66 * time.Minute)
	checker.CheckAll(later, true)

	entry := reg.Lookup(op)
	if entry.LifecycleState != wire.Expired {
		t.Fatalf("expected Expired, got %v", entry.LifecycleState)
	}
}

func TestPreEnabledBeforeMinPing(t *testing.T) {
	sigTime := int64(1_000_000)
	reg, oracle, op := setupRegistry(t, sigTime)
	withPing(reg, op, sigTime+200) // only ~3 minutes later, below MinPing

	checker := NewChecker(reg, oracle, params.MinPaymentProtoDefault)
	checker.SetRegistrySynced(true)
	checker.CheckAll(time.Unix(sigTime+200, 0), true)

	entry := reg.Lookup(op)
	if entry.LifecycleState != wire.PreEnabled {
		t.Fatalf("expected PreEnabled, got %v", entry.LifecycleState)
	}
}

func TestOutpointSpentTerminal(t *testing.T) {
	sigTime := int64(1_000_000)
	reg, oracle, op := setupRegistry(t, sigTime)
	oracle.SetUTXO(op, nil)

	checker := NewChecker(reg, oracle, params.MinPaymentProtoDefault)
	checker.SetRegistrySynced(true)
	checker.CheckAll(time.Unix(sigTime, 0), true)

	entry := reg.Lookup(op)
	if entry.LifecycleState != wire.OutpointSpent {
		t.Fatalf("expected OutpointSpent, got %v", entry.LifecycleState)
	}
}

func TestPoSeBanAndExpiry(t *testing.T) {
	sigTime := int64(1_000_000)
	reg, oracle, op := setupRegistry(t, sigTime)
	withPing(reg, op, sigTime+700)
	reg.MutateLocked(op, func(e *wire.NodeEntry) { e.PoSeScore = wire.MaxPoSeScore })

	checker := NewChecker(reg, oracle, params.MinPaymentProtoDefault)
	checker.SetRegistrySynced(true)
	checker.CheckAll(time.Unix(sigTime+700, 0), true)

	entry := reg.Lookup(op)
	if entry.LifecycleState != wire.PoSeBan {
		t.Fatalf("expected PoSeBan, got %v", entry.LifecycleState)
	}
	if entry.PoSeBanHeight != 1000+uint32(reg.Size()) {
		t.Fatalf("unexpected pose_ban_height %d", entry.PoSeBanHeight)
	}

	oracle.SetTip(entry.PoSeBanHeight)
	checker.CheckAll(time.Unix(sigTime+700, 0), true)
	after := reg.Lookup(op)
	if after.LifecycleState == wire.PoSeBan {
		t.Fatalf("expected ban to lift once tip reaches pose_ban_height")
	}
}

// CheckAll must derive CachedCollateralAge from the UTXO's confirming
// height against the oracle's tip, since nothing at ingest time populates
// it and election.filterCandidates relies on it being current.
func TestCheckAllDerivesCollateralAge(t *testing.T) {
	sigTime := int64(1_000_000)
	reg, oracle, op := setupRegistry(t, sigTime)
	checker := NewChecker(reg, oracle, params.MinPaymentProtoDefault)
	checker.SetRegistrySynced(true)

	checker.CheckAll(time.Unix(sigTime, 0), true)

	tip, err := oracle.TipHeight()
	if err != nil {
		t.Fatalf("TipHeight: %v", err)
	}
	entry := reg.Lookup(op)
	if want := tip - 900; entry.CachedCollateralAge != want {
		t.Fatalf("expected cached_collateral_age %d, got %d", want, entry.CachedCollateralAge)
	}

	oracle.SetTip(tip + 50)
	checker.CheckAll(time.Unix(sigTime+1, 0), true)
	tip, _ = oracle.TipHeight()
	entry = reg.Lookup(op)
	if want := tip - 900; entry.CachedCollateralAge != want {
		t.Fatalf("expected cached_collateral_age to track a later tip: want %d, got %d", want, entry.CachedCollateralAge)
	}
}

func TestHeartbeatLimiterBudget(t *testing.T) {
	checker := NewChecker(nil, nil, params.MinPaymentProtoDefault)
	op := sampleOutpoint(9)
	start := time.Unix(1_000_000, 0)

	for i := 0; i < maxHeartbeatsPerEpoch; i++ {
		if !checker.Precheck(op, start) {
			t.Fatalf("expected ping %d to stay within budget", i)
		}
		checker.Commit(op, start)
	}
	if checker.Precheck(op, start) {
		t.Fatalf("expected the budget to be exhausted within the epoch")
	}

	next := start.Add(heartbeatEpoch + time.Second)
	if !checker.Precheck(op, next) {
		t.Fatalf("expected a fresh epoch to reset the budget")
	}
}

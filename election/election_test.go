package election

import (
	"net"
	"sort"
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

func buildRegistryWithNodes(t *testing.T, n int, oracle *chainoracle.Fake) *registry.Registry {
	t.Helper()
	reg := registry.New(oracle, params.Mainnet)
	oracle.SetBlockTime(1, 50)
	for i := 0; i < n; i++ {
		collat, _ := crypto.GeneratePrivateKey()
		svc, _ := crypto.GeneratePrivateKey()
		op := sampleOutpoint(byte(i + 1))
		oracle.SetUTXO(op, &chainoracle.UTXO{Value: params.CollateralAmount, Height: 1, SpendingPubKeyHex: pubKeyHex(collat)})

		ann := wire.Announce{
			Collateral:       op,
			NetAddr:          net.TCPAddr{IP: net.IPv4(10, 0, 0, byte(i+1)), Port: params.MainnetDefaultPort},
			CollateralPubKey: collat.PubKey(),
			ServicePubKey:    svc.PubKey(),
			ProtocolVersion:  params.MinPaymentProtoDefault,
			SigTime:          100,
		}
		digest := wire.DoubleSHA256(ann.SignedMessage())
		sig, _ := crypto.Sign(digest[:], collat)
		ann.BroadcastSig = sig

		res := reg.IngestAnnounce("peer", ann, false, time.Unix(100, 0))
		if res.Outcome != registry.Accepted {
			t.Fatalf("node %d announce rejected: %+v", i, res)
		}
		reg.MutateLocked(op, func(e *wire.NodeEntry) {
			e.LifecycleState = wire.Enabled
			e.CachedCollateralAge = uint32(n)
			e.CachedLastPaidBlock = 0
		})
	}
	return reg
}

func pubKeyHex(key *crypto.PrivateKey) string {
	const hexDigits = "0123456789abcdef"
	raw := key.PubKey().Bytes()
	out := make([]byte, len(raw)*2)
	for i, v := range raw {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

// S5 — Election determinism.
func TestS5ElectionDeterminism(t *testing.T) {
	oracle := chainoracle.NewFake()
	oracle.SetTip(1000)
	const n = 30
	reg := buildRegistryWithNodes(t, n, oracle)

	h := uint32(1000)
	rankHeight := h - params.ElectionVoteLookback
	blockHash := wire.DoubleSHA256([]byte("rank-block"))
	oracle.SetBlockHash(rankHeight, blockHash)

	e1 := New(reg, oracle, params.MinPaymentProtoDefault)
	e2 := New(reg, oracle, params.MinPaymentProtoDefault)

	winner1, _, err := e1.QueueForPayment(h, time.Unix(10_000, 0))
	if err != nil {
		t.Fatalf("queue 1: %v", err)
	}
	winner2, _, err := e2.QueueForPayment(h, time.Unix(10_000, 0))
	if err != nil {
		t.Fatalf("queue 2: %v", err)
	}
	if winner1 == nil || winner2 == nil {
		t.Fatalf("expected a winner, got nil (w1=%v w2=%v)", winner1, winner2)
	}
	if winner1.Collateral != winner2.Collateral {
		t.Fatalf("expected deterministic winner, got %v vs %v", winner1.Collateral, winner2.Collateral)
	}

	// The winner's score against blockHash must be the maximum among the
	// oldest tenth (3 of 30, all tied on last_paid_block=0).
	entries := reg.Enumerate()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Collateral.Less(entries[j].Collateral) })
	pool := entries[:len(entries)/params.OldestTenthDivisor]
	best := Score(blockHash, pool[0].Collateral)
	for _, entry := range pool {
		s := Score(blockHash, entry.Collateral)
		if s.Cmp(best) > 0 {
			best = s
		}
	}
	winnerScore := Score(blockHash, winner1.Collateral)
	if winnerScore.Cmp(best) != 0 {
		t.Fatalf("expected winner score to be the maximum across the oldest tenth (%d of %d)", len(pool), len(entries))
	}
}

// S6 — Payment validity.
func TestS6PaymentValidity(t *testing.T) {
	oracle := chainoracle.NewFake()
	reg := registry.New(oracle, params.Mainnet)
	e := New(reg, oracle, params.MinPaymentProtoDefault)

	height := uint32(500)
	script := []byte{0x76, 0xa9, 0x14, 1, 2, 3, 0x88, 0xac}
	amount := int64(1000)

	for i := 0; i < params.VoteQuorum; i++ {
		e.payeesMu.Lock()
		set, ok := e.payees[height]
		if !ok {
			set = &wire.BlockPayeeSet{BlockHeight: height}
			e.payees[height] = set
		}
		bucket := set.BucketFor(script)
		bucket.VoteHashes = append(bucket.VoteHashes, wire.DoubleSHA256([]byte{byte(i)}))
		e.payeesMu.Unlock()
	}

	e.SetPaymentAmountFunc(func(uint32, int64) int64 { return amount })

	validTx := chainoracle.Tx{Outputs: []chainoracle.TxOut{{Amount: amount, PayeeScript: script}}}
	if err := e.ValidateCoinbase(height, validTx); err != nil {
		t.Fatalf("expected valid coinbase to pass, got %v", err)
	}

	badAmount := chainoracle.Tx{Outputs: []chainoracle.TxOut{{Amount: amount + 1, PayeeScript: script}}}
	if err := e.ValidateCoinbase(height, badAmount); err == nil {
		t.Fatalf("expected amount mismatch to fail validation")
	}

	badScript := append([]byte{}, script...)
	badScript[3] ^= 0xff
	badScriptTx := chainoracle.Tx{Outputs: []chainoracle.TxOut{{Amount: amount, PayeeScript: badScript}}}
	if err := e.ValidateCoinbase(height, badScriptTx); err == nil {
		t.Fatalf("expected script mismatch to fail validation")
	}
}

func TestValidateCoinbaseFallsBackBelowQuorum(t *testing.T) {
	oracle := chainoracle.NewFake()
	reg := registry.New(oracle, params.Mainnet)
	e := New(reg, oracle, params.MinPaymentProtoDefault)

	height := uint32(10)
	e.payeesMu.Lock()
	set := &wire.BlockPayeeSet{BlockHeight: height}
	bucket := set.BucketFor([]byte{0x01})
	bucket.VoteHashes = append(bucket.VoteHashes, wire.DoubleSHA256([]byte("one")))
	e.payees[height] = set
	e.payeesMu.Unlock()

	tx := chainoracle.Tx{Outputs: []chainoracle.TxOut{{Amount: 1, PayeeScript: []byte{0x99}}}}
	if err := e.ValidateCoinbase(height, tx); err != nil {
		t.Fatalf("expected below-quorum height to accept any coinbase, got %v", err)
	}
}

func TestVoteAtMostOncePerVoterPerHeight(t *testing.T) {
	oracle := chainoracle.NewFake()
	oracle.SetTip(1000)
	reg := buildRegistryWithNodes(t, 8, oracle)
	e := New(reg, oracle, params.MinPaymentProtoDefault)

	height := uint32(900)
	rankHeight := height - params.ElectionVoteLookback
	blockHash := wire.DoubleSHA256([]byte("vote-rank"))
	oracle.SetBlockHash(rankHeight, blockHash)

	entries := reg.Enumerate()
	voterOutpoint := entries[0].Collateral

	voterKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate voter key: %v", err)
	}
	reg.MutateLocked(voterOutpoint, func(live *wire.NodeEntry) {
		live.ServicePubKey = voterKey.PubKey()
	})
	voter := reg.Lookup(voterOutpoint)

	script := []byte{0x76, 0xa9, 0x14, 9, 9, 9, 0x88, 0xac}
	vote := wire.PaymentVote{VoterOutpoint: voter.Collateral, BlockHeight: height, PayeeScript: script}
	digest := wire.DoubleSHA256(vote.SignedMessage())
	sig, _ := crypto.Sign(digest[:], voterKey)
	vote.Sig = sig

	res1 := e.VoteIngest(vote, 1000, time.Unix(1000, 0))
	if res1.Outcome != registry.Accepted {
		t.Fatalf("expected first vote accepted, got %+v", res1)
	}
	res2 := e.VoteIngest(vote, 1000, time.Unix(1000, 0))
	if res2.Outcome == registry.Accepted {
		t.Fatalf("expected duplicate vote to be silently dropped, got %+v", res2)
	}
}

// RefreshLastPaid must find the most recent quorum-reached, coinbase-paid
// block behind tip and cache it, since nothing at vote-ingest time derives
// CachedLastPaidBlock/CachedLastPaidTime for the §4.3 step-2 sort.
func TestRefreshLastPaidFindsQuorumPaidBlock(t *testing.T) {
	oracle := chainoracle.NewFake()
	oracle.SetTip(100)
	reg := buildRegistryWithNodes(t, 1, oracle)
	entry := reg.Enumerate()[0]
	script := wire.PayoutScript(entry.CollateralPubKey)

	e := New(reg, oracle, params.MinPaymentProtoDefault)
	e.payeesMu.Lock()
	set := &wire.BlockPayeeSet{BlockHeight: 90}
	bucket := set.BucketFor(script)
	for i := 0; i < params.VoteQuorum; i++ {
		bucket.VoteHashes = append(bucket.VoteHashes, wire.DoubleSHA256([]byte{byte(i)}))
	}
	e.payees[90] = set
	e.payeesMu.Unlock()

	const totalOut = int64(1000)
	want := DefaultPaymentAmount(90, totalOut)
	oracle.SetCoinbase(90, chainoracle.Tx{Outputs: []chainoracle.TxOut{
		{Amount: want, PayeeScript: script},
		{Amount: totalOut - want, PayeeScript: []byte("other")},
	}})
	oracle.SetBlockTime(90, 123456)

	e.RefreshLastPaid(100, true)

	fresh := reg.Lookup(entry.Collateral)
	if fresh.CachedLastPaidBlock != 90 {
		t.Fatalf("expected cached_last_paid_block 90, got %d", fresh.CachedLastPaidBlock)
	}
	if fresh.CachedLastPaidTime != 123456 {
		t.Fatalf("expected cached_last_paid_time 123456, got %d", fresh.CachedLastPaidTime)
	}
}

// A bucket below quorum, or one naming a different payee script, must never
// match — otherwise a minority vote or a coincidental amount match would
// forge a payment record.
func TestRefreshLastPaidIgnoresBelowQuorumOrWrongPayee(t *testing.T) {
	oracle := chainoracle.NewFake()
	oracle.SetTip(50)
	reg := buildRegistryWithNodes(t, 1, oracle)
	entry := reg.Enumerate()[0]
	script := wire.PayoutScript(entry.CollateralPubKey)

	e := New(reg, oracle, params.MinPaymentProtoDefault)
	e.payeesMu.Lock()
	set := &wire.BlockPayeeSet{BlockHeight: 40}
	bucket := set.BucketFor(script)
	bucket.VoteHashes = append(bucket.VoteHashes, wire.DoubleSHA256([]byte("only-one-vote")))
	e.payees[40] = set
	e.payeesMu.Unlock()

	oracle.SetCoinbase(40, chainoracle.Tx{Outputs: []chainoracle.TxOut{
		{Amount: DefaultPaymentAmount(40, 1000), PayeeScript: script},
	}})
	oracle.SetBlockTime(40, 999)

	e.RefreshLastPaid(50, true)

	fresh := reg.Lookup(entry.Collateral)
	if fresh.CachedLastPaidBlock != 0 {
		t.Fatalf("expected a below-quorum bucket to leave cached_last_paid_block untouched, got %d", fresh.CachedLastPaidBlock)
	}
}

package registry

import (
	"net"
	"testing"
	"time"

	"nhbchain/chainoracle"
	"nhbchain/crypto"
	"nhbchain/params"
	"nhbchain/wire"
)

// verifyFixture wires two registered entries (an auditor "requester" and a
// "replier") so a Verify broadcast can be built and signed end to end.
type verifyFixture struct {
	*testFixture
	requesterOp  wire.Outpoint
	requesterSvc *crypto.PrivateKey
}

func newVerifyFixture(t *testing.T) *verifyFixture {
	t.Helper()
	f := newFixture(t)
	now := time.Unix(1_000_000, 0)
	if res := f.reg.IngestAnnounce("peerA", f.buildAnnounce(1_000_000), false, now); res.Outcome != Accepted {
		t.Fatalf("setup replier announce rejected: %+v", res)
	}

	reqCollat, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("requester collat key: %v", err)
	}
	reqSvc, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("requester svc key: %v", err)
	}
	reqOp := sampleOutpoint(22)
	f.oracle.SetUTXO(reqOp, &chainoracle.UTXO{
		Value:             params.CollateralAmount,
		Height:            900,
		SpendingPubKeyHex: pubKeyHex(reqCollat.PubKey()),
	})

	reqAnn := wire.Announce{
		Collateral:       reqOp,
		NetAddr:          net.TCPAddr{IP: net.IPv4(9, 9, 9, 9), Port: params.MainnetDefaultPort},
		CollateralPubKey: reqCollat.PubKey(),
		ServicePubKey:    reqSvc.PubKey(),
		ProtocolVersion:  params.MinPaymentProtoDefault,
		SigTime:          1_000_000,
	}
	digest := wire.DoubleSHA256(reqAnn.SignedMessage())
	sig, _ := crypto.Sign(digest[:], reqCollat)
	reqAnn.BroadcastSig = sig
	if res := f.reg.IngestAnnounce("peerB", reqAnn, false, now); res.Outcome != Accepted {
		t.Fatalf("setup requester announce rejected: %+v", res)
	}

	return &verifyFixture{testFixture: f, requesterOp: reqOp, requesterSvc: reqSvc}
}

func (f *verifyFixture) buildBroadcast(t *testing.T, blockHeight uint32, nonce uint64) wire.Verify {
	t.Helper()
	addr := net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: params.MainnetDefaultPort}
	blockHash := blockHashOrZero(f.reg, blockHeight)

	v := wire.Verify{
		Addr:         addr,
		Nonce:        nonce,
		BlockHeight:  blockHeight,
		ReplierVin:   f.op,
		RequesterVin: f.requesterOp,
	}

	replyDigest := wire.DoubleSHA256(wire.ReplySignedMessage(v.Addr, v.Nonce, blockHash))
	replySig, _ := crypto.Sign(replyDigest[:], f.svc)
	v.ReplierSig = replySig

	broadcastDigest := wire.DoubleSHA256(wire.BroadcastSignedMessage(v.Addr, v.Nonce, blockHash, v.ReplierVin, v.RequesterVin))
	broadcastSig, _ := crypto.Sign(broadcastDigest[:], f.requesterSvc)
	v.RequesterSig = broadcastSig

	return v
}

// A requester rank of 0 means the auditor is absent from the Enabled
// ranking set (election.Rank's not-found sentinel); it must be rejected
// exactly like a rank beyond MaxRank, not waved through as "unranked but
// fine".
func TestIngestVerifyRejectsUnrankedAuditor(t *testing.T) {
	f := newVerifyFixture(t)
	v := f.buildBroadcast(t, 1000, 1)

	res := f.reg.IngestVerify(v, 0, time.Unix(1_000_000, 0))
	if res.Outcome != Rejected {
		t.Fatalf("expected an unranked auditor's broadcast to be rejected, got %+v", res)
	}
}

func TestIngestVerifyAcceptsRankedAuditor(t *testing.T) {
	f := newVerifyFixture(t)
	v := f.buildBroadcast(t, 1000, 2)

	res := f.reg.IngestVerify(v, params.MaxRank, time.Unix(1_000_000, 0))
	if res.Outcome != Accepted {
		t.Fatalf("expected a top-rank auditor's broadcast to be accepted, got %+v", res)
	}
}

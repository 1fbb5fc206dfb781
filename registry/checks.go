package registry

import (
	"errors"
	"time"

	"nhbchain/params"
	"nhbchain/wire"
)

// simpleCheckAnnounce validates the cheap, stateless fields of an Announce:
// port discipline, key material presence, future-time bound, and minimum
// protocol version (§4.1 step 3). It never touches the chain oracle.
func simpleCheckAnnounce(ann wire.Announce, net params.Network, now time.Time) IngestResult {
	if ann.CollateralPubKey == nil || ann.ServicePubKey == nil {
		recordRejected("missing_pubkey")
		return rejected(100, "announce missing collateral or service pubkey")
	}
	// A valid secp256k1 public key derives a 25-byte P2PKH script
	// (OP_DUP OP_HASH160 <20-byte pubkey hash> OP_EQUALVERIFY OP_CHECKSIG).
	if len(wire.PayoutScript(ann.CollateralPubKey)) != 25 {
		recordRejected("bad_script_size")
		return rejected(100, "collateral pubkey does not derive a 25-byte P2PKH script")
	}
	requiredPort := params.PortFor(net)
	if net == params.Mainnet {
		if ann.NetAddr.Port != requiredPort {
			recordRejected("bad_port")
			return rejected(100, "announce port does not match mainnet default")
		}
	} else if ann.NetAddr.Port == params.MainnetDefaultPort {
		recordRejected("bad_port")
		return rejected(100, "announce uses mainnet port on a non-mainnet network")
	}
	if ann.SigTime > now.Add(params.FutureTimeBound).Unix() {
		recordRejected("future_sig_time")
		return rejected(1, "announce sig_time too far in the future")
	}
	if ann.ProtocolVersion < params.MinPaymentProtoDefault {
		recordRejected("old_protocol")
		return rejected(1, "announce protocol version below minimum")
	}
	return accepted()
}

var errOutpointMissing = errors.New("registry: collateral UTXO not found")
var errOutpointWrongValue = errors.New("registry: collateral UTXO value mismatch")
var errOutpointTooShallow = errors.New("registry: collateral UTXO confirmation depth too shallow")
var errOutpointMinedAfterSig = errors.New("registry: collateral UTXO mined after announce sig_time")
var errOutpointWrongKey = errors.New("registry: collateral UTXO spending key mismatch")

// checkOutpoint validates the collateral UTXO referenced by ann against the
// chain oracle (§4.1 step 5).
func (r *Registry) checkOutpoint(ann wire.Announce) error {
	utxo, err := r.oracle.UTXO(ann.Collateral)
	if err != nil {
		return err
	}
	if utxo == nil {
		return errOutpointMissing
	}
	if utxo.Value != params.CollateralAmount {
		return errOutpointWrongValue
	}
	tip, err := r.oracle.TipHeight()
	if err != nil {
		return err
	}
	if tip < utxo.Height {
		return errOutpointTooShallow
	}
	confirmations := tip - utxo.Height + 1
	if confirmations < params.MinConfirmations {
		return errOutpointTooShallow
	}
	minedAt, err := r.oracle.BlockTimeAt(utxo.Height)
	if err != nil {
		return err
	}
	if minedAt >= ann.SigTime {
		return errOutpointMinedAfterSig
	}
	if utxo.SpendingPubKeyHex != "" && ann.CollateralPubKey != nil {
		if utxo.SpendingPubKeyHex != pubKeyHex(ann.CollateralPubKey) {
			return errOutpointWrongKey
		}
	}
	return nil
}

func pubKeyHex(pub interface{ Bytes() []byte }) string {
	const hexDigits = "0123456789abcdef"
	raw := pub.Bytes()
	out := make([]byte, len(raw)*2)
	for i, v := range raw {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

package wire

// PubKeyBytes is satisfied by crypto.PublicKey; kept as a narrow interface
// here so wire does not need to import crypto for script derivation.
type PubKeyBytes interface {
	Bytes() []byte
}

// PayoutScript derives the canonical 25-byte P2PKH script paying a public
// key: OP_DUP OP_HASH160 <20-byte hash> OP_EQUALVERIFY OP_CHECKSIG. Service
// nodes are paid to the script derived from their own collateral pubkey.
func PayoutScript(pub PubKeyBytes) []byte {
	if pub == nil {
		return nil
	}
	raw := pub.Bytes()
	if len(raw) == 0 {
		return nil
	}
	script := make([]byte, 25)
	script[0] = 0x76
	script[1] = 0xa9
	script[2] = 0x14
	hash := Hash160(raw)
	copy(script[3:23], hash[:])
	script[23] = 0x88
	script[24] = 0xac
	return script
}

// Hash160 computes a 20-byte address hash from the leading bytes of a
// double-SHA256 digest, used for script derivation.
func Hash160(b []byte) [20]byte {
	digest := DoubleSHA256(b)
	var out [20]byte
	copy(out[:], digest[:20])
	return out
}

package crypto

import (
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature indicates a malformed or non-matching signature.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Sign produces a compact, recoverable ECDSA signature over an already
// hashed 32-byte message. Callers that need to sign an arbitrary
// byte-string message should hash it first with SHA256d from the wire
// package and pass the digest here.
func Sign(digest []byte, key *PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil signing key")
	}
	if len(digest) != 32 {
		return nil, errors.New("crypto: digest must be 32 bytes")
	}
	return crypto.Sign(digest, key.PrivateKey)
}

// Verify reports whether sig is a valid compact signature over digest
// under pub.
func Verify(digest, sig []byte, pub *PublicKey) bool {
	if pub == nil || len(digest) != 32 || len(sig) < 64 {
		return false
	}
	// crypto.VerifySignature expects the 64-byte r||s form without the
	// recovery id.
	trimmed := sig
	if len(sig) == 65 {
		trimmed = sig[:64]
	}
	pubBytes := crypto.FromECDSAPub(pub.PublicKey)
	return crypto.VerifySignature(pubBytes, digest, trimmed)
}

// RecoverPubKey recovers the public key that produced sig over digest.
func RecoverPubKey(digest, sig []byte) (*PublicKey, error) {
	if len(digest) != 32 {
		return nil, errors.New("crypto: digest must be 32 bytes")
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return &PublicKey{pub}, nil
}

// Bytes returns the 65-byte uncompressed encoding of the public key. This is
// used as the canonical on-wire form for Announce/Ping/Vote key material.
func (k *PublicKey) Bytes() []byte {
	return crypto.FromECDSAPub(k.PublicKey)
}

// PublicKeyFromBytes parses the uncompressed encoding produced by Bytes.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, err
	}
	return &PublicKey{pub}, nil
}

// ID returns a short, stable fingerprint of the public key suitable for use
// inside signed canonical messages (addr_string || sig_time || ... ||
// collateral_pubkey_id || service_pubkey_id || ...).
func (k *PublicKey) ID() string {
	if k == nil {
		return ""
	}
	hash := crypto.Keccak256(k.Bytes())
	return crypto.PubkeyToAddress(*k.PublicKey).Hex() + "-" + hexPrefix(hash)
}

func hexPrefix(b []byte) string {
	const n = 8
	if len(b) < n {
		n := len(b)
		return hexEncode(b[:n])
	}
	return hexEncode(b[:n])
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}

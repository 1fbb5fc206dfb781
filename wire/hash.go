package wire

import "crypto/sha256"

// Hash256 is a double-SHA256 digest, used as the seen-cache key for gossiped
// messages and as an input to the election ranking algorithm.
type Hash256 [32]byte

// DoubleSHA256 computes SHA256(SHA256(b)), mirroring the chain's block
// hashing convention so election ranking and seen-cache keys derive from the
// same primitive the chain oracle already uses for block hashes.
func DoubleSHA256(b []byte) Hash256 {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second
}

func (h Hash256) Bytes() []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}

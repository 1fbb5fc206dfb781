// Package election implements deterministic payment-winner selection, vote
// collection, and coinbase-payee validation (§4.3).
package election

import (
	"math/big"

	"nhbchain/wire"
)

// Score computes the deterministic distance metric of §4.3:
// |H1 - H2| where H1 = SHA256d(block_hash) and
// H2 = SHA256d(block_hash || (txid_as_u256 + vout)), both interpreted as
// unsigned 256-bit integers.
func Score(blockHash wire.Hash256, op wire.Outpoint) *big.Int {
	h1digest := wire.DoubleSHA256(blockHash[:])
	h1 := new(big.Int).SetBytes(h1digest[:])

	txid := new(big.Int).SetBytes(reverse(op.TxID[:]))
	txid.Add(txid, big.NewInt(int64(op.Vout)))

	input := append(append([]byte{}, blockHash[:]...), txid.Bytes()...)
	h2digest := wire.DoubleSHA256(input)
	h2 := new(big.Int).SetBytes(h2digest[:])

	diff := new(big.Int).Sub(h1, h2)
	return diff.Abs(diff)
}

// reverse returns a reversed copy of b, matching the little-endian integer
// interpretation conventionally used for txids.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

type scoredCandidate struct {
	op    wire.Outpoint
	score *big.Int
}

// RankAll scores every candidate against blockHash and returns them sorted
// ascending by score (closest first), tie-broken by outpoint order.
func RankAll(blockHash wire.Hash256, candidates []wire.Outpoint) []wire.Outpoint {
	scoredList := make([]scoredCandidate, 0, len(candidates))
	for _, op := range candidates {
		scoredList = append(scoredList, scoredCandidate{op: op, score: Score(blockHash, op)})
	}
	sortByScore(scoredList)
	out := make([]wire.Outpoint, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.op
	}
	return out
}

// Rank orders candidates by Score against blockHash, ascending (closest
// first), breaking ties by outpoint lexicographic order, and returns the
// 1-based rank of target within candidates. Returns 0 if target is absent.
func Rank(blockHash wire.Hash256, candidates []wire.Outpoint, target wire.Outpoint) int {
	ordered := RankAll(blockHash, candidates)
	for i, op := range ordered {
		if op == target {
			return i + 1
		}
	}
	return 0
}

func sortByScore(list []scoredCandidate) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0; j-- {
			if less(list[j], list[j-1]) {
				list[j], list[j-1] = list[j-1], list[j]
			} else {
				break
			}
		}
	}
}

func less(a, b scoredCandidate) bool {
	cmp := a.score.Cmp(b.score)
	if cmp != 0 {
		return cmp < 0
	}
	return a.op.Less(b.op)
}

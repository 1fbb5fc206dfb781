// Package chainoracle declares the narrow read-only interface the registry,
// lifecycle, and election components use to query the blockchain/UTXO set
// (§6). The concrete chain, wallet, and transport implementations live
// outside this module; this package only defines the seam and a
// deterministic fake used by tests.
package chainoracle

import (
	"errors"

	"nhbchain/wire"
)

// ErrNotYetAvailable signals a transient condition (lock unavailable, block
// hash unknown, UTXO set not caught up) that should not be treated as a
// protocol violation — callers must retry without penalizing the peer that
// triggered the lookup (§7).
var ErrNotYetAvailable = errors.New("chainoracle: not yet available")

// UTXO describes the subset of UTXO metadata the subsystem needs to
// validate collateral.
type UTXO struct {
	Value             int64
	Script            []byte
	Height            uint32
	SpendingPubKeyHex string
}

// Tx is the minimal coinbase transaction view needed by the payment
// validator (§4.3).
type Tx struct {
	Outputs []TxOut
}

// TxOut is a single transaction output.
type TxOut struct {
	Amount      int64
	PayeeScript []byte
}

// TotalOut sums every output amount, matching tx.total_out from §4.3.
func (t Tx) TotalOut() int64 {
	var sum int64
	for _, o := range t.Outputs {
		sum += o.Amount
	}
	return sum
}

// Oracle is the external chain query surface consumed by this subsystem.
// Implementations must be safe for concurrent use; §5 requires callers that
// also need registry.mu to acquire chain.mu first.
type Oracle interface {
	TipHeight() (uint32, error)
	BlockHashAt(height uint32) (wire.Hash256, error)
	UTXO(op wire.Outpoint) (*UTXO, error)
	BlockTimeAt(height uint32) (int64, error)
	ReadCoinbase(height uint32) (Tx, error)
	// IsSynced reports whether the local view of the chain is caught up
	// with the network, gating Sync and LocalNode.Manage (§4.4, §4.5).
	IsSynced() bool
}

package chainoracle

import (
	"sync"

	"nhbchain/wire"
)

// Fake is a deterministic, in-memory Oracle implementation used by tests
// across registry/lifecycle/election/poseaudit. It never blocks; it returns
// ErrNotYetAvailable for heights marked with MarkMissing and, from
// BlockHashAt, BlockTimeAt and ReadCoinbase, for heights that were never set.
type Fake struct {
	mu sync.Mutex

	tip        uint32
	synced     bool
	hashes     map[uint32]wire.Hash256
	blockTimes map[uint32]int64
	utxos      map[wire.Outpoint]*UTXO
	coinbases  map[uint32]Tx
	missing    map[uint32]bool // heights that should return ErrNotYetAvailable
}

// NewFake constructs an empty fake oracle marked as synced.
func NewFake() *Fake {
	return &Fake{
		synced:     true,
		hashes:     make(map[uint32]wire.Hash256),
		blockTimes: make(map[uint32]int64),
		utxos:      make(map[wire.Outpoint]*UTXO),
		coinbases:  make(map[uint32]Tx),
		missing:    make(map[uint32]bool),
	}
}

func (f *Fake) SetTip(h uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tip = h
}

func (f *Fake) SetSynced(synced bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = synced
}

func (f *Fake) SetBlockHash(height uint32, hash wire.Hash256) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[height] = hash
}

func (f *Fake) SetBlockTime(height uint32, t int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockTimes[height] = t
}

func (f *Fake) SetUTXO(op wire.Outpoint, u *UTXO) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u == nil {
		delete(f.utxos, op)
		return
	}
	f.utxos[op] = u
}

func (f *Fake) SetCoinbase(height uint32, tx Tx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coinbases[height] = tx
}

func (f *Fake) MarkMissing(height uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[height] = true
}

func (f *Fake) TipHeight() (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *Fake) IsSynced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.synced
}

func (f *Fake) BlockHashAt(height uint32) (wire.Hash256, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[height] {
		return wire.Hash256{}, ErrNotYetAvailable
	}
	h, ok := f.hashes[height]
	if !ok {
		return wire.Hash256{}, ErrNotYetAvailable
	}
	return h, nil
}

func (f *Fake) UTXO(op wire.Outpoint) (*UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.utxos[op]
	if !ok {
		return nil, nil
	}
	copyU := *u
	return &copyU, nil
}

func (f *Fake) BlockTimeAt(height uint32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[height] {
		return 0, ErrNotYetAvailable
	}
	t, ok := f.blockTimes[height]
	if !ok {
		return 0, ErrNotYetAvailable
	}
	return t, nil
}

func (f *Fake) ReadCoinbase(height uint32) (Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.coinbases[height]
	if !ok {
		return Tx{}, ErrNotYetAvailable
	}
	return tx, nil
}

// Package storage persists the Registry and Election state across restarts
// as a single versioned blob per outpoint, backed by an embedded LevelDB
// database (§6 "Persisted state"). It mirrors the on-disk layout of
// nhbchain/p2p's Peerstore: per-record JSON values under a flat namespace,
// loaded fully into memory by LoadRegistry and LoadVotes.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"nhbchain/election"
	"nhbchain/registry"
	"nhbchain/wire"
)

// SchemaVersion is bumped whenever the persisted record shape changes.
// A mismatch on open triggers a full reset rather than a migration (§6,
// §7 "Persistence corruption").
const SchemaVersion = "svnode-store-v1"

const (
	nodeKeyPrefix    = "node:"
	voteKeyPrefix    = "vote:"
	versionKey       = "meta:version"
)

// nodeRecord is the on-disk encoding of a wire.NodeEntry: the canonical
// binary wire form, held in a JSON value (so Blob is stored base64-encoded).
type nodeRecord struct {
	Outpoint string `json:"outpoint"`
	Blob     []byte `json:"blob"`
}

type voteRecord struct {
	Key  string `json:"key"`
	Blob []byte `json:"blob"`
}

// Store is the persistence boundary for the Registry and Election.
// LoadRegistry/LoadVotes restore what is on disk into a Registry/Election;
// SaveRegistry/SaveVotes snapshot them back out. Neither Registry nor
// Election needs to know storage exists.
type Store struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens (or creates) the LevelDB database at path. If the stored
// schema version doesn't match SchemaVersion, the database is wiped and
// reopened empty (§7 "Persistence corruption": reset to empty, log,
// continue — the caller is expected to log the returned reset flag).
func Open(path string) (store *Store, wasReset bool, err error) {
	if path == "" {
		return nil, false, fmt.Errorf("storage: path required")
	}
	clean := filepath.Clean(path)
	db, err := leveldb.OpenFile(clean, nil)
	if err != nil {
		return nil, false, fmt.Errorf("storage: open: %w", err)
	}

	stored, err := db.Get([]byte(versionKey), nil)
	if err != nil && err != leveldb.ErrNotFound {
		_ = db.Close()
		return nil, false, fmt.Errorf("storage: read version: %w", err)
	}
	if err == leveldb.ErrNotFound || string(stored) != SchemaVersion {
		if err := wipe(db); err != nil {
			_ = db.Close()
			return nil, false, fmt.Errorf("storage: reset: %w", err)
		}
		if err := db.Put([]byte(versionKey), []byte(SchemaVersion), nil); err != nil {
			_ = db.Close()
			return nil, false, fmt.Errorf("storage: write version: %w", err)
		}
		wasReset = true
	}

	return &Store{db: db}, wasReset, nil
}

func wipe(db *leveldb.DB) error {
	iter := db.NewIterator(nil, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return db.Write(batch, nil)
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// LoadRegistry reads every persisted NodeEntry and restores it into reg.
// Corrupt individual records are skipped rather than aborting the whole
// load (§7: persistence corruption degrades, it does not crash the
// process).
func (s *Store) LoadRegistry(reg *registry.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("storage: closed")
	}
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	var entries []wire.NodeEntry
	for iter.Next() {
		key := string(iter.Key())
		if len(key) <= len(nodeKeyPrefix) || key[:len(nodeKeyPrefix)] != nodeKeyPrefix {
			continue
		}
		var rec nodeRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		entry, err := wire.UnmarshalNodeEntry(rec.Blob)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("storage: iterate nodes: %w", err)
	}
	reg.Restore(entries)
	return nil
}

// SaveRegistry overwrites the persisted node set with reg's current
// snapshot.
func (s *Store) SaveRegistry(reg *registry.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("storage: closed")
	}
	if err := s.clearPrefixLocked(nodeKeyPrefix); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, entry := range reg.Snapshot() {
		rec := nodeRecord{Outpoint: entry.Collateral.String(), Blob: wire.MarshalNodeEntry(entry)}
		blob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("storage: encode node %s: %w", rec.Outpoint, err)
		}
		batch.Put([]byte(nodeKeyPrefix+rec.Outpoint), blob)
	}
	return s.db.Write(batch, nil)
}

// LoadVotes reads every persisted PaymentVote and replays it into elec.
func (s *Store) LoadVotes(elec *election.Election) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("storage: closed")
	}
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	var votes []wire.PaymentVote
	for iter.Next() {
		key := string(iter.Key())
		if len(key) <= len(voteKeyPrefix) || key[:len(voteKeyPrefix)] != voteKeyPrefix {
			continue
		}
		var rec voteRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		vote, err := wire.UnmarshalPaymentVote(rec.Blob)
		if err != nil {
			continue
		}
		votes = append(votes, vote)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("storage: iterate votes: %w", err)
	}
	elec.RestoreVotes(votes)
	return nil
}

// SaveVotes overwrites the persisted vote set with elec's current snapshot.
func (s *Store) SaveVotes(elec *election.Election) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("storage: closed")
	}
	if err := s.clearPrefixLocked(voteKeyPrefix); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, v := range elec.VoteSnapshot() {
		key := fmt.Sprintf("%s%010d-%s", voteKeyPrefix, v.BlockHeight, v.VoterOutpoint.String())
		rec := voteRecord{Key: key, Blob: wire.MarshalPaymentVote(v)}
		blob, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("storage: encode vote: %w", err)
		}
		batch.Put([]byte(key), blob)
	}
	return s.db.Write(batch, nil)
}

func (s *Store) clearPrefixLocked(prefix string) error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		key := string(iter.Key())
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			batch.Delete(append([]byte{}, iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

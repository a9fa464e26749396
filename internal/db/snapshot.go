package db

import (
	"bytes"
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/utxonet/utxo-commit-node/internal/smt"
	"github.com/utxonet/utxo-commit-node/internal/types"
)

var (
	snapshotEntryPrefix   = []byte("utxo:")
	snapshotCommitmentKey = []byte("meta:commitment")
)

// SnapshotStore persists the compact binary form of the commitment store at
// each fully-verified checkpoint, so a restart can recover without a fresh
// peer-consensus bootstrap.
type SnapshotStore struct {
	db *leveldb.DB
}

func NewSnapshotStore(dbDir string) (*SnapshotStore, error) {
	path := filepath.Join(dbDir, "utxo_snapshot")
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store %s: %w", path, err)
	}
	return &SnapshotStore{db: db}, nil
}

func (ss *SnapshotStore) Close() error {
	return ss.db.Close()
}

// Write replaces the stored snapshot with the given store's entries and
// commitment in a single batch.
func (ss *SnapshotStore) Write(store *smt.Store, commitment *types.UtxoCommitment) error {
	batch := new(leveldb.Batch)

	iter := ss.db.NewIterator(util.BytesPrefix(snapshotEntryPrefix), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan old snapshot: %w", err)
	}

	err := store.ForEach(func(entry *types.UtxoEntry) error {
		key := entry.Outpoint.Key()
		batch.Put(append(snapshotEntryPrefix, key[:]...), entry.Bytes())
		return nil
	})
	if err != nil {
		return err
	}

	raw := commitment.Serialize()
	batch.Put(snapshotCommitmentKey, raw[:])

	if err := ss.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write snapshot batch: %w", err)
	}
	log.Infof("Snapshot written at height %d, %d entries", commitment.Height, store.Len())
	return nil
}

// Load rebuilds a store from the stored snapshot. Returns the rebuilt store
// and its commitment, or (nil, nil, nil) when no snapshot exists.
func (ss *SnapshotStore) Load() (*smt.Store, *types.UtxoCommitment, error) {
	raw, err := ss.db.Get(snapshotCommitmentKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read snapshot commitment: %w", err)
	}

	var commitment types.UtxoCommitment
	if err := commitment.Deserialize(raw); err != nil {
		return nil, nil, fmt.Errorf("snapshot commitment: %w", err)
	}

	var entries []*types.UtxoEntry
	iter := ss.db.NewIterator(util.BytesPrefix(snapshotEntryPrefix), nil)
	for iter.Next() {
		var entry types.UtxoEntry
		if err := entry.Deserialize(bytes.NewReader(iter.Value())); err != nil {
			iter.Release()
			return nil, nil, fmt.Errorf("snapshot entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, nil, fmt.Errorf("scan snapshot: %w", err)
	}

	store, err := smt.Rebuild(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("rebuild snapshot store: %w", err)
	}

	if store.Root() != commitment.Root {
		return nil, nil, fmt.Errorf("snapshot root %x does not match stored commitment %s",
			store.Root(), commitment.RootHex())
	}
	log.Infof("Snapshot loaded at height %d, %d entries", commitment.Height, store.Len())
	return store, &commitment, nil
}

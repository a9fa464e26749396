package smt

import (
	"bytes"
	"sort"

	"github.com/utxonet/utxo-commit-node/internal/types"
)

// EntriesSorted returns every live entry ordered by tree path. The order is
// deterministic, so chunked transfers slice the same way on every node.
func (s *Store) EntriesSorted() []*types.UtxoEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([][types.HashSize]byte, 0, len(s.leaves))
	for path := range s.leaves {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool {
		return bytes.Compare(paths[i][:], paths[j][:]) < 0
	})

	entries := make([]*types.UtxoEntry, 0, len(paths))
	for _, path := range paths {
		entries = append(entries, s.leaves[path])
	}
	return entries
}

// Rebuild constructs a store from scratch out of entries, for snapshot
// restore and post-transfer reconstruction.
func Rebuild(entries []*types.UtxoEntry) (*Store, error) {
	s := NewStore()
	for _, entry := range entries {
		if err := s.Insert(entry); err != nil {
			return nil, err
		}
	}
	return s, nil
}

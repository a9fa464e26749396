// Package smt maintains the full UTXO set as a fixed-depth sparse Merkle
// tree and derives the running commitment (root, total supply) from it.
// Nodes live in a flat arena keyed by (level, path prefix); empty subtrees
// are never materialized, so storage stays proportional to the live set.
package smt

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/utxonet/utxo-commit-node/internal/types"
)

var (
	ErrDuplicateEntry = errors.New("entry already exists in commitment store")
	ErrEntryNotFound  = errors.New("entry not found in commitment store")
	ErrBatchOpen      = errors.New("mutation batch already open")
	ErrNoBatch        = errors.New("no mutation batch open")
)

// emptyAt[l] is the hash of an empty subtree whose leaves sit l levels down.
// emptyAt[0] is the absent-leaf value, emptyAt[ProofDepth] the empty-set root.
var emptyAt [types.ProofDepth + 1][types.HashSize]byte

func init() {
	for l := 0; l < types.ProofDepth; l++ {
		emptyAt[l+1] = types.HashInternalNode(emptyAt[l], emptyAt[l])
	}
}

// EmptyRoot is the root of a store holding no entries.
func EmptyRoot() [types.HashSize]byte {
	return emptyAt[types.ProofDepth]
}

type nodeUndo struct {
	key     string
	old     [types.HashSize]byte
	existed bool
}

type leafUndo struct {
	path [types.HashSize]byte
	old  *types.UtxoEntry
}

// undoLog captures the pre-batch state of every slot touched since Begin, so
// a failed chunk or block application can be reverted without copying the
// tree. First write per slot wins; later writes to the same slot are already
// covered.
type undoLog struct {
	nodes     []nodeUndo
	leaves    []leafUndo
	seenNode  map[string]bool
	seenLeaf  map[[types.HashSize]byte]bool
	prevRoot  [types.HashSize]byte
	prevTotal uint64
}

// Store is the Merkle Commitment Store. Single writer: all mutations are
// serialized behind mu; reads observe only fully-committed state.
type Store struct {
	mu     sync.RWMutex
	nodes  map[string][types.HashSize]byte
	leaves map[[types.HashSize]byte]*types.UtxoEntry
	root   [types.HashSize]byte
	supply uint64
	batch  *undoLog
}

func NewStore() *Store {
	return &Store{
		nodes:  make(map[string][types.HashSize]byte),
		leaves: make(map[[types.HashSize]byte]*types.UtxoEntry),
		root:   EmptyRoot(),
	}
}

// nodeKey addresses the arena slot for a node at the given level. A node at
// level l (leaves are level 0) covers a prefix of ProofDepth-l path bits;
// bits below the prefix are masked off so all paths through the node agree
// on the key.
func nodeKey(level int, path [types.HashSize]byte) string {
	plen := types.ProofDepth - level
	var buf [2 + types.HashSize]byte
	binary.BigEndian.PutUint16(buf[0:2], uint16(level))

	full := plen / 8
	copy(buf[2:2+full], path[:full])
	if rem := plen % 8; rem != 0 {
		buf[2+full] = path[full] & (0xFF << (8 - uint(rem)))
	}
	return string(buf[:])
}

// flipPathBit returns the sibling path at the given level.
func flipPathBit(path [types.HashSize]byte, level int) [types.HashSize]byte {
	bit := types.ProofDepth - 1 - level
	path[bit/8] ^= 1 << (7 - uint(bit%8))
	return path
}

func (s *Store) getNode(level int, path [types.HashSize]byte) [types.HashSize]byte {
	if h, ok := s.nodes[nodeKey(level, path)]; ok {
		return h
	}
	return emptyAt[level]
}

func (s *Store) setNode(level int, path [types.HashSize]byte, h [types.HashSize]byte) {
	key := nodeKey(level, path)
	if s.batch != nil && !s.batch.seenNode[key] {
		old, existed := s.nodes[key]
		s.batch.nodes = append(s.batch.nodes, nodeUndo{key: key, old: old, existed: existed})
		s.batch.seenNode[key] = true
	}
	if h == emptyAt[level] {
		delete(s.nodes, key)
		return
	}
	s.nodes[key] = h
}

func (s *Store) setLeaf(path [types.HashSize]byte, entry *types.UtxoEntry) {
	if s.batch != nil && !s.batch.seenLeaf[path] {
		s.batch.leaves = append(s.batch.leaves, leafUndo{path: path, old: s.leaves[path]})
		s.batch.seenLeaf[path] = true
	}
	if entry == nil {
		delete(s.leaves, path)
		return
	}
	s.leaves[path] = entry
}

// updatePath rewrites the branch from a leaf to the root after the leaf hash
// changed. O(log n) in the tree depth.
func (s *Store) updatePath(path [types.HashSize]byte, leafHash [types.HashSize]byte) {
	cur := leafHash
	s.setNode(0, path, cur)

	for l := 0; l < types.ProofDepth; l++ {
		sib := s.getNode(l, flipPathBit(path, l))
		if types.PathBit(path, l) == 0 {
			cur = types.HashInternalNode(cur, sib)
		} else {
			cur = types.HashInternalNode(sib, cur)
		}
		s.setNode(l+1, path, cur)
	}
	s.root = cur
}

// Insert adds a new entry. Fails with ErrDuplicateEntry if the outpoint is
// already present.
func (s *Store) Insert(entry *types.UtxoEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(entry)
}

func (s *Store) insertLocked(entry *types.UtxoEntry) error {
	path := entry.Outpoint.Path()
	if _, exists := s.leaves[path]; exists {
		return ErrDuplicateEntry
	}
	s.setLeaf(path, entry)
	s.updatePath(path, entry.LeafHash())
	s.supply += uint64(entry.Amount)
	return nil
}

// Remove deletes the entry for the outpoint. Fails with ErrEntryNotFound if
// absent.
func (s *Store) Remove(op types.Outpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(op)
}

func (s *Store) removeLocked(op types.Outpoint) error {
	path := op.Path()
	entry, exists := s.leaves[path]
	if !exists {
		return ErrEntryNotFound
	}
	s.setLeaf(path, nil)
	s.updatePath(path, emptyAt[0])
	s.supply -= uint64(entry.Amount)
	return nil
}

// Begin opens a mutation batch. Until Commit, readers keep observing the
// pre-batch root and supply, and Rollback discards every staged mutation.
func (s *Store) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		return ErrBatchOpen
	}
	s.batch = &undoLog{
		seenNode:  make(map[string]bool),
		seenLeaf:  make(map[[types.HashSize]byte]bool),
		prevRoot:  s.root,
		prevTotal: s.supply,
	}
	return nil
}

// Commit makes the staged batch visible atomically.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return ErrNoBatch
	}
	s.batch = nil
	return nil
}

// Rollback reverts to the last committed root, discarding the open batch.
func (s *Store) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		return ErrNoBatch
	}
	b := s.batch
	s.batch = nil

	for i := len(b.nodes) - 1; i >= 0; i-- {
		u := b.nodes[i]
		if u.existed {
			s.nodes[u.key] = u.old
		} else {
			delete(s.nodes, u.key)
		}
	}
	for i := len(b.leaves) - 1; i >= 0; i-- {
		u := b.leaves[i]
		if u.old != nil {
			s.leaves[u.path] = u.old
		} else {
			delete(s.leaves, u.path)
		}
	}
	s.root = b.prevRoot
	s.supply = b.prevTotal
	return nil
}

// InsertBatch applies all entries atomically: either every entry lands or
// none do.
func (s *Store) InsertBatch(entries []*types.UtxoEntry) error {
	if err := s.Begin(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, entry := range entries {
		if err := s.insertLocked(entry); err != nil {
			s.mu.Unlock()
			_ = s.Rollback()
			return err
		}
	}
	s.mu.Unlock()
	return s.Commit()
}

// Root returns the committed 32-byte root. While a batch is open the
// pre-batch root is reported, keeping staged mutations invisible.
func (s *Store) Root() [types.HashSize]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.batch != nil {
		return s.batch.prevRoot
	}
	return s.root
}

// Supply returns the committed running total in satoshis.
func (s *Store) Supply() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.batch != nil {
		return s.batch.prevTotal
	}
	return s.supply
}

// Len is the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.leaves)
}

// Commitment binds the current root and supply to a chain position.
func (s *Store) Commitment(height uint32, blockHash [types.HashSize]byte) *types.UtxoCommitment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, supply := s.root, s.supply
	if s.batch != nil {
		root, supply = s.batch.prevRoot, s.batch.prevTotal
	}

	c := &types.UtxoCommitment{
		Version:     types.CommitmentVersion,
		Height:      height,
		Root:        root,
		TotalSupply: supply,
	}
	copy(c.BlockHash[:], blockHash[:])
	return c
}

// Get returns the live entry for an outpoint, or nil.
func (s *Store) Get(op types.Outpoint) *types.UtxoEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaves[op.Path()]
}

// ForEach visits every live entry. The callback must not mutate the store.
func (s *Store) ForEach(fn func(*types.UtxoEntry) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.leaves {
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

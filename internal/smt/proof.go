package smt

import (
	"github.com/kelindar/bitmap"

	"github.com/utxonet/utxo-commit-node/internal/types"
)

// Prove builds a membership proof for the outpoint, or a non-membership
// proof when the outpoint is absent. The returned entry is nil for
// non-membership. O(log n).
func (s *Store) Prove(op types.Outpoint) (*types.MerkleProof, *types.UtxoEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := op.Path()
	proof := &types.MerkleProof{Defaults: make(bitmap.Bitmap, (types.ProofDepth+63)/64)}

	for l := 0; l < types.ProofDepth; l++ {
		sib := s.getNode(l, flipPathBit(path, l))
		if sib == emptyAt[l] {
			proof.Defaults.Set(uint32(l))
			continue
		}
		proof.Siblings = append(proof.Siblings, sib)
	}
	return proof, s.leaves[path]
}

// VerifyProof checks a proof against a root without any store state. A nil
// entry claims non-membership of the outpoint; a non-nil entry claims that
// exact value is committed. Proofs carrying extra or missing siblings are
// rejected.
func VerifyProof(root [types.HashSize]byte, op types.Outpoint, proof *types.MerkleProof, entry *types.UtxoEntry) bool {
	if proof == nil {
		return false
	}

	path := op.Path()
	cur := emptyAt[0]
	if entry != nil {
		if entry.Outpoint != op {
			return false
		}
		cur = entry.LeafHash()
	}

	next := 0
	for l := 0; l < types.ProofDepth; l++ {
		sib, err := proof.SiblingAt(l, &emptyAt, &next)
		if err != nil {
			return false
		}
		if types.PathBit(path, l) == 0 {
			cur = types.HashInternalNode(cur, sib)
		} else {
			cur = types.HashInternalNode(sib, cur)
		}
	}
	if next != len(proof.Siblings) {
		return false
	}
	return cur == root
}

package types

// UTXOSetChunk is one verified slice of a full UTXO-set transfer. Entries
// arrive with membership proofs against the agreed commitment root so each
// chunk is independently checkable before it touches the local store.
type UTXOSetChunk struct {
	Commitment *UtxoCommitment
	Index      int
	Total      int
	Entries    []*UtxoEntry
	Proofs     []*MerkleProof
}

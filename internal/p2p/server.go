package p2p

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/utxonet/utxo-commit-node/internal/smt"
	"github.com/utxonet/utxo-commit-node/internal/types"
)

// LocalServer answers peer requests from the node's own verified stores, so a
// synced node can in turn bootstrap others. Filtered blocks are served only
// when a block source is attached; block storage itself lives outside this
// node.
type LocalServer struct {
	mu        sync.RWMutex
	sets      map[uint32]*verifiedSet
	latest    uint32
	chunkSize int

	blocks BlockSource
}

// verifiedSet is one verified store frozen at a commitment height.
type verifiedSet struct {
	store      *smt.Store
	commitment *types.UtxoCommitment
}

// retainedSets bounds how many verified heights stay addressable.
const retainedSets = 4

// BlockSource supplies filtered block views for forward-sync serving.
type BlockSource interface {
	FilteredBlockAt(height uint32, hint []string) (*FilteredBlockResponse, error)
}

func NewLocalServer(chunkSize int) *LocalServer {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &LocalServer{chunkSize: chunkSize, sets: make(map[uint32]*verifiedSet)}
}

// SetVerified registers a verified store under its commitment height. A
// bootstrapping peer asks at its own tip minus the confirmation margin, so
// the margin-lagged checkpoint must stay servable alongside the newer tip;
// the oldest heights are pruned past retainedSets. Until the first call, the
// server reports no commitment.
func (ls *LocalServer) SetVerified(store *smt.Store, commitment *types.UtxoCommitment) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.sets[commitment.Height] = &verifiedSet{store: store, commitment: commitment}
	if commitment.Height > ls.latest {
		ls.latest = commitment.Height
	}
	for len(ls.sets) > retainedSets {
		lowest := ls.latest
		for h := range ls.sets {
			if h < lowest {
				lowest = h
			}
		}
		delete(ls.sets, lowest)
	}
}

// SetBlockSource attaches a filtered block provider.
func (ls *LocalServer) SetBlockSource(src BlockSource) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.blocks = src
}

func (ls *LocalServer) LatestCommitment() ([]byte, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.serializedAt(ls.latest)
}

// CommitmentAt returns the serialized commitment retained at the given
// height, if any.
func (ls *LocalServer) CommitmentAt(height uint32) ([]byte, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.serializedAt(height)
}

// caller holds ls.mu
func (ls *LocalServer) serializedAt(height uint32) ([]byte, bool) {
	set, ok := ls.sets[height]
	if !ok {
		return nil, false
	}
	buf := set.commitment.Serialize()
	return buf[:], true
}

func (ls *LocalServer) UTXOSetChunk(height uint32, chunk int) (*UTXOSetResponse, error) {
	ls.mu.RLock()
	set, ok := ls.sets[height]
	chunkSize := ls.chunkSize
	ls.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no verified utxo set at height %d", height)
	}
	store, commitment := set.store, set.commitment
	if chunk < 0 {
		return nil, fmt.Errorf("negative chunk index %d", chunk)
	}

	entries := store.EntriesSorted()
	total := (len(entries) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	if chunk >= total {
		return nil, fmt.Errorf("chunk %d out of range, have %d", chunk, total)
	}

	start := chunk * chunkSize
	end := start + chunkSize
	if end > len(entries) {
		end = len(entries)
	}

	resp := &UTXOSetResponse{
		Commitment:  encodeCommitment(commitment),
		Chunk:       chunk,
		TotalChunks: total,
	}
	for _, entry := range entries[start:end] {
		proof, _ := store.Prove(entry.Outpoint)
		resp.Entries = append(resp.Entries, hex.EncodeToString(entry.Bytes()))
		resp.Proofs = append(resp.Proofs, hex.EncodeToString(proof.Serialize()))
	}
	return resp, nil
}

func (ls *LocalServer) FilteredBlock(height uint32, hint []string) (*FilteredBlockResponse, error) {
	ls.mu.RLock()
	blocks := ls.blocks
	ls.mu.RUnlock()

	if blocks == nil {
		return nil, fmt.Errorf("block serving not enabled")
	}
	return blocks.FilteredBlockAt(height, hint)
}

package syncer

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/smt"
	"github.com/utxonet/utxo-commit-node/internal/state"
	"github.com/utxonet/utxo-commit-node/internal/types"
)

// transfer downloads the full UTXO set behind the agreed commitment,
// proof-checking every entry before it is admitted, then rebuilds the tree
// and requires an exact root and supply match. Chunks are fetched
// concurrently from the supporting peers; a bad or missing chunk is retried
// against a different supporter up to the retry limit.
func (o *Orchestrator) transfer(ctx context.Context, agreed *types.UtxoCommitment, supporters []string) (*smt.Store, error) {
	if len(supporters) == 0 {
		return nil, fmt.Errorf("no supporting peers to transfer from")
	}

	first, err := o.fetchChunk(ctx, agreed, supporters, 0)
	if err != nil {
		return nil, err
	}
	total := first.Total
	if total <= 0 {
		return nil, fmt.Errorf("peer reported %d chunks for height %d", total, agreed.Height)
	}
	chunks := make([][]*types.UtxoEntry, total)
	chunks[0] = first.Entries
	o.state.SetTransferProgress(1, total)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		done     = 1
		sem      = make(chan struct{}, o.opts.TransferWorkers)
	)
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 1; i < total; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-fetchCtx.Done():
				return
			}
			chunk, err := o.fetchChunk(fetchCtx, agreed, supporters, index)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			if chunk.Total != total {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: chunk %d reports %d total chunks, expected %d",
						ErrProofInvalid, index, chunk.Total, total)
					cancel()
				}
				return
			}
			chunks[index] = chunk.Entries
			done++
			o.state.SetTransferProgress(done, total)
		}(i)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store := smt.NewStore()
	for i, entries := range chunks {
		if err := store.InsertBatch(entries); err != nil {
			return nil, fmt.Errorf("apply chunk %d: %w", i, err)
		}
	}
	if store.Root() != agreed.Root {
		return nil, fmt.Errorf("%w: got %x, want %s", ErrRootMismatch, store.Root(), agreed.RootHex())
	}
	if store.Supply() != agreed.TotalSupply {
		return nil, fmt.Errorf("%w: rebuilt supply %d, commitment says %d",
			ErrRootMismatch, store.Supply(), agreed.TotalSupply)
	}
	log.Infof("Transferred %d entries in %d chunks for height %d", store.Len(), total, agreed.Height)
	return store, nil
}

// fetchChunk asks supporters in rotation until one serves a chunk whose
// every entry proves against the agreed root.
func (o *Orchestrator) fetchChunk(ctx context.Context, agreed *types.UtxoCommitment, supporters []string, index int) (*types.UTXOSetChunk, error) {
	var lastErr error
	for attempt := 0; attempt < o.opts.TransferRetryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		peerID := supporters[(index+attempt)%len(supporters)]
		cctx, cancel := context.WithTimeout(ctx, o.opts.PeerTimeout)
		chunk, err := o.client.UTXOSetChunk(cctx, peerID, agreed.Height, index)
		cancel()
		if err == nil {
			err = verifyChunk(agreed, index, chunk)
			if err == nil {
				o.state.EventBus.Publish(state.ChunkVerified, index)
				return chunk, nil
			}
		}
		lastErr = err
		log.Warnf("Chunk %d from peer %s rejected: %v", index, peerID, err)
	}
	return nil, fmt.Errorf("chunk %d unavailable after %d attempts: %w", index, o.opts.TransferRetryLimit, lastErr)
}

func verifyChunk(agreed *types.UtxoCommitment, index int, chunk *types.UTXOSetChunk) error {
	if chunk.Commitment == nil || !chunk.Commitment.Equal(agreed) {
		return fmt.Errorf("%w: chunk %d served under a different commitment", ErrProofInvalid, index)
	}
	if chunk.Index != index {
		return fmt.Errorf("%w: asked for chunk %d, got %d", ErrProofInvalid, index, chunk.Index)
	}
	if len(chunk.Entries) != len(chunk.Proofs) {
		return fmt.Errorf("%w: chunk %d has %d entries but %d proofs",
			ErrProofInvalid, index, len(chunk.Entries), len(chunk.Proofs))
	}
	for i, entry := range chunk.Entries {
		if entry == nil || chunk.Proofs[i] == nil {
			return fmt.Errorf("%w: chunk %d entry %d is empty", ErrProofInvalid, index, i)
		}
		if !smt.VerifyProof(agreed.Root, entry.Outpoint, chunk.Proofs[i], entry) {
			return fmt.Errorf("%w: chunk %d entry %d (%s)", ErrProofInvalid, index, i, &entry.Outpoint)
		}
	}
	return nil
}

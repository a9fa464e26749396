package syncer

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/db"
	"github.com/utxonet/utxo-commit-node/internal/filter"
	"github.com/utxonet/utxo-commit-node/internal/smt"
	"github.com/utxonet/utxo-commit-node/internal/types"
	"github.com/utxonet/utxo-commit-node/internal/verifier"
)

// forwardSync walks the store from the checkpoint to the current header tip
// one block at a time. Each block must extend the previous one and match
// the locally stored header hash; each application is atomic, a block that
// spends an unknown outpoint rolls back and aborts the session.
func (o *Orchestrator) forwardSync(ctx context.Context, sessionID string, store *smt.Store, from *types.UtxoCommitment, supporters []string) (*types.UtxoCommitment, error) {
	current := from
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tip := o.headers.TipHeight()
		if current.Height >= tip {
			return current, nil
		}
		height := current.Height + 1

		block, stats, err := o.fetchBlock(ctx, supporters, height)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", height, err)
		}
		if block.Header.PrevBlock != current.BlockHash {
			return nil, fmt.Errorf("%w: block %d does not extend %s",
				verifier.ErrChainBroken, height, current.BlockHash)
		}
		blockHash := block.BlockHash()
		if want, err := o.headers.HashAt(height); err == nil && want != blockHash.String() {
			return nil, fmt.Errorf("%w: block %d hash %s, headers say %s",
				verifier.ErrChainBroken, height, blockHash, want)
		}

		current, err = applyBlock(store, height, blockHash, block)
		if err != nil {
			return nil, err
		}
		o.noteFilterStats(sessionID, block, stats)
		o.state.SetLocalHeight(height)
		if height%1000 == 0 {
			log.Infof("Forward sync at height %d, %d entries, supply %d sat",
				height, store.Len(), store.Supply())
		}
	}
}

// resumeFromSnapshot tries to reuse the persisted snapshot instead of a
// full set transfer. The snapshot is replayed block by block up to the
// agreed checkpoint and adopted only on an exact commitment match; any
// failure falls back to the normal transfer path.
func (o *Orchestrator) resumeFromSnapshot(ctx context.Context, agreed *types.UtxoCommitment, supporters []string) (*smt.Store, bool) {
	if o.snapshots == nil {
		return nil, false
	}
	store, saved, err := o.snapshots.Load()
	if err != nil {
		log.Warnf("Snapshot unusable: %v", err)
		return nil, false
	}
	if saved == nil || saved.Height > agreed.Height {
		return nil, false
	}

	current := saved
	for current.Height < agreed.Height {
		if ctx.Err() != nil {
			return nil, false
		}
		height := current.Height + 1
		block, _, err := o.fetchBlock(ctx, supporters, height)
		if err != nil {
			log.Warnf("Snapshot replay stalled at height %d: %v", height, err)
			return nil, false
		}
		if block.Header.PrevBlock != current.BlockHash {
			return nil, false
		}
		current, err = applyBlock(store, height, block.BlockHash(), block)
		if err != nil {
			log.Warnf("Snapshot replay failed at height %d: %v", height, err)
			return nil, false
		}
	}
	if !current.Equal(agreed) {
		log.Warnf("Replayed snapshot diverges from checkpoint at height %d", agreed.Height)
		return nil, false
	}
	log.Infof("Resumed from snapshot at height %d, replayed %d blocks", saved.Height, agreed.Height-saved.Height)
	return store, true
}

// fetchBlock prefers the trusted local source when one is attached,
// otherwise it rotates through the supporting peers.
func (o *Orchestrator) fetchBlock(ctx context.Context, supporters []string, height uint32) (*wire.MsgBlock, filter.Stats, error) {
	if o.blocks != nil {
		block, err := o.blocks.BlockAt(ctx, height)
		return block, filter.Stats{}, err
	}
	if len(supporters) == 0 {
		return nil, filter.Stats{}, fmt.Errorf("no peers to fetch blocks from")
	}
	hint := o.filterHint()
	var lastErr error
	for attempt := 0; attempt < o.opts.TransferRetryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, filter.Stats{}, err
		}
		peerID := supporters[(int(height)+attempt)%len(supporters)]
		cctx, cancel := context.WithTimeout(ctx, o.opts.PeerTimeout)
		block, _, stats, err := o.client.FilteredBlock(cctx, peerID, height, hint)
		cancel()
		if err == nil {
			return block, stats, nil
		}
		lastErr = err
		log.Warnf("Block %d from peer %s failed: %v", height, peerID, err)
	}
	return nil, filter.Stats{}, fmt.Errorf("unavailable after %d attempts: %w", o.opts.TransferRetryLimit, lastErr)
}

func (o *Orchestrator) filterHint() []string {
	if o.filterCfg == nil {
		return nil
	}
	rules := o.filterCfg.EnabledRules()
	hint := make([]string, len(rules))
	for i, r := range rules {
		hint[i] = string(r)
	}
	return hint
}

// noteFilterStats classifies the block locally so relay-side counters do
// not depend on what the serving peer claims to have filtered.
func (o *Orchestrator) noteFilterStats(sessionID string, block *wire.MsgBlock, peerStats filter.Stats) {
	if o.filterCfg == nil {
		o.state.AddFilterStats(peerStats)
		return
	}
	_, stats := filter.FilterBlock(block, o.filterCfg)
	o.state.AddFilterStats(stats)
	if o.dbm != nil {
		agg := o.state.GetFilterStats()
		rec := db.FilterStatsRecord{
			SessionID:       sessionID,
			OutputsScanned:  agg.OutputsScanned,
			OutputsFiltered: agg.OutputsFiltered,
			BytesSaved:      agg.BytesSaved,
		}
		if err := o.dbm.GetCommitDB().
			Where(db.FilterStatsRecord{SessionID: sessionID}).
			Assign(rec).
			FirstOrCreate(&db.FilterStatsRecord{}).Error; err != nil {
			log.Warnf("Persist filter stats: %v", err)
		}
	}
}

// applyBlock admits one block into the store atomically. Every non-coinbase
// input removes its outpoint, every spendable output inserts a fresh entry.
// Provably unspendable outputs never enter the set, matching the canonical
// UTXO definition.
func applyBlock(store *smt.Store, height uint32, blockHash chainhash.Hash, block *wire.MsgBlock) (*types.UtxoCommitment, error) {
	if err := store.Begin(); err != nil {
		return nil, err
	}
	for txIdx, tx := range block.Transactions {
		coinbase := txIdx == 0
		if !coinbase {
			for _, in := range tx.TxIn {
				op := types.Outpoint{TxID: in.PreviousOutPoint.Hash, Index: in.PreviousOutPoint.Index}
				if err := store.Remove(op); err != nil {
					_ = store.Rollback()
					return nil, fmt.Errorf("block %d spends %s: %w", height, op.String(), err)
				}
			}
		}
		txid := tx.TxHash()
		for outIdx, out := range tx.TxOut {
			if txscript.IsUnspendable(out.PkScript) {
				continue
			}
			entry := &types.UtxoEntry{
				Outpoint: types.Outpoint{TxID: txid, Index: uint32(outIdx)},
				Amount:   out.Value,
				PkScript: out.PkScript,
				Height:   height,
				Coinbase: coinbase,
			}
			if err := store.Insert(entry); err != nil {
				_ = store.Rollback()
				return nil, fmt.Errorf("block %d output %s: %w", height, entry.Outpoint.String(), err)
			}
		}
	}
	if err := store.Commit(); err != nil {
		return nil, err
	}
	return store.Commitment(height, blockHash), nil
}

func commitmentAt(height uint32, hashStr string, store *smt.Store) (*types.UtxoCommitment, error) {
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return nil, fmt.Errorf("bad block hash %q: %w", hashStr, err)
	}
	return store.Commitment(height, *hash), nil
}

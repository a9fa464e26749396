package btc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/utxonet/utxo-commit-node/internal/filter"
	"github.com/utxonet/utxo-commit-node/internal/p2p"
)

// BlockFetcher pulls full blocks from the trusted local bitcoind.
type BlockFetcher struct {
	client *rpcclient.Client
}

func NewBlockFetcher(client *rpcclient.Client) *BlockFetcher {
	return &BlockFetcher{client: client}
}

// BlockAt fetches the block at a height. The rpcclient has no context
// plumbing of its own, so cancellation is checked before the call.
func (bf *BlockFetcher) BlockAt(ctx context.Context, height uint32) (*wire.MsgBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := bf.client.GetBlockHash(int64(height))
	if err != nil {
		return nil, fmt.Errorf("block hash at %d: %w", height, err)
	}
	block, err := bf.client.GetBlock(hash)
	if err != nil {
		return nil, fmt.Errorf("block %s: %w", hash, err)
	}
	return block, nil
}

// FilteredBlockProvider serves spam-filtered block views to syncing peers,
// backed by the local bitcoind. The canonical block is never mutated; the
// excluded list tells the receiver which outputs the filter would drop.
type FilteredBlockProvider struct {
	fetcher *BlockFetcher
	cfg     *filter.Config
}

func NewFilteredBlockProvider(fetcher *BlockFetcher, cfg *filter.Config) *FilteredBlockProvider {
	return &FilteredBlockProvider{fetcher: fetcher, cfg: cfg}
}

// FilteredBlockAt implements the p2p serving contract.
func (fp *FilteredBlockProvider) FilteredBlockAt(height uint32, hint []string) (*p2p.FilteredBlockResponse, error) {
	block, err := fp.fetcher.BlockAt(context.Background(), height)
	if err != nil {
		return nil, err
	}

	cfg := fp.cfg
	if len(hint) > 0 {
		rules := make([]filter.Rule, len(hint))
		for i, h := range hint {
			rules[i] = filter.Rule(h)
		}
		if hinted, err := filter.NewConfig(cfg.DustThreshold, rules); err == nil {
			cfg = hinted
		}
	}
	fb, stats := filter.FilterBlock(block, cfg)

	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize block %d: %w", height, err)
	}
	return &p2p.FilteredBlockResponse{
		Block:    hex.EncodeToString(buf.Bytes()),
		Excluded: fb.Excluded,
		Stats:    stats,
	}, nil
}

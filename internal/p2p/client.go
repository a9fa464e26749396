package p2p

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/utxonet/utxo-commit-node/internal/filter"
	"github.com/utxonet/utxo-commit-node/internal/types"
)

// Client issues commitment, UTXO-set and filtered-block requests to remote
// peers. It satisfies the fetcher interfaces of the consensus engine and the
// sync orchestrator. The host is resolved per call because the transport
// starts asynchronously.
type Client struct {
	hostFn func() host.Host
}

func NewClient(hostFn func() host.Host) *Client {
	return &Client{hostFn: hostFn}
}

func (c *Client) roundTrip(ctx context.Context, peerID string, proto string, req, resp any) error {
	node := c.hostFn()
	if node == nil {
		return fmt.Errorf("transport not started")
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("bad peer id %q: %w", peerID, err)
	}

	s, err := node.NewStream(ctx, pid, protocol.ID(proto))
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", peerID, err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := json.NewEncoder(s).Encode(req); err != nil {
		s.Reset()
		return fmt.Errorf("write request to %s: %w", peerID, err)
	}
	if err := closeWrite(s); err != nil {
		s.Reset()
		return err
	}
	if err := json.NewDecoder(s).Decode(resp); err != nil {
		s.Reset()
		return fmt.Errorf("read response from %s: %w", peerID, err)
	}
	return nil
}

func closeWrite(s network.Stream) error {
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("close write side: %w", err)
	}
	return nil
}

// Commitment fetches one peer's claimed commitment at a height.
func (c *Client) Commitment(ctx context.Context, peerID string, height uint32) (*types.UtxoCommitment, error) {
	var resp CommitmentResponse
	err := c.roundTrip(ctx, peerID, commitmentProtocol, &GetCommitmentRequest{Height: height}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("peer %s: %s", peerID, resp.Err)
	}
	return decodeCommitment(resp.Commitment)
}

// UTXOSetChunk fetches and decodes one chunk of a peer's UTXO set.
func (c *Client) UTXOSetChunk(ctx context.Context, peerID string, height uint32, chunk int) (*types.UTXOSetChunk, error) {
	var resp UTXOSetResponse
	err := c.roundTrip(ctx, peerID, utxoSetProtocol, &GetUTXOSetRequest{Height: height, Chunk: chunk}, &resp)
	if err != nil {
		return nil, err
	}
	return decodeChunk(&resp)
}

// FilteredBlock fetches a block at the given height with the peer's spam
// classification applied.
func (c *Client) FilteredBlock(ctx context.Context, peerID string, height uint32, hint []string) (*wire.MsgBlock, []filter.OutputRef, filter.Stats, error) {
	var resp FilteredBlockResponse
	err := c.roundTrip(ctx, peerID, blockProtocol, &GetFilteredBlockRequest{Height: height, FilterHint: hint}, &resp)
	if err != nil {
		return nil, nil, filter.Stats{}, err
	}
	if resp.Err != "" {
		return nil, nil, filter.Stats{}, fmt.Errorf("peer %s: %s", peerID, resp.Err)
	}

	raw, err := hex.DecodeString(resp.Block)
	if err != nil {
		return nil, nil, filter.Stats{}, fmt.Errorf("block hex from %s: %w", peerID, err)
	}
	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, nil, filter.Stats{}, fmt.Errorf("block from %s: %w", peerID, err)
	}
	return &block, resp.Excluded, resp.Stats, nil
}

package p2p

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/utxonet/utxo-commit-node/internal/filter"
	"github.com/utxonet/utxo-commit-node/internal/types"
)

// Stream protocols spoken between commitment nodes.
const (
	handshakeProtocol  = "/utxocommit/handshake/1.0.0"
	commitmentProtocol = "/utxocommit/commitment/1.0.0"
	utxoSetProtocol    = "/utxocommit/utxoset/1.0.0"
	blockProtocol      = "/utxocommit/block/1.0.0"

	expectedHandshake  = "utxocommitpeer"
	announceTopicName  = "commitment-announce"
	heartbeatTopicName = "heartbeat-topic"
	privKeyFile        = "node_private_key.pem"
)

type GetCommitmentRequest struct {
	Height uint32 `json:"height"`
}

type CommitmentResponse struct {
	Commitment string `json:"commitment,omitempty"` // hex, 84 bytes
	Err        string `json:"err,omitempty"`
}

type GetUTXOSetRequest struct {
	Height uint32 `json:"height"`
	Chunk  int    `json:"chunk"`
}

type UTXOSetResponse struct {
	Commitment  string   `json:"commitment,omitempty"`
	Chunk       int      `json:"chunk"`
	TotalChunks int      `json:"total_chunks"`
	Entries     []string `json:"entries,omitempty"` // hex-serialized UtxoEntry
	Proofs      []string `json:"proofs,omitempty"`  // hex-serialized MerkleProof per entry
	Err         string   `json:"err,omitempty"`
}

type GetFilteredBlockRequest struct {
	Height     uint32   `json:"height"`
	FilterHint []string `json:"filter_hint,omitempty"`
}

type FilteredBlockResponse struct {
	Block    string             `json:"block,omitempty"` // hex-serialized wire.MsgBlock
	Excluded []filter.OutputRef `json:"excluded,omitempty"`
	Stats    filter.Stats       `json:"stats"`
	Err      string             `json:"err,omitempty"`
}

// CommitmentAnnouncement is gossiped after a node completes a verified sync.
type CommitmentAnnouncement struct {
	PeerID     string `json:"peer_id"`
	Commitment string `json:"commitment"` // hex, 84 bytes
	Timestamp  int64  `json:"ts"`
}

type HeartbeatMessage struct {
	PeerID    string `json:"peer_id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"ts"`
}

func encodeCommitment(c *types.UtxoCommitment) string {
	buf := c.Serialize()
	return hex.EncodeToString(buf[:])
}

func decodeCommitment(s string) (*types.UtxoCommitment, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("commitment hex: %w", err)
	}
	var c types.UtxoCommitment
	if err := c.Deserialize(raw); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeChunk(resp *UTXOSetResponse) (*types.UTXOSetChunk, error) {
	if resp.Err != "" {
		return nil, fmt.Errorf("peer error: %s", resp.Err)
	}
	if len(resp.Entries) != len(resp.Proofs) {
		return nil, fmt.Errorf("chunk %d has %d entries but %d proofs",
			resp.Chunk, len(resp.Entries), len(resp.Proofs))
	}

	commitment, err := decodeCommitment(resp.Commitment)
	if err != nil {
		return nil, err
	}

	chunk := &types.UTXOSetChunk{
		Commitment: commitment,
		Index:      resp.Chunk,
		Total:      resp.TotalChunks,
		Entries:    make([]*types.UtxoEntry, 0, len(resp.Entries)),
		Proofs:     make([]*types.MerkleProof, 0, len(resp.Proofs)),
	}
	for i := range resp.Entries {
		raw, err := hex.DecodeString(resp.Entries[i])
		if err != nil {
			return nil, fmt.Errorf("entry %d hex: %w", i, err)
		}
		var entry types.UtxoEntry
		if err := entry.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		rawProof, err := hex.DecodeString(resp.Proofs[i])
		if err != nil {
			return nil, fmt.Errorf("proof %d hex: %w", i, err)
		}
		var proof types.MerkleProof
		if err := proof.Deserialize(rawProof); err != nil {
			return nil, fmt.Errorf("proof %d: %w", i, err)
		}

		chunk.Entries = append(chunk.Entries, &entry)
		chunk.Proofs = append(chunk.Proofs, &proof)
	}
	return chunk, nil
}

package consensus

import (
	"context"

	"github.com/utxonet/utxo-commit-node/internal/types"
)

// PeerInfo is the topology metadata the external directory supplies for a
// candidate peer. The engine treats it as read-only.
type PeerInfo struct {
	ID     string `json:"id"`
	ASN    uint32 `json:"asn"`
	Subnet string `json:"subnet"`
	Region string `json:"region"`
}

// PeerDirectory is the injected read-only registry of known peers and their
// ASN/subnet/geo metadata.
type PeerDirectory interface {
	Peers(ctx context.Context) ([]PeerInfo, error)
}

// CommitmentFetcher requests one peer's claimed commitment at a height over
// the external transport.
type CommitmentFetcher interface {
	Commitment(ctx context.Context, peerID string, height uint32) (*types.UtxoCommitment, error)
}

// PeerVote is one peer's claim for a round. Ephemeral: created during the
// round, discarded once it resolves.
type PeerVote struct {
	Peer       PeerInfo
	Commitment *types.UtxoCommitment
	Err        error
}

// ConsensusResult names the agreed commitment and the peers that backed it,
// ordered as selected for the round. Immutable once produced.
type ConsensusResult struct {
	RoundID         string
	Height          uint32
	Commitment      *types.UtxoCommitment
	SupportingPeers []PeerInfo
	Responders      int
}

package state

import (
	"github.com/utxonet/utxo-commit-node/internal/filter"
	"github.com/utxonet/utxo-commit-node/internal/types"
)

// SyncPhase is the orchestrator's externally visible state machine position.
type SyncPhase int

const (
	PhaseIdle SyncPhase = iota
	PhaseSeekingConsensus
	PhaseVerifyingCommitment
	PhaseTransferringUtxoSet
	PhaseForwardSyncing
	PhaseSynced
	PhaseFailed
)

func (p SyncPhase) String() string {
	return [...]string{"Idle", "SeekingConsensus", "VerifyingCommitment", "TransferringUtxoSet", "ForwardSyncing", "Synced", "Failed"}[p]
}

// SyncState is the live snapshot of the current sync session.
type SyncState struct {
	SessionID      string
	Phase          SyncPhase
	FailReason     string
	Checkpoint     *types.UtxoCommitment
	LocalHeight    uint32
	ChunksDone     int
	ChunksTotal    int
	SupportingPeer []string
}

// BtcHeadState tracks the externally-supplied header chain position.
type BtcHeadState struct {
	TipHeight uint32
	TipHash   string
}

// FilterState aggregates spam filter counters for the session.
type FilterState struct {
	Stats filter.Stats
}

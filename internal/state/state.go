package state

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/db"
	"github.com/utxonet/utxo-commit-node/internal/filter"
	"github.com/utxonet/utxo-commit-node/internal/types"
)

type State struct {
	EventBus *EventBus

	dbm *db.DatabaseManager

	// Separate mutexes for different sub-modules
	syncMu   sync.RWMutex
	headMu   sync.RWMutex
	filterMu sync.RWMutex

	syncState   SyncState
	headState   BtcHeadState
	filterState FilterState
}

// NewState returns a State with no persistence behind it. Readers see
// zero values until the services start feeding it.
func NewState() *State {
	return &State{EventBus: NewEventBus()}
}

// InitializeState loads the persisted tip and last checkpoint so a restart
// resumes from known-good state.
func InitializeState(dbm *db.DatabaseManager) *State {
	s := &State{
		EventBus: NewEventBus(),
		dbm:      dbm,
	}

	var tip db.LightHeader
	if err := dbm.GetBtcLightDB().Order("height desc").First(&tip).Error; err != nil {
		log.Warnf("No stored headers yet: %v", err)
	} else {
		s.headState = BtcHeadState{TipHeight: tip.Height, TipHash: tip.Hash}
	}

	var checkpoint db.Checkpoint
	if err := dbm.GetCommitDB().Order("height desc").First(&checkpoint).Error; err != nil {
		log.Warnf("No stored checkpoint yet: %v", err)
	} else {
		s.syncState.LocalHeight = checkpoint.Height
	}

	return s
}

// Sync state

func (s *State) SetSyncPhase(sessionID string, phase SyncPhase, failReason string) {
	s.syncMu.Lock()
	s.syncState.SessionID = sessionID
	s.syncState.Phase = phase
	s.syncState.FailReason = failReason
	snapshot := s.syncState
	s.syncMu.Unlock()

	s.EventBus.Publish(SyncStateChanged, snapshot)
}

func (s *State) SetCheckpoint(c *types.UtxoCommitment, supporters []string) {
	s.syncMu.Lock()
	s.syncState.Checkpoint = c
	s.syncState.SupportingPeer = supporters
	s.syncMu.Unlock()

	s.EventBus.Publish(CheckpointAgreed, c)
}

func (s *State) SetTransferProgress(done, total int) {
	s.syncMu.Lock()
	s.syncState.ChunksDone = done
	s.syncState.ChunksTotal = total
	s.syncMu.Unlock()
}

func (s *State) SetLocalHeight(height uint32) {
	s.syncMu.Lock()
	s.syncState.LocalHeight = height
	s.syncMu.Unlock()
}

func (s *State) GetSyncState() SyncState {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.syncState
}

// Header chain state

func (s *State) UpdateBtcHead(height uint32, hash string) {
	s.headMu.Lock()
	s.headState = BtcHeadState{TipHeight: height, TipHash: hash}
	s.headMu.Unlock()

	s.EventBus.Publish(HeaderChainExtended, height)
}

func (s *State) GetBtcHead() BtcHeadState {
	s.headMu.RLock()
	defer s.headMu.RUnlock()
	return s.headState
}

// Filter state

func (s *State) AddFilterStats(delta filter.Stats) {
	s.filterMu.Lock()
	s.filterState.Stats.Add(delta)
	s.filterMu.Unlock()

	s.EventBus.Publish(BlockFiltered, delta)
}

func (s *State) GetFilterStats() filter.Stats {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return s.filterState.Stats
}

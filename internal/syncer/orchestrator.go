package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/consensus"
	"github.com/utxonet/utxo-commit-node/internal/db"
	"github.com/utxonet/utxo-commit-node/internal/filter"
	"github.com/utxonet/utxo-commit-node/internal/smt"
	"github.com/utxonet/utxo-commit-node/internal/state"
	"github.com/utxonet/utxo-commit-node/internal/types"
	"github.com/utxonet/utxo-commit-node/internal/verifier"
)

var (
	ErrRootMismatch  = errors.New("rebuilt utxo set root does not match the agreed commitment")
	ErrProofInvalid  = errors.New("chunk entry failed membership proof verification")
	ErrNoBlockSource = errors.New("genesis sync requires a local block source")
)

// Mode selects how the node bootstraps its UTXO set.
type Mode int

const (
	// ModePeerConsensus bootstraps from a peer-agreed checkpoint commitment.
	ModePeerConsensus Mode = iota
	// ModeGenesis replays every block from a trusted local bitcoind.
	ModeGenesis
	// ModeHybrid tries peer consensus first and falls back to genesis replay.
	ModeHybrid
)

func (m Mode) String() string {
	switch m {
	case ModeGenesis:
		return "Genesis"
	case ModeHybrid:
		return "Hybrid"
	default:
		return "PeerConsensus"
	}
}

// ParseMode maps a config string to a sync mode, defaulting to PeerConsensus.
func ParseMode(s string) Mode {
	switch s {
	case "Genesis", "genesis":
		return ModeGenesis
	case "Hybrid", "hybrid":
		return ModeHybrid
	default:
		return ModePeerConsensus
	}
}

// ConsensusRunner runs one peer consensus round at a height.
type ConsensusRunner interface {
	Round(ctx context.Context, height uint32) (*consensus.ConsensusResult, error)
}

// CommitmentVerifier checks a commitment against the issuance schedule and
// the local header chain.
type CommitmentVerifier interface {
	VerifyCommitment(c *types.UtxoCommitment) error
}

// PeerClient fetches UTXO set chunks and filtered blocks from individual
// peers over the transport.
type PeerClient interface {
	UTXOSetChunk(ctx context.Context, peerID string, height uint32, chunk int) (*types.UTXOSetChunk, error)
	FilteredBlock(ctx context.Context, peerID string, height uint32, hint []string) (*wire.MsgBlock, []filter.OutputRef, filter.Stats, error)
}

// HeaderChain is the locally stored header view the orchestrator anchors to.
type HeaderChain interface {
	TipHeight() uint32
	HashAt(height uint32) (string, error)
}

// BlockSource supplies raw blocks from a trusted local node, used by
// Genesis mode and as the fallback leg of Hybrid mode.
type BlockSource interface {
	BlockAt(ctx context.Context, height uint32) (*wire.MsgBlock, error)
}

// Announcer gossips a serialized commitment after a sync completes.
type Announcer interface {
	Announce(ctx context.Context, commitment []byte) error
}

// VerifiedSink receives the verified store so it can be served to peers.
type VerifiedSink interface {
	SetVerified(store *smt.Store, commitment *types.UtxoCommitment)
}

// Options bundles the orchestrator knobs. Zero values are replaced with the
// documented defaults.
type Options struct {
	Mode               Mode
	CheckpointMargin   uint32
	TransferRetryLimit int
	TransferWorkers    int
	SessionRetryLimit  int
	RetryBackoff       time.Duration
	PeerTimeout        time.Duration
}

func (o *Options) normalize() {
	if o.CheckpointMargin == 0 {
		o.CheckpointMargin = 6
	}
	if o.TransferRetryLimit <= 0 {
		o.TransferRetryLimit = 3
	}
	if o.TransferWorkers <= 0 {
		o.TransferWorkers = 4
	}
	if o.SessionRetryLimit <= 0 {
		o.SessionRetryLimit = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 15 * time.Second
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = 10 * time.Second
	}
}

// Orchestrator drives the sync state machine from Idle to Synced: seek a
// diverse-peer consensus checkpoint, verify it, transfer the UTXO set with
// per-entry proofs, then follow the chain forward block by block.
type Orchestrator struct {
	state    *state.State
	engine   ConsensusRunner
	verifier CommitmentVerifier
	client   PeerClient
	headers  HeaderChain
	opts     Options

	// optional collaborators, nil-tolerated
	blocks    BlockSource
	snapshots *db.SnapshotStore
	dbm       *db.DatabaseManager
	filterCfg *filter.Config
	sink      VerifiedSink
	announcer Announcer

	mu    sync.RWMutex
	store *smt.Store
	tip   *types.UtxoCommitment
}

func NewOrchestrator(st *state.State, engine ConsensusRunner, v CommitmentVerifier, client PeerClient, headers HeaderChain, opts Options) *Orchestrator {
	opts.normalize()
	return &Orchestrator{
		state:    st,
		engine:   engine,
		verifier: v,
		client:   client,
		headers:  headers,
		opts:     opts,
	}
}

// SetBlockSource attaches a trusted local block provider for genesis replay.
func (o *Orchestrator) SetBlockSource(src BlockSource) { o.blocks = src }

// SetPersistence attaches the checkpoint database and snapshot store.
func (o *Orchestrator) SetPersistence(dbm *db.DatabaseManager, snapshots *db.SnapshotStore) {
	o.dbm = dbm
	o.snapshots = snapshots
}

// SetFilterConfig attaches the spam filter used for relay-side stats.
func (o *Orchestrator) SetFilterConfig(cfg *filter.Config) { o.filterCfg = cfg }

// SetSink attaches the serving layer that exposes the verified set to peers.
func (o *Orchestrator) SetSink(sink VerifiedSink) { o.sink = sink }

// SetAnnouncer attaches the gossip publisher for completed syncs.
func (o *Orchestrator) SetAnnouncer(a Announcer) { o.announcer = a }

// Store returns the current verified UTXO store, nil before the first
// successful sync.
func (o *Orchestrator) Store() *smt.Store {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.store
}

// Tip returns the latest locally maintained commitment, nil before synced.
func (o *Orchestrator) Tip() *types.UtxoCommitment {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tip
}

// Start runs the sync loop until it succeeds, exhausts its retries, or the
// context is cancelled. Suitable as a goroutine body under the app runner.
func (o *Orchestrator) Start(ctx context.Context) {
	if err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Sync orchestrator stopped: %v", err)
	}
}

// Run executes sync sessions with backoff until one reaches Synced.
// Structural failures inside a session abort that session; the next session
// starts over from Idle with a fresh consensus round. An inflation breach
// is terminal: retrying cannot make a broken issuance schedule honest.
func (o *Orchestrator) Run(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= o.opts.SessionRetryLimit; attempt++ {
		if attempt > 0 {
			log.Warnf("Sync session failed (%d/%d), retrying in %s: %v",
				attempt, o.opts.SessionRetryLimit, o.opts.RetryBackoff, lastErr)
			select {
			case <-time.After(o.opts.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := o.runSession(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if errors.Is(err, verifier.ErrInflationDetected) {
			return err
		}
	}
	return fmt.Errorf("sync gave up after %d sessions: %w", o.opts.SessionRetryLimit+1, lastErr)
}

func (o *Orchestrator) runSession(ctx context.Context) error {
	sessionID := uuid.New().String()
	o.state.SetSyncPhase(sessionID, state.PhaseIdle, "")

	switch o.opts.Mode {
	case ModeGenesis:
		return o.genesisSession(ctx, sessionID)
	case ModeHybrid:
		err := o.peerSession(ctx, sessionID)
		if err == nil || ctx.Err() != nil || errors.Is(err, verifier.ErrInflationDetected) {
			return err
		}
		log.Warnf("Peer consensus sync failed, falling back to genesis replay: %v", err)
		return o.genesisSession(ctx, sessionID)
	default:
		return o.peerSession(ctx, sessionID)
	}
}

func (o *Orchestrator) peerSession(ctx context.Context, sessionID string) error {
	tip := o.headers.TipHeight()
	if tip < o.opts.CheckpointMargin {
		return o.fail(sessionID, fmt.Errorf("header chain too short: tip %d, need %d confirmations", tip, o.opts.CheckpointMargin))
	}
	height := tip - o.opts.CheckpointMargin

	o.state.SetSyncPhase(sessionID, state.PhaseSeekingConsensus, "")
	result, err := o.engine.Round(ctx, height)
	if err != nil {
		return o.fail(sessionID, fmt.Errorf("consensus round at height %d: %w", height, err))
	}
	supporters := peerIDs(result.SupportingPeers)
	o.state.SetCheckpoint(result.Commitment, supporters)
	o.recordRound(result, "agreed")
	log.Infof("Consensus at height %d: root %s backed by %d of %d responders",
		height, result.Commitment.RootHex(), len(supporters), result.Responders)

	o.state.SetSyncPhase(sessionID, state.PhaseVerifyingCommitment, "")
	if err := o.verifier.VerifyCommitment(result.Commitment); err != nil {
		o.recordRound(result, "rejected")
		return o.fail(sessionID, fmt.Errorf("checkpoint rejected: %w", err))
	}
	o.state.EventBus.Publish(state.CommitmentVerified, result.Commitment)

	o.state.SetSyncPhase(sessionID, state.PhaseTransferringUtxoSet, "")
	store, resumed := o.resumeFromSnapshot(ctx, result.Commitment, supporters)
	if !resumed {
		store, err = o.transfer(ctx, result.Commitment, supporters)
		if err != nil {
			return o.fail(sessionID, err)
		}
	}
	o.registerCheckpointSet(store, result.Commitment)

	o.state.SetSyncPhase(sessionID, state.PhaseForwardSyncing, "")
	current, err := o.forwardSync(ctx, sessionID, store, result.Commitment, supporters)
	if err != nil {
		return o.fail(sessionID, err)
	}

	return o.finish(ctx, sessionID, store, current)
}

// genesisSession rebuilds the UTXO set by replaying the chain from block
// one against a trusted local node. The genesis coinbase is excluded, it
// was never spendable.
func (o *Orchestrator) genesisSession(ctx context.Context, sessionID string) error {
	if o.blocks == nil {
		return o.fail(sessionID, ErrNoBlockSource)
	}
	genesisHash, err := o.headers.HashAt(0)
	if err != nil {
		return o.fail(sessionID, fmt.Errorf("genesis header unavailable: %w", err))
	}
	origin, err := commitmentAt(0, genesisHash, smt.NewStore())
	if err != nil {
		return o.fail(sessionID, err)
	}

	store := smt.NewStore()
	o.state.SetCheckpoint(origin, nil)
	o.state.SetSyncPhase(sessionID, state.PhaseForwardSyncing, "")
	current, err := o.forwardSync(ctx, sessionID, store, origin, nil)
	if err != nil {
		return o.fail(sessionID, err)
	}
	return o.finish(ctx, sessionID, store, current)
}

func (o *Orchestrator) fail(sessionID string, err error) error {
	o.state.SetSyncPhase(sessionID, state.PhaseFailed, err.Error())
	return err
}

// registerCheckpointSet hands the sink a frozen copy of the store at the
// agreed checkpoint height. Bootstrapping peers request that height, not
// this node's tip, so it must stay servable while forward sync mutates the
// live store.
func (o *Orchestrator) registerCheckpointSet(store *smt.Store, agreed *types.UtxoCommitment) {
	if o.sink == nil {
		return
	}
	frozen, err := smt.Rebuild(store.EntriesSorted())
	if err != nil {
		log.Warnf("Freeze checkpoint set at height %d: %v", agreed.Height, err)
		return
	}
	o.sink.SetVerified(frozen, agreed)
}

func (o *Orchestrator) finish(ctx context.Context, sessionID string, store *smt.Store, current *types.UtxoCommitment) error {
	o.mu.Lock()
	o.store = store
	o.tip = current
	o.mu.Unlock()

	if o.sink != nil {
		o.sink.SetVerified(store, current)
	}
	if o.snapshots != nil {
		if err := o.snapshots.Write(store, current); err != nil {
			log.Errorf("Snapshot write failed: %v", err)
		} else {
			o.state.EventBus.Publish(state.SnapshotWritten, *current)
		}
	}
	o.recordCheckpoint(current, store.Len())
	if o.announcer != nil {
		raw := current.Serialize()
		if err := o.announcer.Announce(ctx, raw[:]); err != nil {
			log.Warnf("Commitment announce failed: %v", err)
		}
	}

	o.state.SetLocalHeight(current.Height)
	o.state.SetSyncPhase(sessionID, state.PhaseSynced, "")
	log.Infof("Synced at height %d: %d entries, supply %d sat, root %s",
		current.Height, store.Len(), current.TotalSupply, current.RootHex())
	return nil
}

func (o *Orchestrator) recordRound(result *consensus.ConsensusResult, outcome string) {
	if o.dbm == nil {
		return
	}
	rec := db.ConsensusRound{
		RoundID:    result.RoundID,
		Height:     result.Height,
		Responders: result.Responders,
		Supporters: len(result.SupportingPeers),
		Root:       result.Commitment.RootHex(),
		Outcome:    outcome,
	}
	if err := o.dbm.GetCommitDB().Save(&rec).Error; err != nil {
		log.Warnf("Record consensus round %s: %v", result.RoundID, err)
	}
}

func (o *Orchestrator) recordCheckpoint(c *types.UtxoCommitment, entries int) {
	if o.dbm == nil {
		return
	}
	rec := db.Checkpoint{
		Height:      c.Height,
		BlockHash:   c.BlockHash.String(),
		Root:        c.RootHex(),
		TotalSupply: c.TotalSupply,
		EntryCount:  entries,
	}
	if err := o.dbm.GetCommitDB().Save(&rec).Error; err != nil {
		log.Warnf("Record checkpoint at height %d: %v", c.Height, err)
	}
}

func peerIDs(peers []consensus.PeerInfo) []string {
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = p.ID
	}
	return ids
}

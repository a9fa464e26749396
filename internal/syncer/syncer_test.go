package syncer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utxonet/utxo-commit-node/internal/consensus"
	"github.com/utxonet/utxo-commit-node/internal/db"
	"github.com/utxonet/utxo-commit-node/internal/filter"
	"github.com/utxonet/utxo-commit-node/internal/smt"
	"github.com/utxonet/utxo-commit-node/internal/state"
	"github.com/utxonet/utxo-commit-node/internal/types"
	"github.com/utxonet/utxo-commit-node/internal/verifier"
)

func sourceEntry(n byte) *types.UtxoEntry {
	var txid chainhash.Hash
	for i := range txid {
		txid[i] = n
	}
	return &types.UtxoEntry{
		Outpoint: types.Outpoint{TxID: txid, Index: uint32(n)},
		Amount:   int64(n) * 1000,
		PkScript: []byte{0x51},
		Height:   1,
	}
}

func sourceStore(t *testing.T, n byte) *smt.Store {
	t.Helper()
	s := smt.NewStore()
	for i := byte(1); i <= n; i++ {
		require.NoError(t, s.Insert(sourceEntry(i)))
	}
	return s
}

type fakeEngine struct {
	result *consensus.ConsensusResult
	err    error
	height uint32
}

func (f *fakeEngine) Round(ctx context.Context, height uint32) (*consensus.ConsensusResult, error) {
	f.height = height
	return f.result, f.err
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) VerifyCommitment(c *types.UtxoCommitment) error { return f.err }

type fakeChain struct {
	tip    uint32
	hashes map[uint32]string
}

func (f *fakeChain) TipHeight() uint32 { return f.tip }

func (f *fakeChain) HashAt(height uint32) (string, error) {
	h, ok := f.hashes[height]
	if !ok {
		return "", fmt.Errorf("no header at %d", height)
	}
	return h, nil
}

// fakeClient serves chunks with real proofs out of a source store and
// canned forward blocks. Peers named in corrupt serve one tampered chunk
// each before turning honest.
type fakeClient struct {
	mu        sync.Mutex
	source    *smt.Store
	agreed    *types.UtxoCommitment
	chunkSize int
	blocks    map[uint32]*wire.MsgBlock
	corrupt   map[string]int
	truncate  bool
	served    []string
}

func (c *fakeClient) UTXOSetChunk(ctx context.Context, peerID string, height uint32, chunk int) (*types.UTXOSetChunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.served = append(c.served, peerID)

	entries := c.source.EntriesSorted()
	if c.truncate {
		entries = entries[:len(entries)/2]
	}
	total := (len(entries) + c.chunkSize - 1) / c.chunkSize
	if total == 0 {
		total = 1
	}
	if chunk >= total {
		return nil, fmt.Errorf("chunk %d out of range", chunk)
	}
	start := chunk * c.chunkSize
	end := start + c.chunkSize
	if end > len(entries) {
		end = len(entries)
	}

	out := &types.UTXOSetChunk{Commitment: c.agreed, Index: chunk, Total: total}
	for _, entry := range entries[start:end] {
		proof, _ := c.source.Prove(entry.Outpoint)
		out.Entries = append(out.Entries, entry)
		out.Proofs = append(out.Proofs, proof)
	}

	if c.corrupt[peerID] > 0 && len(out.Entries) > 0 {
		c.corrupt[peerID]--
		bad := *out.Entries[0]
		bad.Amount += 1_000_000
		out.Entries[0] = &bad
	}
	return out, nil
}

func (c *fakeClient) FilteredBlock(ctx context.Context, peerID string, height uint32, hint []string) (*wire.MsgBlock, []filter.OutputRef, filter.Stats, error) {
	block, ok := c.blocks[height]
	if !ok {
		return nil, nil, filter.Stats{}, fmt.Errorf("no block at %d", height)
	}
	return block, nil, filter.Stats{}, nil
}

type fakeSink struct {
	store      *smt.Store
	commitment *types.UtxoCommitment
	stores     []*smt.Store
	heights    []uint32
}

func (f *fakeSink) SetVerified(store *smt.Store, commitment *types.UtxoCommitment) {
	f.store = store
	f.commitment = commitment
	f.stores = append(f.stores, store)
	f.heights = append(f.heights, commitment.Height)
}

func supportingPeers(ids ...string) []consensus.PeerInfo {
	peers := make([]consensus.PeerInfo, len(ids))
	for i, id := range ids {
		peers[i] = consensus.PeerInfo{ID: id, ASN: uint32(i + 1), Subnet: fmt.Sprintf("10.%d.0.1", i), Region: fmt.Sprintf("r%d", i)}
	}
	return peers
}

// nextBlock builds a block extending prev: a coinbase output plus one tx
// spending spend and creating one fresh output.
func nextBlock(prev chainhash.Hash, spend types.Outpoint, seed byte) *wire.MsgBlock {
	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	coinbase.AddTxOut(wire.NewTxOut(50*100_000_000, []byte{0x51, seed}))

	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: spend.TxID, Index: spend.Index}})
	spendTx.AddTxOut(wire.NewTxOut(500, []byte{0x51, seed, seed}))

	block := &wire.MsgBlock{Header: wire.BlockHeader{Version: 1, PrevBlock: prev, Timestamp: time.Unix(1600000000, 0)}}
	block.AddTransaction(coinbase)
	block.AddTransaction(spendTx)
	return block
}

func testOrchestrator(engine ConsensusRunner, v CommitmentVerifier, client PeerClient, chain HeaderChain) (*Orchestrator, *state.State) {
	st := state.NewState()
	orch := NewOrchestrator(st, engine, v, client, chain, Options{
		Mode:               ModePeerConsensus,
		CheckpointMargin:   1,
		TransferRetryLimit: 3,
		TransferWorkers:    2,
		SessionRetryLimit:  1,
		RetryBackoff:       time.Millisecond,
		PeerTimeout:        time.Second,
	})
	return orch, st
}

func TestPeerSessionSyncsToTip(t *testing.T) {
	source := sourceStore(t, 10)
	var checkpointHash chainhash.Hash
	checkpointHash[0] = 0xcc
	agreed := source.Commitment(5, checkpointHash)

	block := nextBlock(checkpointHash, sourceEntry(3).Outpoint, 0x77)

	engine := &fakeEngine{result: &consensus.ConsensusResult{
		RoundID:         "round-1",
		Height:          5,
		Commitment:      agreed,
		SupportingPeers: supportingPeers("p1", "p2"),
		Responders:      5,
	}}
	client := &fakeClient{
		source:    source,
		agreed:    agreed,
		chunkSize: 3,
		blocks:    map[uint32]*wire.MsgBlock{6: block},
	}
	chain := &fakeChain{tip: 6, hashes: map[uint32]string{}}

	orch, st := testOrchestrator(engine, &fakeVerifier{}, client, chain)
	sink := &fakeSink{}
	orch.SetSink(sink)

	verified := make(chan interface{}, 4)
	chunksSeen := make(chan interface{}, 16)
	st.EventBus.Subscribe(state.CommitmentVerified, verified)
	st.EventBus.Subscribe(state.ChunkVerified, chunksSeen)

	require.NoError(t, orch.Run(context.Background()))
	assert.Equal(t, uint32(5), engine.height)

	// expected end state: the source set plus the block's effects
	expected, err := smt.Rebuild(source.EntriesSorted())
	require.NoError(t, err)
	_, err = applyBlock(expected, 6, block.BlockHash(), block)
	require.NoError(t, err)

	tip := orch.Tip()
	require.NotNil(t, tip)
	assert.Equal(t, uint32(6), tip.Height)
	assert.Equal(t, expected.Root(), tip.Root)
	assert.Equal(t, expected.Supply(), tip.TotalSupply)
	assert.Equal(t, block.BlockHash(), tip.BlockHash)

	require.NotNil(t, sink.store)
	assert.Equal(t, expected.Root(), sink.store.Root())

	// the checkpoint set is registered before the tip, frozen at the
	// agreed root so peers can bootstrap from it
	require.Equal(t, []uint32{5, 6}, sink.heights)
	assert.Equal(t, agreed.Root, sink.stores[0].Root())

	assert.Len(t, verified, 1)
	// 10 entries at chunk size 3 makes 4 verified chunks
	assert.Len(t, chunksSeen, 4)

	sync := st.GetSyncState()
	assert.Equal(t, state.PhaseSynced, sync.Phase)
	assert.Equal(t, uint32(6), sync.LocalHeight)
}

func TestPeerSessionResumesFromSnapshot(t *testing.T) {
	base := sourceStore(t, 10)
	var snapHash chainhash.Hash
	snapHash[0] = 0xaa

	block5 := nextBlock(snapHash, sourceEntry(2).Outpoint, 0x55)
	block6 := nextBlock(block5.BlockHash(), sourceEntry(4).Outpoint, 0x66)

	agreedStore, err := smt.Rebuild(base.EntriesSorted())
	require.NoError(t, err)
	agreed, err := applyBlock(agreedStore, 5, block5.BlockHash(), block5)
	require.NoError(t, err)

	snapshots, err := db.NewSnapshotStore(t.TempDir())
	require.NoError(t, err)
	defer snapshots.Close()
	require.NoError(t, snapshots.Write(base, base.Commitment(4, snapHash)))

	engine := &fakeEngine{result: &consensus.ConsensusResult{
		RoundID:         "round-resume",
		Height:          5,
		Commitment:      agreed,
		SupportingPeers: supportingPeers("p1", "p2"),
		Responders:      5,
	}}
	// the chunk source is empty, a full transfer could never succeed
	client := &fakeClient{
		source:    smt.NewStore(),
		agreed:    agreed,
		chunkSize: 3,
		blocks:    map[uint32]*wire.MsgBlock{5: block5, 6: block6},
	}
	chain := &fakeChain{tip: 6, hashes: map[uint32]string{}}

	orch, st := testOrchestrator(engine, &fakeVerifier{}, client, chain)
	orch.SetPersistence(nil, snapshots)
	require.NoError(t, orch.Run(context.Background()))

	expected, err := smt.Rebuild(base.EntriesSorted())
	require.NoError(t, err)
	_, err = applyBlock(expected, 5, block5.BlockHash(), block5)
	require.NoError(t, err)
	_, err = applyBlock(expected, 6, block6.BlockHash(), block6)
	require.NoError(t, err)

	tip := orch.Tip()
	require.NotNil(t, tip)
	assert.Equal(t, uint32(6), tip.Height)
	assert.Equal(t, expected.Root(), tip.Root)
	assert.Equal(t, state.PhaseSynced, st.GetSyncState().Phase)
	// no chunk was ever requested
	assert.Empty(t, client.served)
}

func TestTransferRetriesCorruptChunk(t *testing.T) {
	source := sourceStore(t, 6)
	var hash chainhash.Hash
	hash[0] = 0xdd
	agreed := source.Commitment(5, hash)

	engine := &fakeEngine{result: &consensus.ConsensusResult{
		RoundID:         "round-2",
		Height:          5,
		Commitment:      agreed,
		SupportingPeers: supportingPeers("bad", "good"),
		Responders:      5,
	}}
	client := &fakeClient{
		source:    source,
		agreed:    agreed,
		chunkSize: 10,
		corrupt:   map[string]int{"bad": 1},
	}
	chain := &fakeChain{tip: 5, hashes: map[uint32]string{}}

	orch, _ := testOrchestrator(engine, &fakeVerifier{}, client, chain)
	require.NoError(t, orch.Run(context.Background()))

	require.NotNil(t, orch.Store())
	assert.Equal(t, agreed.Root, orch.Store().Root())
	// the tampered serve forced a retry against the second supporter
	assert.GreaterOrEqual(t, len(client.served), 2)
}

func TestTransferDetectsWithheldEntries(t *testing.T) {
	source := sourceStore(t, 8)
	var hash chainhash.Hash
	hash[0] = 0xee
	agreed := source.Commitment(5, hash)

	engine := &fakeEngine{result: &consensus.ConsensusResult{
		RoundID:         "round-3",
		Height:          5,
		Commitment:      agreed,
		SupportingPeers: supportingPeers("p1"),
		Responders:      5,
	}}
	// every proof is individually valid but half the set is withheld
	client := &fakeClient{
		source:    source,
		agreed:    agreed,
		chunkSize: 10,
		truncate:  true,
	}
	chain := &fakeChain{tip: 5, hashes: map[uint32]string{}}

	orch, st := testOrchestrator(engine, &fakeVerifier{}, client, chain)
	err := orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrRootMismatch)
	assert.Equal(t, state.PhaseFailed, st.GetSyncState().Phase)
}

func TestInflationVerdictIsTerminal(t *testing.T) {
	source := sourceStore(t, 3)
	var hash chainhash.Hash
	agreed := source.Commitment(5, hash)

	engine := &fakeEngine{result: &consensus.ConsensusResult{
		RoundID:         "round-4",
		Height:          5,
		Commitment:      agreed,
		SupportingPeers: supportingPeers("p1"),
		Responders:      5,
	}}
	client := &fakeClient{source: source, agreed: agreed, chunkSize: 10}
	chain := &fakeChain{tip: 5, hashes: map[uint32]string{}}

	orch, st := testOrchestrator(engine, &fakeVerifier{err: fmt.Errorf("checkpoint: %w", verifier.ErrInflationDetected)}, client, chain)

	start := time.Now()
	err := orch.Run(context.Background())
	assert.ErrorIs(t, err, verifier.ErrInflationDetected)
	// terminal verdicts must not burn the session retry budget
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, state.PhaseFailed, st.GetSyncState().Phase)
}

func TestConsensusFailureRetriesSessions(t *testing.T) {
	engine := &fakeEngine{err: consensus.ErrConsensusNotReached}
	client := &fakeClient{source: smt.NewStore(), chunkSize: 10}
	chain := &fakeChain{tip: 5, hashes: map[uint32]string{}}

	orch, _ := testOrchestrator(engine, &fakeVerifier{}, client, chain)
	err := orch.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, consensus.ErrConsensusNotReached)
	assert.Contains(t, err.Error(), "gave up")
}

func TestForwardSyncRejectsUnlinkedBlock(t *testing.T) {
	source := sourceStore(t, 4)
	var hash chainhash.Hash
	hash[0] = 0xaa
	agreed := source.Commitment(5, hash)

	var wrongPrev chainhash.Hash
	wrongPrev[0] = 0xbb
	block := nextBlock(wrongPrev, sourceEntry(1).Outpoint, 0x10)

	engine := &fakeEngine{result: &consensus.ConsensusResult{
		RoundID:         "round-5",
		Height:          5,
		Commitment:      agreed,
		SupportingPeers: supportingPeers("p1"),
		Responders:      5,
	}}
	client := &fakeClient{
		source:    source,
		agreed:    agreed,
		chunkSize: 10,
		blocks:    map[uint32]*wire.MsgBlock{6: block},
	}
	chain := &fakeChain{tip: 6, hashes: map[uint32]string{}}

	orch, _ := testOrchestrator(engine, &fakeVerifier{}, client, chain)
	err := orch.Run(context.Background())
	assert.ErrorIs(t, err, verifier.ErrChainBroken)
}

func TestForwardSyncRejectsUnknownSpend(t *testing.T) {
	source := sourceStore(t, 4)
	var hash chainhash.Hash
	hash[0] = 0xab
	agreed := source.Commitment(5, hash)

	// block spends an outpoint that is not in the set
	block := nextBlock(hash, sourceEntry(99).Outpoint, 0x11)

	engine := &fakeEngine{result: &consensus.ConsensusResult{
		RoundID:         "round-6",
		Height:          5,
		Commitment:      agreed,
		SupportingPeers: supportingPeers("p1"),
		Responders:      5,
	}}
	client := &fakeClient{
		source:    source,
		agreed:    agreed,
		chunkSize: 10,
		blocks:    map[uint32]*wire.MsgBlock{6: block},
	}
	chain := &fakeChain{tip: 6, hashes: map[uint32]string{}}

	orch, _ := testOrchestrator(engine, &fakeVerifier{}, client, chain)
	err := orch.Run(context.Background())
	assert.ErrorIs(t, err, smt.ErrEntryNotFound)
}

type fakeBlocks struct {
	blocks map[uint32]*wire.MsgBlock
}

func (f *fakeBlocks) BlockAt(ctx context.Context, height uint32) (*wire.MsgBlock, error) {
	block, ok := f.blocks[height]
	if !ok {
		return nil, fmt.Errorf("no block at %d", height)
	}
	return block, nil
}

func TestGenesisSessionReplaysChain(t *testing.T) {
	genesis := &wire.MsgBlock{Header: wire.BlockHeader{Version: 1, Timestamp: time.Unix(1231006505, 0)}}
	genesisHash := genesis.BlockHash()

	// block 1 only creates outputs, block 2 spends one of them
	block1 := nextBlock(genesisHash, types.Outpoint{}, 0x20)
	block1.Transactions = block1.Transactions[:1] // coinbase only
	coinbase1 := block1.Transactions[0]

	spend := types.Outpoint{TxID: coinbase1.TxHash(), Index: 0}
	block2 := nextBlock(block1.BlockHash(), spend, 0x21)

	chain := &fakeChain{tip: 2, hashes: map[uint32]string{0: genesisHash.String()}}

	st := state.NewState()
	orch := NewOrchestrator(st, &fakeEngine{err: consensus.ErrConsensusNotReached}, &fakeVerifier{}, &fakeClient{source: smt.NewStore(), chunkSize: 10}, chain, Options{
		Mode:               ModeGenesis,
		CheckpointMargin:   1,
		TransferRetryLimit: 1,
		SessionRetryLimit:  1,
		RetryBackoff:       time.Millisecond,
		PeerTimeout:        time.Second,
	})
	orch.SetBlockSource(&fakeBlocks{blocks: map[uint32]*wire.MsgBlock{1: block1, 2: block2}})

	require.NoError(t, orch.Run(context.Background()))

	tip := orch.Tip()
	require.NotNil(t, tip)
	assert.Equal(t, uint32(2), tip.Height)
	assert.Equal(t, block2.BlockHash(), tip.BlockHash)

	// coinbase1 spent in block 2, so the set holds block 2's outputs only
	store := orch.Store()
	require.NotNil(t, store)
	assert.Nil(t, store.Get(spend))
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, state.PhaseSynced, st.GetSyncState().Phase)
}

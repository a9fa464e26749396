package verifier

import (
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utxonet/utxo-commit-node/internal/types"
)

const regtestBits = 0x207fffff

type fakeHeaders struct {
	headers map[uint32]*wire.BlockHeader
	tip     uint32
}

func (f *fakeHeaders) HeaderAt(height uint32) (*wire.BlockHeader, error) {
	h, ok := f.headers[height]
	if !ok {
		return nil, fmt.Errorf("no header at %d", height)
	}
	return h, nil
}

func (f *fakeHeaders) TipHeight() uint32 { return f.tip }

// mine adjusts the nonce until the header hash satisfies its own target.
// Trivial at regtest difficulty.
func mine(header *wire.BlockHeader) {
	target := blockchain.CompactToBig(header.Bits)
	for {
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return
		}
		header.Nonce++
	}
}

// testChain builds n+1 mined headers, heights 0..n, each extending the last.
func testChain(n uint32) *fakeHeaders {
	f := &fakeHeaders{headers: make(map[uint32]*wire.BlockHeader), tip: n}
	var prev chainhash.Hash
	for h := uint32(0); h <= n; h++ {
		header := &wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1600000000+int64(h)*600, 0),
			Bits:      regtestBits,
		}
		mine(header)
		f.headers[h] = header
		prev = header.BlockHash()
	}
	return f
}

func commitmentFor(f *fakeHeaders, height uint32, supply uint64) *types.UtxoCommitment {
	return &types.UtxoCommitment{
		Version:     types.CommitmentVersion,
		Height:      height,
		BlockHash:   f.headers[height].BlockHash(),
		TotalSupply: supply,
	}
}

func TestVerifyCommitmentMinimal(t *testing.T) {
	f := testChain(10)
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Minimal)

	assert.NoError(t, v.VerifyCommitment(commitmentFor(f, 8, 100*SatoshiPerBitcoin)))
}

func TestVerifyCommitmentDetectsInflation(t *testing.T) {
	f := testChain(10)
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Minimal)

	c := commitmentFor(f, 8, MaxSupplyAt(8)+1)
	err := v.VerifyCommitment(c)
	assert.ErrorIs(t, err, ErrInflationDetected)

	// exactly at the bound is allowed
	c.TotalSupply = MaxSupplyAt(8)
	assert.NoError(t, v.VerifyCommitment(c))
}

func TestVerifyCommitmentRejectsWrongBlockHash(t *testing.T) {
	f := testChain(10)
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Minimal)

	c := commitmentFor(f, 8, 1000)
	c.BlockHash[5] ^= 0x01
	assert.ErrorIs(t, v.VerifyCommitment(c), ErrChainBroken)
}

func TestVerifyCommitmentRejectsHeightBeyondTip(t *testing.T) {
	f := testChain(10)
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Minimal)

	c := commitmentFor(f, 10, 1000)
	c.Height = 11
	assert.ErrorIs(t, v.VerifyCommitment(c), ErrChainBroken)
}

func TestVerifyCommitmentStandard(t *testing.T) {
	f := testChain(10)
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Standard)

	assert.NoError(t, v.VerifyCommitment(commitmentFor(f, 8, 1000)))
	// checkpoint at the tip has no successor to link to
	assert.NoError(t, v.VerifyCommitment(commitmentFor(f, 10, 1000)))
}

func TestVerifyCommitmentStandardDetectsBrokenLink(t *testing.T) {
	f := testChain(10)
	// successor no longer extends the checkpoint
	f.headers[9].PrevBlock[0] ^= 0xff
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Standard)

	assert.ErrorIs(t, v.VerifyCommitment(commitmentFor(f, 8, 1000)), ErrChainBroken)
}

func TestVerifyCommitmentStandardDetectsWeakWork(t *testing.T) {
	f := testChain(10)
	// demand mainnet-era difficulty from a regtest-mined header
	f.headers[8].Bits = 0x1d00ffff
	c := commitmentFor(f, 8, 1000)

	v := NewVerifier(f, &chaincfg.RegressionNetParams, Standard)
	assert.ErrorIs(t, v.VerifyCommitment(c), ErrChainBroken)
}

func TestVerifyCommitmentParanoid(t *testing.T) {
	f := testChain(10)
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Paranoid)

	assert.NoError(t, v.VerifyCommitment(commitmentFor(f, 4, 1000)))
}

func TestVerifyCommitmentParanoidDetectsMidChainBreak(t *testing.T) {
	f := testChain(10)
	f.headers[7].PrevBlock[0] ^= 0xff
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Paranoid)

	assert.ErrorIs(t, v.VerifyCommitment(commitmentFor(f, 4, 1000)), ErrChainBroken)
}

func TestVerifySequence(t *testing.T) {
	f := testChain(10)
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Minimal)

	seq := []*types.UtxoCommitment{
		commitmentFor(f, 2, 1000),
		commitmentFor(f, 4, 1500),
		commitmentFor(f, 6, 1500),
	}
	require.NoError(t, v.VerifySequence(seq, nil))

	// height regression
	bad := []*types.UtxoCommitment{seq[1], seq[0]}
	assert.ErrorIs(t, v.VerifySequence(bad, nil), ErrNonMonotonicCommitment)
}

func TestVerifySequenceBurns(t *testing.T) {
	f := testChain(10)
	v := NewVerifier(f, &chaincfg.RegressionNetParams, Minimal)

	seq := []*types.UtxoCommitment{
		commitmentFor(f, 2, 2000),
		commitmentFor(f, 4, 1700),
	}
	// undocumented supply drop
	assert.ErrorIs(t, v.VerifySequence(seq, nil), ErrNonMonotonicCommitment)

	// documented burn covers the drop
	assert.NoError(t, v.VerifySequence(seq, map[uint32]uint64{4: 300}))

	// documented burn smaller than the drop
	assert.ErrorIs(t, v.VerifySequence(seq, map[uint32]uint64{4: 100}), ErrNonMonotonicCommitment)
}

package filter

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allRules(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewConfig(DefaultDustThreshold, []Rule{RuleDust, RuleInscription, RuleTokenMetadata})
	require.NoError(t, err)
	return cfg
}

func paymentTx(values ...int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}})
	for _, v := range values {
		tx.AddTxOut(wire.NewTxOut(v, []byte{0x00, 0x14, 0xaa}))
	}
	return tx
}

func witnessTx(witness []byte, values ...int64) *wire.MsgTx {
	tx := paymentTx(values...)
	tx.TxIn[0].Witness = wire.TxWitness{{0x01}, witness}
	return tx
}

func coinbaseTx(value int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Index: 0xffffffff}})
	tx.AddTxOut(wire.NewTxOut(value, []byte{0x51}))
	return tx
}

func blockWith(txs ...*wire.MsgTx) *wire.MsgBlock {
	block := &wire.MsgBlock{Header: wire.BlockHeader{Version: 1}}
	for _, tx := range txs {
		block.AddTransaction(tx)
	}
	return block
}

// ordEnvelope is the tail of an inscription reveal script: OP_FALSE OP_IF
// "ord" push.
var ordEnvelope = []byte{0x00, 0x63, 0x03, 'o', 'r', 'd', 0x01, 0x01}

func TestDustBoundary(t *testing.T) {
	cfg := allRules(t)
	tx := paymentTx(545, 546, 100_000)

	assert.Equal(t, ClassDust, cfg.ClassifyOutput(tx, tx.TxOut[0]))
	assert.Equal(t, ClassFinancial, cfg.ClassifyOutput(tx, tx.TxOut[1]))
	assert.Equal(t, ClassFinancial, cfg.ClassifyOutput(tx, tx.TxOut[2]))
}

func TestUnspendableOutputNotDust(t *testing.T) {
	cfg := allRules(t)
	tx := paymentTx(545)
	tx.AddTxOut(wire.NewTxOut(0, []byte{0x6a, 0x04, 0xde, 0xad, 0xbe, 0xef}))

	// OP_RETURN outputs never enter the UTXO set and skip dust classification
	assert.Equal(t, ClassDust, cfg.ClassifyOutput(tx, tx.TxOut[0]))
	assert.Equal(t, ClassFinancial, cfg.ClassifyOutput(tx, tx.TxOut[1]))
}

func TestInscriptionDetection(t *testing.T) {
	cfg := allRules(t)
	tx := witnessTx(ordEnvelope, 10_000)

	assert.Equal(t, ClassInscription, cfg.ClassifyOutput(tx, tx.TxOut[0]))
}

func TestTokenMetadataPrecedence(t *testing.T) {
	cfg := allRules(t)
	payload := append(append([]byte{}, ordEnvelope...), []byte(`{"p":"brc-20","op":"mint"}`)...)
	tx := witnessTx(payload, 330)

	// token beats inscription beats dust
	assert.Equal(t, ClassTokenMetadata, cfg.ClassifyOutput(tx, tx.TxOut[0]))
}

func TestDisabledRulesPass(t *testing.T) {
	cfg, err := NewConfig(DefaultDustThreshold, []Rule{RuleInscription})
	require.NoError(t, err)

	tx := paymentTx(100)
	assert.Equal(t, ClassFinancial, cfg.ClassifyOutput(tx, tx.TxOut[0]))
}

func TestUnknownRuleRejected(t *testing.T) {
	_, err := NewConfig(546, []Rule{Rule("Ordinals")})
	assert.Error(t, err)
}

func TestFilterBlockExemptsCoinbase(t *testing.T) {
	cfg := allRules(t)
	// one-satoshi coinbase output would be dust anywhere else
	block := blockWith(coinbaseTx(1), paymentTx(100, 50_000))

	fb, stats := FilterBlock(block, cfg)
	assert.False(t, fb.IsExcluded(0, 0))
	assert.True(t, fb.IsExcluded(1, 0))
	assert.False(t, fb.IsExcluded(1, 1))
	assert.Equal(t, uint64(3), stats.OutputsScanned)
	assert.Equal(t, uint64(1), stats.OutputsFiltered)
	assert.NotZero(t, stats.BytesSaved)
}

func TestFilterBlockNeverMutatesBlock(t *testing.T) {
	cfg := allRules(t)
	block := blockWith(coinbaseTx(50_0000_0000), paymentTx(1, 2, 3))
	hashBefore := block.BlockHash()
	txCount := len(block.Transactions)

	fb, _ := FilterBlock(block, cfg)
	assert.Len(t, fb.Excluded, 3)
	assert.Equal(t, hashBefore, block.BlockHash())
	assert.Equal(t, txCount, len(block.Transactions))
	assert.Len(t, block.Transactions[1].TxOut, 3)
}

func TestFilterBlockDeterministic(t *testing.T) {
	cfg := allRules(t)
	block := blockWith(coinbaseTx(100), witnessTx(ordEnvelope, 330, 20_000), paymentTx(100))

	fb1, stats1 := FilterBlock(block, cfg)
	fb2, stats2 := FilterBlock(block, cfg)
	assert.Equal(t, fb1.Excluded, fb2.Excluded)
	assert.Equal(t, stats1, stats2)
}

func TestParseRules(t *testing.T) {
	rules := ParseRules(" Dust, Inscription ,TokenMetadata ")
	assert.Equal(t, []Rule{RuleDust, RuleInscription, RuleTokenMetadata}, rules)
	assert.Empty(t, ParseRules(""))
}

func TestEnabledRules(t *testing.T) {
	cfg, err := NewConfig(546, []Rule{RuleTokenMetadata, RuleDust})
	require.NoError(t, err)
	assert.Equal(t, []Rule{RuleDust, RuleTokenMetadata}, cfg.EnabledRules())
}

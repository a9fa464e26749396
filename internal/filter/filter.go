// Package filter classifies transaction outputs during forward sync so
// low-value and non-financial outputs can be excluded from relay and the
// served filtered-block views. Classification never touches the canonical
// block and never affects its hash.
package filter

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Rule names a single spam classification rule.
type Rule string

const (
	RuleDust          Rule = "Dust"
	RuleInscription   Rule = "Inscription"
	RuleTokenMetadata Rule = "TokenMetadata"
)

// Class is the classification of one output.
type Class int

const (
	ClassFinancial Class = iota
	ClassDust
	ClassInscription
	ClassTokenMetadata
)

func (c Class) String() string {
	switch c {
	case ClassFinancial:
		return "financial"
	case ClassDust:
		return "dust"
	case ClassInscription:
		return "inscription"
	case ClassTokenMetadata:
		return "token-metadata"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// DefaultDustThreshold matches the conventional 546-satoshi dust bound.
const DefaultDustThreshold = 546

// ordEnvelopeMarker is the inscription envelope prologue:
// OP_FALSE OP_IF push-3 "ord".
var ordEnvelopeMarker = []byte{txscript.OP_FALSE, txscript.OP_IF, txscript.OP_DATA_3, 'o', 'r', 'd'}

// brc20Marker appears in the JSON payload of BRC-20 style token envelopes.
var brc20Marker = []byte(`"p":"brc-20"`)

// Config is loaded once per sync session and read-only afterwards.
type Config struct {
	DustThreshold       int64
	InscriptionPatterns [][]byte
	TokenMarkers        [][]byte

	dustEnabled        bool
	inscriptionEnabled bool
	tokenEnabled       bool
}

// NewConfig builds a session config from the enabled rule set. Unknown rule
// names are reported, not ignored.
func NewConfig(dustThreshold int64, rules []Rule) (*Config, error) {
	if dustThreshold <= 0 {
		dustThreshold = DefaultDustThreshold
	}
	cfg := &Config{
		DustThreshold:       dustThreshold,
		InscriptionPatterns: [][]byte{ordEnvelopeMarker},
		TokenMarkers:        [][]byte{brc20Marker},
	}
	for _, r := range rules {
		switch r {
		case RuleDust:
			cfg.dustEnabled = true
		case RuleInscription:
			cfg.inscriptionEnabled = true
		case RuleTokenMetadata:
			cfg.tokenEnabled = true
		default:
			return nil, fmt.Errorf("unknown spam filter rule %q", r)
		}
	}
	return cfg, nil
}

// EnabledRules reports the active rule set, in declaration order.
func (cfg *Config) EnabledRules() []Rule {
	var rules []Rule
	if cfg.dustEnabled {
		rules = append(rules, RuleDust)
	}
	if cfg.inscriptionEnabled {
		rules = append(rules, RuleInscription)
	}
	if cfg.tokenEnabled {
		rules = append(rules, RuleTokenMetadata)
	}
	return rules
}

// ParseRules splits a comma-separated rule list from configuration.
func ParseRules(s string) []Rule {
	var rules []Rule
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			rules = append(rules, Rule(part))
		}
	}
	return rules
}

// Stats accumulates per-session filtering counters.
type Stats struct {
	OutputsScanned  uint64 `json:"outputs_scanned"`
	OutputsFiltered uint64 `json:"outputs_filtered"`
	BytesSaved      uint64 `json:"bytes_saved"`
}

func (s *Stats) Add(delta Stats) {
	s.OutputsScanned += delta.OutputsScanned
	s.OutputsFiltered += delta.OutputsFiltered
	s.BytesSaved += delta.BytesSaved
}

// OutputRef locates a filtered output inside its block.
type OutputRef struct {
	TxIndex  int   `json:"tx_index"`
	OutIndex int   `json:"out_index"`
	Class    Class `json:"class"`
}

// FilteredBlock is a read-only view over a canonical block: the block itself
// is untouched, Excluded lists the outputs classified as spam.
type FilteredBlock struct {
	Block    *wire.MsgBlock
	Excluded []OutputRef
}

// IsExcluded reports whether the given output was filtered.
func (fb *FilteredBlock) IsExcluded(txIndex, outIndex int) bool {
	for _, ref := range fb.Excluded {
		if ref.TxIndex == txIndex && ref.OutIndex == outIndex {
			return true
		}
	}
	return false
}

// txCarriesEnvelope reports whether any input witness of the transaction
// contains one of the patterns. Inscription payloads ride in the reveal
// transaction's witness data.
func txCarriesEnvelope(tx *wire.MsgTx, patterns [][]byte) bool {
	for _, in := range tx.TxIn {
		for _, item := range in.Witness {
			for _, pat := range patterns {
				if bytes.Contains(item, pat) {
					return true
				}
			}
		}
	}
	return false
}

// ClassifyOutput classifies a single output of tx. Deterministic for a given
// config and input. Inscription and token rules take precedence over dust so
// an inscription dust output reports its more specific class.
func (cfg *Config) ClassifyOutput(tx *wire.MsgTx, out *wire.TxOut) Class {
	if cfg.tokenEnabled && txCarriesEnvelope(tx, cfg.TokenMarkers) {
		return ClassTokenMetadata
	}
	if cfg.inscriptionEnabled && txCarriesEnvelope(tx, cfg.InscriptionPatterns) {
		return ClassInscription
	}
	if cfg.dustEnabled && out.Value < cfg.DustThreshold && !txscript.IsUnspendable(out.PkScript) {
		return ClassDust
	}
	return ClassFinancial
}

// FilterBlock classifies every output of the block and returns the filtered
// view plus stats deltas. The canonical block is never mutated. The coinbase
// transaction's outputs are exempt: issuance is consensus state regardless
// of value.
func FilterBlock(block *wire.MsgBlock, cfg *Config) (*FilteredBlock, Stats) {
	fb := &FilteredBlock{Block: block}
	var stats Stats

	for txIdx, tx := range block.Transactions {
		coinbase := txIdx == 0
		for outIdx, out := range tx.TxOut {
			stats.OutputsScanned++
			if coinbase {
				continue
			}
			class := cfg.ClassifyOutput(tx, out)
			if class == ClassFinancial {
				continue
			}
			fb.Excluded = append(fb.Excluded, OutputRef{TxIndex: txIdx, OutIndex: outIdx, Class: class})
			stats.OutputsFiltered++
			stats.BytesSaved += uint64(out.SerializeSize())
		}
	}
	return fb, stats
}

// Package verifier validates received UTXO commitments against the issuance
// schedule and the externally-maintained header chain. All checks are pure:
// the verifier holds no mutable state across calls, and no supply or root
// failure is ever downgraded to a warning.
package verifier

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/utxonet/utxo-commit-node/internal/types"
)

var (
	ErrInflationDetected      = errors.New("commitment supply exceeds issuance schedule")
	ErrChainBroken            = errors.New("commitment not anchored in the header chain")
	ErrNonMonotonicCommitment = errors.New("commitment sequence not monotonic")
)

// Level selects how much of the header chain is re-verified per commitment.
type Level int

const (
	// Minimal checks the supply bound and the hash/height anchor only.
	Minimal Level = iota
	// Standard additionally verifies proof of work at the checkpoint and
	// the link into the following header.
	Standard
	// Paranoid re-verifies proof of work and linkage on every header from
	// the checkpoint up to the tip.
	Paranoid
)

func (l Level) String() string {
	switch l {
	case Minimal:
		return "Minimal"
	case Standard:
		return "Standard"
	case Paranoid:
		return "Paranoid"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// HeaderSource exposes the locally-held, externally-validated header chain.
type HeaderSource interface {
	HeaderAt(height uint32) (*wire.BlockHeader, error)
	TipHeight() uint32
}

// Verifier checks commitments. Safe for concurrent use.
type Verifier struct {
	headers HeaderSource
	params  *chaincfg.Params
	level   Level
}

func NewVerifier(headers HeaderSource, params *chaincfg.Params, level Level) *Verifier {
	return &Verifier{headers: headers, params: params, level: level}
}

// VerifyCommitment validates the supply bound and the chain linkage of a
// single commitment. Inflation and chain-break failures are fatal for the
// commitment and are never retried by callers.
func (v *Verifier) VerifyCommitment(c *types.UtxoCommitment) error {
	if err := v.checkSupplyBound(c); err != nil {
		return err
	}
	return v.checkChainLinkage(c)
}

func (v *Verifier) checkSupplyBound(c *types.UtxoCommitment) error {
	limit := MaxSupplyAt(c.Height)
	if c.TotalSupply > limit {
		return fmt.Errorf("%w: supply %d > schedule %d at height %d",
			ErrInflationDetected, c.TotalSupply, limit, c.Height)
	}
	return nil
}

func (v *Verifier) checkChainLinkage(c *types.UtxoCommitment) error {
	tip := v.headers.TipHeight()
	if c.Height > tip {
		return fmt.Errorf("%w: checkpoint height %d beyond tip %d", ErrChainBroken, c.Height, tip)
	}

	header, err := v.headers.HeaderAt(c.Height)
	if err != nil {
		return fmt.Errorf("%w: no header at height %d: %v", ErrChainBroken, c.Height, err)
	}

	blockHash := header.BlockHash()
	if !blockHash.IsEqual(&c.BlockHash) {
		return fmt.Errorf("%w: header at height %d is %s, commitment claims %s",
			ErrChainBroken, c.Height, blockHash.String(), c.BlockHash.String())
	}

	if v.level == Minimal {
		return nil
	}

	if err := v.checkProofOfWork(header); err != nil {
		return err
	}

	switch v.level {
	case Standard:
		// Verify the checkpoint header is linked into its successor when
		// one exists; the rest of the chain is trusted to the collaborator
		// that validated it.
		if c.Height < tip {
			return v.checkLink(c.Height, &blockHash)
		}
		return nil
	case Paranoid:
		prev := blockHash
		for h := c.Height + 1; h <= tip; h++ {
			next, err := v.headers.HeaderAt(h)
			if err != nil {
				return fmt.Errorf("%w: no header at height %d: %v", ErrChainBroken, h, err)
			}
			if !next.PrevBlock.IsEqual(&prev) {
				return fmt.Errorf("%w: header at height %d does not extend %s",
					ErrChainBroken, h, prev.String())
			}
			if err := v.checkProofOfWork(next); err != nil {
				return err
			}
			prev = next.BlockHash()
		}
		return nil
	}
	return nil
}

func (v *Verifier) checkLink(height uint32, hash *chainhash.Hash) error {
	next, err := v.headers.HeaderAt(height + 1)
	if err != nil {
		return fmt.Errorf("%w: no header at height %d: %v", ErrChainBroken, height+1, err)
	}
	if !next.PrevBlock.IsEqual(hash) {
		return fmt.Errorf("%w: header at height %d does not extend checkpoint %s",
			ErrChainBroken, height+1, hash.String())
	}
	return nil
}

func (v *Verifier) checkProofOfWork(header *wire.BlockHeader) error {
	target := blockchain.CompactToBig(header.Bits)
	if target.Sign() <= 0 || target.Cmp(v.params.PowLimit) > 0 {
		return fmt.Errorf("%w: header target %064x outside limits", ErrChainBroken, target)
	}
	hash := header.BlockHash()
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return fmt.Errorf("%w: header %s does not meet target", ErrChainBroken, hash.String())
	}
	return nil
}

// VerifySequence checks forward consistency across successive commitments:
// heights strictly increase and supply never decreases, except where burns
// documents an allowed reduction keyed by the later commitment's height.
func (v *Verifier) VerifySequence(commitments []*types.UtxoCommitment, burns map[uint32]uint64) error {
	for i := 1; i < len(commitments); i++ {
		prev, cur := commitments[i-1], commitments[i]
		if cur.Height <= prev.Height {
			return fmt.Errorf("%w: height %d does not exceed prior %d",
				ErrNonMonotonicCommitment, cur.Height, prev.Height)
		}
		if cur.TotalSupply >= prev.TotalSupply {
			continue
		}
		burned := prev.TotalSupply - cur.TotalSupply
		if allowed, ok := burns[cur.Height]; !ok || burned > allowed {
			return fmt.Errorf("%w: supply dropped by %d at height %d without a documented burn",
				ErrNonMonotonicCommitment, burned, cur.Height)
		}
	}
	return nil
}

// ParseLevel maps a config string onto a verification level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "Minimal", "minimal":
		return Minimal, nil
	case "Standard", "standard", "":
		return Standard, nil
	case "Paranoid", "paranoid":
		return Paranoid, nil
	}
	return Standard, fmt.Errorf("unknown verification level %q", s)
}

// Package consensus implements the peer-consensus round that selects a
// checkpoint commitment trusted by a qualified supermajority of
// topologically independent peers. No single peer is trusted; the engine
// fails closed on any ambiguity.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kelindar/bitmap"
	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/types"
)

var (
	ErrInsufficientDiversePeers = errors.New("not enough diverse peers for a consensus round")
	ErrConsensusNotReached      = errors.New("no commitment reached the consensus threshold")
	ErrConflictingConsensus     = errors.New("multiple commitments reached the consensus threshold")
)

// DefaultMinPeers is the smallest diverse peer set the round will run with.
// Below five independent peers the 80% threshold stops being meaningfully
// Byzantine-tolerant.
const DefaultMinPeers = 5

// DefaultThreshold is the supermajority fraction of responding diverse peers
// that must claim the same commitment.
const DefaultThreshold = 0.80

// Options tunes a consensus engine.
type Options struct {
	MinPeers       int
	Threshold      float64
	PerPeerTimeout time.Duration
	RoundDeadline  time.Duration
	MaxInflight    int
}

func (o *Options) normalize() {
	if o.MinPeers <= 0 {
		o.MinPeers = DefaultMinPeers
	}
	if o.Threshold <= 0 || o.Threshold > 1 {
		o.Threshold = DefaultThreshold
	}
	if o.PerPeerTimeout <= 0 {
		o.PerPeerTimeout = 10 * time.Second
	}
	if o.RoundDeadline <= 0 {
		o.RoundDeadline = 30 * time.Second
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = 8
	}
}

// Engine runs consensus rounds against a peer directory and a commitment
// fetcher, both injected.
type Engine struct {
	directory PeerDirectory
	fetcher   CommitmentFetcher
	opts      Options
}

func NewEngine(directory PeerDirectory, fetcher CommitmentFetcher, opts Options) *Engine {
	opts.normalize()
	return &Engine{directory: directory, fetcher: fetcher, opts: opts}
}

// candidate tallies votes for one exact (root, supply, hash) commitment.
type candidate struct {
	commitment *types.UtxoCommitment
	voters     bitmap.Bitmap
}

// Round queries the diverse peer set for their claimed commitment at the
// candidate height and tallies exact agreement. Retryable failures
// (ErrInsufficientDiversePeers, ErrConsensusNotReached) leave the caller
// free to rerun at another height or with a wider pool;
// ErrConflictingConsensus means the engine refused to guess between two
// qualifying commitments.
func (e *Engine) Round(ctx context.Context, height uint32) (*ConsensusResult, error) {
	roundID := uuid.New().String()

	peers, err := e.directory.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("peer directory: %w", err)
	}

	diverse := SelectDiverse(peers)
	if len(diverse) < e.opts.MinPeers {
		return nil, fmt.Errorf("%w: have %d, need %d",
			ErrInsufficientDiversePeers, len(diverse), e.opts.MinPeers)
	}

	log.Infof("Consensus round %s: querying %d diverse peers at height %d",
		roundID, len(diverse), height)

	votes := e.gather(ctx, diverse, height)
	return e.tally(roundID, height, diverse, votes)
}

// gather fans out one bounded task per peer and collects whatever arrives
// before the round deadline. A slow peer costs its own slot, never the
// round.
func (e *Engine) gather(ctx context.Context, peers []PeerInfo, height uint32) []PeerVote {
	roundCtx, cancel := context.WithTimeout(ctx, e.opts.RoundDeadline)
	defer cancel()

	votes := make([]PeerVote, len(peers))
	sem := make(chan struct{}, e.opts.MaxInflight)

	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(slot int, peer PeerInfo) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-roundCtx.Done():
				votes[slot] = PeerVote{Peer: peer, Err: roundCtx.Err()}
				return
			}

			peerCtx, peerCancel := context.WithTimeout(roundCtx, e.opts.PerPeerTimeout)
			defer peerCancel()

			commitment, err := e.fetcher.Commitment(peerCtx, peer.ID, height)
			if err != nil {
				log.Debugf("Peer %s failed commitment query: %v", peer.ID, err)
				votes[slot] = PeerVote{Peer: peer, Err: err}
				return
			}
			votes[slot] = PeerVote{Peer: peer, Commitment: commitment}
		}(i, peer)
	}
	wg.Wait()
	return votes
}

func (e *Engine) tally(roundID string, height uint32, peers []PeerInfo, votes []PeerVote) (*ConsensusResult, error) {
	candidates := make(map[string]*candidate)
	responders := 0

	for slot, vote := range votes {
		if vote.Err != nil || vote.Commitment == nil {
			continue
		}
		if vote.Commitment.Height != height {
			log.Warnf("Peer %s answered for height %d, wanted %d; ignoring",
				vote.Peer.ID, vote.Commitment.Height, height)
			continue
		}
		responders++
		key := vote.Commitment.Key()
		cand, ok := candidates[key]
		if !ok {
			cand = &candidate{commitment: vote.Commitment}
			candidates[key] = cand
		}
		cand.voters.Set(uint32(slot))
	}

	if responders < e.opts.MinPeers {
		return nil, fmt.Errorf("%w: only %d of %d diverse peers responded, need %d",
			ErrConsensusNotReached, responders, len(peers), e.opts.MinPeers)
	}

	required := int(math.Ceil(e.opts.Threshold * float64(responders)))
	var accepted *candidate
	for _, cand := range candidates {
		if cand.voters.Count() < required {
			continue
		}
		if accepted != nil {
			return nil, fmt.Errorf("%w: %s and %s both cleared %d votes",
				ErrConflictingConsensus,
				accepted.commitment.RootHex(), cand.commitment.RootHex(), required)
		}
		accepted = cand
	}
	if accepted == nil {
		return nil, fmt.Errorf("%w: best candidate below %d of %d responders",
			ErrConsensusNotReached, required, responders)
	}

	var supporters []PeerInfo
	accepted.voters.Range(func(slot uint32) {
		supporters = append(supporters, peers[slot])
	})

	log.Infof("Consensus round %s: accepted %s with %d/%d supporters",
		roundID, accepted.commitment.String(), len(supporters), responders)

	return &ConsensusResult{
		RoundID:         roundID,
		Height:          height,
		Commitment:      accepted.commitment,
		SupportingPeers: supporters,
		Responders:      responders,
	}, nil
}

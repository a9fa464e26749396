package btc

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/config"
	"github.com/utxonet/utxo-commit-node/internal/db"
	"github.com/utxonet/utxo-commit-node/internal/state"
)

// HeaderListener polls the bitcoin RPC for new headers and extends the local
// light-header store.
type HeaderListener struct {
	client *rpcclient.Client
	store  *HeaderStore
	state  *state.State
}

func NewHeaderListener(client *rpcclient.Client, dbm *db.DatabaseManager, st *state.State) *HeaderListener {
	return &HeaderListener{
		client: client,
		store:  NewHeaderStore(dbm.GetBtcLightDB()),
		state:  st,
	}
}

// Store exposes the header store for the verifier.
func (hl *HeaderListener) Store() *HeaderStore {
	return hl.store
}

func (hl *HeaderListener) Start(ctx context.Context) {
	interval := config.AppConfig.HeaderPollInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("HeaderListener started")
	hl.poll(ctx)

	for {
		select {
		case <-ticker.C:
			hl.poll(ctx)
		case <-ctx.Done():
			log.Info("HeaderListener is stopping...")
			return
		}
	}
}

func (hl *HeaderListener) poll(ctx context.Context) {
	best, err := hl.client.GetBlockCount()
	if err != nil {
		log.Errorf("Failed to query best height: %v", err)
		return
	}
	tip := uint32(best)
	local := hl.store.TipHeight()
	if tip <= local && local != 0 {
		return
	}

	start := local
	if local != 0 {
		start = local + 1
	}
	for h := start; h <= tip; h++ {
		if ctx.Err() != nil {
			return
		}
		hash, err := hl.client.GetBlockHash(int64(h))
		if err != nil {
			log.Errorf("Failed to get block hash at %d: %v", h, err)
			return
		}
		header, err := hl.client.GetBlockHeader(hash)
		if err != nil {
			log.Errorf("Failed to get header %s: %v", hash.String(), err)
			return
		}
		if err := hl.store.Put(h, header); err != nil {
			log.Errorf("Failed to store header at %d: %v", h, err)
			return
		}
	}

	tipHash, err := hl.store.HashAt(tip)
	if err != nil {
		log.Errorf("Failed to read stored tip hash: %v", err)
		return
	}
	hl.state.UpdateBtcHead(tip, tipHash)
	log.Infof("Header chain extended to height %d", tip)
}

// Package btc keeps a local copy of the externally-validated header chain
// and polls the bitcoin RPC for new headers. The commitment verifier anchors
// checkpoints against this store; full header validation happens outside
// this node.
package btc

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/utxonet/utxo-commit-node/internal/db"
)

// HeaderStore reads and writes light headers in the gorm database. It
// implements verifier.HeaderSource.
type HeaderStore struct {
	db *gorm.DB

	mu        sync.RWMutex
	tipHeight uint32
}

func NewHeaderStore(database *gorm.DB) *HeaderStore {
	hs := &HeaderStore{db: database}

	var tip db.LightHeader
	if err := database.Order("height desc").First(&tip).Error; err == nil {
		hs.tipHeight = tip.Height
	}
	return hs
}

// Put stores a header at a height, replacing any previous record.
func (hs *HeaderStore) Put(height uint32, header *wire.BlockHeader) error {
	var buf bytes.Buffer
	if err := header.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize header at %d: %w", height, err)
	}

	blockHash := header.BlockHash()
	record := db.LightHeader{
		Height:   height,
		Hash:     blockHash.String(),
		PrevHash: header.PrevBlock.String(),
		Raw:      buf.Bytes(),
	}
	err := hs.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "height"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("store header at %d: %w", height, err)
	}

	hs.mu.Lock()
	if height > hs.tipHeight {
		hs.tipHeight = height
	}
	hs.mu.Unlock()
	return nil
}

// HeaderAt returns the header stored for a height.
func (hs *HeaderStore) HeaderAt(height uint32) (*wire.BlockHeader, error) {
	var record db.LightHeader
	if err := hs.db.Where("height = ?", height).First(&record).Error; err != nil {
		return nil, fmt.Errorf("no header at height %d: %w", height, err)
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(record.Raw)); err != nil {
		return nil, fmt.Errorf("corrupt header at height %d: %w", height, err)
	}
	return &header, nil
}

// TipHeight is the highest stored header height.
func (hs *HeaderStore) TipHeight() uint32 {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return hs.tipHeight
}

// HashAt returns the stored block hash for a height as hex.
func (hs *HeaderStore) HashAt(height uint32) (string, error) {
	var record db.LightHeader
	if err := hs.db.Where("height = ?", height).First(&record).Error; err != nil {
		return "", fmt.Errorf("no header at height %d: %w", height, err)
	}
	if _, err := hex.DecodeString(record.Hash); err != nil {
		return "", fmt.Errorf("corrupt hash at height %d: %w", height, err)
	}
	return record.Hash, nil
}

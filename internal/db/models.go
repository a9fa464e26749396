package db

import (
	"time"
)

// LightHeader is one externally-validated block header kept locally so the
// verifier can anchor commitments. Raw holds the 80-byte serialized header.
type LightHeader struct {
	ID        uint   `gorm:"primaryKey"`
	Height    uint32 `gorm:"uniqueIndex"`
	Hash      string `gorm:"index;size:64"`
	PrevHash  string `gorm:"size:64"`
	Raw       []byte
	UpdatedAt time.Time
}

// Checkpoint records a fully-verified commitment for crash recovery.
type Checkpoint struct {
	ID          uint   `gorm:"primaryKey"`
	Height      uint32 `gorm:"uniqueIndex"`
	BlockHash   string `gorm:"size:64"`
	Root        string `gorm:"size:64"`
	TotalSupply uint64
	EntryCount  int
	CreatedAt   time.Time
}

// ConsensusRound records the outcome of one consensus round for audit.
type ConsensusRound struct {
	ID         uint   `gorm:"primaryKey"`
	RoundID    string `gorm:"uniqueIndex;size:36"`
	Height     uint32
	Responders int
	Supporters int
	Root       string `gorm:"size:64"`
	Outcome    string `gorm:"size:32"`
	CreatedAt  time.Time
}

// FilterStatsRecord persists per-session spam filter counters.
type FilterStatsRecord struct {
	ID              uint   `gorm:"primaryKey"`
	SessionID       string `gorm:"index;size:36"`
	OutputsScanned  uint64
	OutputsFiltered uint64
	BytesSaved      uint64
	UpdatedAt       time.Time
}

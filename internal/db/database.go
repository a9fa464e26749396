package db

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/utxonet/utxo-commit-node/internal/config"
)

type DatabaseManager struct {
	commitDb   *gorm.DB
	btcLightDb *gorm.DB
}

func NewDatabaseManager() *DatabaseManager {
	dm := &DatabaseManager{}
	dm.initDB()
	return dm
}

func (dm *DatabaseManager) initDB() {
	dbDir := config.AppConfig.DbDir
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	commitPath := filepath.Join(dbDir, "commitments.db")
	commitDb, err := gorm.Open(sqlite.Open(commitPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to commitment database: %v", err)
	}
	dm.commitDb = commitDb
	log.Debugf("Commitment database connected, path: %s", commitPath)

	btcLightPath := filepath.Join(dbDir, "btc_light.db")
	btcLightDb, err := gorm.Open(sqlite.Open(btcLightPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to light header database: %v", err)
	}
	dm.btcLightDb = btcLightDb
	log.Debugf("Light header database connected, path: %s", btcLightPath)

	dm.migrate()
}

func (dm *DatabaseManager) migrate() {
	if err := dm.commitDb.AutoMigrate(&Checkpoint{}, &ConsensusRound{}, &FilterStatsRecord{}); err != nil {
		log.Fatalf("Failed to migrate commitment database: %v", err)
	}
	if err := dm.btcLightDb.AutoMigrate(&LightHeader{}); err != nil {
		log.Fatalf("Failed to migrate light header database: %v", err)
	}
}

func (dm *DatabaseManager) GetCommitDB() *gorm.DB {
	return dm.commitDb
}

func (dm *DatabaseManager) GetBtcLightDB() *gorm.DB {
	return dm.btcLightDb
}

package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

func InitConfig() {
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded .env file")
	}
	viper.AutomaticEnv()

	// Default config
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("LIBP2P_PORT", 4001)
	viper.SetDefault("LIBP2P_BOOT_NODES", "")
	viper.SetDefault("PEERS_FILE", "peers.json")
	viper.SetDefault("BTC_RPC", "http://localhost:8332")
	viper.SetDefault("BTC_RPC_USER", "")
	viper.SetDefault("BTC_RPC_PASS", "")
	viper.SetDefault("BTC_NETWORK_TYPE", "")
	viper.SetDefault("SYNC_MODE", "PeerConsensus")
	viper.SetDefault("VERIFICATION_LEVEL", "Standard")
	viper.SetDefault("MIN_PEERS", 5)
	viper.SetDefault("CONSENSUS_THRESHOLD", 0.80)
	viper.SetDefault("PEER_TIMEOUT", "10s")
	viper.SetDefault("ROUND_DEADLINE", "30s")
	viper.SetDefault("MAX_INFLIGHT_PEERS", 8)
	viper.SetDefault("CHECKPOINT_SAFETY_MARGIN", 6)
	viper.SetDefault("CHUNK_SIZE", 1000)
	viper.SetDefault("TRANSFER_RETRY_LIMIT", 3)
	viper.SetDefault("SYNC_RETRY_LIMIT", 5)
	viper.SetDefault("SYNC_RETRY_BACKOFF", "15s")
	viper.SetDefault("DUST_THRESHOLD_SATOSHIS", 546)
	viper.SetDefault("SPAM_FILTER_RULES", "Dust,Inscription,TokenMetadata")
	viper.SetDefault("HEADER_POLL_INTERVAL", "60s")
	viper.SetDefault("ENABLE_HTTP", true)
	viper.SetDefault("ENABLE_BLOCK_SERVING", false)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_DIR", "/app/db")

	logLevel, err := log.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	AppConfig = Config{
		HTTPPort:               viper.GetString("HTTP_PORT"),
		Libp2pPort:             viper.GetInt("LIBP2P_PORT"),
		Libp2pBootNodes:        viper.GetString("LIBP2P_BOOT_NODES"),
		PeersFile:              viper.GetString("PEERS_FILE"),
		BTCRPC:                 viper.GetString("BTC_RPC"),
		BTCRPC_USER:            viper.GetString("BTC_RPC_USER"),
		BTCRPC_PASS:            viper.GetString("BTC_RPC_PASS"),
		BTCNetworkType:         viper.GetString("BTC_NETWORK_TYPE"),
		SyncMode:               viper.GetString("SYNC_MODE"),
		VerificationLevel:      viper.GetString("VERIFICATION_LEVEL"),
		MinPeers:               viper.GetInt("MIN_PEERS"),
		ConsensusThreshold:     viper.GetFloat64("CONSENSUS_THRESHOLD"),
		PeerTimeout:            viper.GetDuration("PEER_TIMEOUT"),
		RoundDeadline:          viper.GetDuration("ROUND_DEADLINE"),
		MaxInflightPeers:       viper.GetInt("MAX_INFLIGHT_PEERS"),
		CheckpointSafetyMargin: viper.GetInt("CHECKPOINT_SAFETY_MARGIN"),
		ChunkSize:              viper.GetInt("CHUNK_SIZE"),
		TransferRetryLimit:     viper.GetInt("TRANSFER_RETRY_LIMIT"),
		SyncRetryLimit:         viper.GetInt("SYNC_RETRY_LIMIT"),
		SyncRetryBackoff:       viper.GetDuration("SYNC_RETRY_BACKOFF"),
		DustThresholdSatoshis:  viper.GetInt64("DUST_THRESHOLD_SATOSHIS"),
		SpamFilterRules:        viper.GetString("SPAM_FILTER_RULES"),
		HeaderPollInterval:     viper.GetDuration("HEADER_POLL_INTERVAL"),
		EnableHTTP:             viper.GetBool("ENABLE_HTTP"),
		EnableBlockServing:     viper.GetBool("ENABLE_BLOCK_SERVING"),
		DbDir:                  viper.GetString("DB_DIR"),
		LogLevel:               logLevel,
	}

	if AppConfig.MinPeers < 2 {
		log.Warnf("MIN_PEERS %d is not Byzantine-tolerant, raising to 2", AppConfig.MinPeers)
		AppConfig.MinPeers = 2
	}
	if AppConfig.ConsensusThreshold <= 0.5 || AppConfig.ConsensusThreshold > 1 {
		log.Warnf("CONSENSUS_THRESHOLD %.2f out of range, using 0.80", AppConfig.ConsensusThreshold)
		AppConfig.ConsensusThreshold = 0.80
	}

	log.Infof("Init config, SyncMode %s, MinPeers %d, Threshold %.2f, VerificationLevel %s",
		AppConfig.SyncMode, AppConfig.MinPeers, AppConfig.ConsensusThreshold, AppConfig.VerificationLevel)

	log.SetOutput(os.Stdout)
	log.SetLevel(AppConfig.LogLevel)
}

type Config struct {
	HTTPPort               string
	Libp2pPort             int
	Libp2pBootNodes        string
	PeersFile              string
	BTCRPC                 string
	BTCRPC_USER            string
	BTCRPC_PASS            string
	BTCNetworkType         string
	SyncMode               string
	VerificationLevel      string
	MinPeers               int
	ConsensusThreshold     float64
	PeerTimeout            time.Duration
	RoundDeadline          time.Duration
	MaxInflightPeers       int
	CheckpointSafetyMargin int
	ChunkSize              int
	TransferRetryLimit     int
	SyncRetryLimit         int
	SyncRetryBackoff       time.Duration
	DustThresholdSatoshis  int64
	SpamFilterRules        string
	HeaderPollInterval     time.Duration
	EnableHTTP             bool
	EnableBlockServing     bool
	DbDir                  string
	LogLevel               log.Level
}

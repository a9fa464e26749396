package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/btc"
	"github.com/utxonet/utxo-commit-node/internal/config"
	"github.com/utxonet/utxo-commit-node/internal/consensus"
	"github.com/utxonet/utxo-commit-node/internal/db"
	"github.com/utxonet/utxo-commit-node/internal/filter"
	"github.com/utxonet/utxo-commit-node/internal/http"
	"github.com/utxonet/utxo-commit-node/internal/p2p"
	"github.com/utxonet/utxo-commit-node/internal/state"
	"github.com/utxonet/utxo-commit-node/internal/syncer"
	"github.com/utxonet/utxo-commit-node/internal/verifier"
)

type Application struct {
	DatabaseManager *db.DatabaseManager
	State           *state.State
	SnapshotStore   *db.SnapshotStore
	HeaderListener  *btc.HeaderListener
	LibP2PService   *p2p.LibP2PService
	LocalServer     *p2p.LocalServer
	Orchestrator    *syncer.Orchestrator
	HTTPServer      *http.HTTPServer
}

func NewApplication() *Application {
	config.InitConfig()

	connConfig := &rpcclient.ConnConfig{
		Host:         config.AppConfig.BTCRPC,
		User:         config.AppConfig.BTCRPC_USER,
		Pass:         config.AppConfig.BTCRPC_PASS,
		HTTPPostMode: true,
		DisableTLS:   true,
	}
	btcClient, err := rpcclient.New(connConfig, nil)
	if err != nil {
		log.Fatalf("Failed to start bitcoin client: %v", err)
	}

	dbm := db.NewDatabaseManager()
	appState := state.InitializeState(dbm)

	snapshots, err := db.NewSnapshotStore(config.AppConfig.DbDir)
	if err != nil {
		log.Fatalf("Failed to open snapshot store: %v", err)
	}

	headerListener := btc.NewHeaderListener(btcClient, dbm, appState)

	localServer := p2p.NewLocalServer(config.AppConfig.ChunkSize)
	libP2PService := p2p.NewLibP2PService(appState, localServer)
	directory := p2p.NewFileDirectory(config.AppConfig.PeersFile)
	libP2PService.SetDirectory(directory)
	client := p2p.NewClient(libP2PService.Host)

	engine := consensus.NewEngine(directory, client, consensus.Options{
		MinPeers:       config.AppConfig.MinPeers,
		Threshold:      config.AppConfig.ConsensusThreshold,
		PerPeerTimeout: config.AppConfig.PeerTimeout,
		RoundDeadline:  config.AppConfig.RoundDeadline,
		MaxInflight:    config.AppConfig.MaxInflightPeers,
	})

	level, err := verifier.ParseLevel(config.AppConfig.VerificationLevel)
	if err != nil {
		log.Fatalf("Invalid verification level: %v", err)
	}
	chainVerifier := verifier.NewVerifier(
		headerListener.Store(),
		chainParams(config.AppConfig.BTCNetworkType),
		level,
	)

	filterCfg, err := filter.NewConfig(
		config.AppConfig.DustThresholdSatoshis,
		filter.ParseRules(config.AppConfig.SpamFilterRules),
	)
	if err != nil {
		log.Fatalf("Invalid spam filter rules: %v", err)
	}

	orchestrator := syncer.NewOrchestrator(appState, engine, chainVerifier, client, headerListener.Store(), syncer.Options{
		Mode:               syncer.ParseMode(config.AppConfig.SyncMode),
		CheckpointMargin:   uint32(config.AppConfig.CheckpointSafetyMargin),
		TransferRetryLimit: config.AppConfig.TransferRetryLimit,
		SessionRetryLimit:  config.AppConfig.SyncRetryLimit,
		RetryBackoff:       config.AppConfig.SyncRetryBackoff,
		PeerTimeout:        config.AppConfig.PeerTimeout,
	})
	orchestrator.SetPersistence(dbm, snapshots)
	orchestrator.SetFilterConfig(filterCfg)
	orchestrator.SetSink(localServer)
	orchestrator.SetAnnouncer(libP2PService)

	blockFetcher := btc.NewBlockFetcher(btcClient)
	mode := syncer.ParseMode(config.AppConfig.SyncMode)
	if mode == syncer.ModeGenesis || mode == syncer.ModeHybrid {
		orchestrator.SetBlockSource(blockFetcher)
	}
	if config.AppConfig.EnableBlockServing {
		localServer.SetBlockSource(btc.NewFilteredBlockProvider(blockFetcher, filterCfg))
	}

	httpServer := http.NewHTTPServer(appState, orchestrator, directory)

	return &Application{
		DatabaseManager: dbm,
		State:           appState,
		SnapshotStore:   snapshots,
		HeaderListener:  headerListener,
		LibP2PService:   libP2PService,
		LocalServer:     localServer,
		Orchestrator:    orchestrator,
		HTTPServer:      httpServer,
	}
}

func chainParams(network string) *chaincfg.Params {
	switch network {
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	case "signet":
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func (app *Application) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.HeaderListener.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.LibP2PService.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// give the transport and header poller a moment to come up,
		// the first consensus round needs both
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		}
		app.Orchestrator.Start(ctx)
	}()

	if config.AppConfig.EnableHTTP {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.HTTPServer.StartHTTPServer()
		}()
	}

	<-stop
	log.Info("Receiving exit signal...")

	cancel()

	wg.Wait()
	if err := app.SnapshotStore.Close(); err != nil {
		log.Errorf("Error closing snapshot store: %v", err)
	}
	log.Info("Server stopped")
}

func main() {
	app := NewApplication()
	app.Run()
}

package http

import (
	"context"
	"encoding/hex"
	"net/http"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/config"
	"github.com/utxonet/utxo-commit-node/internal/consensus"
	"github.com/utxonet/utxo-commit-node/internal/state"
	"github.com/utxonet/utxo-commit-node/internal/types"
)

// CommitmentSource exposes the node's latest verified commitment.
type CommitmentSource interface {
	Tip() *types.UtxoCommitment
}

type HTTPServer struct {
	state     *state.State
	tip       CommitmentSource
	directory consensus.PeerDirectory
}

func NewHTTPServer(st *state.State, tip CommitmentSource, directory consensus.PeerDirectory) *HTTPServer {
	return &HTTPServer{state: st, tip: tip, directory: directory}
}

func (hs *HTTPServer) StartHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	r.GET("/api/v1/status", hs.handleStatus)
	r.GET("/api/v1/commitment", hs.handleCommitment)
	r.GET("/api/v1/filterstats", hs.handleFilterStats)
	r.GET("/api/v1/peers", hs.handlePeers)

	addr := ":" + config.AppConfig.HTTPPort
	log.Infof("HTTP server is running on port %s", config.AppConfig.HTTPPort)
	if err := r.Run(addr); err != nil {
		log.Fatalf("Failed to start HTTP server: %v", err)
	}
}

func (hs *HTTPServer) handleStatus(c *gin.Context) {
	sync := hs.state.GetSyncState()
	head := hs.state.GetBtcHead()
	resp := gin.H{
		"phase":        sync.Phase.String(),
		"local_height": sync.LocalHeight,
		"tip_height":   head.TipHeight,
		"tip_hash":     head.TipHash,
		"session_id":   sync.SessionID,
	}
	if sync.Phase == state.PhaseFailed {
		resp["fail_reason"] = sync.FailReason
	}
	if sync.ChunksTotal > 0 {
		resp["chunks_done"] = sync.ChunksDone
		resp["chunks_total"] = sync.ChunksTotal
	}
	c.JSON(http.StatusOK, resp)
}

func (hs *HTTPServer) handleCommitment(c *gin.Context) {
	tip := hs.tip.Tip()
	if tip == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not synced yet"})
		return
	}
	raw := tip.Serialize()
	c.JSON(http.StatusOK, gin.H{
		"height":       tip.Height,
		"block_hash":   tip.BlockHash.String(),
		"root":         tip.RootHex(),
		"total_supply": tip.TotalSupply,
		"supply_btc":   btcutil.Amount(tip.TotalSupply).ToBTC(),
		"serialized":   hex.EncodeToString(raw[:]),
	})
}

func (hs *HTTPServer) handleFilterStats(c *gin.Context) {
	stats := hs.state.GetFilterStats()
	c.JSON(http.StatusOK, gin.H{
		"outputs_scanned":  stats.OutputsScanned,
		"outputs_filtered": stats.OutputsFiltered,
		"bytes_saved":      stats.BytesSaved,
	})
}

func (hs *HTTPServer) handlePeers(c *gin.Context) {
	if hs.directory == nil {
		c.JSON(http.StatusOK, gin.H{"peers": []consensus.PeerInfo{}})
		return
	}
	peers, err := hs.directory.Peers(context.Background())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers, "count": len(peers)})
}

// Package p2p adapts the external libp2p transport for the consensus engine
// and the sync orchestrator: JSON request/response streams for commitments,
// UTXO-set chunks and filtered blocks, plus a gossip topic announcing newly
// verified checkpoints.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-errors/errors"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	tcp "github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	log "github.com/sirupsen/logrus"

	"github.com/utxonet/utxo-commit-node/internal/config"
	"github.com/utxonet/utxo-commit-node/internal/state"
)

// CommitmentServer is the local side served to bootstrapping peers.
type CommitmentServer interface {
	LatestCommitment() (commitment []byte, ok bool)
	CommitmentAt(height uint32) (commitment []byte, ok bool)
	UTXOSetChunk(height uint32, chunk int) (*UTXOSetResponse, error)
	FilteredBlock(height uint32, hint []string) (*FilteredBlockResponse, error)
}

// LibP2PService owns the libp2p host, the announce topic, and the inbound
// request handlers.
type LibP2PService struct {
	state  *state.State
	server CommitmentServer

	node          host.Host
	announceTopic *pubsub.Topic
	directory     *FileDirectory
}

func NewLibP2PService(st *state.State, server CommitmentServer) *LibP2PService {
	return &LibP2PService{state: st, server: server}
}

// SetDirectory attaches the peer directory so its addresses get seeded into
// the peerstore once the node is up.
func (lp *LibP2PService) SetDirectory(d *FileDirectory) {
	lp.directory = d
}

func (lp *LibP2PService) Start(ctx context.Context) {
	node, ps, err := createNodeWithPubSub(ctx)
	if err != nil {
		log.Fatalf("Failed to create libp2p node: %v", err)
	}
	lp.node = node

	printNodeAddrInfo(node)

	node.SetStreamHandler(protocol.ID(handshakeProtocol), func(s network.Stream) {
		handleHandshake(s, node)
		s.Close()
	})
	node.SetStreamHandler(protocol.ID(commitmentProtocol), lp.handleCommitmentStream)
	node.SetStreamHandler(protocol.ID(utxoSetProtocol), lp.handleUTXOSetStream)
	node.SetStreamHandler(protocol.ID(blockProtocol), lp.handleBlockStream)

	if lp.directory != nil {
		lp.directory.Populate(node.Peerstore())
	}

	bootNodeAddrs := strings.Split(config.AppConfig.Libp2pBootNodes, ",")
	for _, addr := range bootNodeAddrs {
		if addr == "" {
			continue
		}
		connectToBootNode(ctx, node, addr)
	}

	lp.announceTopic, err = ps.Join(announceTopicName)
	if err != nil {
		log.Fatalf("Failed to join announce topic: %v", err)
	}
	sub, err := lp.announceTopic.Subscribe()
	if err != nil {
		log.Fatalf("Failed to subscribe to announce topic: %v", err)
	}

	hbTopic, err := ps.Join(heartbeatTopicName)
	if err != nil {
		log.Fatalf("Failed to join heartbeat topic: %v", err)
	}
	hbSub, err := hbTopic.Subscribe()
	if err != nil {
		log.Fatalf("Failed to subscribe to heartbeat topic: %v", err)
	}

	go lp.handleAnnouncements(ctx, sub, node)
	go handleHeartbeatMessages(ctx, hbSub, node)
	go startHeartbeat(ctx, node, hbTopic)

	<-ctx.Done()

	log.Info("LibP2PService is stopping...")
	if err := node.Close(); err != nil {
		log.Errorf("Error closing libp2p node: %v", err)
	}
	log.Info("LibP2PService has stopped.")
}

// Host exposes the running node for the request client.
func (lp *LibP2PService) Host() host.Host {
	return lp.node
}

// Announce gossips a newly verified checkpoint commitment.
func (lp *LibP2PService) Announce(ctx context.Context, commitment []byte) error {
	if lp.announceTopic == nil || lp.node == nil {
		return errors.New("announce topic not joined")
	}
	msg := CommitmentAnnouncement{
		PeerID:     lp.node.ID().String(),
		Commitment: fmt.Sprintf("%x", commitment),
		Timestamp:  time.Now().Unix(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return lp.announceTopic.Publish(ctx, raw)
}

func (lp *LibP2PService) handleAnnouncements(ctx context.Context, sub *pubsub.Subscription, node host.Host) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("Error reading announcement: %v", err)
			continue
		}
		if msg.ReceivedFrom == node.ID() {
			continue
		}

		var ann CommitmentAnnouncement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			log.Warnf("Malformed commitment announcement from %s: %v", msg.ReceivedFrom, err)
			continue
		}
		commitment, err := decodeCommitment(ann.Commitment)
		if err != nil {
			log.Warnf("Bad commitment in announcement from %s: %v", ann.PeerID, err)
			continue
		}
		log.Debugf("Peer %s announced %s", ann.PeerID, commitment.String())
		lp.state.EventBus.Publish(state.CommitmentAnnounced, commitment)
	}
}

func (lp *LibP2PService) handleCommitmentStream(s network.Stream) {
	defer s.Close()

	var req GetCommitmentRequest
	if err := json.NewDecoder(s).Decode(&req); err != nil {
		log.Errorf("Error decoding commitment request: %v", err)
		return
	}

	raw, ok := lp.server.LatestCommitment()
	if req.Height != 0 {
		raw, ok = lp.server.CommitmentAt(req.Height)
	}

	var resp CommitmentResponse
	if ok {
		resp.Commitment = fmt.Sprintf("%x", raw)
	} else {
		resp.Err = fmt.Sprintf("no verified commitment at height %d", req.Height)
	}
	if err := json.NewEncoder(s).Encode(&resp); err != nil {
		log.Errorf("Error writing commitment response: %v", err)
	}
}

func (lp *LibP2PService) handleUTXOSetStream(s network.Stream) {
	defer s.Close()

	var req GetUTXOSetRequest
	if err := json.NewDecoder(s).Decode(&req); err != nil {
		log.Errorf("Error decoding utxo set request: %v", err)
		return
	}

	resp, err := lp.server.UTXOSetChunk(req.Height, req.Chunk)
	if err != nil {
		resp = &UTXOSetResponse{Chunk: req.Chunk, Err: err.Error()}
	}
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		log.Errorf("Error writing utxo set response: %v", err)
	}
}

func (lp *LibP2PService) handleBlockStream(s network.Stream) {
	defer s.Close()

	var req GetFilteredBlockRequest
	if err := json.NewDecoder(s).Decode(&req); err != nil {
		log.Errorf("Error decoding filtered block request: %v", err)
		return
	}

	resp, err := lp.server.FilteredBlock(req.Height, req.FilterHint)
	if err != nil {
		resp = &FilteredBlockResponse{Err: err.Error()}
	}
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		log.Errorf("Error writing filtered block response: %v", err)
	}
}

func createNodeWithPubSub(ctx context.Context) (host.Host, *pubsub.PubSub, error) {
	privKey, err := loadOrCreatePrivateKey(privKeyFile)
	if err != nil {
		return nil, nil, err
	}

	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", config.AppConfig.Libp2pPort)
	node, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.ListenAddrStrings(listenAddr),
	)
	if err != nil {
		return nil, nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, node)
	if err != nil {
		return nil, nil, err
	}

	return node, ps, nil
}

func connectToBootNode(ctx context.Context, node host.Host, bootNodeAddr string) {
	multiAddr, err := multiaddr.NewMultiaddr(bootNodeAddr)
	if err != nil {
		log.Errorf("Failed to parse bootnode address: %v", err)
		return
	}

	peerInfo, err := peer.AddrInfoFromP2pAddr(multiAddr)
	if err != nil {
		log.Errorf("Failed to get peer info from address: %v", err)
		return
	}

	node.Peerstore().AddAddrs(peerInfo.ID, peerInfo.Addrs, peerstore.PermanentAddrTTL)
	if err := node.Connect(ctx, *peerInfo); err != nil {
		log.Errorf("Failed to connect to bootnode: %v", err)
		return
	}
	log.Infof("Connected to bootnode: %s", peerInfo.ID.String())

	s, err := node.NewStream(ctx, peerInfo.ID, protocol.ID(handshakeProtocol))
	if err != nil {
		log.Errorf("Failed to create handshake stream to peer %s: %v", peerInfo.ID, err)
		return
	}
	if _, err := s.Write([]byte(expectedHandshake)); err != nil {
		log.Errorf("Failed to send handshake to peer %s: %v", peerInfo.ID, err)
		s.Reset()
		return
	}
	s.Close()
}

func loadOrCreatePrivateKey(fileName string) (crypto.PrivKey, error) {
	dbDir := config.AppConfig.DbDir
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	pemPath := filepath.Join(dbDir, fileName)
	if _, err := os.Stat(pemPath); err == nil {
		privKeyBytes, err := os.ReadFile(pemPath)
		if err != nil {
			return nil, err
		}
		return crypto.UnmarshalPrivateKey(privKeyBytes)
	}

	privKey, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, 2048, rand.Reader)
	if err != nil {
		return nil, err
	}

	privKeyBytes, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(pemPath, privKeyBytes, 0600); err != nil {
		return nil, err
	}
	return privKey, nil
}

func printNodeAddrInfo(node host.Host) {
	peerID := node.ID().String()
	for _, addr := range node.Addrs() {
		log.Infof("Bootnode address: %s/p2p/%s", addr, peerID)
	}
}
